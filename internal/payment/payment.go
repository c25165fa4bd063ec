// Package payment drives the per-request money lifecycle: reserve the max
// cost before forwarding upstream, then settle exactly once with either a
// finalize (actual cost known), a finalize at max (cost unknowable) or a
// revert (upstream failed before producing anything billable).
package payment

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"routstr-proxy/internal/queue"
	"routstr-proxy/pkg/logger"

	"go.uber.org/zap"
)

// ErrAlreadySettled is returned when a second terminal transition is
// attempted on the same reservation. Exactly one of Finalize, FinalizeAtMax
// and Revert wins; the losers get this error and must not touch the ledger.
var ErrAlreadySettled = errors.New("payment already settled")

// Ledger is the slice of the key repository the payment lifecycle needs.
type Ledger interface {
	Reserve(ctx context.Context, hashedKey string, msats int64) error
	Finalize(ctx context.Context, hashedKey string, reserved, actual int64) error
	Revert(ctx context.Context, hashedKey string, reserved int64) error
}

// Publisher emits audit events. Matches queue.StreamQueue.
type Publisher interface {
	Publish(ctx context.Context, stream string, data []byte) (string, error)
}

// Service creates reservations against the ledger.
type Service struct {
	ledger Ledger
	events Publisher // nil disables audit events
}

// NewService creates a payment service. events may be nil.
func NewService(ledger Ledger, events Publisher) *Service {
	return &Service{ledger: ledger, events: events}
}

// Pending is a live reservation. It is safe for concurrent settlement
// attempts; the first terminal call wins and the rest get ErrAlreadySettled.
type Pending struct {
	svc       *Service
	hashedKey string
	requestID string
	model     string
	reserved  int64
	settled   atomic.Bool
}

// Reserve deducts msats from the key's spendable balance into its reserved
// bucket. database.ErrInsufficientBalance and database.ErrKeyNotFound pass
// through untouched so the HTTP layer can answer 402 vs 401.
func (s *Service) Reserve(ctx context.Context, hashedKey string, msats int64, requestID, model string) (*Pending, error) {
	if msats <= 0 {
		return nil, fmt.Errorf("reservation must be positive, got %d msats", msats)
	}
	if err := s.ledger.Reserve(ctx, hashedKey, msats); err != nil {
		return nil, err
	}
	p := &Pending{
		svc:       s,
		hashedKey: hashedKey,
		requestID: requestID,
		model:     model,
		reserved:  msats,
	}
	s.publish(ctx, queue.EventReserved, p, 0)
	return p, nil
}

// Reserved returns the reservation amount in msats.
func (p *Pending) Reserved() int64 {
	return p.reserved
}

// Finalize settles the reservation at the actual cost. Actual charges above
// the reservation are clamped to it: the user was promised at most the max
// cost, and the ledger's non-negative balance constraint holds it to that.
func (p *Pending) Finalize(ctx context.Context, actual int64) error {
	if actual < 0 {
		actual = 0
	}
	if actual > p.reserved {
		logger.Warn("Actual cost exceeds reservation, clamping",
			zap.String("request_id", p.requestID),
			zap.Int64("actual_msats", actual),
			zap.Int64("reserved_msats", p.reserved))
		actual = p.reserved
	}
	return p.settle(ctx, queue.EventFinalized, func() error {
		return p.svc.ledger.Finalize(ctx, p.hashedKey, p.reserved, actual)
	}, actual)
}

// FinalizeAtMax settles the reservation at the full reserved amount. Used
// when the response carried no usage data or the stream was cut off before
// the usage frame arrived.
func (p *Pending) FinalizeAtMax(ctx context.Context) error {
	return p.settle(ctx, queue.EventFinalizedAtMax, func() error {
		return p.svc.ledger.Finalize(ctx, p.hashedKey, p.reserved, p.reserved)
	}, p.reserved)
}

// Revert returns the full reservation to the spendable balance. Only valid
// when the upstream produced nothing billable.
func (p *Pending) Revert(ctx context.Context) error {
	return p.settle(ctx, queue.EventReverted, func() error {
		return p.svc.ledger.Revert(ctx, p.hashedKey, p.reserved)
	}, 0)
}

// settle performs the exactly-once terminal transition. The flag is taken
// before the ledger call and released again if the call fails, so a
// transient database error does not strand the reservation.
func (p *Pending) settle(ctx context.Context, event string, apply func() error, actual int64) error {
	if !p.settled.CompareAndSwap(false, true) {
		return ErrAlreadySettled
	}
	if err := apply(); err != nil {
		p.settled.Store(false)
		return err
	}
	p.svc.publish(ctx, event, p, actual)
	return nil
}

// publish emits an audit event, best-effort. Failures are logged and
// swallowed; the ledger has already recorded the transition.
func (s *Service) publish(ctx context.Context, event string, p *Pending, actual int64) {
	if s.events == nil {
		return
	}
	msg := &queue.PaymentEventMessage{
		RequestID:     p.requestID,
		HashedKey:     p.hashedKey,
		Event:         event,
		ReservedMsats: p.reserved,
		ActualMsats:   actual,
		Model:         p.model,
		OccurredAt:    time.Now().Unix(),
	}
	data, err := msg.ToJSON()
	if err != nil {
		logger.Warn("Failed to encode payment event", zap.Error(err))
		return
	}
	if _, err := s.events.Publish(ctx, queue.PaymentEventsStream, data); err != nil {
		logger.Warn("Failed to publish payment event",
			zap.String("event", event),
			zap.String("request_id", p.requestID),
			zap.Error(err))
	}
}

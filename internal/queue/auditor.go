package queue

import (
	"sync"

	"routstr-proxy/pkg/logger"

	"go.uber.org/zap"
)

// Auditor consumes payment audit events from the stream, logs each
// transition and keeps running totals. Malformed events are logged and
// acknowledged rather than retried: they will never parse.
type Auditor struct {
	mu            sync.Mutex
	counts        map[string]int64
	settledMsats  int64
	revertedMsats int64
}

// NewAuditor creates an auditor with zeroed totals.
func NewAuditor() *Auditor {
	return &Auditor{counts: make(map[string]int64)}
}

// Handle processes one stream message. Returning nil acknowledges it.
func (a *Auditor) Handle(messageID string, data []byte) error {
	msg, err := FromJSONPaymentEvent(data)
	if err != nil {
		logger.Error("Dropping malformed payment event",
			zap.String("messageID", messageID), zap.Error(err))
		return nil
	}

	a.mu.Lock()
	a.counts[msg.Event]++
	switch msg.Event {
	case EventFinalized, EventFinalizedAtMax:
		a.settledMsats += msg.ActualMsats
	case EventReverted:
		a.revertedMsats += msg.ReservedMsats
	}
	a.mu.Unlock()

	logger.Info("Payment event",
		zap.String("request_id", msg.RequestID),
		zap.String("event", msg.Event),
		zap.String("model", msg.Model),
		zap.Int64("reserved_msats", msg.ReservedMsats),
		zap.Int64("actual_msats", msg.ActualMsats))
	return nil
}

// Totals reports per-event counts and the settled/reverted msat sums.
func (a *Auditor) Totals() (counts map[string]int64, settledMsats, revertedMsats int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	counts = make(map[string]int64, len(a.counts))
	for event, n := range a.counts {
		counts[event] = n
	}
	return counts, a.settledMsats, a.revertedMsats
}

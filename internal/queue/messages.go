// Package queue defines the audit events published to Redis Streams as
// payments move through reserve, finalize and revert. Publishing is
// best-effort; the ledger in Postgres is the source of truth.
package queue

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Stream and consumer group names for payment audit events.
const (
	PaymentEventsStream = "payment:events"
	PaymentEventsGroup  = "payment-auditors"
)

// Payment event types.
const (
	EventReserved       = "reserved"
	EventFinalized      = "finalized"
	EventFinalizedAtMax = "finalized_at_max"
	EventReverted       = "reverted"
)

// PaymentEventMessage records one transition of a payment through its
// lifecycle. Amounts are msats.
type PaymentEventMessage struct {
	RequestID     string `json:"request_id"`
	HashedKey     string `json:"hashed_key"`
	Event         string `json:"event"`
	ReservedMsats int64  `json:"reserved_msats"`
	ActualMsats   int64  `json:"actual_msats,omitempty"`
	Model         string `json:"model,omitempty"`
	OccurredAt    int64  `json:"occurred_at"` // unix seconds
}

// ToJSON serializes the PaymentEventMessage to JSON bytes.
func (m *PaymentEventMessage) ToJSON() ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment event message: %w", err)
	}
	return data, nil
}

// FromJSONPaymentEvent deserializes JSON bytes into a PaymentEventMessage and validates it.
func FromJSONPaymentEvent(data []byte) (*PaymentEventMessage, error) {
	msg := &PaymentEventMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment event message: %w", err)
	}

	if err := msg.Validate(); err != nil {
		return nil, err
	}

	return msg, nil
}

// Validate checks if the PaymentEventMessage has all required fields with valid values.
func (m *PaymentEventMessage) Validate() error {
	if m.RequestID == "" {
		return errors.New("request_id is required")
	}
	if m.HashedKey == "" {
		return errors.New("hashed_key is required")
	}
	switch m.Event {
	case EventReserved, EventFinalized, EventFinalizedAtMax, EventReverted:
	default:
		return fmt.Errorf("unknown event type %q", m.Event)
	}
	if m.ReservedMsats <= 0 {
		return errors.New("reserved_msats must be greater than 0")
	}
	if m.ActualMsats < 0 {
		return errors.New("actual_msats must not be negative")
	}
	return nil
}

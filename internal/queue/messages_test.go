package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentEventRoundTrip(t *testing.T) {
	msg := &PaymentEventMessage{
		RequestID:     "req-123",
		HashedKey:     "abc123",
		Event:         EventFinalized,
		ReservedMsats: 60000,
		ActualMsats:   42000,
		Model:         "gpt-4o",
		OccurredAt:    time.Now().Unix(),
	}

	data, err := msg.ToJSON()
	require.NoError(t, err)

	decoded, err := FromJSONPaymentEvent(data)
	require.NoError(t, err)
	assert.Equal(t, msg, decoded)
}

func TestPaymentEventValidate(t *testing.T) {
	base := PaymentEventMessage{
		RequestID:     "req-123",
		HashedKey:     "abc123",
		Event:         EventReserved,
		ReservedMsats: 1000,
	}
	require.NoError(t, base.Validate())

	missing := base
	missing.RequestID = ""
	assert.Error(t, missing.Validate())

	badEvent := base
	badEvent.Event = "settled"
	assert.Error(t, badEvent.Validate())

	zeroReserve := base
	zeroReserve.ReservedMsats = 0
	assert.Error(t, zeroReserve.Validate())

	negativeActual := base
	negativeActual.ActualMsats = -1
	assert.Error(t, negativeActual.Validate())
}

func TestFromJSONPaymentEventRejectsGarbage(t *testing.T) {
	_, err := FromJSONPaymentEvent([]byte("not json"))
	assert.Error(t, err)
}

package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyStatus_ForwardMoveStampsTimestamp(t *testing.T) {
	now := time.Now().UTC()
	msg := &Message{Status: MessageStatusPending}

	require.True(t, msg.ApplyStatus(MessageStatusSent, now))
	assert.Equal(t, MessageStatusSent, msg.Status)
	require.NotNil(t, msg.SentAt)
	assert.Equal(t, now, *msg.SentAt)
	assert.Nil(t, msg.DeliveredAt)
}

func TestApplyStatus_ReadBeforeDeliveredBackfills(t *testing.T) {
	sentAt := time.Now().UTC()
	readAt := sentAt.Add(time.Minute)
	msg := &Message{Status: MessageStatusSent, SentAt: &sentAt}

	// The delivered callback never arrived; read must fill the gap.
	require.True(t, msg.ApplyStatus(MessageStatusRead, readAt))
	assert.Equal(t, MessageStatusRead, msg.Status)
	require.NotNil(t, msg.ReadAt)
	require.NotNil(t, msg.DeliveredAt)
	assert.Equal(t, readAt, *msg.ReadAt)
	assert.Equal(t, readAt, *msg.DeliveredAt)
	assert.Equal(t, sentAt, *msg.SentAt, "an already-stamped timestamp is kept")
}

func TestApplyStatus_DeliveredFromPendingBackfillsSent(t *testing.T) {
	at := time.Now().UTC()
	msg := &Message{Status: MessageStatusPending}

	require.True(t, msg.ApplyStatus(MessageStatusDelivered, at))
	require.NotNil(t, msg.SentAt)
	require.NotNil(t, msg.DeliveredAt)
	assert.Nil(t, msg.ReadAt)
}

func TestApplyStatus_BackwardMoveRejected(t *testing.T) {
	at := time.Now().UTC()
	msg := &Message{Status: MessageStatusRead, ReadAt: &at}

	assert.False(t, msg.ApplyStatus(MessageStatusDelivered, at.Add(time.Second)))
	assert.Equal(t, MessageStatusRead, msg.Status)
	assert.Nil(t, msg.DeliveredAt, "a rejected transition changes nothing")
}

func TestApplyStatus_FailedTerminal(t *testing.T) {
	at := time.Now().UTC()
	msg := &Message{Status: MessageStatusDelivered}

	require.True(t, msg.ApplyStatus(MessageStatusFailed, at))
	assert.False(t, msg.ApplyStatus(MessageStatusRead, at.Add(time.Second)), "failed is terminal")
}

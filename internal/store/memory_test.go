package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/imcore/internal/types"
)

func TestInsertBatchSkipsDuplicateMsgID(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	msgs := []types.Message{
		{MsgID: "m1", RecipientID: "bob", Sequence: 1},
		{MsgID: "m2", RecipientID: "bob", Sequence: 2},
	}
	result, err := s.InsertBatch(ctx, msgs)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Inserted)
	assert.Equal(t, 0, result.Skipped)

	result, err = s.InsertBatch(ctx, []types.Message{{MsgID: "m1", RecipientID: "bob", Sequence: 1}})
	require.NoError(t, err)
	assert.Equal(t, 0, result.Inserted)
	assert.Equal(t, 1, result.Skipped)
}

func TestScanUndeliveredOrderedBySequence(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, err := s.InsertBatch(ctx, []types.Message{
		{MsgID: "m3", RecipientID: "bob", Sequence: 3},
		{MsgID: "m1", RecipientID: "bob", Sequence: 1},
		{MsgID: "m2", RecipientID: "bob", Sequence: 2},
		{MsgID: "other", RecipientID: "alice", Sequence: 1},
	})
	require.NoError(t, err)

	msgs, err := s.ScanUndelivered(ctx, "bob", "phone", 10)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m1", msgs[0].MsgID)
	assert.Equal(t, "m2", msgs[1].MsgID)
	assert.Equal(t, "m3", msgs[2].MsgID)
}

func TestScanUndeliveredExcludesAckedDevice(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, err := s.InsertBatch(ctx, []types.Message{{MsgID: "m1", RecipientID: "bob", Sequence: 1}})
	require.NoError(t, err)

	require.NoError(t, s.MarkDelivered(ctx, "m1", "phone"))

	msgs, err := s.ScanUndelivered(ctx, "bob", "phone", 10)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	msgs, err = s.ScanUndelivered(ctx, "bob", "laptop", 10)
	require.NoError(t, err)
	assert.Len(t, msgs, 1, "a different device must still see the undelivered row")
}

func TestMarkDeliveredIsIdempotent(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, err := s.InsertBatch(ctx, []types.Message{{MsgID: "m1", RecipientID: "bob", Sequence: 1}})
	require.NoError(t, err)

	require.NoError(t, s.MarkDelivered(ctx, "m1", "phone"))
	require.NoError(t, s.MarkDelivered(ctx, "m1", "phone"))

	state, err := s.MessageStatus(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryDelivered, state)
}

func TestMessageStatusNotFound(t *testing.T) {
	s := NewMemory()
	_, err := s.MessageStatus(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
}

func TestPurgeExpiredRemovesOldRows(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	_, err := s.InsertBatch(ctx, []types.Message{{MsgID: "m1", RecipientID: "bob", Sequence: 1}})
	require.NoError(t, err)

	purged, err := s.PurgeExpired(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	_, err = s.MessageStatus(ctx, "m1")
	assert.Error(t, err)
}

// TestInsertScanRoundTrip exercises §8's round-trip law: a message
// inserted and scanned for its recipient comes back byte-identical on the
// fields that matter for delivery ordering.
func TestInsertScanRoundTrip(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	original := types.Message{
		MsgID:            "m1",
		ConversationType: types.ConversationPrivate,
		ConversationID:   "alice:bob",
		SenderID:         "alice",
		RecipientID:      "bob",
		Content:          []byte(`"hello"`),
		ClientTS:         1000,
		ServerTS:         1001,
		Sequence:         5,
	}
	_, err := s.InsertBatch(ctx, []types.Message{original})
	require.NoError(t, err)

	scanned, err := s.ScanUndelivered(ctx, "bob", "phone", 10)
	require.NoError(t, err)
	require.Len(t, scanned, 1)
	assert.Equal(t, original, scanned[0])
}

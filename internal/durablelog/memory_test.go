package durablelog

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishThenPollBatchPreservesOrder(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, "private_msg_bus", "bob", []byte("one")))
	require.NoError(t, m.Publish(ctx, "private_msg_bus", "bob", []byte("two")))
	require.NoError(t, m.Publish(ctx, "private_msg_bus", "bob", []byte("three")))

	records, err := m.PollBatch(ctx, 10, 50)
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "one", string(records[0].Value))
	assert.Equal(t, "two", string(records[1].Value))
	assert.Equal(t, "three", string(records[2].Value))
}

func TestPollBatchRespectsMaxN(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, m.Publish(ctx, "offline_msg", "alice", []byte("x")))
	}

	first, err := m.PollBatch(ctx, 2, 50)
	require.NoError(t, err)
	assert.Len(t, first, 2)

	second, err := m.PollBatch(ctx, 10, 50)
	require.NoError(t, err)
	assert.Len(t, second, 3)
}

func TestPollBatchTimesOutWithNoRecords(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	records, err := m.PollBatch(ctx, 10, 10)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestCommitRecordsIsNoOpAndSucceeds(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	require.NoError(t, m.Publish(ctx, "group_msg_bus", "grp-1", []byte("hi")))
	records, err := m.PollBatch(ctx, 10, 50)
	require.NoError(t, err)
	require.NoError(t, m.CommitRecords(ctx, records))
}

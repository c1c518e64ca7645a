package fanout

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/imcore/internal/durablelog"
	"github.com/adred-codev/imcore/internal/registry"
	"github.com/adred-codev/imcore/internal/router"
	"github.com/adred-codev/imcore/internal/types"
)

type fakeMembership struct {
	members map[string][]string
}

func (f *fakeMembership) Members(ctx context.Context, groupID string) ([]string, error) {
	return f.members[groupID], nil
}

func TestFanoutSplitsFastAndSlowPathsBySessionPresence(t *testing.T) {
	log := durablelog.NewMemory()
	reg := registry.NewMemory(5)
	membership := &fakeMembership{members: map[string][]string{"grp-1": {"alice", "bob", "carol"}}}

	ctx := context.Background()
	_, err := reg.Register(ctx, "bob", "phone", "gw-1", time.Minute)
	require.NoError(t, err)

	groupMsg := types.Message{
		MsgID:            "m1",
		ConversationType: types.ConversationGroup,
		GroupID:          "grp-1",
		SenderID:         "alice",
		Content:          []byte(`"hi"`),
		Sequence:         42,
	}
	value, err := json.Marshal(groupMsg)
	require.NoError(t, err)
	require.NoError(t, log.Publish(ctx, router.TopicGroupMsgBus, "grp-1", value))

	consumer := New(Config{
		Log:        log,
		Producer:   log,
		Registry:   reg,
		Membership: membership,
		Logger:     zerolog.Nop(),
	})

	records, err := log.PollBatch(ctx, 10, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NoError(t, consumer.processRecord(ctx, records[0]))

	fanned, err := log.PollBatch(ctx, 10, 10)
	require.NoError(t, err)
	require.Len(t, fanned, 2, "alice (sender) must be excluded, bob and carol fanned out")

	byRecipient := make(map[string]durablelog.Record)
	for _, r := range fanned {
		var msg types.Message
		require.NoError(t, json.Unmarshal(r.Value, &msg))
		byRecipient[msg.RecipientID] = r
	}

	require.Contains(t, byRecipient, "bob")
	assert.Equal(t, router.TopicPrivateMsgBus, byRecipient["bob"].Topic, "bob has a live session: fast path")

	require.Contains(t, byRecipient, "carol")
	assert.Equal(t, router.TopicOfflineMsg, byRecipient["carol"].Topic, "carol has no session: slow path")

	assert.NotContains(t, byRecipient, "alice", "sender must not receive their own echo")
}

func TestFanoutPreservesGroupSequenceForEveryMember(t *testing.T) {
	log := durablelog.NewMemory()
	reg := registry.NewMemory(5)
	membership := &fakeMembership{members: map[string][]string{"grp-1": {"bob", "carol"}}}
	ctx := context.Background()

	groupMsg := types.Message{MsgID: "m1", GroupID: "grp-1", SenderID: "alice", Sequence: 7}
	value, err := json.Marshal(groupMsg)
	require.NoError(t, err)
	require.NoError(t, log.Publish(ctx, router.TopicGroupMsgBus, "grp-1", value))

	consumer := New(Config{Log: log, Producer: log, Registry: reg, Membership: membership, Logger: zerolog.Nop()})

	records, err := log.PollBatch(ctx, 10, 10)
	require.NoError(t, err)
	require.NoError(t, consumer.processRecord(ctx, records[0]))

	fanned, err := log.PollBatch(ctx, 10, 10)
	require.NoError(t, err)
	require.Len(t, fanned, 2)
	for _, r := range fanned {
		var msg types.Message
		require.NoError(t, json.Unmarshal(r.Value, &msg))
		assert.EqualValues(t, 7, msg.Sequence, "fan-out must reuse the group's sequence, not allocate a new one")
	}
}

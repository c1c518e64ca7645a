package router

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/imcore/internal/dedup"
	"github.com/adred-codev/imcore/internal/durablelog"
	"github.com/adred-codev/imcore/internal/registry"
	"github.com/adred-codev/imcore/internal/sequencer"
	"github.com/adred-codev/imcore/internal/types"
)

func newTestService(t *testing.T) (*Service, *registry.Memory, *durablelog.Memory) {
	t.Helper()
	reg := registry.NewMemory(5)
	seq := sequencer.NewMemory()
	dd := dedup.NewMemory()
	log := durablelog.NewMemory()
	svc := New(Config{Registry: reg, Sequencer: seq, Dedup: dd, Log: log, DedupTTL: time.Minute})
	return svc, reg, log
}

func TestRoutePrivateFastPathWhenRecipientOnline(t *testing.T) {
	svc, reg, log := newTestService(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, "bob", "phone", "gw-1", time.Minute)
	require.NoError(t, err)

	result, err := svc.RoutePrivate(ctx, "alice", "bob", "m1", []byte(`"hi"`), 1000)
	require.NoError(t, err)
	assert.Equal(t, types.PathFast, result.Path)
	assert.EqualValues(t, 1, result.Sequence)
	assert.False(t, result.Duplicate)

	records, err := log.PollBatch(ctx, 10, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, TopicPrivateMsgBus, records[0].Topic)
	assert.Equal(t, "bob", records[0].Key)
}

func TestRoutePrivateSlowPathWhenRecipientOffline(t *testing.T) {
	svc, _, log := newTestService(t)
	ctx := context.Background()

	result, err := svc.RoutePrivate(ctx, "alice", "bob", "m1", []byte(`"hi"`), 1000)
	require.NoError(t, err)
	assert.Equal(t, types.PathSlow, result.Path)

	records, err := log.PollBatch(ctx, 10, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, TopicOfflineMsg, records[0].Topic)
}

func TestRoutePrivateDuplicateReturnsCachedResult(t *testing.T) {
	svc, reg, log := newTestService(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, "bob", "phone", "gw-1", time.Minute)
	require.NoError(t, err)

	first, err := svc.RoutePrivate(ctx, "alice", "bob", "m1", []byte(`"hi"`), 1000)
	require.NoError(t, err)

	second, err := svc.RoutePrivate(ctx, "alice", "bob", "m1", []byte(`"hi"`), 1000)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.Sequence, second.Sequence)
	assert.Equal(t, first.Path, second.Path)

	// only the first call should have published.
	records, err := log.PollBatch(ctx, 10, 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestRoutePrivateRejectsEmptyMsgID(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.RoutePrivate(context.Background(), "alice", "bob", "", []byte(`"hi"`), 1000)
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))
}

func TestRouteGroupPublishesSingleFanoutEvent(t *testing.T) {
	svc, _, log := newTestService(t)
	ctx := context.Background()

	result, err := svc.RouteGroup(ctx, "alice", "grp-1", "m1", []byte(`"hi"`), 1000)
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.Sequence)

	records, err := log.PollBatch(ctx, 10, 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, TopicGroupMsgBus, records[0].Topic)

	var msg types.Message
	require.NoError(t, json.Unmarshal(records[0].Value, &msg))
	assert.Equal(t, types.ConversationGroup, msg.ConversationType)
	assert.Equal(t, "grp-1", msg.GroupID)
}

func TestRouteGroupDuplicateDoesNotRepublish(t *testing.T) {
	svc, _, log := newTestService(t)
	ctx := context.Background()

	_, err := svc.RouteGroup(ctx, "alice", "grp-1", "m1", []byte(`"hi"`), 1000)
	require.NoError(t, err)
	result, err := svc.RouteGroup(ctx, "alice", "grp-1", "m1", []byte(`"hi"`), 1000)
	require.NoError(t, err)
	assert.True(t, result.Duplicate)

	records, err := log.PollBatch(ctx, 10, 10)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestGetMessageStatusWithoutStoreReturnsNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	_, err := svc.GetMessageStatus(context.Background(), "m1")
	require.Error(t, err)
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
}

type fakeStatusLookup struct {
	states map[string]types.DeliveryState
}

func (f *fakeStatusLookup) MessageStatus(ctx context.Context, msgID string) (types.DeliveryState, error) {
	state, ok := f.states[msgID]
	if !ok {
		return "", types.NotFound("message %s not found", msgID)
	}
	return state, nil
}

func TestGetMessageStatusDelegatesToStore(t *testing.T) {
	reg := registry.NewMemory(5)
	seq := sequencer.NewMemory()
	dd := dedup.NewMemory()
	log := durablelog.NewMemory()
	status := &fakeStatusLookup{states: map[string]types.DeliveryState{"m1": types.DeliveryDelivered}}
	svc := New(Config{Registry: reg, Sequencer: seq, Dedup: dd, Log: log, Status: status})

	state, err := svc.GetMessageStatus(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, types.DeliveryDelivered, state)
}

// TestRoutePrivateSequenceMonotonicPerConversation exercises P1 through
// the Router's own allocation path.
func TestRoutePrivateSequenceMonotonicPerConversation(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	r1, err := svc.RoutePrivate(ctx, "alice", "bob", "m1", []byte(`"a"`), 1000)
	require.NoError(t, err)
	r2, err := svc.RoutePrivate(ctx, "alice", "bob", "m2", []byte(`"b"`), 1001)
	require.NoError(t, err)
	r3, err := svc.RoutePrivate(ctx, "bob", "alice", "m3", []byte(`"c"`), 1002)
	require.NoError(t, err)

	assert.EqualValues(t, 1, r1.Sequence)
	assert.EqualValues(t, 2, r2.Sequence)
	assert.EqualValues(t, 3, r3.Sequence, "same conversation regardless of sender/recipient order")
}

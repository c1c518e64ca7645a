package gateway

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/imcore/internal/dedup"
	"github.com/adred-codev/imcore/internal/durablelog"
	"github.com/adred-codev/imcore/internal/limits"
	"github.com/adred-codev/imcore/internal/messaging"
	"github.com/adred-codev/imcore/internal/registry"
	"github.com/adred-codev/imcore/internal/router"
	"github.com/adred-codev/imcore/internal/sequencer"
	"github.com/adred-codev/imcore/internal/store"
	"github.com/adred-codev/imcore/internal/types"
)

func newTestGateway(t *testing.T) (*Gateway, *registry.Memory, *store.Memory) {
	t.Helper()
	gw, reg, st, _ := newTestGatewayWithOfflineLog(t)
	return gw, reg, st
}

func newTestGatewayWithOfflineLog(t *testing.T) (*Gateway, *registry.Memory, *store.Memory, *durablelog.Memory) {
	t.Helper()
	reg := registry.NewMemory(2)
	st := store.NewMemory()
	log := durablelog.NewMemory()
	svc := router.New(router.Config{
		Registry: reg,
		Sequencer: sequencer.NewMemory(),
		Dedup:     dedup.NewMemory(),
		Log:       log,
		Status:    st,
		DedupTTL:  time.Minute,
	})
	gw := New(Config{
		Registry:   reg,
		Router:     svc,
		Store:      st,
		OfflineLog: log,
		Logger:     zerolog.Nop(),
		Endpoint:   "gw-test",
		AckTimeout: 50 * time.Millisecond,
		AckRetries: 1,
		HeartbeatInterval: 20 * time.Millisecond,
		MissedHeartbeats:  2,
	})
	return gw, reg, st, log
}

func helloFrame(t *testing.T, userID, deviceID string, resumeFromSeq uint64) []byte {
	t.Helper()
	data, err := messaging.Encode(messaging.NewSequenceGenerator(), messaging.FrameHello, messaging.HelloPayload{
		UserID: userID, DeviceID: deviceID, ResumeFromSeq: resumeFromSeq,
	})
	require.NoError(t, err)
	return data
}

func decodeEnvelope(t *testing.T, raw []byte) messaging.Envelope {
	t.Helper()
	env, err := messaging.Decode(raw)
	require.NoError(t, err)
	return env
}

func TestHandleConnHandshakeRegistersAndActivatesSession(t *testing.T) {
	gw, reg, _ := newTestGateway(t)
	tr := newFakeTransport()

	done := make(chan struct{})
	go func() {
		gw.HandleConn(context.Background(), tr)
		close(done)
	}()

	tr.send(helloFrame(t, "alice", "phone", 0))

	require.Eventually(t, func() bool {
		return gw.findLocalSession("alice", "phone") != nil
	}, time.Second, time.Millisecond)

	sess := gw.findLocalSession("alice", "phone")
	assert.Equal(t, types.SessionActive, sess.State())

	endpoints, err := reg.Lookup(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, endpoints, 1)
	assert.Equal(t, "gw-test", endpoints[0].GatewayEndpoint)

	tr.Close()
	<-done
}

func TestHandleSendForwardsToRouterAndAcks(t *testing.T) {
	gw, _, _ := newTestGateway(t)
	tr := newFakeTransport()

	go gw.HandleConn(context.Background(), tr)
	tr.send(helloFrame(t, "alice", "phone", 0))
	require.Eventually(t, func() bool { return gw.findLocalSession("alice", "phone") != nil }, time.Second, time.Millisecond)

	sendData, err := json.Marshal(messaging.SendPayload{
		MsgID: "m1", ConversationType: string(types.ConversationPrivate),
		ConversationIDOrGroup: "bob", Content: json.RawMessage(`"hi"`), ClientTS: 100,
	})
	require.NoError(t, err)
	frame, err := messaging.Encode(messaging.NewSequenceGenerator(), messaging.FrameSend, json.RawMessage(sendData))
	require.NoError(t, err)
	tr.send(frame)

	raw, ok := tr.recv(time.Second)
	require.True(t, ok)
	env := decodeEnvelope(t, raw)
	assert.Equal(t, messaging.FrameAck, env.Type)

	var ack messaging.AckPayload
	require.NoError(t, json.Unmarshal(env.Data, &ack))
	assert.Equal(t, "m1", ack.MsgID)

	tr.Close()
}

func TestPushDeliverRoundTripsAckAndMarksDelivered(t *testing.T) {
	gw, _, st := newTestGateway(t)
	tr := newFakeTransport()

	go gw.HandleConn(context.Background(), tr)
	tr.send(helloFrame(t, "bob", "phone", 0))
	require.Eventually(t, func() bool { return gw.findLocalSession("bob", "phone") != nil }, time.Second, time.Millisecond)

	_, err := st.InsertBatch(context.Background(), []types.Message{{
		MsgID: "m2", ConversationType: types.ConversationPrivate, ConversationID: "alice:bob",
		SenderID: "alice", RecipientID: "bob", Content: []byte(`"hi"`), Sequence: 1,
	}})
	require.NoError(t, err)

	sess := gw.findLocalSession("bob", "phone")
	msgs, err := st.ScanUndelivered(context.Background(), "bob", "phone", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	gw.pushDeliver(sess, msgs[0])

	raw, ok := tr.recv(time.Second)
	require.True(t, ok)
	env := decodeEnvelope(t, raw)
	require.Equal(t, messaging.FrameDeliver, env.Type)
	var deliver messaging.DeliverPayload
	require.NoError(t, json.Unmarshal(env.Data, &deliver))
	assert.Equal(t, "m2", deliver.MsgID)

	ackData, err := json.Marshal(messaging.AckPayload{MsgID: "m2"})
	require.NoError(t, err)
	ackFrame, err := messaging.Encode(messaging.NewSequenceGenerator(), messaging.FrameAck, json.RawMessage(ackData))
	require.NoError(t, err)
	tr.send(ackFrame)

	require.Eventually(t, func() bool {
		state, err := st.MessageStatus(context.Background(), "m2")
		return err == nil && state == types.DeliveryDelivered
	}, time.Second, time.Millisecond)

	tr.Close()
}

func TestPushDeliverSpoolsOfflineAfterExhaustedRetries(t *testing.T) {
	gw, _, st, log := newTestGatewayWithOfflineLog(t)
	tr := newFakeTransport()

	go gw.HandleConn(context.Background(), tr)
	tr.send(helloFrame(t, "bob", "phone", 0))
	require.Eventually(t, func() bool { return gw.findLocalSession("bob", "phone") != nil }, time.Second, time.Millisecond)

	_, err := st.InsertBatch(context.Background(), []types.Message{{
		MsgID: "m3", ConversationType: types.ConversationPrivate, ConversationID: "alice:bob",
		SenderID: "alice", RecipientID: "bob", Content: []byte(`"hi"`), Sequence: 1,
	}})
	require.NoError(t, err)

	sess := gw.findLocalSession("bob", "phone")
	msgs, err := st.ScanUndelivered(context.Background(), "bob", "phone", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	gw.pushDeliver(sess, msgs[0])

	// Never ack; drain the initial transmit and every retry so the ack
	// timer keeps firing instead of being cancelled by an enqueue block.
	for {
		if _, ok := tr.recv(200 * time.Millisecond); !ok {
			break
		}
	}

	require.Eventually(t, func() bool {
		records, err := log.PollBatch(context.Background(), 10, 100)
		if err != nil || len(records) == 0 {
			return false
		}
		for _, rec := range records {
			if rec.Topic == router.TopicOfflineMsg && rec.Key == "bob" {
				var msg types.Message
				if json.Unmarshal(rec.Value, &msg) == nil && msg.MsgID == "m3" {
					return true
				}
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	tr.Close()
}

func TestHandshakeFlushesOfflineMessages(t *testing.T) {
	gw, _, st := newTestGateway(t)

	_, err := st.InsertBatch(context.Background(), []types.Message{{
		MsgID: "m3", ConversationType: types.ConversationPrivate, ConversationID: "alice:carol",
		SenderID: "alice", RecipientID: "carol", Content: []byte(`"offline"`), Sequence: 1,
	}})
	require.NoError(t, err)

	tr := newFakeTransport()
	go gw.HandleConn(context.Background(), tr)
	tr.send(helloFrame(t, "carol", "phone", 0))

	raw, ok := tr.recv(time.Second)
	require.True(t, ok)
	env := decodeEnvelope(t, raw)
	require.Equal(t, messaging.FrameDeliver, env.Type)
	var deliver messaging.DeliverPayload
	require.NoError(t, json.Unmarshal(env.Data, &deliver))
	assert.Equal(t, "m3", deliver.MsgID)

	tr.Close()
}

func TestHeartbeatTimeoutTearsDownSession(t *testing.T) {
	gw, reg, _ := newTestGateway(t)
	tr := newFakeTransport()

	go gw.HandleConn(context.Background(), tr)
	tr.send(helloFrame(t, "dave", "phone", 0))
	require.Eventually(t, func() bool { return gw.findLocalSession("dave", "phone") != nil }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool {
		return gw.findLocalSession("dave", "phone") == nil
	}, 2*time.Second, 5*time.Millisecond)

	endpoints, err := reg.Lookup(context.Background(), "dave")
	require.NoError(t, err)
	assert.Empty(t, endpoints)
}

func TestRegisterWithEvictionEvictsLocalOldestDevice(t *testing.T) {
	gw, _, _ := newTestGateway(t) // maxDevices=2

	tr1 := newFakeTransport()
	go gw.HandleConn(context.Background(), tr1)
	tr1.send(helloFrame(t, "erin", "phone", 0))
	require.Eventually(t, func() bool { return gw.findLocalSession("erin", "phone") != nil }, time.Second, time.Millisecond)

	tr2 := newFakeTransport()
	go gw.HandleConn(context.Background(), tr2)
	tr2.send(helloFrame(t, "erin", "tablet", 0))
	require.Eventually(t, func() bool { return gw.findLocalSession("erin", "tablet") != nil }, time.Second, time.Millisecond)

	tr3 := newFakeTransport()
	go gw.HandleConn(context.Background(), tr3)
	tr3.send(helloFrame(t, "erin", "laptop", 0))
	require.Eventually(t, func() bool { return gw.findLocalSession("erin", "laptop") != nil }, time.Second, time.Millisecond)

	require.Eventually(t, func() bool { return gw.findLocalSession("erin", "phone") == nil }, time.Second, time.Millisecond)
	assert.NotNil(t, gw.findLocalSession("erin", "tablet"))

	tr1.Close()
	tr2.Close()
	tr3.Close()
}

func TestHandleConnRejectsOverMaxConnections(t *testing.T) {
	reg := registry.NewMemory(2)
	st := store.NewMemory()
	log := durablelog.NewMemory()
	svc := router.New(router.Config{
		Registry:  reg,
		Sequencer: sequencer.NewMemory(),
		Dedup:     dedup.NewMemory(),
		Log:       log,
		Status:    st,
		DedupTTL:  time.Minute,
	})
	gw := New(Config{
		Registry: reg,
		Router:   svc,
		Store:    st,
		Logger:   zerolog.Nop(),
		Endpoint: "gw-test",
		Limits:   limits.Config{MaxConnections: 1},
	})

	tr1 := newFakeTransport()
	go gw.HandleConn(context.Background(), tr1)
	tr1.send(helloFrame(t, "frank", "phone", 0))
	require.Eventually(t, func() bool { return gw.findLocalSession("frank", "phone") != nil }, time.Second, time.Millisecond)

	tr2 := newFakeTransport()
	gw.HandleConn(context.Background(), tr2)
	assert.True(t, tr2.closed)
	assert.Nil(t, gw.findLocalSession("frank", "tablet"))

	tr1.Close()
}

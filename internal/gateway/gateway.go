// Package gateway implements C6: the stateful client side of the message
// plane (§4.6). It hosts WebSocket sessions, forwards SEND frames to the
// Router, pushes DELIVER frames with ack-timeout retry, flushes offline
// messages on reconnect, and renews the Registry lease on heartbeat.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adred-codev/imcore/internal/durablelog"
	"github.com/adred-codev/imcore/internal/limits"
	"github.com/adred-codev/imcore/internal/messaging"
	"github.com/adred-codev/imcore/internal/monitoring"
	"github.com/adred-codev/imcore/internal/registry"
	"github.com/adred-codev/imcore/internal/router"
	"github.com/adred-codev/imcore/internal/store"
	"github.com/adred-codev/imcore/internal/types"
)

// RouterClient is the seam between Gateway and the Router RPC surface,
// satisfied both by *rpc.Client (production, over the network) and
// *router.Service (in-process, for tests) without either package
// importing gateway.
type RouterClient interface {
	RoutePrivate(ctx context.Context, sender, recipient, msgID string, content []byte, clientTS int64) (router.PrivateResult, error)
	RouteGroup(ctx context.Context, sender, group, msgID string, content []byte, clientTS int64) (router.GroupResult, error)
}

type Config struct {
	Registry registry.Backend
	Router   RouterClient
	Store    store.Store
	// OfflineLog is the producer side of offline_msg, used to spool a
	// DELIVER that exhausted its ack retries (§4.6 step 4) and to push
	// overflowed outbound frames on a slow consumer (§5's backpressure
	// policy). A second publish of an already-stored msg_id collapses at
	// C3/C8's dedup and unique index, it does not duplicate.
	OfflineLog durablelog.Producer
	Logger     zerolog.Logger

	Endpoint          string // this gateway's own address, stored in the Registry
	LeaseTTL          time.Duration // default 90s
	AckTimeout        time.Duration // default 3s, §6's ack_timeout_ms
	AckRetries        int           // default 2
	HeartbeatInterval time.Duration // default 30s
	MissedHeartbeats  int           // default 2
	SendQueueSize     int           // default 256, §5's bounded outbound queue
	DrainGrace        time.Duration // default 2s

	// Limits is the admission-control policy for new connections (§5's
	// "reject before accept" guidance). A zero Config disables admission
	// checks entirely (MaxConnections 0 is treated as "unlimited").
	Limits limits.Config
}

func (c *Config) applyDefaults() {
	if c.LeaseTTL == 0 {
		c.LeaseTTL = 90 * time.Second
	}
	if c.AckTimeout == 0 {
		c.AckTimeout = 3 * time.Second
	}
	if c.AckRetries == 0 {
		c.AckRetries = 2
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.MissedHeartbeats == 0 {
		c.MissedHeartbeats = 2
	}
	if c.SendQueueSize == 0 {
		c.SendQueueSize = 256
	}
	if c.DrainGrace == 0 {
		c.DrainGrace = 2 * time.Second
	}
}

// Gateway owns every session on this process and the handshake/delivery
// protocol driving them. Session tables are one map pair guarded by a
// single mutex here (not sharded by session_id as §5 recommends) because the
// reference implementation targets clarity over the teacher's
// many-thousand-connections scale; a production deployment would shard
// this map the way the teacher shards internal/multi's per-core state.
type Gateway struct {
	cfg Config

	sessionSeq  int64
	activeConns int64

	guard *limits.Guard

	mu       sync.Mutex
	sessions map[string]*Session
	byUser   map[string][]*Session
}

func New(cfg Config) *Gateway {
	cfg.applyDefaults()
	g := &Gateway{
		cfg:      cfg,
		sessions: make(map[string]*Session),
		byUser:   make(map[string][]*Session),
	}
	g.guard = limits.NewGuard(cfg.Limits, cfg.Logger, &g.activeConns)
	return g
}

// Guard exposes the admission-control policy so cmd/gateway can run its
// periodic UpdateResources tick without this package importing a timer
// framework of its own.
func (g *Gateway) Guard() *limits.Guard { return g.guard }

func (g *Gateway) nextSessionID() string {
	n := atomic.AddInt64(&g.sessionSeq, 1)
	return fmt.Sprintf("sess-%d", n)
}

// HandleConn is the production entrypoint: one goroutine per accepted
// WebSocket connection, adapted from the teacher's handleWebSocket +
// readPump/writePump split (internal/shared/handlers_ws.go, pump_read.go,
// pump_write.go), generalized to the HELLO/.../BYE protocol.
func (g *Gateway) HandleConn(ctx context.Context, transport Transport) {
	if accept, reason := g.guard.ShouldAcceptConnection(); !accept {
		g.cfg.Logger.Warn().Str("reason", reason).Msg("gateway rejected connection")
		transport.Close()
		return
	}

	sess, err := g.handshake(ctx, transport)
	if err != nil {
		g.cfg.Logger.Warn().Err(err).Msg("gateway handshake failed")
		transport.Close()
		return
	}

	done := make(chan struct{})
	go func() {
		g.writeLoop(sess)
		close(done)
	}()
	go g.heartbeatSupervisor(ctx, sess)

	g.readLoop(ctx, sess)
	<-done
}

// handshake reads the mandatory first HELLO frame, registers the session
// in the Registry (evicting the locally-owned oldest device once on a
// device-cap conflict per §4.1's failure semantics), transitions to
// Authenticated then Active, and triggers the offline flush.
func (g *Gateway) handshake(ctx context.Context, transport Transport) (*Session, error) {
	transport.SetReadDeadline(time.Now().Add(g.cfg.AckTimeout + 7*time.Second))
	raw, err := transport.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read hello: %w", err)
	}
	env, err := messaging.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode hello envelope: %w", err)
	}
	if env.Type != messaging.FrameHello {
		return nil, fmt.Errorf("first frame must be HELLO, got %s", env.Type)
	}
	var hello messaging.HelloPayload
	if err := json.Unmarshal(env.Data, &hello); err != nil {
		return nil, fmt.Errorf("decode hello payload: %w", err)
	}
	if hello.UserID == "" || hello.DeviceID == "" {
		return nil, errors.New("hello missing user or device")
	}

	sess := newSession(g.nextSessionID(), transport, g.cfg.SendQueueSize)
	sess.UserID = hello.UserID
	sess.DeviceID = hello.DeviceID

	handle, err := g.registerWithEviction(ctx, hello.UserID, hello.DeviceID)
	if err != nil {
		return nil, fmt.Errorf("registry register: %w", err)
	}
	sess.leaseHandle = handle
	sess.setState(types.SessionAuthenticated)

	g.addSession(sess)
	sess.setState(types.SessionActive)

	if err := g.flushOffline(ctx, sess, hello.ResumeFromSeq); err != nil {
		g.cfg.Logger.Warn().Err(err).Str("user", sess.UserID).Msg("offline flush failed")
	}

	return sess, nil
}

// registerWithEviction implements §4.1's "caller MUST evict the oldest
// device and retry once" on a device-cap Conflict. When the oldest device
// belongs to a session this process owns, it is torn down first; a
// conflict against a device owned by another gateway process cannot be
// resolved locally and is retried once anyway (that gateway's own
// heartbeat-driven renew is the path by which stale entries eventually
// lapse within lease_ttl).
func (g *Gateway) registerWithEviction(ctx context.Context, userID, deviceID string) (*registry.Handle, error) {
	handle, err := g.cfg.Registry.Register(ctx, userID, deviceID, g.cfg.Endpoint, g.cfg.LeaseTTL)
	if err == nil {
		return handle, nil
	}

	var maxDev *registry.MaxDevicesError
	if !errors.As(err, &maxDev) {
		return nil, err
	}

	if victim := g.findLocalSession(userID, maxDev.OldestDevice); victim != nil {
		g.teardown(ctx, victim, "evicted: device cap exceeded")
	}
	return g.cfg.Registry.Register(ctx, userID, deviceID, g.cfg.Endpoint, g.cfg.LeaseTTL)
}

func (g *Gateway) flushOffline(ctx context.Context, sess *Session, resumeFromSeq uint64) error {
	if g.cfg.Store == nil {
		return nil
	}
	msgs, err := g.cfg.Store.ScanUndelivered(ctx, sess.UserID, sess.DeviceID, 0)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if msg.Sequence <= resumeFromSeq {
			continue
		}
		g.pushDeliver(sess, msg)
	}
	return nil
}

func (g *Gateway) addSession(sess *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sessions[sess.ID] = sess
	g.byUser[sess.UserID] = append(g.byUser[sess.UserID], sess)

	atomic.AddInt64(&g.activeConns, 1)
	monitoring.GatewayConnectionsActive.Inc()
	monitoring.GatewayConnectionsTotal.Inc()
}

func (g *Gateway) removeSession(sess *Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.sessions[sess.ID]; !ok {
		return
	}
	delete(g.sessions, sess.ID)
	peers := g.byUser[sess.UserID]
	for i, s := range peers {
		if s == sess {
			peers = append(peers[:i], peers[i+1:]...)
			break
		}
	}
	if len(peers) == 0 {
		delete(g.byUser, sess.UserID)
	} else {
		g.byUser[sess.UserID] = peers
	}

	atomic.AddInt64(&g.activeConns, -1)
	monitoring.GatewayConnectionsActive.Dec()
}

func (g *Gateway) findLocalSession(userID, deviceID string) *Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, s := range g.byUser[userID] {
		if s.DeviceID == deviceID {
			return s
		}
	}
	return nil
}

func (g *Gateway) localSessionsFor(userID string) []*Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Session, len(g.byUser[userID]))
	copy(out, g.byUser[userID])
	return out
}

// teardown implements §4.6's state machine: Active -> Draining -> Closed,
// releasing the Registry lease last so a renew racing with teardown can
// never observe a released-then-reacquired lease as "still mine".
func (g *Gateway) teardown(ctx context.Context, sess *Session, reason string) {
	sess.setState(types.SessionDraining)
	g.removeSession(sess)

	drainCtx, cancel := context.WithTimeout(ctx, g.cfg.DrainGrace)
	g.waitInflightDrain(drainCtx, sess)
	cancel()

	sess.setState(types.SessionClosed)
	sess.close()

	if sess.leaseHandle != nil {
		releaseCtx, releaseCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := g.cfg.Registry.Release(releaseCtx, sess.leaseHandle); err != nil {
			g.cfg.Logger.Warn().Err(err).Str("session", sess.ID).Msg("registry release failed")
		}
		releaseCancel()
	}

	g.cfg.Logger.Debug().Str("session", sess.ID).Str("reason", reason).Msg("session closed")
}

func (g *Gateway) waitInflightDrain(ctx context.Context, sess *Session) {
	for {
		sess.inflightMu.Lock()
		n := len(sess.inflight)
		sess.inflightMu.Unlock()
		if n == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// readLoop decodes inbound frames and dispatches them by type, adapted
// from the teacher's readPump (pump_read.go): panic recovery first,
// disconnect reason tracked for the final teardown call.
func (g *Gateway) readLoop(ctx context.Context, sess *Session) {
	defer func() {
		if r := recover(); r != nil {
			g.cfg.Logger.Error().Interface("panic_value", r).Str("session", sess.ID).Msg("gateway read loop panic recovered")
		}
		g.teardown(ctx, sess, "read loop exited")
	}()

	for {
		raw, err := sess.transport.ReadMessage()
		if err != nil {
			return
		}
		if len(raw) == 0 {
			continue // a control frame (e.g. ping) with nothing to dispatch
		}
		env, err := messaging.Decode(raw)
		if err != nil {
			g.cfg.Logger.Debug().Err(err).Str("session", sess.ID).Msg("malformed frame dropped")
			continue
		}
		sess.transport.SetReadDeadline(time.Now().Add(time.Duration(g.cfg.MissedHeartbeats+1) * g.cfg.HeartbeatInterval))

		switch env.Type {
		case messaging.FrameHeartbeat:
			g.handleHeartbeat(ctx, sess)
		case messaging.FrameSend:
			g.handleSend(ctx, sess, env.Data)
		case messaging.FrameAck:
			g.handleAck(sess, env.Data)
		case messaging.FrameBye:
			return
		default:
			g.cfg.Logger.Debug().Str("session", sess.ID).Str("type", string(env.Type)).Msg("unexpected frame type")
		}
	}
}

// writeLoop drains the session's outbound queue to the transport,
// adapted from the teacher's writePump (pump_write.go) minus the
// bufio-batching optimization, which assumed a raw net.Conn the Transport
// seam here intentionally hides from this package.
func (g *Gateway) writeLoop(sess *Session) {
	for data := range sess.send {
		if err := sess.transport.WriteMessage(data); err != nil {
			g.cfg.Logger.Debug().Err(err).Str("session", sess.ID).Msg("write failed")
			return
		}
	}
}

func (g *Gateway) handleHeartbeat(ctx context.Context, sess *Session) {
	sess.touchHeartbeat()
	if sess.leaseHandle == nil {
		return
	}
	if err := g.cfg.Registry.Renew(ctx, sess.leaseHandle); err != nil {
		// Registry-renew failure risks split-brain with a re-registered
		// session on another gateway; §4.6 requires immediate teardown.
		g.cfg.Logger.Warn().Err(err).Str("session", sess.ID).Msg("registry renew failed, tearing down session")
		go g.teardown(ctx, sess, "registry renew failed")
	}
}

// heartbeatSupervisor tears the session down after MissedHeartbeats
// consecutive intervals pass without a client heartbeat.
func (g *Gateway) heartbeatSupervisor(ctx context.Context, sess *Session) {
	ticker := time.NewTicker(g.cfg.HeartbeatInterval)
	defer ticker.Stop()

	deadline := time.Duration(g.cfg.MissedHeartbeats) * g.cfg.HeartbeatInterval
	for {
		select {
		case <-sess.closed:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if sess.heartbeatAge() > deadline {
				g.teardown(ctx, sess, "heartbeat timeout")
				return
			}
		}
	}
}

func (g *Gateway) handleSend(ctx context.Context, sess *Session, data []byte) {
	var payload messaging.SendPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		g.cfg.Logger.Debug().Err(err).Str("session", sess.ID).Msg("malformed SEND payload")
		return
	}

	var routeErr error
	if payload.ConversationType == string(types.ConversationGroup) {
		_, routeErr = g.cfg.Router.RouteGroup(ctx, sess.UserID, payload.ConversationIDOrGroup, payload.MsgID, payload.Content, payload.ClientTS)
	} else {
		recipient := payload.Recipient
		if recipient == "" {
			recipient = payload.ConversationIDOrGroup
		}
		_, routeErr = g.cfg.Router.RoutePrivate(ctx, sess.UserID, recipient, payload.MsgID, payload.Content, payload.ClientTS)
	}

	if routeErr != nil {
		g.cfg.Logger.Warn().Err(routeErr).Str("session", sess.ID).Str("msg_id", payload.MsgID).Msg("route failed")
		return
	}

	ack, err := messaging.Encode(sess.seqGen, messaging.FrameAck, messaging.AckPayload{MsgID: payload.MsgID})
	if err != nil {
		return
	}
	sess.enqueue(ack)
}

// handleAck resolves a client ACK referencing a DELIVER this session sent.
// A second ack for the same msg_id, or an ack for a msg_id this session
// never sent, is silently ignored per §4.6 step 5.
func (g *Gateway) handleAck(sess *Session, data []byte) {
	var payload messaging.AckPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}
	if d, ok := sess.resolveInflight(payload.MsgID); ok {
		d.timer.Stop()
		if g.cfg.Store != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := g.cfg.Store.MarkDelivered(ctx, payload.MsgID, sess.DeviceID); err != nil {
				g.cfg.Logger.Warn().Err(err).Str("msg_id", payload.MsgID).Msg("mark_delivered failed")
			}
			cancel()
		}
	}
}

// pushDeliver encodes and enqueues a DELIVER frame, arming the ack-timeout
// retry supervisor per §4.6's delivery protocol. A full send queue is
// treated as a slow consumer: the frame's message is spooled to
// offline_msg via spoolOffline and the session is torn down.
func (g *Gateway) pushDeliver(sess *Session, msg types.Message) {
	payload := messaging.DeliverPayload{
		MsgID:          msg.MsgID,
		Sequence:       msg.Sequence,
		Sender:         msg.SenderID,
		ConversationID: msg.ConversationID,
		Content:        msg.Content,
		ContentType:    msg.ContentType,
		ServerTS:       msg.ServerTS,
	}
	envelope, err := messaging.Encode(sess.seqGen, messaging.FrameDeliver, payload)
	if err != nil {
		g.cfg.Logger.Error().Err(err).Str("msg_id", msg.MsgID).Msg("encode deliver failed")
		return
	}

	if !sess.enqueue(envelope) {
		g.cfg.Logger.Warn().Str("session", sess.ID).Msg("slow consumer, tearing down session")
		g.spoolOffline(context.Background(), msg)
		go g.teardown(context.Background(), sess, "slow consumer")
		return
	}

	d := &inflightDeliver{envelope: envelope, msg: msg}
	d.timer = time.AfterFunc(g.cfg.AckTimeout, func() { g.onAckTimeout(sess, msg.MsgID) })
	sess.markInflight(msg.MsgID, d)
}

func (g *Gateway) onAckTimeout(sess *Session, msgID string) {
	d, ok := sess.resolveInflight(msgID)
	if !ok {
		return // already acked between the timer firing and this goroutine running
	}

	if d.attempts < g.cfg.AckRetries {
		d.attempts++
		monitoring.GatewayDeliverRetries.Inc()
		if !sess.enqueue(d.envelope) {
			g.spoolOffline(context.Background(), d.msg)
			go g.teardown(context.Background(), sess, "slow consumer")
			return
		}
		d.timer = time.AfterFunc(g.cfg.AckTimeout, func() { g.onAckTimeout(sess, msgID) })
		sess.markInflight(msgID, d)
		return
	}

	monitoring.GatewayDeliverUndelivered.Inc()
	g.cfg.Logger.Debug().Str("msg_id", msgID).Str("session", sess.ID).Msg("deliver unacked after retries, spooling offline")
	g.spoolOffline(context.Background(), d.msg)
}

// spoolOffline re-publishes msg to offline_msg so the next reconnect (to
// this gateway or another one) flushes it via the Message Store, per
// spec.md §4.5 step 7 / §4.6 step 4. A second publish of a msg_id that
// already reached the store is not a second delivery: C3's dedup and
// C8's unique index on msg_id both collapse it on the Offline Worker
// side, so re-publishing here is always safe.
func (g *Gateway) spoolOffline(ctx context.Context, msg types.Message) {
	if g.cfg.OfflineLog == nil {
		g.cfg.Logger.Warn().Str("msg_id", msg.MsgID).Msg("message undelivered after retries, no offline log configured")
		return
	}
	encoded, err := json.Marshal(msg)
	if err != nil {
		g.cfg.Logger.Error().Err(err).Str("msg_id", msg.MsgID).Msg("encode message for offline spool failed")
		return
	}
	if err := g.cfg.OfflineLog.Publish(ctx, router.TopicOfflineMsg, msg.RecipientID, encoded); err != nil {
		g.cfg.Logger.Error().Err(err).Str("msg_id", msg.MsgID).Msg("spool to offline_msg after exhausted retries failed")
		return
	}
	g.cfg.Logger.Info().Str("msg_id", msg.MsgID).Msg("spooled undelivered message to offline_msg")
}

// Run consumes private_msg_bus, delivering each record to every session on
// this process whose user is the record's RecipientID (multi-device
// fan-out within this gateway); records with no local session are skipped.
// RecipientID is not compared with SenderID here.
func (g *Gateway) Run(ctx context.Context, log durablelog.Consumer, batchSize int, maxWaitMS int64) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		records, err := log.PollBatch(ctx, batchSize, maxWaitMS)
		if err != nil {
			g.cfg.Logger.Error().Err(err).Msg("gateway consumer poll failed")
			continue
		}
		if len(records) == 0 {
			continue
		}
		for _, rec := range records {
			var msg types.Message
			if err := json.Unmarshal(rec.Value, &msg); err != nil {
				g.cfg.Logger.Warn().Err(err).Msg("malformed private_msg_bus record")
				continue
			}
			for _, sess := range g.localSessionsFor(msg.RecipientID) {
				g.pushDeliver(sess, msg)
			}
		}
		if err := log.CommitRecords(ctx, records); err != nil {
			g.cfg.Logger.Error().Err(err).Msg("gateway consumer commit failed")
		}
	}
}

// Close tears down every session owned by this process, releasing their
// Registry leases so other gateways don't wait out a full lease_ttl to
// notice they're gone.
func (g *Gateway) Close() error {
	g.mu.Lock()
	sessions := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		g.teardown(context.Background(), s, "gateway shutdown")
	}
	return nil
}

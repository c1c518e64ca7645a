package gateway

import (
	"sync"
	"time"

	"github.com/adred-codev/imcore/internal/messaging"
	"github.com/adred-codev/imcore/internal/registry"
	"github.com/adred-codev/imcore/internal/types"
)

// inflightDeliver tracks one outstanding DELIVER frame awaiting a client
// ACK, per §4.6's delivery protocol: enqueue, start an ack timer, retry up
// to AckRetries on expiry, then give up and spool to offline_msg.
type inflightDeliver struct {
	envelope []byte
	msg      types.Message
	attempts int
	timer    *time.Timer
}

// Session is one connected (user, device) pair. It owns no business logic
// of its own; Gateway drives handshake, SEND/ACK handling, and delivery
// against it. Adapted from the teacher's Client (internal/shared/connection.go),
// narrowed to the six-frame protocol and indexed by (user_id, device_id)
// instead of token-channel subscriptions.
type Session struct {
	ID       string
	UserID   string
	DeviceID string

	transport Transport
	send      chan []byte
	seqGen    *messaging.SequenceGenerator

	mu            sync.Mutex
	state         types.SessionState
	leaseHandle   *registry.Handle
	connectedAt   time.Time
	lastHeartbeat time.Time

	inflightMu sync.Mutex
	inflight   map[string]*inflightDeliver

	closeOnce sync.Once
	closed    chan struct{}
}

func newSession(id string, transport Transport, sendQueueSize int) *Session {
	now := time.Now()
	return &Session{
		ID:            id,
		transport:     transport,
		send:          make(chan []byte, sendQueueSize),
		seqGen:        messaging.NewSequenceGenerator(),
		state:         types.SessionConnecting,
		connectedAt:   now,
		lastHeartbeat: now,
		inflight:      make(map[string]*inflightDeliver),
		closed:        make(chan struct{}),
	}
}

func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(state types.SessionState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Session) touchHeartbeat() {
	s.mu.Lock()
	s.lastHeartbeat = time.Now()
	s.mu.Unlock()
}

func (s *Session) heartbeatAge() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastHeartbeat)
}

// enqueue does a non-blocking send per §5's bounded-outbound-queue policy:
// a full queue signals a slow consumer to the caller instead of blocking
// the whole delivery path on one session.
func (s *Session) enqueue(data []byte) bool {
	select {
	case s.send <- data:
		return true
	default:
		return false
	}
}

// markInflight records a DELIVER awaiting ack, replacing any existing
// registration by the same msg_id caused by a retry.
func (s *Session) markInflight(msgID string, d *inflightDeliver) {
	s.inflightMu.Lock()
	s.inflight[msgID] = d
	s.inflightMu.Unlock()
}

// resolveInflight removes and returns the in-flight entry for msgID, used
// both by ack handling (success) and by the retry-exhausted path (give up).
// A second ack for the same msg_id is idempotent: ok is false and the ack
// is silently ignored, per §4.6 step 5.
func (s *Session) resolveInflight(msgID string) (*inflightDeliver, bool) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	d, ok := s.inflight[msgID]
	if ok {
		delete(s.inflight, msgID)
	}
	return d, ok
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		close(s.send)
		s.transport.Close()

		s.inflightMu.Lock()
		for _, d := range s.inflight {
			d.timer.Stop()
		}
		s.inflight = nil
		s.inflightMu.Unlock()
	})
}

// Package messaging defines the client<->gateway wire protocol of §6: a
// framed JSON envelope carrying one of the six frame types, plus the
// per-connection sequence generator used for client-side gap detection
// (distinct from the per-conversation sequence of §3 — this is purely a
// transport aid), adapted from the teacher's
// internal/single/messaging.MessageEnvelope / SequenceGenerator.
package messaging

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// FrameType enumerates the six wire frame types of §6.
type FrameType string

const (
	FrameHello     FrameType = "HELLO"
	FrameHeartbeat FrameType = "HEARTBEAT"
	FrameSend      FrameType = "SEND"
	FrameDeliver   FrameType = "DELIVER"
	FrameAck       FrameType = "ACK"
	FrameBye       FrameType = "BYE"
)

// Envelope is the outer frame every client<->gateway message is wrapped
// in. Seq is a per-connection monotonic counter (gap-detection aid only);
// Data carries the frame-type-specific payload below.
type Envelope struct {
	Seq  int64           `json:"seq"`
	TS   int64           `json:"ts"`
	Type FrameType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// HelloPayload — the required first frame on every connection.
type HelloPayload struct {
	UserID        string `json:"user"`
	DeviceID      string `json:"device"`
	AuthToken     string `json:"auth_token"`
	ResumeFromSeq uint64 `json:"resume_from_seq,omitempty"`
}

// HeartbeatPayload carries no fields; its presence is the signal.
type HeartbeatPayload struct{}

// SendPayload is a client-authored outbound message.
type SendPayload struct {
	MsgID            string `json:"msg_id"`
	ConversationType string `json:"conversation_type"`
	// ConversationIDOrGroup is the recipient's user id for private
	// messages or the group id for group messages, per §6.
	ConversationIDOrGroup string          `json:"conversation_id_or_group"`
	Recipient              string          `json:"recipient,omitempty"`
	Content                json.RawMessage `json:"content"`
	ContentType            string          `json:"content_type,omitempty"`
	ClientTS               int64           `json:"client_ts"`
}

// DeliverPayload is a server-authored inbound-to-client frame.
type DeliverPayload struct {
	MsgID          string          `json:"msg_id"`
	Sequence       uint64          `json:"sequence"`
	Sender         string          `json:"sender"`
	ConversationID string          `json:"conversation_id"`
	Content        json.RawMessage `json:"content"`
	ContentType    string          `json:"content_type,omitempty"`
	ServerTS       int64           `json:"server_ts"`
}

// AckPayload acknowledges a SEND (client->server) or a DELIVER (server->client).
type AckPayload struct {
	MsgID string `json:"msg_id"`
}

// ByePayload closes the connection with a reason.
type ByePayload struct {
	Reason string `json:"reason"`
}

// SequenceGenerator hands out a monotonically increasing per-connection
// sequence, lock-free via atomic.AddInt64, matching the teacher's
// SequenceGenerator exactly.
type SequenceGenerator struct {
	counter int64
}

func NewSequenceGenerator() *SequenceGenerator { return &SequenceGenerator{} }

func (s *SequenceGenerator) Next() int64    { return atomic.AddInt64(&s.counter, 1) }
func (s *SequenceGenerator) Current() int64 { return atomic.LoadInt64(&s.counter) }
func (s *SequenceGenerator) Reset()         { atomic.StoreInt64(&s.counter, 0) }

// Encode wraps data as the Data field of an Envelope of the given type and
// serializes it, stamping Seq from gen and TS from the current time.
func Encode(gen *SequenceGenerator, typ FrameType, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	env := Envelope{
		Seq:  gen.Next(),
		TS:   time.Now().UnixMilli(),
		Type: typ,
		Data: raw,
	}
	return json.Marshal(env)
}

// Decode parses the outer Envelope; callers then unmarshal env.Data into
// the frame-specific payload indicated by env.Type.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(raw, &env)
	return env, err
}

// Package router implements C5: stateless request routing that decides
// fast-path vs slow-path delivery for private messages and publishes a
// single fan-out event for group messages (§4.5). It owns no storage of
// its own beyond a small duplicate-result cache; all durable state lives
// in its collaborators (C1–C4).
package router

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/adred-codev/imcore/internal/dedup"
	"github.com/adred-codev/imcore/internal/durablelog"
	"github.com/adred-codev/imcore/internal/monitoring"
	"github.com/adred-codev/imcore/internal/registry"
	"github.com/adred-codev/imcore/internal/sequencer"
	"github.com/adred-codev/imcore/internal/types"
)

func encodeMessage(msg types.Message) ([]byte, error) {
	return json.Marshal(msg)
}

const (
	TopicPrivateMsgBus = "private_msg_bus"
	TopicGroupMsgBus   = "group_msg_bus"
	TopicOfflineMsg    = "offline_msg"
)

// PrivateResult is the result of route_private.
type PrivateResult struct {
	Sequence uint64
	Path     types.Path
	// Duplicate is true when this msg_id was already processed; Sequence
	// and Path are then the original result (or zero values if the
	// original result wasn't cached, per §4.5 step 2's synthesized
	// duplicate_ack).
	Duplicate bool
}

// GroupResult is the result of route_group.
type GroupResult struct {
	Sequence  uint64
	Duplicate bool
}

// StatusLookup is the seam GetMessageStatus queries — satisfied
// structurally by internal/store.Store without a direct import, to keep
// the Router decoupled from the Message Store's concrete type.
type StatusLookup interface {
	MessageStatus(ctx context.Context, msgID string) (types.DeliveryState, error)
}

// Service implements route_private / route_group / get_message_status by
// wiring the Registry, Sequencer, Dedup Set, and Durable Log together
// exactly as described in §4.5 — no component here reaches into another's
// storage directly.
type Service struct {
	registry   registry.Backend
	sequencer  sequencer.Sequencer
	dedup      dedup.Set
	log        durablelog.Producer
	status     StatusLookup
	dedupTTL   time.Duration

	cache *dupCache
}

type Config struct {
	Registry  registry.Backend
	Sequencer sequencer.Sequencer
	Dedup     dedup.Set
	Log       durablelog.Producer
	Status    StatusLookup // optional; GetMessageStatus errors NOT_FOUND without one
	DedupTTL  time.Duration // defaults to 7 days
	CacheSize int           // defaults to 4096
}

func New(cfg Config) *Service {
	ttl := cfg.DedupTTL
	if ttl == 0 {
		ttl = 7 * 24 * time.Hour
	}
	size := cfg.CacheSize
	if size == 0 {
		size = 4096
	}
	return &Service{
		registry:  cfg.Registry,
		sequencer: cfg.Sequencer,
		dedup:     cfg.Dedup,
		log:       cfg.Log,
		status:    cfg.Status,
		dedupTTL:  ttl,
		cache:     newDupCache(size),
	}
}

// RoutePrivate implements §4.5's route_private algorithm.
func (s *Service) RoutePrivate(ctx context.Context, sender, recipient, msgID string, content []byte, clientTS int64) (PrivateResult, error) {
	if msgID == "" {
		return PrivateResult{}, types.InvalidArgument("msg_id is required")
	}

	dup, err := s.dedup.CheckAndMark(ctx, msgID, s.dedupTTL)
	if err != nil {
		// §4.3/§4.5 fail-closed-on-unknown policy for dedup: proceed
		// without dedup rather than block sends on a C3 outage.
		dup = false
	}
	if dup {
		monitoring.RouterDuplicatesDropped.Inc()
		if cached, ok := s.cache.get(msgID); ok {
			return PrivateResult{Sequence: cached.sequence, Path: cached.path, Duplicate: true}, nil
		}
		return PrivateResult{Duplicate: true}, nil
	}

	conversationID := types.PrivateConversationID(sender, recipient)
	seq, err := s.sequencer.Next(ctx, conversationID)
	if err != nil {
		return PrivateResult{}, types.Unavailable(err, "allocate sequence")
	}

	endpoints, err := s.registry.Lookup(ctx, recipient)
	if err != nil {
		// Registry unavailable: fall back to slow path rather than fail
		// the send outright — offline persistence still succeeds.
		endpoints = nil
	}

	msg := types.Message{
		MsgID:            msgID,
		ConversationType: types.ConversationPrivate,
		ConversationID:   conversationID,
		SenderID:         sender,
		RecipientID:      recipient,
		Content:          content,
		ClientTS:         clientTS,
		ServerTS:         time.Now().UnixMilli(),
		Sequence:         seq,
	}

	path := types.PathSlow
	if len(endpoints) > 0 {
		if pubErr := s.publishWithFallback(ctx, TopicPrivateMsgBus, recipient, msg); pubErr == nil {
			path = types.PathFast
		} else {
			if fbErr := s.publish(ctx, TopicOfflineMsg, recipient, msg); fbErr != nil {
				return PrivateResult{}, types.Unavailable(fbErr, "publish to offline_msg after fast-path failure")
			}
			path = types.PathSlow
		}
	} else {
		if err := s.publish(ctx, TopicOfflineMsg, recipient, msg); err != nil {
			return PrivateResult{}, types.Unavailable(err, "publish to offline_msg")
		}
	}

	s.cache.put(msgID, dupEntry{sequence: seq, path: path})
	return PrivateResult{Sequence: seq, Path: path}, nil
}

// publishWithFallback retries the fast-path publish with bounded backoff
// per §4.5's failure semantics before the caller falls back to slow path.
func (s *Service) publishWithFallback(ctx context.Context, topic, key string, msg types.Message) error {
	backoffs := []time.Duration{0, 50 * time.Millisecond, 150 * time.Millisecond}
	var lastErr error
	for _, d := range backoffs {
		if d > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
			}
		}
		if err := s.publish(ctx, topic, key, msg); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	return lastErr
}

func (s *Service) publish(ctx context.Context, topic, key string, msg types.Message) error {
	value, err := encodeMessage(msg)
	if err != nil {
		return types.Internal(err, "encode message")
	}
	return s.log.Publish(ctx, topic, key, value)
}

// RouteGroup implements §4.5's route_group algorithm: a single logical
// event to group_msg_bus, never a synchronous member enumeration here.
func (s *Service) RouteGroup(ctx context.Context, sender, group, msgID string, content []byte, clientTS int64) (GroupResult, error) {
	if msgID == "" {
		return GroupResult{}, types.InvalidArgument("msg_id is required")
	}

	dup, err := s.dedup.CheckAndMark(ctx, msgID, s.dedupTTL)
	if err != nil {
		dup = false
	}
	if dup {
		monitoring.RouterDuplicatesDropped.Inc()
		if cached, ok := s.cache.get(msgID); ok {
			return GroupResult{Sequence: cached.sequence, Duplicate: true}, nil
		}
		return GroupResult{Duplicate: true}, nil
	}

	conversationID := types.GroupConversationID(group)
	seq, err := s.sequencer.Next(ctx, conversationID)
	if err != nil {
		return GroupResult{}, types.Unavailable(err, "allocate sequence")
	}

	msg := types.Message{
		MsgID:            msgID,
		ConversationType: types.ConversationGroup,
		ConversationID:   conversationID,
		SenderID:         sender,
		GroupID:          group,
		Content:          content,
		ClientTS:         clientTS,
		ServerTS:         time.Now().UnixMilli(),
		Sequence:         seq,
	}
	if err := s.publish(ctx, TopicGroupMsgBus, group, msg); err != nil {
		return GroupResult{}, types.Unavailable(err, "publish to group_msg_bus")
	}

	s.cache.put(msgID, dupEntry{sequence: seq})
	return GroupResult{Sequence: seq}, nil
}

// GetMessageStatus implements IMService.GetMessageStatus (§6): it answers
// "what happened to msg_id" by delegating to the Message Store's status
// lookup. Returns NOT_FOUND if no store is wired or the message is unknown.
func (s *Service) GetMessageStatus(ctx context.Context, msgID string) (types.DeliveryState, error) {
	if msgID == "" {
		return "", types.InvalidArgument("msg_id is required")
	}
	if s.status == nil {
		return "", types.NotFound("message status lookup not configured")
	}
	state, err := s.status.MessageStatus(ctx, msgID)
	if err != nil {
		return "", err
	}
	return state, nil
}

// dupEntry is the cached result for a previously routed msg_id.
type dupEntry struct {
	sequence uint64
	path     types.Path
}

// dupCache is a small bounded LRU keyed by msg_id, grounded on the
// teacher's copy-on-write SubscriptionIndex philosophy of keeping
// hot-path lookups lock-cheap; here a plain mutex suffices since lookups
// are already going through a network round trip to C2/C3/C1.
type dupCache struct {
	mu       sync.Mutex
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type cacheItem struct {
	key   string
	value dupEntry
}

func newDupCache(capacity int) *dupCache {
	return &dupCache{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *dupCache) get(key string) (dupEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return dupEntry{}, false
	}
	c.ll.MoveToFront(el)
	return el.Value.(*cacheItem).value, true
}

func (c *dupCache) put(key string, value dupEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*cacheItem).value = value
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&cacheItem{key: key, value: value})
	c.items[key] = el
	if c.ll.Len() > c.capacity {
		oldest := c.ll.Back()
		if oldest != nil {
			c.ll.Remove(oldest)
			delete(c.items, oldest.Value.(*cacheItem).key)
		}
	}
}

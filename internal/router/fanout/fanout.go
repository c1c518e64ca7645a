// Package fanout implements the dedicated group-fan-out consumer named in
// §9's design notes: the Router itself never enumerates group members
// synchronously, so a separate consumer drains group_msg_bus, resolves
// membership, and re-publishes one row per member into private_msg_bus or
// offline_msg — reusing the group's sequence for every member row instead
// of allocating a fresh one (§4.5's "sequence assigned once").
package fanout

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/adred-codev/imcore/internal/durablelog"
	"github.com/adred-codev/imcore/internal/registry"
	"github.com/adred-codev/imcore/internal/router"
	"github.com/adred-codev/imcore/internal/types"
)

// GroupMembership is the external collaborator that resolves a group id
// to its member user ids. Group CRUD is out of scope for this module
// (spec.md §9) — this interface is the seam an external system plugs
// into.
type GroupMembership interface {
	Members(ctx context.Context, groupID string) ([]string, error)
}

// Consumer drains group_msg_bus and re-injects per-member rows.
type Consumer struct {
	log        durablelog.Consumer
	producer   durablelog.Producer
	registry   registry.Backend
	membership GroupMembership
	logger     zerolog.Logger
	batchSize  int
	maxWaitMS  int64
}

type Config struct {
	Log        durablelog.Consumer
	Producer   durablelog.Producer
	Registry   registry.Backend
	Membership GroupMembership
	Logger     zerolog.Logger
	BatchSize  int   // defaults to 100
	MaxWaitMS  int64 // defaults to 5000
}

func New(cfg Config) *Consumer {
	batch := cfg.BatchSize
	if batch == 0 {
		batch = 100
	}
	wait := cfg.MaxWaitMS
	if wait == 0 {
		wait = 5000
	}
	return &Consumer{
		log:        cfg.Log,
		producer:   cfg.Producer,
		registry:   cfg.Registry,
		membership: cfg.Membership,
		logger:     cfg.Logger,
		batchSize:  batch,
		maxWaitMS:  wait,
	}
}

// Run drains group_msg_bus until ctx is cancelled, fanning out each event
// to its resolved membership.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		records, err := c.log.PollBatch(ctx, c.batchSize, c.maxWaitMS)
		if err != nil {
			c.logger.Error().Err(err).Msg("group fan-out poll failed")
			continue
		}
		for _, rec := range records {
			if err := c.processRecord(ctx, rec); err != nil {
				c.logger.Error().Err(err).Str("key", rec.Key).Msg("group fan-out processing failed")
			}
		}
		if len(records) > 0 {
			if err := c.log.CommitRecords(ctx, records); err != nil {
				c.logger.Error().Err(err).Msg("group fan-out commit failed")
			}
		}
	}
}

func (c *Consumer) processRecord(ctx context.Context, rec durablelog.Record) error {
	var msg types.Message
	if err := json.Unmarshal(rec.Value, &msg); err != nil {
		return types.Internal(err, "decode group_msg_bus record")
	}

	members, err := c.membership.Members(ctx, msg.GroupID)
	if err != nil {
		return types.Unavailable(err, "resolve members for group %s", msg.GroupID)
	}

	for _, member := range members {
		if member == msg.SenderID {
			continue // senders do not receive their own echoes, per §4.6.
		}
		if err := c.fanOutToMember(ctx, msg, member); err != nil {
			c.logger.Error().Err(err).Str("member", member).Str("group", msg.GroupID).Msg("fan-out to member failed")
		}
	}
	return nil
}

// fanOutToMember re-publishes msg to one member, preserving the group's
// sequence rather than allocating a new one.
func (c *Consumer) fanOutToMember(ctx context.Context, msg types.Message, member string) error {
	row := msg
	row.RecipientID = member

	value, err := json.Marshal(row)
	if err != nil {
		return types.Internal(err, "encode fan-out row")
	}

	endpoints, err := c.registry.Lookup(ctx, member)
	if err != nil {
		endpoints = nil
	}

	topic := router.TopicOfflineMsg
	if len(endpoints) > 0 {
		topic = router.TopicPrivateMsgBus
	}
	return c.producer.Publish(ctx, topic, member, value)
}

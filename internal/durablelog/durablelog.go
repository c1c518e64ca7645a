// Package durablelog implements C4: the append-only, replayable backbone
// carrying `private_msg_bus`, `group_msg_bus`, and `offline_msg` (§4.4).
// Producer and Consumer are topic-parameterized so one implementation
// backs every topic the module needs.
package durablelog

import "context"

// Record is one durable-log entry: Key determines partition assignment
// (conversation id or recipient id, per §4.4's ordering requirements),
// Value is the serialized payload.
type Record struct {
	Topic     string
	Key       string
	Value     []byte
	Partition int32
	Offset    int64
}

// Producer publishes records durably. Publish must not return until the
// broker has acknowledged the write per the topic's durability
// requirement (acks=all for every topic in this module, per §4.4).
type Producer interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

// Consumer is a consumer-group member over one or more topics, used by
// the Offline Worker's and the group fan-out's batching loops.
type Consumer interface {
	// PollBatch blocks until at least one record is available, maxN
	// records have accumulated, or maxWait elapses, whichever comes
	// first.
	PollBatch(ctx context.Context, maxN int, maxWait int64) ([]Record, error)

	// CommitRecords commits offsets for the given records. Callers must
	// only commit after the corresponding side effect (DB insert,
	// re-publish) has durably succeeded, per §4.7's commit-after-commit
	// rule.
	CommitRecords(ctx context.Context, records []Record) error

	Close() error
}

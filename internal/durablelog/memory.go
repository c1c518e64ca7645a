package durablelog

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Producer+Consumer fake used by router, fan-out,
// and offline-worker unit tests: each topic is a single ordered log with a
// read cursor, which is enough to exercise per-key ordering invariants
// without any real partitioning or consumer-group rebalancing.
type Memory struct {
	mu      sync.Mutex
	log     map[string][]Record
	cursors map[string]int
	closed  bool
}

func NewMemory() *Memory {
	return &Memory{
		log:     make(map[string][]Record),
		cursors: make(map[string]int),
	}
}

func (m *Memory) Publish(ctx context.Context, topic, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	offset := int64(len(m.log[topic]))
	m.log[topic] = append(m.log[topic], Record{
		Topic:  topic,
		Key:    key,
		Value:  value,
		Offset: offset,
	})
	return nil
}

// PollBatch drains up to maxN records past each topic's read cursor,
// blocking until at least one is available or maxWaitMillis elapses. The
// cursor advances immediately (this fake has no consumer-group rebalance
// to worry about); CommitRecords is a no-op.
func (m *Memory) PollBatch(ctx context.Context, maxN int, maxWaitMillis int64) ([]Record, error) {
	deadline := time.Now().Add(time.Duration(maxWaitMillis) * time.Millisecond)

	for {
		m.mu.Lock()
		var out []Record
		for topic, records := range m.log {
			cursor := m.cursors[topic]
			for cursor < len(records) && len(out) < maxN {
				out = append(out, records[cursor])
				cursor++
			}
			m.cursors[topic] = cursor
			if len(out) >= maxN {
				break
			}
		}
		closed := m.closed
		m.mu.Unlock()

		if len(out) > 0 || closed {
			return out, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

func (m *Memory) CommitRecords(ctx context.Context, records []Record) error {
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

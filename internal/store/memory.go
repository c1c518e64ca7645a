package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adred-codev/imcore/internal/types"
)

type memoryRow struct {
	message  types.Message
	devices  map[string]bool
	storedAt time.Time
}

// Memory is an in-process Store used by offline-worker and gateway unit
// tests: a map keyed by msg_id, with (recipient_id, sequence) ordering
// computed on read instead of maintained as a separate index.
type Memory struct {
	mu   sync.Mutex
	rows map[string]*memoryRow
}

func NewMemory() *Memory {
	return &Memory{rows: make(map[string]*memoryRow)}
}

func (m *Memory) InsertBatch(ctx context.Context, messages []types.Message) (InsertResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var result InsertResult
	now := time.Now()
	for _, msg := range messages {
		if _, exists := m.rows[msg.MsgID]; exists {
			result.Skipped++
			continue
		}
		m.rows[msg.MsgID] = &memoryRow{message: msg, devices: make(map[string]bool), storedAt: now}
		result.Inserted++
	}
	return result, nil
}

func (m *Memory) ScanUndelivered(ctx context.Context, recipient, device string, limit int) ([]types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []*memoryRow
	for _, row := range m.rows {
		if row.message.RecipientID != recipient {
			continue
		}
		if row.devices[device] {
			continue
		}
		matches = append(matches, row)
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].message.Sequence < matches[j].message.Sequence })

	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]types.Message, 0, len(matches))
	for _, row := range matches {
		out = append(out, row.message)
	}
	return out, nil
}

func (m *Memory) MarkDelivered(ctx context.Context, msgID, device string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[msgID]
	if !ok {
		return types.NotFound("message %s not found", msgID)
	}
	row.devices[device] = true
	return nil
}

func (m *Memory) PurgeExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var purged int64
	for id, row := range m.rows {
		if row.storedAt.Before(olderThan) {
			delete(m.rows, id)
			purged++
		}
	}
	return purged, nil
}

func (m *Memory) MessageStatus(ctx context.Context, msgID string) (types.DeliveryState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, ok := m.rows[msgID]
	if !ok {
		return "", types.NotFound("message %s not found", msgID)
	}
	if len(row.devices) > 0 {
		return types.DeliveryDelivered, nil
	}
	return types.DeliveryPending, nil
}

func (m *Memory) ScanByRecipient(ctx context.Context, recipient string, since time.Time, limit int) ([]types.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matches []*memoryRow
	for _, row := range m.rows {
		if row.message.RecipientID == recipient && !row.storedAt.Before(since) {
			matches = append(matches, row)
		}
	}
	sort.Slice(matches, func(i, j int) bool { return matches[i].message.Sequence < matches[j].message.Sequence })
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]types.Message, 0, len(matches))
	for _, row := range matches {
		out = append(out, row.message)
	}
	return out, nil
}

func (m *Memory) DeleteMessage(ctx context.Context, msgID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, msgID)
	return nil
}

func (m *Memory) Close() error { return nil }

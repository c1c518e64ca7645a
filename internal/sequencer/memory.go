package sequencer

import (
	"context"
	"sync"
)

// Memory is an in-process Sequencer used by unit tests and single-process
// demos: each conversation gets a plain counter behind a mutex, no block
// reservation needed since there is no durable round trip to amortize.
type Memory struct {
	mu       sync.Mutex
	counters map[string]uint64
}

func NewMemory() *Memory {
	return &Memory{counters: make(map[string]uint64)}
}

func (m *Memory) Next(ctx context.Context, conversationID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[conversationID]++
	return m.counters[conversationID], nil
}

func (m *Memory) Close() error { return nil }

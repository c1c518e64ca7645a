// Package sequencer implements C2: per-conversation monotonic sequence
// allocation via block reservation (§4.2). A durable backend holds the
// block high-water mark; each process allocates sequence numbers within
// its currently held block without round-tripping to the backend, and
// only crosses back to the backend when the block is exhausted.
package sequencer

import "context"

// Sequencer hands out a strictly increasing sequence number per
// conversation id. There is no global ordering guarantee across
// conversations, only within one conversation id (§3 Ownership rules).
type Sequencer interface {
	// Next allocates the next sequence number for conversationID. It MUST
	// fail loudly (return a non-nil error) if the durable backing store is
	// unavailable — callers must not silently skip sequencing.
	Next(ctx context.Context, conversationID string) (uint64, error)

	Close() error
}

// Package dedup implements C3: a bounded-TTL set used for end-to-end
// msg_id deduplication (§4.3). The contract fails closed — a backend
// error from CheckAndMark must never be interpreted as "not a
// duplicate".
package dedup

import (
	"context"
	"time"
)

// Set is the Dedup Set contract of §4.3.
type Set interface {
	// CheckAndMark atomically checks whether key is already present and,
	// if not, marks it present with the given TTL. It returns true if key
	// was ALREADY present (i.e. this call is a duplicate). On a non-nil
	// error the boolean result is meaningless; callers must treat the
	// error as "unknown, proceed, log warning" per §4.3's fail-closed
	// policy, never as "definitely not a duplicate".
	CheckAndMark(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// IsDuplicate reports whether key is present without marking it.
	IsDuplicate(ctx context.Context, key string) (bool, error)

	Close() error
}

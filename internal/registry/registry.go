// Package registry implements C1: an ephemeral, lease-based mapping from
// (user, device) to gateway endpoint (§4.1). Backend is the seam between
// the contract and the storage technology, so the etcd-backed production
// implementation and the in-memory test double satisfy the identical
// interface — no component reaches into etcd's wire format directly.
package registry

import (
	"context"
	"time"

	"github.com/adred-codev/imcore/internal/types"
)

// Event is emitted by Watch when a device's endpoint is added or removed.
type Event struct {
	Added   bool
	Device  string
	Entry   types.RegistryEntry
}

// Handle is the opaque lease handle register() returns; callers must
// periodically Renew it and Release it on session teardown.
type Handle struct {
	UserID   string
	DeviceID string
	leaseID  int64 // backend-specific: the etcd lease id, or a per-registration counter in the in-memory backend
}

// Backend is the Registry contract of §4.1.
type Backend interface {
	// Register is idempotent: it creates or refreshes the entry and
	// returns an opaque handle the caller must renew periodically.
	// Returns a *types.Error with CodeResourceExhausted (Conflict) when
	// the per-user device cap is exceeded; callers must evict the oldest
	// device and retry once.
	Register(ctx context.Context, userID, deviceID, endpoint string, leaseTTL time.Duration) (*Handle, error)

	// Renew resets the TTL; fails if the lease already expired (caller
	// must Register again).
	Renew(ctx context.Context, h *Handle) error

	// Release deletes the entry immediately.
	Release(ctx context.Context, h *Handle) error

	// Lookup returns 0..N live entries for a user; never returns entries
	// past their lease TTL.
	Lookup(ctx context.Context, userID string) ([]types.Endpoint, error)

	// Watch streams added/removed events for a user's devices until ctx
	// is cancelled.
	Watch(ctx context.Context, userID string) (<-chan Event, error)

	Close() error
}

// MaxDevicesError is returned (wrapped in a *types.Error with
// CodeResourceExhausted) when registering a device would exceed the
// per-user device cap; OldestDevice is the device id the caller should
// evict before retrying, per §4.1's failure semantics.
type MaxDevicesError struct {
	OldestDevice string
}

func (e *MaxDevicesError) Error() string { return "device cap exceeded" }

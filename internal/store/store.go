// Package store implements C8: the durable record of every message,
// keyed by msg_id with a secondary ordering by (recipient_id, sequence)
// for offline scans (§4.8).
package store

import (
	"context"
	"time"

	"github.com/adred-codev/imcore/internal/types"
)

// InsertResult reports, per batch, which rows were newly inserted versus
// skipped because msg_id already existed (§4.8's "violates-unique ->
// row-level skip, not batch failure").
type InsertResult struct {
	Inserted int
	Skipped  int
}

// Store is the Message Store contract of §4.8.
type Store interface {
	InsertBatch(ctx context.Context, messages []types.Message) (InsertResult, error)

	// ScanUndelivered returns up to limit messages addressed to recipient
	// that device has not yet acked, ordered by sequence. limit <= 0 means
	// unlimited.
	ScanUndelivered(ctx context.Context, recipient, device string, limit int) ([]types.Message, error)

	// MarkDelivered is idempotent: adding device to delivered_devices more
	// than once has no additional effect.
	MarkDelivered(ctx context.Context, msgID, device string) error

	// PurgeExpired deletes rows older than olderThan; a background sweep.
	PurgeExpired(ctx context.Context, olderThan time.Time) (int64, error)

	// MessageStatus satisfies router.StatusLookup for GetMessageStatus.
	MessageStatus(ctx context.Context, msgID string) (types.DeliveryState, error)

	// ScanByRecipient and DeleteMessage are the read-only-scan /
	// per-row-delete seams spec §9 reserves for out-of-core-scope external
	// systems (audit export, GDPR deletion) — never called by this
	// module's own components.
	ScanByRecipient(ctx context.Context, recipient string, since time.Time, limit int) ([]types.Message, error)
	DeleteMessage(ctx context.Context, msgID string) error

	Close() error
}

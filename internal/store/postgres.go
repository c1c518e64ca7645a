package store

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/adred-codev/imcore/internal/types"
)

//go:embed schema.sql
var schemaSQL string

// Postgres is the production Store, grounded on
// kedacore-keda/pkg/scalers/connectionpool/postgresql_pool.go's
// pgxpool.ParseConfig/NewWithConfig construction.
type Postgres struct {
	pool *pgxpool.Pool
}

type PostgresConfig struct {
	DSN      string
	MaxConns int32 // defaults to pgxpool's own default when 0
}

func NewPostgres(ctx context.Context, cfg PostgresConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Migrate applies schema.sql. Not a migration framework, matching the
// teacher's "no framework-driven" design note — just idempotent DDL.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	if err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (p *Postgres) InsertBatch(ctx context.Context, messages []types.Message) (InsertResult, error) {
	if len(messages) == 0 {
		return InsertResult{}, nil
	}

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return InsertResult{}, types.Unavailable(err, "begin insert_batch transaction")
	}
	defer tx.Rollback(ctx)

	var result InsertResult
	for _, m := range messages {
		tag, err := tx.Exec(ctx, `
			INSERT INTO messages (msg_id, conversation_type, conversation_id, sender_id,
				recipient_id, group_id, content, content_type, client_ts, server_ts, sequence)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			ON CONFLICT (recipient_id, msg_id) DO NOTHING`,
			m.MsgID, m.ConversationType, m.ConversationID, m.SenderID,
			m.RecipientID, nullableString(m.GroupID), m.Content, m.ContentType,
			m.ClientTS, m.ServerTS, m.Sequence,
		)
		if err != nil {
			return InsertResult{}, types.Unavailable(err, "insert message %s", m.MsgID)
		}
		if tag.RowsAffected() > 0 {
			result.Inserted++
		} else {
			result.Skipped++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return InsertResult{}, types.Unavailable(err, "commit insert_batch transaction")
	}
	return result, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// sqlLimit maps the Store contract's "0 means unlimited" convention onto
// Postgres's LIMIT, where 0 means zero rows rather than no limit.
func sqlLimit(limit int) int {
	if limit <= 0 {
		return 1 << 31
	}
	return limit
}

func (p *Postgres) ScanUndelivered(ctx context.Context, recipient, device string, limit int) ([]types.Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT msg_id, conversation_type, conversation_id, sender_id, recipient_id,
			COALESCE(group_id, ''), content, content_type, client_ts, server_ts, sequence
		FROM messages
		WHERE recipient_id = $1 AND NOT ($2 = ANY(delivered_devices))
		ORDER BY sequence
		LIMIT $3`,
		recipient, device, sqlLimit(limit),
	)
	if err != nil {
		return nil, types.Unavailable(err, "scan_undelivered for %s/%s", recipient, device)
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		var m types.Message
		if err := rows.Scan(&m.MsgID, &m.ConversationType, &m.ConversationID, &m.SenderID,
			&m.RecipientID, &m.GroupID, &m.Content, &m.ContentType, &m.ClientTS, &m.ServerTS, &m.Sequence); err != nil {
			return nil, types.Internal(err, "scan row")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) MarkDelivered(ctx context.Context, msgID, device string) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE messages
		SET delivered_devices = array_append(delivered_devices, $2)
		WHERE msg_id = $1 AND NOT ($2 = ANY(delivered_devices))`,
		msgID, device,
	)
	if err != nil {
		return types.Unavailable(err, "mark_delivered %s/%s", msgID, device)
	}
	return nil
}

func (p *Postgres) PurgeExpired(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM messages WHERE created_at < $1`, olderThan)
	if err != nil {
		return 0, types.Unavailable(err, "purge_expired")
	}
	return tag.RowsAffected(), nil
}

func (p *Postgres) MessageStatus(ctx context.Context, msgID string) (types.DeliveryState, error) {
	var deliveredDevices []string
	err := p.pool.QueryRow(ctx, `SELECT delivered_devices FROM messages WHERE msg_id = $1`, msgID).Scan(&deliveredDevices)
	if err != nil {
		if err == pgx.ErrNoRows {
			return "", types.NotFound("message %s not found", msgID)
		}
		return "", types.Unavailable(err, "message_status %s", msgID)
	}
	if len(deliveredDevices) > 0 {
		return types.DeliveryDelivered, nil
	}
	return types.DeliveryPending, nil
}

func (p *Postgres) ScanByRecipient(ctx context.Context, recipient string, since time.Time, limit int) ([]types.Message, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT msg_id, conversation_type, conversation_id, sender_id, recipient_id,
			COALESCE(group_id, ''), content, content_type, client_ts, server_ts, sequence
		FROM messages
		WHERE recipient_id = $1 AND created_at >= $2
		ORDER BY sequence
		LIMIT $3`,
		recipient, since, sqlLimit(limit),
	)
	if err != nil {
		return nil, types.Unavailable(err, "scan_by_recipient for %s", recipient)
	}
	defer rows.Close()

	var out []types.Message
	for rows.Next() {
		var m types.Message
		if err := rows.Scan(&m.MsgID, &m.ConversationType, &m.ConversationID, &m.SenderID,
			&m.RecipientID, &m.GroupID, &m.Content, &m.ContentType, &m.ClientTS, &m.ServerTS, &m.Sequence); err != nil {
			return nil, types.Internal(err, "scan row")
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (p *Postgres) DeleteMessage(ctx context.Context, msgID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM messages WHERE msg_id = $1`, msgID)
	if err != nil {
		return types.Unavailable(err, "delete_message %s", msgID)
	}
	return nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

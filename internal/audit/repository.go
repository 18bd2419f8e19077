package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"call-scheduler/pkg/utils"
)

// SQLRepo stores events in the INSERT-only call_events table.
type SQLRepo struct {
	db      *sql.DB
	dialect utils.Dialect
}

func NewSQLRepo(db *sql.DB, dialect utils.Dialect) *SQLRepo {
	return &SQLRepo{db: db, dialect: dialect}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS call_events (
  id            TEXT PRIMARY KEY,
  record_id     TEXT NOT NULL,
  type          TEXT NOT NULL,
  status        TEXT NOT NULL DEFAULT '',
  actor_user_id TEXT NOT NULL DEFAULT '',
  actor_role    TEXT NOT NULL DEFAULT '',
  ip_address    TEXT NOT NULL DEFAULT '',
  message       TEXT NOT NULL DEFAULT '',
  created_at    BIGINT NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_call_events_record ON call_events (record_id, created_at)`,
}

func (r *SQLRepo) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("audit: migrate: %w", err)
		}
	}
	return nil
}

func (r *SQLRepo) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx, utils.Rebind(r.dialect, `
INSERT INTO call_events (id, record_id, type, status, actor_user_id, actor_role, ip_address, message, created_at)
VALUES (?,?,?,?,?,?,?,?,?)`),
		e.ID, e.RecordID, string(e.Type), e.Status, e.ActorUserID, e.ActorRole, e.IPAddress, e.Message, e.CreatedAt.UnixMilli())
	return err
}

func (r *SQLRepo) ListByRecord(ctx context.Context, recordID string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, utils.Rebind(r.dialect, `
SELECT id, record_id, type, status, actor_user_id, actor_role, ip_address, message, created_at
FROM call_events WHERE record_id = ? ORDER BY created_at ASC, id ASC`), recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Event, 0)
	for rows.Next() {
		var (
			e         Event
			typ       string
			createdAt int64
		)
		if err := rows.Scan(&e.ID, &e.RecordID, &typ, &e.Status, &e.ActorUserID, &e.ActorRole, &e.IPAddress, &e.Message, &createdAt); err != nil {
			return nil, err
		}
		e.Type = EventType(typ)
		e.CreatedAt = time.UnixMilli(createdAt).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

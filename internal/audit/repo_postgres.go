package audit

import (
	"context"
	"database/sql"
)

// PostgresRepo appends events to the audit_events table (INSERT-only).
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) Append(ctx context.Context, e Event) error {
	const q = `
INSERT INTO audit_events (
  id, session_id, type, actor_user_id, actor_role, ip_address, message, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,NULLIF($8,'')::jsonb,$9
)
`
	_, err := r.db.ExecContext(ctx, q,
		e.ID,
		e.SessionID,
		string(e.Type),
		e.ActorUserID,
		e.ActorRole,
		e.IPAddress,
		e.Message,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}

package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"teleconsult/pkg/utils"
)

// ChangeChannel is the LISTEN/NOTIFY channel the sessions trigger publishes row ids on.
const ChangeChannel = "session_changes"

// NOTE: assumes migrations/001_sessions.sql has been applied:
// - sessions
// - session_status_history (append-only)
// - the notify_session_change trigger on sessions

// PostgresStore keeps sessions in Postgres through database/sql and follows the
// change feed on a dedicated native pgx connection per subscription.
type PostgresStore struct {
	db  *sql.DB
	dsn string
	log *slog.Logger
}

func NewPostgresStore(db *sql.DB, dsn string, log *slog.Logger) *PostgresStore {
	if log == nil {
		log = slog.Default()
	}
	return &PostgresStore{db: db, dsn: dsn, log: log}
}

const sessionColumns = `
id, doctor_id, patient_id, created_by, kind, channel_name, access_code, status,
amount_minor, currency, duration_minutes, payment_id, created_at, started_at, ended_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var (
		s         Session
		kind      string
		status    string
		currency  sql.NullString
		paymentID sql.NullString
		startedAt sql.NullTime
		endedAt   sql.NullTime
	)
	if err := row.Scan(
		&s.ID,
		&s.DoctorID,
		&s.PatientID,
		&s.CreatedBy,
		&kind,
		&s.ChannelName,
		&s.AccessCode,
		&status,
		&s.Amount,
		&currency,
		&s.DurationMinutes,
		&paymentID,
		&s.CreatedAt,
		&startedAt,
		&endedAt,
		&s.UpdatedAt,
	); err != nil {
		return Session{}, err
	}

	var err error
	if s.Kind, err = ParseKind(kind); err != nil {
		return Session{}, fmt.Errorf("session %s: %w", s.ID, err)
	}
	if s.Status, err = ParseStatus(status); err != nil {
		return Session{}, fmt.Errorf("session %s: %w", s.ID, err)
	}
	s.Currency = currency.String
	s.PaymentID = paymentID.String
	if startedAt.Valid {
		t := startedAt.Time.UTC()
		s.StartedAt = &t
	}
	if endedAt.Valid {
		t := endedAt.Time.UTC()
		s.EndedAt = &t
	}
	return s, nil
}

func persistErr(err error) error {
	if err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrStaleStatus) || errors.Is(err, ErrCorruptRow) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}

func (p *PostgresStore) Create(ctx context.Context, s Session) error {
	const q = `
INSERT INTO sessions (
  id, doctor_id, patient_id, created_by, kind, channel_name, access_code, status,
  amount_minor, currency, duration_minutes, payment_id, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9,NULLIF($10,''),$11,NULLIF($12,''),$13,$14
)
`
	_, err := p.db.ExecContext(ctx, q,
		s.ID,
		s.DoctorID,
		s.PatientID,
		s.CreatedBy,
		string(s.Kind),
		s.ChannelName,
		s.AccessCode,
		string(s.Status),
		s.Amount,
		s.Currency,
		s.DurationMinutes,
		s.PaymentID,
		s.CreatedAt,
		s.UpdatedAt,
	)
	return persistErr(err)
}

// validID reports whether id can name a row; the id column is a UUID and
// anything else would fail in the driver instead of matching nothing.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (Session, error) {
	if !validID(id) {
		return Session{}, ErrNotFound
	}
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	s, err := scanSession(p.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, ErrNotFound
	}
	return s, persistErr(err)
}

func (p *PostgresStore) FindByCode(ctx context.Context, code, doctorID string, since time.Time) ([]Session, error) {
	q := `SELECT ` + sessionColumns + `
FROM sessions
WHERE access_code = $1 AND doctor_id = $2 AND created_at >= $3
ORDER BY created_at DESC, id DESC
`
	return p.query(ctx, q, code, doctorID, since)
}

func (p *PostgresStore) ListOpenByDoctor(ctx context.Context, doctorID string) ([]Session, error) {
	q := `SELECT ` + sessionColumns + `
FROM sessions
WHERE doctor_id = $1 AND status IN ('pending', 'paid', 'active')
ORDER BY created_at DESC, id DESC
`
	return p.query(ctx, q, doctorID)
}

func (p *PostgresStore) query(ctx context.Context, q string, args ...any) ([]Session, error) {
	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, persistErr(err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, persistErr(err)
		}
		out = append(out, s)
	}
	return out, persistErr(rows.Err())
}

func (p *PostgresStore) UpdateStatus(ctx context.Context, id string, u StatusUpdate) (Session, error) {
	if !validID(id) {
		return Session{}, ErrNotFound
	}
	var out Session
	err := utils.WithTx(ctx, p.db, nil, func(ctx context.Context, tx *sql.Tx) error {
		// Lock the row so concurrent transitions on one session serialize.
		q := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1 FOR UPDATE`
		cur, err := scanSession(tx.QueryRowContext(ctx, q, id))
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return err
		}
		if cur.Status != u.From {
			out = cur
			return ErrStaleStatus
		}

		next := applyStatusUpdate(cur, u)
		const upd = `
UPDATE sessions
SET status = $2, started_at = $3, ended_at = $4, payment_id = NULLIF($5,''), updated_at = $6
WHERE id = $1
`
		if _, err := tx.ExecContext(ctx, upd,
			id,
			string(next.Status),
			next.StartedAt,
			next.EndedAt,
			next.PaymentID,
			next.UpdatedAt,
		); err != nil {
			return err
		}

		const hist = `
INSERT INTO session_status_history (id, session_id, from_status, to_status, created_at)
VALUES ($1,$2,$3,$4,$5)
`
		if _, err := tx.ExecContext(ctx, hist, uuid.NewString(), id, string(u.From), string(u.To), next.UpdatedAt); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, persistErr(err)
}

// Subscribe follows the change feed for one session. The trigger sends only the
// row id, so each matching notification is resolved with a fresh Get. After a
// dropped listen connection it reconnects and re-reads the row, since changes
// may have been missed in between.
func (p *PostgresStore) Subscribe(ctx context.Context, id string) (<-chan Session, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	conn, err := utils.ListenConn(ctx, p.dsn, ChangeChannel)
	if err != nil {
		return nil, persistErr(err)
	}

	out := make(chan Session, 1)
	go func() {
		defer close(out)
		defer func() { _ = conn.Close(context.Background()) }()

		for {
			n, err := conn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				p.log.Warn("session change feed dropped", slog.String("session_id", id), slog.Any("err", err))
				_ = conn.Close(context.Background())
				conn, err = p.reconnect(ctx)
				if err != nil {
					if ctx.Err() == nil {
						p.log.Error("session change feed lost", slog.String("session_id", id), slog.Any("err", err))
					}
					return
				}
				p.push(ctx, id, out)
				continue
			}
			if n.Payload != id {
				continue
			}
			p.push(ctx, id, out)
		}
	}()
	return out, nil
}

func (p *PostgresStore) reconnect(ctx context.Context) (*pgx.Conn, error) {
	var conn *pgx.Conn
	err := retry.Do(
		func() error {
			c, err := utils.ListenConn(ctx, p.dsn, ChangeChannel)
			if err != nil {
				return err
			}
			conn = c
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(5),
		retry.Delay(200*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	return conn, err
}

func (p *PostgresStore) push(ctx context.Context, id string, out chan Session) {
	s, err := p.Get(ctx, id)
	if err != nil {
		if ctx.Err() == nil {
			p.log.Warn("session change feed read failed", slog.String("session_id", id), slog.Any("err", err))
		}
		return
	}
	select {
	case <-out:
	default:
	}
	select {
	case out <- s:
	default:
	}
}

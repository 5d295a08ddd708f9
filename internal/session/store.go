package session

import (
	"context"
	"errors"
	"time"
)

// Store is the adapter over the external relational store and its row-level
// change feed. Implementations must validate rows into Session (closed Status/Kind)
// before returning them.
type Store interface {
	Create(ctx context.Context, s Session) error
	Get(ctx context.Context, id string) (Session, error)

	// FindByCode returns sessions with this code for doctorID created at or after
	// since, newest first. More than one result is a data-quality condition.
	FindByCode(ctx context.Context, code, doctorID string, since time.Time) ([]Session, error)

	// ListOpenByDoctor returns doctorID's pending, paid and active sessions,
	// newest first. It backs the doctor's waiting list.
	ListOpenByDoctor(ctx context.Context, doctorID string) ([]Session, error)

	// UpdateStatus moves a row from u.From to u.To atomically. It returns
	// ErrStaleStatus when the row is no longer in u.From.
	UpdateStatus(ctx context.Context, id string, u StatusUpdate) (Session, error)

	// Subscribe streams the latest row for id each time it changes, until ctx ends.
	// Intermediate states may be skipped when updates land close together; consumers
	// must treat every value as the current authoritative row.
	Subscribe(ctx context.Context, id string) (<-chan Session, error)
}

// StatusUpdate is a compare-and-set status write.
// At stamps started_at when entering active and ended_at when entering a terminal
// state; both are only written if still unset.
type StatusUpdate struct {
	From      Status
	To        Status
	At        time.Time
	PaymentID string
}

var (
	ErrNotFound          = errors.New("session: not found")
	ErrStaleStatus       = errors.New("session: status changed concurrently")
	ErrInvalidTransition = errors.New("session: invalid status transition")
	ErrCodeInvalid       = errors.New("session: access code invalid")
	ErrInvalidArgument   = errors.New("session: invalid argument")
	ErrPersistence       = errors.New("session: persistence failure")
	ErrCorruptRow        = errors.New("session: corrupt row")
	ErrPaymentTimeout    = errors.New("session: payment confirmation timed out")
	ErrNotPaid           = errors.New("session: payment not confirmed")
)

// PaymentInitError reports that the session row was written but the external
// checkout could not be opened. The session has been moved to failed.
type PaymentInitError struct {
	SessionID string
	Err       error
}

func (e *PaymentInitError) Error() string {
	return "session " + e.SessionID + ": payment initiation failed: " + e.Err.Error()
}

func (e *PaymentInitError) Unwrap() error { return e.Err }

// applyStatusUpdate returns s with u applied. Shared by the store implementations.
func applyStatusUpdate(s Session, u StatusUpdate) Session {
	s.Status = u.To
	at := u.At.UTC()
	if u.To == StatusActive && s.StartedAt == nil {
		s.StartedAt = &at
	}
	if u.To.Terminal() && s.EndedAt == nil {
		s.EndedAt = &at
	}
	if u.PaymentID != "" {
		s.PaymentID = u.PaymentID
	}
	s.UpdatedAt = at
	return s
}

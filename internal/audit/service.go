package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
// It is append-only: no Update/Delete methods exist.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
// Audit is internal-only and callers treat it as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.SessionID == "" || e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogStatusChange records one session status transition.
func (s *Service) LogStatusChange(ctx context.Context, sessionID, from, to, actorUserID string) error {
	meta, _ := json.Marshal(map[string]string{"from": from, "to": to})
	return s.Append(ctx, Event{
		SessionID:   sessionID,
		Type:        EventTypeStatusChanged,
		ActorUserID: actorUserID,
		Message:     from + " -> " + to,
		Metadata:    string(meta),
	})
}

// LogCodeCollision records that an access code matched more than one live session.
// chosenID is the session the lookup resolved to; others are the ones passed over.
func (s *Service) LogCodeCollision(ctx context.Context, chosenID, doctorID string, others []string) error {
	meta, _ := json.Marshal(map[string]any{"doctor_id": doctorID, "other_session_ids": others})
	return s.Append(ctx, Event{
		SessionID: chosenID,
		Type:      EventTypeAccessCodeCollision,
		Message:   "access code matched multiple sessions; most recent chosen",
		Metadata:  string(meta),
	})
}

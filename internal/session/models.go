package session

import (
	"fmt"
	"time"
)

// Session is one scheduled or ad hoc video consultation between a doctor and a patient.
//
// Invariants:
//   - ChannelName is the single source of truth for the signaling/media topic; unique per session.
//   - ID, DoctorID, PatientID, ChannelName, Amount and DurationMinutes never change after creation.
//   - StartedAt and EndedAt are written at most once each.
//
// Holding a Session grants nothing media-wise; it only entitles the caller to request
// a channel-scoped token.
type Session struct {
	ID        string `json:"id" db:"id"`
	DoctorID  string `json:"doctor_id" db:"doctor_id"`
	PatientID string `json:"patient_id" db:"patient_id"`
	// CreatedBy is the user that created the row; that party takes the offering role on direct calls.
	CreatedBy string `json:"created_by" db:"created_by"`
	Kind      Kind   `json:"kind" db:"kind"`

	ChannelName string `json:"channel_name" db:"channel_name"`
	AccessCode  string `json:"access_code" db:"access_code"`

	Status Status `json:"status" db:"status"`

	// Amount is in minor units of Currency. Zero for free sessions.
	Amount          int64  `json:"amount" db:"amount"`
	Currency        string `json:"currency,omitempty" db:"currency"`
	DurationMinutes int    `json:"duration_minutes" db:"duration_minutes"`

	PaymentID string `json:"payment_id,omitempty" db:"payment_id"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty" db:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty" db:"ended_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
}

// IsParty reports whether userID is the doctor or the patient of s.
func (s Session) IsParty(userID string) bool {
	return userID != "" && (userID == s.DoctorID || userID == s.PatientID)
}

type Kind string

const (
	KindPaid Kind = "paid"
	KindFree Kind = "free"
)

func ParseKind(v string) (Kind, error) {
	switch Kind(v) {
	case KindPaid, KindFree:
		return Kind(v), nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrCorruptRow, v)
	}
}

// Status is the closed set of session states. Values arriving from storage or the
// change feed go through ParseStatus; nothing else constructs a Status from a string.
type Status string

const (
	StatusPending   Status = "pending"
	StatusPaid      Status = "paid"
	StatusActive    Status = "active"
	StatusEnded     Status = "ended"
	StatusCancelled Status = "cancelled"
	StatusFailed    Status = "failed"
)

func ParseStatus(v string) (Status, error) {
	switch Status(v) {
	case StatusPending, StatusPaid, StatusActive, StatusEnded, StatusCancelled, StatusFailed:
		return Status(v), nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrCorruptRow, v)
	}
}

// Terminal reports whether s is absorbing.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusCancelled || s == StatusFailed
}

func (s Status) String() string { return string(s) }

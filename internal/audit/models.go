package audit

import "time"

// Event is an immutable, append-only audit log record.
//
// Invariants:
// - Events are never updated or deleted.
// - session_id is required; every event is about exactly one consultation session.
// - actor and ip capture are best-effort; do not block call flows on audit failures.
type Event struct {
	ID        string    `json:"id" db:"id"`
	SessionID string    `json:"session_id" db:"session_id"`
	Type      EventType `json:"type" db:"type"`

	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	// Metadata is optional JSON for full details.
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeSessionCreated      EventType = "session_created"
	EventTypeStatusChanged       EventType = "session_status_changed"
	EventTypePaymentInitFailed   EventType = "payment_init_failed"
	EventTypeAccessCodeCollision EventType = "access_code_collision"
)

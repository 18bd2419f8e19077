package audit

import "time"

// Event is an immutable, append-only entry in a call record's lifecycle log.
//
// Invariants:
// - Events are never updated or deleted.
// - record_id is required; every event belongs to one call record.
// - Recording is best-effort; do not block dispatch or polling on audit failures.
type Event struct {
	ID       string    `json:"id" db:"id"`
	RecordID string    `json:"record_id" db:"record_id"`
	Type     EventType `json:"type" db:"type"`

	// Status is the call status involved, when the event concerns one.
	Status string `json:"status,omitempty" db:"status"`

	// Operator fields are only set for API-triggered events.
	ActorUserID string `json:"actor_user_id,omitempty" db:"actor_user_id"`
	ActorRole   string `json:"actor_role,omitempty" db:"actor_role"`
	IPAddress   string `json:"ip_address,omitempty" db:"ip_address"`

	Message string `json:"message,omitempty" db:"message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventSubmitted      EventType = "submitted"
	EventStarted        EventType = "started"
	EventStartFailed    EventType = "start_failed"
	EventStartExhausted EventType = "start_exhausted"
	EventForceStart     EventType = "force_start"
	EventStatusChanged  EventType = "status_changed"
	EventStatusIgnored  EventType = "stale_status_ignored"
	EventPollExhausted  EventType = "poll_exhausted"
)

package calls

import (
	"fmt"
	"strings"
	"time"
)

// MinPhoneNumberLength is enforced once, at creation.
const MinPhoneNumberLength = 10

// Record is a persisted call request.
//
// Ownership: the Store is the only writer. Everything else receives copies.
//
// Invariants:
// - Started goes false -> true at most once and never reverts.
// - ExternalCallID is only set together with Started.
// - LastStatus only advances (see CanAdvance); the Store does not enforce it, the reconciler does.
type Record struct {
	ID           string     `json:"id" db:"id"`
	PhoneNumber  string     `json:"phone_number" db:"phone_number"`
	ScheduleTime *time.Time `json:"schedule_time,omitempty" db:"schedule_time"`

	Started        bool   `json:"started" db:"started"`
	ExternalCallID string `json:"external_call_id,omitempty" db:"external_call_id"`
	LastStatus     Status `json:"last_status,omitempty" db:"last_status"`

	// ClaimedAt is non-nil while a dispatcher holds the start claim.
	ClaimedAt *time.Time `json:"-" db:"claimed_at"`

	StartAttempts int        `json:"start_attempts" db:"start_attempts"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty" db:"next_attempt_at"`
	PollFailures  int        `json:"poll_failures" db:"poll_failures"`

	// LastError is the most recent start/poll failure (the "notes" column of the API).
	LastError string `json:"notes,omitempty" db:"last_error"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Claimed reports whether a start claim is currently held.
func (r Record) Claimed() bool { return r.ClaimedAt != nil }

// Pollable reports whether the reconciler should ask the provider about this record.
func (r Record) Pollable() bool {
	return r.Started && r.ExternalCallID != "" && !r.LastStatus.IsTerminal()
}

// DueAt reports whether the dispatcher may try to start the record at now.
func (r Record) DueAt(now time.Time) bool {
	if r.Started || r.Claimed() || r.LastStatus.IsTerminal() {
		return false
	}
	if r.ScheduleTime != nil && r.ScheduleTime.After(now) {
		return false
	}
	if r.NextAttemptAt != nil && r.NextAttemptAt.After(now) {
		return false
	}
	return true
}

// State is the externally visible lifecycle state. The first three values are
// derived from stored fields and never persisted.
type State string

const (
	StatePending   State = "pending"
	StateScheduled State = "scheduled"
	StateStarting  State = "starting"
)

// DeriveState computes the visible state of rec at now.
func DeriveState(rec Record, now time.Time) State {
	switch {
	case rec.LastStatus != "":
		return State(rec.LastStatus)
	case rec.Claimed():
		return StateStarting
	case rec.Started:
		return State(StatusInitiated)
	case rec.ScheduleTime != nil && rec.ScheduleTime.After(now):
		return StateScheduled
	default:
		return StatePending
	}
}

// ValidatePhoneNumber applies the creation-time rule.
func ValidatePhoneNumber(phone string) error {
	if len(strings.TrimSpace(phone)) < MinPhoneNumberLength {
		return fmt.Errorf("phone_number is required and must be >=%d chars: %w", MinPhoneNumberLength, ErrValidation)
	}
	return nil
}

// NewRecord builds a fresh, unstarted record. Times are normalized to UTC.
func NewRecord(id, phone string, scheduleTime *time.Time, now time.Time) (Record, error) {
	if err := ValidatePhoneNumber(phone); err != nil {
		return Record{}, err
	}
	if id == "" {
		return Record{}, fmt.Errorf("id is required: %w", ErrValidation)
	}
	now = now.UTC()
	rec := Record{
		ID:          id,
		PhoneNumber: phone,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if scheduleTime != nil {
		st := scheduleTime.UTC()
		rec.ScheduleTime = &st
	}
	return rec, nil
}

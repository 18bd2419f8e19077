package calls

import (
	"context"
	"time"
)

// Store is the persistence contract for call records.
//
// Every mutating method is atomic per record. MarkStarting is the exactly-once
// gate: it is a single check-and-set, so at most one caller ever observes true
// for a given unstarted record.
//
// Implementations must not be held locked across provider calls; callers claim,
// return, call the provider, then commit or abort.
type Store interface {
	Create(ctx context.Context, phoneNumber string, scheduleTime *time.Time) (Record, error)
	Get(ctx context.Context, id string) (Record, error)
	GetByExternalID(ctx context.Context, externalCallID string) (Record, error)

	// ListAll returns every record ordered by created_at ascending with a stable
	// tiebreak, so repeated polling never reorders rows.
	ListAll(ctx context.Context) ([]Record, error)
	// FindDue returns unstarted, unclaimed, non-terminal records whose schedule
	// time and retry time have passed.
	FindDue(ctx context.Context, now time.Time) ([]Record, error)
	// FindPollable returns started records with a handle and a non-terminal status.
	FindPollable(ctx context.Context) ([]Record, error)

	// MarkStarting refuses started, claimed and terminal records.
	MarkStarting(ctx context.Context, id string, now time.Time) (bool, error)
	// CommitStart records the handle and the status the service reported for it.
	CommitStart(ctx context.Context, id, externalCallID string, status Status, now time.Time) error
	// AbortStart releases the claim, counts the attempt and returns the new count.
	AbortStart(ctx context.Context, id, reason string, nextAttemptAt *time.Time, now time.Time) (int, error)
	// FailStart is AbortStart for the last attempt: the claim is released and
	// the record marked failed in the same write, so no other starter can slip
	// in between.
	FailStart(ctx context.Context, id, reason string, now time.Time) (int, error)

	// UpdateStatus sets the status unconditionally, bypassing the monotonic
	// rule. It is the administrative path for seeding and repair; observers
	// go through CompareAndSetStatus.
	UpdateStatus(ctx context.Context, id string, status Status, now time.Time) error
	CompareAndSetStatus(ctx context.Context, id string, from, to Status, now time.Time) (bool, error)

	RecordPollFailure(ctx context.Context, id, reason string, now time.Time) (int, error)
	ResetPollFailures(ctx context.Context, id string, now time.Time) error

	// ReleaseClaims drops claims taken before claimedBefore. Used on startup:
	// no claim can legitimately survive a restart of a single dispatcher.
	ReleaseClaims(ctx context.Context, claimedBefore time.Time) (int, error)
}

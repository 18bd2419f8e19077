package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"call-scheduler/internal/audit"
	"call-scheduler/internal/calls"
	"call-scheduler/internal/metrics"
	"call-scheduler/internal/telephony"
)

// Sources label where an observed status came from.
const (
	SourcePoll     = "poll"
	SourceCallback = "callback"
	SourceOnDemand = "on_demand"
	SourceDispatch = "dispatch"
)

const defaultCASAttempts = 5

// Reconciler applies observed call statuses to records.
//
// Every write goes through calls.CanAdvance and then an atomic compare-and-set
// on the stored status, so racing observers (poller, webhook, on-demand
// refresh) can never move a record backwards.
type Reconciler struct {
	Store    calls.Store
	Provider telephony.CallProvider

	// PollMaxFailures marks a record failed after this many consecutive poll
	// failures. <= 0 disables the limit.
	PollMaxFailures int

	Log     *slog.Logger
	Metrics *metrics.Metrics
	Audit   *audit.Service
	Now     func() time.Time
}

func New(store calls.Store, provider telephony.CallProvider, pollMaxFailures int) *Reconciler {
	return &Reconciler{
		Store:           store,
		Provider:        provider,
		PollMaxFailures: pollMaxFailures,
		Log:             slog.Default(),
		Now:             time.Now,
	}
}

func (r *Reconciler) now() time.Time {
	if r.Now == nil {
		return time.Now().UTC()
	}
	return r.Now().UTC()
}

func (r *Reconciler) log() *slog.Logger {
	if r.Log == nil {
		return slog.Default()
	}
	return r.Log
}

// Apply moves record id to observed if the monotonic rule allows it.
// It reports whether the stored status changed. A status that does not
// advance is ignored, not an error.
func (r *Reconciler) Apply(ctx context.Context, id string, observed calls.Status, source string) (calls.Record, bool, error) {
	var rec calls.Record
	for attempt := 0; attempt < defaultCASAttempts; attempt++ {
		var err error
		rec, err = r.Store.Get(ctx, id)
		if err != nil {
			return calls.Record{}, false, err
		}
		if !calls.CanAdvance(rec.LastStatus, observed) {
			r.log().Debug("status not applied",
				"record_id", id, "current", rec.LastStatus, "observed", observed, "source", source)
			r.Metrics.IncStatus(source, false)
			if rec.LastStatus != observed {
				_ = r.Audit.Log(ctx, id, audit.EventStatusIgnored, string(observed),
					fmt.Sprintf("%s reported %s while record is %s", source, observed, rec.LastStatus))
			}
			return rec, false, nil
		}

		ok, err := r.Store.CompareAndSetStatus(ctx, id, rec.LastStatus, observed, r.now())
		if err != nil {
			return rec, false, err
		}
		if ok {
			r.log().Info("call status changed",
				"record_id", id, "from", rec.LastStatus, "to", observed, "source", source)
			r.Metrics.IncStatus(source, true)
			_ = r.Audit.Log(ctx, id, audit.EventStatusChanged, string(observed), source)
			rec.LastStatus = observed
			rec.PollFailures = 0
			return rec, true, nil
		}
		// lost the race; re-read and re-check
	}
	return rec, false, fmt.Errorf("reconcile: status contention on %s: %w", id, calls.ErrClaimConflict)
}

// ApplyExternal is the status-callback entry point; it finds the record by handle.
func (r *Reconciler) ApplyExternal(ctx context.Context, externalCallID string, st calls.Status) (bool, error) {
	rec, err := r.Store.GetByExternalID(ctx, externalCallID)
	if err != nil {
		return false, err
	}
	_, applied, err := r.Apply(ctx, rec.ID, st, SourceCallback)
	return applied, err
}

// Refresh polls the provider for rec and applies the result. Records without
// a handle or already terminal are returned unchanged without any I/O.
//
// On a poll error the record is returned with the failure noted and the error
// is passed through (wrapping calls.ErrExternalService).
func (r *Reconciler) Refresh(ctx context.Context, rec calls.Record) (calls.Record, error) {
	return r.refresh(ctx, rec, SourcePoll)
}

// RefreshByID loads the record and refreshes it on demand.
func (r *Reconciler) RefreshByID(ctx context.Context, id string) (calls.Record, error) {
	rec, err := r.Store.Get(ctx, id)
	if err != nil {
		return calls.Record{}, err
	}
	return r.refresh(ctx, rec, SourceOnDemand)
}

func (r *Reconciler) refresh(ctx context.Context, rec calls.Record, source string) (calls.Record, error) {
	if !rec.Pollable() {
		return rec, nil
	}

	st, pollErr := r.Provider.PollStatus(ctx, rec.ExternalCallID)
	if pollErr != nil {
		return r.pollFailed(ctx, rec, pollErr)
	}

	updated, applied, err := r.Apply(ctx, rec.ID, st, source)
	if err != nil {
		return rec, err
	}
	if !applied && updated.PollFailures > 0 {
		if err := r.Store.ResetPollFailures(ctx, rec.ID, r.now()); err != nil {
			return updated, err
		}
		updated.PollFailures = 0
	}
	return updated, nil
}

func (r *Reconciler) pollFailed(ctx context.Context, rec calls.Record, pollErr error) (calls.Record, error) {
	r.Metrics.IncPollFailure()
	n, err := r.Store.RecordPollFailure(ctx, rec.ID, pollErr.Error(), r.now())
	if err != nil {
		return rec, fmt.Errorf("reconcile: record poll failure: %w", err)
	}
	rec.PollFailures = n
	rec.LastError = pollErr.Error()
	r.log().Warn("call status poll failed",
		"record_id", rec.ID, "external_call_id", rec.ExternalCallID, "failures", n, "err", pollErr)

	if r.PollMaxFailures > 0 && n >= r.PollMaxFailures {
		updated, applied, err := r.Apply(ctx, rec.ID, calls.StatusFailed, SourcePoll)
		if err != nil {
			return rec, err
		}
		if applied {
			_ = r.Audit.Log(ctx, rec.ID, audit.EventPollExhausted, string(calls.StatusFailed),
				fmt.Sprintf("%d consecutive poll failures", n))
		}
		updated.LastError = rec.LastError
		rec = updated
	}
	return rec, pollErr
}

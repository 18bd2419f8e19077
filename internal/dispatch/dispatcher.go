package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"call-scheduler/internal/audit"
	"call-scheduler/internal/calls"
	"call-scheduler/internal/metrics"
	"call-scheduler/internal/reconcile"
	"call-scheduler/internal/telephony"
	"call-scheduler/pkg/logger"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// ErrThrottled is returned by ForceStart when the in-flight start cap is full.
var ErrThrottled = errors.New("dispatch: in-flight start cap reached")

// Limiter caps concurrent call starts across processes (see utils.InflightCap).
// Acquire returning false with a nil error means the cap is full.
type Limiter interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// Deps are the collaborators a Dispatcher needs. Store, Provider and
// Reconciler are required.
type Deps struct {
	Store      calls.Store
	Provider   telephony.CallProvider
	Reconciler *reconcile.Reconciler

	Limiter Limiter
	Audit   *audit.Service
	Metrics *metrics.Metrics
	Log     *slog.Logger
	Clock   func() time.Time
}

// Dispatcher turns due records into started calls and keeps started calls
// polled until they reach a terminal status.
//
// Exactly-once start rests on the store claim (MarkStarting): whoever wins the
// conditional update is the only caller allowed to reach the provider for
// that record. The dispatcher holds no locks of its own around provider I/O.
type Dispatcher struct {
	store      calls.Store
	provider   telephony.CallProvider
	reconciler *reconcile.Reconciler
	limiter    Limiter
	audit      *audit.Service
	metrics    *metrics.Metrics
	log        *slog.Logger
	clock      func() time.Time
	opts       Options

	rngMu sync.Mutex
	rng   *rand.Rand

	mu     sync.Mutex
	cron   *cron.Cron
	cancel context.CancelFunc
}

func New(deps Deps, opts Options) (*Dispatcher, error) {
	if deps.Store == nil || deps.Provider == nil || deps.Reconciler == nil {
		return nil, errors.New("dispatch: store, provider and reconciler are required")
	}
	d := &Dispatcher{
		store:      deps.Store,
		provider:   deps.Provider,
		reconciler: deps.Reconciler,
		limiter:    deps.Limiter,
		audit:      deps.Audit,
		metrics:    deps.Metrics,
		log:        deps.Log,
		clock:      deps.Clock,
		opts:       opts.withDefaults(),
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if d.log == nil {
		d.log = slog.Default()
	}
	if d.clock == nil {
		d.clock = time.Now
	}
	return d, nil
}

func (d *Dispatcher) now() time.Time { return d.clock().UTC() }

// Start releases claims left by a previous process, runs one tick right away
// so anything that came due while down is picked up, and then schedules ticks
// every Interval. Ticks never overlap: a tick that is still running causes the
// next one to be skipped.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cron != nil {
		return errors.New("dispatch: already running")
	}

	released, err := d.store.ReleaseClaims(ctx, d.now())
	if err != nil {
		return fmt.Errorf("dispatch: release stale claims: %w", err)
	}
	if released > 0 {
		d.log.Warn("released stale start claims", "count", released)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	d.Tick(runCtx)

	cl := cronLogger{log: d.log}
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	if _, err := c.AddFunc("@every "+d.opts.Interval.String(), func() { d.Tick(runCtx) }); err != nil {
		cancel()
		return fmt.Errorf("dispatch: schedule tick: %w", err)
	}
	c.Start()

	d.cron = c
	d.cancel = cancel
	d.log.Info("dispatcher started", "interval", d.opts.Interval.String(), "workers", d.opts.Workers, "provider", d.provider.Name())
	return nil
}

// Stop waits for the running tick to finish, bounded by ctx. If ctx expires
// first, in-flight provider calls are cancelled.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	c, cancel := d.cron, d.cancel
	d.cron, d.cancel = nil, nil
	d.mu.Unlock()
	if c == nil {
		return nil
	}

	done := c.Stop()
	defer cancel()
	select {
	case <-done.Done():
		d.log.Info("dispatcher stopped")
		return nil
	case <-ctx.Done():
		cancel()
		<-done.Done()
		return ctx.Err()
	}
}

// TickReport summarizes one tick.
type TickReport struct {
	Due         int           `json:"due"`
	Started     int           `json:"started"`
	StartFailed int           `json:"start_failed"`
	Exhausted   int           `json:"exhausted"`
	Skipped     int           `json:"skipped"`
	Polled      int           `json:"polled"`
	PollFailed  int           `json:"poll_failed"`
	Errors      int           `json:"errors"`
	Duration    time.Duration `json:"duration"`
}

// Tick runs one dispatch cycle: start every due record, then refresh every
// pollable one. All work is joined before Tick returns; per-record failures
// are counted, never propagated.
func (d *Dispatcher) Tick(ctx context.Context) TickReport {
	began := time.Now()
	var rep TickReport
	var started, failed, exhausted, skipped, polled, pollFailed, errs atomic.Int64

	due, err := d.store.FindDue(ctx, d.now())
	if err != nil {
		d.log.Error("find due records failed", "err", err)
		errs.Add(1)
	}
	rep.Due = len(due)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)
	for _, rec := range due {
		g.Go(func() error {
			out, err := d.startRecord(gctx, rec)
			switch out {
			case outcomeStarted:
				started.Add(1)
			case outcomeFailed:
				failed.Add(1)
			case outcomeExhausted:
				exhausted.Add(1)
			case outcomeConflict, outcomeThrottled:
				skipped.Add(1)
			case outcomeError:
				errs.Add(1)
				d.log.Error("start record failed", "record_id", rec.ID, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	pollable, err := d.store.FindPollable(ctx)
	if err != nil {
		d.log.Error("find pollable records failed", "err", err)
		errs.Add(1)
	}

	g, gctx = errgroup.WithContext(ctx)
	g.SetLimit(d.opts.Workers)
	for _, rec := range pollable {
		g.Go(func() error {
			polled.Add(1)
			if _, err := d.reconciler.Refresh(gctx, rec); err != nil {
				if errors.Is(err, calls.ErrExternalService) {
					pollFailed.Add(1)
				} else {
					errs.Add(1)
					d.log.Error("refresh record failed", "record_id", rec.ID, "err", err)
				}
			}
			return nil
		})
	}
	_ = g.Wait()

	rep.Started = int(started.Load())
	rep.StartFailed = int(failed.Load())
	rep.Exhausted = int(exhausted.Load())
	rep.Skipped = int(skipped.Load())
	rep.Polled = int(polled.Load())
	rep.PollFailed = int(pollFailed.Load())
	rep.Errors = int(errs.Load())
	rep.Duration = time.Since(began)
	d.metrics.ObserveTick(rep.Duration)

	if rep.Due+rep.Polled+rep.Errors > 0 {
		d.log.Debug("tick", "due", rep.Due, "started", rep.Started, "start_failed", rep.StartFailed,
			"exhausted", rep.Exhausted, "skipped", rep.Skipped, "polled", rep.Polled,
			"poll_failed", rep.PollFailed, "errors", rep.Errors, "duration_ms", rep.Duration.Milliseconds())
	}
	return rep
}

// ForceStart starts record id now, ignoring its schedule time and retry
// backoff. It goes through the same claim as the ticker, so it can never
// produce a second call for a record.
func (d *Dispatcher) ForceStart(ctx context.Context, id string) (calls.Record, error) {
	rec, err := d.store.Get(ctx, id)
	if err != nil {
		return calls.Record{}, err
	}
	if rec.Started {
		return rec, calls.ErrAlreadyStarted
	}
	if rec.LastStatus.IsTerminal() {
		return rec, fmt.Errorf("dispatch: record is %s: %w", rec.LastStatus, calls.ErrAlreadyStarted)
	}

	// request-scoped when called from the API
	logger.From(ctx).Info("force start requested", "record_id", id)
	out, err := d.startRecord(ctx, rec)
	switch out {
	case outcomeStarted:
	case outcomeConflict:
		return rec, calls.ErrClaimConflict
	case outcomeThrottled:
		return rec, ErrThrottled
	case outcomeFailed, outcomeExhausted:
		if !errors.Is(err, calls.ErrExternalService) {
			err = fmt.Errorf("%v: %w", err, calls.ErrExternalService)
		}
		if cur, gerr := d.store.Get(ctx, id); gerr == nil {
			rec = cur
		}
		return rec, err
	default:
		return rec, err
	}
	return d.store.Get(ctx, id)
}

type outcome int

const (
	outcomeStarted outcome = iota
	outcomeFailed
	outcomeExhausted
	outcomeConflict
	outcomeThrottled
	outcomeError
)

// startRecord is the claim-gated start of one record.
//
// Order: in-flight slot, claim, provider call (no lock held), then commit or
// abort. The slot is taken before the claim so a full cap never leaves a
// claim to undo.
func (d *Dispatcher) startRecord(ctx context.Context, rec calls.Record) (outcome, error) {
	if d.limiter != nil {
		ok, err := d.limiter.Acquire(ctx)
		switch {
		case err != nil:
			// the cap is an optimization; an unreachable Redis must not stop dispatch
			d.log.Warn("in-flight cap unavailable, starting without it", "record_id", rec.ID, "err", err)
		case !ok:
			d.metrics.IncStart("throttled")
			return outcomeThrottled, nil
		default:
			defer func() {
				if err := d.limiter.Release(context.WithoutCancel(ctx)); err != nil {
					d.log.Warn("release in-flight slot failed", "err", err)
				}
			}()
		}
	}

	won, err := d.store.MarkStarting(ctx, rec.ID, d.now())
	if err != nil {
		return outcomeError, err
	}
	if !won {
		d.metrics.IncStart("conflict")
		return outcomeConflict, nil
	}

	done := d.metrics.TrackInflight()
	call, startErr := d.provider.StartCall(ctx, rec.PhoneNumber)
	done()

	// the claim is ours; finish it even if the caller went away
	ctx = context.WithoutCancel(ctx)
	if startErr != nil {
		return d.failStart(ctx, rec.ID, startErr)
	}
	if call.Status == "" {
		call.Status = calls.StatusInitiated
	}

	if err := d.store.CommitStart(ctx, rec.ID, call.ID, call.Status, d.now()); err != nil {
		// The call is live but unrecorded. The claim stays held, so nothing
		// will dial again until a restart releases it.
		d.log.Error("commit start failed", "record_id", rec.ID, "external_call_id", call.ID, "err", err)
		return outcomeError, err
	}
	d.metrics.IncStart("started")
	_ = d.audit.Log(ctx, rec.ID, audit.EventStarted, string(call.Status), call.ID)
	d.log.Info("call started", "record_id", rec.ID, "external_call_id", call.ID, "status", call.Status)
	return outcomeStarted, nil
}

// failStart settles a claim whose provider call failed. The attempt count is
// re-read under the claim: only the claim holder changes it, so the snapshot
// the caller started from may be stale but this read is not.
func (d *Dispatcher) failStart(ctx context.Context, id string, startErr error) (outcome, error) {
	cur, err := d.store.Get(ctx, id)
	if err != nil {
		return outcomeError, err
	}
	attempt := cur.StartAttempts + 1
	now := d.now()

	if d.opts.exhausted(attempt) {
		// one write: releasing the claim and marking failed must not be observable apart
		n, err := d.store.FailStart(ctx, id, startErr.Error(), now)
		if err != nil {
			return outcomeError, err
		}
		d.metrics.IncStart("exhausted")
		d.metrics.IncStatus(reconcile.SourceDispatch, true)
		_ = d.audit.Log(ctx, id, audit.EventStatusChanged, string(calls.StatusFailed), reconcile.SourceDispatch)
		_ = d.audit.Log(ctx, id, audit.EventStartExhausted, string(calls.StatusFailed),
			fmt.Sprintf("giving up after %d attempts: %v", n, startErr))
		d.log.Warn("call start exhausted", "record_id", id, "attempts", n, "err", startErr)
		return outcomeExhausted, startErr
	}

	d.rngMu.Lock()
	delay := backoffDelay(d.opts, attempt, d.rng)
	d.rngMu.Unlock()
	next := now.Add(delay)

	n, err := d.store.AbortStart(ctx, id, startErr.Error(), &next, now)
	if err != nil {
		return outcomeError, err
	}
	d.metrics.IncStart("failed")
	_ = d.audit.Log(ctx, id, audit.EventStartFailed, "", startErr.Error())
	d.log.Warn("call start failed", "record_id", id, "attempt", n, "retry_in", delay.String(), "err", startErr)
	return outcomeFailed, startErr
}

// cronLogger routes cron's own logging into slog.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}

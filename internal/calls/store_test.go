package calls

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"call-scheduler/pkg/utils"

	_ "modernc.org/sqlite"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type storeFactory func(t *testing.T, clock *fakeClock) Store

func memoryFactory(t *testing.T, clock *fakeClock) Store {
	return NewMemoryStore().WithClock(clock.Now)
}

func sqliteFactory(t *testing.T, clock *fakeClock) Store {
	path := filepath.Join(t.TempDir(), "schedules.db")
	db, err := utils.OpenDB(context.Background(), utils.DialectSQLite, path, utils.PoolConfig{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	s := NewSQLStore(db, utils.DialectSQLite).WithClock(clock.Now)
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return s
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store, clock *fakeClock)) {
	for name, f := range map[string]storeFactory{"memory": memoryFactory, "sqlite": sqliteFactory} {
		f := f
		t.Run(name, func(t *testing.T) {
			clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
			fn(t, f(t, clock), clock)
		})
	}
}

func TestStore_CreateRejectsShortPhone(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		if _, err := s.Create(ctx, "12345", nil); !errors.Is(err, ErrValidation) {
			t.Fatalf("expected ErrValidation, got %v", err)
		}
		all, err := s.ListAll(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(all) != 0 {
			t.Fatalf("expected nothing persisted, got %d", len(all))
		}
	})
}

func TestStore_GetUnknown(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if _, err := s.MarkStarting(context.Background(), "nope", clock.Now()); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound from MarkStarting, got %v", err)
		}
	})
}

func TestStore_ListAllOrderedByCreation(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		var ids []string
		for i := 0; i < 3; i++ {
			rec, err := s.Create(ctx, "+15551234567", nil)
			if err != nil {
				t.Fatalf("create: %v", err)
			}
			ids = append(ids, rec.ID)
			clock.Advance(time.Second)
		}
		all, err := s.ListAll(ctx)
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("expected 3 records, got %d", len(all))
		}
		for i := range ids {
			if all[i].ID != ids[i] {
				t.Fatalf("unexpected order at %d: %s != %s", i, all[i].ID, ids[i])
			}
		}
	})
}

func TestStore_FindDueRespectsScheduleTime(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		at := clock.Now().Add(time.Hour)
		rec, err := s.Create(ctx, "+15551234567", &at)
		if err != nil {
			t.Fatalf("create: %v", err)
		}

		due, _ := s.FindDue(ctx, clock.Now())
		if len(due) != 0 {
			t.Fatalf("expected nothing due before schedule time")
		}
		due, _ = s.FindDue(ctx, at.Add(-time.Millisecond))
		if len(due) != 0 {
			t.Fatalf("expected nothing due just before schedule time")
		}
		due, _ = s.FindDue(ctx, at)
		if len(due) != 1 || due[0].ID != rec.ID {
			t.Fatalf("expected record due at schedule time, got %+v", due)
		}
	})
}

func TestStore_ClaimCommitLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		rec, _ := s.Create(ctx, "+15551234567", nil)

		ok, err := s.MarkStarting(ctx, rec.ID, clock.Now())
		if err != nil || !ok {
			t.Fatalf("expected first claim to win, got %v %v", ok, err)
		}
		ok, err = s.MarkStarting(ctx, rec.ID, clock.Now())
		if err != nil || ok {
			t.Fatalf("expected second claim to lose, got %v %v", ok, err)
		}
		if due, _ := s.FindDue(ctx, clock.Now()); len(due) != 0 {
			t.Fatalf("claimed record must not be due")
		}

		if err := s.CommitStart(ctx, rec.ID, "ext-1", StatusInitiated, clock.Now()); err != nil {
			t.Fatalf("commit: %v", err)
		}
		got, _ := s.Get(ctx, rec.ID)
		if !got.Started || got.ExternalCallID != "ext-1" || got.LastStatus != StatusInitiated || got.Claimed() {
			t.Fatalf("unexpected record after commit: %+v", got)
		}
		if err := s.CommitStart(ctx, rec.ID, "ext-2", StatusRinging, clock.Now()); !errors.Is(err, ErrClaimConflict) {
			t.Fatalf("expected ErrClaimConflict on second commit, got %v", err)
		}
		ok, _ = s.MarkStarting(ctx, rec.ID, clock.Now())
		if ok {
			t.Fatalf("started record must never be claimable")
		}

		byExt, err := s.GetByExternalID(ctx, "ext-1")
		if err != nil || byExt.ID != rec.ID {
			t.Fatalf("expected lookup by handle, got %v %v", byExt.ID, err)
		}
		pollable, _ := s.FindPollable(ctx)
		if len(pollable) != 1 {
			t.Fatalf("expected started record to be pollable")
		}
	})
}

func TestStore_AbortStartMakesRecordEligibleAgain(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		rec, _ := s.Create(ctx, "+15551234567", nil)

		if ok, _ := s.MarkStarting(ctx, rec.ID, clock.Now()); !ok {
			t.Fatalf("expected claim")
		}
		retryAt := clock.Now().Add(10 * time.Second)
		attempts, err := s.AbortStart(ctx, rec.ID, "boom", &retryAt, clock.Now())
		if err != nil || attempts != 1 {
			t.Fatalf("expected 1 attempt, got %d %v", attempts, err)
		}
		if due, _ := s.FindDue(ctx, clock.Now()); len(due) != 0 {
			t.Fatalf("expected record to wait for retry time")
		}
		due, _ := s.FindDue(ctx, retryAt)
		if len(due) != 1 || due[0].LastError != "boom" {
			t.Fatalf("expected record due again with error note, got %+v", due)
		}
		if _, err := s.AbortStart(ctx, rec.ID, "again", nil, clock.Now()); !errors.Is(err, ErrClaimConflict) {
			t.Fatalf("expected ErrClaimConflict without a claim, got %v", err)
		}
	})
}

func TestStore_FailStartReleasesClaimAsFailed(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		rec, _ := s.Create(ctx, "+15551234567", nil)

		if _, err := s.FailStart(ctx, rec.ID, "boom", clock.Now()); !errors.Is(err, ErrClaimConflict) {
			t.Fatalf("expected ErrClaimConflict without a claim, got %v", err)
		}
		if ok, _ := s.MarkStarting(ctx, rec.ID, clock.Now()); !ok {
			t.Fatalf("expected claim")
		}
		retryAt := clock.Now().Add(time.Second)
		if _, err := s.AbortStart(ctx, rec.ID, "first", &retryAt, clock.Now()); err != nil {
			t.Fatalf("abort: %v", err)
		}
		if ok, _ := s.MarkStarting(ctx, rec.ID, clock.Now()); !ok {
			t.Fatalf("expected second claim")
		}

		attempts, err := s.FailStart(ctx, rec.ID, "boom", clock.Now())
		if err != nil || attempts != 2 {
			t.Fatalf("expected 2 attempts, got %d %v", attempts, err)
		}
		got, _ := s.Get(ctx, rec.ID)
		if got.LastStatus != StatusFailed || got.Claimed() || got.Started || got.NextAttemptAt != nil || got.LastError != "boom" {
			t.Fatalf("unexpected record after give-up: %+v", got)
		}
		if ok, err := s.MarkStarting(ctx, rec.ID, clock.Now()); err != nil || ok {
			t.Fatalf("failed record must never be claimable, got %v %v", ok, err)
		}
		if due, _ := s.FindDue(ctx, clock.Now().Add(time.Hour)); len(due) != 0 {
			t.Fatalf("failed record must not be due")
		}
	})
}

func TestStore_MarkStartingRefusesTerminal(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		rec, _ := s.Create(ctx, "+15551234567", nil)
		if err := s.UpdateStatus(ctx, rec.ID, StatusCompleted, clock.Now()); err != nil {
			t.Fatalf("update status: %v", err)
		}
		if ok, err := s.MarkStarting(ctx, rec.ID, clock.Now()); err != nil || ok {
			t.Fatalf("expected terminal record to refuse the claim, got %v %v", ok, err)
		}
		if err := s.UpdateStatus(ctx, "nope", StatusFailed, clock.Now()); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestStore_CompareAndSetStatus(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		rec, _ := s.Create(ctx, "+15551234567", nil)

		ok, err := s.CompareAndSetStatus(ctx, rec.ID, "", StatusRinging, clock.Now())
		if err != nil || !ok {
			t.Fatalf("expected CAS from empty, got %v %v", ok, err)
		}
		ok, _ = s.CompareAndSetStatus(ctx, rec.ID, "", StatusConnected, clock.Now())
		if ok {
			t.Fatalf("expected CAS with stale expectation to fail")
		}
		if n, _ := s.RecordPollFailure(ctx, rec.ID, "timeout", clock.Now()); n != 1 {
			t.Fatalf("expected 1 poll failure, got %d", n)
		}
		ok, _ = s.CompareAndSetStatus(ctx, rec.ID, StatusRinging, StatusConnected, clock.Now())
		if !ok {
			t.Fatalf("expected CAS to succeed")
		}
		got, _ := s.Get(ctx, rec.ID)
		if got.LastStatus != StatusConnected || got.PollFailures != 0 {
			t.Fatalf("unexpected record: %+v", got)
		}
	})
}

func TestStore_ReleaseClaims(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		rec, _ := s.Create(ctx, "+15551234567", nil)
		if ok, _ := s.MarkStarting(ctx, rec.ID, clock.Now()); !ok {
			t.Fatalf("expected claim")
		}
		clock.Advance(time.Minute)
		n, err := s.ReleaseClaims(ctx, clock.Now())
		if err != nil || n != 1 {
			t.Fatalf("expected one released claim, got %d %v", n, err)
		}
		if due, _ := s.FindDue(ctx, clock.Now()); len(due) != 1 {
			t.Fatalf("expected record re-eligible after release")
		}
	})
}

func TestStore_MarkStartingRaceHasSingleWinner(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store, clock *fakeClock) {
		ctx := context.Background()
		rec, _ := s.Create(ctx, "+15551234567", nil)

		var wins atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 32; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.MarkStarting(ctx, rec.ID, clock.Now())
				if err != nil {
					t.Errorf("mark starting: %v", err)
					return
				}
				if ok {
					wins.Add(1)
				}
			}()
		}
		wg.Wait()
		if wins.Load() != 1 {
			t.Fatalf("expected exactly one winner, got %d", wins.Load())
		}
	})
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1700000000, 0).UTC()}
	path := filepath.Join(t.TempDir(), "schedules.db")

	open := func() (*SQLStore, func()) {
		db, err := utils.OpenDB(ctx, utils.DialectSQLite, path, utils.PoolConfig{})
		if err != nil {
			t.Fatalf("open sqlite: %v", err)
		}
		s := NewSQLStore(db, utils.DialectSQLite).WithClock(clock.Now)
		if err := s.Migrate(ctx); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		return s, func() { _ = db.Close() }
	}

	s, closeDB := open()
	at := clock.Now().Add(time.Minute)
	scheduled, _ := s.Create(ctx, "+15551234567", &at)
	clock.Advance(time.Second)
	claimed, _ := s.Create(ctx, "+15557654321", nil)
	if ok, _ := s.MarkStarting(ctx, claimed.ID, clock.Now()); !ok {
		t.Fatalf("expected claim")
	}
	closeDB()

	clock.Advance(2 * time.Minute)
	s, closeDB = open()
	defer closeDB()

	all, err := s.ListAll(ctx)
	if err != nil || len(all) != 2 {
		t.Fatalf("expected both records after reopen, got %d %v", len(all), err)
	}
	if got, _ := s.Get(ctx, claimed.ID); !got.Claimed() {
		t.Fatalf("expected claim to be persisted, got %+v", got)
	}
	if due, _ := s.FindDue(ctx, clock.Now()); len(due) != 1 || due[0].ID != scheduled.ID {
		t.Fatalf("expected only the unclaimed record due before release, got %+v", due)
	}

	n, err := s.ReleaseClaims(ctx, clock.Now())
	if err != nil || n != 1 {
		t.Fatalf("expected one released claim, got %d %v", n, err)
	}
	due, err := s.FindDue(ctx, clock.Now())
	if err != nil || len(due) != 2 {
		t.Fatalf("expected both records due after release, got %d %v", len(due), err)
	}
	if due[0].ID != scheduled.ID || due[0].ScheduleTime == nil || !due[0].ScheduleTime.Equal(at) {
		t.Fatalf("expected schedule time preserved across reopen, got %+v", due[0])
	}
}

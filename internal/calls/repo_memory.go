package calls

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and STORE_DRIVER=memory.
// It does not survive restarts.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
	seq     map[string]int64

	next  int64
	clock func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]*Record{}, seq: map[string]int64{}, clock: time.Now}
}

// WithClock overrides the creation clock; used by tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// Put inserts rec as-is. Useful to seed state that survived a "restart".
func (s *MemoryStore) Put(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := copyRecord(rec)
	s.records[rec.ID] = &cp
	s.next++
	s.seq[rec.ID] = s.next
}

func (s *MemoryStore) Create(ctx context.Context, phoneNumber string, scheduleTime *time.Time) (Record, error) {
	rec, err := NewRecord(uuid.NewString(), phoneNumber, scheduleTime, s.clock())
	if err != nil {
		return Record{}, err
	}
	s.Put(rec)
	return copyRecord(rec), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return copyRecord(*r), nil
}

func (s *MemoryStore) GetByExternalID(ctx context.Context, externalCallID string) (Record, error) {
	if externalCallID == "" {
		return Record{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.ExternalCallID == externalCallID {
			return copyRecord(*r), nil
		}
	}
	return Record{}, ErrNotFound
}

func (s *MemoryStore) ListAll(ctx context.Context) ([]Record, error) {
	return s.filter(func(Record) bool { return true }), nil
}

func (s *MemoryStore) FindDue(ctx context.Context, now time.Time) ([]Record, error) {
	return s.filter(func(r Record) bool { return r.DueAt(now) }), nil
}

func (s *MemoryStore) FindPollable(ctx context.Context) ([]Record, error) {
	return s.filter(Record.Pollable), nil
}

func (s *MemoryStore) MarkStarting(ctx context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.Started || r.Claimed() || r.LastStatus.IsTerminal() {
		return false, nil
	}
	t := now.UTC()
	r.ClaimedAt = &t
	r.UpdatedAt = t
	return true, nil
}

func (s *MemoryStore) CommitStart(ctx context.Context, id, externalCallID string, status Status, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	if r.Started || !r.Claimed() {
		return ErrClaimConflict
	}
	r.Started = true
	r.ExternalCallID = externalCallID
	r.LastStatus = status
	r.ClaimedAt = nil
	r.NextAttemptAt = nil
	r.LastError = ""
	r.UpdatedAt = now.UTC()
	return nil
}

func (s *MemoryStore) AbortStart(ctx context.Context, id, reason string, nextAttemptAt *time.Time, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return 0, ErrNotFound
	}
	if r.Started || !r.Claimed() {
		return r.StartAttempts, ErrClaimConflict
	}
	r.ClaimedAt = nil
	r.StartAttempts++
	r.LastError = reason
	r.NextAttemptAt = copyTime(nextAttemptAt)
	r.UpdatedAt = now.UTC()
	return r.StartAttempts, nil
}

func (s *MemoryStore) FailStart(ctx context.Context, id, reason string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return 0, ErrNotFound
	}
	if r.Started || !r.Claimed() {
		return r.StartAttempts, ErrClaimConflict
	}
	r.ClaimedAt = nil
	r.StartAttempts++
	r.LastError = reason
	r.NextAttemptAt = nil
	r.LastStatus = StatusFailed
	r.UpdatedAt = now.UTC()
	return r.StartAttempts, nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status Status, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	r.LastStatus = status
	r.UpdatedAt = now.UTC()
	return nil
}

func (s *MemoryStore) CompareAndSetStatus(ctx context.Context, id string, from, to Status, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return false, ErrNotFound
	}
	if r.LastStatus != from {
		return false, nil
	}
	r.LastStatus = to
	r.PollFailures = 0
	r.UpdatedAt = now.UTC()
	return true, nil
}

func (s *MemoryStore) RecordPollFailure(ctx context.Context, id, reason string, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return 0, ErrNotFound
	}
	r.PollFailures++
	r.LastError = reason
	r.UpdatedAt = now.UTC()
	return r.PollFailures, nil
}

func (s *MemoryStore) ResetPollFailures(ctx context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	r.PollFailures = 0
	r.UpdatedAt = now.UTC()
	return nil
}

func (s *MemoryStore) ReleaseClaims(ctx context.Context, claimedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.records {
		if r.ClaimedAt != nil && !r.ClaimedAt.After(claimedBefore) {
			r.ClaimedAt = nil
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) filter(keep func(Record) bool) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		if keep(*r) {
			out = append(out, copyRecord(*r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return s.seq[out[i].ID] < s.seq[out[j].ID]
	})
	return out
}

func copyRecord(r Record) Record {
	r.ScheduleTime = copyTime(r.ScheduleTime)
	r.ClaimedAt = copyTime(r.ClaimedAt)
	r.NextAttemptAt = copyTime(r.NextAttemptAt)
	return r
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

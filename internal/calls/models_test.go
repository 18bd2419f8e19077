package calls

import (
	"errors"
	"testing"
	"time"
)

func TestValidatePhoneNumber(t *testing.T) {
	if err := ValidatePhoneNumber("+15551234567"); err != nil {
		t.Fatalf("expected valid phone, got %v", err)
	}
	for _, bad := range []string{"", "123", "   12345678 "} {
		err := ValidatePhoneNumber(bad)
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("expected ErrValidation for %q, got %v", bad, err)
		}
	}
}

func TestNewRecord_NormalizesToUTC(t *testing.T) {
	loc := time.FixedZone("IST", 5*3600+1800)
	st := time.Date(2025, 1, 2, 10, 0, 0, 0, loc)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, loc)

	rec, err := NewRecord("id-1", "+15551234567", &st, now)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if rec.ScheduleTime.Location() != time.UTC || rec.CreatedAt.Location() != time.UTC {
		t.Fatalf("expected UTC times, got %v / %v", rec.ScheduleTime.Location(), rec.CreatedAt.Location())
	}
	if !rec.ScheduleTime.Equal(st) {
		t.Fatalf("expected same instant")
	}
	if rec.Started || rec.ExternalCallID != "" || rec.LastStatus != "" {
		t.Fatalf("expected fresh record, got %+v", rec)
	}
}

func TestCanAdvance(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{"", StatusInitiated, true},
		{StatusInitiated, StatusRinging, true},
		{StatusRinging, StatusConnected, true},
		{StatusConnected, StatusCompleted, true},
		{StatusInitiated, StatusConnected, true},
		{StatusConnected, StatusRinging, false},
		{StatusRinging, StatusRinging, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusCompleted, false},
		{StatusRinging, StatusFailed, true},
		{"", StatusFailed, true},
		{StatusInitiated, Status("bogus"), false},
	}
	for _, c := range cases {
		if got := CanAdvance(c.from, c.to); got != c.want {
			t.Fatalf("CanAdvance(%q,%q)=%v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	st, ok := ParseStatus(" Ringing ")
	if !ok || st != StatusRinging {
		t.Fatalf("expected ringing, got %q %v", st, ok)
	}
	if _, ok := ParseStatus("queued"); ok {
		t.Fatalf("expected unknown status to be rejected")
	}
}

func TestDeriveState(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	if s := DeriveState(Record{}, now); s != StatePending {
		t.Fatalf("expected pending, got %q", s)
	}
	if s := DeriveState(Record{ScheduleTime: &future}, now); s != StateScheduled {
		t.Fatalf("expected scheduled, got %q", s)
	}
	if s := DeriveState(Record{ScheduleTime: &past}, now); s != StatePending {
		t.Fatalf("expected pending for elapsed schedule, got %q", s)
	}
	if s := DeriveState(Record{ClaimedAt: &now}, now); s != StateStarting {
		t.Fatalf("expected starting, got %q", s)
	}
	if s := DeriveState(Record{Started: true, ExternalCallID: "x"}, now); s != State(StatusInitiated) {
		t.Fatalf("expected initiated, got %q", s)
	}
	if s := DeriveState(Record{Started: true, LastStatus: StatusConnected}, now); s != State(StatusConnected) {
		t.Fatalf("expected connected, got %q", s)
	}
}

func TestRecordDueAt(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	future := now.Add(time.Minute)

	if (Record{ScheduleTime: &future}).DueAt(now) {
		t.Fatalf("future schedule must not be due")
	}
	if !(Record{ScheduleTime: &future}).DueAt(future) {
		t.Fatalf("schedule equal to now must be due")
	}
	if (Record{NextAttemptAt: &future}).DueAt(now) {
		t.Fatalf("record waiting for retry must not be due")
	}
	if (Record{LastStatus: StatusFailed}).DueAt(now) {
		t.Fatalf("failed record must not be due")
	}
}

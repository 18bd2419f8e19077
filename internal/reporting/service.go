package reporting

import (
	"context"
	"errors"
	"time"

	"call-scheduler/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// RecordLister is the read side reporting needs; calls.Store satisfies it.
type RecordLister interface {
	ListAll(ctx context.Context) ([]calls.Record, error)
}

type Service struct {
	repo  RecordLister
	clock func() time.Time
}

func NewService(repo RecordLister) *Service { return &Service{repo: repo, clock: time.Now} }

// WithClock overrides the clock used to derive states; used by tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) Summary(ctx context.Context, req SummaryRequest) (Summary, error) {
	if !req.Range.From.IsZero() && !req.Range.To.IsZero() && !req.Range.To.After(req.Range.From) {
		return Summary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return Summary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListAll(ctx)
	if err != nil {
		return Summary{}, err
	}

	now := s.clock().UTC()
	out := Summary{Range: req.Range, ByState: map[string]int{}, GeneratedAt: now}
	for _, r := range rows {
		if !req.Range.From.IsZero() && r.CreatedAt.Before(req.Range.From) {
			continue
		}
		if !req.Range.To.IsZero() && !r.CreatedAt.Before(req.Range.To) {
			continue
		}
		out.TotalRecords++
		out.StartRetries += r.StartAttempts

		state := calls.DeriveState(r, now)
		out.ByState[string(state)]++
		switch state {
		case calls.StatePending, calls.StateScheduled, calls.StateStarting:
			out.AwaitingStart++
		case calls.State(calls.StatusCompleted):
			out.Completed++
		case calls.State(calls.StatusFailed):
			out.Failed++
		default:
			out.InProgress++
		}
	}
	if done := out.Completed + out.Failed; done > 0 {
		out.CompletionRate = float64(out.Completed) / float64(done)
	}
	return out, nil
}

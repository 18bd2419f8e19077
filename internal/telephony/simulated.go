package telephony

import (
	"context"
	"fmt"
	"sync"

	"call-scheduler/internal/calls"

	"github.com/google/uuid"
)

// SimulatedProvider is an in-process stand-in for the call service, used for
// local demos (CALL_API_BASE=simulate) and tests.
//
// Each successful poll advances a call one step along
// initiated -> ringing -> connected -> completed.
type SimulatedProvider struct {
	mu    sync.Mutex
	calls map[string]*simCall

	// pending injected failures
	failStarts int
	failPolls  int

	startCount int
	numbers    []string
}

type simCall struct {
	phone string
	step  int
	final calls.Status
}

var simProgression = []calls.Status{
	calls.StatusInitiated,
	calls.StatusRinging,
	calls.StatusConnected,
	calls.StatusCompleted,
}

func NewSimulatedProvider() *SimulatedProvider {
	return &SimulatedProvider{calls: map[string]*simCall{}}
}

func (p *SimulatedProvider) Name() string { return "simulated" }

func (p *SimulatedProvider) HealthCheck(ctx context.Context) error { return nil }

// FailNextStarts makes the next n StartCall invocations return an external error.
func (p *SimulatedProvider) FailNextStarts(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failStarts = n
}

// FailNextPolls makes the next n PollStatus invocations return an external error.
func (p *SimulatedProvider) FailNextPolls(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failPolls = n
}

// EndWith forces the remote call to report st on every following poll.
func (p *SimulatedProvider) EndWith(externalCallID string, st calls.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.calls[externalCallID]; ok {
		c.final = st
	}
}

// Starts returns how many calls were successfully started, and for which numbers.
func (p *SimulatedProvider) Starts() (int, []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.numbers))
	copy(out, p.numbers)
	return p.startCount, out
}

func (p *SimulatedProvider) StartCall(ctx context.Context, phoneNumber string) (StartedCall, error) {
	if err := ctx.Err(); err != nil {
		return StartedCall{}, fmt.Errorf("telephony: %v: %w", err, calls.ErrExternalService)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failStarts > 0 {
		p.failStarts--
		return StartedCall{}, fmt.Errorf("telephony: simulated start failure: %w", calls.ErrExternalService)
	}
	id := "sim-" + uuid.NewString()
	p.calls[id] = &simCall{phone: phoneNumber}
	p.startCount++
	p.numbers = append(p.numbers, phoneNumber)
	return StartedCall{ID: id, Status: calls.StatusInitiated}, nil
}

func (p *SimulatedProvider) PollStatus(ctx context.Context, externalCallID string) (calls.Status, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failPolls > 0 {
		p.failPolls--
		return "", fmt.Errorf("telephony: simulated poll failure: %w", calls.ErrExternalService)
	}
	c, ok := p.calls[externalCallID]
	if !ok {
		return "", fmt.Errorf("telephony: unknown call %q: %w", externalCallID, calls.ErrExternalService)
	}
	if c.final != "" {
		return c.final, nil
	}
	st := simProgression[c.step]
	if c.step < len(simProgression)-1 {
		c.step++
	}
	return st, nil
}

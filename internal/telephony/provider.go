package telephony

import (
	"context"

	"call-scheduler/internal/calls"
)

// CallProvider is the adapter over the external call-initiation service.
//
// Rules:
// - Adapters are pure translation layers: no retries, no persistence.
// - Every failure is returned wrapping calls.ErrExternalService so callers can
//   treat it uniformly (log, leave the record as it was, try again later).
// - Calls may block on network I/O; callers must not hold store locks around them.
type CallProvider interface {
	Name() string
	HealthCheck(ctx context.Context) error

	// StartCall asks the service to dial phoneNumber and returns its handle
	// with the status the service reported for it.
	StartCall(ctx context.Context, phoneNumber string) (StartedCall, error)
	// PollStatus reports the current remote status for a handle.
	PollStatus(ctx context.Context, externalCallID string) (calls.Status, error)
}

// StartedCall is the service's answer to a start request.
type StartedCall struct {
	ID     string
	Status calls.Status
}

// initialStatus maps the status of a start response; the service may omit it,
// in which case the call is taken as initiated.
func initialStatus(raw string) calls.Status {
	if st, ok := calls.ParseStatus(raw); ok {
		return st
	}
	return calls.StatusInitiated
}

// callEnvelope is the wire shape used by the call service:
// {"call": {"id": "...", "status": "..."}}.
type callEnvelope struct {
	Call remoteCall `json:"call"`
}

type remoteCall struct {
	ID          string `json:"id"`
	PhoneNumber string `json:"phone_number,omitempty"`
	Status      string `json:"status"`
}

type startCallRequest struct {
	PhoneNumber string `json:"phone_number"`
}

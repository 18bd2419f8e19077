package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only. No Update/Delete methods are provided.
type Repository interface {
	Append(ctx context.Context, e Event) error
	ListByRecord(ctx context.Context, recordID string) ([]Event, error)
}

// Service records call lifecycle events.
//
// A nil *Service is valid and drops everything, so dispatch and reconcile can
// run without an audit log configured. Callers should treat recording as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

// WithClock overrides the event clock; used by tests.
func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil {
		return nil
	}
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.RecordID == "" || e.Type == "" {
		return ErrInvalidEvent
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// Log records a system event for a record.
func (s *Service) Log(ctx context.Context, recordID string, typ EventType, status, message string) error {
	return s.Append(ctx, Event{
		RecordID: recordID,
		Type:     typ,
		Status:   status,
		Message:  message,
	})
}

// LogOperatorAction records an API-triggered action with the caller's identity.
func (s *Service) LogOperatorAction(ctx context.Context, recordID string, typ EventType, actorUserID, actorRole, ip, message string) error {
	return s.Append(ctx, Event{
		RecordID:    recordID,
		Type:        typ,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		Message:     message,
	})
}

func (s *Service) ListByRecord(ctx context.Context, recordID string) ([]Event, error) {
	if s == nil || s.repo == nil {
		return []Event{}, nil
	}
	return s.repo.ListByRecord(ctx, recordID)
}

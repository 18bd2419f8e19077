package calls

import "errors"

var (
	// ErrValidation is bad caller input. No side effects happened.
	ErrValidation = errors.New("calls: validation failed")
	// ErrNotFound is an unknown record id or external handle.
	ErrNotFound = errors.New("calls: not found")
	// ErrClaimConflict means another actor holds (or won) the start claim.
	ErrClaimConflict = errors.New("calls: claim conflict")
	// ErrAlreadyStarted means the record was handed to the provider before.
	ErrAlreadyStarted = errors.New("calls: already started")
	// ErrExternalService wraps any provider transport or protocol failure.
	ErrExternalService = errors.New("calls: external service error")
)

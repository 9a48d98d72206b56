package export

import "errors"

// Sentinel errors shared by store and cache implementations.
var (
	// ErrNotFound signals that the requested job does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrJobExists signals a duplicate job id on create.
	ErrJobExists = errors.New("job already exists")
	// ErrInvalidTransition signals a state-machine violation.
	ErrInvalidTransition = errors.New("invalid job transition")
	// ErrTooLarge signals a payload that exceeds the cache capacity.
	ErrTooLarge = errors.New("payload exceeds cache capacity")
)

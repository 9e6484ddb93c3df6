package reconcile

import "errors"

var (
	// ErrFetch marks a collaborator I/O failure. It aborts the run before
	// anything is written.
	ErrFetch = errors.New("fetch failure")

	// ErrMalformedObservedEvent marks an observation the pre-filter drops.
	ErrMalformedObservedEvent = errors.New("malformed observed event")
)

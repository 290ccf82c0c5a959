package offer

import "errors"

var (
	// ErrInvalid reports a malformed create or accept request.
	ErrInvalid = errors.New("invalid offer request")

	// ErrConflict reports a lost race: the compare-and-swap predicate did
	// not match because the offer already left pending. Not retryable
	// without re-reading state.
	ErrConflict = errors.New("offer already accepted or expired")

	// ErrCreation reports a failed durable write during Create. No jobs
	// are scheduled when it is returned.
	ErrCreation = errors.New("offer creation failed")

	// ErrConsistency reports a durable update that failed after the
	// ephemeral transition already succeeded. The ephemeral rollback has
	// been attempted by the time it surfaces.
	ErrConsistency = errors.New("durable store disagreed after status transition")
)

package engine

import "errors"

// Sentinel errors shared across subsystems. Admission-time failures are never
// retried; the remaining classes are handled by the worker retry policy.
var (
	// ErrInvalidRequest marks a malformed submission rejected at admission.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrCapacity marks a submission whose expansion would exceed the
	// durable queue ceiling.
	ErrCapacity = errors.New("queue capacity exceeded")

	// ErrNotFound is returned by stores for unknown job or lead keys.
	ErrNotFound = errors.New("not found")

	// ErrNoEligibleTarget is returned by a lease attempt when nothing is
	// currently claimable.
	ErrNoEligibleTarget = errors.New("no eligible target")

	// ErrJobCancelled is observed by sessions at state-transition
	// boundaries after a cooperative cancellation.
	ErrJobCancelled = errors.New("job cancelled")
)

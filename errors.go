package mongolock

import "errors"

var (
	// ErrLocked is returned when a lock could not be acquired, either
	// immediately (no timeout given) or after the timeout elapsed.
	ErrLocked = errors.New("lock already held")
	// ErrNotHeld is returned when releasing or renewing a lock the caller
	// does not hold.
	ErrNotHeld = errors.New("lock not held")
	// ErrConsistency is returned when the store reports more than one record
	// affected by a single-key update. It signals a broken identity
	// invariant in the store and must not be retried.
	ErrConsistency = errors.New("consistency violation")
)

package workflow

import (
	"errors"

	"bitbucket.org/mmdatafocus/clearance_backend/models"
)

var (
	// ErrStatusMismatch: the caller's expected status is stale. Refetch and retry.
	ErrStatusMismatch = errors.New("status mismatch")
	// ErrLockContention: another actor is mid-transition on the request. Retry later.
	ErrLockContention = errors.New("request is locked by another actor")
	// ErrNotEligible: the actor may not act at the current stage.
	ErrNotEligible = errors.New("actor is not eligible for the current stage")
	// ErrNoEligibleWorkers: assignment found nobody; the request stays parked.
	ErrNoEligibleWorkers = errors.New("no eligible workers")
	// ErrAlreadyFinal: the request is terminal, nothing was changed.
	ErrAlreadyFinal = errors.New("request is already final")

	ErrInvalidTransition = errors.New("invalid transition")
	ErrInvalidSnapshot   = errors.New("invalid snapshot")
	ErrRequestNotFound   = models.ErrRequestNotFound
	ErrSnapshotNotFound  = models.ErrSnapshotNotFound
)

// IsRetryable reports whether the caller may refetch and try the same transition again.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStatusMismatch) || errors.Is(err, ErrLockContention)
}

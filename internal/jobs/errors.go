package jobs

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates the job does not exist.
	ErrNotFound = errors.New("job not found")
	// ErrAlreadyActive indicates a non-terminal job already exists for the
	// subject and kind.
	ErrAlreadyActive = errors.New("job already active")
	// ErrAlreadyClaimed indicates another worker won the claim race.
	ErrAlreadyClaimed = errors.New("job already claimed")
	// ErrAlreadyTerminal indicates the job can no longer be changed.
	ErrAlreadyTerminal = errors.New("job already terminal")
	// ErrConflictingOutcome indicates a terminal job was asked to record a
	// different outcome.
	ErrConflictingOutcome = errors.New("conflicting terminal outcome")
	// ErrClaimLost indicates the caller's claim token no longer owns the job,
	// usually because the job was reclaimed and re-dispatched.
	ErrClaimLost = errors.New("job claim lost")
	// ErrVersionConflict indicates the job changed since it was read.
	ErrVersionConflict = errors.New("job version conflict")
	// ErrNotRecoverable indicates the job is not in a state recovery can act on.
	ErrNotRecoverable = errors.New("job not recoverable")
	// ErrSubjectBusy indicates a subject still has active jobs that an operator
	// has not released for purge.
	ErrSubjectBusy = errors.New("subject has active jobs")
)

func statusError(marker error, job *Job) error {
	return fmt.Errorf("%w: job %s is %s", marker, job.ID, job.Status)
}

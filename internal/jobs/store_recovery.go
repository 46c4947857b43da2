package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Requeue resets a stale non-terminal job to PENDING for an automatic retry.
// The update is conditional on the version the caller observed, so a
// heartbeat or completion that lands first wins and the retry is rejected
// with ErrVersionConflict.
func (s *Store) Requeue(ctx context.Context, id string, version int64, reason string) (*Job, error) {
	now := formatTime(s.Now())
	job, err := s.transition(ctx,
		`status = ?, retry_count = retry_count + 1, queued_at = ?, started_at = NULL, last_update_at = NULL,
         updated_at = ?, claim_token = NULL, worker_handle = NULL, progress = 0, error_message = ?, error_kind = ?`,
		`id = ? AND version = ? AND status IN (`+activeStatusList()+`)`,
		[]any{string(StatusPending), now, now, nullableString(reason), string(ErrorKindInfrastructure), id, version},
		func(tx *sql.Tx, job *Job) error {
			return s.recordAttempt(ctx, tx, job.ID, job.RetryCount, outcomeRetried, reason)
		},
	)
	if errors.Is(err, errNoMatch) {
		return nil, s.recoveryConflict(ctx, id, version)
	}
	if err != nil {
		return nil, fmt.Errorf("requeue job: %w", err)
	}
	return job, nil
}

// Orphan parks a job that exhausted its retries. Stale active jobs and
// transient ERROR jobs may be orphaned; the original failure class of an
// ERROR job is kept.
func (s *Store) Orphan(ctx context.Context, id string, version int64, reason string) (*Job, error) {
	now := formatTime(s.Now())
	job, err := s.transition(ctx,
		`status = ?, orphaned_at = ?, updated_at = ?, claim_token = NULL,
         error_message = COALESCE(?, error_message),
         error_kind = CASE WHEN status = ? THEN error_kind ELSE ? END`,
		`id = ? AND version = ? AND status IN (`+activeStatusList()+`, ?)`,
		[]any{string(StatusOrphaned), now, now, nullableString(reason), string(StatusError), string(ErrorKindInfrastructure), id, version, string(StatusError)},
		func(tx *sql.Tx, job *Job) error {
			return s.recordAttempt(ctx, tx, job.ID, job.RetryCount+1, outcomeOrphaned, reason)
		},
	)
	if errors.Is(err, errNoMatch) {
		return nil, s.recoveryConflict(ctx, id, version)
	}
	if err != nil {
		return nil, fmt.Errorf("orphan job: %w", err)
	}
	return job, nil
}

// ReclaimCancelled finishes a stale job whose cancellation was requested but
// whose worker never acknowledged it.
func (s *Store) ReclaimCancelled(ctx context.Context, id string, version int64) (*Job, error) {
	now := formatTime(s.Now())
	job, err := s.transition(ctx,
		`status = ?, completed_at = ?, updated_at = ?, claim_token = NULL, error_message = NULL, error_kind = NULL`,
		`id = ? AND version = ? AND cancellation_requested = 1 AND status IN (`+activeStatusList()+`)`,
		[]any{string(StatusCancelled), now, now, id, version},
		func(tx *sql.Tx, job *Job) error {
			return s.recordAttempt(ctx, tx, job.ID, job.RetryCount+1, outcomeCancelled, "worker stopped before acknowledging cancellation")
		},
	)
	if errors.Is(err, errNoMatch) {
		return nil, s.recoveryConflict(ctx, id, version)
	}
	if err != nil {
		return nil, fmt.Errorf("reclaim cancelled job: %w", err)
	}
	return job, nil
}

// Revive returns an ORPHANED job to PENDING on operator request, bypassing
// the retry ceiling for this one attempt. If another job for the same subject
// and kind became active meanwhile, the revive fails with ErrAlreadyActive.
func (s *Store) Revive(ctx context.Context, id string, version int64, reason string) (*Job, error) {
	now := formatTime(s.Now())
	job, err := s.transition(ctx,
		`status = ?, retry_count = retry_count + 1, queued_at = ?, started_at = NULL, last_update_at = NULL,
         orphaned_at = NULL, completed_at = NULL, updated_at = ?, claim_token = NULL, worker_handle = NULL,
         progress = 0, cancellation_requested = 0, force_delete_eligible = 0`,
		`id = ? AND version = ? AND status = ?`,
		[]any{string(StatusPending), now, now, id, version, string(StatusOrphaned)},
		func(tx *sql.Tx, job *Job) error {
			return s.recordAttempt(ctx, tx, job.ID, job.RetryCount, outcomeRecovered, reason)
		},
	)
	switch {
	case errors.Is(err, errNoMatch):
		return nil, s.recoveryConflict(ctx, id, version)
	case isUniqueViolation(err):
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		active, lookupErr := s.ActiveFor(ctx, current.SubjectID, current.Kind)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if active != nil {
			return nil, fmt.Errorf("%w: job %s already covers subject %s", ErrAlreadyActive, active.ID, current.SubjectID)
		}
		return nil, fmt.Errorf("%w: subject %s", ErrAlreadyActive, current.SubjectID)
	case err != nil:
		return nil, fmt.Errorf("revive job: %w", err)
	}
	return job, nil
}

// SetForceDeleteEligible marks a job's subject as purgeable even though the
// job has not reached a terminal status.
func (s *Store) SetForceDeleteEligible(ctx context.Context, id string) (*Job, error) {
	ctx = ensureContext(ctx)
	var job *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		updated, err := casUpdate(ctx, tx,
			`force_delete_eligible = 1, updated_at = ?`,
			`id = ? AND status IN (`+activeStatusList()+`, ?)`,
			formatTime(s.Now()), id, string(StatusOrphaned),
		)
		if err != nil {
			return err
		}
		job = updated
		return nil
	})
	if errors.Is(err, errNoMatch) {
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, statusError(ErrAlreadyTerminal, current)
	}
	if err != nil {
		return nil, fmt.Errorf("set force delete: %w", err)
	}
	return job, nil
}

// PurgeSubject deletes every job for the owner's subject together with the
// rows the writers remove. It refuses while an active job has not been
// released with SetForceDeleteEligible.
func (s *Store) PurgeSubject(ctx context.Context, ownerID, subjectID string, writes ...TxWriter) (int64, error) {
	ctx = ensureContext(ctx)
	var deleted int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var blocking int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(1) FROM jobs WHERE owner_id = ? AND subject_id = ? AND status IN (`+activeStatusList()+`) AND force_delete_eligible = 0`,
			ownerID, subjectID,
		).Scan(&blocking); err != nil {
			return err
		}
		if blocking > 0 {
			return fmt.Errorf("%w: %d active job(s) for subject %s", ErrSubjectBusy, blocking, subjectID)
		}
		for _, write := range writes {
			if write == nil {
				continue
			}
			if err := write(ctx, tx); err != nil {
				return err
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM jobs WHERE owner_id = ? AND subject_id = ?`, ownerID, subjectID)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge subject: %w", err)
	}
	return deleted, nil
}

func (s *Store) recoveryConflict(ctx context.Context, id string, version int64) error {
	current, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if current.Version != version {
		return fmt.Errorf("%w: job %s at version %d, expected %d", ErrVersionConflict, id, current.Version, version)
	}
	return statusError(ErrNotRecoverable, current)
}

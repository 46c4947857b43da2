package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// errNoMatch reports that a conditional update matched no row.
var errNoMatch = errors.New("no matching job")

func casUpdate(ctx context.Context, tx *sql.Tx, set, where string, args ...any) (*Job, error) {
	row := tx.QueryRowContext(ctx,
		`UPDATE jobs SET `+set+`, version = version + 1 WHERE `+where+` RETURNING `+jobColumns,
		args...,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNoMatch
	}
	return job, err
}

// transition applies a conditional status change, runs the follow-up writes
// in the same transaction, and fires transition hooks after commit.
func (s *Store) transition(ctx context.Context, set, where string, args []any, after func(tx *sql.Tx, job *Job) error) (*Job, error) {
	ctx = ensureContext(ctx)
	var job *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		updated, err := casUpdate(ctx, tx, set, where, args...)
		if err != nil {
			return err
		}
		if after != nil {
			if err := after(tx, updated); err != nil {
				return err
			}
		}
		job = updated
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.notify(ctx, job)
	return job, nil
}

// Claim transitions a PENDING job to PROCESSING for the calling worker and
// issues the claim token that fences every later write from that worker.
func (s *Store) Claim(ctx context.Context, id, workerHandle string) (*Job, error) {
	now := formatTime(s.Now())
	job, err := s.transition(ctx,
		`status = ?, started_at = ?, last_update_at = ?, updated_at = ?, claim_token = ?, worker_handle = ?, progress = 0`,
		`id = ? AND status = ?`,
		[]any{string(StatusProcessing), now, now, now, uuid.NewString(), nullableString(workerHandle), id, string(StatusPending)},
		nil,
	)
	if errors.Is(err, errNoMatch) {
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, statusError(ErrAlreadyClaimed, current)
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return job, nil
}

// Heartbeat refreshes last_update_at and progress for an owned job. A
// negative progress leaves the stored value untouched. When the caller no
// longer owns the job the heartbeat is a no-op that returns DirectiveStop.
func (s *Store) Heartbeat(ctx context.Context, id, claimToken string, progress float64) (Directive, error) {
	ctx = ensureContext(ctx)
	if progress > 1 {
		progress = 1
	}
	now := formatTime(s.Now())
	var cancelFlag int64
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx,
			`UPDATE jobs SET last_update_at = ?, updated_at = ?,
                 progress = CASE WHEN ? < 0 THEN progress ELSE ? END,
                 version = version + 1
             WHERE id = ? AND claim_token = ? AND status IN (?, ?)
             RETURNING cancellation_requested`,
			now, now, progress, progress, id, claimToken, string(StatusProcessing), string(StatusCancelling),
		).Scan(&cancelFlag)
	})
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := s.Get(ctx, id); getErr != nil {
			return DirectiveStop, getErr
		}
		return DirectiveStop, nil
	}
	if err != nil {
		return DirectiveContinue, fmt.Errorf("heartbeat: %w", err)
	}
	if cancelFlag != 0 {
		return DirectiveCancel, nil
	}
	return DirectiveContinue, nil
}

// Complete records a successful outcome. The writers run in the same
// transaction, so their rows exist only if the job is COMPLETED. Completing a
// job again with the same result reference is a no-op; any other outcome is
// rejected.
func (s *Store) Complete(ctx context.Context, id, claimToken, resultRef string, writes ...TxWriter) (*Job, error) {
	now := formatTime(s.Now())
	job, err := s.transition(ctx,
		`status = ?, completed_at = ?, last_update_at = ?, updated_at = ?, progress = 1, result_ref = ?, error_message = NULL, error_kind = NULL`,
		`id = ? AND claim_token = ? AND status = ?`,
		[]any{string(StatusCompleted), now, now, now, nullableString(resultRef), id, claimToken, string(StatusProcessing)},
		func(tx *sql.Tx, job *Job) error {
			if err := s.recordAttempt(ctx, tx, job.ID, job.RetryCount+1, outcomeCompleted, resultRef); err != nil {
				return err
			}
			for _, write := range writes {
				if write == nil {
					continue
				}
				if err := write(ctx, tx); err != nil {
					return err
				}
			}
			return nil
		},
	)
	if errors.Is(err, errNoMatch) {
		return s.resolveOutcome(ctx, id, func(current *Job) bool {
			return current.Status == StatusCompleted && current.ResultRef == resultRef
		})
	}
	if err != nil {
		return nil, fmt.Errorf("complete job: %w", err)
	}
	return job, nil
}

// Fail records a failed outcome with its classification. Failing again with
// the same message is a no-op; any other outcome is rejected.
func (s *Store) Fail(ctx context.Context, id, claimToken, message string, kind ErrorKind) (*Job, error) {
	if kind == ErrorKindNone {
		kind = ErrorKindTransient
	}
	now := formatTime(s.Now())
	job, err := s.transition(ctx,
		`status = ?, completed_at = ?, updated_at = ?, error_message = ?, error_kind = ?`,
		`id = ? AND claim_token = ? AND status IN (?, ?)`,
		[]any{string(StatusError), now, now, nullableString(message), string(kind), id, claimToken, string(StatusProcessing), string(StatusCancelling)},
		func(tx *sql.Tx, job *Job) error {
			return s.recordAttempt(ctx, tx, job.ID, job.RetryCount+1, outcomeFailed, message)
		},
	)
	if errors.Is(err, errNoMatch) {
		return s.resolveOutcome(ctx, id, func(current *Job) bool {
			return current.Status == StatusError && current.ErrorMessage == message
		})
	}
	if err != nil {
		return nil, fmt.Errorf("fail job: %w", err)
	}
	return job, nil
}

// BeginCancelling moves an owned PROCESSING job to CANCELLING after the
// worker observed a cancellation request.
func (s *Store) BeginCancelling(ctx context.Context, id, claimToken string) (*Job, error) {
	now := formatTime(s.Now())
	job, err := s.transition(ctx,
		`status = ?, updated_at = ?, last_update_at = ?`,
		`id = ? AND claim_token = ? AND status = ?`,
		[]any{string(StatusCancelling), now, now, id, claimToken, string(StatusProcessing)},
		nil,
	)
	if errors.Is(err, errNoMatch) {
		return s.resolveOutcome(ctx, id, func(current *Job) bool {
			return current.Status == StatusCancelling && current.ClaimToken == claimToken
		})
	}
	if err != nil {
		return nil, fmt.Errorf("begin cancelling: %w", err)
	}
	return job, nil
}

// FinishCancelled moves an owned CANCELLING job to CANCELLED. Cancellation is
// not a failure, so any previous error text is cleared.
func (s *Store) FinishCancelled(ctx context.Context, id, claimToken string) (*Job, error) {
	now := formatTime(s.Now())
	job, err := s.transition(ctx,
		`status = ?, completed_at = ?, updated_at = ?, error_message = NULL, error_kind = NULL`,
		`id = ? AND claim_token = ? AND status = ?`,
		[]any{string(StatusCancelled), now, now, id, claimToken, string(StatusCancelling)},
		func(tx *sql.Tx, job *Job) error {
			return s.recordAttempt(ctx, tx, job.ID, job.RetryCount+1, outcomeCancelled, "")
		},
	)
	if errors.Is(err, errNoMatch) {
		return s.resolveOutcome(ctx, id, func(current *Job) bool {
			return current.Status == StatusCancelled
		})
	}
	if err != nil {
		return nil, fmt.Errorf("finish cancelled: %w", err)
	}
	return job, nil
}

// resolveOutcome explains why an owned transition matched no row. A job that
// already holds the requested outcome is returned unchanged.
func (s *Store) resolveOutcome(ctx context.Context, id string, same func(*Job) bool) (*Job, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case same(current):
		return current, nil
	case current.Status.IsTerminal():
		return nil, statusError(ErrConflictingOutcome, current)
	default:
		return nil, statusError(ErrClaimLost, current)
	}
}

// RequestCancellation flags a job for cooperative cancellation. Active jobs
// keep their status until the worker reacts. An ORPHANED job has no worker
// to react, so it is cancelled directly.
func (s *Store) RequestCancellation(ctx context.Context, id string) (*Job, error) {
	ctx = ensureContext(ctx)
	now := formatTime(s.Now())
	var job *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		updated, err := casUpdate(ctx, tx,
			`cancellation_requested = 1, updated_at = ?`,
			`id = ? AND status IN (`+activeStatusList()+`)`,
			now, id,
		)
		if err != nil {
			return err
		}
		job = updated
		return nil
	})
	if err == nil {
		return job, nil
	}
	if !errors.Is(err, errNoMatch) {
		return nil, fmt.Errorf("request cancellation: %w", err)
	}

	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status == StatusOrphaned {
		cancelled, err := s.transition(ctx,
			`status = ?, cancellation_requested = 1, completed_at = ?, updated_at = ?, claim_token = NULL, error_message = NULL, error_kind = NULL, force_delete_eligible = 0`,
			`id = ? AND status = ? AND version = ?`,
			[]any{string(StatusCancelled), now, now, id, string(StatusOrphaned), current.Version},
			func(tx *sql.Tx, job *Job) error {
				return s.recordAttempt(ctx, tx, job.ID, job.RetryCount+1, outcomeCancelled, "cancelled while orphaned")
			},
		)
		if errors.Is(err, errNoMatch) {
			return nil, fmt.Errorf("%w: job %s changed during cancellation", ErrVersionConflict, id)
		}
		return cancelled, err
	}
	return nil, statusError(ErrAlreadyTerminal, current)
}

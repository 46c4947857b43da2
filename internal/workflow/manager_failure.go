package workflow

import (
	"context"
	"errors"
	"strings"
	"time"

	"diarist/internal/jobs"
	"diarist/internal/logging"
	"diarist/internal/services"
)

// finishTimeout bounds the final store writes of a run. They use a context
// detached from shutdown so an interrupted run can still record why it
// stopped.
const finishTimeout = 30 * time.Second

// finish commits the run's outcome and returns the outcome label for metrics.
func (m *Manager) finish(ctx context.Context, run *Run, outcome Outcome, execErr error) (string, error) {
	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()
	logger := m.runLogger(run)

	switch {
	case execErr == nil:
		return m.complete(storeCtx, run, outcome)
	case services.IsCancellation(execErr) && run.CancelRequested():
		return m.cancelled(storeCtx, run)
	case services.IsCancellation(execErr) && ctx.Err() != nil:
		execErr = services.Wrap(services.ErrTransient, "workflow", "execute", "interrupted by shutdown", execErr)
	}

	kind := services.FailureKind(execErr)
	message := classifyFailure(execErr)
	if _, err := m.store.Fail(storeCtx, run.Job.ID, run.Job.ClaimToken, message, kind); err != nil {
		m.setLastError(err)
		// The job stays PROCESSING with a frozen heartbeat; the detector
		// reclaims it.
		logger.Error("failed to record job failure",
			logging.Error(err),
			logging.String("failure", message),
			logging.String(logging.FieldEventType, "fail_not_recorded"),
			logging.String(logging.FieldErrorHint, "check job database access"),
			logging.String(logging.FieldImpact, "job left for stuck detection"),
		)
		return "failed", err
	}
	m.setLastError(execErr)

	attrs := []logging.Attr{
		logging.String("error_kind", string(kind)),
		logging.String("error_message", message),
		logging.Duration("run_duration", time.Since(run.started)),
		logging.Alert("job_failure"),
		logging.Error(execErr),
		logging.String(logging.FieldEventType, "job_failure"),
	}
	if kind == jobs.ErrorKindPermanent {
		attrs = append(attrs, logging.String(logging.FieldErrorHint, "input cannot succeed on retry; fix the subject and dispatch again"))
	} else {
		attrs = append(attrs, logging.String(logging.FieldErrorHint, "recovery will retry while attempts remain"))
	}
	logger.Error("job failed", logging.Args(attrs...)...)
	return "failed", execErr
}

func (m *Manager) complete(ctx context.Context, run *Run, outcome Outcome) (string, error) {
	logger := m.runLogger(run)
	job, err := m.store.Complete(ctx, run.Job.ID, run.Job.ClaimToken, outcome.ResultRef, outcome.Writes...)
	if err != nil {
		switch {
		case errors.Is(err, jobs.ErrClaimLost), errors.Is(err, jobs.ErrConflictingOutcome):
			logger.Warn("completion rejected; job changed hands",
				logging.Error(err),
				logging.String(logging.FieldEventType, "complete_rejected"),
				logging.String(logging.FieldImpact, "results of this run are discarded"),
			)
			return "abandoned", err
		default:
			// The writers or the store failed and nothing was committed.
			logger.Warn("completion failed; recording failure", logging.Error(err))
			return m.finishWithFailure(ctx, run, err)
		}
	}
	m.setLastJob(job)
	if outcome.OnCommit != nil {
		outcome.OnCommit()
	}
	logger.Info("job completed",
		logging.String(logging.FieldEventType, "job_complete"),
		logging.String("result_ref", job.ResultRef),
		logging.Duration("run_duration", time.Since(run.started)),
	)
	for _, req := range outcome.FollowUps {
		next, err := m.store.Dispatch(ctx, req)
		switch {
		case errors.Is(err, jobs.ErrAlreadyActive):
			logger.Debug("follow-up already active", logging.String(logging.FieldKind, string(req.Kind)))
		case err != nil:
			logger.Warn("follow-up dispatch failed",
				logging.String(logging.FieldKind, string(req.Kind)),
				logging.Error(err),
				logging.String(logging.FieldEventType, "follow_up_failed"),
				logging.String(logging.FieldErrorHint, "dispatch the follow-up manually"),
			)
		default:
			logger.Info("follow-up dispatched",
				logging.String("follow_up_job", next.ID),
				logging.String(logging.FieldKind, string(next.Kind)),
			)
		}
	}
	return "completed", nil
}

func (m *Manager) finishWithFailure(ctx context.Context, run *Run, cause error) (string, error) {
	if _, err := m.store.Fail(ctx, run.Job.ID, run.Job.ClaimToken, classifyFailure(cause), services.FailureKind(cause)); err != nil {
		m.setLastError(err)
		m.runLogger(run).Error("failed to record job failure", logging.Error(err),
			logging.String(logging.FieldEventType, "fail_not_recorded"))
		return "failed", err
	}
	m.setLastError(cause)
	return "failed", cause
}

func (m *Manager) cancelled(ctx context.Context, run *Run) (string, error) {
	logger := m.runLogger(run)
	if _, err := m.store.BeginCancelling(ctx, run.Job.ID, run.Job.ClaimToken); err != nil {
		logger.Warn("failed to acknowledge cancellation", logging.Error(err))
		return "cancelled", err
	}
	job, err := m.store.FinishCancelled(ctx, run.Job.ID, run.Job.ClaimToken)
	if err != nil {
		logger.Warn("failed to finish cancellation", logging.Error(err))
		return "cancelled", err
	}
	m.setLastJob(job)
	logger.Info("job cancelled",
		logging.String(logging.FieldEventType, "job_cancelled"),
		logging.Duration("run_duration", time.Since(run.started)),
	)
	return "cancelled", nil
}

// classifyFailure turns a handler error into the message stored on the job.
func classifyFailure(err error) string {
	if err == nil {
		return "job failed without error detail"
	}
	message := strings.TrimSpace(err.Error())
	if message == "" {
		return "job failed"
	}
	return message
}

package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"diarist/internal/config"
	"diarist/internal/jobs"
	"diarist/internal/logging"
)

// Recovery actions.
const (
	ActionRequeued          = "requeued"
	ActionOrphaned          = "orphaned"
	ActionCancelled         = "cancelled"
	ActionRetried           = "retried"
	ActionRevived           = "revived"
	ActionDeleteEligible    = "force_delete_eligible"
	ActionSkipped           = "skipped"
	ActionFailed            = "failed"
	emergencyRecoveryReason = "emergency recovery"
)

// Decision is the result of recovering one job.
type Decision struct {
	JobID  string    `json:"job_id"`
	Action string    `json:"action"`
	Reason string    `json:"reason,omitempty"`
	Job    *jobs.Job `json:"job,omitempty"`
	Err    error     `json:"-"`
}

// Error returns the failure message, if any.
func (d Decision) Error() string {
	if d.Err == nil {
		return ""
	}
	return d.Err.Error()
}

// Policy decides what happens to stuck, failed, and orphaned jobs.
type Policy struct {
	store       *jobs.Store
	limiter     *rate.Limiter
	orphanGrace time.Duration
	logger      *slog.Logger
	recorder    Recorder
}

// NewPolicy builds a recovery policy. Re-dispatch is paced by the
// configured rate so a mass failure does not flood the pool at once.
func NewPolicy(cfg *config.Config, store *jobs.Store, logger *slog.Logger, recorder Recorder) *Policy {
	if logger == nil {
		logger = logging.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	limit := rate.Inf
	if cfg.Recovery.RedispatchPerSecond > 0 {
		limit = rate.Limit(cfg.Recovery.RedispatchPerSecond)
	}
	burst := cfg.Recovery.RedispatchBurst
	if burst <= 0 {
		burst = 1
	}
	return &Policy{
		store:       store,
		limiter:     rate.NewLimiter(limit, burst),
		orphanGrace: cfg.OrphanGrace(),
		logger:      logging.NewComponentLogger(logger, "recovery"),
		recorder:    recorder,
	}
}

// Recover applies the retry policy to one stuck job. A job whose
// cancellation was requested is finished as CANCELLED, a job at its retry
// ceiling is ORPHANED, and anything else goes back to PENDING with its retry
// count incremented. When the record changed since detection the job is
// skipped.
func (p *Policy) Recover(ctx context.Context, stuck Stuck) Decision {
	job := stuck.Job
	logger := p.logger.With(
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldKind, string(job.Kind)),
		logging.String(logging.FieldSubjectID, job.SubjectID),
	)
	decision := Decision{JobID: job.ID, Reason: stuck.Reason}

	var (
		updated *jobs.Job
		err     error
	)
	switch {
	case job.CancellationRequested:
		decision.Action = ActionCancelled
		updated, err = p.store.ReclaimCancelled(ctx, job.ID, job.Version)
	case job.RetriesExhausted():
		decision.Action = ActionOrphaned
		updated, err = p.store.Orphan(ctx, job.ID, job.Version,
			fmt.Sprintf("%s after %d retries", stuck.Reason, job.RetryCount))
	default:
		if err = p.limiter.Wait(ctx); err != nil {
			decision.Action = ActionSkipped
			decision.Err = err
			return decision
		}
		decision.Action = ActionRequeued
		updated, err = p.store.Requeue(ctx, job.ID, job.Version, stuck.Reason)
	}
	if err != nil {
		return p.skip(logger, decision, err)
	}
	decision.Job = updated

	switch decision.Action {
	case ActionOrphaned:
		p.recorder.JobOrphaned(job.Kind)
		logger.Warn("job orphaned after exhausting retries",
			logging.Args(append(logging.DecisionAttrs("recovery", ActionOrphaned, stuck.Reason),
				logging.Int("retry_count", updated.RetryCount),
				logging.String(logging.FieldAlert, "job_orphaned"),
				logging.String(logging.FieldImpact, "manual recovery required"),
			)...)...,
		)
	case ActionRequeued:
		p.recorder.JobRetried(job.Kind)
		logger.Info("stuck job requeued",
			logging.Args(append(logging.DecisionAttrs("recovery", ActionRequeued, stuck.Reason),
				logging.Int("retry_count", updated.RetryCount),
				logging.Duration("age", stuck.Age),
			)...)...,
		)
	default:
		logger.Info("cancelled job reclaimed",
			logging.Args(logging.DecisionAttrs("recovery", decision.Action, stuck.Reason)...)...,
		)
	}
	return decision
}

func (p *Policy) skip(logger *slog.Logger, decision Decision, err error) Decision {
	if errors.Is(err, jobs.ErrVersionConflict) || errors.Is(err, jobs.ErrNotRecoverable) || errors.Is(err, jobs.ErrAlreadyActive) {
		logger.Debug("recovery skipped; job moved since detection",
			logging.Args(append(logging.DecisionAttrs("recovery", ActionSkipped, err.Error()),
				logging.String("intended_action", decision.Action),
			)...)...,
		)
		decision.Action = ActionSkipped
		decision.Reason = err.Error()
		return decision
	}
	logger.Error("recovery failed",
		logging.Error(err),
		logging.String("intended_action", decision.Action),
		logging.String(logging.FieldEventType, "recovery_failed"),
		logging.String(logging.FieldErrorHint, "check job database access"),
	)
	decision.Action = ActionFailed
	decision.Err = err
	return decision
}

// RetryFailures creates successor jobs for transient and infrastructure
// failures that have not been retried yet. The successor carries the
// failed job's retry count plus one; failures at the ceiling are orphaned.
func (p *Policy) RetryFailures(ctx context.Context) ([]Decision, error) {
	failed, err := p.store.ListUnresolvedFailures(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Decision, 0, len(failed))
	for _, job := range failed {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		logger := p.logger.With(
			logging.String(logging.FieldJobID, job.ID),
			logging.String(logging.FieldKind, string(job.Kind)),
			logging.String(logging.FieldSubjectID, job.SubjectID),
		)
		reason := string(job.ErrorKind) + " failure"
		decision := Decision{JobID: job.ID, Reason: reason}

		if job.RetriesExhausted() {
			decision.Action = ActionOrphaned
			updated, err := p.store.Orphan(ctx, job.ID, job.Version, "")
			if err != nil {
				out = append(out, p.skip(logger, decision, err))
				continue
			}
			decision.Job = updated
			p.recorder.JobOrphaned(job.Kind)
			logger.Warn("failed job orphaned after exhausting retries",
				logging.Args(append(logging.DecisionAttrs("recovery", ActionOrphaned, reason),
					logging.Int("retry_count", job.RetryCount),
					logging.String(logging.FieldAlert, "job_orphaned"),
				)...)...,
			)
			out = append(out, decision)
			continue
		}

		if err := p.limiter.Wait(ctx); err != nil {
			return out, err
		}
		decision.Action = ActionRetried
		successor, err := p.store.Dispatch(ctx, jobs.DispatchRequest{
			OwnerID:    job.OwnerID,
			SubjectID:  job.SubjectID,
			Kind:       job.Kind,
			MaxRetries: job.MaxRetries,
			Params:     job.Params,
			RetryOf:    job.ID,
			RetryCount: job.RetryCount + 1,
		})
		if err != nil {
			out = append(out, p.skip(logger, decision, err))
			continue
		}
		decision.Job = successor
		p.recorder.JobRetried(job.Kind)
		logger.Info("failed job retried",
			logging.Args(append(logging.DecisionAttrs("recovery", ActionRetried, reason),
				logging.String("successor_id", successor.ID),
				logging.Int("retry_count", successor.RetryCount),
			)...)...,
		)
		out = append(out, decision)
	}
	return out, nil
}

// ReleaseOrphans marks orphans older than the grace period as force-delete
// eligible so their subjects can be purged.
func (p *Policy) ReleaseOrphans(ctx context.Context) ([]Decision, error) {
	orphans, err := p.store.ListByStatus(ctx, jobs.StatusOrphaned)
	if err != nil {
		return nil, err
	}
	now := p.store.Now()
	var out []Decision
	for _, job := range orphans {
		if job.ForceDeleteEligible || job.OrphanedAt == nil || now.Sub(*job.OrphanedAt) < p.orphanGrace {
			continue
		}
		decision := Decision{JobID: job.ID, Action: ActionDeleteEligible, Reason: "orphan grace elapsed"}
		updated, err := p.store.SetForceDeleteEligible(ctx, job.ID)
		if err != nil {
			if errors.Is(err, jobs.ErrAlreadyTerminal) {
				continue
			}
			decision.Action = ActionFailed
			decision.Err = err
			out = append(out, decision)
			continue
		}
		decision.Job = updated
		p.recorder.JobDeleteEligible()
		p.logger.Info("orphan released for deletion",
			logging.String(logging.FieldJobID, job.ID),
			logging.String(logging.FieldSubjectID, job.SubjectID),
			logging.Duration("orphaned_for", now.Sub(*job.OrphanedAt)),
			logging.String(logging.FieldEventType, "orphan_delete_eligible"),
		)
		out = append(out, decision)
	}
	return out, nil
}

// EmergencyRecovery returns the given ORPHANED jobs to PENDING, bypassing
// the retry ceiling once. Jobs in any other status are reported with
// jobs.ErrNotRecoverable and left untouched.
func (p *Policy) EmergencyRecovery(ctx context.Context, ids []string) []Decision {
	out := make([]Decision, 0, len(ids))
	for _, id := range ids {
		decision := Decision{JobID: id, Reason: emergencyRecoveryReason}
		job, err := p.store.Get(ctx, id)
		if err != nil {
			decision.Action = ActionFailed
			decision.Err = err
			out = append(out, decision)
			continue
		}
		if job.Status != jobs.StatusOrphaned {
			decision.Action = ActionFailed
			decision.Err = fmt.Errorf("%w: job %s is %s", jobs.ErrNotRecoverable, id, job.Status)
			out = append(out, decision)
			continue
		}
		revived, err := p.store.Revive(ctx, id, job.Version, emergencyRecoveryReason)
		if err != nil {
			decision.Action = ActionFailed
			decision.Err = err
			out = append(out, decision)
			continue
		}
		decision.Action = ActionRevived
		decision.Job = revived
		p.recorder.JobRevived()
		p.logger.Warn("orphaned job revived by operator",
			logging.Args(append(logging.DecisionAttrs("recovery", ActionRevived, emergencyRecoveryReason),
				logging.String(logging.FieldJobID, id),
				logging.Int("retry_count", revived.RetryCount),
			)...)...,
		)
		out = append(out, decision)
	}
	return out
}

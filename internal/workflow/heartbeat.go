package workflow

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"diarist/internal/jobs"
	"diarist/internal/logging"
)

// errRunAbandoned is the cause attached to a run's context when its job is
// no longer owned by this worker.
var errRunAbandoned = errors.New("job no longer owned by this worker")

// HeartbeatMonitor keeps claimed jobs fresh while their handlers run.
type HeartbeatMonitor struct {
	store    *jobs.Store
	logger   *slog.Logger
	interval time.Duration
}

// NewHeartbeatMonitor creates a new monitor.
func NewHeartbeatMonitor(store *jobs.Store, logger *slog.Logger, interval time.Duration) *HeartbeatMonitor {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &HeartbeatMonitor{store: store, logger: logger, interval: interval}
}

// StartLoop heartbeats the run until ctx ends. A cancel directive flags the
// run for its next checkpoint; a stop directive abandons the run by
// cancelling its context with errRunAbandoned.
func (h *HeartbeatMonitor) StartLoop(ctx context.Context, wg *sync.WaitGroup, run *Run, abandon context.CancelCauseFunc) {
	defer wg.Done()
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	logger := logging.WithContext(ctx, h.logger.With(logging.String(logging.FieldComponent, "workflow-heartbeat")))

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			directive, err := h.store.Heartbeat(ctx, run.Job.ID, run.Job.ClaimToken, run.Progress())
			if err != nil {
				if errors.Is(err, context.Canceled) {
					logger.Debug("heartbeat stopped with run")
				} else {
					logger.Warn("heartbeat update failed",
						logging.Error(err),
						logging.String(logging.FieldEventType, "heartbeat_failed"),
						logging.String(logging.FieldErrorHint, "check job database access"),
						logging.String(logging.FieldImpact, "job may be flagged stuck if heartbeats keep failing"),
					)
				}
				continue
			}
			switch directive {
			case jobs.DirectiveCancel:
				if !run.CancelRequested() {
					logger.Info("cancellation requested; stopping at next checkpoint",
						logging.String(logging.FieldEventType, "cancel_observed"))
				}
				run.requestCancel()
			case jobs.DirectiveStop:
				logger.Warn("job no longer owned; abandoning run",
					logging.String(logging.FieldEventType, "run_abandoned"),
					logging.String(logging.FieldErrorHint, "job was reclaimed or finished elsewhere"),
					logging.String(logging.FieldImpact, "results of this run are discarded"),
				)
				abandon(errRunAbandoned)
				return
			}
		}
	}
}

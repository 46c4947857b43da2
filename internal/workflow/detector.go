package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"diarist/internal/config"
	"diarist/internal/jobs"
	"diarist/internal/logging"
	"diarist/internal/substrate"
)

// Stuck reasons.
const (
	ReasonProcessingTimeout = "processing_timeout"
	ReasonQueueTimeout      = "queue_timeout"
	ReasonUnresponsive      = "unresponsive"
)

// Stuck is a job the detector believes has stopped making progress.
type Stuck struct {
	Job    *jobs.Job     `json:"job"`
	Reason string        `json:"reason"`
	Age    time.Duration `json:"age"`
	// Alive is true when the executor still holds the job but has been
	// silent far past its timeout.
	Alive bool `json:"alive"`
}

// Detector finds stale jobs and confirms them against the task substrate
// before they are handed to recovery.
type Detector struct {
	cfg        *config.Config
	store      *jobs.Store
	substrate  substrate.Substrate
	hungFactor float64
	logger     *slog.Logger
	recorder   Recorder
}

// NewDetector builds a detector over the store and substrate.
func NewDetector(cfg *config.Config, store *jobs.Store, sub substrate.Substrate, logger *slog.Logger, recorder Recorder) *Detector {
	if logger == nil {
		logger = logging.NewNop()
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	hung := cfg.Recovery.HungFactor
	if hung < 1 {
		hung = 1
	}
	return &Detector{
		cfg:        cfg,
		store:      store,
		substrate:  sub,
		hungFactor: hung,
		logger:     logging.NewComponentLogger(logger, "stuck-detector"),
		recorder:   recorder,
	}
}

// Scan lists the stuck jobs, limited to one owner when ownerID is set. It
// only reads; acting on the result is the recovery policy's job. A
// PROCESSING job whose executor is alive is reported only once it has been
// silent for hung_factor times its processing timeout; a job whose liveness
// cannot be determined is skipped until the next scan.
func (d *Detector) Scan(ctx context.Context, ownerID string) ([]Stuck, error) {
	var (
		active []*jobs.Job
		err    error
	)
	if ownerID != "" {
		active, err = d.store.ListByOwner(ctx, ownerID, jobs.ActiveStatuses()...)
	} else {
		active, err = d.store.ListActive(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("scan active jobs: %w", err)
	}

	now := d.store.Now()
	var out []Stuck
	for _, job := range active {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		processing, queue := d.cfg.KindTimeouts(string(job.Kind))
		age := job.Age(now)
		logger := d.logger.With(
			logging.String(logging.FieldJobID, job.ID),
			logging.String(logging.FieldKind, string(job.Kind)),
			logging.String(logging.FieldStatus, string(job.Status)),
		)

		if job.Status == jobs.StatusPending {
			if queue > 0 && age > queue {
				out = append(out, Stuck{Job: job, Reason: ReasonQueueTimeout, Age: age})
			}
			continue
		}
		if processing <= 0 || age <= processing {
			continue
		}

		alive, err := d.substrate.IsAlive(ctx, job.WorkerHandle)
		if err != nil {
			logger.Warn("liveness check failed; job left for next scan",
				logging.Error(err),
				logging.String(logging.FieldEventType, "liveness_check_failed"),
				logging.String(logging.FieldErrorHint, "check the lock directory is readable"),
			)
			continue
		}
		if alive {
			hungAfter := time.Duration(float64(processing) * d.hungFactor)
			if age <= hungAfter {
				d.recorder.FalsePositive(job.Kind)
				logger.Info("stale job still running",
					logging.Args(append(logging.DecisionAttrs("stuck_detection", "skipped", "executor alive"),
						logging.Duration("age", age),
						logging.Duration("hung_after", hungAfter),
					)...)...,
				)
				continue
			}
			out = append(out, Stuck{Job: job, Reason: ReasonUnresponsive, Age: age, Alive: true})
			logger.Warn("executor alive but silent past hung threshold",
				logging.Duration("age", age),
				logging.String(logging.FieldEventType, "job_unresponsive"),
				logging.String(logging.FieldImpact, "job will be retried while the old executor may still run"),
			)
			continue
		}

		// The record may have moved while the substrate was probed.
		current, err := d.store.Get(ctx, job.ID)
		if err != nil {
			logger.Warn("stuck job re-read failed", logging.Error(err))
			continue
		}
		if current.Version != job.Version || current.Status != job.Status {
			continue
		}
		out = append(out, Stuck{Job: current, Reason: ReasonProcessingTimeout, Age: age})
	}
	return out, nil
}

package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"diarist/internal/jobs"
	"diarist/internal/logging"
	"diarist/internal/services"
	"diarist/internal/substrate"
)

// maxPickAttempts bounds how many pending jobs one pick passes over when
// their leases are held elsewhere.
const maxPickAttempts = 8

// Start launches the worker slots.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return errors.New("workflow already running")
	}
	if len(m.handlers) == 0 {
		m.mu.Unlock()
		return errors.New("workflow handlers not configured")
	}
	count := m.cfg.Workers.Count
	if count <= 0 {
		count = 1
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	m.cancel = cancel
	m.group = group
	m.running = true
	m.mu.Unlock()

	for i := 0; i < count; i++ {
		worker := fmt.Sprintf("worker-%d", i+1)
		group.Go(func() error {
			m.runSlot(groupCtx, worker)
			return nil
		})
	}
	m.logger.Info("worker pool started",
		logging.Int("workers", count),
		logging.Any("kinds", m.Kinds()),
		logging.String(logging.FieldEventType, "pool_started"),
	)
	return nil
}

// Stop terminates the slots and waits for in-flight runs to settle.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	cancel := m.cancel
	group := m.group
	m.running = false
	m.cancel = nil
	m.group = nil
	m.mu.Unlock()

	cancel()
	_ = group.Wait()
	m.logger.Info("worker pool stopped", logging.String(logging.FieldEventType, "pool_stopped"))
}

func (m *Manager) runSlot(ctx context.Context, worker string) {
	logger := m.logger.With(logging.String(logging.FieldWorker, worker))
	for {
		if ctx.Err() != nil {
			return
		}
		job, lease, err := m.pick(ctx, worker)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.setLastError(err)
			logger.Error("failed to fetch next job",
				logging.Error(err),
				logging.String(logging.FieldEventType, "job_fetch_failed"),
				logging.String(logging.FieldErrorHint, "check job database access"),
			)
			m.waitForWork(ctx)
			continue
		}
		if job == nil {
			m.waitForWork(ctx)
			continue
		}
		m.execute(ctx, worker, job, lease)
	}
}

// pick claims the oldest pending job this pool serves. The substrate lease is
// taken before the claim so the job never looks dead while it is PROCESSING.
func (m *Manager) pick(ctx context.Context, worker string) (*jobs.Job, *substrate.Lease, error) {
	m.pickMu.Lock()
	defer m.pickMu.Unlock()

	var skip []string
	for attempt := 0; attempt < maxPickAttempts; attempt++ {
		candidate, err := m.store.NextPending(ctx, m.Kinds(), skip...)
		if err != nil || candidate == nil {
			return nil, nil, err
		}
		lease, err := m.leases.Acquire(candidate.ID)
		if err != nil {
			// A previous attempt of this job is still running somewhere.
			m.logger.Debug("job lease unavailable", logging.String(logging.FieldJobID, candidate.ID), logging.Error(err))
			skip = append(skip, candidate.ID)
			continue
		}
		claimed, err := m.store.Claim(ctx, candidate.ID, lease.Handle())
		if err != nil {
			_ = lease.Release()
			if errors.Is(err, jobs.ErrAlreadyClaimed) {
				skip = append(skip, candidate.ID)
				continue
			}
			return nil, nil, err
		}
		m.logger.Debug("job claimed",
			logging.String(logging.FieldJobID, claimed.ID),
			logging.String(logging.FieldWorker, worker),
			logging.String(logging.FieldKind, string(claimed.Kind)),
		)
		return claimed, lease, nil
	}
	return nil, nil, nil
}

func (m *Manager) waitForWork(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-m.wake:
	case <-time.After(m.pollInterval):
	}
}

func (m *Manager) execute(ctx context.Context, worker string, job *jobs.Job, lease *substrate.Lease) {
	defer func() {
		if err := lease.Release(); err != nil {
			m.logger.Warn("failed to release job lease", logging.String(logging.FieldJobID, job.ID), logging.Error(err))
		}
	}()

	runCtx := services.WithJobID(ctx, job.ID)
	runCtx = services.WithKind(runCtx, string(job.Kind))
	runCtx = services.WithWorker(runCtx, worker)
	runCtx = services.WithRequestID(runCtx, uuid.NewString())
	logger := logging.WithContext(runCtx, m.logger).With(
		logging.String(logging.FieldSubjectID, job.SubjectID),
		logging.String(logging.FieldOwnerID, job.OwnerID),
	)
	run := newRun(job, worker, logger)
	m.trackRun(run, true)
	defer m.trackRun(run, false)

	m.mu.RLock()
	handler := m.handlers[job.Kind]
	m.mu.RUnlock()

	_ = m.recorder.TrackRun(job.Kind, func() (string, error) {
		execCtx, abandon := context.WithCancelCause(runCtx)
		var hbWG sync.WaitGroup
		hbWG.Add(1)
		go m.heartbeat.StartLoop(execCtx, &hbWG, run, abandon)

		logger.Info("job started",
			logging.String(logging.FieldEventType, "job_start"),
			logging.Int("retry_count", job.RetryCount),
		)
		outcome, execErr := m.invoke(execCtx, handler, run)
		abandoned := errors.Is(context.Cause(execCtx), errRunAbandoned)
		abandon(nil)
		hbWG.Wait()

		if abandoned {
			logger.Warn("discarding result of abandoned run",
				logging.String(logging.FieldEventType, "run_discarded"),
				logging.Duration("run_duration", time.Since(run.started)),
			)
			return "abandoned", errRunAbandoned
		}
		return m.finish(ctx, run, outcome, execErr)
	})
}

// invoke runs the handler and converts a panic into an infrastructure error
// so the job is failed rather than the process lost.
func (m *Manager) invoke(ctx context.Context, handler Handler, run *Run) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			run.Logger.Error("job handler panicked",
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
				logging.String(logging.FieldEventType, "handler_panic"),
			)
			err = services.Wrap(services.ErrInfrastructure, "workflow", "execute", fmt.Sprintf("handler panic: %v", r), nil)
		}
	}()
	if handler == nil {
		return Outcome{}, services.Wrap(services.ErrConfiguration, "workflow", "execute",
			fmt.Sprintf("no handler for %s", run.Job.Kind), nil)
	}
	if err := run.Checkpoint(ctx); err != nil {
		return Outcome{}, err
	}
	return handler.Execute(ctx, run)
}

func (m *Manager) trackRun(run *Run, start bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if start {
		m.inFlight[run.Job.ID] = run
		return
	}
	delete(m.inFlight, run.Job.ID)
}

func (m *Manager) runLogger(run *Run) *slog.Logger {
	if run != nil && run.Logger != nil {
		return run.Logger
	}
	return m.logger
}

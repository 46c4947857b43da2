package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"diarist/internal/config"
	"diarist/internal/identity"
	"diarist/internal/jobs"
	"diarist/internal/logging"
	"diarist/internal/notifications"
	"diarist/internal/services/inference"
	"diarist/internal/services/objectstore"
	"diarist/internal/substrate"
)

// Deps are the collaborators an Engine is assembled from. Store, Leases and
// Artifacts are required.
type Deps struct {
	Store     *jobs.Store
	Identity  *identity.Store
	Artifacts objectstore.Artifacts
	Runner    inference.Runner
	Leases    *substrate.Registry
	// Substrate answers liveness for the detector; Leases is used when nil.
	Substrate substrate.Substrate
	Hub       *notifications.Hub
	Recorder  Recorder
	Logger    *slog.Logger
}

// JobStatus is a job record with its retry history.
type JobStatus struct {
	Job       *jobs.Job      `json:"job"`
	Attempts  []jobs.Attempt `json:"attempts,omitempty"`
	Successor *jobs.Job      `json:"successor,omitempty"`
}

// Report summarizes one recovery pass.
type Report struct {
	StartedAt time.Time  `json:"started_at"`
	Stuck     []Decision `json:"stuck,omitempty"`
	Retried   []Decision `json:"retried,omitempty"`
	Released  []Decision `json:"released,omitempty"`
}

// EngineStatus combines pool diagnostics with the last recovery pass.
type EngineStatus struct {
	Pool        StatusSummary `json:"pool"`
	LastScan    *Report       `json:"last_scan,omitempty"`
	ScanError   string        `json:"scan_error,omitempty"`
	Subscribers int           `json:"subscribers"`
}

// Engine ties the job store, worker pool, detector, and recovery policy
// together and exposes the caller operations.
type Engine struct {
	cfg       *config.Config
	store     *jobs.Store
	identity  *identity.Store
	artifacts objectstore.Artifacts
	hub       *notifications.Hub
	logger    *slog.Logger
	recorder  Recorder

	manager  *Manager
	detector *Detector
	policy   *Policy

	scanMu   sync.Mutex
	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	lastScan *Report
	scanErr  error
}

// NewEngine assembles the engine and registers its transition hooks on the
// store.
func NewEngine(cfg *config.Config, deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, errors.New("workflow: job store is required")
	}
	if deps.Leases == nil {
		return nil, errors.New("workflow: lease registry is required")
	}
	if deps.Artifacts == nil {
		return nil, errors.New("workflow: artifact store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = logging.NewNop()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = nopRecorder{}
	}
	liveness := deps.Substrate
	if liveness == nil {
		liveness = deps.Leases
	}

	e := &Engine{
		cfg:       cfg,
		store:     deps.Store,
		identity:  deps.Identity,
		artifacts: deps.Artifacts,
		hub:       deps.Hub,
		logger:    logging.NewComponentLogger(logger, "engine"),
		recorder:  recorder,
		manager:   NewManager(cfg, deps.Store, deps.Leases, logger, WithRecorder(recorder)),
		detector:  NewDetector(cfg, deps.Store, liveness, logger, recorder),
		policy:    NewPolicy(cfg, deps.Store, logger, recorder),
	}

	set := HandlerSet{}
	if deps.Runner != nil {
		set.Transcribe = &TranscribeHandler{
			Artifacts:       deps.Artifacts,
			Runner:          deps.Runner,
			Identity:        deps.Identity,
			EmbeddingDim:    cfg.Identity.EmbeddingDim,
			IdentityEnabled: cfg.Identity.Enabled && deps.Identity != nil,
		}
		set.Summarize = &SummarizeHandler{Artifacts: deps.Artifacts, Runner: deps.Runner, Transcripts: deps.Store}
	}
	if deps.Identity != nil && cfg.Identity.Enabled {
		set.Match = &MatchHandler{
			Artifacts: deps.Artifacts,
			Matcher:   identity.NewMatcher(deps.Identity, cfg.Identity, logger),
			Recorder:  recorder,
		}
	}
	e.manager.ConfigureHandlers(set)

	deps.Store.OnTransition(e.logTransition)
	deps.Store.OnTransition(func(_ context.Context, job *jobs.Job) {
		if job.Status == jobs.StatusPending {
			e.manager.Wake()
		}
	})
	if deps.Hub != nil {
		deps.Store.OnTransition(deps.Hub.JobHook())
	}
	return e, nil
}

func (e *Engine) logTransition(ctx context.Context, job *jobs.Job) {
	attrs := []logging.Attr{
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldOwnerID, job.OwnerID),
		logging.String(logging.FieldSubjectID, job.SubjectID),
		logging.String(logging.FieldKind, string(job.Kind)),
		logging.String(logging.FieldStatus, string(job.Status)),
		logging.Int("retry_count", job.RetryCount),
		logging.Int64("version", job.Version),
		logging.String(logging.FieldEventType, "job_transition"),
	}
	if job.ErrorKind != jobs.ErrorKindNone {
		attrs = append(attrs, logging.String("error_kind", string(job.ErrorKind)))
	}
	logging.WithContext(ctx, e.logger).Info("job transition", logging.Args(attrs...)...)
}

// Dispatch enqueues work. When the subject already has an active job of the
// kind, that job is returned together with jobs.ErrAlreadyActive.
func (e *Engine) Dispatch(ctx context.Context, req jobs.DispatchRequest) (*jobs.Job, error) {
	req.RetryOf = ""
	req.RetryCount = 0
	return e.store.Dispatch(ctx, req)
}

// GetStatus returns a job with its attempt history and, when it was retried
// as a new record, the successor.
func (e *Engine) GetStatus(ctx context.Context, id string) (*JobStatus, error) {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	attempts, err := e.store.Attempts(ctx, id)
	if err != nil {
		return nil, err
	}
	successor, err := e.store.Successor(ctx, id)
	if err != nil {
		return nil, err
	}
	return &JobStatus{Job: job, Attempts: attempts, Successor: successor}, nil
}

// RequestCancellation asks a job to stop. A running job stops at its next
// checkpoint; a PENDING job is cancelled by the worker that picks it up.
func (e *Engine) RequestCancellation(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := e.store.RequestCancellation(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.CancellationRequested && job.Status.IsActive() {
		e.manager.signalCancel(id)
	}
	return job, nil
}

// ListStuck reports the owner's stuck jobs and its orphans awaiting a
// decision. An empty owner lists every owner.
func (e *Engine) ListStuck(ctx context.Context, ownerID string) ([]Stuck, error) {
	stuck, err := e.detector.Scan(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	var orphans []*jobs.Job
	if ownerID != "" {
		orphans, err = e.store.ListByOwner(ctx, ownerID, jobs.StatusOrphaned)
	} else {
		orphans, err = e.store.ListByStatus(ctx, jobs.StatusOrphaned)
	}
	if err != nil {
		return nil, err
	}
	now := e.store.Now()
	for _, job := range orphans {
		age := job.Age(now)
		if job.OrphanedAt != nil {
			age = now.Sub(*job.OrphanedAt)
		}
		stuck = append(stuck, Stuck{Job: job, Reason: string(jobs.StatusOrphaned), Age: age})
	}
	return stuck, nil
}

// EmergencyRecovery revives ORPHANED jobs past their retry ceiling.
func (e *Engine) EmergencyRecovery(ctx context.Context, ids []string) []Decision {
	return e.policy.EmergencyRecovery(ctx, ids)
}

// Subscribe attaches a listener for the owner's job events.
func (e *Engine) Subscribe(ownerID string) (*notifications.Subscription, error) {
	if e.hub == nil {
		return nil, errors.New("workflow: notifications disabled")
	}
	return e.hub.Subscribe(ownerID), nil
}

// PurgeSubject deletes a subject's jobs, voice prints, and artifacts. It is
// refused while an active job has not been released for deletion.
func (e *Engine) PurgeSubject(ctx context.Context, ownerID, subjectID string) (int64, error) {
	var writes []jobs.TxWriter
	if e.identity != nil {
		writes = append(writes, e.identity.DeleteSubject(ownerID, subjectID))
	}
	deleted, err := e.store.PurgeSubject(ctx, ownerID, subjectID, writes...)
	if err != nil {
		return 0, err
	}
	for _, prefix := range []string{objectstore.SubjectResults(ownerID, subjectID), objectstore.SubjectUploads(ownerID, subjectID)} {
		if err := e.artifacts.RemoveAll(ctx, prefix); err != nil {
			e.logger.Warn("subject artifacts not removed",
				logging.String(logging.FieldOwnerID, ownerID),
				logging.String(logging.FieldSubjectID, subjectID),
				logging.String("prefix", prefix),
				logging.Error(err),
				logging.String(logging.FieldEventType, "purge_artifacts_failed"),
				logging.String(logging.FieldImpact, "orphaned files remain under the object root"),
			)
		}
	}
	e.logger.Info("subject purged",
		logging.String(logging.FieldOwnerID, ownerID),
		logging.String(logging.FieldSubjectID, subjectID),
		logging.Int64("jobs_deleted", deleted),
		logging.String(logging.FieldEventType, "subject_purged"),
	)
	return deleted, nil
}

// ListJobs returns jobs in the given statuses, limited to one owner when
// ownerID is set. No statuses means every status.
func (e *Engine) ListJobs(ctx context.Context, ownerID string, statuses ...jobs.Status) ([]*jobs.Job, error) {
	if ownerID == "" {
		return e.store.ListByStatus(ctx, statuses...)
	}
	return e.store.ListByOwner(ctx, ownerID, statuses...)
}

// ListUpdatedSince returns the owner's jobs changed after since. An empty
// ownerID covers every owner.
func (e *Engine) ListUpdatedSince(ctx context.Context, ownerID string, since time.Time) ([]*jobs.Job, error) {
	return e.store.ListUpdatedSince(ctx, ownerID, since)
}

// WaitForUpdates returns the jobs changed after since, blocking up to wait
// for the next transition when nothing has changed yet. The subscription is
// taken before the first pull so a transition between the two is not missed.
func (e *Engine) WaitForUpdates(ctx context.Context, ownerID string, since time.Time, wait time.Duration) ([]*jobs.Job, error) {
	if wait <= 0 || e.hub == nil {
		return e.ListUpdatedSince(ctx, ownerID, since)
	}
	sub, err := e.Subscribe(ownerID)
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	updated, err := e.ListUpdatedSince(ctx, ownerID, since)
	if err != nil || len(updated) > 0 {
		return updated, err
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, nil
	case <-sub.Events():
	}
	return e.ListUpdatedSince(ctx, ownerID, since)
}

// Stats counts jobs per status.
func (e *Engine) Stats(ctx context.Context) (map[jobs.Status]int, error) {
	return e.store.Stats(ctx)
}

// Identity exposes the identity store for profile and candidate operations.
func (e *Engine) Identity() *identity.Store {
	return e.identity
}

// Manager exposes the worker pool.
func (e *Engine) Manager() *Manager {
	return e.manager
}

// ScanOnce runs one recovery pass: stuck jobs are requeued, orphaned, or
// reclaimed; unresolved failures are retried; old orphans are released for
// deletion.
func (e *Engine) ScanOnce(ctx context.Context) (Report, error) {
	e.scanMu.Lock()
	defer e.scanMu.Unlock()

	report := Report{StartedAt: e.store.Now()}
	stuck, err := e.detector.Scan(ctx, "")
	if err != nil {
		return e.recordScan(report, err)
	}
	for _, s := range stuck {
		e.recorder.StuckDetected(s.Job.Kind, s.Reason)
		report.Stuck = append(report.Stuck, e.policy.Recover(ctx, s))
	}
	retried, err := e.policy.RetryFailures(ctx)
	report.Retried = retried
	if err != nil {
		return e.recordScan(report, fmt.Errorf("retry failures: %w", err))
	}
	released, err := e.policy.ReleaseOrphans(ctx)
	report.Released = released
	if err != nil {
		return e.recordScan(report, fmt.Errorf("release orphans: %w", err))
	}
	if len(report.Stuck)+len(report.Retried)+len(report.Released) > 0 {
		e.logger.Info("recovery pass finished",
			logging.Int("stuck", len(report.Stuck)),
			logging.Int("retried", len(report.Retried)),
			logging.Int("released", len(report.Released)),
			logging.String(logging.FieldEventType, "recovery_pass"),
		)
	}
	return e.recordScan(report, nil)
}

func (e *Engine) recordScan(report Report, err error) (Report, error) {
	e.mu.Lock()
	e.lastScan = &report
	e.scanErr = err
	e.mu.Unlock()
	return report, err
}

// Start launches the worker pool and the periodic recovery loop. The first
// recovery pass runs immediately so work abandoned by a previous process is
// picked up on startup.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return errors.New("workflow engine already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	e.mu.Unlock()

	if err := e.manager.Start(ctx); err != nil {
		cancel()
		e.mu.Lock()
		e.cancel = nil
		close(e.done)
		e.mu.Unlock()
		return err
	}
	go e.recoveryLoop(loopCtx)
	return nil
}

func (e *Engine) recoveryLoop(ctx context.Context) {
	defer close(e.done)
	interval := e.cfg.ScanInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := e.ScanOnce(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("recovery pass failed",
				logging.Error(err),
				logging.String(logging.FieldEventType, "recovery_pass_failed"),
				logging.String(logging.FieldErrorHint, "check job database access"),
			)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop ends the recovery loop and drains the worker pool.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.manager.Stop()
}

// Status reports pool diagnostics and the last recovery pass.
func (e *Engine) Status(ctx context.Context) EngineStatus {
	status := EngineStatus{Pool: e.manager.Status(ctx)}
	e.mu.Lock()
	if e.lastScan != nil {
		report := *e.lastScan
		status.LastScan = &report
	}
	if e.scanErr != nil {
		status.ScanError = e.scanErr.Error()
	}
	e.mu.Unlock()
	if e.hub != nil {
		status.Subscribers = e.hub.Subscribers()
	}
	return status
}

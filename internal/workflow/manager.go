package workflow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"diarist/internal/config"
	"diarist/internal/jobs"
	"diarist/internal/logging"
	"diarist/internal/substrate"
)

// Manager is the worker pool. Each of its slots runs one job at a time.
type Manager struct {
	cfg          *config.Config
	store        *jobs.Store
	leases       *substrate.Registry
	logger       *slog.Logger
	recorder     Recorder
	pollInterval time.Duration

	heartbeat *HeartbeatMonitor

	handlers map[jobs.Kind]Handler
	kinds    []jobs.Kind

	// pickMu serializes pick-and-claim so slots in this process never race
	// each other for the same job.
	pickMu sync.Mutex
	wake   chan struct{}

	mu       sync.RWMutex
	running  bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	lastErr  error
	lastJob  *jobs.Job
	inFlight map[string]*Run
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

// WithRecorder reports run durations and outcomes.
func WithRecorder(r Recorder) ManagerOption {
	return func(m *Manager) {
		if r != nil {
			m.recorder = r
		}
	}
}

// NewManager constructs a worker pool.
func NewManager(cfg *config.Config, store *jobs.Store, leases *substrate.Registry, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = logging.NewNop()
	}
	wakeBuffer := cfg.Workers.WakeBuffer
	if wakeBuffer <= 0 {
		wakeBuffer = 1
	}
	m := &Manager{
		cfg:          cfg,
		store:        store,
		leases:       leases,
		logger:       logging.NewComponentLogger(logger, "workflow-manager"),
		recorder:     nopRecorder{},
		pollInterval: cfg.PollInterval(),
		heartbeat:    NewHeartbeatMonitor(store, logger, cfg.HeartbeatInterval()),
		handlers:     make(map[jobs.Kind]Handler),
		wake:         make(chan struct{}, wakeBuffer),
		inFlight:     make(map[string]*Run),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ConfigureHandlers registers the handlers the pool will run. Kinds missing
// from workers.kinds in the configuration are not served even when a
// handler exists.
func (m *Manager) ConfigureHandlers(set HandlerSet) {
	allowed := make(map[jobs.Kind]bool)
	for _, name := range m.cfg.Workers.Kinds {
		if kind, err := jobs.ParseKind(name); err == nil {
			allowed[kind] = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = make(map[jobs.Kind]Handler)
	m.kinds = m.kinds[:0]
	for _, kind := range jobs.Kinds() {
		handler, ok := set.byKind()[kind]
		if !ok {
			continue
		}
		if len(allowed) > 0 && !allowed[kind] {
			continue
		}
		m.handlers[kind] = handler
		m.kinds = append(m.kinds, kind)
	}
}

// Kinds returns the job kinds this pool serves.
func (m *Manager) Kinds() []jobs.Kind {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]jobs.Kind(nil), m.kinds...)
}

// Wake nudges an idle slot to look for work now instead of at the next poll.
func (m *Manager) Wake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// signalCancel flags a run executing in this process so it stops at its next
// checkpoint without waiting for a heartbeat. It reports whether the job was
// running here.
func (m *Manager) signalCancel(jobID string) bool {
	m.mu.RLock()
	run, ok := m.inFlight[jobID]
	m.mu.RUnlock()
	if ok {
		run.requestCancel()
	}
	return ok
}

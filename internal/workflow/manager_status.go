package workflow

import (
	"context"
	"sort"
	"time"

	"diarist/internal/jobs"
	"diarist/internal/logging"
)

// InFlight describes a run currently executing in this process.
type InFlight struct {
	JobID     string    `json:"job_id"`
	SubjectID string    `json:"subject_id"`
	Kind      jobs.Kind `json:"kind"`
	Worker    string    `json:"worker"`
	Progress  float64   `json:"progress"`
	Since     time.Time `json:"since"`
	Cancel    bool      `json:"cancel_requested"`
}

// StatusSummary represents lightweight pool diagnostics.
type StatusSummary struct {
	Running       bool                 `json:"running"`
	Kinds         []jobs.Kind          `json:"kinds"`
	InFlight      []InFlight           `json:"in_flight"`
	LastError     string               `json:"last_error,omitempty"`
	LastJob       *jobs.Job            `json:"last_job,omitempty"`
	JobStats      map[jobs.Status]int  `json:"job_stats"`
	HandlerHealth map[jobs.Kind]Health `json:"handler_health"`
}

// Status returns the latest pool information.
func (m *Manager) Status(ctx context.Context) StatusSummary {
	m.mu.RLock()
	running := m.running
	lastErr := m.lastErr
	lastJob := m.lastJob
	kinds := append([]jobs.Kind(nil), m.kinds...)
	handlers := make(map[jobs.Kind]Handler, len(m.handlers))
	for kind, handler := range m.handlers {
		handlers[kind] = handler
	}
	inFlight := make([]InFlight, 0, len(m.inFlight))
	for _, run := range m.inFlight {
		inFlight = append(inFlight, InFlight{
			JobID:     run.Job.ID,
			SubjectID: run.Job.SubjectID,
			Kind:      run.Job.Kind,
			Worker:    run.Worker,
			Progress:  run.Progress(),
			Since:     run.started,
			Cancel:    run.CancelRequested(),
		})
	}
	m.mu.RUnlock()
	sort.Slice(inFlight, func(i, j int) bool { return inFlight[i].Since.Before(inFlight[j].Since) })

	stats, err := m.store.Stats(ctx)
	if err != nil {
		m.logger.Warn("failed to read job stats", logging.Error(err))
	}

	health := make(map[jobs.Kind]Health, len(handlers))
	for kind, handler := range handlers {
		health[kind] = handler.HealthCheck(ctx)
	}

	summary := StatusSummary{Running: running, Kinds: kinds, InFlight: inFlight, JobStats: stats, HandlerHealth: health}
	if lastErr != nil {
		summary.LastError = lastErr.Error()
	}
	if lastJob != nil {
		snapshot := *lastJob
		summary.LastJob = &snapshot
	}
	return summary
}

func (m *Manager) setLastError(err error) {
	m.mu.Lock()
	m.lastErr = err
	m.mu.Unlock()
}

func (m *Manager) setLastJob(job *jobs.Job) {
	m.mu.Lock()
	if job != nil {
		snapshot := *job
		m.lastJob = &snapshot
	} else {
		m.lastJob = nil
	}
	m.mu.Unlock()
}

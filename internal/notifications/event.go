package notifications

import (
	"context"
	"time"

	"diarist/internal/jobs"
)

// EventType distinguishes job transitions from operational notices.
type EventType string

const (
	EventJobTransition EventType = "job_transition"
	EventTest          EventType = "test"
)

// Event is one status change as seen by listeners.
type Event struct {
	Sequence   uint64      `json:"sequence"`
	Type       EventType   `json:"type"`
	JobID      string      `json:"job_id,omitempty"`
	OwnerID    string      `json:"owner_id,omitempty"`
	SubjectID  string      `json:"subject_id,omitempty"`
	Kind       jobs.Kind   `json:"kind,omitempty"`
	Status     jobs.Status `json:"status,omitempty"`
	Progress   float64     `json:"progress"`
	RetryCount int         `json:"retry_count,omitempty"`
	Error      string      `json:"error,omitempty"`
	At         time.Time   `json:"at"`
}

// FromJob builds a transition event from a committed job record.
func FromJob(job *jobs.Job) Event {
	return Event{
		Type:       EventJobTransition,
		JobID:      job.ID,
		OwnerID:    job.OwnerID,
		SubjectID:  job.SubjectID,
		Kind:       job.Kind,
		Status:     job.Status,
		Progress:   job.Progress,
		RetryCount: job.RetryCount,
		Error:      job.ErrorMessage,
		At:         job.UpdatedAt,
	}
}

// EventSink receives events outside the process. Publish may block; the hub
// calls it from a dedicated goroutine per sink.
type EventSink interface {
	Name() string
	Publish(ctx context.Context, event Event) error
}

// Recorder observes delivery outcomes. The metrics package implements it.
type Recorder interface {
	NotificationDropped(target string)
	NotificationDelivered(sink string)
	NotificationFailed(sink string)
}

type nopRecorder struct{}

func (nopRecorder) NotificationDropped(string)   {}
func (nopRecorder) NotificationDelivered(string) {}
func (nopRecorder) NotificationFailed(string)    {}

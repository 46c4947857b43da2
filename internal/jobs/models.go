package jobs

import (
	"fmt"
	"strings"
	"time"
)

// Status represents the lifecycle state of a job.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCancelling Status = "CANCELLING"
	StatusCompleted  Status = "COMPLETED"
	StatusError      Status = "ERROR"
	StatusCancelled  Status = "CANCELLED"
	StatusOrphaned   Status = "ORPHANED"
)

var allStatuses = []Status{
	StatusPending,
	StatusProcessing,
	StatusCancelling,
	StatusCompleted,
	StatusError,
	StatusCancelled,
	StatusOrphaned,
}

var activeStatuses = []Status{StatusPending, StatusProcessing, StatusCancelling}

// AllStatuses returns every known status in lifecycle order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// ActiveStatuses returns the non-terminal statuses covered by the
// (subject_id, kind) uniqueness constraint.
func ActiveStatuses() []Status {
	out := make([]Status, len(activeStatuses))
	copy(out, activeStatuses)
	return out
}

// IsActive reports whether the status is non-terminal.
func (s Status) IsActive() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCancelling:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the status is final. ORPHANED is neither active
// nor terminal: it waits for a recovery decision.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// ParseStatus converts a string into a Status.
func ParseStatus(value string) (Status, bool) {
	candidate := Status(strings.ToUpper(strings.TrimSpace(value)))
	for _, status := range allStatuses {
		if status == candidate {
			return status, true
		}
	}
	return "", false
}

// Kind is the closed set of work a job can perform.
type Kind string

const (
	KindTranscribe Kind = "TRANSCRIBE"
	KindSummarize  Kind = "SUMMARIZE"
	KindMatch      Kind = "MATCH"
)

// Kinds returns every job kind.
func Kinds() []Kind {
	return []Kind{KindTranscribe, KindSummarize, KindMatch}
}

// ParseKind converts a string into a Kind.
func ParseKind(value string) (Kind, error) {
	switch Kind(strings.ToUpper(strings.TrimSpace(value))) {
	case KindTranscribe:
		return KindTranscribe, nil
	case KindSummarize:
		return KindSummarize, nil
	case KindMatch:
		return KindMatch, nil
	default:
		return "", fmt.Errorf("unknown job kind %q", value)
	}
}

// ErrorKind classifies the last failure recorded on a job.
type ErrorKind string

const (
	ErrorKindNone           ErrorKind = ""
	ErrorKindTransient      ErrorKind = "transient"
	ErrorKindPermanent      ErrorKind = "permanent"
	ErrorKindInfrastructure ErrorKind = "infrastructure"
)

// Directive tells a heartbeating worker what to do next.
type Directive int

const (
	// DirectiveContinue means the job is still owned by the caller.
	DirectiveContinue Directive = iota
	// DirectiveCancel means cancellation was requested; stop at the next safe point.
	DirectiveCancel
	// DirectiveStop means the caller no longer owns the job and must abandon it.
	DirectiveStop
)

func (d Directive) String() string {
	switch d {
	case DirectiveContinue:
		return "continue"
	case DirectiveCancel:
		return "cancel"
	case DirectiveStop:
		return "stop"
	default:
		return fmt.Sprintf("directive(%d)", int(d))
	}
}

// Job is one dispatched unit of work and its lifecycle state.
type Job struct {
	ID                    string            `json:"id"`
	OwnerID               string            `json:"owner_id"`
	SubjectID             string            `json:"subject_id"`
	Kind                  Kind              `json:"kind"`
	Status                Status            `json:"status"`
	Params                map[string]string `json:"params,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	QueuedAt              time.Time         `json:"queued_at"`
	StartedAt             *time.Time        `json:"started_at,omitempty"`
	LastUpdateAt          *time.Time        `json:"last_update_at,omitempty"`
	CompletedAt           *time.Time        `json:"completed_at,omitempty"`
	OrphanedAt            *time.Time        `json:"orphaned_at,omitempty"`
	UpdatedAt             time.Time         `json:"updated_at"`
	RetryCount            int               `json:"retry_count"`
	MaxRetries            int               `json:"max_retries"`
	CancellationRequested bool              `json:"cancellation_requested"`
	ErrorMessage          string            `json:"error_message,omitempty"`
	ErrorKind             ErrorKind         `json:"error_kind,omitempty"`
	ForceDeleteEligible   bool              `json:"force_delete_eligible"`
	Progress              float64           `json:"progress"`
	Version               int64             `json:"version"`
	ClaimToken            string            `json:"-"`
	WorkerHandle          string            `json:"worker_handle,omitempty"`
	ResultRef             string            `json:"result_ref,omitempty"`
	RetryOf               string            `json:"retry_of,omitempty"`
}

// LastActivity returns the most recent sign of life:
// coalesce(last_update_at, started_at, queued_at).
func (j *Job) LastActivity() time.Time {
	if j.LastUpdateAt != nil {
		return *j.LastUpdateAt
	}
	if j.StartedAt != nil {
		return *j.StartedAt
	}
	if !j.QueuedAt.IsZero() {
		return j.QueuedAt
	}
	return j.CreatedAt
}

// Age returns how long the job has gone without activity.
func (j *Job) Age(now time.Time) time.Duration {
	return now.Sub(j.LastActivity())
}

// RetriesExhausted reports whether the automatic retry ceiling is reached.
func (j *Job) RetriesExhausted() bool {
	return j.RetryCount >= j.MaxRetries
}

// Attempt is one entry in a job's retry history.
type Attempt struct {
	JobID      string    `json:"job_id"`
	Attempt    int       `json:"attempt"`
	Outcome    string    `json:"outcome"`
	Message    string    `json:"message,omitempty"`
	RecordedAt time.Time `json:"recorded_at"`
}

const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeRetried   = "retried"
	outcomeOrphaned  = "orphaned"
	outcomeCancelled = "cancelled"
	outcomeRecovered = "recovered"
)

// DispatchRequest describes a unit of work to enqueue.
type DispatchRequest struct {
	OwnerID    string
	SubjectID  string
	Kind       Kind
	MaxRetries int
	Params     map[string]string
	// RetryOf links a replacement job to the failed job it retries; RetryCount
	// carries the attempt accounting across records.
	RetryOf    string
	RetryCount int
}

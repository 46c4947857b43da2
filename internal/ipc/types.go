package ipc

import (
	"time"

	"diarist/internal/identity"
	"diarist/internal/jobs"
	"diarist/internal/workflow"
)

// StartRequest triggers daemon startup.
type StartRequest struct{}

// StartResponse indicates whether the daemon was started.
type StartResponse struct {
	Started bool   `json:"started"`
	Message string `json:"message"`
}

// StopRequest stops the daemon's engine.
type StopRequest struct{}

// StopResponse indicates stop result.
type StopResponse struct {
	Stopped bool `json:"stopped"`
}

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// HandlerHealth describes readiness of a job kind's handler.
type HandlerHealth struct {
	Kind   string `json:"kind"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// StatusResponse represents combined daemon and engine status information.
type StatusResponse struct {
	Running       bool                `json:"running"`
	PID           int                 `json:"pid"`
	StartedAt     *time.Time          `json:"started_at,omitempty"`
	LockPath      string              `json:"lock_path"`
	DatabasePath  string              `json:"database_path"`
	MetricsAddr   string              `json:"metrics_addr,omitempty"`
	JobStats      map[string]int      `json:"job_stats"`
	InFlight      []workflow.InFlight `json:"in_flight,omitempty"`
	HandlerHealth []HandlerHealth     `json:"handler_health,omitempty"`
	LastError     string              `json:"last_error,omitempty"`
	LastScan      *workflow.Report    `json:"last_scan,omitempty"`
	ScanError     string              `json:"scan_error,omitempty"`
	Subscribers   int                 `json:"subscribers"`
}

// DispatchRequest enqueues a job.
type DispatchRequest struct {
	OwnerID    string            `json:"owner_id"`
	SubjectID  string            `json:"subject_id"`
	Kind       string            `json:"kind"`
	MaxRetries int               `json:"max_retries"`
	Params     map[string]string `json:"params,omitempty"`
}

// DispatchResponse returns the job that now covers the subject and kind.
// Existing is true when an active job was already there.
type DispatchResponse struct {
	Job      jobs.Job `json:"job"`
	Existing bool     `json:"existing"`
}

// JobStatusRequest fetches one job.
type JobStatusRequest struct {
	ID string `json:"id"`
}

// JobStatusResponse carries the job, its attempt history, and its retry
// successor when one exists.
type JobStatusResponse struct {
	Job       jobs.Job       `json:"job"`
	Attempts  []jobs.Attempt `json:"attempts,omitempty"`
	Successor *jobs.Job      `json:"successor,omitempty"`
}

// CancelRequest asks for cooperative cancellation of a job.
type CancelRequest struct {
	ID string `json:"id"`
}

// CancelResponse reports the job after the request was recorded.
type CancelResponse struct {
	Job jobs.Job `json:"job"`
}

// ListStuckRequest lists stuck and orphaned jobs. An empty owner lists all
// owners.
type ListStuckRequest struct {
	OwnerID string `json:"owner_id"`
}

// StuckJob is one entry of a stuck listing.
type StuckJob struct {
	Job        jobs.Job `json:"job"`
	Reason     string   `json:"reason"`
	AgeSeconds float64  `json:"age_seconds"`
	Alive      bool     `json:"alive"`
}

// ListStuckResponse contains stuck jobs.
type ListStuckResponse struct {
	Jobs []StuckJob `json:"jobs"`
}

// RecoverRequest revives orphaned jobs past the retry ceiling.
type RecoverRequest struct {
	IDs []string `json:"ids"`
}

// RecoveryResult reports what happened to one job.
type RecoveryResult struct {
	JobID  string    `json:"job_id"`
	Action string    `json:"action"`
	Reason string    `json:"reason,omitempty"`
	Error  string    `json:"error,omitempty"`
	Job    *jobs.Job `json:"job,omitempty"`
}

// RecoverResponse lists per-job results in request order.
type RecoverResponse struct {
	Results []RecoveryResult `json:"results"`
}

// ScanRequest runs one recovery pass immediately.
type ScanRequest struct{}

// ScanResponse summarises the pass.
type ScanResponse struct {
	Stuck    []RecoveryResult `json:"stuck,omitempty"`
	Retried  []RecoveryResult `json:"retried,omitempty"`
	Released []RecoveryResult `json:"released,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// PurgeRequest deletes a subject's jobs, voice prints, and artifacts.
type PurgeRequest struct {
	OwnerID   string `json:"owner_id"`
	SubjectID string `json:"subject_id"`
}

// PurgeResponse reports the number of removed jobs.
type PurgeResponse struct {
	Removed int64 `json:"removed"`
}

// ListJobsRequest lists an owner's jobs, optionally filtered by status. With
// Since set only jobs changed after it are returned, oldest change first;
// WaitSeconds then holds the call open until something changes.
type ListJobsRequest struct {
	OwnerID     string     `json:"owner_id"`
	Statuses    []string   `json:"statuses"`
	Since       *time.Time `json:"since,omitempty"`
	WaitSeconds float64    `json:"wait_seconds,omitempty"`
}

// ListJobsResponse contains matching jobs.
type ListJobsResponse struct {
	Jobs []jobs.Job `json:"jobs"`
}

// ListCandidatesRequest lists match candidates for an owner. An empty status
// means PENDING.
type ListCandidatesRequest struct {
	OwnerID string `json:"owner_id"`
	Status  string `json:"status"`
}

// ListCandidatesResponse contains candidates.
type ListCandidatesResponse struct {
	Candidates []identity.Candidate `json:"candidates"`
}

// ReviewCandidateRequest confirms or rejects a candidate.
type ReviewCandidateRequest struct {
	VoicePrintA string `json:"voiceprint_a_id"`
	VoicePrintB string `json:"voiceprint_b_id"`
	Confirm     bool   `json:"confirm"`
}

// ReviewCandidateResponse returns the reviewed candidate.
type ReviewCandidateResponse struct {
	Candidate identity.Candidate `json:"candidate"`
}

// ListProfilesRequest lists an owner's speaker profiles.
type ListProfilesRequest struct {
	OwnerID string `json:"owner_id"`
}

// ListProfilesResponse contains profiles.
type ListProfilesResponse struct {
	Profiles []identity.Profile `json:"profiles"`
}

// CreateProfileRequest creates a named profile.
type CreateProfileRequest struct {
	OwnerID string `json:"owner_id"`
	Name    string `json:"name"`
}

// CreateProfileResponse returns the created profile.
type CreateProfileResponse struct {
	Profile identity.Profile `json:"profile"`
}

// ShowProfileRequest fetches one profile with its voice prints.
type ShowProfileRequest struct {
	ID string `json:"id"`
}

// ShowProfileResponse returns a profile and the prints linked to it.
type ShowProfileResponse struct {
	Profile     identity.Profile      `json:"profile"`
	VoicePrints []identity.VoicePrint `json:"voiceprints"`
}

// AssignProfileRequest links a voice print to a profile.
type AssignProfileRequest struct {
	VoicePrintID string `json:"voiceprint_id"`
	ProfileID    string `json:"profile_id"`
}

// AssignProfileResponse returns the updated voice print.
type AssignProfileResponse struct {
	VoicePrint identity.VoicePrint `json:"voiceprint"`
}

// MergeProfilesRequest folds one profile into another.
type MergeProfilesRequest struct {
	KeepID  string `json:"keep_id"`
	MergeID string `json:"merge_id"`
}

// MergeProfilesResponse reports how many prints moved.
type MergeProfilesResponse struct {
	Moved int64 `json:"moved"`
}

// DatabaseHealthRequest fetches job database diagnostics.
type DatabaseHealthRequest struct{}

// DatabaseHealthResponse reports database health information.
type DatabaseHealthResponse struct {
	Health jobs.DatabaseHealth `json:"health"`
	Error  string              `json:"error,omitempty"`
}

// TestNotificationRequest triggers a notification test.
type TestNotificationRequest struct{}

// TestNotificationResponse reports notification test outcome.
type TestNotificationResponse struct {
	Sent    bool   `json:"sent"`
	Message string `json:"message"`
}

func fromDecision(d workflow.Decision) RecoveryResult {
	result := RecoveryResult{JobID: d.JobID, Action: d.Action, Reason: d.Reason, Job: d.Job}
	if d.Err != nil {
		result.Error = d.Err.Error()
	}
	return result
}

func fromDecisions(decisions []workflow.Decision) []RecoveryResult {
	if len(decisions) == 0 {
		return nil
	}
	out := make([]RecoveryResult, 0, len(decisions))
	for _, d := range decisions {
		out = append(out, fromDecision(d))
	}
	return out
}

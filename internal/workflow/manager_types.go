package workflow

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"diarist/internal/jobs"
	"diarist/internal/services"
)

// Handler executes one job kind. Execute runs outside any store lock and
// must call Run.Checkpoint between its internal stages.
type Handler interface {
	Execute(ctx context.Context, run *Run) (Outcome, error)
	HealthCheck(ctx context.Context) Health
}

// HandlerSet bundles the handlers the manager runs. A nil handler leaves
// its kind to other processes.
type HandlerSet struct {
	Transcribe Handler
	Summarize  Handler
	Match      Handler
}

func (s HandlerSet) byKind() map[jobs.Kind]Handler {
	out := make(map[jobs.Kind]Handler, 3)
	if s.Transcribe != nil {
		out[jobs.KindTranscribe] = s.Transcribe
	}
	if s.Summarize != nil {
		out[jobs.KindSummarize] = s.Summarize
	}
	if s.Match != nil {
		out[jobs.KindMatch] = s.Match
	}
	return out
}

// Outcome is what a successful run commits. Writes share the transaction
// that marks the job COMPLETED; follow-ups are dispatched after it commits.
type Outcome struct {
	ResultRef string
	Writes    []jobs.TxWriter
	FollowUps []jobs.DispatchRequest
	// OnCommit runs once the completion is durable.
	OnCommit func()
}

// Run is a claimed job as its handler sees it.
type Run struct {
	Job    *jobs.Job
	Logger *slog.Logger
	Worker string

	started   time.Time
	progress  atomic.Uint64
	cancelled atomic.Bool
}

func newRun(job *jobs.Job, worker string, logger *slog.Logger) *Run {
	run := &Run{Job: job, Worker: worker, Logger: logger, started: time.Now()}
	run.progress.Store(math.Float64bits(job.Progress))
	if job.CancellationRequested {
		run.cancelled.Store(true)
	}
	return run
}

// SetProgress records a completion fraction for the next heartbeat.
func (r *Run) SetProgress(fraction float64) {
	fraction = math.Max(0, math.Min(1, fraction))
	r.progress.Store(math.Float64bits(fraction))
}

// Progress returns the last reported completion fraction.
func (r *Run) Progress() float64 {
	return math.Float64frombits(r.progress.Load())
}

// CancelRequested reports whether a heartbeat has seen a cancellation request.
func (r *Run) CancelRequested() bool {
	return r.cancelled.Load()
}

func (r *Run) requestCancel() {
	r.cancelled.Store(true)
}

// Checkpoint is a safe stopping point. It returns an ErrCancelled error once
// cancellation was requested, or the context error after shutdown.
func (r *Run) Checkpoint(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.cancelled.Load() {
		return services.Wrap(services.ErrCancelled, "workflow", "checkpoint", "cancellation requested", nil)
	}
	return nil
}

// Recorder receives engine measurements. The metrics package implements it.
type Recorder interface {
	TrackRun(kind jobs.Kind, f func() (string, error)) error
	JobRetried(kind jobs.Kind)
	JobOrphaned(kind jobs.Kind)
	JobRevived()
	JobDeleteEligible()
	StuckDetected(kind jobs.Kind, reason string)
	FalsePositive(kind jobs.Kind)
	IdentityPlanned(links, candidates int)
}

type nopRecorder struct{}

func (nopRecorder) TrackRun(_ jobs.Kind, f func() (string, error)) error {
	_, err := f()
	return err
}
func (nopRecorder) JobRetried(jobs.Kind)            {}
func (nopRecorder) JobOrphaned(jobs.Kind)           {}
func (nopRecorder) JobRevived()                     {}
func (nopRecorder) JobDeleteEligible()              {}
func (nopRecorder) StuckDetected(jobs.Kind, string) {}
func (nopRecorder) FalsePositive(jobs.Kind)         {}
func (nopRecorder) IdentityPlanned(int, int)        {}

package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"diarist/internal/identity"
	"diarist/internal/jobs"
	"diarist/internal/language"
	"diarist/internal/logging"
	"diarist/internal/services"
	"diarist/internal/services/inference"
	"diarist/internal/services/objectstore"
)

// ParamObjectRef names the dispatch parameter that points at the subject's
// media. Without it the subject id is used as the object ref.
const ParamObjectRef = "object_ref"

// ParamLanguage is the optional spoken-language hint passed to the model
// server. Codes, tags, and English names are accepted.
const ParamLanguage = "language"

// TranscriptArtifact is the stored result of a TRANSCRIBE job.
type TranscriptArtifact struct {
	JobID      string              `json:"job_id"`
	SubjectID  string              `json:"subject_id"`
	MediaRef   string              `json:"media_ref"`
	Language   string              `json:"language,omitempty"`
	Transcript string              `json:"transcript"`
	Segments   []inference.Segment `json:"segments,omitempty"`
	Speakers   []string            `json:"speakers,omitempty"`
	CreatedAt  time.Time           `json:"created_at"`
}

// SummaryArtifact is the stored result of a SUMMARIZE job.
type SummaryArtifact struct {
	JobID     string    `json:"job_id"`
	SubjectID string    `json:"subject_id"`
	Source    string    `json:"source"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// TranscribeHandler runs diarized transcription and records a voice print per
// speaker. A MATCH job follows every successful run when identity matching
// is enabled.
type TranscribeHandler struct {
	Artifacts       objectstore.Artifacts
	Runner          inference.Runner
	Identity        *identity.Store
	EmbeddingDim    int
	IdentityEnabled bool
}

// Execute implements Handler.
func (h *TranscribeHandler) Execute(ctx context.Context, run *Run) (Outcome, error) {
	job := run.Job
	ref := subjectRef(job)
	media, err := h.Artifacts.Fetch(ctx, ref)
	if err != nil {
		return Outcome{}, err
	}
	run.SetProgress(0.05)
	if err := run.Checkpoint(ctx); err != nil {
		return Outcome{}, err
	}

	params, err := normalizeLanguageHint(job.Params)
	if err != nil {
		return Outcome{}, err
	}
	result, err := h.Runner.Run(ctx, inference.Request{
		JobID:      job.ID,
		SubjectRef: ref,
		Kind:       string(jobs.KindTranscribe),
		Params:     params,
		Media:      media,
	})
	if err != nil {
		return Outcome{}, err
	}
	run.SetProgress(0.8)
	if err := run.Checkpoint(ctx); err != nil {
		return Outcome{}, err
	}

	prints, err := h.voicePrints(result.Speakers)
	if err != nil {
		return Outcome{}, err
	}
	if strings.TrimSpace(result.Transcript) == "" && len(result.Segments) == 0 {
		return Outcome{}, services.Wrap(services.ErrPermanent, "transcribe", "validate", "no speech detected", nil)
	}

	artifact := TranscriptArtifact{
		JobID:      job.ID,
		SubjectID:  job.SubjectID,
		MediaRef:   ref,
		Language:   reportedLanguage(result.Language),
		Transcript: result.Transcript,
		Segments:   result.Segments,
		CreatedAt:  time.Now().UTC(),
	}
	for _, vp := range prints {
		artifact.Speakers = append(artifact.Speakers, vp.Label)
	}
	resultRef, err := putJSON(ctx, h.Artifacts, objectstore.ResultRef(job.OwnerID, job.SubjectID, string(job.Kind), job.ID), artifact)
	if err != nil {
		return Outcome{}, err
	}
	run.SetProgress(0.95)

	outcome := Outcome{ResultRef: resultRef}
	if h.Identity != nil && len(prints) > 0 {
		outcome.Writes = append(outcome.Writes, h.Identity.SaveVoicePrints(job.OwnerID, job.SubjectID, job.ID, prints))
	}
	if h.IdentityEnabled && len(prints) > 0 {
		outcome.FollowUps = append(outcome.FollowUps, jobs.DispatchRequest{
			OwnerID:   job.OwnerID,
			SubjectID: job.SubjectID,
			Kind:      jobs.KindMatch,
		})
	}
	run.Logger.Info("transcription finished",
		logging.Int("speakers", len(prints)),
		logging.Int("segments", len(result.Segments)),
		logging.String("language", result.Language),
		logging.String(logging.FieldEventType, "transcribe_finished"),
	)
	return outcome, nil
}

func normalizeLanguageHint(params map[string]string) (map[string]string, error) {
	hint, ok := params[ParamLanguage]
	if !ok {
		return params, nil
	}
	code, err := language.Normalize(hint)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "transcribe", "language hint", "unsupported language", err)
	}
	out := make(map[string]string, len(params))
	for k, v := range params {
		out[k] = v
	}
	if code == "" {
		delete(out, ParamLanguage)
	} else {
		out[ParamLanguage] = code
	}
	return out, nil
}

// reportedLanguage canonicalizes the model's language tag, keeping it as-is
// when it is not recognized.
func reportedLanguage(tag string) string {
	if code := language.ToISO2(tag); code != "" {
		return code
	}
	return strings.TrimSpace(tag)
}

func (h *TranscribeHandler) voicePrints(speakers []inference.Speaker) ([]identity.NewVoicePrint, error) {
	seen := make(map[string]bool, len(speakers))
	out := make([]identity.NewVoicePrint, 0, len(speakers))
	for _, speaker := range speakers {
		label := strings.TrimSpace(speaker.Label)
		switch {
		case label == "":
			return nil, services.Wrap(services.ErrPermanent, "transcribe", "validate", "speaker without label", nil)
		case seen[label]:
			return nil, services.Wrap(services.ErrPermanent, "transcribe", "validate", fmt.Sprintf("duplicate speaker label %q", label), nil)
		case len(speaker.Embedding) == 0:
			return nil, services.Wrap(services.ErrPermanent, "transcribe", "validate", fmt.Sprintf("speaker %q has no embedding", label), nil)
		case h.EmbeddingDim > 0 && len(speaker.Embedding) != h.EmbeddingDim:
			return nil, services.Wrap(services.ErrPermanent, "transcribe", "validate",
				fmt.Sprintf("speaker %q embedding has %d dimensions, want %d", label, len(speaker.Embedding), h.EmbeddingDim),
				identity.ErrDimensionMismatch)
		}
		seen[label] = true
		out = append(out, identity.NewVoicePrint{Label: label, DisplayName: speaker.DisplayName, Embedding: speaker.Embedding})
	}
	return out, nil
}

// HealthCheck implements Handler.
func (h *TranscribeHandler) HealthCheck(ctx context.Context) Health {
	return runnerHealth(ctx, "transcribe", h.Runner)
}

// TranscriptLookup finds the finished TRANSCRIBE job a summary reads from.
type TranscriptLookup interface {
	LatestCompleted(ctx context.Context, ownerID, subjectID string, kind jobs.Kind) (*jobs.Job, error)
}

// SummarizeHandler summarizes the transcript reported by the subject's most
// recent completed TRANSCRIBE job.
type SummarizeHandler struct {
	Artifacts   objectstore.Artifacts
	Runner      inference.Runner
	Transcripts TranscriptLookup
}

// Execute implements Handler.
func (h *SummarizeHandler) Execute(ctx context.Context, run *Run) (Outcome, error) {
	job := run.Job
	source, data, err := h.loadTranscript(ctx, job)
	if err != nil {
		return Outcome{}, err
	}
	run.SetProgress(0.1)
	if err := run.Checkpoint(ctx); err != nil {
		return Outcome{}, err
	}

	result, err := h.Runner.Run(ctx, inference.Request{
		JobID:      job.ID,
		SubjectRef: source,
		Kind:       string(jobs.KindSummarize),
		Params:     job.Params,
		Media:      data,
	})
	if err != nil {
		return Outcome{}, err
	}
	if strings.TrimSpace(result.Summary) == "" {
		return Outcome{}, services.Wrap(services.ErrPermanent, "summarize", "validate", "empty summary", nil)
	}
	run.SetProgress(0.9)
	if err := run.Checkpoint(ctx); err != nil {
		return Outcome{}, err
	}

	resultRef, err := putJSON(ctx, h.Artifacts, objectstore.ResultRef(job.OwnerID, job.SubjectID, string(job.Kind), job.ID), SummaryArtifact{
		JobID:     job.ID,
		SubjectID: job.SubjectID,
		Source:    source,
		Summary:   result.Summary,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{ResultRef: resultRef}, nil
}

func (h *SummarizeHandler) loadTranscript(ctx context.Context, job *jobs.Job) (string, []byte, error) {
	if h.Transcripts == nil {
		return "", nil, services.Wrap(services.ErrConfiguration, "summarize", "load transcript", "transcript lookup not configured", nil)
	}
	transcribed, err := h.Transcripts.LatestCompleted(ctx, job.OwnerID, job.SubjectID, jobs.KindTranscribe)
	if err != nil {
		return "", nil, services.Wrap(services.ErrTransient, "summarize", "load transcript", "look up transcription", err)
	}
	if transcribed == nil || strings.TrimSpace(transcribed.ResultRef) == "" {
		return "", nil, services.Wrap(services.ErrPermanent, "summarize", "load transcript",
			"subject has no transcript; dispatch TRANSCRIBE first", services.ErrNotFound)
	}
	source, _ := objectstore.SplitResultRef(transcribed.ResultRef)
	data, err := h.Artifacts.Fetch(ctx, source)
	if errors.Is(err, services.ErrNotFound) {
		return "", nil, services.Wrap(services.ErrPermanent, "summarize", "load transcript",
			fmt.Sprintf("transcript of job %s is missing", transcribed.ID), err)
	}
	if err != nil {
		return "", nil, err
	}
	return source, data, nil
}

// HealthCheck implements Handler.
func (h *SummarizeHandler) HealthCheck(ctx context.Context) Health {
	return runnerHealth(ctx, "summarize", h.Runner)
}

// MatchHandler plans cross-recording speaker links for the subject. The plan
// is computed read-only and applied inside the job's completion transaction.
type MatchHandler struct {
	Artifacts objectstore.Artifacts
	Matcher   *identity.Matcher
	Recorder  Recorder
}

// Execute implements Handler.
func (h *MatchHandler) Execute(ctx context.Context, run *Run) (Outcome, error) {
	job := run.Job
	plan, err := h.Matcher.Plan(ctx, job.OwnerID, job.SubjectID)
	if err != nil {
		return Outcome{}, services.Wrap(services.ErrTransient, "match", "plan", "compute match plan", err)
	}
	run.SetProgress(0.7)
	if err := run.Checkpoint(ctx); err != nil {
		return Outcome{}, err
	}

	resultRef, err := putJSON(ctx, h.Artifacts, objectstore.ResultRef(job.OwnerID, job.SubjectID, string(job.Kind), job.ID), plan)
	if err != nil {
		return Outcome{}, err
	}
	links, proposals := len(plan.Links), len(plan.Proposals)
	recorder := h.Recorder
	return Outcome{
		ResultRef: resultRef,
		Writes:    []jobs.TxWriter{h.Matcher.Apply(plan)},
		OnCommit: func() {
			if recorder != nil {
				recorder.IdentityPlanned(links, proposals)
			}
			run.Logger.Info("identity match applied",
				logging.Int("links", links),
				logging.Int("candidates", proposals),
				logging.Int("compared", plan.Compared),
				logging.String(logging.FieldEventType, "match_applied"),
			)
		},
	}, nil
}

// HealthCheck implements Handler.
func (h *MatchHandler) HealthCheck(context.Context) Health {
	if h.Matcher == nil {
		return Unhealthy("match", "matcher not configured")
	}
	return Healthy("match")
}

type healthChecker interface {
	HealthCheck(ctx context.Context) error
}

func runnerHealth(ctx context.Context, name string, runner inference.Runner) Health {
	if runner == nil {
		return Unhealthy(name, "inference runner not configured")
	}
	checker, ok := runner.(healthChecker)
	if !ok {
		return Healthy(name)
	}
	if err := checker.HealthCheck(ctx); err != nil {
		return Unhealthy(name, err.Error())
	}
	return Healthy(name)
}

func subjectRef(job *jobs.Job) string {
	if ref := strings.TrimSpace(job.Params[ParamObjectRef]); ref != "" {
		return ref
	}
	return job.SubjectID
}

func putJSON(ctx context.Context, artifacts objectstore.Artifacts, ref string, value any) (string, error) {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return "", services.Wrap(services.ErrInfrastructure, "workflow", "encode artifact", ref, err)
	}
	digest, err := artifacts.Put(ctx, ref, data)
	if err != nil {
		return "", err
	}
	return ref + "#" + digest, nil
}

package inference

import "context"

// Request describes one inference call.
type Request struct {
	JobID      string
	SubjectRef string
	Kind       string
	Params     map[string]string
	Media      []byte
}

// Segment is a diarized slice of the transcript.
type Segment struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker string  `json:"speaker,omitempty"`
	Text    string  `json:"text"`
}

// Speaker is one diarized voice and its embedding.
type Speaker struct {
	Label       string    `json:"label"`
	DisplayName string    `json:"display_name,omitempty"`
	Embedding   []float32 `json:"embedding"`
}

// Result is the model server's answer.
type Result struct {
	Transcript string    `json:"transcript,omitempty"`
	Summary    string    `json:"summary,omitempty"`
	Language   string    `json:"language,omitempty"`
	Segments   []Segment `json:"segments,omitempty"`
	Speakers   []Speaker `json:"speakers,omitempty"`
}

// Runner executes inference. Implementations must honour ctx cancellation.
type Runner interface {
	Run(ctx context.Context, req Request) (Result, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, req Request) (Result, error)

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

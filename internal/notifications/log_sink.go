package notifications

import (
	"context"
	"log/slog"

	"diarist/internal/logging"
)

// LogSink writes every event to the daemon log at debug level. It is the
// sink used when nothing external is configured.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink builds a log sink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &LogSink{logger: logger}
}

// Name identifies the sink in logs and metrics.
func (l *LogSink) Name() string { return "log" }

// Publish logs the event.
func (l *LogSink) Publish(_ context.Context, event Event) error {
	l.logger.Debug("job event",
		logging.Int64("sequence", int64(event.Sequence)),
		logging.String(logging.FieldJobID, event.JobID),
		logging.String(logging.FieldSubjectID, event.SubjectID),
		logging.String(logging.FieldKind, string(event.Kind)),
		logging.String(logging.FieldStatus, string(event.Status)),
		logging.Float64("progress", event.Progress),
	)
	return nil
}

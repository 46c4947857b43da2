package notifications

import (
	"errors"
	"log/slog"

	"diarist/internal/config"
)

// NewSinksFromConfig builds every configured external sink, falling back to
// a log sink when none is configured. Sinks that fail to build are skipped
// and their errors joined; the ones that did build are still returned.
func NewSinksFromConfig(cfg config.Notifications, logger *slog.Logger) ([]EventSink, error) {
	var (
		sinks []EventSink
		errs  []error
	)
	if ntfy := NewNtfySink(cfg); ntfy != nil {
		sinks = append(sinks, ntfy)
	}
	if ws := NewWebSocketSink(cfg.WebSocketURL, nil); ws != nil {
		sinks = append(sinks, ws)
	}
	if len(cfg.KafkaBrokers) > 0 {
		kafka, err := NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaTopic, "diarist")
		if err != nil {
			errs = append(errs, err)
		} else {
			sinks = append(sinks, kafka)
		}
	}
	if len(sinks) == 0 {
		sinks = append(sinks, NewLogSink(logger))
	}
	return sinks, errors.Join(errs...)
}

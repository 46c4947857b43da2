// Package logging builds the slog loggers used across diarist and provides
// the attribute helpers and standard field names that keep log lines
// consistent between the worker pool, the detector, and the CLI.
package logging

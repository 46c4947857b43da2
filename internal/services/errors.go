package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"diarist/internal/jobs"
)

var (
	// ErrTransient marks failures that may succeed when retried (network blips,
	// temporary resource exhaustion).
	ErrTransient = errors.New("transient failure")
	// ErrPermanent marks input failures that cannot succeed on retry (corrupt
	// media, unsupported format, no detectable content).
	ErrPermanent = errors.New("permanent failure")
	// ErrInfrastructure marks failures of the execution substrate itself.
	ErrInfrastructure = errors.New("infrastructure failure")
	// ErrCancelled marks a cooperative stop after a cancellation request.
	ErrCancelled     = errors.New("cancelled")
	ErrValidation    = errors.New("validation error")
	ErrConfiguration = errors.New("configuration error")
	ErrNotFound      = errors.New("not found")
	ErrTimeout       = errors.New("timeout")
)

// Wrap builds an error message that includes component context while tagging
// it with the provided marker for later classification. The marker should be
// one of the exported sentinel errors above.
func Wrap(marker error, component, operation, message string, err error) error {
	detail := buildDetail(component, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// IsCancellation reports whether err represents a cooperative stop rather
// than a failure.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// FailureKind maps a handler error to the failure class persisted on the job.
// Unmarked errors are treated as transient; input problems are always marked
// explicitly by the handler that detects them.
func FailureKind(err error) jobs.ErrorKind {
	switch {
	case err == nil:
		return jobs.ErrorKindTransient
	case errors.Is(err, ErrPermanent), errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound):
		return jobs.ErrorKindPermanent
	case errors.Is(err, ErrInfrastructure), errors.Is(err, ErrConfiguration):
		return jobs.ErrorKindInfrastructure
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, ErrTimeout):
		return jobs.ErrorKindTransient
	default:
		return jobs.ErrorKindTransient
	}
}

func buildDetail(component, operation, message string) string {
	parts := make([]string, 0, 3)
	if component = strings.TrimSpace(component); component != "" {
		parts = append(parts, component)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}

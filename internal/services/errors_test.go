package services_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"diarist/internal/jobs"
	"diarist/internal/services"
)

func TestWrapIncludesContext(t *testing.T) {
	base := errors.New("boom")
	err := services.Wrap(services.ErrTransient, "inference", "run", "model server unavailable", base)
	if err == nil {
		t.Fatal("expected error")
	}
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected marker to be retained, got %v", err)
	}
	if !errors.Is(err, base) {
		t.Fatalf("expected wrapped error to contain base error, got %v", err)
	}
	msg := err.Error()
	for _, fragment := range []string{"inference", "run", "model server unavailable"} {
		if !strings.Contains(msg, fragment) {
			t.Fatalf("expected %q in error string %q", fragment, msg)
		}
	}
}

func TestWrapDefaultsToTransient(t *testing.T) {
	err := services.Wrap(nil, "", "", "", nil)
	if !errors.Is(err, services.ErrTransient) {
		t.Fatalf("expected transient marker, got %v", err)
	}
	if !strings.Contains(err.Error(), "service failure") {
		t.Fatalf("expected fallback detail, got %q", err.Error())
	}
}

func TestFailureKindMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want jobs.ErrorKind
	}{
		{"permanent", services.Wrap(services.ErrPermanent, "transcribe", "decode", "corrupt media", nil), jobs.ErrorKindPermanent},
		{"validation", services.Wrap(services.ErrValidation, "match", "plan", "bad embedding", nil), jobs.ErrorKindPermanent},
		{"infrastructure", services.Wrap(services.ErrInfrastructure, "worker", "lock", "lock dir gone", nil), jobs.ErrorKindInfrastructure},
		{"deadline", fmt.Errorf("fetch: %w", context.DeadlineExceeded), jobs.ErrorKindTransient},
		{"unmarked", errors.New("socket reset"), jobs.ErrorKindTransient},
	}
	for _, tc := range cases {
		if got := services.FailureKind(tc.err); got != tc.want {
			t.Fatalf("%s: expected %s, got %s", tc.name, tc.want, got)
		}
	}
}

func TestIsCancellation(t *testing.T) {
	if !services.IsCancellation(services.Wrap(services.ErrCancelled, "worker", "checkpoint", "requested", nil)) {
		t.Fatal("expected cancelled marker to be recognised")
	}
	if !services.IsCancellation(context.Canceled) {
		t.Fatal("expected context.Canceled to be recognised")
	}
	if services.IsCancellation(errors.New("boom")) {
		t.Fatal("plain error must not be a cancellation")
	}
}

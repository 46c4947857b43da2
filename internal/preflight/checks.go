package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"diarist/internal/config"
	"diarist/internal/services/inference"
)

const inferenceCheckTimeout = 10 * time.Second

// CheckInference verifies that the inference endpoint answers its health probe.
// An unset base URL is reported as skipped.
func CheckInference(ctx context.Context, cfg config.Inference) Result {
	const name = "Inference"

	base := strings.TrimSpace(cfg.BaseURL)
	if base == "" {
		return Result{Name: name, Skipped: true, Detail: "Not configured (transcribe and summarize run elsewhere)"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, inferenceCheckTimeout)
	defer cancel()

	client := inference.NewClient(inference.Config{
		BaseURL:        base,
		APIKey:         cfg.APIKey,
		TimeoutSeconds: cfg.TimeoutSeconds,
	})
	if err := client.HealthCheck(checkCtx); err != nil {
		return Result{Name: name, Detail: summarizeInferenceError(err)}
	}
	return Result{Name: name, Passed: true, Detail: base}
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	if strings.TrimSpace(path) == "" {
		return Result{Name: name, Detail: "not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

func summarizeInferenceError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "health check timed out (inference API unresponsive)"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "health check timed out (inference API unreachable)"
	}
	return err.Error()
}

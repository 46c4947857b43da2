package preflight

import (
	"context"
	"strings"

	"diarist/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name    string
	Passed  bool
	Skipped bool
	Detail  string
}

// RunAll executes every applicable check for the given config.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("Lock directory", cfg.Paths.LockDir),
		CheckDirectoryAccess("Object root", cfg.Paths.ObjectRoot),
	}
	if strings.TrimSpace(cfg.Paths.LogDir) != "" {
		results = append(results, CheckDirectoryAccess("Log directory", cfg.Paths.LogDir))
	}
	results = append(results, CheckInference(ctx, cfg.Inference))
	return results
}

// Failed returns the checks that neither passed nor were skipped.
func Failed(results []Result) []Result {
	var failed []Result
	for _, r := range results {
		if !r.Passed && !r.Skipped {
			failed = append(failed, r)
		}
	}
	return failed
}

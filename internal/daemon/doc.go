// Package daemon coordinates the long-running diarist process.
//
// It wraps the workflow engine in a lifecycle guarded by a flock-based lock
// so only one daemon owns the job database's worker pool and recovery loop
// at a time. When a metrics bind is configured the daemon also serves
// Prometheus metrics and a JSON health probe.
//
// Keep orchestration here: job semantics belong to the workflow and jobs
// packages while the daemon focuses on startup, shutdown, and status.
package daemon

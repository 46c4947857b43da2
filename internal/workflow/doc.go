// Package workflow runs jobs and recovers the ones that stall.
//
// The Manager is the worker pool: each worker slot takes the oldest PENDING
// job of the kinds it serves, holds a substrate lease for it, claims it, and
// runs the kind's Handler while a heartbeat goroutine keeps last_update_at
// fresh and relays cancellation requests. Outcomes are committed through the
// job store's fenced transitions, so a worker whose job was reclaimed cannot
// write anything.
//
// The Detector scans non-terminal jobs for staleness per kind and confirms a
// dead or unresponsive worker through the substrate before flagging. The
// Policy turns each flagged job into a retry, an orphan, or a reclaimed
// cancellation, retries transient failures as new jobs, and releases old
// orphans for purging. Engine ties these together with the notification hub
// and exposes the caller operations.
package workflow

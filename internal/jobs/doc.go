// Package jobs persists JobRecords in SQLite and exposes the compare-and-swap
// transitions that drive their lifecycle.
//
// Every mutation is a single conditional UPDATE guarded by the expected
// status and either the worker's claim token or the row version, so a
// detector-issued retry and a worker's in-flight completion can never both
// succeed. A partial unique index on (subject_id, kind) over the non-terminal
// statuses enforces that at most one job per subject and kind is active.
//
// The Store owns the database file and its migrations, including the identity
// tables; the identity package writes through the same *sql.DB so voice-print
// rows can be committed in the same transaction that completes a job.
package jobs

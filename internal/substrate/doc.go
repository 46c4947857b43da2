// Package substrate answers whether the executor behind a job is still
// running.
//
// Every worker slot holds an exclusive advisory lock on a per-job file while
// it executes. The kernel drops the lock when the process dies, so a probe
// that can take the lock proves the executor is gone even when the daemon
// crashed without recording anything.
package substrate

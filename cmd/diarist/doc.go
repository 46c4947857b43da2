// Command diarist is the operator CLI for the diarist job engine.
//
// It starts and stops the daemon, dispatches transcribe, summarize, and
// match jobs, inspects job status and retry history, lists stuck work,
// triggers emergency recovery of orphaned jobs, and reviews speaker match
// candidates. Every command except `config init` talks to the daemon over
// its Unix socket; pass --json for machine-readable output.
package main

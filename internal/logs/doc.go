// Package logs reads the daemon log file for `diarist logs`.
//
// Tail returns the last N matching lines and an offset; passing that offset
// back with Follow set waits for new lines instead of rereading the file.
// MatchField narrows output to one job or subject in either the console or
// JSON log format.
package logs

// Package inference talks to the model server that turns media into
// transcripts, summaries, and speaker embeddings.
//
// Runner is the collaborator contract used by the worker pool; Client is the
// HTTP implementation. Calls may run for hours, so the client applies no
// timeout of its own unless configured and relies on context cancellation.
// Failures are tagged with the services error markers so the worker can
// classify them without inspecting HTTP details.
package inference

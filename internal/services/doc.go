// Package services defines shared utilities consumed by the job handlers and
// the external collaborators they call.
//
// Key responsibilities:
//   - Context helpers that stamp job IDs, kinds, worker names, and correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper that classify failures as
//     transient, permanent, infrastructure, or cancellation.
//
// Collaborator contracts live in the subpackages (inference, objectstore) so
// handlers can be exercised against fakes.
package services

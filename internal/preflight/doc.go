// Package preflight provides readiness checks for the filesystem paths and
// the inference collaborator that diarist depends on.
//
// The daemon runs RunAll when it starts so a misconfigured data directory is
// logged before the first job is claimed. The CLI status command renders the
// same results alongside runtime state.
package preflight

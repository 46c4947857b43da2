// Package config loads, normalizes, and validates diarist's TOML
// configuration.
//
// Defaults cover a single-host deployment: a SQLite job database under the
// data directory, a small worker pool, and per-kind processing and queue
// timeouts. Load resolves the config path, decodes it over Default(),
// expands paths, and validates the result so downstream packages can trust
// every field.
package config

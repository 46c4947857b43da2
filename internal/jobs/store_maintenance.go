package jobs

import (
	"context"
	"fmt"
	"strings"
)

// Stats returns a count of jobs grouped by status.
func (s *Store) Stats(ctx context.Context) (map[Status]int, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[Status]int)
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[Status(status)] = count
	}
	return stats, rows.Err()
}

// DatabaseHealth reports the outcome of a database self-check.
type DatabaseHealth struct {
	Path           string   `json:"path"`
	IntegrityCheck string   `json:"integrity_check"`
	Migrations     []string `json:"migrations"`
	TotalJobs      int      `json:"total_jobs"`
	Healthy        bool     `json:"healthy"`
}

// CheckHealth runs SQLite's integrity check and reports applied migrations.
func (s *Store) CheckHealth(ctx context.Context) (DatabaseHealth, error) {
	ctx = ensureContext(ctx)
	health := DatabaseHealth{Path: s.path}

	if err := s.db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&health.IntegrityCheck); err != nil {
		return health, fmt.Errorf("integrity check: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations ORDER BY version`)
	if err != nil {
		return health, fmt.Errorf("list migrations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return health, err
		}
		health.Migrations = append(health.Migrations, version)
	}
	if err := rows.Err(); err != nil {
		return health, err
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM jobs`).Scan(&health.TotalJobs); err != nil {
		return health, fmt.Errorf("count jobs: %w", err)
	}
	health.Healthy = strings.EqualFold(health.IntegrityCheck, "ok")
	return health, nil
}

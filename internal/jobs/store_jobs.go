package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Dispatch inserts a PENDING job for the subject and kind. When a non-terminal
// job already exists, the existing job is returned together with
// ErrAlreadyActive so repeated calls resolve to the same job id.
func (s *Store) Dispatch(ctx context.Context, req DispatchRequest) (*Job, error) {
	ctx = ensureContext(ctx)
	req.OwnerID = strings.TrimSpace(req.OwnerID)
	req.SubjectID = strings.TrimSpace(req.SubjectID)
	if req.OwnerID == "" || req.SubjectID == "" {
		return nil, errors.New("dispatch: owner and subject are required")
	}
	kind, err := ParseKind(string(req.Kind))
	if err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.defaultMaxRetries
	}
	params, err := nullableParams(req.Params)
	if err != nil {
		return nil, fmt.Errorf("dispatch: encode params: %w", err)
	}

	// The partial unique index arbitrates concurrent dispatches; the loser
	// reads back the winner. A winner that finished between the failed insert
	// and the lookup leaves nothing to return, so the insert is attempted again.
	for attempt := 0; attempt < 3; attempt++ {
		now := formatTime(s.Now())
		var job *Job
		err := s.withTx(ctx, func(tx *sql.Tx) error {
			row := tx.QueryRowContext(ctx,
				`INSERT INTO jobs (id, owner_id, subject_id, kind, status, params_json, created_at, queued_at, updated_at, retry_count, max_retries, retry_of)
                 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
                 RETURNING `+jobColumns,
				uuid.NewString(), req.OwnerID, req.SubjectID, string(kind), string(StatusPending), params,
				now, now, now, req.RetryCount, maxRetries, nullableString(req.RetryOf),
			)
			inserted, scanErr := scanJob(row)
			if scanErr != nil {
				return scanErr
			}
			job = inserted
			return nil
		})
		if err == nil {
			s.notify(ctx, job)
			return job, nil
		}
		if !isUniqueViolation(err) {
			return nil, fmt.Errorf("dispatch: %w", err)
		}
		existing, lookupErr := s.ActiveFor(ctx, req.SubjectID, kind)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if existing != nil {
			return existing, fmt.Errorf("%w: job %s for subject %s", ErrAlreadyActive, existing.ID, req.SubjectID)
		}
	}
	return nil, fmt.Errorf("dispatch: subject %s kind %s kept conflicting", req.SubjectID, kind)
}

// Get fetches a job by ID.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ActiveFor returns the non-terminal job for the subject and kind, if any.
func (s *Store) ActiveFor(ctx context.Context, subjectID string, kind Kind) (*Job, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE subject_id = ? AND kind = ? AND status IN (`+activeStatusList()+`) LIMIT 1`,
		subjectID, string(kind),
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active job lookup: %w", err)
	}
	return job, nil
}

// NextPending returns the oldest PENDING job of the given kinds, or nil when
// none is waiting. An empty kinds slice matches every kind; jobs listed in
// skip are passed over.
func (s *Store) NextPending(ctx context.Context, kinds []Kind, skip ...string) (*Job, error) {
	ctx = ensureContext(ctx)
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE status = ?`
	args := []any{string(StatusPending)}
	if len(kinds) > 0 {
		query += ` AND kind IN (` + makePlaceholders(len(kinds)) + `)`
		for _, kind := range kinds {
			args = append(args, string(kind))
		}
	}
	if len(skip) > 0 {
		query += ` AND id NOT IN (` + makePlaceholders(len(skip)) + `)`
		for _, id := range skip {
			args = append(args, id)
		}
	}
	query += ` ORDER BY queued_at ASC, id ASC LIMIT 1`
	job, err := scanJob(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next pending: %w", err)
	}
	return job, nil
}

// ListByStatus returns jobs in the given statuses, oldest first.
func (s *Store) ListByStatus(ctx context.Context, statuses ...Status) ([]*Job, error) {
	ctx = ensureContext(ctx)
	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, statusArgs(statuses)...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return scanJobs(rows)
}

// ListActive returns every non-terminal job.
func (s *Store) ListActive(ctx context.Context) ([]*Job, error) {
	return s.ListByStatus(ctx, activeStatuses...)
}

// ListByOwner returns the owner's jobs in the given statuses (all when empty).
func (s *Store) ListByOwner(ctx context.Context, ownerID string, statuses ...Status) ([]*Job, error) {
	ctx = ensureContext(ctx)
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE owner_id = ?`
	args := []any{ownerID}
	if len(statuses) > 0 {
		query += ` AND status IN (` + makePlaceholders(len(statuses)) + `)`
		args = append(args, statusArgs(statuses)...)
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list owner jobs: %w", err)
	}
	return scanJobs(rows)
}

// ListUpdatedSince returns the owner's jobs changed after since. Clients use
// it to reconcile events they missed. An empty ownerID lists every owner.
func (s *Store) ListUpdatedSince(ctx context.Context, ownerID string, since time.Time) ([]*Job, error) {
	ctx = ensureContext(ctx)
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE updated_at > ?`
	args := []any{formatTime(since)}
	if ownerID != "" {
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY updated_at ASC, id ASC`, args...)
	if err != nil {
		return nil, fmt.Errorf("list updated jobs: %w", err)
	}
	return scanJobs(rows)
}

// LatestCompleted returns the owner's most recently completed job of kind
// for the subject, or nil when none has finished.
func (s *Store) LatestCompleted(ctx context.Context, ownerID, subjectID string, kind Kind) (*Job, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE owner_id = ? AND subject_id = ? AND kind = ? AND status = ?
         ORDER BY completed_at DESC, id DESC LIMIT 1`,
		ownerID, subjectID, string(kind), string(StatusCompleted),
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest completed lookup: %w", err)
	}
	return job, nil
}

// Successor returns the job that retries the given job, if one was created.
func (s *Store) Successor(ctx context.Context, id string) (*Job, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE retry_of = ? ORDER BY created_at DESC LIMIT 1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("successor lookup: %w", err)
	}
	return job, nil
}

// ListUnresolvedFailures returns retryable ERROR jobs that have neither been
// retried nor superseded by a later job for the same subject and kind. Jobs
// whose cancellation was requested are left alone.
func (s *Store) ListUnresolvedFailures(ctx context.Context) ([]*Job, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs j
         WHERE j.status = ? AND j.error_kind IN (?, ?) AND j.cancellation_requested = 0
           AND NOT EXISTS (
               SELECT 1 FROM jobs n
               WHERE n.retry_of = j.id
                  OR (n.subject_id = j.subject_id AND n.kind = j.kind AND n.created_at > j.created_at)
           )
         ORDER BY j.updated_at ASC, j.id ASC`,
		string(StatusError), string(ErrorKindTransient), string(ErrorKindInfrastructure),
	)
	if err != nil {
		return nil, fmt.Errorf("list unresolved failures: %w", err)
	}
	return scanJobs(rows)
}

// Attempts returns the retry history for a job, oldest first.
func (s *Store) Attempts(ctx context.Context, id string) ([]Attempt, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, attempt, outcome, message, recorded_at FROM job_attempts WHERE job_id = ? ORDER BY id ASC`, id)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			attempt  Attempt
			message  sql.NullString
			recorded string
		)
		if err := rows.Scan(&attempt.JobID, &attempt.Attempt, &attempt.Outcome, &message, &recorded); err != nil {
			return nil, err
		}
		attempt.Message = message.String
		if t, err := parseTimeString(recorded); err == nil {
			attempt.RecordedAt = t
		}
		out = append(out, attempt)
	}
	return out, rows.Err()
}

// recordAttempt appends to the retry history. attempt is 1-based.
func (s *Store) recordAttempt(ctx context.Context, tx *sql.Tx, jobID string, attempt int, outcome, message string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO job_attempts (job_id, attempt, outcome, message, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		jobID, attempt, outcome, nullableString(message), formatTime(s.Now()),
	)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

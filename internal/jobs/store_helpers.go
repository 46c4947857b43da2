package jobs

import (
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

const jobColumns = "id, owner_id, subject_id, kind, status, params_json, created_at, queued_at, started_at, last_update_at, completed_at, orphaned_at, updated_at, retry_count, max_retries, cancellation_requested, error_message, error_kind, force_delete_eligible, progress, version, claim_token, worker_handle, result_ref, retry_of"

// timeLayout is fixed-width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		job           Job
		kind, status  string
		params        sql.NullString
		createdRaw    string
		queuedRaw     string
		startedRaw    sql.NullString
		lastUpdateRaw sql.NullString
		completedRaw  sql.NullString
		orphanedRaw   sql.NullString
		updatedRaw    string
		cancelFlag    int64
		errorMessage  sql.NullString
		errorKind     sql.NullString
		forceDelete   int64
		claimToken    sql.NullString
		workerHandle  sql.NullString
		resultRef     sql.NullString
		retryOf       sql.NullString
	)
	if err := scanner.Scan(
		&job.ID,
		&job.OwnerID,
		&job.SubjectID,
		&kind,
		&status,
		&params,
		&createdRaw,
		&queuedRaw,
		&startedRaw,
		&lastUpdateRaw,
		&completedRaw,
		&orphanedRaw,
		&updatedRaw,
		&job.RetryCount,
		&job.MaxRetries,
		&cancelFlag,
		&errorMessage,
		&errorKind,
		&forceDelete,
		&job.Progress,
		&job.Version,
		&claimToken,
		&workerHandle,
		&resultRef,
		&retryOf,
	); err != nil {
		return nil, err
	}

	job.Kind = Kind(kind)
	job.Status = Status(status)
	job.CancellationRequested = cancelFlag != 0
	job.ForceDeleteEligible = forceDelete != 0
	job.ErrorMessage = errorMessage.String
	job.ErrorKind = ErrorKind(errorKind.String)
	job.ClaimToken = claimToken.String
	job.WorkerHandle = workerHandle.String
	job.ResultRef = resultRef.String
	job.RetryOf = retryOf.String
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &job.Params); err != nil {
			return nil, err
		}
	}

	if t, err := parseTimeString(createdRaw); err == nil {
		job.CreatedAt = t
	}
	if t, err := parseTimeString(queuedRaw); err == nil {
		job.QueuedAt = t
	}
	if t, err := parseTimeString(updatedRaw); err == nil {
		job.UpdatedAt = t
	}
	job.StartedAt = parseNullableTime(startedRaw)
	job.LastUpdateAt = parseNullableTime(lastUpdateRaw)
	job.CompletedAt = parseNullableTime(completedRaw)
	job.OrphanedAt = parseNullableTime(orphanedRaw)
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	defer rows.Close()
	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func nullableParams(params map[string]string) (any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func parseNullableTime(value sql.NullString) *time.Time {
	if !value.Valid {
		return nil
	}
	t, err := parseTimeString(value.String)
	if err != nil {
		return nil
	}
	return &t
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	return time.Parse(time.RFC3339Nano, value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", count), ",")
}

func statusArgs(statuses []Status) []any {
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = string(status)
	}
	return args
}

func activeStatusList() string {
	return "'PENDING', 'PROCESSING', 'CANCELLING'"
}

package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"diarist/internal/identity"
	"diarist/internal/ipc"
	"diarist/internal/jobs"
)

func buildJobStatusRows(stats map[string]int) [][]string {
	if len(stats) == 0 {
		return nil
	}
	rows := make([][]string, 0, len(stats))
	for _, status := range jobs.AllStatuses() {
		count, ok := stats[string(status)]
		if !ok || count == 0 {
			continue
		}
		rows = append(rows, []string{formatStatusLabel(string(status)), fmt.Sprintf("%d", count)})
	}
	return rows
}

func buildJobListRows(list []jobs.Job) [][]string {
	if len(list) == 0 {
		return nil
	}
	sorted := make([]jobs.Job, len(list))
	copy(sorted, list)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID > sorted[j].ID
		}
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	rows := make([][]string, 0, len(sorted))
	for _, job := range sorted {
		rows = append(rows, []string{
			job.ID,
			job.OwnerID,
			job.SubjectID,
			formatStatusLabel(string(job.Kind)),
			jobStatusLabel(job),
			fmt.Sprintf("%d/%d", job.RetryCount, job.MaxRetries),
			formatDisplayTime(job.UpdatedAt),
		})
	}
	return rows
}

func buildStuckRows(list []ipc.StuckJob) [][]string {
	rows := make([][]string, 0, len(list))
	for _, entry := range list {
		rows = append(rows, []string{
			entry.Job.ID,
			entry.Job.OwnerID,
			formatStatusLabel(string(entry.Job.Kind)),
			jobStatusLabel(entry.Job),
			formatAge(time.Duration(entry.AgeSeconds * float64(time.Second))),
			yesNo(entry.Alive),
			entry.Reason,
		})
	}
	return rows
}

func buildRecoveryRows(results []ipc.RecoveryResult) [][]string {
	rows := make([][]string, 0, len(results))
	for _, result := range results {
		detail := result.Reason
		if result.Error != "" {
			detail = result.Error
		}
		rows = append(rows, []string{result.JobID, result.Action, detail})
	}
	return rows
}

func buildCandidateRows(list []identity.Candidate) [][]string {
	rows := make([][]string, 0, len(list))
	for _, candidate := range list {
		rows = append(rows, []string{
			candidate.VoicePrintA,
			candidate.VoicePrintB,
			fmt.Sprintf("%.3f", candidate.Confidence),
			formatStatusLabel(string(candidate.Status)),
			formatDisplayTime(candidate.CreatedAt),
		})
	}
	return rows
}

func buildProfileRows(list []identity.Profile) [][]string {
	rows := make([][]string, 0, len(list))
	for _, profile := range list {
		rows = append(rows, []string{profile.ID, profile.Name, formatDisplayTime(profile.CreatedAt)})
	}
	return rows
}

func buildVoicePrintRows(list []identity.VoicePrint) [][]string {
	rows := make([][]string, 0, len(list))
	for _, vp := range list {
		rows = append(rows, []string{vp.ID, vp.SubjectID, vp.Label, vp.DisplayName, formatDisplayTime(vp.UpdatedAt)})
	}
	return rows
}

func jobStatusLabel(job jobs.Job) string {
	label := formatStatusLabel(string(job.Status))
	switch {
	case job.CancellationRequested && job.Status.IsActive():
		label += " (cancel requested)"
	case job.ForceDeleteEligible:
		label += " (delete eligible)"
	case job.Status == jobs.StatusError && retryableKind(job.ErrorKind) && !job.RetriesExhausted():
		label += fmt.Sprintf(" (retrying %d/%d)", job.RetryCount+1, job.MaxRetries)
	case job.Status == jobs.StatusPending && job.RetryCount > 0:
		label += fmt.Sprintf(" (retry %d/%d)", job.RetryCount, job.MaxRetries)
	}
	return label
}

func retryableKind(kind jobs.ErrorKind) bool {
	return kind == jobs.ErrorKindTransient || kind == jobs.ErrorKindInfrastructure
}

func formatStatusLabel(status string) string {
	status = strings.TrimSpace(status)
	if status == "" {
		return ""
	}
	parts := strings.Split(status, "_")
	for i, part := range parts {
		lower := strings.ToLower(part)
		if lower == "" {
			continue
		}
		parts[i] = strings.ToUpper(lower[:1]) + lower[1:]
	}
	return strings.Join(parts, " ")
}

func formatDisplayTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02 15:04")
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatDisplayTime(*t)
}

func formatAge(d time.Duration) string {
	if d <= 0 {
		return "0s"
	}
	return d.Round(time.Second).String()
}

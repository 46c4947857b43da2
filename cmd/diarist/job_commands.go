package main

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"diarist/internal/config"
	"diarist/internal/ipc"
	"diarist/internal/jobs"
	"diarist/internal/language"
	"diarist/internal/services/objectstore"
	"diarist/internal/workflow"
)

func newDispatchCommand(ctx *commandContext) *cobra.Command {
	var owner string
	var maxRetries int
	var params map[string]string
	var file string

	cmd := &cobra.Command{
		Use:   "dispatch <kind> <subject-id>",
		Short: "Enqueue a transcribe, summarize, or match job",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(owner) == "" {
				return errors.New("--owner is required")
			}
			if strings.TrimSpace(file) != "" {
				ref, err := importMedia(cmd, ctx, owner, args[1], file)
				if err != nil {
					return err
				}
				if params == nil {
					params = make(map[string]string, 1)
				}
				params[workflow.ParamObjectRef] = ref
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Dispatch(ipc.DispatchRequest{
					OwnerID:    owner,
					SubjectID:  args[1],
					Kind:       args[0],
					MaxRetries: maxRetries,
					Params:     params,
				})
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				if resp.Existing {
					fmt.Fprintf(out, "Job %s already active for %s (%s)\n", resp.Job.ID, resp.Job.SubjectID, formatStatusLabel(string(resp.Job.Status)))
					return nil
				}
				fmt.Fprintf(out, "Dispatched %s job %s for %s\n", formatStatusLabel(string(resp.Job.Kind)), resp.Job.ID, resp.Job.SubjectID)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Owner the subject belongs to")
	cmd.Flags().IntVar(&maxRetries, "max-retries", 0, "Automatic retry ceiling (0 uses the configured default)")
	cmd.Flags().StringToStringVar(&params, "param", nil, "Job parameter as key=value (repeatable)")
	cmd.Flags().StringVar(&file, "file", "", "Local media file to import into the object root before dispatch")
	return cmd
}

func importMedia(cmd *cobra.Command, ctx *commandContext, owner, subject, file string) (string, error) {
	cfg, err := ctx.ensureConfig()
	if err != nil {
		return "", err
	}
	src, err := config.ExpandPath(file)
	if err != nil {
		return "", fmt.Errorf("resolve media path: %w", err)
	}
	store, err := objectstore.NewFilesystem(cfg.Paths.ObjectRoot)
	if err != nil {
		return "", err
	}
	ref := objectstore.UploadRef(owner, subject, src)
	digest, err := store.Import(cmd.Context(), ref, src)
	if err != nil {
		return "", err
	}
	if !ctx.jsonOutput() {
		fmt.Fprintf(cmd.OutOrStdout(), "Imported %s as %s (%s)\n", filepath.Base(src), ref, digest)
	}
	return ref, nil
}

func newJobCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "job <id>",
		Short: "Show one job with its retry history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.JobStatus(strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				printJobDetail(cmd, resp)
				return nil
			})
		},
	}
}

func printJobDetail(cmd *cobra.Command, resp *ipc.JobStatusResponse) {
	out := cmd.OutOrStdout()
	job := resp.Job
	fields := [][2]string{
		{"ID", job.ID},
		{"Owner", job.OwnerID},
		{"Subject", job.SubjectID},
		{"Kind", formatStatusLabel(string(job.Kind))},
		{"Status", jobStatusLabel(job)},
	}
	if hint := job.Params[workflow.ParamLanguage]; hint != "" {
		fields = append(fields, [2]string{"Language", language.DisplayName(hint)})
	}
	fields = append(fields, [][2]string{
		{"Retries", fmt.Sprintf("%d/%d", job.RetryCount, job.MaxRetries)},
		{"Progress", fmt.Sprintf("%.0f%%", job.Progress*100)},
		{"Queued", formatDisplayTime(job.QueuedAt)},
		{"Started", formatOptionalTime(job.StartedAt)},
		{"Last update", formatOptionalTime(job.LastUpdateAt)},
		{"Completed", formatOptionalTime(job.CompletedAt)},
	}...)
	if job.OrphanedAt != nil {
		fields = append(fields, [2]string{"Orphaned", formatOptionalTime(job.OrphanedAt)})
	}
	if job.ErrorMessage != "" {
		fields = append(fields, [2]string{"Error", fmt.Sprintf("%s (%s)", job.ErrorMessage, job.ErrorKind)})
	}
	if job.ResultRef != "" {
		fields = append(fields, [2]string{"Result", job.ResultRef})
	}
	if job.RetryOf != "" {
		fields = append(fields, [2]string{"Retry of", job.RetryOf})
	}
	if resp.Successor != nil {
		fields = append(fields, [2]string{"Retried as", resp.Successor.ID})
	}
	for _, field := range fields {
		fmt.Fprintf(out, "%-12s %s\n", field[0]+":", field[1])
	}
	if len(resp.Attempts) == 0 {
		return
	}
	fmt.Fprintln(out)
	rows := make([][]string, 0, len(resp.Attempts))
	for _, attempt := range resp.Attempts {
		rows = append(rows, []string{
			fmt.Sprintf("%d", attempt.Attempt),
			attempt.Outcome,
			formatDisplayTime(attempt.RecordedAt),
			attempt.Message,
		})
	}
	printTable(cmd, "", []string{"Attempt", "Outcome", "Recorded", "Message"}, rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignLeft})
}

func newJobsCommand(ctx *commandContext) *cobra.Command {
	var owner string
	var statuses []string
	var since string
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			req := ipc.ListJobsRequest{OwnerID: owner, Statuses: statuses}
			if strings.TrimSpace(since) != "" {
				at, err := parseSince(since, time.Now())
				if err != nil {
					return err
				}
				req.Since = &at
				req.WaitSeconds = wait.Seconds()
			} else if wait > 0 {
				return fmt.Errorf("--wait requires --since")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ListJobs(req)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				printTable(cmd, "No jobs found",
					[]string{"ID", "Owner", "Subject", "Kind", "Status", "Retries", "Updated"},
					buildJobListRows(resp.Jobs),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Only list jobs for this owner")
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "Filter by status (repeatable)")
	cmd.Flags().StringVar(&since, "since", "", "Only list jobs changed after this time (RFC3339) or within this duration (e.g. 15m)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "With --since, wait up to this long for a change")
	return cmd
}

// parseSince accepts an absolute RFC3339 timestamp or a look-back duration.
func parseSince(value string, now time.Time) (time.Time, error) {
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		if d < 0 {
			return time.Time{}, fmt.Errorf("invalid --since %q: duration must be positive", value)
		}
		return now.Add(-d).UTC(), nil
	}
	at, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --since %q: use a duration like 15m or an RFC3339 time", value)
	}
	return at.UTC(), nil
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Request cancellation of a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Cancel(strings.TrimSpace(args[0]))
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				if resp.Job.Status == jobs.StatusCancelled {
					fmt.Fprintf(out, "Job %s cancelled\n", resp.Job.ID)
					return nil
				}
				fmt.Fprintf(out, "Cancellation requested for job %s (%s)\n", resp.Job.ID, formatStatusLabel(string(resp.Job.Status)))
				return nil
			})
		},
	}
}

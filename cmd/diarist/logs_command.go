package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"diarist/internal/logging"
	"diarist/internal/logs"
)

func newLogsCommand(ctx *commandContext) *cobra.Command {
	var follow bool
	var lines int
	var jobID string
	var subjectID string

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Display daemon logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}

			opts := logs.TailOptions{Offset: -1, Limit: lines}
			if lines <= 0 {
				opts.Offset = 0
			}
			switch {
			case strings.TrimSpace(jobID) != "":
				opts.Match = logs.MatchField(logging.FieldJobID, strings.TrimSpace(jobID))
			case strings.TrimSpace(subjectID) != "":
				opts.Match = logs.MatchField(logging.FieldSubjectID, strings.TrimSpace(subjectID))
			}

			out := cmd.OutOrStdout()
			printed := false
			for {
				resp, err := logs.Tail(cmd.Context(), cfg.LogPath(), opts)
				if err != nil {
					if cmd.Context().Err() != nil {
						return nil
					}
					return fmt.Errorf("tail logs: %w", err)
				}
				for _, line := range resp.Lines {
					fmt.Fprintln(out, line)
					printed = true
				}
				if !follow {
					if !printed {
						fmt.Fprintln(out, "No log entries available")
					}
					return nil
				}
				opts.Offset = resp.Offset
				opts.Follow = true
				opts.Wait = time.Second
			}
		},
	}

	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Follow log output")
	cmd.Flags().IntVarP(&lines, "lines", "n", 10, "Number of lines to show (0 for all)")
	cmd.Flags().StringVar(&jobID, "job", "", "Only show lines for this job id")
	cmd.Flags().StringVar(&subjectID, "subject", "", "Only show lines for this subject id")
	return cmd
}

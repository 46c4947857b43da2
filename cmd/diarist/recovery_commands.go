package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"diarist/internal/ipc"
)

func newStuckCommand(ctx *commandContext) *cobra.Command {
	var owner string

	cmd := &cobra.Command{
		Use:   "stuck",
		Short: "List stuck and orphaned jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ListStuck(owner)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				printTable(cmd, "No stuck jobs",
					[]string{"ID", "Owner", "Kind", "Status", "Idle", "Alive", "Reason"},
					buildStuckRows(resp.Jobs),
					[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft, alignLeft})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Only list jobs for this owner")
	return cmd
}

func newRecoverCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "recover <id>...",
		Short: "Return orphaned jobs to the queue, bypassing the retry ceiling once",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids := make([]string, 0, len(args))
			for _, arg := range args {
				if id := strings.TrimSpace(arg); id != "" {
					ids = append(ids, id)
				}
			}
			if len(ids) == 0 {
				return errors.New("at least one job id is required")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Recover(ids)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				printTable(cmd, "Nothing recovered", []string{"Job", "Action", "Detail"},
					buildRecoveryRows(resp.Results), nil)
				if failed := countFailed(resp.Results); failed > 0 {
					return fmt.Errorf("%d of %d jobs could not be recovered", failed, len(resp.Results))
				}
				return nil
			})
		},
	}
}

func countFailed(results []ipc.RecoveryResult) int {
	n := 0
	for _, result := range results {
		if result.Error != "" {
			n++
		}
	}
	return n
}

func newScanCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run a stuck-job detection and recovery pass now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Scan()
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				results := make([]ipc.RecoveryResult, 0, len(resp.Stuck)+len(resp.Retried)+len(resp.Released))
				results = append(results, resp.Stuck...)
				results = append(results, resp.Retried...)
				results = append(results, resp.Released...)
				printTable(cmd, "No action needed", []string{"Job", "Action", "Detail"}, buildRecoveryRows(results), nil)
				if resp.Error != "" {
					fmt.Fprintf(out, "Scan incomplete: %s\n", resp.Error)
					return errors.New(resp.Error)
				}
				return nil
			})
		},
	}
}

func newPurgeCommand(ctx *commandContext) *cobra.Command {
	var owner string
	var yes bool

	cmd := &cobra.Command{
		Use:   "purge <subject-id>",
		Short: "Delete a subject's jobs, voice prints, and stored artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(owner) == "" {
				return errors.New("--owner is required")
			}
			if !yes {
				return errors.New("purge is irreversible; pass --yes to confirm")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.Purge(owner, args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Purged %s (%d jobs removed)\n", args[0], resp.Removed)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&owner, "owner", "", "Owner the subject belongs to")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Confirm the purge")
	return cmd
}

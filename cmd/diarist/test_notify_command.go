package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"diarist/internal/ipc"
)

func newTestNotifyCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "test-notify",
		Short: "Send a test notification through the configured ntfy topic",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.TestNotification()
				if err != nil {
					if resp != nil && resp.Message != "" {
						fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
					}
					return err
				}
				if resp == nil {
					return errors.New("missing notification response")
				}
				switch {
				case resp.Message != "":
					fmt.Fprintln(cmd.OutOrStdout(), resp.Message)
				case resp.Sent:
					fmt.Fprintln(cmd.OutOrStdout(), "Test notification sent")
				default:
					fmt.Fprintln(cmd.OutOrStdout(), "Notification not sent")
				}
				return nil
			})
		},
	}
}

func newDatabaseHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "db-health",
		Short: "Check job database integrity and schema version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.DatabaseHealth()
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				health := resp.Health
				fmt.Fprintf(out, "Database:   %s\n", health.Path)
				fmt.Fprintf(out, "Integrity:  %s\n", health.IntegrityCheck)
				fmt.Fprintf(out, "Migrations: %s\n", strings.Join(health.Migrations, ", "))
				fmt.Fprintf(out, "Jobs:       %d\n", health.TotalJobs)
				fmt.Fprintf(out, "Healthy:    %s\n", yesNo(health.Healthy))
				if resp.Error != "" {
					return errors.New(resp.Error)
				}
				return nil
			})
		},
	}
}

package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"diarist/internal/daemonctl"
	"diarist/internal/ipc"
)

func newDaemonCommands(ctx *commandContext) []*cobra.Command {
	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start the diarist daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			ctl, err := newController(ctx)
			if err != nil {
				return err
			}

			result, err := ctl.Start(cmd.Context())
			if err != nil {
				return err
			}

			if result.Launched {
				fmt.Fprintln(stdout, "Daemon not running, launching...")
			}

			switch result.State {
			case daemonctl.StartStateStarted:
				fmt.Fprintln(stdout, "Daemon started")
			case daemonctl.StartStateAlreadyRunning:
				fmt.Fprintln(stdout, "Daemon already running")
			case daemonctl.StartStateRequested:
				if strings.TrimSpace(result.Message) != "" {
					fmt.Fprintln(stdout, result.Message)
					return nil
				}
				fmt.Fprintln(stdout, "Start request sent")
			}
			return nil
		},
	}

	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the diarist daemon (completely terminates the process)",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			ctl := daemonctl.Controller{SocketPath: ctx.socketPath(), Config: ctx.configValue()}
			result, err := ctl.Stop(cmd.Context())
			if errors.Is(err, daemonctl.ErrDaemonNotRunning) {
				fmt.Fprintln(stdout, "Daemon is not running")
				return nil
			}
			if err != nil {
				return err
			}
			if !result.StopAcknowledged {
				fmt.Fprintln(stdout, "Stop request sent")
			} else {
				fmt.Fprintln(stdout, "Stopping worker pool...")
			}
			if result.ForcedKill && result.PID > 0 {
				fmt.Fprintf(stdout, "Stopping daemon process (pid %d)...\n", result.PID)
			}
			fmt.Fprintln(stdout, "Daemon stopped")
			return nil
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and job status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := ctx.configValue()
			snapshot, err := daemonctl.BuildStatusSnapshot(cmd.Context(), ctx.socketPath(), cfg)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, snapshot)
			}
			renderStatus(cmd, snapshot)
			return nil
		},
	}

	restartCmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the diarist daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			stdout := cmd.OutOrStdout()
			ctl, err := newController(ctx)
			if err != nil {
				return err
			}

			result, err := ctl.Restart(cmd.Context())
			if err != nil {
				return err
			}

			if result.WasRunning {
				if result.Stop.ForcedKill && result.Stop.PID > 0 {
					fmt.Fprintf(stdout, "Stopping daemon process (pid %d)...\n", result.Stop.PID)
				}
				fmt.Fprintln(stdout, "Daemon stopped")
			}

			switch result.Start.State {
			case daemonctl.StartStateStarted, daemonctl.StartStateAlreadyRunning:
				fmt.Fprintln(stdout, "Daemon restarted")
			case daemonctl.StartStateRequested:
				if strings.TrimSpace(result.Start.Message) != "" {
					fmt.Fprintln(stdout, result.Start.Message)
					return nil
				}
				fmt.Fprintln(stdout, "Start request sent")
			}
			return nil
		},
	}

	return []*cobra.Command{startCmd, stopCmd, restartCmd, statusCmd}
}

func renderStatus(cmd *cobra.Command, snapshot *daemonctl.Snapshot) {
	stdout := cmd.OutOrStdout()
	p := newStatusPrinter(stdout)

	p.section("System Status")
	for _, line := range snapshot.SystemChecks {
		p.line(line.Label, parseSeverity(line.Severity), line.Detail)
	}
	fmt.Fprintln(stdout)

	if len(snapshot.HandlerHealth) > 0 {
		p.section("Handlers")
		for _, h := range snapshot.HandlerHealth {
			sev, detail := handlerState(h)
			p.line(formatStatusLabel(h.Kind), sev, detail)
		}
		fmt.Fprintln(stdout)
	}

	if len(snapshot.InFlight) > 0 {
		p.section("In Flight")
		rows := make([][]string, 0, len(snapshot.InFlight))
		for _, run := range snapshot.InFlight {
			rows = append(rows, []string{
				run.JobID,
				formatStatusLabel(string(run.Kind)),
				run.SubjectID,
				run.Worker,
				fmt.Sprintf("%.0f%%", run.Progress*100),
				formatDisplayTime(run.Since),
			})
		}
		printTable(cmd, "", []string{"Job", "Kind", "Subject", "Worker", "Progress", "Since"}, rows,
			[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft, alignRight, alignLeft})
		fmt.Fprintln(stdout)
	}

	p.section("Job Status")
	printTable(cmd, "No jobs recorded", []string{"Status", "Count"}, buildJobStatusRows(snapshot.JobStats),
		[]columnAlignment{alignLeft, alignRight})
}

func handlerState(h ipc.HandlerHealth) (severity, string) {
	detail := strings.TrimSpace(h.Detail)
	if !h.Ready {
		if detail == "" {
			detail = "not ready"
		}
		return severityWarn, detail
	}
	if detail == "" {
		detail = "Ready"
	}
	return severityOK, detail
}

func newController(ctx *commandContext) (daemonctl.Controller, error) {
	exe, err := os.Executable()
	if err != nil {
		return daemonctl.Controller{}, fmt.Errorf("resolve executable: %w", err)
	}
	return daemonctl.Controller{
		SocketPath: ctx.socketPath(),
		Config:     ctx.configValue(),
		Executable: exe,
		Launch:     daemonLaunchOptions(ctx),
	}, nil
}

func daemonLaunchOptions(ctx *commandContext) daemonctl.LaunchOptions {
	opts := daemonctl.LaunchOptions{SocketPath: ctx.socketOverride()}
	if ctx.configFlag != nil {
		if config := strings.TrimSpace(*ctx.configFlag); config != "" {
			opts.ConfigPath = config
		}
	}
	return opts
}

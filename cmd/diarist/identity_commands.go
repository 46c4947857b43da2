package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"diarist/internal/ipc"
)

func newCandidatesCommand(ctx *commandContext) *cobra.Command {
	candidatesCmd := &cobra.Command{
		Use:   "candidates",
		Short: "Review proposed speaker matches",
	}

	var owner string
	var status string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List match candidates",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(owner) == "" {
				return errors.New("--owner is required")
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ListCandidates(owner, status)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				printTable(cmd, "No candidates",
					[]string{"Voice Print A", "Voice Print B", "Confidence", "Status", "Proposed"},
					buildCandidateRows(resp.Candidates),
					[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft})
				return nil
			})
		},
	}
	listCmd.Flags().StringVar(&owner, "owner", "", "Owner whose candidates to list")
	listCmd.Flags().StringVar(&status, "status", "", "PENDING (default), CONFIRMED, or REJECTED")

	candidatesCmd.AddCommand(listCmd)
	candidatesCmd.AddCommand(newReviewCommand(ctx, "confirm", "Link both voice prints to one speaker profile", true))
	candidatesCmd.AddCommand(newReviewCommand(ctx, "reject", "Reject a candidate so it is never proposed again", false))
	return candidatesCmd
}

func newReviewCommand(ctx *commandContext, use, short string, confirm bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <voiceprint-a> <voiceprint-b>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ReviewCandidate(args[0], args[1], confirm)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Candidate %s / %s %s\n",
					resp.Candidate.VoicePrintA, resp.Candidate.VoicePrintB,
					strings.ToLower(string(resp.Candidate.Status)))
				return nil
			})
		},
	}
}

func newProfilesCommand(ctx *commandContext) *cobra.Command {
	profilesCmd := &cobra.Command{
		Use:   "profiles",
		Short: "Manage speaker profiles",
	}

	var owner string
	profilesCmd.PersistentFlags().StringVar(&owner, "owner", "", "Owner of the profiles")
	requireOwner := func() error {
		if strings.TrimSpace(owner) == "" {
			return errors.New("--owner is required")
		}
		return nil
	}

	profilesCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List speaker profiles",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ListProfiles(owner)
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				printTable(cmd, "No profiles", []string{"ID", "Name", "Created"}, buildProfileRows(resp.Profiles), nil)
				return nil
			})
		},
	})

	profilesCmd.AddCommand(&cobra.Command{
		Use:   "show <profile-id>",
		Short: "Show a profile and the voice prints linked to it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.ShowProfile(args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "%-9s %s\n", "Profile:", resp.Profile.Name)
				fmt.Fprintf(out, "%-9s %s\n", "ID:", resp.Profile.ID)
				fmt.Fprintf(out, "%-9s %s\n\n", "Owner:", resp.Profile.OwnerID)
				printTable(cmd, "No voice prints linked",
					[]string{"Voice Print", "Subject", "Label", "Display Name", "Updated"},
					buildVoicePrintRows(resp.VoicePrints), nil)
				return nil
			})
		},
	})

	profilesCmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a named speaker profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireOwner(); err != nil {
				return err
			}
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.CreateProfile(owner, args[0])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Created profile %s (%s)\n", resp.Profile.Name, resp.Profile.ID)
				return nil
			})
		},
	})

	profilesCmd.AddCommand(&cobra.Command{
		Use:   "assign <voiceprint-id> <profile-id>",
		Short: "Attach a voice print to a profile",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.AssignProfile(args[0], args[1])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Voice print %s assigned to %s\n", resp.VoicePrint.ID, resp.VoicePrint.ProfileID)
				return nil
			})
		},
	})

	profilesCmd.AddCommand(&cobra.Command{
		Use:   "merge <keep-id> <merge-id>",
		Short: "Fold one profile into another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withClient(func(client *ipc.Client) error {
				resp, err := client.MergeProfiles(args[0], args[1])
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, resp)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Merged %s into %s (%d voice prints moved)\n", args[1], args[0], resp.Moved)
				return nil
			})
		},
	})

	return profilesCmd
}

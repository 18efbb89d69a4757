package cli

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rocketship-ai/qatrack/internal/environment"
)

// ListFlags holds the flags for the list command
type ListFlags struct {
	StoreID string
	JQ      string
}

// NewListCmd creates a new list command
func NewListCmd() *cobra.Command {
	flags := &ListFlags{}

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the environments of a store",
		Long: `List the environments of a store, newest first.

Examples:
  # Table output
  qatrack list --store store-1

  # Identifiers of environments still in progress
  qatrack list --store store-1 --jq '.[] | select(.status == "in_progress") | .identifier'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.StoreID, "store", "", "Store id (required)")
	cmd.Flags().StringVar(&flags.JQ, "jq", "", "jq expression applied to the JSON response")
	_ = cmd.MarkFlagRequired("store")

	return cmd
}

func runList(cmd *cobra.Command, flags *ListFlags) error {
	client, err := clientFromFlags(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	Logger.Debug("listing environments", "store_id", flags.StoreID)
	envs, raw, err := client.ListEnvironments(ctx, flags.StoreID)
	if err != nil {
		return fmt.Errorf("failed to list environments: %w", err)
	}

	if flags.JQ != "" {
		return runJQ(cmd.OutOrStdout(), flags.JQ, raw)
	}
	return displayEnvironmentsTable(cmd.OutOrStdout(), envs, time.Now())
}

func displayEnvironmentsTable(out io.Writer, envs []*environment.Environment, now time.Time) error {
	if len(envs) == 0 {
		_, err := fmt.Fprintln(out, "No environments found.")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer func() {
		if err := w.Flush(); err != nil {
			Logger.Debug("failed to flush writer", "error", err)
		}
	}()

	if _, err := fmt.Fprintf(w, "ID\tIDENTIFIER\tSTATUS\tPROGRESS\tELAPSED\tBUGS\tCREATED\n"); err != nil {
		return err
	}
	for _, env := range envs {
		stats := environment.AggregateStats(env)
		elapsed := environment.ElapsedMilliseconds(env.TimeTracking, env.Status == environment.StatusInProgress, now)
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\t%d\t%s\n",
			truncate(env.ID, 12),
			truncate(env.Identifier, 30),
			env.Status,
			stats.Combined.Concluded, stats.Combined.Total,
			environment.FormatDuration(elapsed),
			env.BugsCount,
			formatTime(env.CreatedAt),
		); err != nil {
			return err
		}
	}
	return nil
}

package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/rocketship-ai/qatrack/internal/controlplane"
	"github.com/rocketship-ai/qatrack/internal/environment"
)

// NewShowCmd creates the command that prints one environment
func NewShowCmd() *cobra.Command {
	var jq string

	cmd := &cobra.Command{
		Use:   "show <environment-id>",
		Short: "Show an environment with its scenario checklist",
		Long: `Show an environment with its scenario checklist and progress.

Examples:
  qatrack show 5c1f0c8e-...
  qatrack show 5c1f0c8e-... --jq '.scenarios | to_entries[] | select(.value.statusDesktop == "blocked") | .key'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			env, raw, err := client.GetEnvironment(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get environment: %w", err)
			}
			if jq != "" {
				return runJQ(cmd.OutOrStdout(), jq, raw)
			}

			summary, err := client.GetSummary(ctx, args[0])
			if err != nil {
				return fmt.Errorf("failed to get summary: %w", err)
			}
			return displayEnvironment(cmd.OutOrStdout(), env, summary)
		},
	}

	cmd.Flags().StringVar(&jq, "jq", "", "jq expression applied to the environment JSON")
	return cmd
}

func displayEnvironment(out io.Writer, env *environment.Environment, summary controlplane.EnvironmentSummary) error {
	fmt.Fprintf(out, "%s  %s\n", env.Identifier, statusLabel(env.Status))
	fmt.Fprintf(out, "ID:       %s\n", env.ID)
	fmt.Fprintf(out, "Store:    %s\n", env.StoreID)
	if env.SuiteName != "" {
		fmt.Fprintf(out, "Suite:    %s\n", env.SuiteName)
	}
	if env.Release != "" {
		fmt.Fprintf(out, "Release:  %s\n", env.Release)
	}
	fmt.Fprintf(out, "Elapsed:  %s\n", summary.Elapsed)
	fmt.Fprintf(out, "Bugs:     %d\n", summary.BugsCount)
	if env.ConcludedBy != nil {
		fmt.Fprintf(out, "Closed by %s\n", *env.ConcludedBy)
	}

	stats := summary.Stats
	fmt.Fprintf(out, "\nMobile   %d/%d concluded, %d running, %d pending\n",
		stats.Mobile.Concluded, stats.Mobile.Total, stats.Mobile.Running, stats.Mobile.Pending)
	fmt.Fprintf(out, "Desktop  %d/%d concluded, %d running, %d pending\n",
		stats.Desktop.Concluded, stats.Desktop.Total, stats.Desktop.Running, stats.Desktop.Pending)

	ids := make([]string, 0, len(env.Scenarios))
	for id := range env.Scenarios {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if len(ids) > 0 {
		fmt.Fprintln(out, "\nScenarios:")
	}
	for _, id := range ids {
		sc := env.Scenarios[id]
		ps := environment.PlatformStatuses(sc)
		fmt.Fprintf(out, "  %-20s mobile=%s desktop=%s  %s\n", truncate(id, 20), scenarioLabel(ps.Mobile), scenarioLabel(ps.Desktop), sc.Title)
	}
	return nil
}

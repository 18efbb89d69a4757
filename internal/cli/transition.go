package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rocketship-ai/qatrack/internal/environment"
)

// NewTransitionCmd creates the command that moves an environment between
// backlog, in_progress and done
func NewTransitionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "transition <environment-id> <backlog|in_progress|done>",
		Short: "Change the status of an environment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			target := environment.Status(args[1])
			if !target.Valid() {
				return fmt.Errorf("unknown status %q", args[1])
			}

			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			result, err := client.Transition(ctx, args[0], target)
			if err != nil {
				return fmt.Errorf("transition failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if !result.Changed {
				fmt.Fprintf(out, "%s environment already %s\n", color.YellowString("•"), target)
				return nil
			}
			fmt.Fprintf(out, "%s %s is now %s\n", color.GreenString("✓"), result.Environment.Identifier, statusLabel(result.Environment.Status))
			return nil
		},
	}
	return cmd
}

package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd creates a new root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "qatrack",
		Short:        "qatrack CLI",
		Long:         `qatrack tracks manual QA test environments: scenario checklists, time spent and bugs found.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Check if debug flag is set
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				_ = os.Setenv("QATRACK_LOG", "DEBUG")
			}

			// Initialize logging after potentially setting the debug env var
			InitLogging()
		},
	}

	// Add persistent flags
	cmd.PersistentFlags().Bool("debug", false, "Enable debug logging")
	cmd.PersistentFlags().String("server", "", "Controlplane address (default $QATRACK_SERVER or "+defaultServer+")")
	cmd.PersistentFlags().String("token", "", "Bearer token (default $QATRACK_TOKEN)")

	// Add subcommands
	cmd.AddCommand(
		NewServeCmd(),
		NewListCmd(),
		NewShowCmd(),
		NewTransitionCmd(),
		NewImportCmd(),
		NewValidateCmd(),
		NewWatchCmd(),
		NewVersionCmd(),
	)

	return cmd
}

// clientFromFlags builds an APIClient from the persistent connection flags
func clientFromFlags(cmd *cobra.Command) (*APIClient, error) {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")
	return NewAPIClient(server, token)
}

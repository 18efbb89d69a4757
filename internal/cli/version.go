package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// DefaultVersion is overridden at build time with -ldflags.
var DefaultVersion = "dev"

// NewVersionCmd creates a new version command
func NewVersionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version number of qatrack",
		Long:  `Print the version number of the qatrack CLI and controlplane.`,
		Run: func(cmd *cobra.Command, args []string) {
			// Get version from environment variable or use default
			version := os.Getenv("QATRACK_VERSION")
			if version == "" {
				version = DefaultVersion
			}
			fmt.Fprintf(cmd.OutOrStdout(), "qatrack %s\n", version)
		},
	}

	return cmd
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/rocketship-ai/qatrack/internal/controlplane"
	"github.com/rocketship-ai/qatrack/internal/envdef"
)

// NewImportCmd creates the command that creates environments from
// definition files
func NewImportCmd() *cobra.Command {
	var (
		vars    []string
		envFile string
		dryRun  bool
	)

	cmd := &cobra.Command{
		Use:   "import <file>...",
		Short: "Create environments from definition files",
		Long: `Create one environment per definition file.

Examples:
  qatrack import checkout.yaml
  qatrack import ./environments/ --var release=4.2
  qatrack import checkout.yaml --dry-run`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsedVars, err := envdef.ParseVars(vars)
			if err != nil {
				return err
			}
			fileEnv, err := templateEnv(envFile)
			if err != nil {
				return err
			}
			tc := envdef.TemplateContext{Vars: parsedVars, Env: fileEnv}
			files, invalid := collectDefinitionFiles(args)
			if invalid > 0 {
				return fmt.Errorf("failed to access %d path(s)", invalid)
			}
			if len(files) == 0 {
				return fmt.Errorf("no YAML files found to import")
			}

			requests := make([]controlplane.EnvironmentCreateRequest, 0, len(files))
			for _, file := range files {
				def, err := loadDefinition(file, tc)
				if err != nil {
					return fmt.Errorf("%s: %w", file, err)
				}
				requests = append(requests, createRequest(def))
			}

			out := cmd.OutOrStdout()
			if dryRun {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(requests)
			}

			client, err := clientFromFlags(cmd)
			if err != nil {
				return err
			}
			for i, req := range requests {
				ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
				env, err := client.CreateEnvironment(ctx, req)
				cancel()
				if err != nil {
					return fmt.Errorf("%s: failed to create environment: %w", files[i], err)
				}
				fmt.Fprintf(out, "%s created %s (%s) with %d scenarios\n",
					color.GreenString("✓"), env.Identifier, env.ID, len(env.Scenarios))
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&vars, "var", nil, "Template variable as key=value (repeatable)")
	cmd.Flags().StringVar(&envFile, "env-file", "", "Path to a .env file exposed to templates as .env")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the requests instead of sending them")
	return cmd
}

func createRequest(def envdef.Definition) controlplane.EnvironmentCreateRequest {
	return controlplane.EnvironmentCreateRequest{
		Identifier:      def.Identifier,
		StoreID:         def.StoreID,
		SuiteID:         def.Suite.ID,
		SuiteName:       def.Suite.Name,
		URLs:            def.URLs,
		JiraTask:        def.JiraTask,
		EnvironmentType: def.EnvironmentType,
		TestType:        def.TestType,
		Moment:          def.Moment,
		Release:         def.Release,
		Scenarios:       def.ScenarioMap(),
		TotalScenarios:  len(def.Scenarios),
	}
}

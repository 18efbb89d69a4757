package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/rocketship-ai/qatrack/internal/envdef"
)

// NewValidateCmd creates a new validate command
func NewValidateCmd() *cobra.Command {
	var (
		vars    []string
		envFile string
	)

	cmd := &cobra.Command{
		Use:   "validate [file_or_directory]",
		Short: "Validate environment definition files against the JSON schema",
		Long: `Validate one or more environment definition files against the JSON schema
without creating anything.

Examples:
  qatrack validate checkout.yaml                  # Validate a single file
  qatrack validate ./environments/                # Validate all YAML files in a directory
  qatrack validate checkout.yaml --var release=4.2`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd, args, vars, envFile)
		},
	}

	cmd.Flags().StringArrayVar(&vars, "var", nil, "Template variable as key=value (repeatable)")
	cmd.Flags().StringVar(&envFile, "env-file", "", "Path to a .env file exposed to templates as .env")
	return cmd
}

func runValidate(cmd *cobra.Command, args []string, rawVars []string, envFile string) error {
	if len(args) == 0 {
		return fmt.Errorf("please specify at least one file or directory to validate")
	}
	vars, err := envdef.ParseVars(rawVars)
	if err != nil {
		return err
	}
	fileEnv, err := templateEnv(envFile)
	if err != nil {
		return err
	}
	tc := envdef.TemplateContext{Vars: vars, Env: fileEnv}

	files, totalInvalid := collectDefinitionFiles(args)
	if len(files) == 0 {
		return fmt.Errorf("no YAML files found to validate")
	}

	Logger.Info("validating files", "count", len(files))

	totalValid := 0
	for _, file := range files {
		if _, err := loadDefinition(file, tc); err != nil {
			Logger.Error("validation failed", "file", file, "error", err)
			totalInvalid++
		} else {
			Logger.Info("validation passed", "file", file)
			totalValid++
		}
	}

	Logger.Info("validation complete", "valid", totalValid, "invalid", totalInvalid, "total", len(files))

	if totalInvalid > 0 {
		return fmt.Errorf("validation failed for %d file(s)", totalInvalid)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "✅ All %d file(s) passed validation\n", totalValid)
	return nil
}

// collectDefinitionFiles expands directories into their YAML files. The
// second result counts paths that could not be read.
func collectDefinitionFiles(args []string) ([]string, int) {
	var files []string
	invalid := 0

	for _, arg := range args {
		stat, err := os.Stat(arg)
		if err != nil {
			Logger.Error("failed to access path", "path", arg, "error", err)
			invalid++
			continue
		}

		if !stat.IsDir() {
			files = append(files, arg)
			continue
		}
		err = filepath.Walk(arg, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() && (filepath.Ext(path) == ".yaml" || filepath.Ext(path) == ".yml") {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			Logger.Error("failed to scan directory", "path", arg, "error", err)
			invalid++
		}
	}
	return files, invalid
}

// loadDefinition reads, renders and parses one definition file
func loadDefinition(filePath string, tc envdef.TemplateContext) (envdef.Definition, error) {
	raw, err := os.ReadFile(filePath)
	if err != nil {
		return envdef.Definition{}, fmt.Errorf("failed to read file: %w", err)
	}

	rendered, err := envdef.Render(raw, tc)
	if err != nil {
		return envdef.Definition{}, err
	}

	def, err := envdef.ParseYAML(rendered)
	if err != nil {
		return envdef.Definition{}, err
	}

	Logger.Debug("file details",
		"identifier", def.Identifier,
		"store_id", def.StoreID,
		"scenarios", len(def.Scenarios),
	)
	return def, nil
}

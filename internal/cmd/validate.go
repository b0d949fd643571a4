package cmd

import (
	"fmt"
	"io"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/mkell/sagan/internal/config"
	"github.com/mkell/sagan/internal/skills"
)

// NewValidateCommand creates and returns the validate subcommand
func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the run configuration without starting a run",
		Long: `Load and validate the configuration, checking for:
  - Configuration value constraints (budgets, thresholds, pool sizes)
  - The reasoning oracle binary being resolvable
  - The sandbox interpreter being resolvable
  - The skills library parsing cleanly (if configured)

Exit code: 0 if valid, 1 if errors found`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadRunConfig(cmd)
			if err != nil {
				return err
			}
			return validateConfig(cfg, cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}

	cmd.Flags().String("config", "", "Path to config file (default: .sagan/config.yaml)")

	return cmd
}

// validateConfig checks the merged configuration against the environment
// and reports each check to output.
func validateConfig(cfg *config.Config, output io.Writer) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	fmt.Fprintf(output, "Configuration values: ok\n")

	if _, err := exec.LookPath(cfg.Oracle.Command); err != nil {
		return fmt.Errorf("oracle command %q not found in PATH", cfg.Oracle.Command)
	}
	fmt.Fprintf(output, "Oracle command %q: found\n", cfg.Oracle.Command)

	if _, err := exec.LookPath(cfg.Sandbox.Interpreter); err != nil {
		return fmt.Errorf("sandbox interpreter %q not found in PATH", cfg.Sandbox.Interpreter)
	}
	fmt.Fprintf(output, "Sandbox interpreter %q: found\n", cfg.Sandbox.Interpreter)

	library, err := skills.NewLibrary(cfg.SkillsDir)
	if err != nil {
		return fmt.Errorf("skills library: %w", err)
	}
	if cfg.SkillsDir == "" {
		fmt.Fprintf(output, "Skills library: not configured\n")
	} else {
		fmt.Fprintf(output, "Skills library: %d pack(s) loaded from %s\n", len(library.Packs()), cfg.SkillsDir)
	}

	if cfg.Goal == "" {
		fmt.Fprintf(output, "\nValid, but no goal is set; 'sagan run' will need one as an argument.\n")
	} else {
		fmt.Fprintf(output, "\nConfiguration is valid and ready for execution.\n")
	}
	return nil
}

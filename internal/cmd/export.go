package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mkell/sagan/internal/store"
)

// NewExportCommand creates the export subcommand
func NewExportCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a cycle summary from the knowledge store",
		Long: `Regenerate and print the human-readable summary of a completed cycle
from the findings recorded in the knowledge store. The summary is also
written to the cycle's artifact directory.

Examples:
  sagan export --cycle 3
  sagan export --cycle 3 --config custom.yaml`,
		Args: cobra.NoArgs,
		RunE: exportCommand,
	}

	cmd.Flags().String("config", "", "Path to config file (default: .sagan/config.yaml)")
	cmd.Flags().Int("cycle", 0, "Cycle number to export (required)")
	cmd.MarkFlagRequired("cycle")

	return cmd
}

func exportCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return err
	}

	cycle, _ := cmd.Flags().GetInt("cycle")
	if cycle < 1 {
		return fmt.Errorf("cycle must be >= 1, got %d", cycle)
	}

	st, err := store.NewStore(cfg.Store.DBPath, cfg.Store.ArtifactDir)
	if err != nil {
		return fmt.Errorf("open knowledge store: %w", err)
	}
	defer st.Close()

	text, err := st.ExportCycleSummary(cmd.Context(), cycle)
	if err != nil {
		return fmt.Errorf("export cycle %d: %w", cycle, err)
	}

	fmt.Fprint(cmd.OutOrStdout(), text)
	return nil
}

package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for sagan
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sagan",
		Short: "Autonomous multi-cycle research assistant",
		Long: `Sagan runs an autonomous research loop against a stated goal: it plans
a batch of investigation tasks each cycle, executes them in sandboxed
environments, validates the resulting findings, and accumulates accepted
knowledge in a local store until a stopping condition fires.

State lives under .sagan/ in the working directory. Configuration is
loaded from .sagan/config.yaml if present; CLI flags override it.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	cmd.AddCommand(NewRunCommand())
	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(NewExportCommand())

	return cmd
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/mkell/sagan/internal/config"
	"github.com/mkell/sagan/internal/controller"
	"github.com/mkell/sagan/internal/delegate"
	"github.com/mkell/sagan/internal/filelock"
	"github.com/mkell/sagan/internal/literature"
	"github.com/mkell/sagan/internal/logger"
	"github.com/mkell/sagan/internal/models"
	"github.com/mkell/sagan/internal/novelty"
	"github.com/mkell/sagan/internal/oracle"
	"github.com/mkell/sagan/internal/planner"
	"github.com/mkell/sagan/internal/review"
	"github.com/mkell/sagan/internal/sandbox"
	"github.com/mkell/sagan/internal/skills"
	"github.com/mkell/sagan/internal/store"
)

// NewRunCommand creates the run command
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [research-goal]",
		Short: "Execute a research run",
		Long: `Execute an autonomous research run against the given goal.

Each cycle, sagan proposes a batch of tasks, reviews the plan, executes
the tasks in parallel sandboxed environments, scores the resulting
findings against a quality rubric, and persists accepted knowledge. The
loop stops when the cycle budget is exhausted, the wall-clock budget
expires, novelty or acceptance collapse, or all hypotheses resolve.

The goal may be given as an argument or in .sagan/config.yaml.
Configuration is loaded from .sagan/config.yaml if present.
CLI flags override configuration file settings.

Examples:
  # Run with the goal from the config file
  sagan run

  # Run with an explicit goal
  sagan run "how does batch size affect convergence of SGD on MNIST"

  # Bound the run
  sagan run --cycles 5 --budget 2h "characterize zipf exponents in corpus X"

  # Other options
  sagan run --parallelism 5 "goal"   # More concurrent tasks per cycle
  sagan run --verbose "goal"         # Show detailed progress
  sagan run --config custom.yaml     # Use custom config file`,
		Args: cobra.MaximumNArgs(1),
		RunE: runCommand,
	}

	cmd.Flags().String("config", "", "Path to config file (default: .sagan/config.yaml)")
	cmd.Flags().Int("cycles", 0, "Maximum number of research cycles (0 = use config)")
	cmd.Flags().String("budget", "", "Maximum wall-clock run time (e.g. 30m, 2h, 1h30m)")
	cmd.Flags().Int("parallelism", 0, "Maximum concurrent tasks per cycle (0 = use config)")
	cmd.Flags().String("log-level", "", "Console log level (trace, debug, info, warn, error)")
	cmd.Flags().Bool("verbose", false, "Show detailed execution information")

	return cmd
}

// runCommand implements the run command logic
func runCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadRunConfig(cmd)
	if err != nil {
		return err
	}

	// Merge flag values over the config (flags take precedence)
	var goalPtr *string
	if len(args) == 1 {
		goalPtr = &args[0]
	}

	var cyclesPtr *int
	if cmd.Flags().Changed("cycles") {
		cycles, _ := cmd.Flags().GetInt("cycles")
		cyclesPtr = &cycles
	}

	var budgetPtr *time.Duration
	if budgetStr, _ := cmd.Flags().GetString("budget"); cmd.Flags().Changed("budget") {
		budget, err := time.ParseDuration(budgetStr)
		if err != nil {
			return fmt.Errorf("invalid budget format %q: %w", budgetStr, err)
		}
		budgetPtr = &budget
	}

	var parallelismPtr *int
	if cmd.Flags().Changed("parallelism") {
		parallelism, _ := cmd.Flags().GetInt("parallelism")
		parallelismPtr = &parallelism
	}

	var logLevelPtr *string
	if cmd.Flags().Changed("log-level") {
		logLevel, _ := cmd.Flags().GetString("log-level")
		logLevelPtr = &logLevel
	}
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		debug := "debug"
		logLevelPtr = &debug
	}

	cfg.MergeWithFlags(cyclesPtr, goalPtr, parallelismPtr, budgetPtr, logLevelPtr)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Goal == "" {
		return fmt.Errorf("no research goal: pass one as an argument or set 'goal' in the config file")
	}

	// One run per state directory at a time
	stateDir := filepath.Dir(cfg.Store.DBPath)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("create state directory: %w", err)
	}
	lock := filelock.NewFileLock(filepath.Join(stateDir, "run.lock"))
	acquired, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire run lock: %w", err)
	}
	if !acquired {
		return fmt.Errorf("another run is already active in %s", stateDir)
	}
	defer lock.Unlock()

	consoleLog := logger.NewConsoleLogger(os.Stdout, cfg.LogLevel)

	fmt.Fprintf(cmd.OutOrStdout(), "Goal: %s\n", cfg.Goal)
	fmt.Fprintf(cmd.OutOrStdout(), "Cycle budget: %d\n", cfg.Cycles)
	if cfg.RunBudget > 0 {
		fmt.Fprintf(cmd.OutOrStdout(), "Run budget: %s\n", cfg.RunBudget)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n")

	st, err := store.NewStore(cfg.Store.DBPath, cfg.Store.ArtifactDir)
	if err != nil {
		return fmt.Errorf("open knowledge store: %w", err)
	}
	defer st.Close()

	breaker := oracle.NewBreaker(cfg.Oracle.BreakerThreshold, cfg.Oracle.BreakerCooldown)
	client := oracle.NewClient(cfg.Oracle.Command, cfg.Oracle.Timeout, breaker)
	client.MaxRetries = cfg.Oracle.MaxRetries
	client.Logger = consoleLog

	checker := buildNoveltyChecker(cfg, consoleLog)

	library, err := skills.NewLibrary(cfg.SkillsDir)
	if err != nil {
		return fmt.Errorf("load skills library: %w", err)
	}

	pool, err := sandbox.NewPool(func() (sandbox.Runtime, error) {
		return sandbox.NewEnvironment(sandbox.Settings{
			WorkDir:      cfg.Sandbox.WorkDir,
			Interpreter:  cfg.Sandbox.Interpreter,
			CPUSeconds:   cfg.Sandbox.CPUSeconds,
			MemoryMB:     cfg.Sandbox.MemoryMB,
			AllowNetwork: cfg.Sandbox.AllowNetwork,
		})
	}, cfg.Sandbox.PoolMax, cfg.Sandbox.Prewarm)
	if err != nil {
		return fmt.Errorf("create environment pool: %w", err)
	}
	defer pool.Shutdown()

	executor := sandbox.NewExecutor(pool, cfg.Sandbox.RunTimeout, consoleLog)
	executor.ExportDir = cfg.Store.ArtifactDir
	searcher := literature.NewSearcher(client, 0)

	contract := models.StructuralContract{
		MinTasks:       cfg.Planner.MinTasks,
		MaxTasks:       cfg.Planner.MaxTasks,
		MinTypes:       cfg.Planner.MinTypes,
		MinPrimaryType: cfg.Planner.MinPrimaryType,
	}
	taskPlanner := planner.NewPlanner(client, library, planner.Options{
		BatchSize:        cfg.Planner.BatchSize,
		Contract:         contract,
		ExplorationEarly: cfg.Planner.ExplorationEarly,
		ExplorationMid:   cfg.Planner.ExplorationMid,
		ExplorationLate:  cfg.Planner.ExplorationLate,
	}, consoleLog)

	planReviewer := review.NewPlanReviewer(client, contract,
		cfg.Review.PlanMeanThreshold, cfg.Review.PlanFloorThreshold, consoleLog)
	findingReviewer := review.NewFindingReviewer(client,
		cfg.Review.FindingOverallThreshold, cfg.Review.FindingRigorFloor, consoleLog)

	coordinator := delegate.NewCoordinator(executor, searcher, client, delegate.Options{
		MaxParallelism: cfg.Delegate.MaxParallelism,
		MaxRetries:     cfg.Delegate.MaxRetries,
		TaskTimeout:    cfg.Delegate.TaskTimeout,
		AllowNetwork:   cfg.Sandbox.AllowNetwork,
	}, consoleLog)

	ctrl := controller.New(st, taskPlanner, planReviewer, findingReviewer, coordinator,
		checker, client, consoleLog, controller.Options{
			Goal:            cfg.Goal,
			Cycles:          cfg.Cycles,
			RunBudget:       cfg.RunBudget,
			ContextLookback: cfg.Store.ContextLookback,
			MaxRevisions:    cfg.Planner.MaxRevisions,
		})

	// Interrupts stop the run at the next safe point; completed cycle
	// state is already durable.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	summary, err := ctrl.Run(ctx)
	if err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\nRun stopped: %s\n", summary.StopReason)
	fmt.Fprintf(cmd.OutOrStdout(), "Findings and artifacts under: %s\n", cfg.Store.ArtifactDir)
	return nil
}

// loadRunConfig loads configuration from the --config flag path or the
// default .sagan/config.yaml in the working directory.
func loadRunConfig(cmd *cobra.Command) (*config.Config, error) {
	configPath, _ := cmd.Flags().GetString("config")
	if configPath != "" {
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
		}
		return cfg, nil
	}
	cfg, err := config.LoadConfigFromDir(".")
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// buildNoveltyChecker prefers the persistent embedding index and degrades
// to token-overlap scoring when the index cannot be opened.
func buildNoveltyChecker(cfg *config.Config, log *logger.ConsoleLogger) novelty.Checker {
	checker, err := novelty.NewEmbeddingChecker(cfg.Novelty.IndexPath, nil, cfg.Novelty.Threshold)
	if err != nil {
		log.LogWarn(fmt.Sprintf("embedding index unavailable, using token overlap: %v", err))
		return novelty.NewTokenOverlapChecker(cfg.Novelty.Threshold)
	}
	return checker
}

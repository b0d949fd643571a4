package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// PlannerConfig controls batch composition and the exploration schedule.
type PlannerConfig struct {
	// BatchSize is the number of tasks proposed per cycle.
	BatchSize int `yaml:"batch_size"`

	// MinTasks and MaxTasks bound the task count of an approvable plan.
	MinTasks int `yaml:"min_tasks"`
	MaxTasks int `yaml:"max_tasks"`

	// MinTypes is the minimum number of distinct task types per plan.
	MinTypes int `yaml:"min_types"`

	// MinPrimaryType is the minimum number of code-analysis tasks per plan.
	MinPrimaryType int `yaml:"min_primary_type"`

	// ExplorationEarly/Mid/Late are the target exploration fractions over
	// the first, middle and final thirds of the cycle budget.
	ExplorationEarly float64 `yaml:"exploration_early"`
	ExplorationMid   float64 `yaml:"exploration_mid"`
	ExplorationLate  float64 `yaml:"exploration_late"`

	// MaxRevisions bounds plan revision attempts after a rejected review.
	MaxRevisions int `yaml:"max_revisions"`
}

// ReviewConfig holds the plan and finding acceptance thresholds.
type ReviewConfig struct {
	// PlanMeanThreshold is the minimum mean dimension score (0-10 scale).
	PlanMeanThreshold float64 `yaml:"plan_mean_threshold"`

	// PlanFloorThreshold is the minimum for every single dimension.
	PlanFloorThreshold float64 `yaml:"plan_floor_threshold"`

	// FindingOverallThreshold is the minimum weighted overall score (0-1).
	FindingOverallThreshold float64 `yaml:"finding_overall_threshold"`

	// FindingRigorFloor is the minimum rigor score regardless of overall.
	FindingRigorFloor float64 `yaml:"finding_rigor_floor"`
}

// NoveltyConfig controls the similarity index.
type NoveltyConfig struct {
	// Threshold is the max similarity below which a candidate is novel.
	Threshold float64 `yaml:"threshold"`

	// IndexPath is the directory for the persistent embedding index.
	// Empty means in-memory only.
	IndexPath string `yaml:"index_path"`
}

// SandboxConfig controls the execution environment pool and its limits.
type SandboxConfig struct {
	// PoolMax is the hard ceiling on concurrently existing environments.
	PoolMax int `yaml:"pool_max"`

	// Prewarm is the number of environments created at startup.
	Prewarm int `yaml:"prewarm"`

	// WorkDir is the parent directory for per-environment scratch areas.
	WorkDir string `yaml:"work_dir"`

	// Interpreter is the python binary used for execution sessions.
	Interpreter string `yaml:"interpreter"`

	// RunTimeout is the hard wall-clock limit for one code submission.
	RunTimeout time.Duration `yaml:"run_timeout"`

	// CPUSeconds and MemoryMB are per-environment resource ceilings.
	CPUSeconds int `yaml:"cpu_seconds"`
	MemoryMB   int `yaml:"memory_mb"`

	// AllowNetwork permits outbound network access from executed code.
	// Disabled by default.
	AllowNetwork bool `yaml:"allow_network"`
}

// DelegateConfig controls batch execution.
type DelegateConfig struct {
	// MaxParallelism bounds concurrently executing tasks within a cycle.
	MaxParallelism int `yaml:"max_parallelism"`

	// MaxRetries is the per-task retry budget for retryable failures.
	MaxRetries int `yaml:"max_retries"`

	// TaskTimeout is the coordinator's per-task deadline, enforced
	// independently of the sandbox's own run timeout.
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// OracleConfig controls the reasoning oracle client.
type OracleConfig struct {
	// Command is the oracle CLI binary (found in PATH if not absolute).
	Command string `yaml:"command"`

	// Timeout is the default per-invocation timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries bounds retries of transient oracle failures.
	MaxRetries int `yaml:"max_retries"`

	// BreakerThreshold is the consecutive-failure count that opens the
	// circuit for an operation.
	BreakerThreshold int `yaml:"breaker_threshold"`

	// BreakerCooldown is how long an open circuit short-circuits calls.
	BreakerCooldown time.Duration `yaml:"breaker_cooldown"`
}

// StoreConfig controls the knowledge store.
type StoreConfig struct {
	// DBPath is the SQLite database file for the primary log.
	DBPath string `yaml:"db_path"`

	// ArtifactDir is the root of the per-cycle artifact layout.
	ArtifactDir string `yaml:"artifact_dir"`

	// ContextLookback is the max findings returned by context queries.
	ContextLookback int `yaml:"context_lookback"`
}

// Config represents a full research run configuration.
type Config struct {
	// Cycles is the total cycle budget for the run.
	Cycles int `yaml:"cycles"`

	// RunBudget is the global wall-clock budget; 0 means unbounded.
	RunBudget time.Duration `yaml:"run_budget"`

	// Goal is the research question driving the run.
	Goal string `yaml:"goal"`

	// LogLevel sets console verbosity (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// SkillsDir is the directory of domain reference packs; empty or
	// missing degrades to no prompt augmentation.
	SkillsDir string `yaml:"skills_dir"`

	Planner  PlannerConfig  `yaml:"planner"`
	Review   ReviewConfig   `yaml:"review"`
	Novelty  NoveltyConfig  `yaml:"novelty"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	Delegate DelegateConfig `yaml:"delegate"`
	Oracle   OracleConfig   `yaml:"oracle"`
	Store    StoreConfig    `yaml:"store"`
}

// DefaultConfig returns a Config with the documented default values.
func DefaultConfig() *Config {
	return &Config{
		Cycles:    10,
		RunBudget: 0,
		LogLevel:  "info",
		Planner: PlannerConfig{
			BatchSize:        10,
			MinTasks:         3,
			MaxTasks:         12,
			MinTypes:         2,
			MinPrimaryType:   3,
			ExplorationEarly: 0.7,
			ExplorationMid:   0.5,
			ExplorationLate:  0.3,
			MaxRevisions:     1,
		},
		Review: ReviewConfig{
			PlanMeanThreshold:       7.0,
			PlanFloorThreshold:      5.0,
			FindingOverallThreshold: 0.75,
			FindingRigorFloor:       0.70,
		},
		Novelty: NoveltyConfig{
			Threshold: 0.75,
		},
		Sandbox: SandboxConfig{
			PoolMax:     4,
			Prewarm:     1,
			WorkDir:     ".sagan/envs",
			Interpreter: "python3",
			RunTimeout:  300 * time.Second,
			CPUSeconds:  120,
			MemoryMB:    2048,
		},
		Delegate: DelegateConfig{
			MaxParallelism: 3,
			MaxRetries:     2,
			TaskTimeout:    300 * time.Second,
		},
		Oracle: OracleConfig{
			Command:          "claude",
			Timeout:          120 * time.Second,
			MaxRetries:       2,
			BreakerThreshold: 3,
			BreakerCooldown:  2 * time.Minute,
		},
		Store: StoreConfig{
			DBPath:          ".sagan/knowledge.db",
			ArtifactDir:     ".sagan/artifacts",
			ContextLookback: 10,
		},
	}
}

// LoadConfig loads configuration from the given file path, merged over
// defaults. A missing file returns defaults without error; a malformed
// file returns an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Duration fields arrive as strings ("5m", "300s") which yaml.v3
	// reports as a TypeError while still decoding every other field.
	// Tolerate that one error class; the strings are re-parsed below.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		var typeErr *yaml.TypeError
		if !errors.As(err, &typeErr) {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Re-parse the duration strings through a shadow struct.
	type rawDurations struct {
		RunBudget string `yaml:"run_budget"`
		Sandbox   struct {
			RunTimeout string `yaml:"run_timeout"`
		} `yaml:"sandbox"`
		Delegate struct {
			TaskTimeout string `yaml:"task_timeout"`
		} `yaml:"delegate"`
		Oracle struct {
			Timeout         string `yaml:"timeout"`
			BreakerCooldown string `yaml:"breaker_cooldown"`
		} `yaml:"oracle"`
	}
	var raw rawDurations
	if err := yaml.Unmarshal(data, &raw); err == nil {
		apply := func(s string, dst *time.Duration) error {
			if s == "" {
				return nil
			}
			d, err := time.ParseDuration(s)
			if err != nil {
				return fmt.Errorf("invalid duration %q: %w", s, err)
			}
			*dst = d
			return nil
		}
		for _, pair := range []struct {
			raw string
			dst *time.Duration
		}{
			{raw.RunBudget, &cfg.RunBudget},
			{raw.Sandbox.RunTimeout, &cfg.Sandbox.RunTimeout},
			{raw.Delegate.TaskTimeout, &cfg.Delegate.TaskTimeout},
			{raw.Oracle.Timeout, &cfg.Oracle.Timeout},
			{raw.Oracle.BreakerCooldown, &cfg.Oracle.BreakerCooldown},
		} {
			if err := apply(pair.raw, pair.dst); err != nil {
				return nil, err
			}
		}
	}

	return cfg, nil
}

// LoadConfigFromDir loads .sagan/config.yaml from the given directory,
// falling back to defaults when absent.
func LoadConfigFromDir(dir string) (*Config, error) {
	return LoadConfig(filepath.Join(dir, ".sagan", "config.yaml"))
}

// MergeWithFlags applies non-nil CLI flag values over the configuration,
// giving flags precedence over the file.
func (c *Config) MergeWithFlags(cycles *int, goal *string, parallelism *int, budget *time.Duration, logLevel *string) {
	if cycles != nil {
		c.Cycles = *cycles
	}
	if goal != nil {
		c.Goal = *goal
	}
	if parallelism != nil {
		c.Delegate.MaxParallelism = *parallelism
	}
	if budget != nil {
		c.RunBudget = *budget
	}
	if logLevel != nil {
		c.LogLevel = *logLevel
	}
}

// Validate checks all configuration invariants and returns the first
// violation found.
func (c *Config) Validate() error {
	if c.Cycles <= 0 {
		return fmt.Errorf("cycles must be > 0, got %d", c.Cycles)
	}
	if c.RunBudget < 0 {
		return fmt.Errorf("run_budget must be >= 0, got %v", c.RunBudget)
	}

	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("invalid log_level %q, must be one of: trace, debug, info, warn, error", c.LogLevel)
	}

	p := c.Planner
	if p.BatchSize <= 0 {
		return fmt.Errorf("planner.batch_size must be > 0, got %d", p.BatchSize)
	}
	if p.MinTasks <= 0 || p.MaxTasks < p.MinTasks {
		return fmt.Errorf("planner task bounds invalid: min %d, max %d", p.MinTasks, p.MaxTasks)
	}
	if p.BatchSize > p.MaxTasks {
		return fmt.Errorf("planner.batch_size %d exceeds max_tasks %d", p.BatchSize, p.MaxTasks)
	}
	if p.MinTypes < 1 {
		return fmt.Errorf("planner.min_types must be >= 1, got %d", p.MinTypes)
	}
	if p.MinPrimaryType < 0 || p.MinPrimaryType > p.BatchSize {
		return fmt.Errorf("planner.min_primary_type must be in [0,%d], got %d", p.BatchSize, p.MinPrimaryType)
	}
	for _, frac := range []float64{p.ExplorationEarly, p.ExplorationMid, p.ExplorationLate} {
		if frac < 0 || frac > 1 {
			return fmt.Errorf("exploration fractions must be in [0,1], got %v", frac)
		}
	}
	if p.MaxRevisions < 0 {
		return fmt.Errorf("planner.max_revisions must be >= 0, got %d", p.MaxRevisions)
	}

	r := c.Review
	if r.PlanMeanThreshold < 0 || r.PlanMeanThreshold > 10 {
		return fmt.Errorf("review.plan_mean_threshold must be in [0,10], got %v", r.PlanMeanThreshold)
	}
	if r.PlanFloorThreshold < 0 || r.PlanFloorThreshold > 10 {
		return fmt.Errorf("review.plan_floor_threshold must be in [0,10], got %v", r.PlanFloorThreshold)
	}
	if r.FindingOverallThreshold < 0 || r.FindingOverallThreshold > 1 {
		return fmt.Errorf("review.finding_overall_threshold must be in [0,1], got %v", r.FindingOverallThreshold)
	}
	if r.FindingRigorFloor < 0 || r.FindingRigorFloor > 1 {
		return fmt.Errorf("review.finding_rigor_floor must be in [0,1], got %v", r.FindingRigorFloor)
	}

	if c.Novelty.Threshold < 0 || c.Novelty.Threshold > 1 {
		return fmt.Errorf("novelty.threshold must be in [0,1], got %v", c.Novelty.Threshold)
	}

	s := c.Sandbox
	if s.PoolMax <= 0 {
		return fmt.Errorf("sandbox.pool_max must be > 0, got %d", s.PoolMax)
	}
	if s.Prewarm < 0 || s.Prewarm > s.PoolMax {
		return fmt.Errorf("sandbox.prewarm must be in [0,%d], got %d", s.PoolMax, s.Prewarm)
	}
	if s.RunTimeout <= 0 {
		return fmt.Errorf("sandbox.run_timeout must be > 0, got %v", s.RunTimeout)
	}
	if s.Interpreter == "" {
		return fmt.Errorf("sandbox.interpreter cannot be empty")
	}

	d := c.Delegate
	if d.MaxParallelism <= 0 {
		return fmt.Errorf("delegate.max_parallelism must be > 0, got %d", d.MaxParallelism)
	}
	if d.MaxRetries < 0 {
		return fmt.Errorf("delegate.max_retries must be >= 0, got %d", d.MaxRetries)
	}
	if d.TaskTimeout <= 0 {
		return fmt.Errorf("delegate.task_timeout must be > 0, got %v", d.TaskTimeout)
	}

	o := c.Oracle
	if o.Command == "" {
		return fmt.Errorf("oracle.command cannot be empty")
	}
	if o.BreakerThreshold <= 0 {
		return fmt.Errorf("oracle.breaker_threshold must be > 0, got %d", o.BreakerThreshold)
	}
	if o.BreakerCooldown <= 0 {
		return fmt.Errorf("oracle.breaker_cooldown must be > 0, got %v", o.BreakerCooldown)
	}

	if c.Store.DBPath == "" {
		return fmt.Errorf("store.db_path cannot be empty")
	}
	if c.Store.ArtifactDir == "" {
		return fmt.Errorf("store.artifact_dir cannot be empty")
	}
	if c.Store.ContextLookback <= 0 {
		return fmt.Errorf("store.context_lookback must be > 0, got %d", c.Store.ContextLookback)
	}

	return nil
}

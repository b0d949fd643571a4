package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/mkell/sagan/internal/models"
)

// Logger is the minimal logging surface the executor needs.
type Logger interface {
	LogDebug(message string)
	LogWarn(message string)
}

type noopLogger struct{}

func (noopLogger) LogDebug(string) {}
func (noopLogger) LogWarn(string)  {}

// Executor runs task code through the pool: safety preflight, dependency
// resolution, execution, artifact collection.
type Executor struct {
	pool       *Pool
	runTimeout time.Duration
	logger     Logger

	// ExportDir, when set, is the durable root artifacts are copied to
	// before the environment is released. Scratch directories are
	// ephemeral; anything left behind in them is lost on teardown.
	ExportDir string
}

// NewExecutor creates an executor over an existing pool. A nil logger is
// replaced with a no-op one.
func NewExecutor(pool *Pool, runTimeout time.Duration, logger Logger) *Executor {
	if logger == nil {
		logger = noopLogger{}
	}
	if runTimeout <= 0 {
		runTimeout = 5 * time.Minute
	}
	return &Executor{pool: pool, runTimeout: runTimeout, logger: logger}
}

// Execute runs code for a task and reports the outcome. Code failures and
// timeouts come back as a failed or timed-out result, not an error; errors
// are reserved for infrastructure problems the caller may retry. A runtime
// that dies mid-execution gets one replacement attempt before giving up.
func (x *Executor) Execute(ctx context.Context, task models.Task, code string, allowNetwork bool) (*models.ExecutionResult, error) {
	if err := CheckSafety(code, allowNetwork); err != nil {
		return &models.ExecutionResult{
			TaskID: task.ID,
			Status: models.ExecFailed,
			Stderr: err.Error(),
		}, nil
	}

	result, err := x.runOnce(ctx, task, code)
	if errors.Is(err, ErrEnvUnhealthy) {
		x.logger.LogWarn(fmt.Sprintf("environment died during task %s, retrying on a fresh one", task.ID))
		result, err = x.runOnce(ctx, task, code)
	}
	return result, err
}

func (x *Executor) runOnce(ctx context.Context, task models.Task, code string) (*models.ExecutionResult, error) {
	rt, err := x.pool.Acquire()
	if err != nil {
		return nil, fmt.Errorf("acquire environment: %w", err)
	}

	// Environments are reused across tasks. Session state persists
	// between executions, so each task starts from a cleared namespace.
	if err := rt.Reset(ctx); err != nil {
		x.pool.Discard(rt)
		return nil, err
	}

	packages := ResolvePackages(code)
	if len(packages) > 0 {
		x.logger.LogDebug(fmt.Sprintf("task %s needs packages: %v", task.ID, packages))
		if err := rt.Install(ctx, packages); err != nil {
			// The import scan over-approximates and the package may
			// already be available, so a failed install is not fatal.
			x.logger.LogWarn(fmt.Sprintf("task %s: package install failed, running anyway: %v", task.ID, err))
		}
	}

	out, err := rt.Exec(ctx, code, x.runTimeout)
	if err != nil {
		x.pool.Discard(rt)
		return nil, err
	}

	result := &models.ExecutionResult{
		TaskID:  task.ID,
		Stdout:  out.Stdout,
		Stderr:  out.Stderr,
		Elapsed: out.Elapsed,
	}
	switch {
	case out.TimedOut:
		result.Status = models.ExecTimedOut
	case out.OK:
		result.Status = models.ExecCompleted
	default:
		result.Status = models.ExecFailed
	}

	if result.Status == models.ExecCompleted {
		files, err := x.collectArtifacts(task, rt.ArtifactDir())
		if err != nil {
			x.logger.LogWarn(fmt.Sprintf("task %s: artifact collection failed: %v", task.ID, err))
		} else {
			result.Artifacts = files
		}
	}

	x.pool.Release(rt)
	return result, nil
}

// collectArtifacts walks the environment's artifact directory and, when an
// export root is configured, copies every file into it before the scratch
// directory can be torn down. Returned paths are relative to the export
// root so evidence references stay stable.
func (x *Executor) collectArtifacts(task models.Task, srcDir string) ([]string, error) {
	if srcDir == "" {
		return nil, nil
	}
	var files []string
	err := filepath.Walk(srcDir, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		rel, err := filepath.Rel(srcDir, path)
		if err != nil {
			return err
		}
		if x.ExportDir == "" {
			files = append(files, rel)
			return nil
		}
		dest := filepath.Join(x.ExportDir, fmt.Sprintf("cycle-%03d", task.Cycle), "exec", task.ID, rel)
		if err := copyFile(path, dest); err != nil {
			return err
		}
		exported, err := filepath.Rel(x.ExportDir, dest)
		if err != nil {
			return err
		}
		files = append(files, exported)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect artifacts: %w", err)
	}
	return files, nil
}

func copyFile(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

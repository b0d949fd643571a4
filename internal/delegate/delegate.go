// Package delegate fans a plan's tasks out to their executors with bounded
// parallelism. Tasks fail independently: the batch result separates what
// completed from what failed, and a partial batch is fed onward rather
// than discarded.
package delegate

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mkell/sagan/internal/literature"
	"github.com/mkell/sagan/internal/models"
	"github.com/mkell/sagan/internal/oracle"
)

// CodeExecutor runs generated code in a sandboxed environment.
type CodeExecutor interface {
	Execute(ctx context.Context, task models.Task, code string, allowNetwork bool) (*models.ExecutionResult, error)
}

// Searcher retrieves paper records for literature tasks.
type Searcher interface {
	Search(ctx context.Context, query string) ([]models.PaperRecord, error)
}

// Oracle is the slice of the oracle client the coordinator needs.
type Oracle interface {
	Invoke(ctx context.Context, req oracle.Request) (*oracle.Response, error)
}

// Logger is the minimal logging surface for the coordinator.
type Logger interface {
	LogDebug(message string)
	LogWarn(message string)
}

type noopLogger struct{}

func (noopLogger) LogDebug(string) {}
func (noopLogger) LogWarn(string)  {}

// Options carries the coordinator's tunables.
type Options struct {
	MaxParallelism int
	MaxRetries     int
	TaskTimeout    time.Duration
	AllowNetwork   bool
}

// Coordinator routes tasks to executors and aggregates the outcome.
type Coordinator struct {
	executor CodeExecutor
	searcher Searcher
	oracle   Oracle
	opts     Options
	logger   Logger
}

// NewCoordinator creates a coordinator. Zero options get safe defaults.
func NewCoordinator(executor CodeExecutor, searcher Searcher, o Oracle, opts Options, logger Logger) *Coordinator {
	if opts.MaxParallelism < 1 {
		opts.MaxParallelism = 3
	}
	if opts.TaskTimeout <= 0 {
		opts.TaskTimeout = 5 * time.Minute
	}
	if logger == nil {
		logger = noopLogger{}
	}
	return &Coordinator{executor: executor, searcher: searcher, oracle: o, opts: opts, logger: logger}
}

// Execute runs every task in the batch, at most MaxParallelism at a time.
// Each task gets its own timeout and up to MaxRetries additional attempts,
// with the previous failure reason fed into the retry. A task error never
// cancels its siblings.
func (c *Coordinator) Execute(ctx context.Context, tasks []models.Task) *models.BatchResult {
	start := time.Now()
	result := &models.BatchResult{}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.MaxParallelism)

	for _, task := range tasks {
		task := task
		g.Go(func() error {
			execResult, tries, err := c.runWithRetries(gctx, task)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Failed = append(result.Failed, models.TaskFailure{
					Task:  task,
					Err:   err,
					Tries: tries,
				})
				return nil
			}
			result.Completed = append(result.Completed, *execResult)
			return nil
		})
	}
	// Workers swallow their own errors, so this cannot fail.
	_ = g.Wait()

	result.Duration = time.Since(start)
	return result
}

// runWithRetries attempts a task until it completes or the retry budget
// runs out, reporting how many attempts were actually made. Cancellation
// stops the loop early, so the count can be lower than the budget.
func (c *Coordinator) runWithRetries(ctx context.Context, task models.Task) (*models.ExecutionResult, int, error) {
	var lastErr error
	failureNote := ""
	tries := 0

	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return nil, tries, lastErr
		}
		if attempt > 0 {
			c.logger.LogDebug(fmt.Sprintf("retrying task %s (attempt %d): %v", task.ID, attempt+1, lastErr))
		}

		tries++
		taskCtx, cancel := context.WithTimeout(ctx, c.opts.TaskTimeout)
		execResult, err := c.runOnce(taskCtx, task, failureNote)
		cancel()

		if err == nil && execResult.Completed() {
			return execResult, tries, nil
		}
		if err != nil {
			lastErr = err
		} else {
			lastErr = fmt.Errorf("task %s: %s: %s", task.ID, execResult.Status, firstLine(execResult.Stderr))
		}
		failureNote = lastErr.Error()
	}
	return nil, tries, lastErr
}

func (c *Coordinator) runOnce(ctx context.Context, task models.Task, failureNote string) (*models.ExecutionResult, error) {
	switch task.Type {
	case models.TaskCodeAnalysis, models.TaskDataExploration:
		return c.runCode(ctx, task, failureNote)
	case models.TaskLiteratureReview:
		return c.runLiterature(ctx, task)
	default:
		return c.runReasoning(ctx, task, failureNote)
	}
}

// runCode asks the oracle for a script and executes it in the sandbox.
func (c *Coordinator) runCode(ctx context.Context, task models.Task, failureNote string) (*models.ExecutionResult, error) {
	prompt := buildCodePrompt(task, failureNote)
	resp, err := c.oracle.Invoke(ctx, oracle.Request{Label: "code-generation", Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("generate code for task %s: %w", task.ID, err)
	}

	code := ExtractCode(resp.Content)
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("task %s: oracle produced no code", task.ID)
	}
	return c.executor.Execute(ctx, task, code, c.opts.AllowNetwork)
}

func (c *Coordinator) runLiterature(ctx context.Context, task models.Task) (*models.ExecutionResult, error) {
	start := time.Now()
	papers, err := c.searcher.Search(ctx, task.Description)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", task.ID, err)
	}
	return &models.ExecutionResult{
		TaskID:  task.ID,
		Status:  models.ExecCompleted,
		Stdout:  literature.RenderPapers(papers),
		Elapsed: time.Since(start),
	}, nil
}

func (c *Coordinator) runReasoning(ctx context.Context, task models.Task, failureNote string) (*models.ExecutionResult, error) {
	start := time.Now()
	prompt := buildReasoningPrompt(task, failureNote)
	resp, err := c.oracle.Invoke(ctx, oracle.Request{Label: "task-reasoning", Prompt: prompt})
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", task.ID, err)
	}
	return &models.ExecutionResult{
		TaskID:  task.ID,
		Status:  models.ExecCompleted,
		Stdout:  resp.Content,
		Elapsed: time.Since(start),
	}, nil
}

func buildCodePrompt(task models.Task, failureNote string) string {
	var sb strings.Builder
	sb.WriteString("Write a self-contained Python script for the following analysis task.\n")
	sb.WriteString("Print all results to stdout. Write output files to the current directory.\n")
	sb.WriteString("Do not spawn subprocesses or access the network.\n\n")
	fmt.Fprintf(&sb, "Task: %s\n", task.Description)
	if task.ExpectedOutput != "" {
		fmt.Fprintf(&sb, "Expected output: %s\n", task.ExpectedOutput)
	}
	if failureNote != "" {
		fmt.Fprintf(&sb, "\nA previous attempt failed; avoid repeating it:\n%s\n", failureNote)
	}
	return sb.String()
}

func buildReasoningPrompt(task models.Task, failureNote string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Complete the following research task and report your result.\n\nTask: %s\n", task.Description)
	if task.ExpectedOutput != "" {
		fmt.Fprintf(&sb, "Expected output: %s\n", task.ExpectedOutput)
	}
	if failureNote != "" {
		fmt.Fprintf(&sb, "\nA previous attempt failed:\n%s\n", failureNote)
	}
	return sb.String()
}

var codeFence = regexp.MustCompile("(?s)```(?:python|py)?\\s*\\n(.*?)```")

// ExtractCode pulls the script from a fenced code block, falling back to
// the raw content when the response has no fences.
func ExtractCode(content string) string {
	if m := codeFence.FindStringSubmatch(content); len(m) == 2 {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(content)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

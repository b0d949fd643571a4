package models

import "time"

// Execution status constants for a single task run.
const (
	ExecCompleted = "completed"
	ExecFailed    = "failed"
	ExecTimedOut  = "timed-out"
)

// ExecutionResult is the captured outcome of running one task. Exactly one
// exists per executed task.
type ExecutionResult struct {
	TaskID    string        `json:"task_id" yaml:"task_id"`
	Status    string        `json:"status" yaml:"status"`
	Stdout    string        `json:"stdout" yaml:"stdout"`
	Stderr    string        `json:"stderr" yaml:"stderr"`
	Elapsed   time.Duration `json:"elapsed" yaml:"elapsed"`
	Artifacts []string      `json:"artifacts,omitempty" yaml:"artifacts,omitempty"`
}

// Completed reports whether the execution finished with a completed status.
func (r *ExecutionResult) Completed() bool {
	return r.Status == ExecCompleted
}

// TaskFailure pairs a task with the terminal error that exhausted its
// retries.
type TaskFailure struct {
	Task  Task
	Err   error
	Tries int
}

// BatchResult aggregates the outcome of delegating one plan's tasks.
// Partial failure is the normal case: failed tasks never block the batch.
type BatchResult struct {
	Completed []ExecutionResult
	Failed    []TaskFailure
	Duration  time.Duration
}

// RunSummary aggregates a whole run for the final report.
type RunSummary struct {
	Cycles           int
	TasksExecuted    int
	TasksFailed      int
	FindingsAccepted int
	FindingsRejected int
	StopReason       string
	Duration         time.Duration
}

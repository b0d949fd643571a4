package models

import (
	"errors"
	"fmt"
	"time"
)

// TaskType classifies a unit of research work for routing and plan
// composition. The set is closed: the planner repairs unknown types to the
// primary type rather than inventing new ones.
type TaskType string

const (
	TaskCodeAnalysis         TaskType = "code-analysis"
	TaskLiteratureReview     TaskType = "literature-review"
	TaskHypothesisGeneration TaskType = "hypothesis-generation"
	TaskDataExploration      TaskType = "data-exploration"
)

// PrimaryTaskType is the analysis type every plan must carry a minimum
// number of. Code analysis produces the execution artifacts that findings
// cite, so plans cannot consist of pure reasoning tasks.
const PrimaryTaskType = TaskCodeAnalysis

// KnownTaskTypes lists every valid task type.
var KnownTaskTypes = []TaskType{
	TaskCodeAnalysis,
	TaskLiteratureReview,
	TaskHypothesisGeneration,
	TaskDataExploration,
}

// IsKnownTaskType reports whether t is one of the closed task type set.
func IsKnownTaskType(t TaskType) bool {
	for _, k := range KnownTaskTypes {
		if t == k {
			return true
		}
	}
	return false
}

// Task status constants. Status is the only mutable field of a Task; tasks
// are retained forever for audit and novelty history.
const (
	TaskStatusPending    = "pending"
	TaskStatusInProgress = "in_progress"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// Task represents a single unit of proposed work within one cycle.
type Task struct {
	ID             string    `json:"id" yaml:"id"`
	Cycle          int       `json:"cycle" yaml:"cycle"`
	Type           TaskType  `json:"type" yaml:"type"`
	Description    string    `json:"description" yaml:"description"`
	ExpectedOutput string    `json:"expected_output" yaml:"expected_output"`
	Exploration    bool      `json:"exploration" yaml:"exploration"`
	Status         string    `json:"status" yaml:"status"`
	CreatedAt      time.Time `json:"created_at" yaml:"created_at"`

	// Novelty is the checker's annotation, attached before plan review.
	// Nil until the task has been scored.
	Novelty *NoveltyReport `json:"novelty,omitempty" yaml:"novelty,omitempty"`
}

// Validate checks that the task has all required fields.
func (t *Task) Validate() error {
	if t.ID == "" {
		return errors.New("task id is required")
	}
	if t.Description == "" {
		return errors.New("task description is required")
	}
	if !IsKnownTaskType(t.Type) {
		return fmt.Errorf("unknown task type %q", t.Type)
	}
	if t.Cycle < 0 {
		return fmt.Errorf("task cycle must be >= 0, got %d", t.Cycle)
	}
	return nil
}

// NoveltyReport is the similarity verdict for a candidate text against the
// novelty index. NoveltyScore is 1 - maxSimilarity, clamped to [0,1].
type NoveltyReport struct {
	IsNovel      bool       `json:"is_novel" yaml:"is_novel"`
	NoveltyScore float64    `json:"novelty_score" yaml:"novelty_score"`
	Nearest      []Neighbor `json:"nearest,omitempty" yaml:"nearest,omitempty"`
}

// Neighbor is one of the closest prior items to a scored candidate.
type Neighbor struct {
	ID         string  `json:"id" yaml:"id"`
	Text       string  `json:"text" yaml:"text"`
	Similarity float64 `json:"similarity" yaml:"similarity"`
}

package models

import (
	"errors"
	"fmt"
)

// Plan is the ordered batch of tasks proposed for one cycle, together with
// the planner's rationale and, once evaluated, the reviewer's verdict.
// Exactly one plan exists per cycle.
type Plan struct {
	Cycle     int         `json:"cycle" yaml:"cycle"`
	Tasks     []Task      `json:"tasks" yaml:"tasks"`
	Rationale string      `json:"rationale" yaml:"rationale"`
	Review    *PlanReview `json:"review,omitempty" yaml:"review,omitempty"`
}

// PlanReview holds the plan validator's dimension scores (each 0-10) and
// approval verdict.
type PlanReview struct {
	Scores   map[string]float64 `json:"scores" yaml:"scores"`
	Approved bool               `json:"approved" yaml:"approved"`
	Feedback string             `json:"feedback" yaml:"feedback"`
}

// Mean returns the arithmetic mean of all dimension scores, or 0 when no
// scores are present.
func (r *PlanReview) Mean() float64 {
	if len(r.Scores) == 0 {
		return 0
	}
	var sum float64
	for _, s := range r.Scores {
		sum += s
	}
	return sum / float64(len(r.Scores))
}

// Min returns the lowest dimension score, or 0 when no scores are present.
func (r *PlanReview) Min() float64 {
	first := true
	var min float64
	for _, s := range r.Scores {
		if first || s < min {
			min = s
			first = false
		}
	}
	return min
}

// TypeCounts returns the number of tasks per type.
func (p *Plan) TypeCounts() map[TaskType]int {
	counts := make(map[TaskType]int, len(KnownTaskTypes))
	for _, t := range p.Tasks {
		counts[t.Type]++
	}
	return counts
}

// DistinctTypes returns the number of distinct task types in the plan.
func (p *Plan) DistinctTypes() int {
	return len(p.TypeCounts())
}

// CountType returns how many tasks of the given type the plan contains.
func (p *Plan) CountType(tt TaskType) int {
	n := 0
	for _, t := range p.Tasks {
		if t.Type == tt {
			n++
		}
	}
	return n
}

// StructuralContract captures the shape every approved plan must satisfy.
type StructuralContract struct {
	MinTasks       int // inclusive lower bound on task count
	MaxTasks       int // inclusive upper bound on task count
	MinTypes       int // minimum distinct task types
	MinPrimaryType int // minimum tasks of PrimaryTaskType
}

// CheckStructure validates the plan against the structural contract.
// It returns a descriptive error for the first violation found.
func (p *Plan) CheckStructure(c StructuralContract) error {
	n := len(p.Tasks)
	if n < c.MinTasks || n > c.MaxTasks {
		return fmt.Errorf("plan has %d tasks, want between %d and %d", n, c.MinTasks, c.MaxTasks)
	}
	if got := p.DistinctTypes(); got < c.MinTypes {
		return fmt.Errorf("plan has %d distinct task types, want >= %d", got, c.MinTypes)
	}
	if got := p.CountType(PrimaryTaskType); got < c.MinPrimaryType {
		return fmt.Errorf("plan has %d %s tasks, want >= %d", got, PrimaryTaskType, c.MinPrimaryType)
	}
	for i := range p.Tasks {
		if err := p.Tasks[i].Validate(); err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
	}
	return nil
}

// Validate checks the plan's basic shape independent of any contract.
func (p *Plan) Validate() error {
	if len(p.Tasks) == 0 {
		return errors.New("plan must contain at least one task")
	}
	if p.Cycle < 0 {
		return fmt.Errorf("plan cycle must be >= 0, got %d", p.Cycle)
	}
	return nil
}

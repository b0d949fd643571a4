// Package planner proposes research task batches for each cycle. The
// reasoning oracle drafts the plan; deterministic repair then enforces the
// structural contract so a malformed draft never reaches review.
package planner

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/mkell/sagan/internal/models"
	"github.com/mkell/sagan/internal/oracle"
	"github.com/mkell/sagan/internal/skills"
	"github.com/mkell/sagan/internal/store"
)

// Oracle is the slice of the oracle client the planner needs.
type Oracle interface {
	InvokeStructured(ctx context.Context, req oracle.Request, v any) error
}

// Logger is the minimal logging surface for the planner.
type Logger interface {
	LogDebug(message string)
	LogWarn(message string)
}

type noopLogger struct{}

func (noopLogger) LogDebug(string) {}
func (noopLogger) LogWarn(string)  {}

// Options carries the planner's tunables.
type Options struct {
	BatchSize        int
	Contract         models.StructuralContract
	ExplorationEarly float64
	ExplorationMid   float64
	ExplorationLate  float64
}

// DefaultOptions returns the standard planning knobs.
func DefaultOptions() Options {
	return Options{
		BatchSize:        10,
		Contract:         models.StructuralContract{MinTasks: 3, MaxTasks: 12, MinTypes: 2, MinPrimaryType: 3},
		ExplorationEarly: 0.7,
		ExplorationMid:   0.5,
		ExplorationLate:  0.3,
	}
}

// Planner drafts and repairs cycle plans.
type Planner struct {
	oracle  Oracle
	library *skills.Library
	opts    Options
	logger  Logger
}

// NewPlanner creates a planner. A nil library means no reference guidance.
func NewPlanner(o Oracle, library *skills.Library, opts Options, logger Logger) *Planner {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Planner{oracle: o, library: library, opts: opts, logger: logger}
}

type planDraft struct {
	Rationale string `json:"rationale"`
	Tasks     []struct {
		Type           string `json:"type"`
		Description    string `json:"description"`
		ExpectedOutput string `json:"expected_output"`
		Exploration    bool   `json:"exploration"`
	} `json:"tasks"`
}

// Propose drafts a plan for the cycle from the accumulated research
// context, then repairs it to satisfy the structural contract and apply
// the exploration schedule.
func (p *Planner) Propose(ctx context.Context, goal string, rc *store.ResearchContext, totalCycles int) (*models.Plan, error) {
	return p.propose(ctx, goal, rc, totalCycles, "")
}

// Revise makes exactly one repair attempt driven by review feedback. The
// caller decides what to do when the revision is rejected too.
func (p *Planner) Revise(ctx context.Context, goal string, rc *store.ResearchContext, totalCycles int, feedback string) (*models.Plan, error) {
	return p.propose(ctx, goal, rc, totalCycles, feedback)
}

func (p *Planner) propose(ctx context.Context, goal string, rc *store.ResearchContext, totalCycles int, feedback string) (*models.Plan, error) {
	prompt := p.buildPrompt(goal, rc, feedback)

	var draft planDraft
	err := p.oracle.InvokeStructured(ctx, oracle.Request{
		Label:  "plan-draft",
		Prompt: prompt,
		Schema: models.PlanDraftSchema(),
	}, &draft)
	if err != nil {
		return nil, fmt.Errorf("draft plan: %w", err)
	}

	plan := &models.Plan{Cycle: rc.Cycle, Rationale: draft.Rationale}
	for _, t := range draft.Tasks {
		desc := strings.TrimSpace(t.Description)
		if desc == "" {
			continue
		}
		plan.Tasks = append(plan.Tasks, models.Task{
			Cycle:          rc.Cycle,
			Type:           models.TaskType(strings.TrimSpace(t.Type)),
			Description:    desc,
			ExpectedOutput: strings.TrimSpace(t.ExpectedOutput),
			Status:         models.TaskStatusPending,
		})
	}

	p.repair(plan, goal)
	p.applyExplorationSchedule(plan, totalCycles)

	if err := plan.CheckStructure(p.opts.Contract); err != nil {
		return nil, fmt.Errorf("plan unrepairable: %w", err)
	}
	return plan, nil
}

func (p *Planner) buildPrompt(goal string, rc *store.ResearchContext, feedback string) string {
	var sb strings.Builder
	sb.WriteString("Propose the next batch of research tasks.\n\n")
	fmt.Fprintf(&sb, "Research goal: %s\n\n", goal)
	sb.WriteString(rc.Render())
	sb.WriteString("\n")

	c := p.opts.Contract
	fmt.Fprintf(&sb, "Produce between %d and %d tasks, at most %d.\n", c.MinTasks, c.MaxTasks, p.opts.BatchSize)
	fmt.Fprintf(&sb, "Use at least %d distinct task types and at least %d %s tasks.\n",
		c.MinTypes, c.MinPrimaryType, models.PrimaryTaskType)
	fmt.Fprintf(&sb, "Valid task types: %s.\n", strings.Join(taskTypeNames(), ", "))
	sb.WriteString("Each task needs a concrete description and a testable expected output.\n")

	if p.library != nil {
		blocks := p.library.ContextFor(models.PrimaryTaskType, goal)
		if text := skills.RenderContext(blocks); text != "" {
			sb.WriteString("\n")
			sb.WriteString(text)
		}
	}

	if feedback != "" {
		fmt.Fprintf(&sb, "\nA previous draft was rejected with this feedback; address it:\n%s\n", feedback)
	}
	return sb.String()
}

// repair deterministically coerces a draft into the structural contract:
// unknown types are relabeled, oversized plans truncated, undersized plans
// padded, and type quotas met by relabeling from the end.
func (p *Planner) repair(plan *models.Plan, goal string) {
	c := p.opts.Contract

	for i := range plan.Tasks {
		if !models.IsKnownTaskType(plan.Tasks[i].Type) {
			p.logger.LogDebug(fmt.Sprintf("relabeling unknown task type %q", plan.Tasks[i].Type))
			plan.Tasks[i].Type = models.PrimaryTaskType
		}
	}

	max := c.MaxTasks
	if p.opts.BatchSize > 0 && p.opts.BatchSize < max {
		max = p.opts.BatchSize
	}
	if len(plan.Tasks) > max {
		plan.Tasks = plan.Tasks[:max]
	}

	for len(plan.Tasks) < c.MinTasks {
		plan.Tasks = append(plan.Tasks, models.Task{
			Cycle:          plan.Cycle,
			Type:           models.PrimaryTaskType,
			Description:    fmt.Sprintf("Explore an unexamined aspect of: %s", goal),
			ExpectedOutput: "A short written analysis with at least one quantitative observation",
			Status:         models.TaskStatusPending,
		})
	}

	// Primary-type quota: relabel non-primary tasks from the end.
	for plan.CountType(models.PrimaryTaskType) < c.MinPrimaryType {
		relabeled := false
		for i := len(plan.Tasks) - 1; i >= 0; i-- {
			if plan.Tasks[i].Type != models.PrimaryTaskType {
				plan.Tasks[i].Type = models.PrimaryTaskType
				relabeled = true
				break
			}
		}
		if !relabeled {
			break
		}
	}

	// Distinct-type quota: relabel trailing primary tasks, keeping the
	// primary quota intact.
	secondary := []models.TaskType{models.TaskLiteratureReview, models.TaskHypothesisGeneration, models.TaskDataExploration}
	for i := 0; plan.DistinctTypes() < c.MinTypes && i < len(secondary); i++ {
		for j := len(plan.Tasks) - 1; j >= 0; j-- {
			if plan.Tasks[j].Type == models.PrimaryTaskType &&
				plan.CountType(models.PrimaryTaskType) > c.MinPrimaryType {
				plan.Tasks[j].Type = secondary[i]
				break
			}
		}
		if plan.DistinctTypes() >= c.MinTypes {
			break
		}
		// No slack above the primary quota: grow the plan instead.
		if len(plan.Tasks) < c.MaxTasks {
			plan.Tasks = append(plan.Tasks, models.Task{
				Cycle:          plan.Cycle,
				Type:           secondary[i],
				Description:    fmt.Sprintf("Survey prior work related to: %s", goal),
				ExpectedOutput: "A list of relevant results with identifiers",
				Status:         models.TaskStatusPending,
			})
		}
	}
}

// applyExplorationSchedule marks the first fraction of tasks exploratory
// according to the cycle's position in the run.
func (p *Planner) applyExplorationSchedule(plan *models.Plan, totalCycles int) {
	fraction := p.ExplorationFraction(plan.Cycle, totalCycles)
	n := int(math.Round(fraction * float64(len(plan.Tasks))))
	for i := range plan.Tasks {
		plan.Tasks[i].Exploration = i < n
	}
}

// ExplorationFraction returns the share of exploratory tasks for a cycle:
// high early, tapering as the run converges on exploitation.
func (p *Planner) ExplorationFraction(cycle, totalCycles int) float64 {
	if totalCycles <= 0 {
		return p.opts.ExplorationMid
	}
	position := float64(cycle-1) / float64(totalCycles)
	switch {
	case position < 1.0/3.0:
		return p.opts.ExplorationEarly
	case position < 2.0/3.0:
		return p.opts.ExplorationMid
	default:
		return p.opts.ExplorationLate
	}
}

func taskTypeNames() []string {
	names := make([]string, 0, len(models.KnownTaskTypes))
	for _, t := range models.KnownTaskTypes {
		names = append(names, string(t))
	}
	return names
}

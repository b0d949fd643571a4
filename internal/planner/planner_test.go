package planner

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkell/sagan/internal/models"
	"github.com/mkell/sagan/internal/oracle"
	"github.com/mkell/sagan/internal/store"
)

type stubOracle struct {
	payload string
	lastReq oracle.Request
}

func (s *stubOracle) InvokeStructured(_ context.Context, req oracle.Request, v any) error {
	s.lastReq = req
	return json.Unmarshal([]byte(s.payload), v)
}

func draftJSON(tasks ...string) string {
	type task struct {
		Type           string `json:"type"`
		Description    string `json:"description"`
		ExpectedOutput string `json:"expected_output"`
	}
	var ts []task
	for _, typ := range tasks {
		ts = append(ts, task{Type: typ, Description: "task description", ExpectedOutput: "output"})
	}
	b, _ := json.Marshal(map[string]any{"rationale": "because", "tasks": ts})
	return string(b)
}

func newTestPlanner(payload string) (*Planner, *stubOracle) {
	o := &stubOracle{payload: payload}
	return NewPlanner(o, nil, DefaultOptions(), nil), o
}

func ctxForCycle(cycle int) *store.ResearchContext {
	return &store.ResearchContext{Cycle: cycle}
}

func TestProposeValidDraftPassesThrough(t *testing.T) {
	p, _ := newTestPlanner(draftJSON(
		"code-analysis", "code-analysis", "code-analysis", "literature-review", "data-exploration",
	))

	plan, err := p.Propose(context.Background(), "goal", ctxForCycle(1), 10)
	require.NoError(t, err)
	assert.Len(t, plan.Tasks, 5)
	assert.Equal(t, "because", plan.Rationale)
	assert.NoError(t, plan.CheckStructure(DefaultOptions().Contract))
}

func TestProposeRelabelsUnknownTypes(t *testing.T) {
	p, _ := newTestPlanner(draftJSON(
		"experiments", "code-analysis", "code-analysis", "literature-review",
	))

	plan, err := p.Propose(context.Background(), "goal", ctxForCycle(1), 10)
	require.NoError(t, err)
	for _, task := range plan.Tasks {
		assert.True(t, models.IsKnownTaskType(task.Type))
	}
	assert.NoError(t, plan.CheckStructure(DefaultOptions().Contract))
}

func TestProposePadsUndersizedDraft(t *testing.T) {
	p, _ := newTestPlanner(draftJSON("code-analysis"))

	plan, err := p.Propose(context.Background(), "reduce latency", ctxForCycle(1), 10)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(plan.Tasks), 3)
	assert.NoError(t, plan.CheckStructure(DefaultOptions().Contract))
}

func TestProposeTruncatesOversizedDraft(t *testing.T) {
	types := make([]string, 20)
	for i := range types {
		types[i] = "code-analysis"
	}
	types[19] = "literature-review"
	p, _ := newTestPlanner(draftJSON(types...))

	plan, err := p.Propose(context.Background(), "goal", ctxForCycle(1), 10)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(plan.Tasks), DefaultOptions().BatchSize)
	assert.NoError(t, plan.CheckStructure(DefaultOptions().Contract))
}

func TestProposeRepairsSingleTypeDraft(t *testing.T) {
	// Truncation dropped the only non-primary task; repair must restore
	// type diversity.
	p, _ := newTestPlanner(draftJSON(
		"code-analysis", "code-analysis", "code-analysis", "code-analysis",
	))

	plan, err := p.Propose(context.Background(), "goal", ctxForCycle(1), 10)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, plan.DistinctTypes(), 2)
	assert.GreaterOrEqual(t, plan.CountType(models.PrimaryTaskType), 3)
}

func TestProposeSkipsEmptyDescriptions(t *testing.T) {
	payload := `{"rationale": "r", "tasks": [
		{"type": "code-analysis", "description": "", "expected_output": "o"},
		{"type": "code-analysis", "description": "real", "expected_output": "o"}
	]}`
	p, _ := newTestPlanner(payload)

	plan, err := p.Propose(context.Background(), "goal", ctxForCycle(1), 10)
	require.NoError(t, err)
	for _, task := range plan.Tasks {
		assert.NotEmpty(t, task.Description)
	}
}

func TestExplorationScheduleMonotonicallyDecreases(t *testing.T) {
	p, _ := newTestPlanner("")
	total := 9

	prev := 1.0
	for cycle := 1; cycle <= total; cycle++ {
		f := p.ExplorationFraction(cycle, total)
		assert.LessOrEqual(t, f, prev, "cycle %d", cycle)
		prev = f
	}
	assert.Equal(t, 0.7, p.ExplorationFraction(1, 9))
	assert.Equal(t, 0.5, p.ExplorationFraction(5, 9))
	assert.Equal(t, 0.3, p.ExplorationFraction(9, 9))
}

func TestProposeAppliesExplorationFlags(t *testing.T) {
	p, _ := newTestPlanner(draftJSON(
		"code-analysis", "code-analysis", "code-analysis", "code-analysis",
		"code-analysis", "code-analysis", "code-analysis", "code-analysis",
		"literature-review", "data-exploration",
	))

	plan, err := p.Propose(context.Background(), "goal", ctxForCycle(1), 9)
	require.NoError(t, err)

	var exploratory int
	for _, task := range plan.Tasks {
		if task.Exploration {
			exploratory++
		}
	}
	assert.Equal(t, 7, exploratory)
}

func TestReviseIncludesFeedback(t *testing.T) {
	p, o := newTestPlanner(draftJSON(
		"code-analysis", "code-analysis", "code-analysis", "literature-review",
	))

	_, err := p.Revise(context.Background(), "goal", ctxForCycle(2), 10, "tasks too vague")
	require.NoError(t, err)
	assert.Contains(t, o.lastReq.Prompt, "tasks too vague")
}

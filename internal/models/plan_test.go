package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func planTask(tt TaskType) Task {
	return Task{ID: "t", Type: tt, Description: "do something measurable"}
}

func TestCheckStructure(t *testing.T) {
	contract := StructuralContract{MinTasks: 3, MaxTasks: 5, MinTypes: 2, MinPrimaryType: 2}

	valid := &Plan{Tasks: []Task{
		planTask(TaskCodeAnalysis),
		planTask(TaskCodeAnalysis),
		planTask(TaskLiteratureReview),
	}}
	assert.NoError(t, valid.CheckStructure(contract))
}

func TestCheckStructureTooFewTasks(t *testing.T) {
	contract := StructuralContract{MinTasks: 3, MaxTasks: 5, MinTypes: 1, MinPrimaryType: 0}
	p := &Plan{Tasks: []Task{planTask(TaskCodeAnalysis)}}

	err := p.CheckStructure(contract)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 tasks")
}

func TestCheckStructureTooFewTypes(t *testing.T) {
	contract := StructuralContract{MinTasks: 1, MaxTasks: 5, MinTypes: 2, MinPrimaryType: 0}
	p := &Plan{Tasks: []Task{planTask(TaskCodeAnalysis), planTask(TaskCodeAnalysis)}}

	err := p.CheckStructure(contract)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "distinct task types")
}

func TestCheckStructurePrimaryQuota(t *testing.T) {
	contract := StructuralContract{MinTasks: 1, MaxTasks: 5, MinTypes: 1, MinPrimaryType: 2}
	p := &Plan{Tasks: []Task{planTask(TaskLiteratureReview), planTask(TaskDataExploration)}}

	err := p.CheckStructure(contract)
	require.Error(t, err)
	assert.Contains(t, err.Error(), string(PrimaryTaskType))
}

func TestCheckStructureInvalidTask(t *testing.T) {
	contract := StructuralContract{MinTasks: 1, MaxTasks: 5, MinTypes: 1, MinPrimaryType: 0}
	p := &Plan{Tasks: []Task{{ID: "t", Type: TaskCodeAnalysis}}}

	err := p.CheckStructure(contract)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "description")
}

func TestPlanReviewMeanAndMin(t *testing.T) {
	r := &PlanReview{Scores: map[string]float64{
		"specificity": 8,
		"relevance":   6,
		"diversity":   10,
	}}
	assert.InDelta(t, 8.0, r.Mean(), 1e-9)
	assert.Equal(t, 6.0, r.Min())

	empty := &PlanReview{}
	assert.Zero(t, empty.Mean())
	assert.Zero(t, empty.Min())
}

func TestTaskValidate(t *testing.T) {
	ok := Task{ID: "a", Type: TaskDataExploration, Description: "plot distribution"}
	assert.NoError(t, ok.Validate())

	missingID := Task{Type: TaskDataExploration, Description: "x"}
	assert.Error(t, missingID.Validate())

	badType := Task{ID: "a", Type: "archaeology", Description: "x"}
	assert.Error(t, badType.Validate())

	negativeCycle := Task{ID: "a", Type: TaskDataExploration, Description: "x", Cycle: -1}
	assert.Error(t, negativeCycle.Validate())
}

func TestFindingValidateRequiresDerivesFrom(t *testing.T) {
	f := Finding{
		TaskID:  "t1",
		Summary: "observed effect",
		Evidence: []EvidenceLink{
			{FromFinding: "f1", To: "other", Relation: RelSupports},
		},
	}
	assert.Error(t, f.Validate())

	f.Evidence = append(f.Evidence,
		EvidenceLink{FromFinding: "f1", To: "t1", Relation: RelDerivesFrom})
	assert.NoError(t, f.Validate())
}

func TestEvidenceLinkValidate(t *testing.T) {
	ok := EvidenceLink{FromFinding: "f1", To: "t1", Relation: RelCites}
	assert.NoError(t, ok.Validate())

	badRelation := EvidenceLink{FromFinding: "f1", To: "t1", Relation: "mentions"}
	assert.Error(t, badRelation.Validate())
}

func TestHypothesisValidate(t *testing.T) {
	ok := Hypothesis{Statement: "x causes y", Status: HypothesisUndetermined, Confidence: 0.5}
	assert.NoError(t, ok.Validate())

	badConfidence := Hypothesis{Statement: "x", Status: HypothesisSupported, Confidence: 1.5}
	assert.Error(t, badConfidence.Validate())

	badStatus := Hypothesis{Statement: "x", Status: "maybe", Confidence: 0.5}
	assert.Error(t, badStatus.Validate())
}

func TestPaperRecordComplete(t *testing.T) {
	full := PaperRecord{Title: "A Study", Year: 2019, Identifier: "10.1000/x", Abstract: "..."}
	assert.True(t, full.Complete())

	noAbstract := PaperRecord{Title: "A Study", Identifier: "10.1000/x"}
	assert.True(t, noAbstract.Complete())

	assert.False(t, (&PaperRecord{Title: "A Study"}).Complete())
	assert.False(t, (&PaperRecord{Identifier: "10.1000/x"}).Complete())
	var nilRecord *PaperRecord
	assert.False(t, nilRecord.Complete())
}

func TestExecutionResultCompleted(t *testing.T) {
	done := ExecutionResult{Status: ExecCompleted}
	assert.True(t, done.Completed())
	assert.False(t, (&ExecutionResult{Status: ExecFailed}).Completed())
	assert.False(t, (&ExecutionResult{Status: ExecTimedOut}).Completed())
}

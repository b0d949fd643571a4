package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkell/sagan/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(":memory:", t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func recordTestTask(t *testing.T, s *Store, cycle int) *models.Task {
	t.Helper()
	task := &models.Task{
		Cycle:       cycle,
		Type:        models.TaskCodeAnalysis,
		Description: "measure convergence rate across batch sizes",
	}
	require.NoError(t, s.RecordTask(context.Background(), task))
	return task
}

func testFinding(task *models.Task, summary string, accepted bool) *models.Finding {
	return &models.Finding{
		Cycle:    task.Cycle,
		TaskID:   task.ID,
		Summary:  summary,
		Accepted: accepted,
		Statistics: map[string]float64{
			"r_squared": 0.91,
		},
		Evidence: []models.EvidenceLink{
			{To: task.ID, Relation: models.RelDerivesFrom},
		},
	}
}

func TestRecordTaskAssignsDefaults(t *testing.T) {
	s := newTestStore(t)
	task := recordTestTask(t, s, 1)

	assert.NotEmpty(t, task.ID)
	assert.Equal(t, models.TaskStatusPending, task.Status)
	assert.False(t, task.CreatedAt.IsZero())
}

func TestRecordTaskRejectsInvalid(t *testing.T) {
	s := newTestStore(t)
	err := s.RecordTask(context.Background(), &models.Task{Cycle: 1, Type: models.TaskCodeAnalysis})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "description")
}

func TestUpdateTaskStatus(t *testing.T) {
	s := newTestStore(t)
	task := recordTestTask(t, s, 1)

	require.NoError(t, s.UpdateTaskStatus(context.Background(), task.ID, models.TaskStatusCompleted))

	err := s.UpdateTaskStatus(context.Background(), "no-such-task", models.TaskStatusFailed)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestRecordFindingRequiresKnownTask(t *testing.T) {
	s := newTestStore(t)
	f := &models.Finding{
		Cycle:   1,
		TaskID:  "ghost-task",
		Summary: "orphaned result",
		Evidence: []models.EvidenceLink{
			{To: "ghost-task", Relation: models.RelDerivesFrom},
		},
	}
	_, err := s.Record(context.Background(), f)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown task")
}

func TestRecordFindingRequiresDerivesFromLink(t *testing.T) {
	s := newTestStore(t)
	task := recordTestTask(t, s, 1)
	f := &models.Finding{Cycle: 1, TaskID: task.ID, Summary: "no provenance"}

	_, err := s.Record(context.Background(), f)
	require.Error(t, err)
}

func TestRecordAndGetFinding(t *testing.T) {
	s := newTestStore(t)
	task := recordTestTask(t, s, 1)
	f := testFinding(task, "larger batches converge slower per epoch", true)

	accepted, err := s.Record(context.Background(), f)
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.NotEmpty(t, f.ID)

	got, err := s.GetFinding(context.Background(), f.ID)
	require.NoError(t, err)
	assert.Equal(t, f.Summary, got.Summary)
	assert.Equal(t, task.ID, got.TaskID)
	assert.True(t, got.Accepted)
	assert.Equal(t, 0.91, got.Statistics["r_squared"])

	_, err = s.GetFinding(context.Background(), "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestAcceptedFindingGetsArtifact(t *testing.T) {
	s := newTestStore(t)
	task := recordTestTask(t, s, 2)
	f := testFinding(task, "effect size is stable across seeds", true)

	_, err := s.Record(context.Background(), f)
	require.NoError(t, err)

	data, err := os.ReadFile(s.FindingArtifactPath(f))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "effect size is stable across seeds")
	assert.Contains(t, content, "r_squared")
	assert.Contains(t, content, "derives-from")
}

func TestRejectedFindingExcludedFromContext(t *testing.T) {
	s := newTestStore(t)
	task := recordTestTask(t, s, 1)

	_, err := s.Record(context.Background(), testFinding(task, "accepted result", true))
	require.NoError(t, err)
	_, err = s.Record(context.Background(), testFinding(task, "rejected result", false))
	require.NoError(t, err)

	rc, err := s.QueryContext(context.Background(), 2, 10)
	require.NoError(t, err)
	require.Len(t, rc.Findings, 1)
	assert.Equal(t, "accepted result", rc.Findings[0].Summary)
	assert.Equal(t, 2, rc.Stats.TotalFindings)
	assert.Equal(t, 1, rc.Stats.AcceptedFindings)
	assert.InDelta(t, 0.5, rc.Stats.AcceptanceRate, 1e-9)
}

func TestQueryContextHonorsLookback(t *testing.T) {
	s := newTestStore(t)
	task := recordTestTask(t, s, 1)
	for i := 0; i < 5; i++ {
		_, err := s.Record(context.Background(), testFinding(task, "finding", true))
		require.NoError(t, err)
	}

	rc, err := s.QueryContext(context.Background(), 2, 3)
	require.NoError(t, err)
	assert.Len(t, rc.Findings, 3)
}

func TestHypothesisLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hyp := &models.Hypothesis{Statement: "dropout masks act as implicit ensembles", Confidence: 0.4}
	require.NoError(t, s.RecordHypothesis(ctx, hyp))
	assert.NotEmpty(t, hyp.ID)
	assert.Equal(t, models.HypothesisUndetermined, hyp.Status)

	open, total, err := s.HypothesisCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, open)
	assert.Equal(t, 1, total)

	require.NoError(t, s.UpdateHypothesis(ctx, hyp.ID, models.HypothesisSupported, 0.9))

	open, total, err = s.HypothesisCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, open)
	assert.Equal(t, 1, total)

	// Settled hypotheses leave the planning context.
	rc, err := s.QueryContext(ctx, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, rc.OpenHypotheses)

	err = s.UpdateHypothesis(ctx, "missing", models.HypothesisRefuted, 0.1)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLinkHypothesisFinding(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := recordTestTask(t, s, 1)
	f := testFinding(task, "ensemble variance shrinks with width", true)
	_, err := s.Record(ctx, f)
	require.NoError(t, err)

	hyp := &models.Hypothesis{Statement: "width reduces variance", Confidence: 0.5}
	require.NoError(t, s.RecordHypothesis(ctx, hyp))

	require.NoError(t, s.LinkHypothesisFinding(ctx, hyp.ID, f.ID, true))
	// Duplicate links are ignored, not errors.
	require.NoError(t, s.LinkHypothesisFinding(ctx, hyp.ID, f.ID, true))
}

func TestRecordContradictionMarksBothDisputed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := recordTestTask(t, s, 1)

	old := testFinding(task, "metric improves with depth", true)
	_, err := s.Record(ctx, old)
	require.NoError(t, err)

	newer := testFinding(task, "metric degrades with depth", true)
	_, err = s.Record(ctx, newer)
	require.NoError(t, err)

	require.NoError(t, s.RecordContradiction(ctx, newer.ID, old.ID))

	gotOld, err := s.GetFinding(ctx, old.ID)
	require.NoError(t, err)
	assert.True(t, gotOld.Disputed)
	gotNew, err := s.GetFinding(ctx, newer.ID)
	require.NoError(t, err)
	assert.True(t, gotNew.Disputed)

	// The earlier finding stays accepted; a dispute is not a retraction.
	assert.True(t, gotOld.Accepted)
}

func TestNarrativeRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetRunningNarrative(ctx, "cycle one established the baseline"))
	require.NoError(t, s.CompleteCycle(ctx, 1, "baseline cycle"))

	rc, err := s.QueryContext(ctx, 2, 10)
	require.NoError(t, err)
	assert.Equal(t, "cycle one established the baseline", rc.RunningNarrative)
	assert.Equal(t, 1, rc.CompletedCycles)
}

func TestExportCycleSummary(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := recordTestTask(t, s, 3)

	_, err := s.Record(ctx, testFinding(task, "strong positive correlation", true))
	require.NoError(t, err)
	_, err = s.Record(ctx, testFinding(task, "underpowered comparison", false))
	require.NoError(t, err)

	text, err := s.ExportCycleSummary(ctx, 3)
	require.NoError(t, err)
	assert.Contains(t, text, "# Cycle 3 Summary")
	assert.Contains(t, text, "strong positive correlation")
	assert.Contains(t, text, "Rejected (audit only)")
	assert.Contains(t, text, "underpowered comparison")

	// The summary document is also written to the cycle directory.
	_, err = os.Stat(s.CycleDir(3) + "/summary.md")
	assert.NoError(t, err)
}

func TestRelatedFindings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	task := recordTestTask(t, s, 1)

	first := testFinding(task, "base observation", true)
	_, err := s.Record(ctx, first)
	require.NoError(t, err)

	second := testFinding(task, "derived observation", true)
	second.Evidence = append(second.Evidence,
		models.EvidenceLink{To: first.ID, Relation: models.RelSupports})
	_, err = s.Record(ctx, second)
	require.NoError(t, err)

	related, err := s.RelatedFindings(ctx, second.ID)
	require.NoError(t, err)
	assert.Contains(t, related, first.ID)
}

func TestWriteExecutionLogIsReadableAsArtifact(t *testing.T) {
	s := newTestStore(t)
	result := &models.ExecutionResult{
		TaskID:    "t9",
		Status:    models.ExecCompleted,
		Stdout:    "r_squared = 0.91",
		Stderr:    "RuntimeWarning: overflow",
		Artifacts: []string{"cycle-002/exec/t9/plot.png"},
	}

	rel, err := s.WriteExecutionLog(result, 2)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("cycle-002", "exec", "t9.log"), rel)

	data, err := s.ReadArtifact(rel)
	require.NoError(t, err)
	assert.Contains(t, string(data), "status: completed")
	assert.Contains(t, string(data), "r_squared = 0.91")
	assert.Contains(t, string(data), "RuntimeWarning: overflow")
	assert.Contains(t, string(data), "plot.png")
}

func TestReadArtifactResolvesRelativePaths(t *testing.T) {
	s := newTestStore(t)
	task := recordTestTask(t, s, 1)
	f := testFinding(task, "artifact content check", true)
	_, err := s.Record(context.Background(), f)
	require.NoError(t, err)

	rel := "cycle-001/finding-" + task.ID + ".md"
	data, err := s.ReadArtifact(rel)
	require.NoError(t, err)
	assert.Contains(t, string(data), "artifact content check")
}

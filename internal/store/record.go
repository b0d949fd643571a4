package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mkell/sagan/internal/models"
)

// RecordTask appends a task to the primary log, assigning an id and a
// cycle-ordered sequence number when missing. Tasks are retained forever
// for audit and novelty history.
func (s *Store) RecordTask(ctx context.Context, task *models.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	if err := task.Validate(); err != nil {
		return fmt.Errorf("invalid task: %w", err)
	}

	seq, err := s.nextTaskSeq(ctx, task.Cycle)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, cycle, seq, type, description, expected_output, exploration, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.Cycle, seq, string(task.Type), task.Description,
		task.ExpectedOutput, boolToInt(task.Exploration), task.Status, task.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTaskStatus mutates a task's status, the only mutable task field.
func (s *Store) UpdateTaskStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return fmt.Errorf("update task status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// Record validates a finding's referential integrity, assigns an id,
// appends it to the primary log and best-effort mirrors it into the
// relationship index. It returns the finding's accepted verdict.
//
// Rejected findings are persisted too: they are audit records, excluded
// from planning context by every query.
func (s *Store) Record(ctx context.Context, finding *models.Finding) (bool, error) {
	if finding.ID == "" {
		finding.ID = uuid.NewString()
	}
	if finding.CreatedAt.IsZero() {
		finding.CreatedAt = time.Now().UTC()
	}
	for i := range finding.Evidence {
		if finding.Evidence[i].FromFinding == "" {
			finding.Evidence[i].FromFinding = finding.ID
		}
	}
	if err := finding.Validate(); err != nil {
		return false, fmt.Errorf("invalid finding: %w", err)
	}

	// Referential integrity: the source task must exist.
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM tasks WHERE id = ?", finding.TaskID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, fmt.Errorf("finding references unknown task %s", finding.TaskID)
	}
	if err != nil {
		return false, fmt.Errorf("check task reference: %w", err)
	}

	stats, err := json.Marshal(finding.Statistics)
	if err != nil {
		return false, fmt.Errorf("marshal statistics: %w", err)
	}
	score := []byte("{}")
	if finding.Score != nil {
		if score, err = json.Marshal(finding.Score); err != nil {
			return false, fmt.Errorf("marshal score: %w", err)
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO findings (id, cycle, task_id, summary, statistics, interpretation, score, accepted, disputed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		finding.ID, finding.Cycle, finding.TaskID, finding.Summary,
		string(stats), finding.Interpretation, string(score),
		boolToInt(finding.Accepted), finding.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert finding: %w", err)
	}

	for _, link := range finding.Evidence {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO evidence_links (from_finding, target, relation)
			VALUES (?, ?, ?)`,
			link.FromFinding, link.To, string(link.Relation))
		if err != nil {
			return false, fmt.Errorf("insert evidence link: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit finding: %w", err)
	}

	// Mirror into the relationship index. Failure degrades, never blocks.
	s.mirrorFinding(ctx, finding)

	// Accepted findings get a durable artifact document.
	if finding.Accepted && s.artifactDir != "" {
		if err := s.WriteFindingArtifact(finding); err != nil {
			return finding.Accepted, fmt.Errorf("write finding artifact: %w", err)
		}
	}

	return finding.Accepted, nil
}

// RecordHypothesis appends a hypothesis, assigning an id when missing.
func (s *Store) RecordHypothesis(ctx context.Context, hyp *models.Hypothesis) error {
	if hyp.ID == "" {
		hyp.ID = uuid.NewString()
	}
	if hyp.Status == "" {
		hyp.Status = models.HypothesisUndetermined
	}
	if hyp.CreatedAt.IsZero() {
		hyp.CreatedAt = time.Now().UTC()
	}
	if err := hyp.Validate(); err != nil {
		return fmt.Errorf("invalid hypothesis: %w", err)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO hypotheses (id, statement, status, confidence, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		hyp.ID, hyp.Statement, string(hyp.Status), hyp.Confidence, hyp.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert hypothesis: %w", err)
	}

	s.mirrorNode(ctx, hyp.ID, "hypothesis", hyp.Statement)
	return nil
}

// UpdateHypothesis re-statuses a hypothesis. Hypotheses are never deleted.
func (s *Store) UpdateHypothesis(ctx context.Context, id string, status models.HypothesisStatus, confidence float64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE hypotheses SET status = ?, confidence = ? WHERE id = ?",
		string(status), confidence, id)
	if err != nil {
		return fmt.Errorf("update hypothesis: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("hypothesis %s: %w", id, ErrNotFound)
	}
	return nil
}

// LinkHypothesisFinding records that a finding supports or refutes a
// hypothesis, in both the primary log and the relationship index.
func (s *Store) LinkHypothesisFinding(ctx context.Context, hypothesisID, findingID string, supports bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO hypothesis_evidence (hypothesis_id, finding_id, supports)
		VALUES (?, ?, ?)`,
		hypothesisID, findingID, boolToInt(supports))
	if err != nil {
		return fmt.Errorf("link hypothesis finding: %w", err)
	}

	relation := models.RelSupports
	if !supports {
		relation = models.RelRefutes
	}
	s.mirrorEdge(ctx, findingID, hypothesisID, string(relation))
	return nil
}

// RecordContradiction links a new finding against an accepted one with a
// contradicts edge and marks both disputed. The earlier finding is never
// retracted; downstream consumers decide what a dispute means.
func (s *Store) RecordContradiction(ctx context.Context, newFindingID, oldFindingID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO evidence_links (from_finding, target, relation)
		VALUES (?, ?, ?)`,
		newFindingID, oldFindingID, string(models.RelContradicts))
	if err != nil {
		return fmt.Errorf("insert contradiction link: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE findings SET disputed = 1 WHERE id IN (?, ?)",
		newFindingID, oldFindingID)
	if err != nil {
		return fmt.Errorf("mark findings disputed: %w", err)
	}

	s.mirrorEdge(ctx, newFindingID, oldFindingID, string(models.RelContradicts))
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

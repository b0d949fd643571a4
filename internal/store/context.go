package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mkell/sagan/internal/models"
)

// FindingSummary is the compressed, context-sized view of one finding:
// the two-line summary plus named statistics, never the raw artifacts.
// Full detail stays retrievable by id (lazy expansion).
type FindingSummary struct {
	ID         string
	Cycle      int
	Summary    string
	Statistics map[string]float64
	Disputed   bool
}

// ContextStats are the aggregate counters included with every context
// query.
type ContextStats struct {
	TotalTasks       int
	TotalFindings    int
	AcceptedFindings int
	AcceptanceRate   float64
}

// ResearchContext is the bounded planning context handed to the planner:
// at most lookback recent accepted findings, the open hypotheses, the
// running cross-cycle narrative and aggregate statistics.
type ResearchContext struct {
	Cycle            int
	CompletedCycles  int
	Findings         []FindingSummary
	OpenHypotheses   []models.Hypothesis
	RunningNarrative string
	Stats            ContextStats
}

// Render formats the context as prompt text. Disputed findings are
// labeled so the planner can weigh them accordingly.
func (c *ResearchContext) Render() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Completed cycles: %d\n", c.CompletedCycles)
	fmt.Fprintf(&sb, "Accepted findings so far: %d of %d (%.0f%%)\n",
		c.Stats.AcceptedFindings, c.Stats.TotalFindings, c.Stats.AcceptanceRate*100)

	if c.RunningNarrative != "" {
		sb.WriteString("\nResearch narrative so far:\n")
		sb.WriteString(c.RunningNarrative)
		sb.WriteString("\n")
	}

	if len(c.Findings) > 0 {
		sb.WriteString("\nRecent findings:\n")
		for _, f := range c.Findings {
			marker := ""
			if f.Disputed {
				marker = " [disputed]"
			}
			fmt.Fprintf(&sb, "- (cycle %d)%s %s", f.Cycle, marker, f.Summary)
			if len(f.Statistics) > 0 {
				keys := make([]string, 0, len(f.Statistics))
				for k := range f.Statistics {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				parts := make([]string, 0, len(keys))
				for _, k := range keys {
					parts = append(parts, fmt.Sprintf("%s=%g", k, f.Statistics[k]))
				}
				fmt.Fprintf(&sb, " (%s)", strings.Join(parts, ", "))
			}
			sb.WriteString("\n")
		}
	}

	if len(c.OpenHypotheses) > 0 {
		sb.WriteString("\nOpen hypotheses:\n")
		for _, h := range c.OpenHypotheses {
			fmt.Fprintf(&sb, "- %s (confidence %.2f)\n", h.Statement, h.Confidence)
		}
	}

	return sb.String()
}

// QueryContext builds the bounded planning context for the given cycle.
// Repeated calls with no intervening writes return identical content.
func (s *Store) QueryContext(ctx context.Context, cycle, lookback int) (*ResearchContext, error) {
	if lookback <= 0 {
		lookback = 10
	}

	rc := &ResearchContext{Cycle: cycle}

	// Last K accepted findings, newest first, before this cycle's writes
	// would matter: findings are keyed by cycle and the caller persists
	// cycle N fully before querying for N+1.
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, cycle, summary, statistics, disputed
		FROM findings
		WHERE accepted = 1
		ORDER BY cycle DESC, created_at DESC, id DESC
		LIMIT ?`, lookback)
	if err != nil {
		return nil, fmt.Errorf("query findings: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var fs FindingSummary
		var statsJSON string
		var disputed int
		if err := rows.Scan(&fs.ID, &fs.Cycle, &fs.Summary, &statsJSON, &disputed); err != nil {
			return nil, fmt.Errorf("scan finding: %w", err)
		}
		fs.Disputed = disputed != 0
		if err := json.Unmarshal([]byte(statsJSON), &fs.Statistics); err != nil {
			return nil, fmt.Errorf("finding %s statistics: %w: %v", fs.ID, ErrCorrupt, err)
		}
		rc.Findings = append(rc.Findings, fs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate findings: %w", err)
	}

	// Undetermined hypotheses only; settled ones no longer drive planning.
	hypRows, err := s.db.QueryContext(ctx, `
		SELECT id, statement, status, confidence, created_at
		FROM hypotheses
		WHERE status = ?
		ORDER BY created_at, id`, string(models.HypothesisUndetermined))
	if err != nil {
		return nil, fmt.Errorf("query hypotheses: %w", err)
	}
	defer hypRows.Close()

	for hypRows.Next() {
		var h models.Hypothesis
		var status string
		if err := hypRows.Scan(&h.ID, &h.Statement, &status, &h.Confidence, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan hypothesis: %w", err)
		}
		h.Status = models.HypothesisStatus(status)
		rc.OpenHypotheses = append(rc.OpenHypotheses, h)
	}
	if err := hypRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate hypotheses: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM cycles WHERE completed = 1").Scan(&rc.CompletedCycles); err != nil {
		return nil, fmt.Errorf("count cycles: %w", err)
	}

	if err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM tasks").Scan(&rc.Stats.TotalTasks); err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(accepted), 0) FROM findings`).
		Scan(&rc.Stats.TotalFindings, &rc.Stats.AcceptedFindings); err != nil {
		return nil, fmt.Errorf("count findings: %w", err)
	}
	if rc.Stats.TotalFindings > 0 {
		rc.Stats.AcceptanceRate = float64(rc.Stats.AcceptedFindings) / float64(rc.Stats.TotalFindings)
	}

	narrative, err := s.getMeta(ctx, "running_narrative")
	if err != nil {
		return nil, err
	}
	rc.RunningNarrative = narrative

	return rc, nil
}

// GetFinding retrieves a full finding by id: the lazy-expansion path from
// a summary reference back to complete detail.
func (s *Store) GetFinding(ctx context.Context, id string) (*models.Finding, error) {
	var f models.Finding
	var statsJSON, scoreJSON string
	var accepted, disputed int
	err := s.db.QueryRowContext(ctx, `
		SELECT id, cycle, task_id, summary, statistics, interpretation, score, accepted, disputed, created_at
		FROM findings WHERE id = ?`, id).
		Scan(&f.ID, &f.Cycle, &f.TaskID, &f.Summary, &statsJSON,
			&f.Interpretation, &scoreJSON, &accepted, &disputed, &f.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("finding %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query finding: %w", err)
	}
	f.Accepted = accepted != 0
	f.Disputed = disputed != 0

	if err := json.Unmarshal([]byte(statsJSON), &f.Statistics); err != nil {
		return nil, fmt.Errorf("finding %s statistics: %w: %v", id, ErrCorrupt, err)
	}
	if scoreJSON != "{}" && scoreJSON != "" {
		f.Score = &models.FindingScore{}
		if err := json.Unmarshal([]byte(scoreJSON), f.Score); err != nil {
			return nil, fmt.Errorf("finding %s score: %w: %v", id, ErrCorrupt, err)
		}
	}

	linkRows, err := s.db.QueryContext(ctx, `
		SELECT from_finding, target, relation FROM evidence_links
		WHERE from_finding = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("query evidence links: %w", err)
	}
	defer linkRows.Close()

	for linkRows.Next() {
		var link models.EvidenceLink
		var relation string
		if err := linkRows.Scan(&link.FromFinding, &link.To, &relation); err != nil {
			return nil, fmt.Errorf("scan evidence link: %w", err)
		}
		link.Relation = models.Relation(relation)
		f.Evidence = append(f.Evidence, link)
	}
	if err := linkRows.Err(); err != nil {
		return nil, fmt.Errorf("iterate evidence links: %w", err)
	}

	return &f, nil
}

// CycleFindings returns all findings recorded for one cycle, accepted and
// rejected, oldest first.
func (s *Store) CycleFindings(ctx context.Context, cycle int) ([]models.Finding, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id FROM findings WHERE cycle = ? ORDER BY created_at, id", cycle)
	if err != nil {
		return nil, fmt.Errorf("query cycle findings: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan finding id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate finding ids: %w", err)
	}

	findings := make([]models.Finding, 0, len(ids))
	for _, id := range ids {
		f, err := s.GetFinding(ctx, id)
		if err != nil {
			return nil, err
		}
		findings = append(findings, *f)
	}
	return findings, nil
}

// CompleteCycle marks a cycle finished with its narrative, making it
// visible to future context queries. Cycle N must be completed before
// cycle N+1 queries context.
func (s *Store) CompleteCycle(ctx context.Context, cycle int, narrative string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cycles (cycle, completed, narrative, completed_at)
		VALUES (?, 1, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(cycle) DO UPDATE SET completed = 1, narrative = excluded.narrative, completed_at = CURRENT_TIMESTAMP`,
		cycle, narrative)
	if err != nil {
		return fmt.Errorf("complete cycle: %w", err)
	}
	return nil
}

// HypothesisCounts reports how many hypotheses remain undetermined and how
// many exist in total.
func (s *Store) HypothesisCounts(ctx context.Context) (open, total int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(CASE WHEN status = ? THEN 1 END), COUNT(*) FROM hypotheses`,
		string(models.HypothesisUndetermined)).Scan(&open, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("count hypotheses: %w", err)
	}
	return open, total, nil
}

// SetRunningNarrative replaces the cross-cycle running narrative.
func (s *Store) SetRunningNarrative(ctx context.Context, narrative string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES ('running_narrative', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, narrative)
	if err != nil {
		return fmt.Errorf("set running narrative: %w", err)
	}
	return nil
}

func (s *Store) getMeta(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		"SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query meta %s: %w", key, err)
	}
	return value, nil
}

package models

import (
	"errors"
	"fmt"
	"time"
)

// Relation labels a directed evidence edge.
type Relation string

const (
	RelDerivesFrom Relation = "derives-from"
	RelSupports    Relation = "supports"
	RelRefutes     Relation = "refutes"
	RelCites       Relation = "cites"
	RelContradicts Relation = "contradicts"
)

// IsKnownRelation reports whether r is part of the closed relation set.
func IsKnownRelation(r Relation) bool {
	switch r {
	case RelDerivesFrom, RelSupports, RelRefutes, RelCites, RelContradicts:
		return true
	}
	return false
}

// EvidenceLink is a directed edge from a finding to a piece of evidence.
// The target is an evidence reference: an execution artifact path, a
// citation identifier, or another finding's id.
type EvidenceLink struct {
	FromFinding string   `json:"from_finding" yaml:"from_finding"`
	To          string   `json:"to" yaml:"to"`
	Relation    Relation `json:"relation" yaml:"relation"`
}

// Validate checks the link's required fields.
func (l *EvidenceLink) Validate() error {
	if l.FromFinding == "" {
		return errors.New("evidence link requires a source finding id")
	}
	if l.To == "" {
		return errors.New("evidence link requires a target reference")
	}
	if !IsKnownRelation(l.Relation) {
		return fmt.Errorf("unknown evidence relation %q", l.Relation)
	}
	return nil
}

// Finding is a validated (or rejected) result derived from a task's
// execution. Accepted findings are immutable and append-only; rejected
// findings are retained for audit but never fed back into planning context.
type Finding struct {
	ID             string             `json:"id" yaml:"id"`
	Cycle          int                `json:"cycle" yaml:"cycle"`
	TaskID         string             `json:"task_id" yaml:"task_id"`
	Summary        string             `json:"summary" yaml:"summary"`
	Statistics     map[string]float64 `json:"statistics,omitempty" yaml:"statistics,omitempty"`
	Interpretation string             `json:"interpretation" yaml:"interpretation"`
	Evidence       []EvidenceLink     `json:"evidence" yaml:"evidence"`
	Score          *FindingScore      `json:"score,omitempty" yaml:"score,omitempty"`
	Accepted       bool               `json:"accepted" yaml:"accepted"`
	Disputed       bool               `json:"disputed" yaml:"disputed"`
	CreatedAt      time.Time          `json:"created_at" yaml:"created_at"`
}

// Validate checks the finding invariants that hold before storage: required
// fields plus at least one outgoing derives-from evidence link.
func (f *Finding) Validate() error {
	if f.TaskID == "" {
		return errors.New("finding task id is required")
	}
	if f.Summary == "" {
		return errors.New("finding summary is required")
	}
	derives := false
	for i := range f.Evidence {
		if err := f.Evidence[i].Validate(); err != nil {
			return fmt.Errorf("evidence link %d: %w", i, err)
		}
		if f.Evidence[i].Relation == RelDerivesFrom {
			derives = true
		}
	}
	if !derives {
		return errors.New("finding requires at least one derives-from evidence link")
	}
	return nil
}

// FindingScore holds the finding validator's weighted dimension scores,
// each in [0,1].
type FindingScore struct {
	Dimensions map[string]float64 `json:"dimensions" yaml:"dimensions"`
	Overall    float64            `json:"overall" yaml:"overall"`
	Passes     bool               `json:"passes" yaml:"passes"`
	Feedback   string             `json:"feedback" yaml:"feedback"`
}

// Hypothesis status constants. Hypotheses are never deleted, only
// re-statused as evidence accumulates.
type HypothesisStatus string

const (
	HypothesisSupported    HypothesisStatus = "supported"
	HypothesisRefuted      HypothesisStatus = "refuted"
	HypothesisUndetermined HypothesisStatus = "undetermined"
)

// Hypothesis is a standing claim tracked across cycles.
type Hypothesis struct {
	ID         string           `json:"id" yaml:"id"`
	Statement  string           `json:"statement" yaml:"statement"`
	Status     HypothesisStatus `json:"status" yaml:"status"`
	Confidence float64          `json:"confidence" yaml:"confidence"`
	Supporting []string         `json:"supporting,omitempty" yaml:"supporting,omitempty"`
	Refuting   []string         `json:"refuting,omitempty" yaml:"refuting,omitempty"`
	CreatedAt  time.Time        `json:"created_at" yaml:"created_at"`
}

// Validate checks the hypothesis required fields.
func (h *Hypothesis) Validate() error {
	if h.Statement == "" {
		return errors.New("hypothesis statement is required")
	}
	switch h.Status {
	case HypothesisSupported, HypothesisRefuted, HypothesisUndetermined:
	default:
		return fmt.Errorf("unknown hypothesis status %q", h.Status)
	}
	if h.Confidence < 0 || h.Confidence > 1 {
		return fmt.Errorf("hypothesis confidence must be in [0,1], got %v", h.Confidence)
	}
	return nil
}

// PaperRecord is one literature search result. Records may arrive with
// missing fields from the search collaborator and must be filtered with
// Complete before any field access.
type PaperRecord struct {
	Title      string `json:"title"`
	Year       int    `json:"year"`
	Identifier string `json:"identifier"`
	Abstract   string `json:"abstract"`
}

// Complete reports whether the record carries the fields the core relies
// on. Abstract may be empty; title and identifier may not.
func (p *PaperRecord) Complete() bool {
	return p != nil && p.Title != "" && p.Identifier != ""
}

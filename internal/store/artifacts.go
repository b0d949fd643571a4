package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mkell/sagan/internal/filelock"
	"github.com/mkell/sagan/internal/models"
)

// The artifact layout is the durable, human-inspectable face of the
// store: one directory per cycle, one markdown document per task's
// finding with YAML front matter, and one summary document per cycle.
// A downstream report generator consumes this layout; nothing in the
// core reads it back except lazy artifact expansion.

// findingFrontMatter is the YAML header of a finding document.
type findingFrontMatter struct {
	ID         string             `yaml:"id"`
	Cycle      int                `yaml:"cycle"`
	TaskID     string             `yaml:"task_id"`
	Accepted   bool               `yaml:"accepted"`
	Statistics map[string]float64 `yaml:"statistics,omitempty"`
	Evidence   []string           `yaml:"evidence"`
}

// CycleDir returns the artifact directory for a cycle.
func (s *Store) CycleDir(cycle int) string {
	return filepath.Join(s.artifactDir, fmt.Sprintf("cycle-%03d", cycle))
}

// FindingArtifactPath returns the canonical document path for a finding.
func (s *Store) FindingArtifactPath(finding *models.Finding) string {
	return filepath.Join(s.CycleDir(finding.Cycle), fmt.Sprintf("finding-%s.md", finding.TaskID))
}

// WriteFindingArtifact writes a finding's markdown document atomically
// under a cross-process lock. Every document carries its evidence
// references so each statistic stays resolvable to a citation or an
// execution artifact path.
func (s *Store) WriteFindingArtifact(finding *models.Finding) error {
	refs := make([]string, 0, len(finding.Evidence))
	for _, link := range finding.Evidence {
		refs = append(refs, fmt.Sprintf("%s: %s", link.Relation, link.To))
	}

	fm := findingFrontMatter{
		ID:         finding.ID,
		Cycle:      finding.Cycle,
		TaskID:     finding.TaskID,
		Accepted:   finding.Accepted,
		Statistics: finding.Statistics,
		Evidence:   refs,
	}
	header, err := yaml.Marshal(&fm)
	if err != nil {
		return fmt.Errorf("marshal front matter: %w", err)
	}

	var sb strings.Builder
	sb.WriteString("---\n")
	sb.Write(header)
	sb.WriteString("---\n\n")
	fmt.Fprintf(&sb, "# Finding %s\n\n", finding.ID)
	sb.WriteString(finding.Summary)
	sb.WriteString("\n")
	if finding.Interpretation != "" {
		sb.WriteString("\n## Interpretation\n\n")
		sb.WriteString(finding.Interpretation)
		sb.WriteString("\n")
	}
	if len(finding.Statistics) > 0 {
		sb.WriteString("\n## Statistics\n\n")
		keys := make([]string, 0, len(finding.Statistics))
		for k := range finding.Statistics {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %g\n", k, finding.Statistics[k])
		}
	}

	return filelock.LockAndWrite(s.FindingArtifactPath(finding), []byte(sb.String()))
}

// ExecutionLogPath returns the canonical raw-output document path for a
// task, relative to the artifact root.
func (s *Store) ExecutionLogPath(cycle int, taskID string) string {
	return filepath.Join(fmt.Sprintf("cycle-%03d", cycle), "exec", taskID+".log")
}

// WriteExecutionLog persists a task's raw output under the cycle's
// artifact directory and returns the root-relative path for evidence
// references. Environments are ephemeral; this document is what keeps a
// finding's statistics traceable to the run that produced them.
func (s *Store) WriteExecutionLog(result *models.ExecutionResult, cycle int) (string, error) {
	rel := s.ExecutionLogPath(cycle, result.TaskID)

	var sb strings.Builder
	fmt.Fprintf(&sb, "task: %s\nstatus: %s\nelapsed: %s\n", result.TaskID, result.Status, result.Elapsed)
	for _, a := range result.Artifacts {
		fmt.Fprintf(&sb, "artifact: %s\n", a)
	}
	sb.WriteString("\n--- stdout ---\n")
	sb.WriteString(result.Stdout)
	sb.WriteString("\n")
	if result.Stderr != "" {
		sb.WriteString("\n--- stderr ---\n")
		sb.WriteString(result.Stderr)
		sb.WriteString("\n")
	}

	if err := filelock.LockAndWrite(filepath.Join(s.artifactDir, rel), []byte(sb.String())); err != nil {
		return "", fmt.Errorf("write execution log: %w", err)
	}
	return rel, nil
}

// ExportCycleSummary composes the human-readable narrative for a cycle
// from its recorded findings, writes it as the cycle's summary document
// and returns the text. Rejected findings appear in an audit section only.
func (s *Store) ExportCycleSummary(ctx context.Context, cycle int) (string, error) {
	findings, err := s.CycleFindings(ctx, cycle)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Cycle %d Summary\n\n", cycle)

	accepted := 0
	for _, f := range findings {
		if f.Accepted {
			accepted++
		}
	}
	fmt.Fprintf(&sb, "%d findings recorded, %d accepted.\n", len(findings), accepted)

	if accepted > 0 {
		sb.WriteString("\n## Accepted findings\n\n")
		for _, f := range findings {
			if !f.Accepted {
				continue
			}
			marker := ""
			if f.Disputed {
				marker = " *(disputed)*"
			}
			fmt.Fprintf(&sb, "### %s%s\n\n%s\n", f.ID, marker, f.Summary)
			if f.Interpretation != "" {
				fmt.Fprintf(&sb, "\n%s\n", f.Interpretation)
			}
			for _, link := range f.Evidence {
				fmt.Fprintf(&sb, "- evidence (%s): %s\n", link.Relation, link.To)
			}
			if f.Disputed {
				if related, err := s.RelatedFindings(ctx, f.ID); err == nil && len(related) > 0 {
					fmt.Fprintf(&sb, "- related: %s\n", strings.Join(related, ", "))
				}
			}
			sb.WriteString("\n")
		}
	}

	if accepted < len(findings) {
		sb.WriteString("## Rejected (audit only)\n\n")
		for _, f := range findings {
			if f.Accepted {
				continue
			}
			fmt.Fprintf(&sb, "- %s: %s\n", f.ID, f.Summary)
		}
	}

	text := sb.String()
	if s.artifactDir != "" {
		path := filepath.Join(s.CycleDir(cycle), "summary.md")
		if err := filelock.LockAndWrite(path, []byte(text)); err != nil {
			return "", fmt.Errorf("write cycle summary: %w", err)
		}
	}
	return text, nil
}

// ReadArtifact returns the raw contents of an artifact path, resolving
// relative paths against the artifact root. Lazy expansion for evidence
// references that point at execution artifacts.
func (s *Store) ReadArtifact(path string) ([]byte, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(s.artifactDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	return data, nil
}

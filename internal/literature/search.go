// Package literature turns literature-review tasks into structured paper
// records. Queries go through the reasoning oracle, which answers from its
// training corpus, so results are best-effort: incomplete records are
// dropped and an empty result set is a valid outcome, not an error.
package literature

import (
	"context"
	"fmt"
	"strings"

	"github.com/mkell/sagan/internal/models"
	"github.com/mkell/sagan/internal/oracle"
)

const searchSchema = `{
  "type": "object",
  "properties": {
    "papers": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "title": {"type": "string"},
          "year": {"type": "integer"},
          "identifier": {"type": "string"},
          "abstract": {"type": "string"}
        },
        "required": ["title", "identifier"]
      }
    }
  },
  "required": ["papers"]
}`

// Querier is the slice of the oracle client the searcher needs.
type Querier interface {
	InvokeStructured(ctx context.Context, req oracle.Request, v any) error
}

// Searcher retrieves paper records for a research query.
type Searcher struct {
	oracle     Querier
	maxResults int
}

// NewSearcher creates a Searcher. maxResults <= 0 defaults to 10.
func NewSearcher(q Querier, maxResults int) *Searcher {
	if maxResults <= 0 {
		maxResults = 10
	}
	return &Searcher{oracle: q, maxResults: maxResults}
}

type searchResponse struct {
	Papers []struct {
		Title      string `json:"title"`
		Year       int    `json:"year"`
		Identifier string `json:"identifier"`
		Abstract   string `json:"abstract"`
	} `json:"papers"`
}

// Search asks the oracle for papers relevant to the query. Records missing
// a title or identifier are dropped. An empty list is returned as-is.
func (s *Searcher) Search(ctx context.Context, query string) ([]models.PaperRecord, error) {
	prompt := buildSearchPrompt(query, s.maxResults)

	var resp searchResponse
	err := s.oracle.InvokeStructured(ctx, oracle.Request{
		Label:  "literature-search",
		Prompt: prompt,
		Schema: searchSchema,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("literature search: %w", err)
	}

	papers := make([]models.PaperRecord, 0, len(resp.Papers))
	for _, p := range resp.Papers {
		record := models.PaperRecord{
			Title:      strings.TrimSpace(p.Title),
			Year:       p.Year,
			Identifier: strings.TrimSpace(p.Identifier),
			Abstract:   strings.TrimSpace(p.Abstract),
		}
		if !record.Complete() {
			continue
		}
		papers = append(papers, record)
		if len(papers) >= s.maxResults {
			break
		}
	}
	return papers, nil
}

func buildSearchPrompt(query string, maxResults int) string {
	var sb strings.Builder
	sb.WriteString("List published papers relevant to the following research question.\n")
	fmt.Fprintf(&sb, "Return at most %d papers. For each paper give its title, publication year,\n", maxResults)
	sb.WriteString("a stable identifier (DOI or arXiv id), and a one-paragraph abstract.\n")
	sb.WriteString("Only include papers you are confident actually exist.\n\n")
	fmt.Fprintf(&sb, "Research question: %s\n", query)
	return sb.String()
}

// RenderPapers formats records as prompt text for downstream synthesis.
func RenderPapers(papers []models.PaperRecord) string {
	if len(papers) == 0 {
		return "No relevant papers were found."
	}
	var sb strings.Builder
	for i, p := range papers {
		fmt.Fprintf(&sb, "%d. %s (%d) [%s]\n", i+1, p.Title, p.Year, p.Identifier)
		if p.Abstract != "" {
			fmt.Fprintf(&sb, "   %s\n", p.Abstract)
		}
	}
	return sb.String()
}

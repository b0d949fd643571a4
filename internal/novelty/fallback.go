package novelty

import (
	"context"
	"sort"
	"sync"

	"github.com/mkell/sagan/internal/models"
)

// TokenOverlapChecker is the fallback Checker for environments without an
// embedding model. It keeps indexed token sets in memory and scores
// candidates by Jaccard overlap, producing the same report shape as the
// embedding path.
type TokenOverlapChecker struct {
	mu        sync.RWMutex
	entries   []overlapEntry
	threshold float64
}

type overlapEntry struct {
	id     string
	text   string
	tokens map[string]struct{}
}

// NewTokenOverlapChecker creates the comparator. threshold <= 0 selects
// DefaultThreshold.
func NewTokenOverlapChecker(threshold float64) *TokenOverlapChecker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	return &TokenOverlapChecker{threshold: threshold}
}

// Index appends token sets for later comparison. Empty texts are skipped.
func (c *TokenOverlapChecker) Index(_ context.Context, items []Item) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, item := range items {
		if item.Text == "" {
			continue
		}
		c.entries = append(c.entries, overlapEntry{
			id:     item.ID,
			text:   item.Text,
			tokens: tokenSet(item.Text),
		})
	}
	return nil
}

// Score compares the candidate against every indexed entry.
func (c *TokenOverlapChecker) Score(_ context.Context, text string) (*models.NoveltyReport, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	report := &models.NoveltyReport{IsNovel: true, NoveltyScore: 1.0}
	if len(c.entries) == 0 {
		return report, nil
	}

	candidate := tokenSet(text)
	for _, e := range c.entries {
		sim := jaccard(candidate, e.tokens)
		report.Nearest = append(report.Nearest, models.Neighbor{
			ID:         e.id,
			Text:       e.text,
			Similarity: sim,
		})
	}
	sort.Slice(report.Nearest, func(i, j int) bool {
		return report.Nearest[i].Similarity > report.Nearest[j].Similarity
	})
	if len(report.Nearest) > maxNeighbors {
		report.Nearest = report.Nearest[:maxNeighbors]
	}

	maxSim := report.Nearest[0].Similarity
	report.NoveltyScore = clamp01(1 - maxSim)
	report.IsNovel = maxSim < c.threshold
	return report, nil
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range Tokenize(text) {
		set[tok] = struct{}{}
	}
	return set
}

func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

package novelty

import (
	"context"
	"fmt"

	chromem "github.com/philippgille/chromem-go"

	"github.com/mkell/sagan/internal/models"
)

// DefaultThreshold is the similarity above which a candidate counts as
// redundant.
const DefaultThreshold = 0.75

// maxNeighbors bounds how many nearest prior items a score reports.
const maxNeighbors = 3

// Item is one indexable prior: a task description or finding summary.
type Item struct {
	ID   string
	Text string
}

// Checker scores candidate texts for novelty against indexed priors.
// Implementations must return the same result shape so callers never care
// which comparator is active.
type Checker interface {
	Index(ctx context.Context, items []Item) error
	Score(ctx context.Context, text string) (*models.NoveltyReport, error)
}

// EmbeddingChecker is the primary Checker: embeddings in a chromem-go
// collection, cosine similarity via collection queries.
type EmbeddingChecker struct {
	collection *chromem.Collection
	embedder   Embedder
	threshold  float64
}

// NewEmbeddingChecker creates a checker backed by an in-memory collection
// (persistPath empty) or a persistent one. A nil embedder gets the
// offline hashing embedder. threshold <= 0 selects DefaultThreshold.
func NewEmbeddingChecker(persistPath string, embedder Embedder, threshold float64) (*EmbeddingChecker, error) {
	if embedder == nil {
		embedder = &HashingEmbedder{}
	}
	if threshold <= 0 {
		threshold = DefaultThreshold
	}

	var db *chromem.DB
	var err error
	if persistPath == "" {
		db = chromem.NewDB()
	} else {
		db, err = chromem.NewPersistentDB(persistPath, false)
		if err != nil {
			return nil, fmt.Errorf("open novelty index: %w", err)
		}
	}

	embedFunc := func(ctx context.Context, text string) ([]float32, error) {
		return embedder.Embed(ctx, text)
	}
	collection, err := db.GetOrCreateCollection("novelty", nil, embedFunc)
	if err != nil {
		return nil, fmt.Errorf("create novelty collection: %w", err)
	}

	return &EmbeddingChecker{
		collection: collection,
		embedder:   embedder,
		threshold:  threshold,
	}, nil
}

// Index appends items to the similarity index. Empty texts are skipped.
func (c *EmbeddingChecker) Index(ctx context.Context, items []Item) error {
	docs := make([]chromem.Document, 0, len(items))
	for _, item := range items {
		if item.Text == "" {
			continue
		}
		docs = append(docs, chromem.Document{
			ID:      item.ID,
			Content: item.Text,
		})
	}
	if len(docs) == 0 {
		return nil
	}
	if err := c.collection.AddDocuments(ctx, docs, 1); err != nil {
		return fmt.Errorf("index items: %w", err)
	}
	return nil
}

// Score embeds the candidate and compares it against everything indexed.
// An empty index means maximally novel.
func (c *EmbeddingChecker) Score(ctx context.Context, text string) (*models.NoveltyReport, error) {
	count := c.collection.Count()
	if count == 0 {
		return &models.NoveltyReport{IsNovel: true, NoveltyScore: 1.0}, nil
	}

	k := maxNeighbors
	if k > count {
		k = count
	}

	results, err := c.collection.Query(ctx, text, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query novelty index: %w", err)
	}

	report := &models.NoveltyReport{IsNovel: true, NoveltyScore: 1.0}
	for _, r := range results {
		sim := clamp01(float64(r.Similarity))
		report.Nearest = append(report.Nearest, models.Neighbor{
			ID:         r.ID,
			Text:       r.Content,
			Similarity: sim,
		})
	}
	if len(report.Nearest) > 0 {
		maxSim := report.Nearest[0].Similarity
		for _, n := range report.Nearest[1:] {
			if n.Similarity > maxSim {
				maxSim = n.Similarity
			}
		}
		report.NoveltyScore = clamp01(1 - maxSim)
		report.IsNovel = maxSim < c.threshold
	}
	return report, nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

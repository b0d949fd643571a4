package novelty

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddingCheckerEmptyIndex(t *testing.T) {
	checker, err := NewEmbeddingChecker("", nil, 0)
	require.NoError(t, err)

	report, err := checker.Score(context.Background(), "anything at all")
	require.NoError(t, err)
	assert.True(t, report.IsNovel)
	assert.Equal(t, 1.0, report.NoveltyScore)
	assert.Empty(t, report.Nearest)
}

func TestEmbeddingCheckerIdenticalText(t *testing.T) {
	checker, err := NewEmbeddingChecker("", nil, 0)
	require.NoError(t, err)

	text := "measure cyclomatic complexity across the parser package"
	err = checker.Index(context.Background(), []Item{{ID: "t1", Text: text}})
	require.NoError(t, err)

	report, err := checker.Score(context.Background(), text)
	require.NoError(t, err)
	assert.False(t, report.IsNovel)
	assert.InDelta(t, 0.0, report.NoveltyScore, 0.01)
	require.Len(t, report.Nearest, 1)
	assert.Equal(t, "t1", report.Nearest[0].ID)
	assert.InDelta(t, 1.0, report.Nearest[0].Similarity, 0.01)
}

func TestEmbeddingCheckerUnrelatedText(t *testing.T) {
	checker, err := NewEmbeddingChecker("", nil, 0)
	require.NoError(t, err)

	err = checker.Index(context.Background(), []Item{
		{ID: "t1", Text: "profile memory allocations in the scheduler hot path"},
	})
	require.NoError(t, err)

	report, err := checker.Score(context.Background(), "survey recent literature on protein folding benchmarks")
	require.NoError(t, err)
	assert.True(t, report.IsNovel)
	assert.Greater(t, report.NoveltyScore, 0.5)
}

func TestEmbeddingCheckerNeighborCap(t *testing.T) {
	checker, err := NewEmbeddingChecker("", nil, 0)
	require.NoError(t, err)

	items := []Item{
		{ID: "a", Text: "inspect cache eviction latency under load"},
		{ID: "b", Text: "inspect cache hit ratio under load"},
		{ID: "c", Text: "inspect cache warmup behavior"},
		{ID: "d", Text: "inspect cache invalidation ordering"},
		{ID: "e", Text: "inspect cache shard balance"},
	}
	require.NoError(t, checker.Index(context.Background(), items))

	report, err := checker.Score(context.Background(), "inspect cache eviction latency")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(report.Nearest), 3)
}

func TestEmbeddingCheckerSkipsEmptyItems(t *testing.T) {
	checker, err := NewEmbeddingChecker("", nil, 0)
	require.NoError(t, err)

	err = checker.Index(context.Background(), []Item{{ID: "empty", Text: ""}})
	require.NoError(t, err)

	report, err := checker.Score(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, report.IsNovel)
	assert.Empty(t, report.Nearest)
}

func TestTokenOverlapIdenticalText(t *testing.T) {
	checker := NewTokenOverlapChecker(0)

	text := "cluster findings by statistical significance"
	require.NoError(t, checker.Index(context.Background(), []Item{{ID: "f1", Text: text}}))

	report, err := checker.Score(context.Background(), text)
	require.NoError(t, err)
	assert.False(t, report.IsNovel)
	assert.InDelta(t, 0.0, report.NoveltyScore, 0.01)
	require.Len(t, report.Nearest, 1)
	assert.InDelta(t, 1.0, report.Nearest[0].Similarity, 0.01)
}

func TestTokenOverlapDisjointText(t *testing.T) {
	checker := NewTokenOverlapChecker(0)

	require.NoError(t, checker.Index(context.Background(), []Item{
		{ID: "f1", Text: "alpha beta gamma"},
	}))

	report, err := checker.Score(context.Background(), "delta epsilon zeta")
	require.NoError(t, err)
	assert.True(t, report.IsNovel)
	assert.Equal(t, 1.0, report.NoveltyScore)
}

func TestTokenOverlapRanksNearestFirst(t *testing.T) {
	checker := NewTokenOverlapChecker(0)

	require.NoError(t, checker.Index(context.Background(), []Item{
		{ID: "far", Text: "unrelated words entirely different topic"},
		{ID: "near", Text: "trace request latency through the gateway"},
	}))

	report, err := checker.Score(context.Background(), "trace request latency through the proxy")
	require.NoError(t, err)
	require.NotEmpty(t, report.Nearest)
	assert.Equal(t, "near", report.Nearest[0].ID)
}

func TestTokenOverlapEmptyIndex(t *testing.T) {
	checker := NewTokenOverlapChecker(0)

	report, err := checker.Score(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, report.IsNovel)
	assert.Equal(t, 1.0, report.NoveltyScore)
}

func TestTokenizeNormalizes(t *testing.T) {
	toks := Tokenize("Trace HTTP/2 request-latency!")
	assert.Equal(t, []string{"trace", "http", "2", "request", "latency"}, toks)
}

func TestHashingEmbedderDeterministic(t *testing.T) {
	e := &HashingEmbedder{}
	a, err := e.Embed(context.Background(), "stable input text")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "stable input text")
	require.NoError(t, err)
	assert.Equal(t, a, b)

	var norm float64
	for _, v := range a {
		norm += float64(v) * float64(v)
	}
	assert.InDelta(t, 1.0, norm, 0.001)
}

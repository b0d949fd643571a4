// Package novelty maintains a similarity index over prior tasks and
// findings and scores new candidates against it. A candidate is novel
// when its maximum similarity to anything already indexed stays below the
// configured threshold.
//
// The default path embeds text into a fixed-dimension vector and queries
// an embedded chromem-go collection (O(n) cosine scan, fine at the
// expected scale of a few hundred items per run and swappable for an
// approximate index later). When no embedding model is available a
// token-overlap comparator provides the identical output shape.
package novelty

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DefaultDimensions is the hashing embedder's vector width.
const DefaultDimensions = 256

// HashingEmbedder is a deterministic, dependency-free feature-hashing
// embedder: each normalized token and each token bigram is hashed into a
// fixed-width vector which is then L2-normalized. It needs no model or
// network, which keeps the novelty gate available in fully offline runs.
//
// Semantic fidelity is below a learned model; callers can inject any
// Embedder with higher quality without touching the index.
type HashingEmbedder struct {
	// Dimensions is the vector width; 0 means DefaultDimensions.
	Dimensions int
}

// Embed implements Embedder.
func (h *HashingEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	dims := h.Dimensions
	if dims <= 0 {
		dims = DefaultDimensions
	}

	vec := make([]float32, dims)
	tokens := Tokenize(text)
	for i, tok := range tokens {
		addFeature(vec, tok)
		if i+1 < len(tokens) {
			addFeature(vec, tok+" "+tokens[i+1])
		}
	}

	// L2-normalize so dot product equals cosine similarity.
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
	}
	return vec, nil
}

// addFeature hashes a feature into the vector with a signed projection,
// which keeps hash collisions from biasing every component positive.
func addFeature(vec []float32, feature string) {
	h := fnv.New64a()
	h.Write([]byte(feature))
	sum := h.Sum64()
	idx := int(sum % uint64(len(vec)))
	if (sum>>63)&1 == 1 {
		vec[idx]--
	} else {
		vec[idx]++
	}
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// Tokenize lowercases text and splits it into alphanumeric tokens.
func Tokenize(text string) []string {
	return tokenPattern.FindAllString(strings.ToLower(text), -1)
}

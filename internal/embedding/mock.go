package embedding

import (
	"context"
	"hash/fnv"
	"math"
)

// MockProvider generates deterministic unit vectors from a text hash.
// Similar texts do not get similar vectors; it exists so tests and
// offline runs have a provider that never fails.
type MockProvider struct {
	dimension int
}

// NewMockProvider creates a mock provider with the given dimension
// (default 384 when zero, matching all-MiniLM-L6-v2).
func NewMockProvider(dimension int) *MockProvider {
	if dimension <= 0 {
		dimension = 384
	}
	return &MockProvider{dimension: dimension}
}

// Embed creates one deterministic embedding per input text.
func (m *MockProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		h := fnv.New64a()
		h.Write([]byte(text))
		seed := h.Sum64()

		vec := make([]float32, m.dimension)
		for j := range vec {
			// LCG keyed by the text hash; stable across runs.
			seed = seed*6364136223846793005 + 1442695040888963407
			vec[j] = float32(int64(seed)) / float32(math.MaxInt64)
		}
		out[i] = normalize(vec)
	}
	return out, nil
}

// Dimension returns the embedding vector dimension.
func (m *MockProvider) Dimension() int { return m.dimension }

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	for i, v := range vec {
		vec[i] = v / norm
	}
	return vec
}

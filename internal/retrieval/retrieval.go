package retrieval

import (
	"context"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/nidhogg/vault-mind/internal/embedding"
	"github.com/nidhogg/vault-mind/internal/entangle"
	"github.com/nidhogg/vault-mind/internal/memory"
)

// Strategy selects how recall ranks memories.
type Strategy string

const (
	// StrategySemantic ranks purely by embedding similarity.
	StrategySemantic Strategy = "semantic"
	// StrategyTemporal ranks by recency, newest first, with no
	// embedding lookup at all.
	StrategyTemporal Strategy = "temporal"
	// StrategyHybrid blends similarity, decayed importance and recency.
	StrategyHybrid Strategy = "hybrid"
)

// Weights controls the hybrid blend. They should sum to 1.
type Weights struct {
	Similarity float64 `json:"similarity"`
	Importance float64 `json:"importance"`
	Recency    float64 `json:"recency"`
}

// DefaultWeights favors similarity with importance and freshness as
// secondary signals.
func DefaultWeights() Weights {
	return Weights{Similarity: 0.6, Importance: 0.25, Recency: 0.15}
}

// Query is one recall request.
type Query struct {
	Library  string   `json:"library"`
	Text     string   `json:"text"`
	TopK     int      `json:"top_k"`
	Strategy Strategy `json:"strategy"`
}

// Result is one recalled memory with its composite score and rank.
// Similarity is the raw cosine score from the vector index; it is zero
// for the temporal strategy, which never embeds the query.
type Result struct {
	Memory     *memory.Memory `json:"memory"`
	Similarity float64        `json:"similarity"`
	Score      float64        `json:"score"`
	Rank       int            `json:"rank"`
}

// excerptLimit caps the content returned to callers. Full content stays
// in the store; recall answers carry a preview.
const excerptLimit = 500

// Excerpt truncates memory content for recall responses.
func Excerpt(content string) string {
	if len(content) <= excerptLimit {
		return content
	}
	cut := excerptLimit
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut] + "..."
}

// Engine answers recall queries over the committed store. Reads never
// observe staged writes: candidates come from the vector index but only
// survive the join against committed graph nodes.
type Engine struct {
	graph    memory.GraphStore
	vector   memory.VectorStore
	embedder embedding.Provider
	scorer   *entangle.Scorer
	weights  Weights
	log      *zap.Logger

	// touchTimeout bounds the detached access-tracking write.
	touchTimeout time.Duration
}

// NewEngine wires a retrieval engine.
func NewEngine(
	graph memory.GraphStore,
	vector memory.VectorStore,
	embedder embedding.Provider,
	scorer *entangle.Scorer,
	weights Weights,
	log *zap.Logger,
) *Engine {
	if weights == (Weights{}) {
		weights = DefaultWeights()
	}
	return &Engine{
		graph:        graph,
		vector:       vector,
		embedder:     embedder,
		scorer:       scorer,
		weights:      weights,
		log:          log.Named("retrieval"),
		touchTimeout: 5 * time.Second,
	}
}

// Recall runs a query and returns ranked results. Recalled memories are
// touched asynchronously; a recall never fails or blocks on access
// tracking.
func (e *Engine) Recall(ctx context.Context, q Query) ([]Result, error) {
	if q.TopK <= 0 {
		return nil, fmt.Errorf("%w: top_k must be positive", memory.ErrInvalidArgument)
	}
	if err := memory.ValidateLibraryName(q.Library); err != nil {
		return nil, err
	}
	if err := e.checkLibrary(ctx, q.Library); err != nil {
		return nil, err
	}

	var (
		results []Result
		err     error
	)
	switch q.Strategy {
	case StrategyTemporal:
		results, err = e.temporal(ctx, q)
	case StrategySemantic:
		results, err = e.semantic(ctx, q)
	case StrategyHybrid, "":
		results, err = e.hybrid(ctx, q)
	default:
		return nil, fmt.Errorf("%w: unknown strategy %q", memory.ErrInvalidArgument, q.Strategy)
	}
	if err != nil {
		return nil, err
	}

	e.touchAsync(q.Library, results)
	return results, nil
}

func (e *Engine) checkLibrary(ctx context.Context, library string) error {
	names, err := e.graph.Libraries(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", memory.ErrStoreUnavailable, err)
	}
	for _, name := range names {
		if name == library {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", memory.ErrLibraryNotFound, library)
}

// temporal ranks by how recently a memory was accessed. Candidates come
// from the store already ordered by last_accessed, so a frequently used
// old memory is never crowded out by newer but idle ones.
func (e *Engine) temporal(ctx context.Context, q Query) ([]Result, error) {
	mems, err := e.graph.RecentMemories(ctx, q.Library, q.TopK)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	results := make([]Result, 0, len(mems))
	for _, m := range mems {
		results = append(results, Result{Memory: m, Score: e.scorer.Recency(m.LastAccessed, now)})
	}
	return rank(results), nil
}

func (e *Engine) semantic(ctx context.Context, q Query) ([]Result, error) {
	candidates, err := e.candidates(ctx, q)
	if err != nil {
		return nil, err
	}
	for i := range candidates {
		candidates[i].Score = candidates[i].Similarity
	}
	return cutoff(rank(candidates), q.TopK), nil
}

func (e *Engine) hybrid(ctx context.Context, q Query) ([]Result, error) {
	candidates, err := e.candidates(ctx, q)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for i := range candidates {
		m := candidates[i].Memory
		candidates[i].Score = e.weights.Similarity*candidates[i].Similarity +
			e.weights.Importance*e.scorer.Decay(m.Importance, m.LastAccessed, now) +
			e.weights.Recency*e.scorer.Recency(m.LastAccessed, now)
	}
	return cutoff(rank(candidates), q.TopK), nil
}

// candidates embeds the query, searches the vector index with some
// overfetch, and joins hits against committed graph nodes. Hits whose
// node is missing belong to in-flight or rolled-back transactions and
// are dropped.
func (e *Engine) candidates(ctx context.Context, q Query) ([]Result, error) {
	vectors, err := e.embedder.Embed(ctx, []string{q.Text})
	if err != nil {
		return nil, err
	}
	if len(vectors) != 1 {
		return nil, fmt.Errorf("%w: no vector for query", memory.ErrEmbeddingUnavailable)
	}

	hits, err := e.vector.Nearest(ctx, q.Library, vectors[0], 2*q.TopK)
	if err != nil {
		return nil, err
	}

	out := make([]Result, 0, len(hits))
	for _, hit := range hits {
		m, err := e.graph.GetMemory(ctx, q.Library, hit.ID)
		if err != nil {
			continue
		}
		out = append(out, Result{Memory: m, Similarity: float64(hit.Score)})
	}
	return out, nil
}

// rank sorts by score descending, breaking ties by recency and then by
// lower id so results are stable across runs.
func rank(results []Result) []Result {
	sort.Slice(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if !a.Memory.LastAccessed.Equal(b.Memory.LastAccessed) {
			return a.Memory.LastAccessed.After(b.Memory.LastAccessed)
		}
		return a.Memory.ID < b.Memory.ID
	})
	for i := range results {
		results[i].Rank = i + 1
	}
	return results
}

func cutoff(results []Result, topK int) []Result {
	if len(results) > topK {
		return results[:topK]
	}
	return results
}

// touchAsync records the access on a detached context so a slow or
// failing graph store never delays the recall response.
func (e *Engine) touchAsync(library string, results []Result) {
	if len(results) == 0 {
		return
	}
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Memory.ID
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.touchTimeout)
		defer cancel()
		if err := e.graph.Touch(ctx, library, ids, time.Now()); err != nil {
			e.log.Warn("access tracking failed", zap.String("library", library), zap.Error(err))
		}
	}()
}

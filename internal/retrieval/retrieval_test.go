package retrieval

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/vault-mind/internal/embedding"
	"github.com/nidhogg/vault-mind/internal/entangle"
	"github.com/nidhogg/vault-mind/internal/graphstore"
	"github.com/nidhogg/vault-mind/internal/memory"
	"github.com/nidhogg/vault-mind/internal/txn"
	"github.com/nidhogg/vault-mind/internal/vectorstore"
)

func seedEngine(t *testing.T, contents []string) (*Engine, *graphstore.InMem, embedding.Provider) {
	t.Helper()
	ctx := context.Background()
	graph := graphstore.NewInMem()
	vectors := vectorstore.NewChromem()
	embedder := embedding.NewMockProvider(64)
	mgr := txn.NewManager(graph, vectors, txn.NewMemWAL(), zap.NewNop())

	require.NoError(t, graph.EnsureLibrary(ctx, memory.Library{Name: "authlib", Dimension: 64}))
	require.NoError(t, vectors.EnsureLibrary(ctx, "authlib", 64))

	now := time.Now()
	ws := &txn.WriteSet{Library: "authlib"}
	for i, content := range contents {
		emb, err := embedder.Embed(ctx, []string{content})
		require.NoError(t, err)
		ws.Memories = append(ws.Memories, &memory.Memory{
			ID:           string(rune('a'+i)) + "-mem",
			Library:      "authlib",
			Content:      content,
			ContentHash:  memory.ContentHash("authlib", content, 0),
			Embedding:    emb[0],
			Importance:   0.5,
			CreatedAt:    now.Add(time.Duration(i) * time.Minute),
			LastAccessed: now.Add(time.Duration(i) * time.Minute),
		})
	}
	_, err := mgr.Commit(ctx, ws)
	require.NoError(t, err)

	engine := NewEngine(graph, vectors, embedder, entangle.NewScorer(entangle.Config{}), Weights{}, zap.NewNop())
	return engine, graph, embedder
}

func TestRecallSemanticFindsExactContent(t *testing.T) {
	engine, _, _ := seedEngine(t, []string{
		"jwt signature verification",
		"database connection pooling",
		"css grid layout tricks",
	})

	results, err := engine.Recall(context.Background(), Query{
		Library:  "authlib",
		Text:     "jwt signature verification",
		TopK:     2,
		Strategy: StrategySemantic,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	// The mock embedder is deterministic, so the identical text is the
	// nearest neighbor by construction.
	assert.Equal(t, "jwt signature verification", results[0].Memory.Content)
	assert.Equal(t, 1, results[0].Rank)
	assert.LessOrEqual(t, len(results), 2)
}

func TestRecallTemporalNewestFirst(t *testing.T) {
	engine, _, _ := seedEngine(t, []string{"oldest", "middle", "newest"})

	results, err := engine.Recall(context.Background(), Query{
		Library:  "authlib",
		Text:     "anything",
		TopK:     3,
		Strategy: StrategyTemporal,
	})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "newest", results[0].Memory.Content)
	assert.Equal(t, "oldest", results[2].Memory.Content)
}

func TestRecallTemporalFavorsRecentlyAccessed(t *testing.T) {
	engine, graph, _ := seedEngine(t, []string{"oldest", "middle", "newest"})
	ctx := context.Background()

	// The oldest memory by creation was just read. With top_k smaller
	// than the library it must still surface, and first.
	results, err := engine.Recall(ctx, Query{
		Library:  "authlib",
		Text:     "anything",
		TopK:     3,
		Strategy: StrategyTemporal,
	})
	require.NoError(t, err)
	oldestID := results[2].Memory.ID
	require.Equal(t, "oldest", results[2].Memory.Content)

	require.NoError(t, graph.Touch(ctx, "authlib", []string{oldestID}, time.Now().Add(time.Hour)))

	results, err = engine.Recall(ctx, Query{
		Library:  "authlib",
		Text:     "anything",
		TopK:     2,
		Strategy: StrategyTemporal,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "oldest", results[0].Memory.Content)
}

func TestRecallCarriesSimilarity(t *testing.T) {
	engine, _, _ := seedEngine(t, []string{"jwt signature verification", "css grid layout tricks"})

	results, err := engine.Recall(context.Background(), Query{
		Library:  "authlib",
		Text:     "jwt signature verification",
		TopK:     2,
		Strategy: StrategySemantic,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Greater(t, results[0].Similarity, 0.9, "identical text should score near 1")
	assert.Equal(t, results[0].Similarity, results[0].Score)
}

func TestExcerptTruncatesLongContent(t *testing.T) {
	long := strings.Repeat("a", 2*excerptLimit)
	got := Excerpt(long)
	assert.Len(t, got, excerptLimit+3)
	assert.True(t, strings.HasSuffix(got, "..."))

	short := "fits as is"
	assert.Equal(t, short, Excerpt(short))
}

func TestRecallHybridDefaultStrategy(t *testing.T) {
	engine, _, _ := seedEngine(t, []string{"alpha content", "beta content"})

	results, err := engine.Recall(context.Background(), Query{
		Library: "authlib",
		Text:    "alpha content",
		TopK:    5,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for i, r := range results {
		assert.Equal(t, i+1, r.Rank)
		assert.True(t, r.Score >= 0 && r.Score <= 1.0001, "score %f out of range", r.Score)
	}
}

func TestRecallValidation(t *testing.T) {
	engine, _, _ := seedEngine(t, []string{"content"})
	ctx := context.Background()

	_, err := engine.Recall(ctx, Query{Library: "authlib", Text: "x", TopK: 0})
	assert.ErrorIs(t, err, memory.ErrInvalidArgument)

	_, err = engine.Recall(ctx, Query{Library: "authlib", Text: "x", TopK: 3, Strategy: "psychic"})
	assert.ErrorIs(t, err, memory.ErrInvalidArgument)

	_, err = engine.Recall(ctx, Query{Library: "no-such-lib", Text: "x", TopK: 3})
	assert.ErrorIs(t, err, memory.ErrLibraryNotFound)
}

func TestRecallTouchesResults(t *testing.T) {
	engine, graph, _ := seedEngine(t, []string{"touched content"})
	ctx := context.Background()

	results, err := engine.Recall(ctx, Query{
		Library:  "authlib",
		Text:     "touched content",
		TopK:     1,
		Strategy: StrategySemantic,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	id := results[0].Memory.ID
	// Touch is asynchronous; poll briefly.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		m, err := graph.GetMemory(ctx, "authlib", id)
		require.NoError(t, err)
		if m.AccessCount > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("recall did not touch the returned memory")
}

func TestRecallSkipsUncommittedVectors(t *testing.T) {
	engine, graph, embedder := seedEngine(t, []string{"committed content"})
	ctx := context.Background()

	// Stage a second memory without committing it, then push its vector
	// directly: the situation mid-transaction.
	emb, err := embedder.Embed(ctx, []string{"phantom content"})
	require.NoError(t, err)
	_, err = graph.StageMemory(ctx, "tx-open", &memory.Memory{
		ID:          "phantom",
		Library:     "authlib",
		Content:     "phantom content",
		ContentHash: memory.ContentHash("authlib", "phantom content", 0),
		Embedding:   emb[0],
	})
	require.NoError(t, err)

	results, err := engine.Recall(ctx, Query{
		Library:  "authlib",
		Text:     "phantom content",
		TopK:     5,
		Strategy: StrategySemantic,
	})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "phantom", r.Memory.ID)
	}
}

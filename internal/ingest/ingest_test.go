package ingest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/vault-mind/internal/committee"
	"github.com/nidhogg/vault-mind/internal/embedding"
	"github.com/nidhogg/vault-mind/internal/entangle"
	"github.com/nidhogg/vault-mind/internal/graphstore"
	"github.com/nidhogg/vault-mind/internal/session"
	"github.com/nidhogg/vault-mind/internal/txn"
	"github.com/nidhogg/vault-mind/internal/vectorstore"
)

func TestChunkSmallContentIsSingleChunk(t *testing.T) {
	chunks := Chunk("short snippet", 2000)
	require.Len(t, chunks, 1)
	assert.Equal(t, "short snippet", chunks[0])
}

func TestChunkPrefersBlankLineBoundaries(t *testing.T) {
	para := strings.Repeat("x", 800)
	content := para + "\n\n" + para + "\n\n" + para

	chunks := Chunk(content, 2000)
	require.Len(t, chunks, 2)
	// No paragraph is cut mid-way.
	for _, c := range chunks {
		for _, p := range strings.Split(c, "\n\n") {
			assert.Len(t, p, 800)
		}
	}
}

func TestChunkHardSplitsPathologicalLines(t *testing.T) {
	content := strings.Repeat("y", 5000)
	chunks := Chunk(content, 2000)
	require.Len(t, chunks, 3)
	for _, c := range chunks {
		assert.LessOrEqual(t, len(c), 2000)
	}
}

func TestChunkEmpty(t *testing.T) {
	assert.Nil(t, Chunk("   \n  ", 2000))
}

func TestResolveLiteral(t *testing.T) {
	units, err := Resolve("remember that the retry budget is three attempts")
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, "inline", units[0].Source)
}

func TestResolveFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.md")
	require.NoError(t, os.WriteFile(path, []byte("the auth flow uses PKCE"), 0o644))

	units, err := Resolve(path)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, path, units[0].Source)
	assert.Equal(t, "the auth flow uses PKCE", units[0].Content)
}

func TestResolveDirRecursive(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub", ".git"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.go"), []byte("package a"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.go"), []byte("package b"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", ".git", "config"), []byte("ignored"), 0o644))

	units, err := Resolve(dir)
	require.NoError(t, err)
	require.Len(t, units, 2, ".git contents must be skipped")
}

func TestResolveGlob(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkg"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "top.go"), []byte("package top"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "deep.go"), []byte("package deep"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pkg", "readme.txt"), []byte("prose"), 0o644))

	units, err := Resolve(filepath.Join(dir, "**", "*.go"))
	require.NoError(t, err)
	require.Len(t, units, 2)
}

func newTestPipeline(t *testing.T) (*Pipeline, *graphstore.InMem, session.Store) {
	t.Helper()
	graph := graphstore.NewInMem()
	vectors := vectorstore.NewChromem()
	embedder := embedding.NewMockProvider(64)
	sessions := session.NewInMem(session.Retention{})
	scorer := entangle.NewScorer(entangle.Config{})
	comm := committee.New(zap.NewNop(), committee.DensityEvaluator{}, committee.StructureEvaluator{})
	manager := txn.NewManager(graph, vectors, txn.NewMemWAL(), zap.NewNop())

	require.NoError(t, vectors.EnsureLibrary(context.Background(), "authlib", 64))
	p := New(embedder, comm, scorer, manager, graph, vectors, sessions, nil, Config{}, zap.NewNop())
	return p, graph, sessions
}

func writeSourceTree(t *testing.T, n int) string {
	t.Helper()
	dir := t.TempDir()
	for i := 0; i < n; i++ {
		content := fmt.Sprintf("func handler%d(w http.ResponseWriter, r *http.Request) {\n\tlog.Printf(\"request %d\")\n}\n", i, i)
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("h%d.go", i)), []byte(content), 0o644))
	}
	return dir
}

func TestPipelineProcessesDirectory(t *testing.T) {
	p, graph, sessions := newTestPipeline(t)
	ctx := context.Background()
	dir := writeSourceTree(t, 10)

	sess, err := sessions.Create(ctx, "authlib")
	require.NoError(t, err)

	p.Run(ctx, sess.ID, "authlib", dir)

	got, err := sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, got.Status)
	assert.Equal(t, 10, got.Total)
	assert.Equal(t, 10, got.Processed)
	assert.Equal(t, 0, got.Failed)

	mems, err := graph.ListMemories(ctx, "authlib", 0)
	require.NoError(t, err)
	assert.Len(t, mems, 10)
}

func TestPipelineAbsorbsUnreadableUnits(t *testing.T) {
	p, _, sessions := newTestPipeline(t)
	ctx := context.Background()
	dir := writeSourceTree(t, 8)

	// Two files with invalid utf-8 cannot be ingested.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin1.dat"), []byte{0xff, 0xfe, 0x00, 0x01}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bin2.dat"), []byte{0xff, 0xfe, 0x00, 0x02}, 0o644))

	sess, _ := sessions.Create(ctx, "authlib")
	p.Run(ctx, sess.ID, "authlib", dir)

	got, err := sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, got.Status, "isolated failures must not fail the session")
	assert.Equal(t, 8, got.Processed)
	assert.Equal(t, 2, got.Failed)
}

func TestPipelineFailsPastFailureRateLimit(t *testing.T) {
	p, _, sessions := newTestPipeline(t)
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ok.go"), []byte("package ok"), 0o644))
	for i := 0; i < 3; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(dir, fmt.Sprintf("bad%d.dat", i)), []byte{0xff, 0xfe}, 0o644))
	}

	sess, _ := sessions.Create(ctx, "authlib")
	p.Run(ctx, sess.ID, "authlib", dir)

	got, _ := sessions.Get(ctx, sess.ID)
	assert.Equal(t, session.StatusFailed, got.Status)
	assert.NotEmpty(t, got.Error)
}

func TestPipelineIdempotentReingest(t *testing.T) {
	p, graph, sessions := newTestPipeline(t)
	ctx := context.Background()
	dir := writeSourceTree(t, 3)

	first, _ := sessions.Create(ctx, "authlib")
	p.Run(ctx, first.ID, "authlib", dir)

	second, _ := sessions.Create(ctx, "authlib")
	p.Run(ctx, second.ID, "authlib", dir)

	got, _ := sessions.Get(ctx, second.ID)
	assert.Equal(t, session.StatusCompleted, got.Status)

	mems, err := graph.ListMemories(ctx, "authlib", 0)
	require.NoError(t, err)
	assert.Len(t, mems, 3, "re-ingesting the same content must not duplicate memories")
}

func TestPipelineCancellationBetweenUnits(t *testing.T) {
	p, _, sessions := newTestPipeline(t)
	dir := writeSourceTree(t, 5)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sess, _ := sessions.Create(context.Background(), "authlib")
	p.Run(ctx, sess.ID, "authlib", dir)

	got, _ := sessions.Get(context.Background(), sess.ID)
	assert.Equal(t, session.StatusFailed, got.Status)
	assert.Equal(t, "canceled", got.Error)
}

// ctxBoundStore refuses writes once the request context is done, the
// way a network-backed session store behaves.
type ctxBoundStore struct {
	session.Store
}

func (s ctxBoundStore) Update(ctx context.Context, id string, p session.Progress) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.Update(ctx, id, p)
}

func (s ctxBoundStore) Finish(ctx context.Context, id string, status session.Status, errMsg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.Finish(ctx, id, status, errMsg)
}

func TestPipelineFinishSurvivesCanceledContext(t *testing.T) {
	graph := graphstore.NewInMem()
	vectors := vectorstore.NewChromem()
	embedder := embedding.NewMockProvider(64)
	sessions := ctxBoundStore{Store: session.NewInMem(session.Retention{})}
	scorer := entangle.NewScorer(entangle.Config{})
	comm := committee.New(zap.NewNop(), committee.DensityEvaluator{})
	manager := txn.NewManager(graph, vectors, txn.NewMemWAL(), zap.NewNop())
	p := New(embedder, comm, scorer, manager, graph, vectors, sessions, nil, Config{}, zap.NewNop())

	dir := writeSourceTree(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sess, err := sessions.Create(context.Background(), "authlib")
	require.NoError(t, err)
	p.Run(ctx, sess.ID, "authlib", dir)

	// The terminal write must land even though the run context is dead,
	// or the session would poll in_progress forever and never be reaped.
	got, err := sessions.Get(context.Background(), sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, got.Status)
	assert.Equal(t, "canceled", got.Error)
}

// stageRecorder captures every stage the pipeline reports.
type stageRecorder struct {
	session.Store
	mu     sync.Mutex
	stages []string
}

func (r *stageRecorder) Update(ctx context.Context, id string, p session.Progress) error {
	r.mu.Lock()
	r.stages = append(r.stages, p.Stage)
	r.mu.Unlock()
	return r.Store.Update(ctx, id, p)
}

func TestPipelineReportsStagesAndBytes(t *testing.T) {
	graph := graphstore.NewInMem()
	vectors := vectorstore.NewChromem()
	embedder := embedding.NewMockProvider(64)
	rec := &stageRecorder{Store: session.NewInMem(session.Retention{})}
	scorer := entangle.NewScorer(entangle.Config{})
	comm := committee.New(zap.NewNop(), committee.DensityEvaluator{})
	manager := txn.NewManager(graph, vectors, txn.NewMemWAL(), zap.NewNop())

	require.NoError(t, vectors.EnsureLibrary(context.Background(), "authlib", 64))
	p := New(embedder, comm, scorer, manager, graph, vectors, rec, nil, Config{}, zap.NewNop())

	ctx := context.Background()
	dir := writeSourceTree(t, 2)
	sess, err := rec.Create(ctx, "authlib")
	require.NoError(t, err)
	p.Run(ctx, sess.ID, "authlib", dir)

	for _, stage := range []string{
		session.StageChunking,
		session.StageEmbedding,
		session.StageEvaluating,
		session.StageCommitting,
	} {
		assert.Contains(t, rec.stages, stage)
	}

	got, err := rec.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, got.Status)
	assert.Positive(t, got.Bytes, "completed units must count their bytes")
}

package ingest

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/vault-mind/internal/committee"
	"github.com/nidhogg/vault-mind/internal/embedding"
	"github.com/nidhogg/vault-mind/internal/entangle"
	"github.com/nidhogg/vault-mind/internal/memory"
	"github.com/nidhogg/vault-mind/internal/session"
	"github.com/nidhogg/vault-mind/internal/txn"
)

// Evaluator is the committee surface the pipeline needs; both the bare
// committee and its cached wrapper satisfy it.
type Evaluator interface {
	Evaluate(ctx context.Context, c *committee.Candidate) (float64, error)
}

// Notifier receives best-effort progress events. Delivery failures are
// logged and ignored; session state in the store is authoritative.
type Notifier interface {
	SessionProgress(ctx context.Context, sess *session.Session) error
}

// Config tunes a pipeline.
type Config struct {
	ChunkSize int `json:"chunk_size"`
	// FailureRateLimit fails the whole session when more than this
	// fraction of units could not be ingested.
	FailureRateLimit float64 `json:"failure_rate_limit"`
	EmbedRetries     uint64  `json:"embed_retries"`
}

// DefaultConfig returns the pipeline defaults.
func DefaultConfig() Config {
	return Config{ChunkSize: defaultChunkSize, FailureRateLimit: 0.5, EmbedRetries: 3}
}

// Pipeline turns raw input into committed memories: resolve, chunk,
// embed, evaluate, entangle, commit. One Run serves one session.
type Pipeline struct {
	embedder  embedding.Provider
	evaluator Evaluator
	scorer    *entangle.Scorer
	txn       *txn.Manager
	graph     memory.GraphStore
	vector    memory.VectorStore
	sessions  session.Store
	notifier  Notifier
	cfg       Config
	log       *zap.Logger
}

// New wires a pipeline. notifier may be nil.
func New(
	embedder embedding.Provider,
	evaluator Evaluator,
	scorer *entangle.Scorer,
	manager *txn.Manager,
	graph memory.GraphStore,
	vector memory.VectorStore,
	sessions session.Store,
	notifier Notifier,
	cfg Config,
	log *zap.Logger,
) *Pipeline {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.FailureRateLimit <= 0 {
		cfg.FailureRateLimit = 0.5
	}
	return &Pipeline{
		embedder:  embedder,
		evaluator: evaluator,
		scorer:    scorer,
		txn:       manager,
		graph:     graph,
		vector:    vector,
		sessions:  sessions,
		notifier:  notifier,
		cfg:       cfg,
		log:       log.Named("ingest"),
	}
}

// Run ingests input into the library under the given session, updating
// session progress as it goes. Per-unit failures are absorbed into the
// failure counter; the session only fails as a whole on resolution
// errors, cancellation, or a failure rate past the configured limit.
func (p *Pipeline) Run(ctx context.Context, sessID, library, input string) {
	units, err := Resolve(input)
	if err != nil {
		p.finish(ctx, sessID, session.StatusFailed, err.Error())
		return
	}
	if len(units) == 0 {
		p.finish(ctx, sessID, session.StatusCompleted, "")
		return
	}

	progress := session.Progress{Stage: session.StageChunking, Total: len(units)}
	p.report(ctx, sessID, progress)
	setStage := func(stage string) {
		if progress.Stage != stage {
			progress.Stage = stage
			p.report(ctx, sessID, progress)
		}
	}

	for _, unit := range units {
		// Cancellation is checked between units so a canceled session
		// leaves whole units either fully committed or untouched.
		if ctx.Err() != nil {
			p.finish(ctx, sessID, session.StatusFailed, "canceled")
			return
		}

		if err := p.ingestUnit(ctx, library, unit, setStage); err != nil {
			progress.Failed++
			p.log.Warn("unit failed",
				zap.String("session_id", sessID),
				zap.String("source", unit.Source),
				zap.Error(err))
		} else {
			progress.Processed++
			progress.Bytes += len(unit.Content)
		}
		p.report(ctx, sessID, progress)
	}

	rate := float64(progress.Failed) / float64(len(units))
	if rate > p.cfg.FailureRateLimit {
		p.finish(ctx, sessID, session.StatusFailed,
			fmt.Sprintf("%d of %d units failed", progress.Failed, len(units)))
		return
	}
	p.finish(ctx, sessID, session.StatusCompleted, "")
}

func (p *Pipeline) ingestUnit(ctx context.Context, library string, unit Unit, setStage func(string)) error {
	if unit.Err != nil {
		return unit.Err
	}
	chunks := Chunk(unit.Content, p.cfg.ChunkSize)
	if len(chunks) == 0 {
		return nil
	}

	setStage(session.StageEmbedding)
	vectors, err := p.embed(ctx, chunks)
	if err != nil {
		return err
	}

	setStage(session.StageEvaluating)
	now := time.Now()
	ws := &txn.WriteSet{Library: library}
	for i, chunk := range chunks {
		hash := memory.ContentHash(library, chunk, i)
		cand := &committee.Candidate{
			Library:   library,
			Content:   chunk,
			Hash:      hash,
			Embedding: vectors[i],
		}
		score, err := p.evaluator.Evaluate(ctx, cand)
		if err != nil {
			return fmt.Errorf("evaluate %s chunk %d: %w", unit.Source, i, err)
		}

		m := &memory.Memory{
			ID:           uuid.NewString(),
			Library:      library,
			Content:      chunk,
			ContentHash:  hash,
			Source:       unit.Source,
			ChunkIndex:   i,
			Embedding:    vectors[i],
			Importance:   score,
			CreatedAt:    now,
			LastAccessed: now,
		}
		ws.Memories = append(ws.Memories, m)

		for _, link := range p.links(ctx, library, m) {
			a, b := m.ID, link.MemoryID
			if b < a {
				a, b = b, a
			}
			ws.Edges = append(ws.Edges, &memory.Edge{Library: library, A: a, B: b, Weight: link.Weight})
		}
	}

	setStage(session.StageCommitting)
	res, err := p.txn.Commit(ctx, ws)
	if err != nil {
		return err
	}
	p.log.Debug("unit committed",
		zap.String("source", unit.Source),
		zap.String("tx_id", res.TxID),
		zap.Int("written", res.Written),
		zap.Int("skipped", res.Skipped))
	return nil
}

// embed calls the provider with exponential backoff. Provider outages
// are usually transient; a short retry budget rides them out without
// stalling the session.
func (p *Pipeline) embed(ctx context.Context, chunks []string) ([][]float32, error) {
	var vectors [][]float32
	op := func() error {
		var err error
		vectors, err = p.embedder.Embed(ctx, chunks)
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.cfg.EmbedRetries), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return nil, err
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("%w: got %d vectors for %d chunks",
			memory.ErrEmbeddingUnavailable, len(vectors), len(chunks))
	}
	return vectors, nil
}

// links finds entanglement candidates among committed memories near the
// new one. Vector hits without a committed graph node are skipped; they
// belong to in-flight transactions.
func (p *Pipeline) links(ctx context.Context, library string, m *memory.Memory) []memory.Link {
	hits, err := p.vector.Nearest(ctx, library, m.Embedding, 2*p.scorer.MaxLinks())
	if err != nil {
		p.log.Warn("link candidate search failed", zap.String("library", library), zap.Error(err))
		return nil
	}
	var candidates []*memory.Memory
	for _, hit := range hits {
		nb, err := p.graph.GetMemory(ctx, library, hit.ID)
		if err != nil {
			continue
		}
		candidates = append(candidates, nb)
	}
	return p.scorer.Links(m, candidates)
}

func (p *Pipeline) report(ctx context.Context, sessID string, progress session.Progress) {
	if err := p.sessions.Update(ctx, sessID, progress); err != nil {
		p.log.Warn("progress update failed", zap.String("session_id", sessID), zap.Error(err))
	}
	p.notify(ctx, sessID)
}

// finish runs on a detached context: the terminal write must land even
// when the run was stopped by cancellation, or the session would sit
// in_progress forever and never be reaped.
func (p *Pipeline) finish(ctx context.Context, sessID string, status session.Status, msg string) {
	ctx = context.WithoutCancel(ctx)
	if err := p.sessions.Finish(ctx, sessID, status, msg); err != nil {
		p.log.Error("session finish failed", zap.String("session_id", sessID), zap.Error(err))
		return
	}
	p.log.Info("session finished",
		zap.String("session_id", sessID),
		zap.String("status", string(status)))
	p.notify(ctx, sessID)
}

func (p *Pipeline) notify(ctx context.Context, sessID string) {
	if p.notifier == nil {
		return
	}
	sess, err := p.sessions.Get(ctx, sessID)
	if err != nil {
		return
	}
	if err := p.notifier.SessionProgress(ctx, sess); err != nil {
		p.log.Debug("progress event dropped", zap.String("session_id", sessID), zap.Error(err))
	}
}

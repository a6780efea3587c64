package coordinator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/vault-mind/internal/embedding"
	"github.com/nidhogg/vault-mind/internal/entangle"
	"github.com/nidhogg/vault-mind/internal/ingest"
	"github.com/nidhogg/vault-mind/internal/memory"
	"github.com/nidhogg/vault-mind/internal/retrieval"
	"github.com/nidhogg/vault-mind/internal/session"
	"github.com/nidhogg/vault-mind/internal/txn"
)

// Deps bundles the shared backends a coordinator builds on.
type Deps struct {
	Graph     memory.GraphStore
	Vector    memory.VectorStore
	Embedder  embedding.Provider
	Evaluator ingest.Evaluator
	Scorer    *entangle.Scorer
	Txn       *txn.Manager
	Sessions  session.Store
	Notifier  ingest.Notifier
	Weights   retrieval.Weights
	Pipeline  ingest.Config
	Log       *zap.Logger
}

// Coordinator owns one library: its writes are serialized behind a
// per-library mutex while reads go straight through, and ingestion runs
// asynchronously on the coordinator's own lifetime rather than the
// request's.
type Coordinator struct {
	library  string
	pipeline *ingest.Pipeline
	engine   *retrieval.Engine
	sessions session.Store
	log      *zap.Logger

	writeMu sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func newCoordinator(library string, deps Deps) *Coordinator {
	ctx, cancel := context.WithCancel(context.Background())
	log := deps.Log.Named("coordinator").With(zap.String("library", library))
	return &Coordinator{
		library: library,
		pipeline: ingest.New(deps.Embedder, deps.Evaluator, deps.Scorer, deps.Txn,
			deps.Graph, deps.Vector, deps.Sessions, deps.Notifier, deps.Pipeline, log),
		engine:   retrieval.NewEngine(deps.Graph, deps.Vector, deps.Embedder, deps.Scorer, deps.Weights, log),
		sessions: deps.Sessions,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Memorize starts an async ingestion and returns its session id
// immediately. The work itself is bound to the coordinator's lifetime,
// so a caller disconnecting does not abandon a half-ingested tree.
func (c *Coordinator) Memorize(ctx context.Context, input string) (string, error) {
	sess, err := c.sessions.Create(ctx, c.library)
	if err != nil {
		return "", err
	}
	c.log.Info("memorize session started", zap.String("session_id", sess.ID))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		// One writer per library at a time; concurrent memorize calls
		// queue here instead of interleaving transactions.
		c.writeMu.Lock()
		defer c.writeMu.Unlock()
		c.pipeline.Run(c.ctx, sess.ID, c.library, input)
	}()
	return sess.ID, nil
}

// Status returns the current state of a memorize session.
func (c *Coordinator) Status(ctx context.Context, sessionID string) (*session.Session, error) {
	return c.sessions.Get(ctx, sessionID)
}

// Recall answers a query against this coordinator's library.
func (c *Coordinator) Recall(ctx context.Context, q retrieval.Query) ([]retrieval.Result, error) {
	q.Library = c.library
	return c.engine.Recall(ctx, q)
}

// Close cancels in-flight ingestion and waits for it to wind down.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

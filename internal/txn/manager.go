package txn

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/vault-mind/internal/memory"
)

// WriteSet is an atomic batch of dual-store mutations for one library.
// Either all of it becomes visible or none of it does.
type WriteSet struct {
	Library  string
	Memories []*memory.Memory
	Edges    []*memory.Edge
	Deletes  []string
}

// Result summarizes a committed write set. Skipped counts operations
// whose content-derived keys were already applied by an earlier commit.
type Result struct {
	TxID    string
	Written int
	Skipped int
}

// Manager coordinates a two-phase commit across the graph and vector
// stores. The graph store supports native staging; the vector store does
// not, so its ops are logged to the WAL before they are applied and
// compensated (or replayed) when a phase fails.
//
// Visibility hinges on the graph side: retrieval joins vector hits
// against committed graph nodes, so a vector point whose graph node
// never commits is unreachable.
type Manager struct {
	graph  memory.GraphStore
	vector memory.VectorStore
	wal    WAL
	log    *zap.Logger
}

// NewManager wires a transaction manager over the two stores.
func NewManager(graph memory.GraphStore, vector memory.VectorStore, wal WAL, log *zap.Logger) *Manager {
	return &Manager{graph: graph, vector: vector, wal: wal, log: log.Named("txn")}
}

// Commit applies a write set atomically. On any failure every staged or
// applied mutation is undone and a *memory.TxError describes the step
// that failed.
func (t *Manager) Commit(ctx context.Context, ws *WriteSet) (*Result, error) {
	txID := uuid.NewString()
	res := &Result{TxID: txID}

	var inserts, deletes []VectorOp

	// Phase one: stage everything on the graph side. Staged records are
	// invisible until CommitTx, so a failure here only needs a rollback.
	skippedIDs := make(map[string]struct{})
	for _, m := range ws.Memories {
		applied, err := t.graph.StageMemory(ctx, txID, m)
		if err != nil {
			return nil, t.abortStaging(ctx, txID, memory.OpKey("mem", m.ContentHash), "graph", err)
		}
		if !applied {
			res.Skipped++
			skippedIDs[m.ID] = struct{}{}
			continue
		}
		res.Written++
		inserts = append(inserts, VectorOp{Kind: OpInsert, Library: ws.Library, ID: m.ID, Vector: m.Embedding})
	}
	for _, e := range ws.Edges {
		// Edges of a deduplicated memory reference an id that will never
		// commit; drop them rather than stage danglers.
		if _, ok := skippedIDs[e.A]; ok {
			res.Skipped++
			continue
		}
		if _, ok := skippedIDs[e.B]; ok {
			res.Skipped++
			continue
		}
		applied, err := t.graph.StageEdge(ctx, txID, e)
		if err != nil {
			return nil, t.abortStaging(ctx, txID, memory.OpKey("edge", memory.EdgeHash(e.Library, e.A, e.B)), "graph", err)
		}
		if !applied {
			res.Skipped++
			continue
		}
		res.Written++
	}
	for _, id := range ws.Deletes {
		applied, err := t.graph.StageDeleteMemory(ctx, txID, ws.Library, id)
		if err != nil {
			return nil, t.abortStaging(ctx, txID, "del:"+id, "graph", err)
		}
		if !applied {
			res.Skipped++
			continue
		}
		res.Written++
		deletes = append(deletes, VectorOp{Kind: OpDelete, Library: ws.Library, ID: id})
	}

	// Log vector intentions before touching the vector store.
	if err := t.wal.Begin(ctx, txID, append(inserts, deletes...)); err != nil {
		return nil, t.abortStaging(ctx, txID, txID, "wal", err)
	}

	// Apply vector inserts. These are reversible, so they go in before
	// the graph commit and are compensated if anything later fails.
	for i, op := range inserts {
		if err := t.vector.Insert(ctx, op.Library, op.ID, op.Vector); err != nil {
			t.compensateInserts(ctx, inserts[:i])
			t.rollback(ctx, txID)
			return nil, &memory.TxError{Op: op.ID, Store: "vector", Phase: "commit", Err: err}
		}
	}

	// Phase two: flip the graph staging flags. This is the commit point.
	if err := t.graph.CommitTx(ctx, txID); err != nil {
		t.compensateInserts(ctx, inserts)
		t.rollback(ctx, txID)
		return nil, &memory.TxError{Op: txID, Store: "graph", Phase: "commit", Err: err}
	}

	// Vector deletes run after the commit point. The graph nodes are
	// already gone, so the points are unreachable either way; a failure
	// leaves the WAL record pending for replay instead of failing the tx.
	cleanup := true
	for _, op := range deletes {
		if err := t.vector.Delete(ctx, op.Library, op.ID); err != nil {
			t.log.Warn("vector delete deferred to wal replay",
				zap.String("tx_id", txID),
				zap.String("memory_id", op.ID),
				zap.Error(err))
			cleanup = false
		}
	}
	if cleanup {
		if err := t.wal.MarkCommitted(ctx, txID); err != nil {
			t.log.Warn("wal mark committed failed", zap.String("tx_id", txID), zap.Error(err))
		}
	}

	return res, nil
}

// Recover finishes the work an interrupted commit left behind. It must
// run before the manager accepts new commits.
//
// A pending WAL record means staging completed and the commit decision
// was logged, so those transactions roll forward: vector ops are
// replayed and the graph staging flags flipped. Replay is idempotent on
// both sides. Staged graph records with no WAL record come from a crash
// before the decision point; they roll back.
func (t *Manager) Recover(ctx context.Context) error {
	records, err := t.wal.Pending(ctx)
	if err != nil {
		return err
	}
	pending := make(map[string]struct{}, len(records))
	for _, rec := range records {
		pending[rec.TxID] = struct{}{}
		replayed := true
		for _, op := range rec.Ops {
			var err error
			switch op.Kind {
			case OpInsert:
				err = t.vector.Insert(ctx, op.Library, op.ID, op.Vector)
			case OpDelete:
				err = t.vector.Delete(ctx, op.Library, op.ID)
			}
			if err != nil {
				t.log.Warn("wal replay op failed",
					zap.String("tx_id", rec.TxID),
					zap.String("kind", op.Kind),
					zap.String("memory_id", op.ID),
					zap.Error(err))
				replayed = false
			}
		}
		if !replayed {
			continue
		}
		if err := t.graph.CommitTx(ctx, rec.TxID); err != nil {
			t.log.Warn("wal replay graph commit failed", zap.String("tx_id", rec.TxID), zap.Error(err))
			continue
		}
		if err := t.wal.MarkCommitted(ctx, rec.TxID); err != nil {
			t.log.Warn("wal mark committed failed", zap.String("tx_id", rec.TxID), zap.Error(err))
		}
		t.log.Info("wal record replayed", zap.String("tx_id", rec.TxID), zap.Int("ops", len(rec.Ops)))
	}

	staged, err := t.graph.StagedTxIDs(ctx)
	if err != nil {
		return err
	}
	for _, txID := range staged {
		if _, ok := pending[txID]; ok {
			continue
		}
		if err := t.graph.RollbackTx(ctx, txID); err != nil {
			t.log.Error("staged tx sweep failed", zap.String("tx_id", txID), zap.Error(err))
			continue
		}
		t.log.Info("staged tx swept", zap.String("tx_id", txID))
	}
	return nil
}

func (t *Manager) abortStaging(ctx context.Context, txID, op, store string, err error) error {
	t.rollback(ctx, txID)
	return &memory.TxError{Op: op, Store: store, Phase: "stage", Err: err}
}

func (t *Manager) rollback(ctx context.Context, txID string) {
	if err := t.graph.RollbackTx(ctx, txID); err != nil {
		t.log.Error("graph rollback failed", zap.String("tx_id", txID), zap.Error(err))
	}
	if err := t.wal.MarkAborted(ctx, txID); err != nil {
		t.log.Warn("wal mark aborted failed", zap.String("tx_id", txID), zap.Error(err))
	}
}

func (t *Manager) compensateInserts(ctx context.Context, applied []VectorOp) {
	for _, op := range applied {
		if err := t.vector.Delete(ctx, op.Library, op.ID); err != nil {
			t.log.Warn("vector compensation failed",
				zap.String("memory_id", op.ID),
				zap.Error(err))
		}
	}
}

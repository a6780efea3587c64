package txn

import (
	"context"
	"sync"
)

// VectorOp is one pending vector-store mutation. Ops are recorded before
// they are applied so a crash between the two stores can be repaired by
// replay; both op kinds are idempotent on the vector side.
type VectorOp struct {
	Kind    string    `json:"kind"` // "insert" or "delete"
	Library string    `json:"library"`
	ID      string    `json:"id"`
	Vector  []float32 `json:"vector,omitempty"`
}

const (
	OpInsert = "insert"
	OpDelete = "delete"
)

// Record is a logged transaction with its outstanding vector ops.
type Record struct {
	TxID string
	Ops  []VectorOp
}

// WAL persists vector-store intentions across the commit window. A record
// moves pending -> committed when every op has been applied, or
// pending -> aborted when the transaction rolled back.
type WAL interface {
	Begin(ctx context.Context, txID string, ops []VectorOp) error
	MarkCommitted(ctx context.Context, txID string) error
	MarkAborted(ctx context.Context, txID string) error
	Pending(ctx context.Context) ([]Record, error)
}

// MemWAL is a process-local WAL for embedded deployments and tests. It
// offers replay within a process lifetime only.
type MemWAL struct {
	mu      sync.Mutex
	pending map[string][]VectorOp
	order   []string
}

// NewMemWAL creates an empty in-process WAL.
func NewMemWAL() *MemWAL {
	return &MemWAL{pending: make(map[string][]VectorOp)}
}

func (w *MemWAL) Begin(ctx context.Context, txID string, ops []VectorOp) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.pending[txID]; !ok {
		w.order = append(w.order, txID)
	}
	w.pending[txID] = ops
	return nil
}

func (w *MemWAL) MarkCommitted(ctx context.Context, txID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.drop(txID)
	return nil
}

func (w *MemWAL) MarkAborted(ctx context.Context, txID string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.drop(txID)
	return nil
}

func (w *MemWAL) drop(txID string) {
	delete(w.pending, txID)
	for i, id := range w.order {
		if id == txID {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
}

func (w *MemWAL) Pending(ctx context.Context) ([]Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Record, 0, len(w.pending))
	for _, id := range w.order {
		ops := make([]VectorOp, len(w.pending[id]))
		copy(ops, w.pending[id])
		out = append(out, Record{TxID: id, Ops: ops})
	}
	return out, nil
}

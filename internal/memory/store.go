package memory

import (
	"context"
	"time"
)

// GraphStore is the document/graph side of the dual-store layout. It holds
// the authoritative Memory records and entanglement edges, and supports a
// staged two-phase write protocol: staged records are invisible to every
// read method until CommitTx, and RollbackTx discards them.
//
// Staging methods return false when the operation's content-derived key is
// already applied, so replaying a committed write set is a no-op.
type GraphStore interface {
	EnsureLibrary(ctx context.Context, lib Library) error
	Libraries(ctx context.Context) ([]string, error)

	StageMemory(ctx context.Context, txID string, m *Memory) (bool, error)
	StageEdge(ctx context.Context, txID string, e *Edge) (bool, error)
	StageDeleteMemory(ctx context.Context, txID, library, id string) (bool, error)
	CommitTx(ctx context.Context, txID string) error
	RollbackTx(ctx context.Context, txID string) error
	// StagedTxIDs lists transactions that still hold staged records,
	// so recovery can roll back the ones no write-ahead log vouches for.
	StagedTxIDs(ctx context.Context) ([]string, error)

	GetMemory(ctx context.Context, library, id string) (*Memory, error)
	ListMemories(ctx context.Context, library string, limit int) ([]*Memory, error)
	// RecentMemories returns committed memories ordered by last access,
	// most recent first.
	RecentMemories(ctx context.Context, library string, limit int) ([]*Memory, error)
	Neighborhood(ctx context.Context, library, id string, minWeight float64) ([]*Memory, error)
	Touch(ctx context.Context, library string, ids []string, at time.Time) error
	SetImportance(ctx context.Context, library, id string, importance float64) error
	StaleMemories(ctx context.Context, library string, notTouchedSince time.Time, limit int) ([]*Memory, error)
	ReplaceEdges(ctx context.Context, library, id string, links []Link) error

	Ping(ctx context.Context) error
}

// VectorStore is the nearest-neighbor index side. Implementations do not
// need staging; the transaction manager covers them with a write-ahead log.
type VectorStore interface {
	EnsureLibrary(ctx context.Context, library string, dimension int) error
	Insert(ctx context.Context, library, id string, vector []float32) error
	Delete(ctx context.Context, library, id string) error
	Nearest(ctx context.Context, library string, vector []float32, k int) ([]VectorHit, error)
}

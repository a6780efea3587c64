package txn

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const walSchema = `
CREATE TABLE IF NOT EXISTS memory_tx_wal (
	tx_id      TEXT PRIMARY KEY,
	ops        JSONB NOT NULL,
	state      TEXT NOT NULL DEFAULT 'pending',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS memory_tx_wal_state_idx ON memory_tx_wal (state, created_at);
`

// PgWAL is the durable WAL, backed by Postgres. It survives process
// restarts, so vector ops interrupted mid-commit are replayable on boot.
type PgWAL struct {
	pool *pgxpool.Pool
}

// NewPgWAL ensures the WAL table exists and returns a ready WAL.
func NewPgWAL(ctx context.Context, pool *pgxpool.Pool) (*PgWAL, error) {
	if _, err := pool.Exec(ctx, walSchema); err != nil {
		return nil, fmt.Errorf("wal schema: %w", err)
	}
	return &PgWAL{pool: pool}, nil
}

func (w *PgWAL) Begin(ctx context.Context, txID string, ops []VectorOp) error {
	payload, err := json.Marshal(ops)
	if err != nil {
		return fmt.Errorf("wal encode ops: %w", err)
	}
	_, err = w.pool.Exec(ctx,
		`INSERT INTO memory_tx_wal (tx_id, ops) VALUES ($1, $2)
		 ON CONFLICT (tx_id) DO UPDATE SET ops = EXCLUDED.ops, state = 'pending'`,
		txID, payload)
	if err != nil {
		return fmt.Errorf("wal begin %s: %w", txID, err)
	}
	return nil
}

func (w *PgWAL) MarkCommitted(ctx context.Context, txID string) error {
	_, err := w.pool.Exec(ctx,
		`DELETE FROM memory_tx_wal WHERE tx_id = $1`, txID)
	if err != nil {
		return fmt.Errorf("wal commit %s: %w", txID, err)
	}
	return nil
}

func (w *PgWAL) MarkAborted(ctx context.Context, txID string) error {
	_, err := w.pool.Exec(ctx,
		`DELETE FROM memory_tx_wal WHERE tx_id = $1`, txID)
	if err != nil {
		return fmt.Errorf("wal abort %s: %w", txID, err)
	}
	return nil
}

func (w *PgWAL) Pending(ctx context.Context) ([]Record, error) {
	rows, err := w.pool.Query(ctx,
		`SELECT tx_id, ops FROM memory_tx_wal WHERE state = 'pending' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("wal pending: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var payload []byte
		if err := rows.Scan(&rec.TxID, &payload); err != nil {
			return nil, fmt.Errorf("wal scan: %w", err)
		}
		if err := json.Unmarshal(payload, &rec.Ops); err != nil {
			return nil, fmt.Errorf("wal decode %s: %w", rec.TxID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

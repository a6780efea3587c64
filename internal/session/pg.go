package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nidhogg/vault-mind/internal/memory"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS memorize_sessions (
	id          TEXT PRIMARY KEY,
	library     TEXT NOT NULL,
	status      TEXT NOT NULL,
	stage       TEXT NOT NULL DEFAULT '',
	total       INT NOT NULL DEFAULT 0,
	processed   INT NOT NULL DEFAULT 0,
	failed      INT NOT NULL DEFAULT 0,
	bytes       BIGINT NOT NULL DEFAULT 0,
	error       TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
);
ALTER TABLE memorize_sessions ADD COLUMN IF NOT EXISTS bytes BIGINT NOT NULL DEFAULT 0;
CREATE INDEX IF NOT EXISTS memorize_sessions_status_idx ON memorize_sessions (status, finished_at);
`

// Pg is the durable session store. Sessions survive restarts, so a
// caller polling a session id keeps getting answers after a deploy.
type Pg struct {
	pool      *pgxpool.Pool
	retention Retention
}

// NewPg ensures the sessions table exists and returns a ready store.
func NewPg(ctx context.Context, pool *pgxpool.Pool, retention Retention) (*Pg, error) {
	if retention == (Retention{}) {
		retention = DefaultRetention()
	}
	if _, err := pool.Exec(ctx, sessionSchema); err != nil {
		return nil, fmt.Errorf("session schema: %w", err)
	}
	return &Pg{pool: pool, retention: retention}, nil
}

func (s *Pg) Create(ctx context.Context, library string) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		Library:   library,
		Status:    StatusInProgress,
		Stage:     StageResolving,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memorize_sessions (id, library, status, stage, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		sess.ID, sess.Library, sess.Status, sess.Stage, sess.CreatedAt, sess.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

func (s *Pg) Get(ctx context.Context, id string) (*Session, error) {
	var sess Session
	var finished *time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT id, library, status, stage, total, processed, failed, bytes, error, created_at, updated_at, finished_at
		 FROM memorize_sessions WHERE id = $1`, id).
		Scan(&sess.ID, &sess.Library, &sess.Status, &sess.Stage, &sess.Total,
			&sess.Processed, &sess.Failed, &sess.Bytes, &sess.Error, &sess.CreatedAt, &sess.UpdatedAt, &finished)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", memory.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	if finished != nil {
		sess.FinishedAt = *finished
	}
	return &sess, nil
}

func (s *Pg) Update(ctx context.Context, id string, p Progress) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE memorize_sessions
		 SET stage = CASE WHEN $2 <> '' THEN $2 ELSE stage END,
		     total = CASE WHEN $3 > 0 THEN $3 ELSE total END,
		     processed = $4, failed = $5, bytes = $6, updated_at = now()
		 WHERE id = $1 AND status = $7`,
		id, p.Stage, p.Total, p.Processed, p.Failed, p.Bytes, StatusInProgress)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.notUpdatable(ctx, id)
	}
	return nil
}

func (s *Pg) Finish(ctx context.Context, id string, status Status, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("%w: %s is not a terminal status", memory.ErrInvalidArgument, status)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE memorize_sessions
		 SET status = $2, stage = '', error = $3, updated_at = now(), finished_at = now()
		 WHERE id = $1 AND status = $4`,
		id, status, errMsg, StatusInProgress)
	if err != nil {
		return fmt.Errorf("finish session %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.notUpdatable(ctx, id)
	}
	return nil
}

// notUpdatable distinguishes a missing session from a terminal one.
func (s *Pg) notUpdatable(ctx context.Context, id string) error {
	sess, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: session already %s", memory.ErrInvalidArgument, sess.Status)
}

func (s *Pg) Expired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM memorize_sessions
		 WHERE (status = $1 AND finished_at < $2)
		    OR (status = $3 AND finished_at < $4)`,
		StatusCompleted, now.Add(-s.retention.Completed),
		StatusFailed, now.Add(-s.retention.Failed))
	if err != nil {
		return nil, fmt.Errorf("expired sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Pg) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM memorize_sessions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

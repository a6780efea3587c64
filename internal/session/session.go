package session

import (
	"context"
	"fmt"
	"time"

	"github.com/nidhogg/vault-mind/internal/memory"
)

// Status is a session's lifecycle state. Transitions are monotone:
// in_progress may move to completed or failed, and terminal states
// never change again.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status accepts no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Stages a memorize session moves through, reported in progress polls.
const (
	StageResolving  = "resolving"
	StageChunking   = "chunking"
	StageEmbedding  = "embedding"
	StageEvaluating = "evaluating"
	StageCommitting = "committing"
)

// Session tracks one async memorize request.
type Session struct {
	ID         string    `json:"id"`
	Library    string    `json:"library"`
	Status     Status    `json:"status"`
	Stage      string    `json:"stage,omitempty"`
	Total      int       `json:"total"`
	Processed  int       `json:"processed"`
	Failed     int       `json:"failed"`
	Bytes      int       `json:"bytes_processed"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`
}

// Progress is the mutable slice of a session that the pipeline reports
// as it works.
type Progress struct {
	Stage     string
	Total     int
	Processed int
	Failed    int
	Bytes     int
}

// Store persists sessions. Update applies a progress delta; Finish moves
// a session to a terminal status exactly once.
type Store interface {
	Create(ctx context.Context, library string) (*Session, error)
	Get(ctx context.Context, id string) (*Session, error)
	Update(ctx context.Context, id string, p Progress) error
	Finish(ctx context.Context, id string, status Status, errMsg string) error
	// Expired returns ids of terminal sessions past their retention
	// window at the given instant.
	Expired(ctx context.Context, now time.Time) ([]string, error)
	Delete(ctx context.Context, id string) error
}

// Retention controls how long terminal sessions stay queryable. Failed
// sessions are kept longer so callers have time to read the error.
type Retention struct {
	Completed time.Duration
	Failed    time.Duration
}

// DefaultRetention keeps completed sessions for an hour and failed ones
// for a day.
func DefaultRetention() Retention {
	return Retention{Completed: time.Hour, Failed: 24 * time.Hour}
}

func (r Retention) window(s Status) time.Duration {
	if s == StatusFailed {
		return r.Failed
	}
	return r.Completed
}

func validateFinish(current Status, next Status) error {
	if current.Terminal() {
		return fmt.Errorf("%w: session already %s", memory.ErrInvalidArgument, current)
	}
	if !next.Terminal() {
		return fmt.Errorf("%w: %s is not a terminal status", memory.ErrInvalidArgument, next)
	}
	return nil
}

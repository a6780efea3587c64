package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nidhogg/vault-mind/internal/memory"
)

// InMem is a process-local session store for embedded deployments and
// tests. Sessions vanish on restart, which matches how callers treat a
// restarted process: pending sessions are simply gone.
type InMem struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	retention Retention
	now       func() time.Time
}

// NewInMem creates an empty in-memory session store.
func NewInMem(retention Retention) *InMem {
	if retention == (Retention{}) {
		retention = DefaultRetention()
	}
	return &InMem{
		sessions:  make(map[string]*Session),
		retention: retention,
		now:       time.Now,
	}
}

func (s *InMem) Create(ctx context.Context, library string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sess := &Session{
		ID:        uuid.NewString(),
		Library:   library,
		Status:    StatusInProgress,
		Stage:     StageResolving,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.sessions[sess.ID] = sess
	cp := *sess
	return &cp, nil
}

func (s *InMem) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", memory.ErrSessionNotFound, id)
	}
	cp := *sess
	return &cp, nil
}

func (s *InMem) Update(ctx context.Context, id string, p Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", memory.ErrSessionNotFound, id)
	}
	if sess.Status.Terminal() {
		return fmt.Errorf("%w: session already %s", memory.ErrInvalidArgument, sess.Status)
	}
	if p.Stage != "" {
		sess.Stage = p.Stage
	}
	if p.Total > 0 {
		sess.Total = p.Total
	}
	sess.Processed = p.Processed
	sess.Failed = p.Failed
	sess.Bytes = p.Bytes
	sess.UpdatedAt = s.now()
	return nil
}

func (s *InMem) Finish(ctx context.Context, id string, status Status, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %s", memory.ErrSessionNotFound, id)
	}
	if err := validateFinish(sess.Status, status); err != nil {
		return err
	}
	now := s.now()
	sess.Status = status
	sess.Stage = ""
	sess.Error = errMsg
	sess.UpdatedAt = now
	sess.FinishedAt = now
	return nil
}

func (s *InMem) Expired(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	for id, sess := range s.sessions {
		if !sess.Status.Terminal() {
			continue
		}
		if now.Sub(sess.FinishedAt) > s.retention.window(sess.Status) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *InMem) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nidhogg/vault-mind/internal/memory"
)

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewInMem(Retention{})

	sess, err := store.Create(ctx, "authlib")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.Status != StatusInProgress {
		t.Fatalf("new session status = %s, want in_progress", sess.Status)
	}
	if sess.Stage != StageResolving {
		t.Fatalf("new session stage = %s, want resolving", sess.Stage)
	}

	err = store.Update(ctx, sess.ID, Progress{Stage: StageEmbedding, Total: 10, Processed: 4, Failed: 1})
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Processed != 4 || got.Failed != 1 || got.Total != 10 {
		t.Fatalf("progress = %d/%d failed %d, want 4/10 failed 1", got.Processed, got.Total, got.Failed)
	}

	if err := store.Finish(ctx, sess.ID, StatusCompleted, ""); err != nil {
		t.Fatalf("finish: %v", err)
	}
	got, _ = store.Get(ctx, sess.ID)
	if got.Status != StatusCompleted || got.FinishedAt.IsZero() {
		t.Fatalf("finished session = %+v", got)
	}
}

func TestFinishIsMonotone(t *testing.T) {
	ctx := context.Background()
	store := NewInMem(Retention{})
	sess, _ := store.Create(ctx, "authlib")

	if err := store.Finish(ctx, sess.ID, StatusFailed, "disk full"); err != nil {
		t.Fatalf("finish: %v", err)
	}

	// Terminal states accept no further writes.
	err := store.Finish(ctx, sess.ID, StatusCompleted, "")
	if !errors.Is(err, memory.ErrInvalidArgument) {
		t.Fatalf("re-finish should be rejected, got %v", err)
	}
	err = store.Update(ctx, sess.ID, Progress{Processed: 99})
	if !errors.Is(err, memory.ErrInvalidArgument) {
		t.Fatalf("update after finish should be rejected, got %v", err)
	}

	got, _ := store.Get(ctx, sess.ID)
	if got.Status != StatusFailed || got.Error != "disk full" {
		t.Fatalf("terminal session changed: %+v", got)
	}
}

func TestGetUnknownSession(t *testing.T) {
	store := NewInMem(Retention{})
	_, err := store.Get(context.Background(), "nope")
	if !errors.Is(err, memory.ErrSessionNotFound) {
		t.Fatalf("want ErrSessionNotFound, got %v", err)
	}
}

func TestExpiredRespectsRetentionWindows(t *testing.T) {
	ctx := context.Background()
	store := NewInMem(Retention{Completed: time.Hour, Failed: 24 * time.Hour})

	base := time.Now()
	store.now = func() time.Time { return base }

	done, _ := store.Create(ctx, "authlib")
	store.Finish(ctx, done.ID, StatusCompleted, "")

	failed, _ := store.Create(ctx, "authlib")
	store.Finish(ctx, failed.ID, StatusFailed, "boom")

	running, _ := store.Create(ctx, "authlib")

	// Two hours on: the completed session is past its window, the failed
	// one is kept longer, and running sessions never expire.
	ids, err := store.Expired(ctx, base.Add(2*time.Hour))
	if err != nil {
		t.Fatalf("expired: %v", err)
	}
	if len(ids) != 1 || ids[0] != done.ID {
		t.Fatalf("expired = %v, want [%s]", ids, done.ID)
	}

	// Two days on: the failed session expires too.
	ids, _ = store.Expired(ctx, base.Add(48*time.Hour))
	if len(ids) != 2 {
		t.Fatalf("expired after 48h = %v, want both terminal sessions", ids)
	}
	for _, id := range ids {
		if id == running.ID {
			t.Fatal("running session must not expire")
		}
	}
}

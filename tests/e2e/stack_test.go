package e2e

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nidhogg/vault-mind/internal/retrieval"
	"github.com/nidhogg/vault-mind/internal/session"
)

func waitTerminal(t *testing.T, s *stack, sessionID string) *session.Session {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := s.sessions.Get(ctx, sessionID)
		if err != nil {
			t.Fatalf("session status: %v", err)
		}
		if sess.Status.Terminal() {
			return sess
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatal("session never reached a terminal status")
	return nil
}

func TestMemorizeRecallOverContainers(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	dir := t.TempDir()
	for i := 0; i < 5; i++ {
		content := fmt.Sprintf("func Handler%d(w http.ResponseWriter, r *http.Request) {\n\t// route %d\n}\n", i, i)
		if err := os.WriteFile(filepath.Join(dir, fmt.Sprintf("h%d.go", i)), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	c, err := s.pool.Get(ctx, "webapp")
	if err != nil {
		t.Fatalf("get coordinator: %v", err)
	}

	sessID, err := c.Memorize(ctx, dir)
	if err != nil {
		t.Fatalf("memorize: %v", err)
	}

	sess := waitTerminal(t, s, sessID)
	if sess.Status != session.StatusCompleted {
		t.Fatalf("session status = %s (error %q), want completed", sess.Status, sess.Error)
	}
	if sess.Processed != 5 {
		t.Errorf("processed = %d, want 5", sess.Processed)
	}

	results, err := c.Recall(ctx, retrieval.Query{
		Text:     "func Handler0",
		TopK:     3,
		Strategy: retrieval.StrategySemantic,
	})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected recall results from containerized stores")
	}

	libs, err := s.pool.ListLibraries(ctx)
	if err != nil {
		t.Fatalf("list libraries: %v", err)
	}
	if len(libs) != 1 || libs[0] != "webapp" {
		t.Fatalf("libraries = %v, want [webapp]", libs)
	}
}

func TestReingestIsIdempotentOverContainers(t *testing.T) {
	s := newStack(t)
	ctx := context.Background()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "fact.md"), []byte("the deploy pipeline runs on merge to main"), 0o644); err != nil {
		t.Fatal(err)
	}

	c, err := s.pool.Get(ctx, "ops")
	if err != nil {
		t.Fatalf("get coordinator: %v", err)
	}

	for i := 0; i < 2; i++ {
		sessID, err := c.Memorize(ctx, dir)
		if err != nil {
			t.Fatalf("memorize #%d: %v", i+1, err)
		}
		sess := waitTerminal(t, s, sessID)
		if sess.Status != session.StatusCompleted {
			t.Fatalf("memorize #%d: status %s (%s)", i+1, sess.Status, sess.Error)
		}
	}

	mems, err := s.graph.ListMemories(ctx, "ops", 0)
	if err != nil {
		t.Fatalf("list memories: %v", err)
	}
	if len(mems) != 1 {
		t.Fatalf("got %d memories after double ingest, want 1", len(mems))
	}
}

package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/vault-mind/internal/committee"
	"github.com/nidhogg/vault-mind/internal/coordinator"
	"github.com/nidhogg/vault-mind/internal/embedding"
	"github.com/nidhogg/vault-mind/internal/entangle"
	"github.com/nidhogg/vault-mind/internal/graphstore"
	"github.com/nidhogg/vault-mind/internal/ingest"
	"github.com/nidhogg/vault-mind/internal/session"
	"github.com/nidhogg/vault-mind/internal/txn"
	"github.com/nidhogg/vault-mind/internal/vectorstore"
)

// newTestHandler creates a Handler wired with embedded in-memory deps
// (no Neo4j/Qdrant/Postgres).
func newTestHandler(t *testing.T) (*Handler, http.Handler) {
	t.Helper()
	logger := zap.NewNop()

	graph := graphstore.NewInMem()
	vectors := vectorstore.NewChromem()
	deps := coordinator.Deps{
		Graph:     graph,
		Vector:    vectors,
		Embedder:  embedding.NewMockProvider(32),
		Evaluator: committee.New(logger, committee.DensityEvaluator{}, committee.StructureEvaluator{}),
		Scorer:    entangle.NewScorer(entangle.Config{}),
		Txn:       txn.NewManager(graph, vectors, txn.NewMemWAL(), logger),
		Sessions:  session.NewInMem(session.Retention{}),
		Pipeline:  ingest.Config{},
		Log:       logger,
	}
	pool := coordinator.NewPool(deps, 32)
	t.Cleanup(pool.CloseAll)

	h := NewHandler(pool, logger)
	return h, h.Router()
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// waitForSession polls the status endpoint until the session is terminal.
func waitForSession(t *testing.T, ts *httptest.Server, id string) map[string]interface{} {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp := getJSON(t, ts, "/api/sessions/"+id)
		if resp.StatusCode != 200 {
			t.Fatalf("session status: expected 200, got %d", resp.StatusCode)
		}
		var sess map[string]interface{}
		decodeJSON(t, resp, &sess)
		if status, _ := sess["status"].(string); status == "completed" || status == "failed" {
			return sess
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("session never reached a terminal status")
	return nil
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/health")
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestMemorizeRecallRoundTrip(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	// Memorize a literal snippet.
	resp := postJSON(t, ts, "/api/libraries/authlib/memorize", map[string]string{
		"content": "the session token rotates every fifteen minutes",
	})
	if resp.StatusCode != 202 {
		t.Fatalf("memorize: expected 202, got %d", resp.StatusCode)
	}
	var accepted map[string]string
	decodeJSON(t, resp, &accepted)
	if accepted["session_id"] == "" {
		t.Fatal("expected non-empty session_id")
	}

	sess := waitForSession(t, ts, accepted["session_id"])
	if sess["status"] != "completed" {
		t.Fatalf("session = %+v, want completed", sess)
	}

	// Recall it back.
	resp = postJSON(t, ts, "/api/libraries/authlib/recall", map[string]interface{}{
		"query": "the session token rotates every fifteen minutes",
		"top_k": 3,
	})
	if resp.StatusCode != 200 {
		t.Fatalf("recall: expected 200, got %d", resp.StatusCode)
	}
	var body struct {
		Results []recallResult `json:"results"`
	}
	decodeJSON(t, resp, &body)
	if len(body.Results) == 0 {
		t.Fatal("expected at least one recall result")
	}
	if body.Results[0].Rank != 1 {
		t.Errorf("first result rank = %d, want 1", body.Results[0].Rank)
	}
	if body.Results[0].Similarity <= 0 {
		t.Errorf("similarity = %f, want > 0", body.Results[0].Similarity)
	}
	if body.Results[0].CreatedAt.IsZero() {
		t.Error("result must carry the memory timestamp")
	}
}

func TestMemorizeValidation(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/libraries/authlib/memorize", map[string]string{})
	if resp.StatusCode != 400 {
		t.Errorf("empty content: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	longName := make([]byte, 150)
	for i := range longName {
		longName[i] = 'a'
	}
	resp = postJSON(t, ts, "/api/libraries/"+string(longName)+"/memorize", map[string]string{"content": "x"})
	if resp.StatusCode != 400 {
		t.Errorf("bad library name: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRecallUnknownLibrary(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/libraries/ghost/recall", map[string]interface{}{
		"query": "anything", "top_k": 3,
	})
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestRecallValidation(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	// Create the library first.
	resp := postJSON(t, ts, "/api/libraries/authlib/memorize", map[string]string{"content": "seed"})
	var accepted map[string]string
	decodeJSON(t, resp, &accepted)
	waitForSession(t, ts, accepted["session_id"])

	resp = postJSON(t, ts, "/api/libraries/authlib/recall", map[string]interface{}{
		"query": "x", "top_k": -1,
	})
	if resp.StatusCode != 400 {
		t.Errorf("negative top_k: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/libraries/authlib/recall", map[string]interface{}{
		"query": "x", "top_k": 3, "strategy": "psychic",
	})
	if resp.StatusCode != 400 {
		t.Errorf("unknown strategy: expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSessionStatusNotFound(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/sessions/no-such-session")
	if resp.StatusCode != 404 {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestListLibraries(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/libraries")
	var body struct {
		Libraries []string `json:"libraries"`
	}
	decodeJSON(t, resp, &body)
	if len(body.Libraries) != 0 {
		t.Fatalf("expected no libraries, got %v", body.Libraries)
	}

	resp = postJSON(t, ts, "/api/libraries/authlib/memorize", map[string]string{"content": "seed"})
	var accepted map[string]string
	decodeJSON(t, resp, &accepted)
	waitForSession(t, ts, accepted["session_id"])

	resp = getJSON(t, ts, "/api/libraries")
	decodeJSON(t, resp, &body)
	if len(body.Libraries) != 1 || body.Libraries[0] != "authlib" {
		t.Fatalf("libraries = %v, want [authlib]", body.Libraries)
	}
}

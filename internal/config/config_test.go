package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadSubstitutesEnvVars(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	raw := `{
		"server": {"port": ${VM_TEST_PORT:9100}},
		"stores": {
			"backend": "external",
			"neo4j": {"uri": "${VM_TEST_NEO4J_URI}", "user": "neo4j", "password": "${VM_TEST_NEO4J_PASS:secret}"}
		},
		"embedding": {"provider": "api", "model": "test-embed", "dimension": 512}
	}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("VM_TEST_NEO4J_URI", "bolt://db:7687")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("port = %d, want default 9100", cfg.Server.Port)
	}
	if cfg.Stores.Neo4j.URI != "bolt://db:7687" {
		t.Errorf("neo4j uri = %q, want env value", cfg.Stores.Neo4j.URI)
	}
	if cfg.Stores.Neo4j.Password != "secret" {
		t.Errorf("neo4j password = %q, want default", cfg.Stores.Neo4j.Password)
	}
	if cfg.Embedding.Dimension != 512 {
		t.Errorf("dimension = %d, want 512", cfg.Embedding.Dimension)
	}
	// Unset sections keep their defaults.
	if cfg.Memory.Entangle.MaxLinks == 0 {
		t.Error("entangle defaults should survive partial configs")
	}
}

func TestDefaultIsEmbedded(t *testing.T) {
	cfg := Default()
	if cfg.Stores.Backend != "embedded" {
		t.Errorf("default backend = %q, want embedded", cfg.Stores.Backend)
	}
	if cfg.Memory.SessionRetention.Completed() <= 0 {
		t.Error("default completed retention must be positive")
	}
}

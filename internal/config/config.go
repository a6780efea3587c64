package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"

	"github.com/nidhogg/vault-mind/internal/entangle"
	"github.com/nidhogg/vault-mind/internal/ingest"
	"github.com/nidhogg/vault-mind/internal/retrieval"
	"github.com/nidhogg/vault-mind/internal/workers"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Stores    StoresConfig    `json:"stores"`
	Embedding EmbeddingConfig `json:"embedding"`
	Memory    MemoryConfig    `json:"memory"`
	MCP       MCPConfig       `json:"mcp"`
}

type ServerConfig struct {
	Port     int    `json:"port"`
	LogLevel string `json:"log_level"`
}

// StoresConfig selects and configures the backing stores. Backend
// "embedded" runs everything in-process; "external" uses Neo4j, Qdrant,
// Postgres and (optionally) Redis.
type StoresConfig struct {
	Backend  string         `json:"backend"`
	Neo4j    Neo4jConfig    `json:"neo4j"`
	Qdrant   QdrantConfig   `json:"qdrant"`
	Postgres PostgresConfig `json:"postgres"`
	Redis    RedisConfig    `json:"redis"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type QdrantConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type PostgresConfig struct {
	DSN string `json:"dsn"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Stream   string `json:"stream"`
}

type EmbeddingConfig struct {
	Provider  string `json:"provider"`
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
	TimeoutMS int    `json:"timeout_ms"`
}

// MemoryConfig tunes scoring, retrieval, ingestion, and maintenance.
type MemoryConfig struct {
	Entangle         entangle.Config   `json:"entangle"`
	RetrievalWeights retrieval.Weights `json:"retrieval_weights"`
	Pipeline         ingest.Config     `json:"pipeline"`
	Workers          workers.Config    `json:"workers"`
	EvalCacheSize    int64             `json:"eval_cache_size"`
	SessionRetention RetentionConfig   `json:"session_retention"`
}

type RetentionConfig struct {
	CompletedMinutes int `json:"completed_minutes"`
	FailedMinutes    int `json:"failed_minutes"`
}

// Completed returns the retention window for completed sessions.
func (r RetentionConfig) Completed() time.Duration {
	return time.Duration(r.CompletedMinutes) * time.Minute
}

// Failed returns the retention window for failed sessions.
func (r RetentionConfig) Failed() time.Duration {
	return time.Duration(r.FailedMinutes) * time.Minute
}

type MCPConfig struct {
	Enabled bool `json:"enabled"`
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// Load reads a JSON config file and substitutes environment variable references.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	// Substitute ${VAR} and ${VAR:default} with environment values.
	resolved := envVarRe.ReplaceAllStringFunc(string(data), func(match string) string {
		parts := envVarRe.FindStringSubmatch(match)
		name := parts[1]
		defaultVal := parts[2]
		if v := os.Getenv(name); v != "" {
			return v
		}
		return defaultVal
	})

	cfg := Default()
	if err := json.Unmarshal([]byte(resolved), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns the embedded-backend defaults used when no config
// file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: 8990, LogLevel: "info"},
		Stores: StoresConfig{
			Backend: "embedded",
			Neo4j:   Neo4jConfig{URI: "bolt://localhost:7687", User: "neo4j"},
			Qdrant:  QdrantConfig{Host: "localhost", Port: 6334},
		},
		Embedding: EmbeddingConfig{Provider: "mock", Dimension: 384},
		Memory: MemoryConfig{
			Entangle:         entangle.DefaultConfig(),
			RetrievalWeights: retrieval.DefaultWeights(),
			Pipeline:         ingest.DefaultConfig(),
			Workers:          workers.DefaultConfig(),
			EvalCacheSize:    10_000,
			SessionRetention: RetentionConfig{CompletedMinutes: 60, FailedMinutes: 1440},
		},
	}
}

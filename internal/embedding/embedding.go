package embedding

import (
	"context"
	"time"
)

// Provider generates vector embeddings from text. Implementations report
// network and endpoint failures as memory.ErrEmbeddingUnavailable so that
// ingestion can retry with backoff and retrieval can fail fast.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// Config holds embedding provider configuration.
type Config struct {
	Provider  string `json:"provider"` // "api", "local" or "mock"
	Endpoint  string `json:"endpoint"`
	Model     string `json:"model"`
	APIKey    string `json:"api_key"`
	Dimension int    `json:"dimension"`
	TimeoutMS int    `json:"timeout_ms"`
}

// RequestTimeout returns the per-call HTTP timeout, defaulting to 30s.
func (c Config) RequestTimeout() time.Duration {
	if c.TimeoutMS > 0 {
		return time.Duration(c.TimeoutMS) * time.Millisecond
	}
	return 30 * time.Second
}

package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nidhogg/vault-mind/internal/session"
)

// Redis publishes session progress events to a Redis stream so external
// consumers (dashboards, agents waiting on ingestion) can follow along
// without polling the status endpoint. Delivery is best effort; the
// session store stays authoritative.
type Redis struct {
	client *redis.Client
	stream string
	maxLen int64
	log    *zap.Logger
}

// Config holds Redis connection settings.
type Config struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Stream   string `json:"stream"`
	// MaxLen caps the stream with approximate trimming.
	MaxLen int64 `json:"max_len"`
}

// NewRedis connects and verifies the server is reachable.
func NewRedis(ctx context.Context, cfg Config, log *zap.Logger) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	stream := cfg.Stream
	if stream == "" {
		stream = "vaultmind:sessions"
	}
	maxLen := cfg.MaxLen
	if maxLen <= 0 {
		maxLen = 10_000
	}
	return &Redis{client: client, stream: stream, maxLen: maxLen, log: log.Named("bus")}, nil
}

// SessionProgress appends one progress event to the stream.
func (b *Redis) SessionProgress(ctx context.Context, sess *session.Session) error {
	return b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		MaxLen: b.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"session_id": sess.ID,
			"library":    sess.Library,
			"status":     string(sess.Status),
			"stage":      sess.Stage,
			"total":      sess.Total,
			"processed":  sess.Processed,
			"failed":     sess.Failed,
		},
	}).Err()
}

// Close releases the Redis connection.
func (b *Redis) Close() error {
	return b.client.Close()
}

package e2e

import (
	"context"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"go.uber.org/zap"

	"github.com/nidhogg/vault-mind/internal/bus"
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

// Suppress unused import warning for testcontainers base package.
var _ = testcontainers.GenericContainerRequest{}

const testDimension = 64

// startNeo4j starts a Neo4j testcontainer, returns URI + cleanup func.
func startNeo4j(ctx context.Context) (string, func(), error) {
	container, err := tcneo4j.Run(ctx, "neo4j:5-community",
		tcneo4j.WithoutAuthentication(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start neo4j: %w", err)
	}
	uri, err := container.BoltUrl(ctx)
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("neo4j bolt url: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return uri, cleanup, nil
}

// startPostgres starts a PostgreSQL testcontainer, returns DSN + cleanup func.
func startPostgres(ctx context.Context) (string, func(), error) {
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("vaultmind_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	if err != nil {
		return "", nil, fmt.Errorf("start postgres: %w", err)
	}
	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("pg connection string: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return dsn, cleanup, nil
}

// startRedis starts a Redis testcontainer, returns address + cleanup func.
func startRedis(ctx context.Context) (string, func(), error) {
	container, err := tcredis.Run(ctx, "redis:7-alpine")
	if err != nil {
		return "", nil, fmt.Errorf("start redis: %w", err)
	}
	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		container.Terminate(ctx)
		return "", nil, fmt.Errorf("redis endpoint: %w", err)
	}
	cleanup := func() { container.Terminate(ctx) }
	return endpoint, cleanup, nil
}

// stack is a fully wired pool over containerized Neo4j, Postgres, and
// Redis. Vectors run on the embedded store; the cross-store transaction
// path under test is graph staging plus the Postgres WAL.
type stack struct {
	pool     *coordinator.Pool
	graph    *graphstore.Neo4j
	sessions session.Store
	logger   *zap.Logger
}

// newStack boots the containerized backends. Skipped in -short runs.
func newStack(t *testing.T) *stack {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container-backed e2e in short mode")
	}
	ctx := context.Background()
	logger := zap.NewNop()

	neoURI, stopNeo, err := startNeo4j(ctx)
	if err != nil {
		t.Skipf("neo4j container unavailable: %v", err)
	}
	t.Cleanup(stopNeo)

	pgDSN, stopPG, err := startPostgres(ctx)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(stopPG)

	redisAddr, stopRedis, err := startRedis(ctx)
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(stopRedis)

	graph, err := graphstore.NewNeo4j(graphstore.Neo4jConfig{URI: neoURI, User: "neo4j"}, logger)
	if err != nil {
		t.Fatalf("neo4j store: %v", err)
	}
	t.Cleanup(func() { graph.Close(context.Background()) })

	pgPool, err := pgxpool.New(ctx, pgDSN)
	if err != nil {
		t.Fatalf("pg pool: %v", err)
	}
	t.Cleanup(pgPool.Close)

	wal, err := txn.NewPgWAL(ctx, pgPool)
	if err != nil {
		t.Fatalf("wal: %v", err)
	}
	sessions, err := session.NewPg(ctx, pgPool, session.Retention{})
	if err != nil {
		t.Fatalf("session store: %v", err)
	}

	notifier, err := bus.NewRedis(ctx, bus.Config{Addr: redisAddr}, logger)
	if err != nil {
		t.Fatalf("redis bus: %v", err)
	}
	t.Cleanup(func() { notifier.Close() })

	vectors := vectorstore.NewChromem()
	deps := coordinator.Deps{
		Graph:     graph,
		Vector:    vectors,
		Embedder:  embedding.NewMockProvider(testDimension),
		Evaluator: committee.New(logger, committee.DensityEvaluator{}, committee.StructureEvaluator{}, committee.NoveltyEvaluator{Vectors: vectors}),
		Scorer:    entangle.NewScorer(entangle.Config{}),
		Txn:       txn.NewManager(graph, vectors, wal, logger),
		Sessions:  sessions,
		Notifier:  notifier,
		Pipeline:  ingest.Config{},
		Log:       logger,
	}
	pool := coordinator.NewPool(deps, testDimension)
	t.Cleanup(pool.CloseAll)

	return &stack{pool: pool, graph: graph, sessions: sessions, logger: logger}
}

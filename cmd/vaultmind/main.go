package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/nidhogg/vault-mind/internal/api"
	"github.com/nidhogg/vault-mind/internal/bus"
	"github.com/nidhogg/vault-mind/internal/committee"
	"github.com/nidhogg/vault-mind/internal/config"
	"github.com/nidhogg/vault-mind/internal/coordinator"
	"github.com/nidhogg/vault-mind/internal/embedding"
	"github.com/nidhogg/vault-mind/internal/entangle"
	"github.com/nidhogg/vault-mind/internal/graphstore"
	"github.com/nidhogg/vault-mind/internal/ingest"
	"github.com/nidhogg/vault-mind/internal/mcp"
	"github.com/nidhogg/vault-mind/internal/memory"
	"github.com/nidhogg/vault-mind/internal/session"
	"github.com/nidhogg/vault-mind/internal/txn"
	"github.com/nidhogg/vault-mind/internal/vectorstore"
	"github.com/nidhogg/vault-mind/internal/workers"
)

func main() {
	_ = godotenv.Load()

	// Load configuration
	cfgPath := os.Getenv("CONFIG_PATH")
	cfg := config.Default()
	if cfgPath != "" {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to load config %s: %v\n", cfgPath, err)
			os.Exit(1)
		}
		cfg = loaded
	}

	logger := newLogger(cfg.Server.LogLevel)
	defer logger.Sync()

	logger.Info("Starting Vault Mind...",
		zap.String("backend", cfg.Stores.Backend),
		zap.String("embedding", cfg.Embedding.Provider))

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// Embedding provider
	embedder := newEmbedder(cfg.Embedding, logger)

	// Backing stores
	var (
		graph    memory.GraphStore
		vectors  memory.VectorStore
		wal      txn.WAL
		sessions session.Store
		closers  []func()
	)
	retention := session.Retention{
		Completed: cfg.Memory.SessionRetention.Completed(),
		Failed:    cfg.Memory.SessionRetention.Failed(),
	}

	switch cfg.Stores.Backend {
	case "external":
		neo, err := graphstore.NewNeo4j(graphstore.Neo4jConfig(cfg.Stores.Neo4j), logger)
		if err != nil {
			logger.Fatal("neo4j connect failed", zap.Error(err))
		}
		if err := neo.Ping(rootCtx); err != nil {
			logger.Fatal("neo4j unreachable", zap.Error(err))
		}
		closers = append(closers, func() { neo.Close(context.Background()) })
		graph = neo

		qd, err := vectorstore.NewQdrant(vectorstore.QdrantConfig(cfg.Stores.Qdrant))
		if err != nil {
			logger.Fatal("qdrant connect failed", zap.Error(err))
		}
		closers = append(closers, func() { qd.Close() })
		vectors = qd

		pool, err := pgxpool.New(rootCtx, cfg.Stores.Postgres.DSN)
		if err != nil {
			logger.Fatal("postgres connect failed", zap.Error(err))
		}
		closers = append(closers, pool.Close)
		wal, err = txn.NewPgWAL(rootCtx, pool)
		if err != nil {
			logger.Fatal("wal init failed", zap.Error(err))
		}
		sessions, err = session.NewPg(rootCtx, pool, retention)
		if err != nil {
			logger.Fatal("session store init failed", zap.Error(err))
		}
	default:
		graph = graphstore.NewInMem()
		vectors = vectorstore.NewChromem()
		wal = txn.NewMemWAL()
		sessions = session.NewInMem(retention)
	}

	// Optional Redis progress bus
	var notifier ingest.Notifier
	if cfg.Stores.Redis.Enabled {
		rb, err := bus.NewRedis(rootCtx, bus.Config{
			Addr:     cfg.Stores.Redis.Addr,
			Password: cfg.Stores.Redis.Password,
			DB:       cfg.Stores.Redis.DB,
			Stream:   cfg.Stores.Redis.Stream,
		}, logger)
		if err != nil {
			logger.Warn("redis unavailable, running without progress events", zap.Error(err))
		} else {
			closers = append(closers, func() { rb.Close() })
			notifier = rb
		}
	}

	// Transaction manager; replay anything an earlier run left behind.
	manager := txn.NewManager(graph, vectors, wal, logger)
	if err := manager.Recover(rootCtx); err != nil {
		logger.Warn("wal recovery incomplete", zap.Error(err))
	}

	// Scoring committee with a cached front
	evaluators := []committee.Evaluator{
		committee.DensityEvaluator{},
		committee.StructureEvaluator{},
		committee.NoveltyEvaluator{Vectors: vectors},
	}
	comm := committee.New(logger, evaluators...)
	cached, err := committee.NewCached(comm, cfg.Memory.EvalCacheSize)
	if err != nil {
		logger.Fatal("evaluation cache init failed", zap.Error(err))
	}
	closers = append(closers, cached.Close)

	scorer := entangle.NewScorer(cfg.Memory.Entangle)
	pool := coordinator.NewPool(coordinator.Deps{
		Graph:     graph,
		Vector:    vectors,
		Embedder:  embedder,
		Evaluator: cached,
		Scorer:    scorer,
		Txn:       manager,
		Sessions:  sessions,
		Notifier:  notifier,
		Weights:   cfg.Memory.RetrievalWeights,
		Pipeline:  cfg.Memory.Pipeline,
		Log:       logger,
	}, embedder.Dimension())

	// Background maintenance
	maintainer := workers.NewMaintainer(graph, vectors, scorer, sessions, cfg.Memory.Workers, logger)
	go maintainer.Run(rootCtx)

	// MCP over stdio, alongside HTTP, when enabled
	if cfg.MCP.Enabled {
		go func() {
			if err := mcp.NewServer(pool, logger).ServeStdio(rootCtx); err != nil && rootCtx.Err() == nil {
				logger.Warn("mcp server stopped", zap.Error(err))
			}
		}()
	}

	// Build HTTP handler
	handler := api.NewHandler(pool, logger)

	port := cfg.Server.Port
	if port == 0 {
		port = 8990
	}
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler.Router(),
	}

	go func() {
		logger.Info("Vault Mind listening", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down Vault Mind...")
	rootCancel()
	srv.Shutdown(context.Background())
	pool.CloseAll()
	for i := len(closers) - 1; i >= 0; i-- {
		closers[i]()
	}
}

func newLogger(level string) *zap.Logger {
	var (
		logger *zap.Logger
		err    error
	)
	if level == "debug" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	return logger
}

func newEmbedder(cfg config.EmbeddingConfig, logger *zap.Logger) embedding.Provider {
	ecfg := embedding.Config{
		Provider:  cfg.Provider,
		Endpoint:  cfg.Endpoint,
		Model:     cfg.Model,
		APIKey:    cfg.APIKey,
		Dimension: cfg.Dimension,
		TimeoutMS: cfg.TimeoutMS,
	}
	switch cfg.Provider {
	case "api":
		return embedding.NewAPIProvider(ecfg)
	case "local":
		return embedding.NewLocalProvider(ecfg)
	default:
		logger.Warn("using deterministic mock embeddings; recall quality will be poor",
			zap.String("provider", cfg.Provider))
		return embedding.NewMockProvider(cfg.Dimension)
	}
}

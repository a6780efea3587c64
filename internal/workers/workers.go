package workers

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nidhogg/vault-mind/internal/entangle"
	"github.com/nidhogg/vault-mind/internal/memory"
	"github.com/nidhogg/vault-mind/internal/session"
)

// Config tunes the maintenance loops.
type Config struct {
	DecayInterval   time.Duration `json:"decay_interval"`
	ReapInterval    time.Duration `json:"reap_interval"`
	RebuildInterval time.Duration `json:"rebuild_interval"`
	// StaleAfter selects memories for decay materialization: anything
	// untouched for this long gets its stored importance refreshed.
	StaleAfter time.Duration `json:"stale_after"`
	BatchSize  int           `json:"batch_size"`
	// BatchPause yields between batches so maintenance never saturates
	// the stores that live traffic shares.
	BatchPause time.Duration `json:"batch_pause"`
}

// DefaultConfig returns the maintenance defaults.
func DefaultConfig() Config {
	return Config{
		DecayInterval:   time.Hour,
		ReapInterval:    10 * time.Minute,
		RebuildInterval: 6 * time.Hour,
		StaleAfter:      24 * time.Hour,
		BatchSize:       200,
		BatchPause:      50 * time.Millisecond,
	}
}

// Maintainer runs the background passes: importance decay
// materialization, expired session reaping, and entanglement rebuilds.
type Maintainer struct {
	graph    memory.GraphStore
	vector   memory.VectorStore
	scorer   *entangle.Scorer
	sessions session.Store
	cfg      Config
	log      *zap.Logger
}

// NewMaintainer wires the maintenance workers.
func NewMaintainer(
	graph memory.GraphStore,
	vector memory.VectorStore,
	scorer *entangle.Scorer,
	sessions session.Store,
	cfg Config,
	log *zap.Logger,
) *Maintainer {
	def := DefaultConfig()
	if cfg.DecayInterval <= 0 {
		cfg.DecayInterval = def.DecayInterval
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = def.ReapInterval
	}
	if cfg.RebuildInterval <= 0 {
		cfg.RebuildInterval = def.RebuildInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	return &Maintainer{
		graph:    graph,
		vector:   vector,
		scorer:   scorer,
		sessions: sessions,
		cfg:      cfg,
		log:      log.Named("workers"),
	}
}

// Run starts the loops and blocks until the context is canceled.
func (w *Maintainer) Run(ctx context.Context) {
	var wg sync.WaitGroup
	loops := []struct {
		name     string
		interval time.Duration
		pass     func(context.Context) error
	}{
		{"decay", w.cfg.DecayInterval, w.DecayPass},
		{"reap", w.cfg.ReapInterval, w.ReapPass},
		{"rebuild", w.cfg.RebuildInterval, w.RebuildPass},
	}
	for _, loop := range loops {
		wg.Add(1)
		go func(name string, interval time.Duration, pass func(context.Context) error) {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := pass(ctx); err != nil && ctx.Err() == nil {
						w.log.Warn("maintenance pass failed", zap.String("pass", name), zap.Error(err))
					}
				}
			}
		}(loop.name, loop.interval, loop.pass)
	}
	wg.Wait()
}

// DecayPass materializes importance for stale memories, one bounded
// batch per library per pass. The score is recomputed in full from the
// memory's neighborhood and last-accessed timestamp, never derived from
// the previously stored value, so running the pass twice at the same
// instant writes the same number twice.
func (w *Maintainer) DecayPass(ctx context.Context) error {
	libraries, err := w.graph.Libraries(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	cutoff := now.Add(-w.cfg.StaleAfter)
	for _, lib := range libraries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		stale, err := w.graph.StaleMemories(ctx, lib, cutoff, w.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, m := range stale {
			neighborhood, err := w.graph.Neighborhood(ctx, lib, m.ID, 0)
			if err != nil {
				w.log.Warn("decay neighborhood lookup failed",
					zap.String("library", lib),
					zap.String("memory_id", m.ID),
					zap.Error(err))
				continue
			}
			rescored := w.scorer.Score(m, neighborhood, now)
			if err := w.graph.SetImportance(ctx, lib, m.ID, rescored); err != nil {
				w.log.Warn("decay write failed",
					zap.String("library", lib),
					zap.String("memory_id", m.ID),
					zap.Error(err))
			}
		}
		if len(stale) > 0 {
			w.log.Debug("decay batch done", zap.String("library", lib), zap.Int("count", len(stale)))
		}
		w.pause(ctx)
	}
	return nil
}

// ReapPass deletes terminal sessions past their retention window.
func (w *Maintainer) ReapPass(ctx context.Context) error {
	ids, err := w.sessions.Expired(ctx, time.Now())
	if err != nil {
		return err
	}
	for _, id := range ids {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.sessions.Delete(ctx, id); err != nil {
			w.log.Warn("session reap failed", zap.String("session_id", id), zap.Error(err))
		}
	}
	if len(ids) > 0 {
		w.log.Info("sessions reaped", zap.Int("count", len(ids)))
	}
	return nil
}

// RebuildPass recomputes entanglement edges from current embeddings,
// one bounded batch of the least recently accessed memories per
// library. Edge replacement is a single-store graph write, so it goes
// straight to the store rather than through a cross-store transaction.
func (w *Maintainer) RebuildPass(ctx context.Context) error {
	libraries, err := w.graph.Libraries(ctx)
	if err != nil {
		return err
	}
	for _, lib := range libraries {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		mems, err := w.graph.StaleMemories(ctx, lib, time.Now(), w.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, m := range mems {
			hits, err := w.vector.Nearest(ctx, lib, m.Embedding, 2*w.scorer.MaxLinks())
			if err != nil {
				w.log.Warn("rebuild candidate search failed", zap.String("library", lib), zap.Error(err))
				break
			}
			var candidates []*memory.Memory
			for _, hit := range hits {
				if hit.ID == m.ID {
					continue
				}
				nb, err := w.graph.GetMemory(ctx, lib, hit.ID)
				if err != nil {
					continue
				}
				candidates = append(candidates, nb)
			}
			links := w.scorer.Links(m, candidates)
			if err := w.graph.ReplaceEdges(ctx, lib, m.ID, links); err != nil {
				w.log.Warn("edge rebuild failed",
					zap.String("library", lib),
					zap.String("memory_id", m.ID),
					zap.Error(err))
			}
		}
		w.pause(ctx)
	}
	return nil
}

func (w *Maintainer) pause(ctx context.Context) {
	if w.cfg.BatchPause <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(w.cfg.BatchPause):
	}
}

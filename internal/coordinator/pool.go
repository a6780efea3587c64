package coordinator

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/nidhogg/vault-mind/internal/memory"
	"github.com/nidhogg/vault-mind/internal/session"
)

// Pool hands out one coordinator per library, creating them lazily on
// first access. Coordinators share the backing stores; the pool only
// guarantees that each library gets exactly one instance.
type Pool struct {
	deps      Deps
	dimension int

	mu     sync.RWMutex
	coords map[string]*Coordinator
}

// NewPool creates an empty pool over the shared dependencies.
func NewPool(deps Deps, dimension int) *Pool {
	return &Pool{
		deps:      deps,
		dimension: dimension,
		coords:    make(map[string]*Coordinator),
	}
}

// Get returns the coordinator for a library, creating it and its
// backing collections on first access.
func (p *Pool) Get(ctx context.Context, library string) (*Coordinator, error) {
	if err := memory.ValidateLibraryName(library); err != nil {
		return nil, err
	}

	p.mu.RLock()
	c, ok := p.coords[library]
	p.mu.RUnlock()
	if ok {
		return c, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.coords[library]; ok {
		return c, nil
	}

	if err := p.deps.Graph.EnsureLibrary(ctx, memory.Library{Name: library, Dimension: p.dimension}); err != nil {
		return nil, err
	}
	if err := p.deps.Vector.EnsureLibrary(ctx, library, p.dimension); err != nil {
		return nil, err
	}

	c = newCoordinator(library, p.deps)
	p.coords[library] = c
	p.deps.Log.Info("coordinator created", zap.String("library", library))
	return c, nil
}

// Lookup returns an existing coordinator without creating one.
func (p *Pool) Lookup(library string) (*Coordinator, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	c, ok := p.coords[library]
	return c, ok
}

// SessionStatus looks up a memorize session by id. Sessions are stored
// globally, so no coordinator needs to exist for the lookup.
func (p *Pool) SessionStatus(ctx context.Context, id string) (*session.Session, error) {
	return p.deps.Sessions.Get(ctx, id)
}

// ListLibraries returns every library known to the graph store, not
// just those with live coordinators.
func (p *Pool) ListLibraries(ctx context.Context) ([]string, error) {
	return p.deps.Graph.Libraries(ctx)
}

// CloseAll shuts down every coordinator and waits for their in-flight
// ingestion to stop.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	coords := p.coords
	p.coords = make(map[string]*Coordinator)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range coords {
		wg.Add(1)
		go func(c *Coordinator) {
			defer wg.Done()
			c.Close()
		}(c)
	}
	wg.Wait()
}

package vectorstore

import (
	"context"
	"fmt"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/nidhogg/vault-mind/internal/memory"
)

// Chromem implements memory.VectorStore over chromem-go, a pure-Go
// embedded vector database. It backs single-binary deployments and
// tests, where running a Qdrant instance would be overkill.
type Chromem struct {
	db          *chromem.DB
	mu          sync.RWMutex
	collections map[string]*chromem.Collection
}

// NewChromem creates an in-process vector store.
func NewChromem() *Chromem {
	return &Chromem{
		db:          chromem.NewDB(),
		collections: make(map[string]*chromem.Collection),
	}
}

// EnsureLibrary creates the library's collection if missing.
func (c *Chromem) EnsureLibrary(ctx context.Context, library string, dimension int) error {
	_, err := c.collection(library)
	return err
}

func (c *Chromem) collection(library string) (*chromem.Collection, error) {
	c.mu.RLock()
	col, ok := c.collections[library]
	c.mu.RUnlock()
	if ok {
		return col, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// Double-check after acquiring write lock.
	if col, ok := c.collections[library]; ok {
		return col, nil
	}

	col, err := c.db.CreateCollection("lib_"+library, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("create collection %s: %w", library, err)
	}
	c.collections[library] = col
	return col, nil
}

// Insert stores a vector under the given id.
func (c *Chromem) Insert(ctx context.Context, library, id string, vector []float32) error {
	col, err := c.collection(library)
	if err != nil {
		return err
	}
	err = col.AddDocument(ctx, chromem.Document{
		ID:        id,
		Content:   id, // content lives in the graph store, not here
		Embedding: vector,
	})
	if err != nil {
		return fmt.Errorf("add document %s/%s: %w", library, id, err)
	}
	return nil
}

// Delete removes a vector by id.
func (c *Chromem) Delete(ctx context.Context, library, id string) error {
	col, err := c.collection(library)
	if err != nil {
		return err
	}
	return col.Delete(ctx, nil, nil, id)
}

// Nearest returns the top-K most similar vectors by cosine similarity.
// chromem-go rejects nResults larger than the collection, so k is
// clamped to the current document count.
func (c *Chromem) Nearest(ctx context.Context, library string, vector []float32, k int) ([]memory.VectorHit, error) {
	col, err := c.collection(library)
	if err != nil {
		return nil, err
	}
	if count := col.Count(); k > count {
		k = count
	}
	if k == 0 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, vector, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", library, err)
	}
	hits := make([]memory.VectorHit, 0, len(results))
	for _, r := range results {
		hits = append(hits, memory.VectorHit{ID: r.ID, Score: r.Similarity})
	}
	return hits, nil
}

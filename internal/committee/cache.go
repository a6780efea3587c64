package committee

import (
	"context"
	"fmt"

	"github.com/dgraph-io/ristretto"
)

// CachedCommittee memoizes committee scores by content hash. Re-ingested
// files hit the cache instead of re-running every evaluator, which
// matters when novelty checks go through the vector index.
type CachedCommittee struct {
	inner *Committee
	cache *ristretto.Cache
}

// NewCached wraps a committee with a ristretto score cache sized for
// maxEntries recent candidates.
func NewCached(inner *Committee, maxEntries int64) (*CachedCommittee, error) {
	if maxEntries <= 0 {
		maxEntries = 10_000
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxEntries * 10,
		MaxCost:     maxEntries,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("evaluation cache: %w", err)
	}
	return &CachedCommittee{inner: inner, cache: cache}, nil
}

// Evaluate returns the cached score for the candidate's content hash or
// runs the committee and caches the result. Failed evaluations are not
// cached, so a transient outage does not pin a bad verdict.
func (c *CachedCommittee) Evaluate(ctx context.Context, cand *Candidate) (float64, error) {
	key := cacheKey(cand)
	if v, ok := c.cache.Get(key); ok {
		return v.(float64), nil
	}
	score, err := c.inner.Evaluate(ctx, cand)
	if err != nil {
		return 0, err
	}
	c.cache.Set(key, score, 1)
	return score, nil
}

// Close releases the cache's background goroutines.
func (c *CachedCommittee) Close() {
	c.cache.Close()
}

func cacheKey(cand *Candidate) string {
	return fmt.Sprintf("%s:%016x", cand.Library, cand.Hash)
}

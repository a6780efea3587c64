package entangle

import (
	"math"
	"sort"
	"time"

	"github.com/nidhogg/vault-mind/internal/memory"
)

// Weights controls the importance blend. The three components are each
// in [0, 1], so any weights summing to 1 keep the score in range.
type Weights struct {
	Centrality float64 `json:"centrality"`
	Recency    float64 `json:"recency"`
	Usage      float64 `json:"usage"`
}

// Config tunes the entanglement model.
type Config struct {
	Weights       Weights       `json:"weights"`
	HalfLife      time.Duration `json:"half_life"`
	LinkThreshold float64       `json:"link_threshold"`
	MaxLinks      int           `json:"max_links"`
}

// DefaultConfig returns the tuning used when nothing is configured:
// half the weight on how central a memory sits in its neighborhood,
// the rest split between freshness and observed usage, with a week-long
// decay half-life.
func DefaultConfig() Config {
	return Config{
		Weights:       Weights{Centrality: 0.5, Recency: 0.3, Usage: 0.2},
		HalfLife:      168 * time.Hour,
		LinkThreshold: 0.65,
		MaxLinks:      8,
	}
}

// Scorer computes importance scores and candidate entanglement links.
type Scorer struct {
	cfg Config
}

// NewScorer builds a scorer, filling in zero-valued config fields with
// the defaults.
func NewScorer(cfg Config) *Scorer {
	def := DefaultConfig()
	if cfg.Weights == (Weights{}) {
		cfg.Weights = def.Weights
	}
	if cfg.HalfLife <= 0 {
		cfg.HalfLife = def.HalfLife
	}
	if cfg.LinkThreshold <= 0 {
		cfg.LinkThreshold = def.LinkThreshold
	}
	if cfg.MaxLinks <= 0 {
		cfg.MaxLinks = def.MaxLinks
	}
	return &Scorer{cfg: cfg}
}

// MaxLinks returns the configured cap on entanglement links per memory.
func (s *Scorer) MaxLinks() int { return s.cfg.MaxLinks }

// Score computes the importance of a memory given its committed
// neighborhood. The result is always in [0, 1].
func (s *Scorer) Score(m *memory.Memory, neighborhood []*memory.Memory, now time.Time) float64 {
	w := s.cfg.Weights
	score := w.Centrality*s.centrality(m, neighborhood) +
		w.Recency*s.Recency(m.LastAccessed, now) +
		w.Usage*usage(m.AccessCount)
	return clamp01(score)
}

// centrality is the mean cosine similarity between the memory and its
// neighbors. A memory with no links scores zero here: nothing connects
// to it yet, so its standing rests on recency and usage alone.
func (s *Scorer) centrality(m *memory.Memory, neighborhood []*memory.Memory) float64 {
	if len(neighborhood) == 0 || len(m.Embedding) == 0 {
		return 0
	}
	var sum float64
	var n int
	for _, nb := range neighborhood {
		if len(nb.Embedding) != len(m.Embedding) {
			continue
		}
		sum += math.Max(0, Cosine(m.Embedding, nb.Embedding))
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// Recency is exponential decay with the configured half-life: 1.0 at the
// moment of access, 0.5 one half-life later, approaching zero after that.
func (s *Scorer) Recency(lastAccessed, now time.Time) float64 {
	age := now.Sub(lastAccessed)
	if age <= 0 {
		return 1
	}
	return math.Exp(-math.Ln2 * age.Hours() / s.cfg.HalfLife.Hours())
}

// usage saturates toward 1 as the access count grows; ten accesses put
// a memory most of the way there.
func usage(count int) float64 {
	if count <= 0 {
		return 0
	}
	return 1 - math.Exp(-float64(count)/10)
}

// Decay returns the importance a stored score has decayed to after
// sitting untouched. Used by reads for a lazy view and by the
// maintenance worker to materialize the stored value.
func (s *Scorer) Decay(stored float64, lastAccessed, now time.Time) float64 {
	return clamp01(stored * s.Recency(lastAccessed, now))
}

// Links selects entanglement edges for a new memory: the top-scoring
// candidates by cosine similarity, at or above the link threshold,
// capped at MaxLinks. Ties at the cutoff break toward the lower id so
// the edge set is deterministic.
func (s *Scorer) Links(m *memory.Memory, candidates []*memory.Memory) []memory.Link {
	type scored struct {
		id  string
		sim float64
	}
	var picks []scored
	for _, c := range candidates {
		if c.ID == m.ID || len(c.Embedding) != len(m.Embedding) {
			continue
		}
		sim := Cosine(m.Embedding, c.Embedding)
		if sim >= s.cfg.LinkThreshold {
			picks = append(picks, scored{id: c.ID, sim: sim})
		}
	}
	sort.Slice(picks, func(i, j int) bool {
		if picks[i].sim != picks[j].sim {
			return picks[i].sim > picks[j].sim
		}
		return picks[i].id < picks[j].id
	})
	if len(picks) > s.cfg.MaxLinks {
		picks = picks[:s.cfg.MaxLinks]
	}
	links := make([]memory.Link, 0, len(picks))
	for _, p := range picks {
		links = append(links, memory.Link{MemoryID: p.id, Weight: p.sim})
	}
	return links
}

// Cosine computes cosine similarity between two vectors of equal length.
func Cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

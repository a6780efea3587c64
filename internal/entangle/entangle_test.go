package entangle

import (
	"testing"
	"time"

	"github.com/nidhogg/vault-mind/internal/memory"
)

func vec(vals ...float32) []float32 { return vals }

func TestScoreStaysInRange(t *testing.T) {
	s := NewScorer(Config{})
	now := time.Now()

	cases := []struct {
		name string
		m    *memory.Memory
		nb   []*memory.Memory
	}{
		{"fresh heavily used", &memory.Memory{
			Embedding:    vec(1, 0),
			AccessCount:  1000,
			LastAccessed: now,
		}, []*memory.Memory{{Embedding: vec(1, 0)}}},
		{"stale unused", &memory.Memory{
			Embedding:    vec(1, 0),
			LastAccessed: now.Add(-365 * 24 * time.Hour),
		}, nil},
		{"no embedding", &memory.Memory{LastAccessed: now}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := s.Score(tc.m, tc.nb, now)
			if got < 0 || got > 1 {
				t.Fatalf("score %f out of [0,1]", got)
			}
		})
	}
}

func TestScoreDecaysWithoutReinforcement(t *testing.T) {
	s := NewScorer(Config{})
	now := time.Now()
	m := &memory.Memory{
		Embedding:    vec(1, 0),
		AccessCount:  5,
		LastAccessed: now,
	}

	fresh := s.Score(m, nil, now)
	week := s.Score(m, nil, now.Add(168*time.Hour))
	month := s.Score(m, nil, now.Add(4*168*time.Hour))

	if !(fresh > week && week > month) {
		t.Fatalf("importance should be non-increasing: %f, %f, %f", fresh, week, month)
	}
}

func TestScoreRewardsAccessCount(t *testing.T) {
	s := NewScorer(Config{})
	now := time.Now()
	unused := &memory.Memory{Embedding: vec(1, 0), LastAccessed: now}
	used := &memory.Memory{Embedding: vec(1, 0), AccessCount: 20, LastAccessed: now}

	if su, s0 := s.Score(used, nil, now), s.Score(unused, nil, now); su <= s0 {
		t.Fatalf("usage should raise the score: used %f, unused %f", su, s0)
	}
}

func TestRecencyHalfLife(t *testing.T) {
	s := NewScorer(Config{HalfLife: 100 * time.Hour})
	now := time.Now()

	got := s.Recency(now.Add(-100*time.Hour), now)
	if got < 0.49 || got > 0.51 {
		t.Fatalf("recency after one half-life = %f, want ~0.5", got)
	}
	if r := s.Recency(now.Add(time.Hour), now); r != 1 {
		t.Fatalf("future last-access should clamp to 1, got %f", r)
	}
}

func TestLinksThresholdAndCap(t *testing.T) {
	s := NewScorer(Config{LinkThreshold: 0.65, MaxLinks: 2})
	m := &memory.Memory{ID: "m0", Embedding: vec(1, 0)}

	candidates := []*memory.Memory{
		{ID: "near", Embedding: vec(0.95, 0.05)},
		{ID: "aligned", Embedding: vec(1, 0)},
		{ID: "close", Embedding: vec(0.9, 0.2)},
		{ID: "orthogonal", Embedding: vec(0, 1)},
		{ID: "m0", Embedding: vec(1, 0)}, // self, ignored
	}

	links := s.Links(m, candidates)
	if len(links) != 2 {
		t.Fatalf("got %d links, want 2 (cap)", len(links))
	}
	if links[0].MemoryID != "aligned" {
		t.Errorf("strongest link should rank first, got %s", links[0].MemoryID)
	}
	for _, l := range links {
		if l.Weight < 0.65 {
			t.Errorf("link %s below threshold: %f", l.MemoryID, l.Weight)
		}
		if l.MemoryID == "m0" {
			t.Error("self-link must not appear")
		}
	}
}

func TestLinksNoCandidates(t *testing.T) {
	s := NewScorer(Config{})
	m := &memory.Memory{ID: "m0", Embedding: vec(1, 0)}
	if links := s.Links(m, nil); len(links) != 0 {
		t.Fatalf("expected no links, got %d", len(links))
	}
}

func TestCosine(t *testing.T) {
	if got := Cosine(vec(1, 0), vec(0, 1)); got != 0 {
		t.Errorf("orthogonal cosine = %f, want 0", got)
	}
	if got := Cosine(vec(1, 2), vec(1, 2)); got < 0.999 {
		t.Errorf("identical cosine = %f, want 1", got)
	}
	if got := Cosine(vec(0, 0), vec(1, 1)); got != 0 {
		t.Errorf("zero vector cosine = %f, want 0", got)
	}
}

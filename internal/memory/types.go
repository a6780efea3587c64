package memory

import (
	"time"
)

// Memory is one stored, embedded unit of ingested content.
// Content larger than the chunk size spans multiple memories,
// distinguished by ChunkIndex under the same Source.
type Memory struct {
	ID           string    `json:"id"`
	Library      string    `json:"library"`
	Content      string    `json:"content"`
	ContentHash  uint64    `json:"content_hash"`
	Source       string    `json:"source"`
	ChunkIndex   int       `json:"chunk_index"`
	Embedding    []float32 `json:"embedding,omitempty"`
	Importance   float64   `json:"importance"`
	AccessCount  int       `json:"access_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	Links        []Link    `json:"links,omitempty"`
}

// Link is one entanglement edge: a weighted correlation to another
// memory in the same library. Edges reference ids by value, never
// in-memory pointers, so the graph carries no ownership cycles.
type Link struct {
	MemoryID string  `json:"memory_id"`
	Weight   float64 `json:"weight"`
}

// Edge is an entanglement edge as written to the graph store.
// The (A, B) pair is stored undirected; A < B by convention so the
// content-derived key is stable regardless of insertion order.
type Edge struct {
	Library string  `json:"library"`
	A       string  `json:"a"`
	B       string  `json:"b"`
	Weight  float64 `json:"weight"`
}

// Library is a named, isolated memory namespace.
type Library struct {
	Name      string    `json:"name"`
	Dimension int       `json:"dimension"`
	CreatedAt time.Time `json:"created_at"`
}

// VectorHit is a single nearest-neighbor result from a vector store.
type VectorHit struct {
	ID    string
	Score float32
}

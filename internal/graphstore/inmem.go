package graphstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nidhogg/vault-mind/internal/memory"
)

// InMem is an embedded, process-local memory.GraphStore. It mirrors the
// Neo4j adapter's staging semantics and backs tests and single-binary
// deployments, where the whole store fits comfortably in memory.
type InMem struct {
	mu        sync.RWMutex
	libraries map[string]memory.Library
	nodes     map[string]*memNode            // key: library + "/" + id
	edges     map[string]*memEdge            // key: op key
	staged    map[string][]stagedOp          // key: tx id
	applied   map[string]bool                // committed op keys
	deletes   map[string]map[string]struct{} // tx id -> node keys
}

type memNode struct {
	m      memory.Memory
	staged bool
	txID   string
}

type memEdge struct {
	e      memory.Edge
	staged bool
	txID   string
}

type stagedOp struct {
	kind  string // "mem" or "edge"
	key   string // node key or edge op key
	opKey string
}

// NewInMem creates an empty embedded graph store.
func NewInMem() *InMem {
	return &InMem{
		libraries: make(map[string]memory.Library),
		nodes:     make(map[string]*memNode),
		edges:     make(map[string]*memEdge),
		staged:    make(map[string][]stagedOp),
		applied:   make(map[string]bool),
		deletes:   make(map[string]map[string]struct{}),
	}
}

func nodeKey(library, id string) string { return library + "/" + id }

// EnsureLibrary registers a library record.
func (s *InMem) EnsureLibrary(ctx context.Context, lib memory.Library) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.libraries[lib.Name]; !ok {
		lib.CreatedAt = time.Now()
		s.libraries[lib.Name] = lib
	}
	return nil
}

// Libraries returns all known library names, sorted.
func (s *InMem) Libraries(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.libraries))
	for name := range s.libraries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// StageMemory stages an invisible node write.
func (s *InMem) StageMemory(ctx context.Context, txID string, m *memory.Memory) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	opKey := memory.OpKey("mem", m.ContentHash)
	if s.applied[m.Library+"/"+opKey] {
		return false, nil
	}

	cp := *m
	s.nodes[nodeKey(m.Library, m.ID)] = &memNode{m: cp, staged: true, txID: txID}
	s.staged[txID] = append(s.staged[txID], stagedOp{kind: "mem", key: nodeKey(m.Library, m.ID), opKey: m.Library + "/" + opKey})
	return true, nil
}

// StageEdge stages an invisible edge write.
func (s *InMem) StageEdge(ctx context.Context, txID string, e *memory.Edge) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	opKey := memory.OpKey("edge", memory.EdgeHash(e.Library, e.A, e.B))
	if s.applied[opKey] {
		return false, nil
	}

	cp := *e
	s.edges[opKey] = &memEdge{e: cp, staged: true, txID: txID}
	s.staged[txID] = append(s.staged[txID], stagedOp{kind: "edge", key: opKey, opKey: opKey})
	return true, nil
}

// StageDeleteMemory marks a committed node for deletion at commit time.
func (s *InMem) StageDeleteMemory(ctx context.Context, txID, library, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := nodeKey(library, id)
	node, ok := s.nodes[key]
	if !ok || node.staged {
		return false, nil
	}
	if s.deletes[txID] == nil {
		s.deletes[txID] = make(map[string]struct{})
	}
	s.deletes[txID][key] = struct{}{}
	return true, nil
}

// CommitTx flips all staged writes of a transaction to visible.
func (s *InMem) CommitTx(ctx context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range s.staged[txID] {
		switch op.kind {
		case "mem":
			if n, ok := s.nodes[op.key]; ok && n.txID == txID {
				n.staged = false
				n.txID = ""
			}
		case "edge":
			if e, ok := s.edges[op.key]; ok && e.txID == txID {
				e.staged = false
				e.txID = ""
			}
		}
		s.applied[op.opKey] = true
	}
	delete(s.staged, txID)

	for key := range s.deletes[txID] {
		s.removeNodeLocked(key)
	}
	delete(s.deletes, txID)
	return nil
}

// RollbackTx discards all staged writes of a transaction.
func (s *InMem) RollbackTx(ctx context.Context, txID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, op := range s.staged[txID] {
		switch op.kind {
		case "mem":
			if n, ok := s.nodes[op.key]; ok && n.staged && n.txID == txID {
				delete(s.nodes, op.key)
			}
		case "edge":
			if e, ok := s.edges[op.key]; ok && e.staged && e.txID == txID {
				delete(s.edges, op.key)
			}
		}
	}
	delete(s.staged, txID)
	delete(s.deletes, txID)
	return nil
}

// StagedTxIDs returns every transaction with staged records left.
func (s *InMem) StagedTxIDs(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for txID := range s.staged {
		seen[txID] = struct{}{}
	}
	for txID := range s.deletes {
		seen[txID] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for txID := range seen {
		ids = append(ids, txID)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *InMem) removeNodeLocked(key string) {
	node, ok := s.nodes[key]
	if !ok {
		return
	}
	for ek, e := range s.edges {
		if e.e.Library == node.m.Library && (e.e.A == node.m.ID || e.e.B == node.m.ID) {
			delete(s.edges, ek)
		}
	}
	delete(s.nodes, key)
}

// GetMemory returns a committed memory with its links.
func (s *InMem) GetMemory(ctx context.Context, library, id string) (*memory.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[nodeKey(library, id)]
	if !ok || node.staged {
		return nil, fmt.Errorf("memory %s/%s not found", library, id)
	}
	m := node.m
	m.Links = s.linksLocked(library, id)
	return &m, nil
}

func (s *InMem) linksLocked(library, id string) []memory.Link {
	var links []memory.Link
	for _, e := range s.edges {
		if e.staged || e.e.Library != library {
			continue
		}
		switch id {
		case e.e.A:
			links = append(links, memory.Link{MemoryID: e.e.B, Weight: e.e.Weight})
		case e.e.B:
			links = append(links, memory.Link{MemoryID: e.e.A, Weight: e.e.Weight})
		}
	}
	return links
}

// ListMemories returns committed memories, newest first.
func (s *InMem) ListMemories(ctx context.Context, library string, limit int) ([]*memory.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*memory.Memory
	for _, node := range s.nodes {
		if node.staged || node.m.Library != library {
			continue
		}
		m := node.m
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecentMemories returns committed memories by last access, most
// recent first.
func (s *InMem) RecentMemories(ctx context.Context, library string, limit int) ([]*memory.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*memory.Memory
	for _, node := range s.nodes {
		if node.staged || node.m.Library != library {
			continue
		}
		m := node.m
		out = append(out, &m)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].LastAccessed.Equal(out[j].LastAccessed) {
			return out[i].LastAccessed.After(out[j].LastAccessed)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Neighborhood returns committed memories linked above minWeight.
func (s *InMem) Neighborhood(ctx context.Context, library, id string, minWeight float64) ([]*memory.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*memory.Memory
	for _, link := range s.linksLocked(library, id) {
		if link.Weight < minWeight {
			continue
		}
		if node, ok := s.nodes[nodeKey(library, link.MemoryID)]; ok && !node.staged {
			m := node.m
			out = append(out, &m)
		}
	}
	return out, nil
}

// Touch bumps last_accessed and access_count for the given ids.
func (s *InMem) Touch(ctx context.Context, library string, ids []string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if node, ok := s.nodes[nodeKey(library, id)]; ok && !node.staged {
			node.m.LastAccessed = at
			node.m.AccessCount++
		}
	}
	return nil
}

// SetImportance persists a materialized importance score.
func (s *InMem) SetImportance(ctx context.Context, library, id string, importance float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if node, ok := s.nodes[nodeKey(library, id)]; ok && !node.staged {
		node.m.Importance = importance
	}
	return nil
}

// StaleMemories returns committed memories not touched since the cutoff.
func (s *InMem) StaleMemories(ctx context.Context, library string, notTouchedSince time.Time, limit int) ([]*memory.Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*memory.Memory
	for _, node := range s.nodes {
		if node.staged || node.m.Library != library {
			continue
		}
		if node.m.LastAccessed.Before(notTouchedSince) {
			m := node.m
			out = append(out, &m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastAccessed.Before(out[j].LastAccessed) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ReplaceEdges rewrites the committed edges of one memory.
func (s *InMem) ReplaceEdges(ctx context.Context, library, id string, links []memory.Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ek, e := range s.edges {
		if e.staged || e.e.Library != library {
			continue
		}
		if e.e.A == id || e.e.B == id {
			delete(s.edges, ek)
		}
	}
	for _, link := range links {
		a, b := id, link.MemoryID
		if b < a {
			a, b = b, a
		}
		opKey := memory.OpKey("edge", memory.EdgeHash(library, a, b))
		s.edges[opKey] = &memEdge{e: memory.Edge{Library: library, A: a, B: b, Weight: link.Weight}}
	}
	return nil
}

// Ping always succeeds for the embedded store.
func (s *InMem) Ping(ctx context.Context) error { return nil }

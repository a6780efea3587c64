package graphstore

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/nidhogg/vault-mind/internal/memory"
)

// Neo4jConfig holds connection settings for a Neo4j instance.
type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

// Neo4j implements memory.GraphStore. Memory records are :Memory nodes,
// entanglement edges are :ENTANGLED relationships, libraries are :Library
// nodes. Staged writes carry staged=true plus a tx_id and are filtered out
// of every read; CommitTx flips the flag, RollbackTx deletes them.
type Neo4j struct {
	driver neo4j.DriverWithContext
	logger *zap.Logger
}

// NewNeo4j creates a Neo4j-backed graph store.
func NewNeo4j(cfg Neo4jConfig, logger *zap.Logger) (*Neo4j, error) {
	driver, err := neo4j.NewDriverWithContext(cfg.URI, neo4j.BasicAuth(cfg.User, cfg.Password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	return &Neo4j{driver: driver, logger: logger}, nil
}

// Close shuts down the Neo4j driver.
func (s *Neo4j) Close(ctx context.Context) error {
	return s.driver.Close(ctx)
}

// Ping verifies the Neo4j connection.
func (s *Neo4j) Ping(ctx context.Context) error {
	if err := s.driver.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("%w: %v", memory.ErrStoreUnavailable, err)
	}
	return nil
}

// EnsureLibrary creates the library node if it does not exist.
func (s *Neo4j) EnsureLibrary(ctx context.Context, lib memory.Library) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MERGE (l:Library {name: $name})
		 ON CREATE SET l.dimension = $dim, l.created_at = $now`,
		map[string]interface{}{
			"name": lib.Name,
			"dim":  lib.Dimension,
			"now":  time.Now().UnixMilli(),
		})
	if err != nil {
		return fmt.Errorf("%w: ensure library %s: %v", memory.ErrStoreUnavailable, lib.Name, err)
	}
	return nil
}

// Libraries returns all library names known to persistent storage.
func (s *Neo4j) Libraries(ctx context.Context) ([]string, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (l:Library) RETURN l.name AS name ORDER BY name`, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: list libraries: %v", memory.ErrStoreUnavailable, err)
	}
	var names []string
	for result.Next(ctx) {
		if v, ok := result.Record().Get("name"); ok && v != nil {
			names = append(names, v.(string))
		}
	}
	return names, nil
}

// StageMemory writes an invisible staged node. Returns false when a
// committed node with the same op_key already exists (replay detection).
func (s *Neo4j) StageMemory(ctx context.Context, txID string, m *memory.Memory) (bool, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	opKey := memory.OpKey("mem", m.ContentHash)

	applied, err := s.opKeyApplied(ctx, session, m.Library, opKey)
	if err != nil {
		return false, err
	}
	if applied {
		return false, nil
	}

	_, err = session.Run(ctx,
		`MERGE (m:Memory {library: $library, op_key: $opKey})
		 SET m.id = $id, m.content = $content, m.content_hash = $hash,
		     m.source = $source, m.chunk_index = $chunk,
		     m.embedding = $embedding, m.importance = $importance,
		     m.access_count = $accessCount,
		     m.created_at = $createdAt, m.last_accessed = $lastAccessed,
		     m.staged = true, m.tx_id = $txID`,
		map[string]interface{}{
			"library":      m.Library,
			"opKey":        opKey,
			"id":           m.ID,
			"content":      m.Content,
			"hash":         int64(m.ContentHash),
			"source":       m.Source,
			"chunk":        m.ChunkIndex,
			"embedding":    toFloat64s(m.Embedding),
			"importance":   m.Importance,
			"accessCount":  m.AccessCount,
			"createdAt":    m.CreatedAt.UnixMilli(),
			"lastAccessed": m.LastAccessed.UnixMilli(),
			"txID":         txID,
		})
	if err != nil {
		return false, fmt.Errorf("%w: stage memory %s: %v", memory.ErrStoreUnavailable, m.ID, err)
	}
	return true, nil
}

// StageEdge writes an invisible staged entanglement edge between two
// committed memory nodes.
func (s *Neo4j) StageEdge(ctx context.Context, txID string, e *memory.Edge) (bool, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	opKey := memory.OpKey("edge", memory.EdgeHash(e.Library, e.A, e.B))

	result, err := session.Run(ctx,
		`MATCH ()-[r:ENTANGLED {op_key: $opKey}]-()
		 WHERE coalesce(r.staged, false) = false
		 RETURN count(r) AS n`,
		map[string]interface{}{"opKey": opKey})
	if err != nil {
		return false, fmt.Errorf("%w: check edge op: %v", memory.ErrStoreUnavailable, err)
	}
	if result.Next(ctx) {
		if v, ok := result.Record().Get("n"); ok && v.(int64) > 0 {
			return false, nil
		}
	}

	_, err = session.Run(ctx,
		`MATCH (a:Memory {library: $library, id: $a}), (b:Memory {library: $library, id: $b})
		 MERGE (a)-[r:ENTANGLED {op_key: $opKey}]->(b)
		 SET r.weight = $weight, r.staged = true, r.tx_id = $txID`,
		map[string]interface{}{
			"library": e.Library,
			"a":       e.A,
			"b":       e.B,
			"opKey":   opKey,
			"weight":  e.Weight,
			"txID":    txID,
		})
	if err != nil {
		return false, fmt.Errorf("%w: stage edge %s-%s: %v", memory.ErrStoreUnavailable, e.A, e.B, err)
	}
	return true, nil
}

// StageDeleteMemory marks a committed node for deletion; the node stays
// visible until CommitTx removes it.
func (s *Neo4j) StageDeleteMemory(ctx context.Context, txID, library, id string) (bool, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (m:Memory {library: $library, id: $id})
		 WHERE coalesce(m.staged, false) = false
		 SET m.pending_delete = $txID
		 RETURN count(m) AS n`,
		map[string]interface{}{"library": library, "id": id, "txID": txID})
	if err != nil {
		return false, fmt.Errorf("%w: stage delete %s: %v", memory.ErrStoreUnavailable, id, err)
	}
	if result.Next(ctx) {
		if v, ok := result.Record().Get("n"); ok {
			return v.(int64) > 0, nil
		}
	}
	return false, nil
}

// CommitTx makes all staged writes of a transaction visible and applies
// pending deletes.
func (s *Neo4j) CommitTx(ctx context.Context, txID string) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MATCH (m:Memory {tx_id: $txID}) WHERE m.staged
		 SET m.staged = false REMOVE m.tx_id`,
		map[string]interface{}{"txID": txID})
	if err != nil {
		return fmt.Errorf("%w: commit nodes tx %s: %v", memory.ErrStoreUnavailable, txID, err)
	}
	_, err = session.Run(ctx,
		`MATCH ()-[r:ENTANGLED {tx_id: $txID}]-() WHERE r.staged
		 SET r.staged = false REMOVE r.tx_id`,
		map[string]interface{}{"txID": txID})
	if err != nil {
		return fmt.Errorf("%w: commit edges tx %s: %v", memory.ErrStoreUnavailable, txID, err)
	}
	_, err = session.Run(ctx,
		`MATCH (m:Memory {pending_delete: $txID}) DETACH DELETE m`,
		map[string]interface{}{"txID": txID})
	if err != nil {
		return fmt.Errorf("%w: apply deletes tx %s: %v", memory.ErrStoreUnavailable, txID, err)
	}
	return nil
}

// RollbackTx discards all staged writes of a transaction.
func (s *Neo4j) RollbackTx(ctx context.Context, txID string) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MATCH ()-[r:ENTANGLED {tx_id: $txID}]-() WHERE r.staged DELETE r`,
		map[string]interface{}{"txID": txID})
	if err != nil {
		return fmt.Errorf("%w: rollback edges tx %s: %v", memory.ErrStoreUnavailable, txID, err)
	}
	_, err = session.Run(ctx,
		`MATCH (m:Memory {tx_id: $txID}) WHERE m.staged DETACH DELETE m`,
		map[string]interface{}{"txID": txID})
	if err != nil {
		return fmt.Errorf("%w: rollback nodes tx %s: %v", memory.ErrStoreUnavailable, txID, err)
	}
	_, err = session.Run(ctx,
		`MATCH (m:Memory {pending_delete: $txID}) REMOVE m.pending_delete`,
		map[string]interface{}{"txID": txID})
	if err != nil {
		return fmt.Errorf("%w: clear pending deletes tx %s: %v", memory.ErrStoreUnavailable, txID, err)
	}
	return nil
}

// StagedTxIDs returns the transactions that still hold staged nodes,
// staged edges, or pending delete marks.
func (s *Neo4j) StagedTxIDs(ctx context.Context) ([]string, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (m:Memory) WHERE m.staged AND m.tx_id IS NOT NULL
		 RETURN DISTINCT m.tx_id AS txID
		 UNION
		 MATCH ()-[r:ENTANGLED]-() WHERE r.staged AND r.tx_id IS NOT NULL
		 RETURN DISTINCT r.tx_id AS txID
		 UNION
		 MATCH (m:Memory) WHERE m.pending_delete IS NOT NULL
		 RETURN DISTINCT m.pending_delete AS txID`, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: staged tx ids: %v", memory.ErrStoreUnavailable, err)
	}
	var ids []string
	for result.Next(ctx) {
		if v, ok := result.Record().Get("txID"); ok && v != nil {
			ids = append(ids, v.(string))
		}
	}
	return ids, nil
}

// GetMemory returns a committed memory with its entanglement links.
func (s *Neo4j) GetMemory(ctx context.Context, library, id string) (*memory.Memory, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		committedMemoryQuery+`
		   AND m.library = $library AND m.id = $id
		 OPTIONAL MATCH (m)-[r:ENTANGLED]-(n:Memory)
		 WHERE coalesce(r.staged, false) = false
		 RETURN m, collect({id: n.id, weight: r.weight}) AS links`,
		map[string]interface{}{"library": library, "id": id})
	if err != nil {
		return nil, fmt.Errorf("%w: get memory %s: %v", memory.ErrStoreUnavailable, id, err)
	}
	if !result.Next(ctx) {
		return nil, fmt.Errorf("memory %s/%s not found", library, id)
	}
	rec := result.Record()
	nodeVal, _ := rec.Get("m")
	m := nodeToMemory(nodeVal.(neo4j.Node))
	if linksVal, ok := rec.Get("links"); ok && linksVal != nil {
		for _, lv := range linksVal.([]interface{}) {
			lm := lv.(map[string]interface{})
			if lm["id"] == nil {
				continue
			}
			m.Links = append(m.Links, memory.Link{
				MemoryID: lm["id"].(string),
				Weight:   lm["weight"].(float64),
			})
		}
	}
	return m, nil
}

// ListMemories returns committed memories for a library, newest first.
func (s *Neo4j) ListMemories(ctx context.Context, library string, limit int) ([]*memory.Memory, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		committedMemoryQuery+`
		   AND m.library = $library
		 RETURN m ORDER BY m.created_at DESC LIMIT $limit`,
		map[string]interface{}{"library": library, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("%w: list memories %s: %v", memory.ErrStoreUnavailable, library, err)
	}
	return collectMemories(ctx, result), nil
}

// RecentMemories returns committed memories ordered by last access,
// most recent first.
func (s *Neo4j) RecentMemories(ctx context.Context, library string, limit int) ([]*memory.Memory, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		committedMemoryQuery+`
		   AND m.library = $library
		 RETURN m ORDER BY m.last_accessed DESC, m.id ASC LIMIT $limit`,
		map[string]interface{}{"library": library, "limit": limit})
	if err != nil {
		return nil, fmt.Errorf("%w: recent memories %s: %v", memory.ErrStoreUnavailable, library, err)
	}
	return collectMemories(ctx, result), nil
}

// Neighborhood returns the committed memories linked to id with edge
// weight at or above minWeight.
func (s *Neo4j) Neighborhood(ctx context.Context, library, id string, minWeight float64) ([]*memory.Memory, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		`MATCH (c:Memory {library: $library, id: $id})-[r:ENTANGLED]-(m:Memory)
		 WHERE coalesce(r.staged, false) = false
		   AND coalesce(m.staged, false) = false
		   AND r.weight >= $minWeight
		 RETURN m`,
		map[string]interface{}{"library": library, "id": id, "minWeight": minWeight})
	if err != nil {
		return nil, fmt.Errorf("%w: neighborhood %s: %v", memory.ErrStoreUnavailable, id, err)
	}
	return collectMemories(ctx, result), nil
}

// Touch bumps last_accessed and the usage counter for the given ids.
func (s *Neo4j) Touch(ctx context.Context, library string, ids []string, at time.Time) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MATCH (m:Memory {library: $library})
		 WHERE m.id IN $ids
		 SET m.last_accessed = $at, m.access_count = m.access_count + 1`,
		map[string]interface{}{"library": library, "ids": ids, "at": at.UnixMilli()})
	if err != nil {
		return fmt.Errorf("%w: touch: %v", memory.ErrStoreUnavailable, err)
	}
	return nil
}

// SetImportance persists a materialized importance score.
func (s *Neo4j) SetImportance(ctx context.Context, library, id string, importance float64) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MATCH (m:Memory {library: $library, id: $id})
		 SET m.importance = $importance`,
		map[string]interface{}{"library": library, "id": id, "importance": importance})
	if err != nil {
		return fmt.Errorf("%w: set importance %s: %v", memory.ErrStoreUnavailable, id, err)
	}
	return nil
}

// StaleMemories returns committed memories not touched since the cutoff,
// oldest first, bounded to limit.
func (s *Neo4j) StaleMemories(ctx context.Context, library string, notTouchedSince time.Time, limit int) ([]*memory.Memory, error) {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.Run(ctx,
		committedMemoryQuery+`
		   AND m.library = $library AND m.last_accessed < $cutoff
		 RETURN m ORDER BY m.last_accessed ASC LIMIT $limit`,
		map[string]interface{}{
			"library": library,
			"cutoff":  notTouchedSince.UnixMilli(),
			"limit":   limit,
		})
	if err != nil {
		return nil, fmt.Errorf("%w: stale memories %s: %v", memory.ErrStoreUnavailable, library, err)
	}
	return collectMemories(ctx, result), nil
}

// ReplaceEdges rewrites the committed entanglement edges of one memory.
// Used by the entanglement rebuilder; edges live only in the graph store,
// so this single-store write does not need the two-phase protocol.
func (s *Neo4j) ReplaceEdges(ctx context.Context, library, id string, links []memory.Link) error {
	session := s.driver.NewSession(ctx, neo4j.SessionConfig{})
	defer session.Close(ctx)

	_, err := session.Run(ctx,
		`MATCH (m:Memory {library: $library, id: $id})-[r:ENTANGLED]-()
		 WHERE coalesce(r.staged, false) = false
		 DELETE r`,
		map[string]interface{}{"library": library, "id": id})
	if err != nil {
		return fmt.Errorf("%w: clear edges %s: %v", memory.ErrStoreUnavailable, id, err)
	}

	for _, link := range links {
		a, b := id, link.MemoryID
		opKey := memory.OpKey("edge", memory.EdgeHash(library, a, b))
		_, err := session.Run(ctx,
			`MATCH (a:Memory {library: $library, id: $a}), (b:Memory {library: $library, id: $b})
			 MERGE (a)-[r:ENTANGLED {op_key: $opKey}]->(b)
			 SET r.weight = $weight, r.staged = false`,
			map[string]interface{}{
				"library": library, "a": a, "b": b,
				"opKey": opKey, "weight": link.Weight,
			})
		if err != nil {
			return fmt.Errorf("%w: rebuild edge %s-%s: %v", memory.ErrStoreUnavailable, a, b, err)
		}
	}
	return nil
}

const committedMemoryQuery = `MATCH (m:Memory)
		 WHERE coalesce(m.staged, false) = false`

func (s *Neo4j) opKeyApplied(ctx context.Context, session neo4j.SessionWithContext, library, opKey string) (bool, error) {
	result, err := session.Run(ctx,
		`MATCH (m:Memory {library: $library, op_key: $opKey})
		 WHERE coalesce(m.staged, false) = false
		 RETURN count(m) AS n`,
		map[string]interface{}{"library": library, "opKey": opKey})
	if err != nil {
		return false, fmt.Errorf("%w: check op key: %v", memory.ErrStoreUnavailable, err)
	}
	if result.Next(ctx) {
		if v, ok := result.Record().Get("n"); ok {
			return v.(int64) > 0, nil
		}
	}
	return false, nil
}

func collectMemories(ctx context.Context, result neo4j.ResultWithContext) []*memory.Memory {
	var out []*memory.Memory
	for result.Next(ctx) {
		if v, ok := result.Record().Get("m"); ok && v != nil {
			out = append(out, nodeToMemory(v.(neo4j.Node)))
		}
	}
	return out
}

func nodeToMemory(node neo4j.Node) *memory.Memory {
	m := &memory.Memory{}
	props := node.Props
	if v, ok := props["id"].(string); ok {
		m.ID = v
	}
	if v, ok := props["library"].(string); ok {
		m.Library = v
	}
	if v, ok := props["content"].(string); ok {
		m.Content = v
	}
	if v, ok := props["content_hash"].(int64); ok {
		m.ContentHash = uint64(v)
	}
	if v, ok := props["source"].(string); ok {
		m.Source = v
	}
	if v, ok := props["chunk_index"].(int64); ok {
		m.ChunkIndex = int(v)
	}
	if v, ok := props["importance"].(float64); ok {
		m.Importance = v
	}
	if v, ok := props["access_count"].(int64); ok {
		m.AccessCount = int(v)
	}
	if v, ok := props["created_at"].(int64); ok {
		m.CreatedAt = time.UnixMilli(v)
	}
	if v, ok := props["last_accessed"].(int64); ok {
		m.LastAccessed = time.UnixMilli(v)
	}
	if v, ok := props["embedding"].([]interface{}); ok {
		m.Embedding = make([]float32, len(v))
		for i, f := range v {
			if fv, ok := f.(float64); ok {
				m.Embedding[i] = float32(fv)
			}
		}
	}
	return m
}

func toFloat64s(vec []float32) []float64 {
	out := make([]float64, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out
}

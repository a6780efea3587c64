package memory

import (
	"fmt"
	"hash/fnv"
)

// ContentHash computes the dedup hash for a chunk. The same content in
// the same library at the same chunk position always hashes the same,
// which is what makes replayed write sets idempotent.
func ContentHash(library, content string, chunkIndex int) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s\x00%d\x00", library, chunkIndex)
	h.Write([]byte(content))
	return h.Sum64()
}

// OpKey renders a content-derived operation key for the transaction log.
func OpKey(kind string, hash uint64) string {
	return fmt.Sprintf("%s:%016x", kind, hash)
}

// EdgeHash derives the stable key for an undirected entanglement edge.
func EdgeHash(library, a, b string) uint64 {
	if b < a {
		a, b = b, a
	}
	h := fnv.New64a()
	fmt.Fprintf(h, "%s\x00%s\x00%s", library, a, b)
	return h.Sum64()
}

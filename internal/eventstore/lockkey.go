package eventstore

import "hash/fnv"

// lockKey derives a stable advisory-lock key from an aggregate identifier.
// FNV-64a reduced into the signed 64-bit lock-key space. The key space is
// shared, so unrelated aggregates may collide; a collision only serializes
// two writers that did not need serializing, it cannot corrupt sequencing.
func lockKey(aggregateID string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(aggregateID))
	return int64(h.Sum64())
}

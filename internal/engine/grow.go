package engine

import (
	"github.com/birchkv/birch/internal/addr"
	"github.com/birchkv/birch/internal/hashindex"
)

// GrowIndex doubles the hash table's bucket count. Concurrent Read/Upsert/
// RMW/Delete calls keep working against the old table until the swap;
// GrowIndex recomputes each entry's full hash from its stored address so it
// lands in the bucket the new table's larger mask selects, not merely a
// projection of the old bucket index and filter tag.
func (e *Engine[K, V, In, Out]) GrowIndex() {
	e.index.GrowIndex(func(a addr.Address) uint64 {
		if !e.log.ContainsInMemory(a) {
			return 0
		}
		rec := e.recordAt(a)
		return e.keyHasher.Hash(rec.Key)
	})
}

// ContainsKeyInMemory reports whether key currently resolves to a resident
// (in-memory) record, without triggering a pending disk read for keys that
// have been evicted to the on-disk region.
func (e *Engine[K, V, In, Out]) ContainsKeyInMemory(key K) bool {
	slot := e.epoch.Acquire()
	e.epoch.Refresh(slot)
	defer e.epoch.Release(slot)

	hash := e.keyHasher.Hash(key)
	var found bool
	e.index.WithEntry(hash, func(entry hashindex.Entry, ok bool, _ func(hashindex.Entry) bool) {
		if !ok {
			return
		}
		res := e.walkChain(entry.Address(), key)
		found = res.status == internalSuccess
	})
	return found
}

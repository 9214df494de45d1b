// Package readcache implements the engine's optional read cache: a small,
// purely in-memory, second-chance-evicted map from key hash to value,
// sitting in front of the main hybrid log rather than chain-linked into
// its hash index. A hit short-circuits a Read before it ever walks the
// hash chain; a miss falls through to the ordinary lookup path, which
// populates the cache on its way back out. The engine CAS-updates the
// main log and explicitly Remove()s a hash's cache entry on every write,
// so staleness is bounded by "one write" rather than by the cache's own
// eviction policy.
//
// The eviction ring is grounded directly on the corpus's MapHeap: a
// container/heap ordered by recency, paired with a map for O(1) key
// lookup, the same shape the corpus uses for its TTL expiry/delete
// scheduling.
package readcache

import (
	"container/heap"
	"sync"
)

// entry is one cached record. chances counts remaining second-chance
// survivals: a record hit again before eviction gets moved to the tail of
// the ring instead of being evicted, once per record.
type entry struct {
	hash    uint64
	value   any
	chances int
	index   int // insertion/requeue sequence number the ring is ordered by
}

type ring []*entry

func (r ring) Len() int            { return len(r) }
func (r ring) Less(i, j int) bool  { return r[i].index < r[j].index } // FIFO by insertion/requeue order
func (r ring) Swap(i, j int)       { r[i], r[j] = r[j], r[i] }
func (r *ring) Push(x interface{}) { *r = append(*r, x.(*entry)) }
func (r *ring) Pop() interface{} {
	old := *r
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*r = old[:n-1]
	return item
}

// EvictFunc is called for every record the cache drops under capacity
// pressure (not for an explicit Remove), whether from ordinary eviction or
// a second-chance requeue that still lost out. The engine uses this purely
// to observe eviction pressure — the cache holds no claim on the hash
// index for EvictFunc to release.
type EvictFunc func(hash uint64)

// Cache is a bounded, second-chance read cache. Capacity is expressed in
// record count rather than bytes, since (unlike the main hybrid log) cache
// records are evicted whole rather than paged.
type Cache struct {
	mu       sync.Mutex
	capacity int
	nextSeq  int
	byHash   map[uint64]*entry
	r        ring

	secondChanceFraction float64
	onEvict              EvictFunc
}

// New creates a cache holding at most capacity records; the
// secondChanceFraction fraction of the ring (rounded down) is treated as
// the "mutable" region whose entries get exactly one second chance before
// eviction, mirroring the main log's mutable-fraction knob.
func New(capacity int, secondChanceFraction float64, onEvict EvictFunc) *Cache {
	return &Cache{
		capacity:             capacity,
		byHash:               make(map[uint64]*entry),
		secondChanceFraction: secondChanceFraction,
		onEvict:              onEvict,
	}
}

// Get returns the cached value for hash and marks it recently used.
func (c *Cache) Get(hash uint64) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byHash[hash]
	if !ok {
		return nil, false
	}
	c.touch(e)
	return e.value, true
}

// touch grants a record a second chance by moving it to the back of the
// ring, as if freshly inserted, but only once, and only if the record
// currently falls within the secondChanceFraction most-recently-touched
// portion of the ring — the cache's analogue of the main log's mutable
// region. A record already past that boundary, or one that has already
// spent its second chance, is left in place and evicted on its next turn
// regardless of further hits.
func (c *Cache) touch(e *entry) {
	if e.chances > 0 {
		return
	}
	if !c.inSecondChanceRegionLocked(e) {
		return
	}
	e.chances++
	c.nextSeq++
	e.index = c.nextSeq
	heap.Fix(&c.r, e.index2(c.r))
}

// inSecondChanceRegionLocked reports whether e ranks among the newest
// secondChanceFraction fraction of entries currently in the ring, by
// insertion/requeue order. Called with c.mu held.
func (c *Cache) inSecondChanceRegionLocked(e *entry) bool {
	if len(c.r) == 0 {
		return false
	}
	older := 0
	for _, other := range c.r {
		if other.index < e.index {
			older++
		}
	}
	boundary := int(float64(len(c.r)) * (1 - c.secondChanceFraction))
	return older >= boundary
}

// index2 finds an entry's current heap slot; the ring is small (bounded by
// capacity) so a linear scan is cheap and avoids storing a second pointer
// map just for this.
func (e *entry) index2(r ring) int {
	for i, other := range r {
		if other == e {
			return i
		}
	}
	return -1
}

// Put inserts or refreshes a cached value, evicting the oldest entry (with
// its second chance already spent) if the cache is at capacity.
func (c *Cache) Put(hash uint64, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.byHash[hash]; ok {
		e.value = value
		c.touch(e)
		return
	}

	for len(c.r) >= c.capacity {
		c.evictOldestLocked()
	}

	c.nextSeq++
	e := &entry{hash: hash, value: value, index: c.nextSeq}
	heap.Push(&c.r, e)
	c.byHash[hash] = e
}

func (c *Cache) evictOldestLocked() {
	if len(c.r) == 0 {
		return
	}
	oldest := c.r[0]
	if oldest.chances > 0 {
		// Second chance: requeue instead of evicting.
		oldest.chances = 0
		c.nextSeq++
		oldest.index = c.nextSeq
		heap.Fix(&c.r, 0)
		return
	}

	heap.Remove(&c.r, 0)
	delete(c.byHash, oldest.hash)
	if c.onEvict != nil {
		c.onEvict(oldest.hash)
	}
}

// Remove drops a cached record outright (e.g. superseded by a fresh write
// to the main log), without invoking onEvict — the caller is the one doing
// the superseding and does not need to be told about its own write.
func (c *Cache) Remove(hash uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.byHash[hash]
	if !ok {
		return
	}
	idx := e.index2(c.r)
	if idx >= 0 {
		heap.Remove(&c.r, idx)
	}
	delete(c.byHash, hash)
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.r)
}

// Package hashindex implements the latch-free hash table that maps a key's
// hash to the head of its per-slot record chain in the hybrid log.
//
// Buckets are fixed 64-byte arrays of atomically CAS-able entries. Entries
// are only ever changed by compare-and-swap; the overflow-bucket pool
// behind them grows under a mutex.
package hashindex

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"github.com/birchkv/birch/internal/addr"
)

const (
	// EntriesPerBucket is the number of fixed-size hash entries packed
	// into one 64-byte bucket, leaving 8 bytes for the overflow pointer.
	EntriesPerBucket = 7

	tagBits    = 14
	tagShift   = addr.Bits + 2 // address(48) + tentative(1) + pending(1)
	tagMask    = uint64(1)<<tagBits - 1
	tentativeBit = uint64(1) << addr.Bits
	pendingBit   = uint64(1) << (addr.Bits + 1)
)

// Entry is a packed 64-bit hash-index slot: { tag:14, pending:1,
// tentative:1, address:48 }, laid out so the whole entry is one
// CAS-able word.
type Entry uint64

// MakeEntry packs an entry. tentative marks a slot mid two-phase insert.
func MakeEntry(tag uint16, address addr.Address, tentative bool) Entry {
	v := (uint64(tag) & tagMask) << tagShift
	v |= uint64(address) & addr.Mask
	if tentative {
		v |= tentativeBit
	}
	return Entry(v)
}

func (e Entry) Empty() bool          { return e == 0 }
func (e Entry) Tag() uint16          { return uint16((uint64(e) >> tagShift) & tagMask) }
func (e Entry) Address() addr.Address { return addr.Address(uint64(e) & addr.Mask) }
func (e Entry) Tentative() bool      { return uint64(e)&tentativeBit != 0 }
func (e Entry) Pending() bool        { return uint64(e)&pendingBit != 0 }

func (e Entry) withAddress(a addr.Address) Entry {
	return Entry((uint64(e) &^ addr.Mask) | (uint64(a) & addr.Mask))
}

func (e Entry) withTentative(t bool) Entry {
	if t {
		return Entry(uint64(e) | tentativeBit)
	}
	return Entry(uint64(e) &^ tentativeBit)
}

// bucket is one 64-byte hash bucket: 7 entries plus a pointer to a chained
// overflow bucket (index into the overflow pool, 0 meaning "none").
type bucket struct {
	entries  [EntriesPerBucket]atomic.Uint64
	overflow atomic.Uint64
}

// overflowNode is a freelist entry for pool-allocated overflow buckets.
// Push/Pop are plain compare-and-swap loops on the list head, without
// backoff.
type overflowNode struct {
	index uint32
	next  atomic.Pointer[overflowNode]
}

type freelist struct {
	head atomic.Pointer[overflowNode]
}

func (f *freelist) push(n *overflowNode) {
	for {
		head := f.head.Load()
		n.next.Store(head)
		if f.head.CompareAndSwap(head, n) {
			return
		}
	}
}

func (f *freelist) pop() (*overflowNode, bool) {
	for {
		head := f.head.Load()
		if head == nil {
			return nil, false
		}
		next := head.next.Load()
		if f.head.CompareAndSwap(head, next) {
			return head, true
		}
	}
}

// table is one generation of the bucket array, swapped wholesale by GrowIndex.
type table struct {
	buckets  []bucket
	sizeBits uint
}

func newTable(sizeBits uint) *table {
	return &table{buckets: make([]bucket, uint64(1)<<sizeBits), sizeBits: sizeBits}
}

func (t *table) bucketFor(hash uint64) *bucket {
	return &t.buckets[hash&(uint64(1)<<t.sizeBits-1)]
}

// Index is the latch-free hash index. It owns exactly one live table at a
// time, plus (during GrowIndex) a secondary table being rehashed into.
type Index struct {
	live atomic.Pointer[table]

	growing   atomic.Bool
	secondary atomic.Pointer[table]

	overflowMu   sync.Mutex
	overflowPool []*bucket
	free         freelist

	entryCount atomic.Int64
}

// New creates an index with 1<<sizeBits buckets.
func New(sizeBits uint) *Index {
	idx := &Index{}
	idx.live.Store(newTable(sizeBits))
	return idx
}

// SizeBits returns the current table's log2 bucket count.
func (idx *Index) SizeBits() uint { return idx.live.Load().sizeBits }

// EntryCount returns the number of non-empty, non-tentative hash entries.
func (idx *Index) EntryCount() int64 { return idx.entryCount.Load() }

// tagOf extracts the filter tag from a full key hash. Bucket selection uses
// the low bits (post-mask); the tag uses a disjoint high range so bucket
// index and tag are not correlated for a well-mixed hash.
func tagOf(hash uint64) uint16 {
	return uint16(hash >> 50)
}

// FindEntry scans a hash's bucket chain (including overflow buckets) for a
// non-tentative entry whose tag matches. ok is false if no match exists.
func (idx *Index) FindEntry(hash uint64) (b *bucket, slot int, e Entry, ok bool) {
	t := idx.live.Load()
	tag := tagOf(hash)
	cur := t.bucketFor(hash)

	for {
		for i := 0; i < EntriesPerBucket; i++ {
			raw := Entry(cur.entries[i].Load())
			if raw.Empty() || raw.Tentative() {
				continue
			}
			if raw.Tag() == tag {
				return cur, i, raw, true
			}
		}
		of := cur.overflow.Load()
		if of == 0 {
			return nil, 0, 0, false
		}
		cur = idx.overflowBucket(of)
	}
}

func (idx *Index) overflowBucket(id uint64) *bucket {
	idx.overflowMu.Lock()
	b := idx.overflowPool[id-1]
	idx.overflowMu.Unlock()
	return b
}

func (idx *Index) allocOverflow() uint64 {
	if n, ok := idx.free.pop(); ok {
		return uint64(n.index) + 1
	}

	idx.overflowMu.Lock()
	idx.overflowPool = append(idx.overflowPool, &bucket{})
	id := uint64(len(idx.overflowPool))
	idx.overflowMu.Unlock()
	return id
}

// FindOrCreateEntry returns the entry for hash, creating one (with the
// given initial address) via two-phase tentative insertion if none exists.
// The two-phase protocol: (1) CAS a tentative entry into an empty slot, (2)
// rescan for a concurrently-installed duplicate, (3) clear and retry on
// conflict, otherwise clear the tentative bit.
func (idx *Index) FindOrCreateEntry(hash uint64, initial addr.Address) (b *bucket, slot int, e Entry) {
	tag := tagOf(hash)

	for {
		if b, slot, e, ok := idx.FindEntry(hash); ok {
			return b, slot, e
		}

		t := idx.live.Load()
		cur := t.bucketFor(hash)

		for {
			placed, pslot, pbucket, ok := tryPlaceTentative(cur, tag, initial)
			if ok {
				// Phase 2: rescan for a duplicate installed concurrently.
				if dupB, dupSlot, dupE, found := idx.FindEntry(hash); found && (dupB != pbucket || dupSlot != pslot) {
					pbucket.entries[pslot].Store(0)
					_ = dupE
					break // retry FindEntry from the top
				}
				final := placed.withTentative(false)
				if pbucket.entries[pslot].CompareAndSwap(uint64(placed), uint64(final)) {
					// A tag-0 entry with an invalid address is all zero, i.e.
					// empty; UpdateEntry counts it once an address is CASed in.
					if !final.Empty() {
						idx.entryCount.Add(1)
					}
					return pbucket, pslot, final
				}
				// Someone raced us on our own slot; clear and retry.
				pbucket.entries[pslot].Store(0)
				break
			}

			of := cur.overflow.Load()
			if of == 0 {
				id := idx.allocOverflow()
				if !cur.overflow.CompareAndSwap(0, id) {
					// Lost the race to install the overflow bucket; use
					// whichever one won and free ours.
					idx.free.push(&overflowNode{index: uint32(id - 1)})
					of = cur.overflow.Load()
				} else {
					of = id
				}
			}
			cur = idx.overflowBucket(of)
		}
	}
}

func tryPlaceTentative(b *bucket, tag uint16, initial addr.Address) (Entry, int, *bucket, bool) {
	candidate := MakeEntry(tag, initial, true)
	for i := 0; i < EntriesPerBucket; i++ {
		if b.entries[i].CompareAndSwap(0, uint64(candidate)) {
			return candidate, i, b, true
		}
	}
	return 0, 0, nil, false
}

// UpdateEntry CASes a bucket slot from expected to next, returning false on
// a lost race (caller restarts its hash lookup).
func (idx *Index) UpdateEntry(b *bucket, slot int, expected, next Entry) bool {
	ok := b.entries[slot].CompareAndSwap(uint64(expected), uint64(next))
	if ok && expected.Empty() && !next.Empty() {
		idx.entryCount.Add(1)
	}
	return ok
}

// RelinkHead CASes the slot from expected to the same entry pointing at
// newAddress. The engine's operations commit through UpdateEntry instead.
func (idx *Index) RelinkHead(b *bucket, slot int, expected Entry, newAddress addr.Address) bool {
	next := expected.withAddress(newAddress)
	return idx.UpdateEntry(b, slot, expected, next)
}

// Snapshot serializes the live table's bucket entries (not overflow
// buckets — an index checkpoint captures the primary array, and any
// records only reachable through an overflow chain are re-admitted by the
// recovery hooks' hash-chain rebuild walk) into a flat byte slice.
func (idx *Index) Snapshot() []byte {
	t := idx.live.Load()
	buf := make([]byte, 0, len(t.buckets)*EntriesPerBucket*8+8)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(t.sizeBits))
	for i := range t.buckets {
		for j := 0; j < EntriesPerBucket; j++ {
			buf = binary.LittleEndian.AppendUint64(buf, t.buckets[i].entries[j].Load())
		}
	}
	return buf
}

// Restore builds a fresh Index from a Snapshot blob.
func Restore(data []byte) *Index {
	sizeBits := uint(binary.LittleEndian.Uint64(data[0:8]))
	t := newTable(sizeBits)
	off := 8
	var count int64
	for i := range t.buckets {
		for j := 0; j < EntriesPerBucket; j++ {
			v := binary.LittleEndian.Uint64(data[off : off+8])
			off += 8
			t.buckets[i].entries[j].Store(v)
			if v != 0 {
				count++
			}
		}
	}
	idx := &Index{}
	idx.live.Store(t)
	idx.entryCount.Store(count)
	return idx
}

// WithEntry looks up hash and invokes fn with the entry found (ok=false if
// none) and a commit closure that CASes a replacement into the exact slot
// FindEntry examined. commit returns false on a lost race; callers loop by
// calling WithEntry again. Keeping bucket resolution and the CAS in the same
// call keeps the unexported *bucket type from ever needing to cross the
// package boundary.
func (idx *Index) WithEntry(hash uint64, fn func(e Entry, ok bool, commit func(next Entry) bool)) {
	b, slot, e, ok := idx.FindEntry(hash)
	commit := func(next Entry) bool {
		if !ok {
			return false
		}
		return idx.UpdateEntry(b, slot, e, next)
	}
	fn(e, ok, commit)
}

// WithOrCreateEntry is WithEntry, but creates a fresh tentative-then-final
// entry via FindOrCreateEntry's two-phase protocol when hash has no entry
// yet.
func (idx *Index) WithOrCreateEntry(hash uint64, initial addr.Address, fn func(e Entry, commit func(next Entry) bool)) {
	b, slot, e := idx.FindOrCreateEntry(hash, initial)
	commit := func(next Entry) bool {
		return idx.UpdateEntry(b, slot, e, next)
	}
	fn(e, commit)
}

// RehashFunc recomputes the full hash of the key stored at a record
// address. GrowIndex needs this because a hash entry only retains the
// filter tag, not the original hash, and a correct rehash must land the
// entry in the bucket its full hash selects in the new, larger table.
type RehashFunc func(a addr.Address) uint64

// GrowIndex doubles the bucket count, rehashing every live entry into the
// new table chunk by chunk. Concurrent FindEntry/FindOrCreateEntry calls
// keep working against the old table until the swap; grow does not block
// them, matching the "concurrent operations during growth must succeed"
// requirement.
func (idx *Index) GrowIndex(rehash RehashFunc) {
	if !idx.growing.CompareAndSwap(false, true) {
		return // a grow is already in flight
	}
	defer idx.growing.Store(false)

	old := idx.live.Load()
	next := newTable(old.sizeBits + 1)
	idx.secondary.Store(next)

	for i := range old.buckets {
		idx.rehashBucket(&old.buckets[i], next, rehash)
	}

	idx.live.Store(next)
	idx.secondary.Store(nil)
}

func (idx *Index) rehashBucket(b *bucket, next *table, rehash RehashFunc) {
	cur := b
	for {
		for i := 0; i < EntriesPerBucket; i++ {
			e := Entry(cur.entries[i].Load())
			if e.Empty() || e.Tentative() {
				continue
			}
			idx.reinsert(e, next, rehash(e.Address()))
		}
		of := cur.overflow.Load()
		if of == 0 {
			return
		}
		cur = idx.overflowBucket(of)
	}
}

// reinsert places an already-committed entry into the new table without
// running two-phase insertion again. Concurrent rehash workers can still
// land entries from different source buckets in the same destination
// bucket's chain, so placement still goes through CAS; it walks the full
// overflow chain (allocating a further overflow bucket only once the
// chain is exhausted) rather than giving up after the first overflow
// bucket, so a destination chain under heavy collision never silently
// drops an entry. An overflow bucket reserved here but beaten to the CAS
// that would've linked it in is never discarded — it's carried forward
// and retried against the next link in the chain — so a lost race costs
// a retry, not a leaked node.
func (idx *Index) reinsert(e Entry, next *table, fullHash uint64) {
	cur := next.bucketFor(fullHash)
	var reserved uint64

	for {
		for i := 0; i < EntriesPerBucket; i++ {
			if cur.entries[i].CompareAndSwap(0, uint64(e)) {
				return
			}
		}

		of := cur.overflow.Load()
		if of == 0 {
			if reserved == 0 {
				reserved = idx.allocOverflow()
			}
			if cur.overflow.CompareAndSwap(0, reserved) {
				of = reserved
				reserved = 0
			} else {
				of = cur.overflow.Load()
			}
		}
		cur = idx.overflowBucket(of)
	}
}

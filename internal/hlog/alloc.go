package hlog

import (
	"encoding/binary"
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/birchkv/birch/internal/addr"
	"github.com/birchkv/birch/internal/device"
	"github.com/birchkv/birch/internal/epoch"
)

// ErrRetryLater is returned by Allocate when the memory budget is full and
// no page can yet be evicted (its tail has not been safely flushed and
// drained). The caller — the operation engine — is expected to refresh its
// epoch and retry, per spec's capacity-retry error kind.
var ErrRetryLater = errors.New("hlog: allocator at capacity, retry after epoch refresh")

type pageState uint32

const (
	pageOpen pageState = iota
	pageClosed
	pageFlushed
)

type page struct {
	buf   []byte
	state atomic.Uint32
}

func (p *page) load() pageState  { return pageState(p.state.Load()) }
func (p *page) store(s pageState) { p.state.Store(uint32(s)) }

// Options configures one Allocator instance.
type Options struct {
	PageBits        uint
	MemoryBits      uint
	MutableFraction float64
}

// DefaultOptions mirrors typical FASTER-style defaults: 32MiB budget in
// 1MiB pages, 90% of the in-memory window mutable.
func DefaultOptions() Options {
	return Options{PageBits: 20, MemoryBits: 25, MutableFraction: 0.9}
}

// Allocator is the hybrid log's paged, ring-buffered memory manager. One
// Allocator instance backs either the main log or (with different
// options) the read cache.
type Allocator[K any, V any] struct {
	opts     Options
	numPages uint64
	pages    []*page

	frontiers    *addr.Frontiers
	flushedUntil addr.Atomic

	keyCodec KeyCodec[K]
	valCodec ValueCodec[V]

	dev   device.Device
	epoch *epoch.Manager

	rollMu sync.Mutex
}

// New creates an allocator over dev, using em for epoch-gated eviction.
func New[K any, V any](opts Options, keyCodec KeyCodec[K], valCodec ValueCodec[V], dev device.Device, em *epoch.Manager) *Allocator[K, V] {
	pageSize := uint64(1) << opts.PageBits
	memSize := uint64(1) << opts.MemoryBits
	numPages := memSize / pageSize
	if numPages < 2 {
		numPages = 2
	}

	pages := make([]*page, numPages)
	for i := range pages {
		pages[i] = &page{buf: make([]byte, pageSize)}
	}

	a := &Allocator[K, V]{
		opts:     opts,
		numPages: numPages,
		pages:    pages,
		keyCodec: keyCodec,
		valCodec: valCodec,
		dev:      dev,
		epoch:    em,
	}
	a.frontiers = addr.NewFrontiers(addr.Address(1)) // address 0 is INVALID_ADDRESS
	a.flushedUntil.Store(addr.Address(1))
	// The mutable region starts life at the tail: everything in
	// [ReadOnlyAddress, TailAddress) stays updatable in place until
	// FoldOver or ShiftReadOnly moves ReadOnlyAddress past it.
	return a
}

func (a *Allocator[K, V]) Frontiers() *addr.Frontiers { return a.frontiers }
func (a *Allocator[K, V]) FlushedUntil() addr.Address { return a.flushedUntil.Load() }
func (a *Allocator[K, V]) PageSize() uint64            { return uint64(1) << a.opts.PageBits }
func (a *Allocator[K, V]) PageBits() uint              { return a.opts.PageBits }

func (a *Allocator[K, V]) pageFor(pageIdx uint64) *page {
	return a.pages[pageIdx%a.numPages]
}

// RecordSize returns the total on-log size of a record with the given key
// and value, header included.
func (a *Allocator[K, V]) RecordSize(k K, v V) uint64 {
	return uint64(HeaderSize + a.keyCodec.SizeOf(k) + a.valCodec.SizeOf(v))
}

// Allocate reserves size bytes at the tail and returns the base address
// plus a slice over that reservation's backing page memory. It transparently
// rolls to the next page on a boundary crossing and triggers that page's
// asynchronous flush; if the ring has no evictable page left it returns
// ErrRetryLater.
func (a *Allocator[K, V]) Allocate(size uint64) (addr.Address, []byte, error) {
	pageSize := a.PageSize()
	if size > pageSize-uint64(HeaderSize) {
		return 0, nil, errors.New("hlog: record larger than page size")
	}

	for {
		base := a.frontiers.AllocateTail(size)
		startPage := base.Page(a.opts.PageBits)
		endOffset := base.Offset(a.opts.PageBits) + size

		if endOffset <= pageSize {
			if !a.pageAvailable(startPage) {
				if !a.tryEvictOldest() {
					return 0, nil, ErrRetryLater
				}
				continue
			}
			p := a.pageFor(startPage)
			off := base.Offset(a.opts.PageBits)
			return base, p.buf[off : off+size], nil
		}

		a.rollToNextPage(startPage)
	}
}

// pageAvailable reports whether the page a new tail address would land in
// is within the current memory window, i.e. does not need an eviction
// first. A page beyond HeadAddress+numPages*pageSize is not yet reusable.
func (a *Allocator[K, V]) pageAvailable(pageIdx uint64) bool {
	headPage := a.frontiers.Head().Page(a.opts.PageBits)
	return pageIdx < headPage+a.numPages
}

func (a *Allocator[K, V]) rollToNextPage(startPage uint64) {
	a.rollMu.Lock()
	defer a.rollMu.Unlock()

	cur := a.frontiers.Tail()
	if cur.Page(a.opts.PageBits) != startPage+1 || cur.Offset(a.opts.PageBits) != 0 {
		aligned := addr.FromPageOffset(startPage+1, 0, a.opts.PageBits)
		if a.frontiers.SetTail(aligned) {
			a.closeAndFlush(startPage)
			a.ShiftReadOnly()
		}
	}
}

// ShiftReadOnly advances ReadOnlyAddress toward the boundary that keeps
// MutableFraction of the memory window mutable, trailing the tail by
// (1-MutableFraction) of it so records continuously age out of the
// mutable region instead of staying updatable in place forever.
// SafeReadOnlyAddress is drained to match once every thread active at an
// earlier epoch has refreshed past the shift, the same epoch-gated
// handoff FoldOver uses for the checkpoint path. Called on every page
// rollover; a no-op once the window hasn't yet filled past the mutable
// budget.
func (a *Allocator[K, V]) ShiftReadOnly() {
	memSize := a.numPages * a.PageSize()
	mutableSize := uint64(float64(memSize) * a.opts.MutableFraction)

	tail := uint64(a.frontiers.Tail())
	if tail <= mutableSize {
		return
	}

	target := addr.Address(tail - mutableSize)
	if a.frontiers.SetReadOnly(target) {
		a.epoch.BumpCurrentEpoch(func() {
			a.frontiers.SetSafeReadOnly(target)
		})
	}
}

func (a *Allocator[K, V]) closeAndFlush(pageIdx uint64) {
	a.closeAndFlushNotify(pageIdx, nil)
}

// closeAndFlushNotify is closeAndFlush plus an optional channel closed once
// the flush callback has run, used by FlushTo to wait synchronously without
// spinning.
func (a *Allocator[K, V]) closeAndFlushNotify(pageIdx uint64, done chan<- struct{}) {
	p := a.pageFor(pageIdx)
	p.store(pageClosed)

	buf := p.buf
	go a.dev.WriteAsync(pageIdx, 0, buf, func(_ int, err error) {
		if err == nil {
			p.store(pageFlushed)
			flushed := addr.FromPageOffset(pageIdx+1, 0, a.opts.PageBits)
			a.flushedUntil.Advance(flushed)
		}
		if done != nil {
			close(done)
		}
	})
}

// tryEvictOldest attempts to reclaim the oldest resident page, gated on
// SafeReadOnlyAddress having passed its end and the page being fully
// flushed. Reports whether a page was (or is being) reclaimed.
func (a *Allocator[K, V]) tryEvictOldest() bool {
	headPage := a.frontiers.Head().Page(a.opts.PageBits)
	end := addr.FromPageOffset(headPage+1, 0, a.opts.PageBits)

	p := a.pageFor(headPage)
	if p.load() != pageFlushed {
		return false
	}
	if a.frontiers.SafeReadOnly() < end {
		return false
	}

	a.epoch.BumpCurrentEpoch(func() {
		a.frontiers.SetHead(end)
		a.frontiers.SetSafeHead(end)
		for i := range p.buf {
			p.buf[i] = 0
		}
		p.store(pageOpen)
	})
	return true
}

// WriteRecord encodes a record at dst (as returned by Allocate) and
// returns the header actually written.
func (a *Allocator[K, V]) WriteRecord(dst []byte, previous addr.Address, tombstone, inNewVersion bool, k K, v V) RecordHeader {
	h := MakeHeader(previous, tombstone, inNewVersion)
	binary.LittleEndian.PutUint64(dst[0:8], uint64(h))
	off := HeaderSize
	klen := a.keyCodec.SizeOf(k)
	a.keyCodec.Encode(dst[off:off+klen], k)
	off += klen
	a.valCodec.Encode(dst[off:], v)
	return h
}

// ReadRecord decodes the record living at address a, given the raw page
// bytes it was allocated from. Callers of the allocator (the operation
// engine) are responsible for knowing the record's total size ahead of
// time when the codec is variable-length; fixed-layout codecs make this
// trivial since SizeOf never depends on the instance.
func (alloc *Allocator[K, V]) ReadRecord(raw []byte) Record[K, V] {
	h := RecordHeader(binary.LittleEndian.Uint64(raw[0:8]))
	off := HeaderSize
	k := alloc.keyCodec.Decode(raw[off:])
	off += alloc.keyCodec.SizeOf(k)
	v := alloc.valCodec.Decode(raw[off:])
	return Record[K, V]{Header: h, Key: k, Value: v}
}

// BytesAt returns the raw bytes backing a resident logical address, valid
// only while a >= HeadAddress. Panics if the address has been evicted;
// callers must check ContainsInMemory first.
func (a *Allocator[K, V]) BytesAt(addr_ addr.Address, size uint64) []byte {
	p := a.pageFor(addr_.Page(a.opts.PageBits))
	off := addr_.Offset(a.opts.PageBits)
	return p.buf[off : off+size]
}

// SpanToPageEnd returns the number of bytes from addr_ to the end of the
// page it lives in — an upper bound callers can pass to BytesAt/ReadRecord
// when a record's exact length isn't known ahead of decoding it. Codecs are
// expected to be self-delimiting (a fixed-size codec ignores the extra
// trailing bytes entirely; a variable-length one reads its own length
// prefix) so handing over a maximal span rather than an exact one is safe.
func (a *Allocator[K, V]) SpanToPageEnd(addr_ addr.Address) uint64 {
	return a.PageSize() - addr_.Offset(a.opts.PageBits)
}

// ContainsInMemory reports whether addr is currently resident (i.e. not yet
// evicted to disk and below the tail).
func (a *Allocator[K, V]) ContainsInMemory(addr_ addr.Address) bool {
	return addr_ >= a.frontiers.Head() && addr_ < a.frontiers.Tail()
}

// IsMutable reports whether addr falls in the in-place-updatable region.
func (a *Allocator[K, V]) IsMutable(addr_ addr.Address) bool {
	return addr_ >= a.frontiers.ReadOnly() && addr_ < a.frontiers.Tail()
}

// FoldOver advances ReadOnlyAddress to cut, converting everything below it
// from mutable to read-only. Used by the FoldOver checkpoint variant.
func (a *Allocator[K, V]) FoldOver(cut addr.Address) {
	a.frontiers.SetReadOnly(cut)
	a.epoch.BumpCurrentEpoch(func() {
		a.frontiers.SetSafeReadOnly(cut)
	})
}

// ReadFromDevice issues an asynchronous device read for the page addr_
// lives in and decodes the record at its offset once the read completes.
// Used by the operation engine when a hash chain walk reaches an address
// that has fallen behind HeadAddress.
func (a *Allocator[K, V]) ReadFromDevice(addr_ addr.Address, cb func(Record[K, V], error)) {
	pageIdx := addr_.Page(a.opts.PageBits)
	buf := make([]byte, a.PageSize())
	a.dev.ReadAsync(pageIdx, 0, buf, func(_ int, err error) {
		if err != nil {
			cb(Record[K, V]{}, err)
			return
		}
		off := addr_.Offset(a.opts.PageBits)
		rec := a.ReadRecord(buf[off:])
		rec.Address = addr_
		cb(rec, nil)
	})
}

// RestoreFlushedUntil resets the flushed-until frontier during recovery,
// bypassing the forward-only Advance check a live allocator relies on.
func (a *Allocator[K, V]) RestoreFlushedUntil(addr_ addr.Address) { a.flushedUntil.Store(addr_) }

// SnapshotMutable copies the raw bytes covering [from, to) across however
// many pages that spans, for the Snapshot checkpoint variant to persist a
// mutable region that FoldOver/FlushTo alone cannot make durable.
func (a *Allocator[K, V]) SnapshotMutable(from, to addr.Address) []byte {
	if to <= from {
		return nil
	}
	out := make([]byte, 0, uint64(to)-uint64(from))
	cur := from
	for cur < to {
		pageEnd := addr.FromPageOffset(cur.Page(a.opts.PageBits)+1, 0, a.opts.PageBits)
		end := to
		if pageEnd < end {
			end = pageEnd
		}
		span := uint64(end) - uint64(cur)
		out = append(out, a.BytesAt(cur, span)...)
		cur = cur.Add(span)
	}
	return out
}

// RestoreMutable writes a SnapshotMutable blob back into the pages starting
// at from, used when recovering a Snapshot-variant checkpoint.
func (a *Allocator[K, V]) RestoreMutable(from addr.Address, data []byte) {
	cur := from
	off := 0
	for off < len(data) {
		pageEnd := addr.FromPageOffset(cur.Page(a.opts.PageBits)+1, 0, a.opts.PageBits)
		span := uint64(pageEnd) - uint64(cur)
		n := int(span)
		if off+n > len(data) {
			n = len(data) - off
		}
		dst := a.BytesAt(cur, uint64(n))
		copy(dst, data[off:off+n])
		off += n
		cur = cur.Add(uint64(n))
	}
}

// FlushTo forces a flush of every closed-but-unflushed page up to cut and
// blocks until FlushedUntilAddress reaches it, then also persists cut's own
// partial page so the device holds every byte a recovering engine will need
// to page back in. Used by the checkpoint WAIT_FLUSH phase.
func (a *Allocator[K, V]) FlushTo(cut addr.Address) {
	startPage := a.frontiers.Head().Page(a.opts.PageBits)
	cutPage := cut.Page(a.opts.PageBits)
	cutOffset := cut.Offset(a.opts.PageBits)

	var dones []chan struct{}
	for p := startPage; p < cutPage; p++ {
		pg := a.pageFor(p)
		switch pg.load() {
		case pageOpen:
			done := make(chan struct{})
			dones = append(dones, done)
			a.closeAndFlushNotify(p, done)
		case pageClosed:
			// A rollover already dispatched this page's flush in the
			// background; wait for it instead of issuing a duplicate.
			for pg.load() != pageFlushed {
				runtime.Gosched()
			}
		}
	}
	for _, done := range dones {
		<-done
	}

	if cutOffset > 0 {
		a.flushPartial(cutPage, cutOffset)
	}
}

// flushPartial synchronously persists the first length bytes of pageIdx
// without closing it, leaving it pageOpen for further allocation — used by
// FlushTo to make the tail's in-progress page durable up to cut.
func (a *Allocator[K, V]) flushPartial(pageIdx, length uint64) {
	p := a.pageFor(pageIdx)
	done := make(chan struct{})
	a.dev.WriteAsync(pageIdx, 0, p.buf[:length], func(_ int, _ error) {
		close(done)
	})
	<-done
}

// PageInFromDevice re-materializes the page ring for [head, tail) from the
// device, used when recovering onto a fresh Allocator whose ring was never
// populated by live writes. Pages fully below tail's page are read whole
// and marked flushed; tail's own page, if partially written, is read only
// up to its live length and left pageOpen so allocation can resume past it.
func (a *Allocator[K, V]) PageInFromDevice(head, tail addr.Address) error {
	if tail <= head {
		return nil
	}

	headPage := head.Page(a.opts.PageBits)
	tailPage := tail.Page(a.opts.PageBits)
	tailOffset := tail.Offset(a.opts.PageBits)

	readPage := func(pageIdx, length uint64) error {
		pg := a.pageFor(pageIdx)
		done := make(chan error, 1)
		a.dev.ReadAsync(pageIdx, 0, pg.buf[:length], func(_ int, err error) {
			done <- err
		})
		return <-done
	}

	for p := headPage; p < tailPage; p++ {
		if err := readPage(p, a.PageSize()); err != nil {
			return err
		}
		a.pageFor(p).store(pageFlushed)
	}
	if tailOffset > 0 {
		if err := readPage(tailPage, tailOffset); err != nil {
			return err
		}
		a.pageFor(tailPage).store(pageOpen)
	}
	return nil
}

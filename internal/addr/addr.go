// Package addr defines the 48-bit logical address space of the hybrid log.
//
// An Address never identifies memory directly; it identifies a position in
// the append-only sequence. Whether that position is resident in memory, on
// disk, or has been truncated entirely is a function of the log's current
// frontiers, not of the address itself.
package addr

import (
	"fmt"
	"sync/atomic"
)

// Address is a 48-bit monotonically increasing offset into the hybrid log.
// The top 16 bits are always zero.
type Address uint64

const (
	// Bits is the width of the addressable range.
	Bits = 48

	// Mask isolates the 48 address bits from any flag bits a caller has
	// packed into the high bits of a raw uint64.
	Mask = uint64(1)<<Bits - 1

	// Invalid is the sentinel meaning "no record".
	Invalid Address = 0
)

// FromPageOffset composes an address from a page index and an in-page byte
// offset, given the page size in bits.
func FromPageOffset(page uint64, offset uint64, pageBits uint) Address {
	return Address((page << pageBits) | (offset & (uint64(1)<<pageBits - 1)))
}

// Page returns the page index this address falls in, for the given page size.
func (a Address) Page(pageBits uint) uint64 {
	return uint64(a) >> pageBits
}

// Offset returns the in-page byte offset of this address.
func (a Address) Offset(pageBits uint) uint64 {
	return uint64(a) & (uint64(1)<<pageBits - 1)
}

// Valid reports whether the address is anything other than the sentinel.
func (a Address) Valid() bool {
	return a != Invalid
}

// Add returns a+n, masked back into the 48-bit range.
func (a Address) Add(n uint64) Address {
	return Address((uint64(a) + n) & Mask)
}

func (a Address) String() string {
	return fmt.Sprintf("0x%012x", uint64(a))
}

// Frontiers holds the monotonic address boundaries that partition the
// hybrid log into on-disk, read-only, and mutable regions. Every field is
// updated only via CAS; readers of a Frontiers snapshot never see a
// torn combination because each field is loaded independently and the
// invariant BeginAddress <= HeadAddress <= SafeHeadAddress <=
// ReadOnlyAddress <= SafeReadOnlyAddress <= TailAddress is only ever
// relied upon after all six loads complete, tolerating benign staleness.
type Frontiers struct {
	begin           Atomic
	head            Atomic
	safeHead        Atomic
	readOnly        Atomic
	safeReadOnly    Atomic
	tail            Atomic
}

// Atomic is a CAS-able Address. Advance only ever moves the value forward,
// matching the monotonic nature of every frontier in the log.
type Atomic struct{ v atomic.Uint64 }

func (a *Atomic) Load() Address { return Address(a.v.Load()) }

func (a *Atomic) Store(addr Address) { a.v.Store(uint64(addr)) }

func (a *Atomic) FetchAdd(n uint64) Address {
	return Address(a.v.Add(n) - n)
}

// Advance CASes the frontier forward to addr if addr is greater than the
// current value. Returns false if a concurrent advance already passed addr.
func (a *Atomic) Advance(addr Address) bool {
	for {
		cur := a.v.Load()
		if uint64(addr) <= cur {
			return uint64(addr) == cur
		}
		if a.v.CompareAndSwap(cur, uint64(addr)) {
			return true
		}
	}
}

// NewFrontiers returns frontiers all initialised to the given begin/tail,
// i.e. an empty log.
func NewFrontiers(begin Address) *Frontiers {
	f := &Frontiers{}
	f.begin.Store(begin)
	f.head.Store(begin)
	f.safeHead.Store(begin)
	f.readOnly.Store(begin)
	f.safeReadOnly.Store(begin)
	f.tail.Store(begin)
	return f
}

func (f *Frontiers) Begin() Address        { return f.begin.Load() }
func (f *Frontiers) Head() Address         { return f.head.Load() }
func (f *Frontiers) SafeHead() Address     { return f.safeHead.Load() }
func (f *Frontiers) ReadOnly() Address     { return f.readOnly.Load() }
func (f *Frontiers) SafeReadOnly() Address { return f.safeReadOnly.Load() }
func (f *Frontiers) Tail() Address         { return f.tail.Load() }

func (f *Frontiers) SetBegin(a Address) bool        { return f.begin.Advance(a) }
func (f *Frontiers) SetHead(a Address) bool         { return f.head.Advance(a) }
func (f *Frontiers) SetSafeHead(a Address) bool     { return f.safeHead.Advance(a) }
func (f *Frontiers) SetReadOnly(a Address) bool     { return f.readOnly.Advance(a) }
func (f *Frontiers) SetSafeReadOnly(a Address) bool { return f.safeReadOnly.Advance(a) }

// AllocateTail atomically reserves [addr, addr+size) at the tail and
// returns the base address of the reservation.
func (f *Frontiers) AllocateTail(size uint64) Address {
	return f.tail.FetchAdd(size)
}

// SetTail force-advances the tail frontier to at least addr. Used when a
// reservation crosses a page boundary and must be re-aligned to the next
// page's start.
func (f *Frontiers) SetTail(a Address) bool { return f.tail.Advance(a) }

// Valid checks the frontier ordering invariant. It is used by tests and by
// the engine's diagnostic accessors, never on the hot path.
func (f *Frontiers) Valid() bool {
	return f.Begin() <= f.Head() &&
		f.Head() <= f.SafeHead() &&
		f.SafeHead() <= f.ReadOnly() &&
		f.ReadOnly() <= f.SafeReadOnly() &&
		f.SafeReadOnly() <= f.Tail()
}

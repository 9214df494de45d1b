// Package hlog implements the hybrid log: the paged, ring-buffered
// allocator that materialises logical addresses as bytes in memory, flushes
// completed pages to a Device, and evicts pages once they are safely
// drained. It also defines the record header and the key/value codec
// contracts variable-length records serialise through.
package hlog

import "github.com/birchkv/birch/internal/addr"

const (
	tombstoneBit  = uint64(1) << (addr.Bits)
	invalidBit    = uint64(1) << (addr.Bits + 1)
	newVersionBit = uint64(1) << (addr.Bits + 2)
	readCacheBit  = uint64(1) << (addr.Bits + 3)

	// HeaderSize is the on-disk/in-memory size in bytes of a record header.
	HeaderSize = 8
)

// RecordHeader packs { previous_address:48, tombstone:1, invalid:1,
// in_new_version:1, read_cache:1 } into one 64-bit word so it can be
// written and inspected without any lock.
type RecordHeader uint64

// MakeHeader builds a header for a freshly appended record.
func MakeHeader(previous addr.Address, tombstone, inNewVersion bool) RecordHeader {
	v := uint64(previous) & addr.Mask
	if tombstone {
		v |= tombstoneBit
	}
	if inNewVersion {
		v |= newVersionBit
	}
	return RecordHeader(v)
}

func (h RecordHeader) PreviousAddress() addr.Address { return addr.Address(uint64(h) & addr.Mask) }
func (h RecordHeader) Tombstone() bool               { return uint64(h)&tombstoneBit != 0 }
func (h RecordHeader) Invalid() bool                 { return uint64(h)&invalidBit != 0 }
func (h RecordHeader) InNewVersion() bool            { return uint64(h)&newVersionBit != 0 }
func (h RecordHeader) ReadCache() bool               { return uint64(h)&readCacheBit != 0 }

// WithInvalid returns a copy of the header with the invalid bit set, used
// to mark a record dead in place (e.g. superseded during a resize) without
// disturbing its neighbours.
func (h RecordHeader) WithInvalid() RecordHeader {
	return RecordHeader(uint64(h) | invalidBit)
}

// KeyHasher is the compile-time-required key contract (see spec.md's
// design notes on the default-comparer warning: this module never falls
// back to reflection). This package ships no ready-made implementation:
// every caller supplies one (internal/localstore defines its own for
// string keys).
type KeyHasher[K any] interface {
	Hash(k K) uint64
	Equal(a, b K) bool
}

// KeyCodec sizes and (de)serialises keys of type K into a record.
type KeyCodec[K any] interface {
	SizeOf(k K) int
	Encode(buf []byte, k K)
	Decode(buf []byte) K
}

// ValueCodec sizes and (de)serialises values of type V into a record. The
// same interface backs both the "blittable" case (SizeOf returns a
// constant) and the "generic" variable-length case.
type ValueCodec[V any] interface {
	SizeOf(v V) int
	Encode(buf []byte, v V)
	Decode(buf []byte) V
}

// Fixed is a size-constant ValueCodec/KeyCodec for types with a fixed wire
// size, giving callers the blittable allocator's fast path (no per-record
// length field) purely by returning the same SizeOf regardless of value.
type Fixed[T any] struct {
	Size    int
	EncodeF func(buf []byte, v T)
	DecodeF func(buf []byte) T
}

func (f Fixed[T]) SizeOf(T) int                { return f.Size }
func (f Fixed[T]) Encode(buf []byte, v T)      { f.EncodeF(buf, v) }
func (f Fixed[T]) Decode(buf []byte) T         { return f.DecodeF(buf) }

// Record is the decoded view of one on-log record: header, key, value, and
// the address it lives at.
type Record[K any, V any] struct {
	Address addr.Address
	Header  RecordHeader
	Key     K
	Value   V
}

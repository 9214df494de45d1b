package hlog

import (
	"encoding/binary"
	"testing"

	"github.com/birchkv/birch/internal/device"
	"github.com/birchkv/birch/internal/epoch"
)

func uint64Codec() Fixed[uint64] {
	return Fixed[uint64]{
		Size: 8,
		EncodeF: func(buf []byte, v uint64) { binary.LittleEndian.PutUint64(buf, v) },
		DecodeF: func(buf []byte) uint64 { return binary.LittleEndian.Uint64(buf) },
	}
}

func newTestAllocator(t *testing.T) *Allocator[uint64, uint64] {
	t.Helper()
	opts := Options{PageBits: 12, MemoryBits: 14, MutableFraction: 0.9} // 4 pages of 4KiB
	dev := device.NewMemoryDevice(512)
	em := epoch.New()
	return New[uint64, uint64](opts, uint64Codec(), uint64Codec(), dev, em)
}

func TestAllocateAndReadRoundTrip(t *testing.T) {
	a := newTestAllocator(t)

	size := a.RecordSize(1, 100)
	addrVal, buf, err := a.Allocate(size)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	a.WriteRecord(buf, 0, false, false, uint64(1), uint64(100))

	rec := a.ReadRecord(a.BytesAt(addrVal, size))
	if rec.Key != 1 || rec.Value != 100 {
		t.Fatalf("ReadRecord = (%d, %d), want (1, 100)", rec.Key, rec.Value)
	}
}

func TestAllocateAcrossManyRecordsStaysInBounds(t *testing.T) {
	a := newTestAllocator(t)
	size := a.RecordSize(1, 1)

	var last uint64
	for i := 0; i < 200; i++ {
		addrVal, buf, err := a.Allocate(size)
		if err != nil {
			t.Fatalf("Allocate iteration %d: %v", i, err)
		}
		a.WriteRecord(buf, 0, false, false, uint64(i), uint64(i))
		if uint64(addrVal) < last {
			t.Fatalf("addresses must be monotonic: got %v after %v", addrVal, last)
		}
		last = uint64(addrVal)
	}
}

func TestFoldOverAdvancesReadOnly(t *testing.T) {
	a := newTestAllocator(t)
	size := a.RecordSize(1, 1)

	addrVal, buf, err := a.Allocate(size)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	a.WriteRecord(buf, 0, false, false, uint64(1), uint64(1))

	if !a.IsMutable(addrVal) {
		t.Fatalf("freshly allocated record should be mutable")
	}

	tail := a.Frontiers().Tail()
	a.FoldOver(tail)

	if a.IsMutable(addrVal) {
		t.Fatalf("record should no longer be mutable after FoldOver past it")
	}
}

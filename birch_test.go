package birch

import (
	"encoding/binary"
	"testing"

	"github.com/birchkv/birch/internal/device"
	"github.com/birchkv/birch/internal/engine"
	"github.com/birchkv/birch/internal/hlog"
)

type uint64Hasher struct{}

func (uint64Hasher) Hash(k uint64) uint64 {
	k ^= k >> 33
	k *= 0xff51afd7ed558ccd
	k ^= k >> 33
	return k
}

func (uint64Hasher) Equal(a, b uint64) bool { return a == b }

func uint64Codec() hlog.Fixed[uint64] {
	return hlog.Fixed[uint64]{
		Size:    8,
		EncodeF: func(buf []byte, v uint64) { binary.LittleEndian.PutUint64(buf, v) },
		DecodeF: func(buf []byte) uint64 { return binary.LittleEndian.Uint64(buf) },
	}
}

func testFunctions() engine.Functions[uint64, uint64, uint64, uint64] {
	return engine.Functions[uint64, uint64, uint64, uint64]{
		SingleReader:     func(_ uint64, _ uint64, value uint64) uint64 { return value },
		ConcurrentReader: func(_ uint64, _ uint64, value uint64) uint64 { return value },
		SingleWriter:     func(_ uint64, value uint64) uint64 { return value },
		ConcurrentWriter: func(_ uint64, _ uint64, value uint64) (uint64, bool) { return value, true },
		InitialUpdater:   func(_ uint64, in uint64) uint64 { return in },
		CopyUpdater:      func(_ uint64, in uint64, old uint64) uint64 { return old + in },
		InPlaceUpdater:   func(_ uint64, in uint64, cur uint64) (uint64, bool) { return cur + in, true },
	}
}

func newTestEngine(t *testing.T) *Engine[uint64, uint64, uint64, uint64] {
	t.Helper()
	e, err := NewEngine[uint64, uint64, uint64, uint64](
		Options{
			HashTableBits: 8,
			Log:           hlog.Options{PageBits: 16, MemoryBits: 20, MutableFraction: 0.9},
			CheckpointDir: t.TempDir(),
		},
		uint64Hasher{}, uint64Codec(), uint64Codec(), testFunctions(),
		device.NewMemoryDevice(512),
	)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestFacadePromotesEngineOperations(t *testing.T) {
	e := newTestEngine(t)
	sess := e.StartSession()
	defer e.StopSession(sess)

	if status := e.Upsert(1, 100); status != StatusOK {
		t.Fatalf("Upsert status = %v", status)
	}

	out, status := e.Read(sess, 1, 0)
	if status != StatusOK || out != 100 {
		t.Fatalf("Read = (%v, %v), want (100, OK)", out, status)
	}

	if status := e.RMW(sess, 1, 5); status != StatusOK {
		t.Fatalf("RMW status = %v", status)
	}

	out, status = e.Read(sess, 1, 0)
	if status != StatusOK || out != 105 {
		t.Fatalf("Read after RMW = (%v, %v), want (105, OK)", out, status)
	}

	if status := e.Delete(sess, 1); status != StatusOK {
		t.Fatalf("Delete status = %v", status)
	}

	if _, status := e.Read(sess, 1, 0); status != StatusNotFound {
		t.Fatalf("Read after Delete status = %v, want NotFound", status)
	}
}

func TestStatsReflectsEntryCount(t *testing.T) {
	e := newTestEngine(t)

	if got := e.Stats().EntryCount; got != 0 {
		t.Fatalf("EntryCount before writes = %d, want 0", got)
	}

	for i := uint64(0); i < 10; i++ {
		if status := e.Upsert(i, i); status != StatusOK {
			t.Fatalf("Upsert(%d) status = %v", i, status)
		}
	}

	stats := e.Stats()
	if stats.EntryCount != 10 {
		t.Fatalf("EntryCount = %d, want 10", stats.EntryCount)
	}
	if stats.BucketCount == 0 {
		t.Fatalf("BucketCount = 0, want > 0")
	}
	if stats.LoadFactor <= 0 {
		t.Fatalf("LoadFactor = %v, want > 0", stats.LoadFactor)
	}
}

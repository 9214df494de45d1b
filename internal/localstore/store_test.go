package localstore

import (
	"fmt"
	"sync"
	"testing"

	"github.com/birchkv/birch/internal/device"
	"github.com/birchkv/birch/internal/engine"
	"github.com/birchkv/birch/internal/enginetest"
	"github.com/birchkv/birch/internal/hlog"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	opts := engine.Options{
		HashTableBits: 8,
		Log:           hlog.Options{PageBits: 16, MemoryBits: 20, MutableFraction: 0.9},
		CheckpointDir: t.TempDir(),
	}
	s, err := New(opts, device.NewMemoryDevice(512))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(s.Dispose)
	return s
}

func TestSetThenGetRoundTrips(t *testing.T) {
	s := newTestStore(t)

	if err := s.Set("a", []byte("hello")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, ok, err := s.Get("a")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatalf("Get: key not found")
	}
	if string(got) != "hello" {
		t.Fatalf("Get value = %q, want %q", got, "hello")
	}
}

func TestGetMissingKeyReturnsNotFound(t *testing.T) {
	s := newTestStore(t)

	_, ok, err := s.Get("missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("Get: expected key to be absent")
	}
}

func TestHasReflectsPresence(t *testing.T) {
	s := newTestStore(t)

	if ok, err := s.Has("k"); err != nil || ok {
		t.Fatalf("Has before Set = (%v, %v), want (false, nil)", ok, err)
	}
	if err := s.Set("k", []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if ok, err := s.Has("k"); err != nil || !ok {
		t.Fatalf("Has after Set = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestRMWInitializesAbsentKey(t *testing.T) {
	s := newTestStore(t)

	err := s.RMW("counter", func(old []byte, exists bool) []byte {
		if exists {
			t.Fatalf("expected counter to be absent on first RMW")
		}
		return []byte("1")
	})
	if err != nil {
		t.Fatalf("RMW: %v", err)
	}
	got, ok, err := s.Get("counter")
	if err != nil || !ok || string(got) != "1" {
		t.Fatalf("Get after RMW = (%q, %v, %v), want (\"1\", true, nil)", got, ok, err)
	}
}

func TestRMWMergesExistingValue(t *testing.T) {
	s := newTestStore(t)

	if err := s.Set("counter", []byte("1")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	merge := func(old []byte, exists bool) []byte {
		if !exists {
			t.Fatalf("expected counter to exist")
		}
		n := 0
		fmt.Sscanf(string(old), "%d", &n)
		return []byte(fmt.Sprintf("%d", n+1))
	}
	if err := s.RMW("counter", merge); err != nil {
		t.Fatalf("RMW: %v", err)
	}
	got, _, _ := s.Get("counter")
	if string(got) != "2" {
		t.Fatalf("Get after RMW = %q, want %q", got, "2")
	}
}

func TestDeleteThenGetNotFound(t *testing.T) {
	s := newTestStore(t)

	if err := s.Set("gone", []byte("x")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := s.Delete("gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	_, ok, err := s.Get("gone")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatalf("Get after Delete: expected key to be absent")
	}
}

func TestDeleteMissingKeyIsNotAnError(t *testing.T) {
	s := newTestStore(t)

	if err := s.Delete("never-set"); err != nil {
		t.Fatalf("Delete of missing key returned error: %v", err)
	}
}

func TestConcurrentSetGetDeleteIsConsistent(t *testing.T) {
	s := newTestStore(t)

	const workers = 8
	const perWorker = 50

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("k-%d-%d", w, i)
				if err := s.Set(key, []byte(key)); err != nil {
					t.Errorf("Set(%q): %v", key, err)
					return
				}
				got, ok, err := s.Get(key)
				if err != nil || !ok || string(got) != key {
					t.Errorf("Get(%q) = (%q, %v, %v), want (%q, true, nil)", key, got, ok, err, key)
					return
				}
				if err := s.Delete(key); err != nil {
					t.Errorf("Delete(%q): %v", key, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()
}

func TestEntryCountReflectsLiveKeys(t *testing.T) {
	s := newTestStore(t)

	for i := 0; i < 10; i++ {
		if err := s.Set(fmt.Sprintf("k%d", i), []byte("v")); err != nil {
			t.Fatalf("Set: %v", err)
		}
	}
	if got := s.EntryCount(); got != 10 {
		t.Fatalf("EntryCount = %d, want 10", got)
	}
}

// enginetestAdapter adapts Store's MergeFunc-typed RMW to the plain
// function type enginetest.Store declares, so this package's Store
// doesn't need to know enginetest's interface exists.
type enginetestAdapter struct{ *Store }

func (a enginetestAdapter) RMW(key string, merge func(old []byte, exists bool) []byte) error {
	return a.Store.RMW(key, MergeFunc(merge))
}

func TestEngineSuite(t *testing.T) {
	enginetest.RunEngineTests(t, "localstore", func() enginetest.Store {
		opts := engine.Options{
			HashTableBits: 8,
			Log:           hlog.Options{PageBits: 16, MemoryBits: 20, MutableFraction: 0.9},
			CheckpointDir: t.TempDir(),
		}
		s, err := New(opts, device.NewMemoryDevice(512))
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		return enginetestAdapter{s}
	})
}

func BenchmarkEngineSuite(b *testing.B) {
	enginetest.RunEngineBenchmarks(b, "localstore", func() enginetest.Store {
		opts := engine.Options{
			HashTableBits: 12,
			Log:           hlog.Options{PageBits: 20, MemoryBits: 26, MutableFraction: 0.9},
			CheckpointDir: b.TempDir(),
		}
		s, err := New(opts, device.NewMemoryDevice(4096))
		if err != nil {
			b.Fatalf("New: %v", err)
		}
		return enginetestAdapter{s}
	})
}

// Package enginetest is a factory-parametrized test suite for anything
// shaped like internal/localstore.Store: Get/Set/Has/Delete/RMW over
// string keys and []byte values. Grounded directly on
// lib/db/testing/db_testing.go's DBFactory-parametrized RunKVDBTests —
// same shape, applied to the hybrid-log engine's operation surface
// instead of KVDB's Set/Get/Delete/Expire.
package enginetest

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

// Store is the subset of internal/localstore.Store's surface this suite
// exercises. Declared locally rather than imported so enginetest has no
// hard dependency on localstore's concrete type.
type Store interface {
	Get(key string) ([]byte, bool, error)
	Has(key string) (bool, error)
	Set(key string, value []byte) error
	RMW(key string, merge func(old []byte, exists bool) []byte) error
	Delete(key string) error
	EntryCount() int64
	Dispose()
}

// Factory creates a fresh, empty Store for one subtest or benchmark.
type Factory func() Store

// RunEngineTests runs a comprehensive test suite against a Store
// implementation.
func RunEngineTests(t *testing.T, name string, factory Factory) {
	t.Run(name, func(t *testing.T) {
		t.Run("Set&Get", func(t *testing.T) {
			testSetGet(t, factory())
		})

		t.Run("Delete", func(t *testing.T) {
			testDelete(t, factory())
		})

		t.Run("Has", func(t *testing.T) {
			testHas(t, factory())
		})

		t.Run("RMWInitializesAbsent", func(t *testing.T) {
			testRMWInitializesAbsent(t, factory())
		})

		t.Run("RMWConcurrentIncrement", func(t *testing.T) {
			testRMWConcurrentIncrement(t, factory())
		})

		t.Run("EdgeCases", func(t *testing.T) {
			testEdgeCases(t, factory())
		})

		t.Run("CollisionHandling", func(t *testing.T) {
			testCollisionHandling(t, factory())
		})

		t.Run("RealisticUsage", func(t *testing.T) {
			testRealisticUsage(t, factory())
		})
	})
}

// --------------------------------------------------------------------------
// Test functions
// --------------------------------------------------------------------------

func testSetGet(t *testing.T, s Store) {
	defer s.Dispose()

	testKey := "test-key"
	testValue1 := []byte("test-value1")
	testValue2 := []byte("test-value2")

	if err := s.Set(testKey, testValue1); err != nil {
		t.Fatalf("Set: %v", err)
	}

	result, exists, err := s.Get(testKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !exists {
		t.Errorf("expected key %s to exist after Set", testKey)
	}
	if !bytes.Equal(result, testValue1) {
		t.Errorf("expected value %s, got %s", testValue1, result)
	}

	if err := s.Set(testKey, testValue2); err != nil {
		t.Fatalf("Set: %v", err)
	}

	result, exists, err = s.Get(testKey)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !exists {
		t.Errorf("expected key %s to exist after update", testKey)
	}
	if !bytes.Equal(result, testValue2) {
		t.Errorf("expected value %s, got %s", testValue2, result)
	}

	_, exists, err = s.Get("nonexistent-key")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if exists {
		t.Errorf("expected nonexistent key to return exists=false")
	}
}

func testDelete(t *testing.T, s Store) {
	defer s.Dispose()

	testKey := "delete-test-key"
	testValue := []byte("delete-test-value")

	if err := s.Set(testKey, testValue); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if _, exists, _ := s.Get(testKey); !exists {
		t.Errorf("expected key %s to exist after Set", testKey)
	}

	if err := s.Delete(testKey); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, exists, _ := s.Get(testKey); exists {
		t.Errorf("expected key %s to not exist after Delete", testKey)
	}
	if ok, _ := s.Has(testKey); ok {
		t.Errorf("expected key %s to not exist after Delete", testKey)
	}

	if err := s.Delete("nonexistent-key"); err != nil {
		t.Errorf("Delete of an absent key should not be an error, got %v", err)
	}
}

func testHas(t *testing.T, s Store) {
	defer s.Dispose()

	testKey := "has-exists-test-key"
	testValue := []byte("has-exists-test-value")

	if ok, _ := s.Has(testKey); ok {
		t.Errorf("expected Has to return false for nonexistent key")
	}

	if err := s.Set(testKey, testValue); err != nil {
		t.Fatalf("Set: %v", err)
	}

	if ok, _ := s.Has(testKey); !ok {
		t.Errorf("expected Has to return true after Set")
	}
}

func testRMWInitializesAbsent(t *testing.T, s Store) {
	defer s.Dispose()

	err := s.RMW("counter", func(old []byte, exists bool) []byte {
		if exists {
			t.Errorf("expected counter to be absent on first RMW")
		}
		return []byte("1")
	})
	if err != nil {
		t.Fatalf("RMW: %v", err)
	}

	got, exists, _ := s.Get("counter")
	if !exists || string(got) != "1" {
		t.Errorf("Get after RMW = (%q, %v), want (\"1\", true)", got, exists)
	}
}

func testRMWConcurrentIncrement(t *testing.T, s Store) {
	defer s.Dispose()

	const numGoroutines = 10
	const incrementsPerGoroutine = 100

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for g := 0; g < numGoroutines; g++ {
		go func() {
			defer wg.Done()
			for i := 0; i < incrementsPerGoroutine; i++ {
				err := s.RMW("shared-counter", func(old []byte, exists bool) []byte {
					n := 0
					if exists {
						fmt.Sscanf(string(old), "%d", &n)
					}
					return []byte(fmt.Sprintf("%d", n+1))
				})
				if err != nil {
					t.Errorf("RMW: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	got, exists, _ := s.Get("shared-counter")
	if !exists {
		t.Fatalf("expected shared-counter to exist")
	}
	want := numGoroutines * incrementsPerGoroutine
	gotN := 0
	fmt.Sscanf(string(got), "%d", &gotN)
	if gotN != want {
		t.Errorf("shared-counter = %d, want %d", gotN, want)
	}
}

func testEdgeCases(t *testing.T, s Store) {
	defer s.Dispose()

	emptyKey := ""
	emptyKeyValue := []byte("value for empty key")
	if err := s.Set(emptyKey, emptyKeyValue); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if result, exists, _ := s.Get(emptyKey); !exists || !bytes.Equal(result, emptyKeyValue) {
		t.Errorf("empty key round trip failed: got (%q, %v)", result, exists)
	}

	emptyValueKey := "empty-value-key"
	var emptyValue []byte
	if err := s.Set(emptyValueKey, emptyValue); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if result, exists, _ := s.Get(emptyValueKey); !exists || len(result) != 0 {
		t.Errorf("empty value round trip failed: got (%q, %v)", result, exists)
	}

	largeKey := string(make([]byte, 1000))
	largeKeyValue := []byte("value for large key")
	if err := s.Set(largeKey, largeKeyValue); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if result, exists, _ := s.Get(largeKey); !exists || !bytes.Equal(result, largeKeyValue) {
		t.Errorf("large key round trip failed")
	}

	largeValueKey := "large-value-key"
	largeValue := make([]byte, 256*1024)
	for i := range largeValue {
		largeValue[i] = byte(i % 256)
	}
	if err := s.Set(largeValueKey, largeValue); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if result, exists, _ := s.Get(largeValueKey); !exists || !bytes.Equal(result, largeValue) {
		t.Errorf("large value round trip failed")
	}
}

func testCollisionHandling(t *testing.T, s Store) {
	defer s.Dispose()

	prefix := "collision-test-"
	numKeys := 1000

	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("%s%d", prefix, i)
		value := []byte(fmt.Sprintf("value-%d", i))
		if err := s.Set(key, value); err != nil {
			t.Fatalf("Set(%q): %v", key, err)
		}
	}

	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("%s%d", prefix, i)
		expectedValue := []byte(fmt.Sprintf("value-%d", i))
		actualValue, exists, _ := s.Get(key)
		if !exists {
			t.Errorf("key %s not found", key)
			continue
		}
		if !bytes.Equal(actualValue, expectedValue) {
			t.Errorf("value for key %s does not match: expected %s, got %s", key, expectedValue, actualValue)
		}
	}

	for i := 0; i < numKeys; i += 2 {
		key := fmt.Sprintf("%s%d", prefix, i)
		if err := s.Delete(key); err != nil {
			t.Fatalf("Delete(%q): %v", key, err)
		}
	}

	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("%s%d", prefix, i)
		_, exists, _ := s.Get(key)
		if i%2 == 0 {
			if exists {
				t.Errorf("key %s should be deleted", key)
			}
		} else if !exists {
			t.Errorf("key %s should still exist", key)
		}
	}
}

func testRealisticUsage(t *testing.T, s Store) {
	defer s.Dispose()

	type operation struct {
		op    string
		key   string
		value []byte
	}

	numOperations := 5000
	operations := make([]operation, numOperations)

	for i := 0; i < numOperations; i++ {
		var op string
		switch i % 10 {
		case 0, 1, 2, 3, 4, 5, 6:
			op = "set"
		case 7, 8:
			op = "get"
		case 9:
			op = "delete"
		}

		var key string
		if i%5 == 0 {
			key = fmt.Sprintf("hot-key-%d", i%50)
		} else {
			key = fmt.Sprintf("key-%d", i)
		}

		var value []byte
		if op == "set" {
			valueSize := 64
			if i%10 == 0 {
				valueSize = 1024
			}
			value = make([]byte, valueSize)
			for j := 0; j < valueSize; j++ {
				value[j] = byte((i + j) % 256)
			}
		}

		operations[i] = operation{op, key, value}
	}

	numWorkers := 8
	var wg sync.WaitGroup
	wg.Add(numWorkers)

	var errorCount int32
	opsPerWorker := numOperations / numWorkers

	for w := 0; w < numWorkers; w++ {
		go func(workerID int) {
			defer wg.Done()

			start := workerID * opsPerWorker
			end := start + opsPerWorker

			for i := start; i < end; i++ {
				op := operations[i]
				var err error
				switch op.op {
				case "set":
					err = s.Set(op.key, op.value)
				case "get":
					_, _, err = s.Get(op.key)
				case "delete":
					err = s.Delete(op.key)
				}
				if err != nil {
					atomic.AddInt32(&errorCount, 1)
				}
			}
		}(w)
	}

	wg.Wait()

	if n := atomic.LoadInt32(&errorCount); n > 0 {
		t.Fatalf("realistic usage had %d errors during parallel operations", n)
	}
}

package enginetest

import (
	"fmt"
	"sync/atomic"
	"testing"
)

// RunEngineBenchmarks runs all benchmarks for a Store implementation.
// Grounded on lib/db/testing/db_benchmarks.go's RunKVDBBenchmarks.
func RunEngineBenchmarks(b *testing.B, name string, factory Factory) {
	b.Run(name+"/Set", func(b *testing.B) {
		benchmarkSet(b, factory())
	})

	b.Run(name+"/SetExisting", func(b *testing.B) {
		benchmarkSetExisting(b, factory())
	})

	b.Run(name+"/SetLargeValue", func(b *testing.B) {
		benchmarkSetLargeValue(b, factory())
	})

	b.Run(name+"/Get", func(b *testing.B) {
		benchmarkGet(b, factory())
	})

	b.Run(name+"/Delete", func(b *testing.B) {
		benchmarkDelete(b, factory())
	})

	b.Run(name+"/Has", func(b *testing.B) {
		benchmarkHas(b, factory())
	})

	b.Run(name+"/Has(not)", func(b *testing.B) {
		benchmarkHasNot(b, factory())
	})

	b.Run(name+"/RMW", func(b *testing.B) {
		benchmarkRMW(b, factory())
	})

	b.Run(name+"/MixedUsage", func(b *testing.B) {
		benchmarkMixedUsage(b, factory())
	})
}

func benchmarkSet(b *testing.B, s Store) {
	b.Cleanup(s.Dispose)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			key := fmt.Sprintf("test-key-%d", counter)
			value := []byte(fmt.Sprintf("test-value-%d", counter))
			_ = s.Set(key, value)
			counter++
		}
	})
}

func benchmarkSetExisting(b *testing.B, s Store) {
	b.Cleanup(s.Dispose)

	numKeys := b.N
	if numKeys == 0 {
		numKeys = 1
	}
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("test-key-%d", i)
		value := []byte(fmt.Sprintf("test-value-%d", i))
		_ = s.Set(key, value)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			key := fmt.Sprintf("test-key-%d", counter%numKeys)
			value := []byte(fmt.Sprintf("test-value-%d", counter))
			_ = s.Set(key, value)
			counter++
		}
	})
}

func benchmarkSetLargeValue(b *testing.B, s Store) {
	b.Cleanup(s.Dispose)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			key := fmt.Sprintf("test-key-%d", counter)
			largeValue := make([]byte, 64*1024)
			_ = s.Set(key, largeValue)
			counter++
		}
	})
}

func benchmarkGet(b *testing.B, s Store) {
	b.Cleanup(s.Dispose)

	numKeys := 10000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("test-key-%d", i)
		value := []byte(fmt.Sprintf("test-value-%d", i))
		_ = s.Set(key, value)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			key := fmt.Sprintf("test-key-%d", counter%numKeys)
			_, _, _ = s.Get(key)
			counter++
		}
	})
}

func benchmarkDelete(b *testing.B, s Store) {
	b.Cleanup(s.Dispose)

	numKeys := 100000
	if b.N < numKeys {
		numKeys = b.N
	}
	if numKeys == 0 {
		numKeys = 1
	}

	keys := make([]string, numKeys)
	for i := 0; i < numKeys; i++ {
		keys[i] = fmt.Sprintf("test-key-%d", i)
		value := []byte(fmt.Sprintf("test-value-%d", i))
		_ = s.Set(keys[i], value)
	}

	var counter int64

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			idx := int(atomic.AddInt64(&counter, 1)-1) % numKeys
			_ = s.Delete(keys[idx])
		}
	})
}

func benchmarkHasNot(b *testing.B, s Store) {
	b.Cleanup(s.Dispose)

	const key = "test-key"

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_, _ = s.Has(key)
		}
	})
}

func benchmarkHas(b *testing.B, s Store) {
	b.Cleanup(s.Dispose)

	numKeys := 10000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("test-key-%d", i)
		value := []byte(fmt.Sprintf("test-value-%d", i))
		_ = s.Set(key, value)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			key := fmt.Sprintf("test-key-%d", counter%numKeys)
			_, _ = s.Has(key)
			counter++
		}
	})
}

func benchmarkRMW(b *testing.B, s Store) {
	b.Cleanup(s.Dispose)

	merge := func(old []byte, exists bool) []byte {
		n := 0
		if exists {
			fmt.Sscanf(string(old), "%d", &n)
		}
		return []byte(fmt.Sprintf("%d", n+1))
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = s.RMW("shared-counter", merge)
		}
	})
}

func benchmarkMixedUsage(b *testing.B, s Store) {
	b.Cleanup(s.Dispose)

	numKeys := 10000
	for i := 0; i < numKeys; i++ {
		key := fmt.Sprintf("test-key-%d", i)
		value := []byte(fmt.Sprintf("test-value-%d", i))
		_ = s.Set(key, value)
	}

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			key := fmt.Sprintf("test-key-%d", counter%numKeys)
			switch counter % 10 {
			case 0, 1, 2, 3, 4, 5:
				_, _, _ = s.Get(key)
			case 6, 7, 8:
				_ = s.Set(key, []byte(fmt.Sprintf("updated-%d", counter)))
			case 9:
				_, _ = s.Has(key)
			}
			counter++
		}
	})
}

package readcache

import "testing"

func TestPutGetRoundTrips(t *testing.T) {
	c := New(4, 1.0, nil)

	c.Put(1, "one")
	v, ok := c.Get(1)
	if !ok || v != "one" {
		t.Fatalf("Get(1) = (%v, %v), want (\"one\", true)", v, ok)
	}

	_, ok = c.Get(2)
	if ok {
		t.Fatalf("Get(2) = true, want false for a key never Put")
	}
}

func TestPutOverwritesExistingValue(t *testing.T) {
	c := New(4, 1.0, nil)

	c.Put(1, "one")
	c.Put(1, "uno")

	v, ok := c.Get(1)
	if !ok || v != "uno" {
		t.Fatalf("Get(1) = (%v, %v), want (\"uno\", true)", v, ok)
	}
	if got := c.Len(); got != 1 {
		t.Fatalf("Len = %d, want 1 (overwrite shouldn't grow the ring)", got)
	}
}

func TestRemoveDropsEntryWithoutCallingOnEvict(t *testing.T) {
	var evicted []uint64
	c := New(4, 1.0, func(hash uint64) { evicted = append(evicted, hash) })

	c.Put(1, "one")
	c.Remove(1)

	if _, ok := c.Get(1); ok {
		t.Fatalf("Get(1) after Remove = true, want false")
	}
	if len(evicted) != 0 {
		t.Fatalf("onEvict called %d times after Remove, want 0", len(evicted))
	}
}

// A secondChanceFraction of 0 means no entry, however recently touched, is
// ever exempted from capacity eviction: the cache behaves as a plain FIFO.
func TestZeroSecondChanceFractionActsAsPlainFIFO(t *testing.T) {
	var evicted []uint64
	c := New(2, 0.0, func(hash uint64) { evicted = append(evicted, hash) })

	c.Put(1, "one")
	c.Put(2, "two")

	// Touch the oldest entry repeatedly right before it would be evicted;
	// with secondChanceFraction 0 this must not save it.
	c.Get(1)
	c.Get(1)

	c.Put(3, "three") // forces an eviction since capacity is 2

	if _, ok := c.Get(1); ok {
		t.Fatalf("key 1 survived eviction despite secondChanceFraction=0")
	}
	if len(evicted) != 1 || evicted[0] != 1 {
		t.Fatalf("evicted = %v, want [1]", evicted)
	}
}

// fullSecondChanceFraction (1.0) mirrors the pre-fix behavior: every entry
// gets exactly one requeue before it can be evicted.
func TestFullSecondChanceFractionGrantsOneReprieve(t *testing.T) {
	var evicted []uint64
	c := New(2, 1.0, func(hash uint64) { evicted = append(evicted, hash) })

	c.Put(1, "one")
	c.Put(2, "two")

	c.Get(1) // 1 is oldest; touching it should grant a second chance

	c.Put(3, "three") // evicts the (now) oldest entry, which should be 2, not 1

	if _, ok := c.Get(1); !ok {
		t.Fatalf("key 1 did not survive its second chance")
	}
	if len(evicted) != 1 || evicted[0] != 2 {
		t.Fatalf("evicted = %v, want [2]", evicted)
	}
}

// A record's one reprieve is consumed the moment it becomes the oldest
// entry and gets requeued instead of evicted — not by how many times it
// was touched before then. Once requeued with chances reset, the next
// time it surfaces as oldest it is evicted outright unless touched again
// in the meantime.
func TestSecondChanceIsSpentOnce(t *testing.T) {
	var evicted []uint64
	c := New(2, 1.0, func(hash uint64) { evicted = append(evicted, hash) })

	c.Put(1, "one")
	c.Put(2, "two")
	c.Get(1) // grants key 1 a reprieve while it isn't yet the oldest

	c.Put(3, "three") // evicts 2 outright; 1 is now oldest with its reprieve pending
	c.Put(4, "four")  // 1 is requeued, spending its reprieve; 3 is evicted instead
	c.Put(5, "five")  // 1 is oldest again with no reprieve left: evicted for real

	want := []uint64{2, 3, 1}
	if len(evicted) != len(want) {
		t.Fatalf("evicted = %v, want %v", evicted, want)
	}
	for i := range want {
		if evicted[i] != want[i] {
			t.Fatalf("evicted = %v, want %v", evicted, want)
		}
	}
}

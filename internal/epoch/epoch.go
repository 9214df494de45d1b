// Package epoch implements the safe-memory-reclamation scheme that every
// other engine component relies on: a coarse logical clock advanced by
// BumpCurrentEpoch, with drain callbacks that fire only once every active
// thread has observed a new-enough epoch.
//
// A thread publishes its local epoch with a plain atomic store. Advancing
// the global epoch is a compare-and-swap loop with backoff: after each lost
// race it yields the processor a growing number of times.
package epoch

import (
	"container/heap"
	"runtime"
	"sync"
	"sync/atomic"
)

const (
	// Unprotected marks a table slot that no thread currently owns.
	Unprotected uint64 = 0

	maxBackoffShift = 10
)

// entry is one thread's registration slot. Slots are cache-line sized so
// that concurrent threads refreshing their own epoch never false-share.
type entry struct {
	localEpoch atomic.Uint64
	_          [7]uint64 // pad to 64 bytes alongside the uint64 above
}

// drainAction is a callback registered to fire once no thread can still be
// running in an epoch older than triggerEpoch.
type drainAction struct {
	triggerEpoch uint64
	action       func()
}

// drainHeap orders pending drain actions by trigger epoch so ProtectAndDrain
// only has to look at the front of the heap.
type drainHeap []*drainAction

func (h drainHeap) Len() int            { return len(h) }
func (h drainHeap) Less(i, j int) bool  { return h[i].triggerEpoch < h[j].triggerEpoch }
func (h drainHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *drainHeap) Push(x interface{}) { *h = append(*h, x.(*drainAction)) }
func (h *drainHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Manager is the epoch table plus the global epoch counter and drain queue.
// One Manager is shared by an entire engine instance.
type Manager struct {
	current atomic.Uint64

	tableMu sync.RWMutex
	table   []*entry
	free    []int // indices in table not currently owned by any thread

	drainMu sync.Mutex
	drain   drainHeap
}

// New creates a manager with the global epoch initialised to 1 (0 is
// reserved to mean "never acquired").
func New() *Manager {
	m := &Manager{}
	m.current.Store(1)
	heap.Init(&m.drain)
	return m
}

// Acquire marks a thread active in the current epoch and returns a token
// identifying its table slot. The token must be passed to Release, Refresh
// and ProtectAndDrain.
func (m *Manager) Acquire() int {
	slot := m.claimSlot()
	m.table[slot].localEpoch.Store(m.current.Load())
	return slot
}

// claimSlot finds a free table slot, growing the table under the write
// lock if none is available. Growth is rare (bounded by peak concurrency)
// so the RWMutex is not a hot-path cost.
func (m *Manager) claimSlot() int {
	m.tableMu.Lock()
	defer m.tableMu.Unlock()

	if n := len(m.free); n > 0 {
		slot := m.free[n-1]
		m.free = m.free[:n-1]
		return slot
	}

	m.table = append(m.table, &entry{})
	return len(m.table) - 1
}

// Release marks a thread's slot inactive, making it available for reuse and
// invisible to the safe-epoch computation.
func (m *Manager) Release(slot int) {
	m.table[slot].localEpoch.Store(Unprotected)

	m.tableMu.Lock()
	m.free = append(m.free, slot)
	m.tableMu.Unlock()
}

// Refresh advances a thread's local epoch to the current global epoch.
func (m *Manager) Refresh(slot int) {
	m.table[slot].localEpoch.Store(m.current.Load())
}

// ProtectAndDrain refreshes the calling thread's epoch and runs any drain
// callback whose trigger epoch has become safe, i.e. is <= the epoch
// observed by every currently active thread.
func (m *Manager) ProtectAndDrain(slot int) {
	m.Refresh(slot)
	m.tryDrain()
}

func (m *Manager) tryDrain() {
	safe := m.computeSafeEpoch()

	m.drainMu.Lock()
	var ready []*drainAction
	for m.drain.Len() > 0 && m.drain[0].triggerEpoch <= safe {
		ready = append(ready, heap.Pop(&m.drain).(*drainAction))
	}
	m.drainMu.Unlock()

	for _, a := range ready {
		a.action()
	}
}

// computeSafeEpoch is the minimum local epoch across all active slots, or
// the current epoch if nothing is active. Bounded by the number of
// concurrently registered threads, which is small in practice.
func (m *Manager) computeSafeEpoch() uint64 {
	m.tableMu.RLock()
	defer m.tableMu.RUnlock()

	safe := m.current.Load()
	for _, e := range m.table {
		if local := e.localEpoch.Load(); local != Unprotected && local < safe {
			safe = local
		}
	}
	return safe
}

// BumpCurrentEpoch advances the global epoch and schedules action to run
// once every thread has moved past the epoch that was current just before
// the bump. If action is nil the epoch is still bumped.
func (m *Manager) BumpCurrentEpoch(action func()) uint64 {
	next := m.bumpWithBackoff()

	if action != nil {
		m.drainMu.Lock()
		heap.Push(&m.drain, &drainAction{triggerEpoch: next, action: action})
		m.drainMu.Unlock()
	}

	m.tryDrain()
	return next
}

func (m *Manager) bumpWithBackoff() uint64 {
	var backoff uint
	for {
		cur := m.current.Load()
		if m.current.CompareAndSwap(cur, cur+1) {
			return cur + 1
		}
		if backoff < maxBackoffShift {
			backoff++
		}
		for i := 0; i < 1<<backoff; i++ {
			runtime.Gosched()
		}
	}
}

// CurrentEpoch returns the global epoch counter's current value.
func (m *Manager) CurrentEpoch() uint64 { return m.current.Load() }

// PendingDrains reports how many drain actions are still queued, for tests
// and diagnostics.
func (m *Manager) PendingDrains() int {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()
	return m.drain.Len()
}

// Package localstore is a single-node, byte-string convenience façade over
// internal/engine: one implicit session per Store, blocking calls that
// spin through CompletePending on the caller's behalf instead of exposing
// the engine's async pending-I/O contract directly.
//
// Grounded on lib/store/lstore/store.go's storeImpl, which wraps a
// db.KVDB the same way: one hidden monotonic counter (there, a write
// index; here, the session's serial numbers, which the engine already
// tracks) and a thin method-for-method translation to the interface a
// remote client actually wants to call.
package localstore

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"runtime"
	"sync"

	"github.com/birchkv/birch/internal/device"
	"github.com/birchkv/birch/internal/engine"
	"github.com/birchkv/birch/internal/session"
)

// MergeFunc computes an RMW's new value from the key's current value.
// exists is false when the key has never been written; old is nil in that
// case. Passing a MergeFunc as the engine's In type turns InitialUpdater,
// CopyUpdater and InPlaceUpdater into three call sites for the same
// caller-supplied closure instead of three separate merge notions.
type MergeFunc func(old []byte, exists bool) []byte

type readOutcome struct {
	status engine.Status
	value  []byte
}

// Store is a byte-string key-value store backed by one Engine instance and
// one always-current session. Safe for concurrent use: exported methods
// serialize on an internal mutex, since the pending-I/O completion
// channels below are per-Store, not per-call.
type Store struct {
	mu   sync.Mutex
	eng  *engine.Engine[string, []byte, MergeFunc, []byte]
	sess *session.Session

	readCh   chan readOutcome
	rmwCh    chan engine.Status
	deleteCh chan engine.Status
}

// stringKeyHasher hashes string keys with FNV-1a, satisfying
// hlog.KeyHasher[string] without leaning on the reflection-based default
// comparer spec.md rejects.
type stringKeyHasher struct{}

func (stringKeyHasher) Hash(k string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(k))
	return h.Sum64()
}

func (stringKeyHasher) Equal(a, b string) bool { return a == b }

// lengthPrefixed is a KeyCodec[string]/ValueCodec[[]byte] whose SizeOf is
// computed purely from the decoded value (4-byte length prefix plus the
// bytes themselves) so ReadRecord's "SizeOf(decoded value)" call recovers
// the exact byte span Encode originally produced.
type lengthPrefixedString struct{}

func (lengthPrefixedString) SizeOf(k string) int { return 4 + len(k) }
func (lengthPrefixedString) Encode(buf []byte, k string) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(k)))
	copy(buf[4:], k)
}
func (lengthPrefixedString) Decode(buf []byte) string {
	n := binary.LittleEndian.Uint32(buf[0:4])
	return string(buf[4 : 4+n])
}

type lengthPrefixedBytes struct{}

func (lengthPrefixedBytes) SizeOf(v []byte) int { return 4 + len(v) }
func (lengthPrefixedBytes) Encode(buf []byte, v []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(v)))
	copy(buf[4:], v)
}
func (lengthPrefixedBytes) Decode(buf []byte) []byte {
	n := binary.LittleEndian.Uint32(buf[0:4])
	out := make([]byte, n)
	copy(out, buf[4:4+n])
	return out
}

// New constructs an engine for string keys and []byte values and wraps it
// in a Store. The completion callbacks feed the Store's own await
// channels, so the engine itself is never exposed to callers of Store.
func New(opts engine.Options, dev device.Device) (*Store, error) {
	s := &Store{
		readCh:   make(chan readOutcome, 1),
		rmwCh:    make(chan engine.Status, 1),
		deleteCh: make(chan engine.Status, 1),
	}

	copyOf := func(v []byte) []byte {
		if v == nil {
			return nil
		}
		out := make([]byte, len(v))
		copy(out, v)
		return out
	}

	fns := engine.Functions[string, []byte, MergeFunc, []byte]{
		SingleReader:     func(_ string, _ MergeFunc, value []byte) []byte { return copyOf(value) },
		ConcurrentReader: func(_ string, _ MergeFunc, value []byte) []byte { return copyOf(value) },
		SingleWriter:     func(_ string, value []byte) []byte { return copyOf(value) },
		ConcurrentWriter: func(_ string, _ []byte, value []byte) ([]byte, bool) { return copyOf(value), true },
		InitialUpdater:   func(_ string, merge MergeFunc) []byte { return merge(nil, false) },
		CopyUpdater:      func(_ string, merge MergeFunc, old []byte) []byte { return merge(old, true) },
		InPlaceUpdater: func(_ string, merge MergeFunc, cur []byte) ([]byte, bool) {
			return merge(cur, true), true
		},
		OnReadComplete: func(status engine.Status, out []byte) {
			s.readCh <- readOutcome{status: status, value: out}
		},
		OnRMWComplete:    func(status engine.Status) { s.rmwCh <- status },
		OnDeleteComplete: func(status engine.Status) { s.deleteCh <- status },
	}

	eng, err := engine.New[string, []byte, MergeFunc, []byte](
		opts, stringKeyHasher{}, lengthPrefixedString{}, lengthPrefixedBytes{}, fns, dev,
	)
	if err != nil {
		return nil, err
	}

	s.eng = eng
	s.sess = eng.StartSession()
	return s, nil
}

// Get returns the value stored for key, blocking on any on-disk fetch.
func (s *Store) Get(key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out, status := s.eng.Read(s.sess, key, nil)
	if status == engine.StatusPending {
		status, out = s.awaitRead()
	} else {
		drainRead(s.readCh)
	}

	switch status {
	case engine.StatusOK:
		return out, true, nil
	case engine.StatusNotFound:
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("localstore: get %q failed: %s", key, status)
	}
}

// Has reports whether key currently resolves to a live (non-tombstoned)
// record, blocking on any on-disk fetch the same way Get does.
func (s *Store) Has(key string) (bool, error) {
	_, ok, err := s.Get(key)
	return ok, err
}

// Set installs value for key unconditionally.
func (s *Store) Set(key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if status := s.eng.Upsert(key, value); status != engine.StatusOK {
		return fmt.Errorf("localstore: set %q failed: %s", key, status)
	}
	return nil
}

// RMW applies merge to key's current value (nil, false if absent),
// blocking on any on-disk fetch the merge needs to see the prior value.
func (s *Store) RMW(key string, merge MergeFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.eng.RMW(s.sess, key, merge)
	if status == engine.StatusPending {
		status = s.awaitRMW()
	} else {
		drainStatus(s.rmwCh)
	}
	if status != engine.StatusOK {
		return fmt.Errorf("localstore: rmw %q failed: %s", key, status)
	}
	return nil
}

// Delete tombstones key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	status := s.eng.Delete(s.sess, key)
	if status == engine.StatusPending {
		status = s.awaitDelete()
	} else {
		drainStatus(s.deleteCh)
	}
	if status != engine.StatusOK && status != engine.StatusNotFound {
		return fmt.Errorf("localstore: delete %q failed: %s", key, status)
	}
	return nil
}

// EntryCount and IndexSize expose the underlying engine's observability
// accessors verbatim (spec.md §6).
func (s *Store) EntryCount() int64  { return s.eng.EntryCount() }
func (s *Store) IndexSize() uint64  { return s.eng.IndexSize() }
func (s *Store) Dispose()           { s.eng.Dispose() }

// drainRead/drainStatus discard the completion signal a synchronous
// (non-pending) operation still pushes through its callback, keeping the
// size-1 await channel empty for the next call on this Store.
func drainRead(ch chan readOutcome) {
	select {
	case <-ch:
	default:
	}
}

func drainStatus(ch chan engine.Status) {
	select {
	case <-ch:
	default:
	}
}

func (s *Store) awaitRead() (engine.Status, []byte) {
	for {
		select {
		case r := <-s.readCh:
			return r.status, r.value
		default:
		}
		s.eng.CompletePending(s.sess)
		runtime.Gosched()
	}
}

func (s *Store) awaitRMW() engine.Status {
	for {
		select {
		case status := <-s.rmwCh:
			return status
		default:
		}
		s.eng.CompletePending(s.sess)
		runtime.Gosched()
	}
}

func (s *Store) awaitDelete() engine.Status {
	for {
		select {
		case status := <-s.deleteCh:
			return status
		default:
		}
		s.eng.CompletePending(s.sess)
		runtime.Gosched()
	}
}

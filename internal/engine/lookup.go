package engine

import (
	"github.com/birchkv/birch/internal/addr"
	"github.com/birchkv/birch/internal/hlog"
	"github.com/birchkv/birch/internal/session"
)

// walkResult is the outcome of walking a key's hash chain into the log.
type walkResult[K comparable, V any] struct {
	status   internalStatus
	record   hlog.Record[K, V]
	diskAddr addr.Address // valid only when status == internalRecordOnDisk
}

// recordAt decodes the record living at a. Callers must have already
// established a is resident (ContainsInMemory) or are reading through the
// device path instead.
func (e *Engine[K, V, In, Out]) recordAt(a addr.Address) hlog.Record[K, V] {
	raw := e.log.BytesAt(a, e.log.SpanToPageEnd(a))
	rec := e.log.ReadRecord(raw)
	rec.Address = a
	return rec
}

// walkChain follows previous_address links starting at head, looking for a
// record whose key equals key. Records marked invalid (superseded, e.g. by
// a resize) are skipped without terminating the walk. The first in-memory
// record whose address has since fallen behind HeadAddress ends the walk
// with internalRecordOnDisk so the caller can continue asynchronously.
func (e *Engine[K, V, In, Out]) walkChain(head addr.Address, key K) walkResult[K, V] {
	cur := head
	for cur.Valid() {
		if !e.log.ContainsInMemory(cur) {
			return walkResult[K, V]{status: internalRecordOnDisk, diskAddr: cur}
		}
		rec := e.recordAt(cur)
		if rec.Header.Invalid() {
			cur = rec.Header.PreviousAddress()
			continue
		}
		if e.keyHasher.Equal(rec.Key, key) {
			if rec.Header.Tombstone() {
				return walkResult[K, V]{status: internalNotFound}
			}
			return walkResult[K, V]{status: internalSuccess, record: rec}
		}
		cur = rec.Header.PreviousAddress()
	}
	return walkResult[K, V]{status: internalNotFound}
}

// fetchChain issues an asynchronous device read for a chain link already
// known to be on disk, resuming the walk from the decoded record: a key
// match ends it, a mismatch or invalidated record continues to
// previous_address, in memory or via another device read as needed.
func (e *Engine[K, V, In, Out]) fetchChain(key K, at addr.Address, done func(walkResult[K, V])) {
	e.log.ReadFromDevice(at, func(rec hlog.Record[K, V], err error) {
		if err != nil {
			e.logger.Warningf("device read failed at %s: %v", at, err)
			done(walkResult[K, V]{status: internalRetryLater})
			return
		}
		rec.Address = at
		if rec.Header.Invalid() {
			e.continueFrom(key, rec.Header.PreviousAddress(), done)
			return
		}
		if e.keyHasher.Equal(rec.Key, key) {
			if rec.Header.Tombstone() {
				done(walkResult[K, V]{status: internalNotFound})
				return
			}
			done(walkResult[K, V]{status: internalSuccess, record: rec})
			return
		}
		e.continueFrom(key, rec.Header.PreviousAddress(), done)
	})
}

func (e *Engine[K, V, In, Out]) continueFrom(key K, at addr.Address, done func(walkResult[K, V])) {
	if !at.Valid() {
		done(walkResult[K, V]{status: internalNotFound})
		return
	}
	if e.log.ContainsInMemory(at) {
		done(e.walkChain(at, key))
		return
	}
	e.fetchChain(key, at, done)
}

// inNewVersion reports whether a record written right now should carry the
// in_new_version flag: the checkpoint phase walk has left REST, meaning a
// version shift is in flight and mutations belong to the version being
// checkpointed into rather than the one already being persisted.
func (e *Engine[K, V, In, Out]) inNewVersion() bool {
	phase, _ := e.checkpoint.SystemState()
	return phase != session.PhaseREST
}

package engine

import (
	"github.com/birchkv/birch/internal/hashindex"
	"github.com/birchkv/birch/internal/session"
)

// Delete tombstones key: in place if the chain head is mutable and already
// this key, otherwise by appending a tombstone record so the key resolves
// to "not found" without disturbing any older, read-only or on-disk
// version still reachable further down the chain (needed for CPR: a
// checkpoint that captured the pre-delete state must still be able to
// recover it).
func (e *Engine[K, V, In, Out]) Delete(sess *session.Session, key K) Status {
	e.metrics.IncOp("delete")

	slot := e.epoch.Acquire()
	e.epoch.Refresh(slot)
	defer e.epoch.Release(slot)

	hash := e.keyHasher.Hash(key)
	status := e.deleteAttempt(slot, sess, hash, key)
	if status != StatusPending {
		e.completeDelete(status)
	}
	return status
}

func (e *Engine[K, V, In, Out]) deleteAttempt(slot int, sess *session.Session, hash uint64, key K) Status {
	var res walkResult[K, V]

	e.index.WithEntry(hash, func(entry hashindex.Entry, ok bool, _ func(hashindex.Entry) bool) {
		if !ok {
			res = walkResult[K, V]{status: internalNotFound}
			return
		}
		res = e.walkChain(entry.Address(), key)
	})

	switch res.status {
	case internalNotFound:
		return StatusNotFound
	case internalRecordOnDisk:
		reqID := sess.NextRequestID()
		serial := sess.NextSerialNum()
		sess.AddPending(session.PendingRequest{ID: reqID, SerialNum: serial, Key: key, Op: session.OpDelete})
		e.fetchChain(key, res.diskAddr, func(fres walkResult[K, V]) {
			// The call that registered this pending request has already
			// returned by the time this callback runs, so its epoch slot
			// may already be released — finishDelete must not assume slot
			// is still live here.
			status := e.finishDelete(noSlot, sess, hash, key, fres)
			var zero Out
			e.storeResult(sess.Guid, reqID, status, zero)
			sess.CompletePendingOne(reqID)
		})
		return StatusPending
	default:
		return e.finishDelete(slot, sess, hash, key, res)
	}
}

func (e *Engine[K, V, In, Out]) finishDelete(slot int, sess *session.Session, hash uint64, key K, res walkResult[K, V]) Status {
	if res.status != internalSuccess {
		return StatusError
	}

	var zero V

	if e.log.IsMutable(res.record.Address) {
		buf := e.log.BytesAt(res.record.Address, e.log.SpanToPageEnd(res.record.Address))
		e.log.WriteRecord(buf, res.record.Header.PreviousAddress(), true, e.inNewVersion(), key, zero)
		if e.cache != nil {
			e.cache.Remove(hash)
		}
		return StatusOK
	}

	size := e.log.RecordSize(key, zero)
	newAddr, buf, err := e.allocateRetryingFor(slot, size)
	if err != nil {
		return StatusError
	}

	// previous must be the chain's current head, not res.record.Address:
	// res.record may sit deeper in a chain shared with another key's
	// tag, and CASing against its own address can never succeed once
	// that key is no longer the head.
	committed := false
	e.index.WithEntry(hash, func(entry hashindex.Entry, ok bool, commit func(hashindex.Entry) bool) {
		if !ok {
			return
		}
		e.log.WriteRecord(buf, entry.Address(), true, e.inNewVersion(), key, zero)
		committed = commit(hashindex.MakeEntry(entry.Tag(), newAddr, false))
	})
	if !committed {
		return e.deleteAttempt(slot, sess, hash, key)
	}
	if e.cache != nil {
		e.cache.Remove(hash)
	}
	return StatusOK
}

func (e *Engine[K, V, In, Out]) completeDelete(status Status) {
	if e.functions.OnDeleteComplete != nil {
		e.functions.OnDeleteComplete(status)
	}
}

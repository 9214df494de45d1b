package engine

import (
	"github.com/birchkv/birch/internal/addr"
	"github.com/birchkv/birch/internal/hashindex"
	"github.com/birchkv/birch/internal/session"
)

// RMW (read-modify-write) applies InPlaceUpdater to a mutable record found
// in place, CopyUpdater to a record found read-only or on disk, or
// InitialUpdater when the key has never been written. A record on disk
// resolves asynchronously through the same pending-I/O path as Read.
func (e *Engine[K, V, In, Out]) RMW(sess *session.Session, key K, in In) Status {
	e.metrics.IncOp("rmw")

	slot := e.epoch.Acquire()
	e.epoch.Refresh(slot)
	defer e.epoch.Release(slot)

	hash := e.keyHasher.Hash(key)
	status := e.rmwAttempt(slot, sess, hash, key, in)
	if status != StatusPending {
		e.completeRMW(status)
	}
	return status
}

func (e *Engine[K, V, In, Out]) rmwAttempt(slot int, sess *session.Session, hash uint64, key K, in In) Status {
	var res walkResult[K, V]

	e.index.WithEntry(hash, func(entry hashindex.Entry, ok bool, _ func(hashindex.Entry) bool) {
		if !ok {
			res = walkResult[K, V]{status: internalNotFound}
			return
		}
		res = e.walkChain(entry.Address(), key)
	})

	if res.status == internalRecordOnDisk {
		reqID := sess.NextRequestID()
		serial := sess.NextSerialNum()
		sess.AddPending(session.PendingRequest{ID: reqID, SerialNum: serial, Key: key, Op: session.OpRMW})
		e.fetchChain(key, res.diskAddr, func(fres walkResult[K, V]) {
			// The call that registered this pending request has already
			// returned by the time this callback runs, so its epoch slot
			// may already be released — finishRMW must not assume slot is
			// still live here.
			status := e.finishRMW(noSlot, sess, hash, key, in, fres)
			var zero Out
			e.storeResult(sess.Guid, reqID, status, zero)
			sess.CompletePendingOne(reqID)
		})
		return StatusPending
	}

	return e.finishRMW(slot, sess, hash, key, in, res)
}

func (e *Engine[K, V, In, Out]) finishRMW(slot int, sess *session.Session, hash uint64, key K, in In, res walkResult[K, V]) Status {
	switch res.status {
	case internalSuccess:
		if e.functions.InPlaceUpdater != nil && e.log.IsMutable(res.record.Address) {
			newVal, ok := e.functions.InPlaceUpdater(key, in, res.record.Value)
			if ok {
				buf := e.log.BytesAt(res.record.Address, e.log.SpanToPageEnd(res.record.Address))
				e.log.WriteRecord(buf, res.record.Header.PreviousAddress(), false, e.inNewVersion(), key, newVal)
				if e.cache != nil {
					e.cache.Remove(hash)
				}
				return StatusOK
			}
		}
	case internalNotFound:
	default:
		return StatusError
	}

	// previous must be the chain's current head, not res.record.Address:
	// res.record may sit deeper in a chain shared with another key's
	// tag, and CASing against its own address can never succeed once
	// that key is no longer the head.
	var allocErr error
	committed := false
	e.index.WithOrCreateEntry(hash, addr.Invalid, func(entry hashindex.Entry, commit func(hashindex.Entry) bool) {
		head := entry.Address()

		var value V
		switch res.status {
		case internalSuccess:
			if e.functions.CopyUpdater != nil {
				value = e.functions.CopyUpdater(key, in, res.record.Value)
			} else {
				value = res.record.Value
			}
		case internalNotFound:
			if e.functions.InitialUpdater != nil {
				value = e.functions.InitialUpdater(key, in)
			}
		}

		size := e.log.RecordSize(key, value)
		newAddr, buf, err := e.allocateRetryingFor(slot, size)
		if err != nil {
			allocErr = err
			return
		}
		e.log.WriteRecord(buf, head, false, e.inNewVersion(), key, value)

		committed = commit(hashindex.MakeEntry(entry.Tag(), newAddr, false))
	})

	if allocErr != nil {
		return StatusError
	}
	if !committed {
		return e.rmwAttempt(slot, sess, hash, key, in)
	}
	if e.cache != nil {
		e.cache.Remove(hash)
	}
	return StatusOK
}

func (e *Engine[K, V, In, Out]) completeRMW(status Status) {
	if e.functions.OnRMWComplete != nil {
		e.functions.OnRMWComplete(status)
	}
}

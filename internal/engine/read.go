package engine

import (
	"github.com/birchkv/birch/internal/hashindex"
	"github.com/birchkv/birch/internal/hlog"
	"github.com/birchkv/birch/internal/session"
)

// Read looks up key, calling the concurrent or single reader depending on
// which region of the log the record was found in. A record still on disk
// registers a pending request against sess and returns StatusPending; the
// caller learns the outcome through OnReadComplete once CompletePending (or
// a later Refresh-driven retry) observes it.
func (e *Engine[K, V, In, Out]) Read(sess *session.Session, key K, in In) (Out, Status) {
	var zero Out
	e.metrics.IncOp("read")

	slot := e.epoch.Acquire()
	e.epoch.Refresh(slot)
	defer e.epoch.Release(slot)

	hash := e.keyHasher.Hash(key)

	if e.cache != nil {
		if v, ok := e.cache.Get(hash); ok {
			e.metrics.CacheHit()
			out := e.functions.SingleReader(key, in, v.(V))
			if e.functions.OnReadComplete != nil {
				e.functions.OnReadComplete(StatusOK, out)
			}
			return out, StatusOK
		}
		e.metrics.CacheMiss()
	}

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
		sess.AddPending(session.PendingRequest{ID: reqID, SerialNum: serial, Key: key, Op: session.OpRead})
		e.fetchChain(key, res.diskAddr, func(fres walkResult[K, V]) {
			out, status := e.resolveRead(hash, key, in, fres)
			e.storeResult(sess.Guid, reqID, status, out)
			sess.CompletePendingOne(reqID)
		})
		return zero, StatusPending
	}

	out, status := e.resolveRead(hash, key, in, res)
	if e.functions.OnReadComplete != nil {
		e.functions.OnReadComplete(status, out)
	}
	return out, status
}

// copyRecordToTail appends a fresh copy of a read-only or on-disk record to
// the mutable tail region and CASes the hash entry to point at it, so a
// record read once from the colder part of the log serves subsequent reads
// (and in-place updates) from the hottest, cheapest region. A lost CAS race
// (someone else wrote a newer version first) is treated as a no-op: the
// read already returned correct data, this is purely an optimization.
func (e *Engine[K, V, In, Out]) copyRecordToTail(hash uint64, key K, rec hlog.Record[K, V]) {
	size := e.log.RecordSize(key, rec.Value)
	newAddr, buf, err := e.log.Allocate(size)
	if err != nil {
		return
	}
	e.log.WriteRecord(buf, rec.Address, false, e.inNewVersion(), key, rec.Value)
	e.index.WithEntry(hash, func(entry hashindex.Entry, ok bool, commit func(hashindex.Entry) bool) {
		if ok && entry.Address() == rec.Address {
			commit(hashindex.MakeEntry(entry.Tag(), newAddr, false))
		}
	})
}

// resolveRead computes a Read's outcome without invoking OnReadComplete:
// callers decide when the callback fires, since a record resolved through
// the async on-disk path must fire it exactly once, from CompletePending,
// not from here as well.
func (e *Engine[K, V, In, Out]) resolveRead(hash uint64, key K, in In, res walkResult[K, V]) (Out, Status) {
	var zero Out
	switch res.status {
	case internalSuccess:
		var out Out
		if res.record.Address >= e.log.Frontiers().SafeReadOnly() {
			out = e.functions.ConcurrentReader(key, in, res.record.Value)
		} else {
			out = e.functions.SingleReader(key, in, res.record.Value)
			if e.copyToTail {
				e.copyRecordToTail(hash, key, res.record)
			}
		}
		if e.cache != nil {
			e.cache.Put(hash, res.record.Value)
		}
		return out, StatusOK
	case internalNotFound:
		return zero, StatusNotFound
	default:
		return zero, StatusError
	}
}

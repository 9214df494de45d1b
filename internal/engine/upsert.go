package engine

import (
	"github.com/birchkv/birch/internal/addr"
	"github.com/birchkv/birch/internal/hashindex"
)

// Upsert blindly installs value for key: in place via ConcurrentWriter if
// the chain head is both mutable and already this key, otherwise by
// appending a fresh record at the tail and CASing the hash entry to point
// at it. Upsert never needs to consult disk — unlike Read and RMW it has no
// reason to inspect an old value it isn't required to preserve — so it
// never returns StatusPending.
func (e *Engine[K, V, In, Out]) Upsert(key K, value V) Status {
	e.metrics.IncOp("upsert")

	slot := e.epoch.Acquire()
	e.epoch.Refresh(slot)
	defer e.epoch.Release(slot)

	hash := e.keyHasher.Hash(key)

	for {
		status, retry := e.upsertAttempt(slot, hash, key, value)
		if !retry {
			if e.functions.OnUpsertComplete != nil {
				e.functions.OnUpsertComplete(status)
			}
			return status
		}
	}
}

func (e *Engine[K, V, In, Out]) upsertAttempt(slot int, hash uint64, key K, value V) (status Status, retry bool) {
	e.index.WithOrCreateEntry(hash, addr.Invalid, func(entry hashindex.Entry, commit func(hashindex.Entry) bool) {
		head := entry.Address()

		if head.Valid() && e.log.ContainsInMemory(head) && e.log.IsMutable(head) {
			rec := e.recordAt(head)
			if e.keyHasher.Equal(rec.Key, key) && !rec.Header.Tombstone() && e.functions.ConcurrentWriter != nil {
				newVal, ok := e.functions.ConcurrentWriter(key, rec.Value, value)
				if ok {
					buf := e.log.BytesAt(head, e.log.SpanToPageEnd(head))
					e.log.WriteRecord(buf, rec.Header.PreviousAddress(), false, e.inNewVersion(), key, newVal)
					status = StatusOK
					return
				}
			}
		}

		written := value
		if e.functions.SingleWriter != nil {
			written = e.functions.SingleWriter(key, value)
		}
		size := e.log.RecordSize(key, written)
		newAddr, buf, err := e.allocateRetrying(slot, size)
		if err != nil {
			status = StatusError
			return
		}
		e.log.WriteRecord(buf, head, false, e.inNewVersion(), key, written)

		if !commit(hashindex.MakeEntry(entry.Tag(), newAddr, false)) {
			retry = true
			return
		}
		status = StatusOK
	})

	if !retry && status == StatusOK && e.cache != nil {
		e.cache.Remove(hash)
	}
	return status, retry
}

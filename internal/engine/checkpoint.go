package engine

import (
	"runtime"

	"github.com/google/uuid"

	"github.com/birchkv/birch/internal/addr"
	"github.com/birchkv/birch/internal/checkpoint"
	"github.com/birchkv/birch/internal/hashindex"
	"github.com/birchkv/birch/internal/session"
)

func (e *Engine[K, V, In, Out]) checkpointHooks() checkpoint.Hooks {
	return checkpoint.Hooks{
		Version: func() uint64 {
			_, v := e.checkpoint.SystemState()
			return v
		},
		TailAddress: func() uint64 { return uint64(e.log.Frontiers().Tail()) },
		SnapshotIndex: func() []byte {
			return e.index.Snapshot()
		},
		Frontiers: func() (begin, head, readOnly, flushedUntil, tail uint64) {
			f := e.log.Frontiers()
			return uint64(f.Begin()), uint64(f.Head()), uint64(f.ReadOnly()), uint64(e.log.FlushedUntil()), uint64(f.Tail())
		},
		BeginVersionShift: func(uint64) {
			e.sessions.Range(func(_ string, s *session.Session) bool {
				s.BeginVersionShift()
				return true
			})
		},
		WaitPendingDrained: e.waitPendingDrained,
		FlushAndFold: func(variant checkpoint.Variant) uint64 {
			cut := e.log.Frontiers().Tail()
			switch variant {
			case checkpoint.VariantFoldOver:
				e.log.FoldOver(cut)
				e.log.FlushTo(cut)
			case checkpoint.VariantSnapshot:
				// ReadOnlyAddress must stay exactly where it was: the
				// mutable region's bytes are captured separately by
				// SnapshotMutable below, not by paging them back from the
				// device, so folding here would both corrupt live-log
				// semantics for concurrent readers and leave
				// SnapshotMutable nothing left to capture. Only the
				// already-read-only portion needs to be durable on the
				// device; the mutable portion is captured inline instead.
				e.log.FlushTo(e.log.Frontiers().ReadOnly())
			}
			return uint64(cut)
		},
		SnapshotMutable: func(cut uint64) []byte {
			from := e.log.Frontiers().ReadOnly()
			return e.log.SnapshotMutable(from, addr.Address(cut))
		},
		CommitPoints: func() map[string]uint64 {
			out := make(map[string]uint64)
			e.sessions.Range(func(guid string, s *session.Session) bool {
				out[guid] = s.CommitPoint().SerialNum
				return true
			})
			return out
		},
	}
}

// waitPendingDrained blocks (cooperatively yielding) until every session's
// pre-shift pending set has emptied, unless relaxed is set, in which case
// the checkpoint proceeds immediately and any requests still in flight are
// recorded as excluded serial numbers in that session's commit point.
func (e *Engine[K, V, In, Out]) waitPendingDrained(relaxed bool) {
	if relaxed {
		return
	}
	for {
		drained := true
		e.sessions.Range(func(_ string, s *session.Session) bool {
			if !s.PrevContextDrained() {
				drained = false
				return false
			}
			return true
		})
		if drained {
			return
		}
		runtime.Gosched()
	}
}

// TakeIndexCheckpoint snapshots the hash index alone.
func (e *Engine[K, V, In, Out]) TakeIndexCheckpoint() (uuid.UUID, error) {
	return e.checkpoint.TakeIndexCheckpoint()
}

// TakeHybridLogCheckpoint runs the CPR phase walk and persists the log's
// frontiers (and, for the Snapshot variant, the mutable region's bytes).
func (e *Engine[K, V, In, Out]) TakeHybridLogCheckpoint(variant checkpoint.Variant) (uuid.UUID, error) {
	return e.checkpoint.TakeHybridLogCheckpoint(variant)
}

// TakeFullCheckpoint takes an index checkpoint immediately followed by a
// hybrid-log checkpoint.
func (e *Engine[K, V, In, Out]) TakeFullCheckpoint(variant checkpoint.Variant) (indexToken, logToken uuid.UUID, err error) {
	return e.checkpoint.TakeFullCheckpoint(variant)
}

// CompleteCheckpoint waits for (or, with wait=false, polls) a checkpoint's
// persistence outcome.
func (e *Engine[K, V, In, Out]) CompleteCheckpoint(token uuid.UUID, wait bool) error {
	return e.checkpoint.CompleteCheckpoint(token, wait)
}

// Recover restores engine state from a prior index and/or hybrid-log
// checkpoint. Pass uuid.Nil for indexToken to recover from a hybrid-log
// checkpoint alone.
func (e *Engine[K, V, In, Out]) Recover(indexToken, logToken uuid.UUID) error {
	var pageInErr error

	err := e.checkpoint.Recover(indexToken, logToken, checkpoint.RecoverHooks{
		RestoreFrontiers: func(begin, head, readOnly, flushedUntil, tail uint64) {
			f := e.log.Frontiers()
			f.SetBegin(addr.Address(begin))
			f.SetHead(addr.Address(head))
			f.SetSafeHead(addr.Address(head))
			f.SetReadOnly(addr.Address(readOnly))
			f.SetSafeReadOnly(addr.Address(readOnly))
			f.SetTail(addr.Address(tail))
			e.log.RestoreFlushedUntil(addr.Address(flushedUntil))

			// A fresh Allocator's page ring holds only zeroes; without
			// paging the flushed region back in, every address below it
			// decodes as garbage. Only [head, readOnly) was ever made
			// durable on the device — for VariantFoldOver that equals
			// [head, tail), but for VariantSnapshot the mutable tail
			// [readOnly, tail) instead arrives through LoadSnapshot's
			// RestoreMutable, straight into the page buffers, so paging in
			// past readOnly here would hit bytes the device never received
			// and fail with a short read. Must run before RehashRange,
			// which reads records at these addresses.
			pageInErr = e.log.PageInFromDevice(addr.Address(head), addr.Address(readOnly))
		},
		RestoreIndex: func(buckets []byte) {
			e.index = hashindex.Restore(buckets)
		},
		RehashRange: func(from, to uint64) {
			e.rehashRange(addr.Address(from), addr.Address(to))
		},
		RestoreCommitPoints: func(cps map[string]uint64) {
			_, version := e.checkpoint.SystemState()
			for guid, serial := range cps {
				s := session.Resume(guid, version, session.CommitPoint{SerialNum: serial})
				e.sessions.Put(s)
			}
		},
		LoadSnapshot: func(data []byte) {
			from := e.log.Frontiers().SafeReadOnly()
			e.log.RestoreMutable(from, data)
		},
	})
	if err != nil {
		return err
	}
	return pageInErr
}

// rehashRange re-admits every record in [from, to) into the hash index,
// the "rebuild the hash chain" step spec.md's recovery section describes
// for records committed after the index checkpoint's tail but before the
// hybrid-log checkpoint's tail.
func (e *Engine[K, V, In, Out]) rehashRange(from, to addr.Address) {
	cur := from
	for cur < to {
		if !e.log.ContainsInMemory(cur) {
			return
		}
		rec := e.recordAt(cur)
		size := e.log.RecordSize(rec.Key, rec.Value)
		hash := e.keyHasher.Hash(rec.Key)
		e.index.WithOrCreateEntry(hash, cur, func(entry hashindex.Entry, commit func(hashindex.Entry) bool) {
			if entry.Address() != cur {
				commit(hashindex.MakeEntry(entry.Tag(), cur, false))
			}
		})
		cur = cur.Add(size)
	}
}

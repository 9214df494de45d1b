package checkpoint

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/birchkv/birch/internal/session"
)

// RecoverHooks are the engine-specific actions Recover drives, mirroring
// Hooks but for the reverse direction.
type RecoverHooks struct {
	RestoreFrontiers    func(begin, head, readOnly, flushedUntil, tail uint64)
	RestoreIndex        func(buckets []byte)
	// RehashRange re-inserts records addressed in [from, to) into the hash
	// index, scanning forward from the index checkpoint's tail and
	// updating each key's hash entry to the later address — the "hash
	// chain rebuild" spec.md's recovery section describes.
	RehashRange         func(from, to uint64)
	RestoreCommitPoints func(map[string]uint64)
	LoadSnapshot        func(data []byte)
}

// Recover restores engine state from an index checkpoint and a hybrid-log
// checkpoint. Passing uuid.Nil for indexToken recovers the log checkpoint
// alone (an INDEX_ONLY-then-HYBRID_LOG_ONLY pair taken separately still
// recovers correctly as long as the index token's tail predates the log
// token's tail, per spec.md's recovery ordering rule).
func (c *Coordinator) Recover(indexToken, logToken uuid.UUID, hooks RecoverHooks) error {
	logData, err := c.mgr.GetLogMetadata(logToken)
	if err != nil {
		return fmt.Errorf("checkpoint: recovery failed loading log checkpoint %s: %w", logToken, err)
	}
	lm, err := UnmarshalLogMetadata(logData)
	if err != nil {
		return fmt.Errorf("checkpoint: recovery failed decoding log checkpoint %s: %w", logToken, err)
	}

	// Without an index checkpoint, the index starts out empty rather than
	// restored, so the entire log from its very first record must be
	// rehashed — indexTail defaults to lm.Begin, not the invalid sentinel
	// address 0, which ContainsInMemory would reject outright and leave
	// rehashRange rejecting every record including the first.
	indexTail := lm.Begin
	if indexToken != uuid.Nil {
		idxData, err := c.mgr.GetIndexMetadata(indexToken)
		if err != nil {
			return fmt.Errorf("checkpoint: recovery failed loading index checkpoint %s: %w", indexToken, err)
		}
		im, err := UnmarshalIndexMetadata(idxData)
		if err != nil {
			return fmt.Errorf("checkpoint: recovery failed decoding index checkpoint %s: %w", indexToken, err)
		}
		if im.TailAddress > lm.Tail {
			return fmt.Errorf("checkpoint: recovery failed: index checkpoint tail %d is newer than log checkpoint tail %d", im.TailAddress, lm.Tail)
		}
		hooks.RestoreIndex(im.Buckets)
		indexTail = im.TailAddress
	}

	hooks.RestoreFrontiers(lm.Begin, lm.Head, lm.ReadOnly, lm.FlushedUntil, lm.Tail)

	if lm.Variant == VariantSnapshot {
		snap, err := c.mgr.GetSnapshot(logToken)
		if err != nil {
			return fmt.Errorf("checkpoint: recovery failed loading snapshot %s: %w", logToken, err)
		}
		hooks.LoadSnapshot(snap)
	}

	if indexTail < lm.Tail {
		hooks.RehashRange(indexTail, lm.Tail)
	}

	hooks.RestoreCommitPoints(lm.CommitPoints)

	c.mu.Lock()
	c.state = New()
	c.state.packed.Store(pack(session.PhaseREST, lm.Version))
	c.mu.Unlock()

	return nil
}

// LatestLogCheckpoint returns the most recently listed log checkpoint
// token, or uuid.Nil if none exist. "Most recent" is approximated by
// directory listing order since tokens are random UUIDs with no embedded
// timestamp; callers that need a strict ordering should track tokens
// themselves (e.g. via the completion callback each Take* call reports through).
func (c *Coordinator) LatestLogCheckpoint() (uuid.UUID, error) {
	tokens, err := c.mgr.ListLogCheckpoints()
	if err != nil {
		return uuid.Nil, err
	}
	if len(tokens) == 0 {
		return uuid.Nil, fmt.Errorf("checkpoint: no log checkpoints found")
	}
	return tokens[len(tokens)-1], nil
}

// LatestIndexCheckpoint mirrors LatestLogCheckpoint for index checkpoints.
func (c *Coordinator) LatestIndexCheckpoint() (uuid.UUID, error) {
	tokens, err := c.mgr.ListIndexCheckpoints()
	if err != nil {
		return uuid.Nil, err
	}
	if len(tokens) == 0 {
		return uuid.Nil, fmt.Errorf("checkpoint: no index checkpoints found")
	}
	return tokens[len(tokens)-1], nil
}

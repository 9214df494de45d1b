package checkpoint

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/birchkv/birch/internal/session"
)

// Hooks are the engine-specific actions the phase walk drives. Keeping
// these as callbacks (rather than the coordinator importing the engine,
// index, and log packages directly) keeps the checkpoint protocol
// reusable and testable independent of any one engine wiring.
type Hooks struct {
	Version           func() uint64
	TailAddress       func() uint64
	SnapshotIndex     func() []byte
	Frontiers         func() (begin, head, readOnly, flushedUntil, tail uint64)
	BeginVersionShift func(newVersion uint64)
	WaitPendingDrained func(relaxed bool)
	FlushAndFold      func(variant Variant) (cut uint64)
	SnapshotMutable   func(cut uint64) []byte
	CommitPoints      func() map[string]uint64
}

// Coordinator drives the CPR phase walk described in spec.md §4.5. Only
// one checkpoint may be in flight at a time; TakeHybridLogCheckpoint and
// TakeFullCheckpoint serialize on mu for that reason.
type Coordinator struct {
	mgr     Manager
	state   *SystemState
	hooks   Hooks
	relaxed bool

	mu sync.Mutex
}

func NewCoordinator(mgr Manager, hooks Hooks, relaxed bool) *Coordinator {
	return &Coordinator{mgr: mgr, state: New(), hooks: hooks, relaxed: relaxed}
}

func (c *Coordinator) SystemState() (session.Phase, uint64) { return c.state.Load() }

// TakeIndexCheckpoint snapshots the hash-bucket array tagged with the
// current tail address. It does not require the phase walk since the
// index array's own CAS discipline already makes a point-in-time bucket
// scan safe to serialize concurrently with mutation.
func (c *Coordinator) TakeIndexCheckpoint() (uuid.UUID, error) {
	token := uuid.New()
	meta := IndexMetadata{
		Version:     c.hooks.Version(),
		TailAddress: c.hooks.TailAddress(),
		Buckets:     c.hooks.SnapshotIndex(),
	}
	data, err := meta.Marshal()
	if err == nil {
		err = c.mgr.CommitIndexMetadata(token, data)
	}
	c.mgr.Complete(token, err)
	return token, err
}

// TakeHybridLogCheckpoint runs the six-phase CPR walk from spec.md §4.5.
func (c *Coordinator) TakeHybridLogCheckpoint(variant Variant) (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	token := uuid.New()
	phase, version := c.state.Load()
	if phase != session.PhaseREST {
		return uuid.Nil, errors.New("checkpoint: another checkpoint is already in progress")
	}
	next := version + 1

	if !c.state.Advance(session.PhaseREST, version, session.PhasePrepare, next) {
		return uuid.Nil, errors.New("checkpoint: lost the race entering PREPARE")
	}
	c.hooks.BeginVersionShift(next)

	c.state.Advance(session.PhasePrepare, next, session.PhaseInProgress, next)

	c.state.Advance(session.PhaseInProgress, next, session.PhaseWaitPending, next)
	c.hooks.WaitPendingDrained(c.relaxed)

	c.state.Advance(session.PhaseWaitPending, next, session.PhaseWaitFlush, next)
	cut := c.hooks.FlushAndFold(variant)

	c.state.Advance(session.PhaseWaitFlush, next, session.PhasePersistenceCallback, next)
	err := c.persist(token, version, variant, cut)

	c.state.Advance(session.PhasePersistenceCallback, next, session.PhaseREST, next)
	c.mgr.Complete(token, err)
	return token, err
}

func (c *Coordinator) persist(token uuid.UUID, version uint64, variant Variant, cut uint64) error {
	begin, head, readOnly, flushedUntil, tail := c.hooks.Frontiers()
	commitPoints := c.hooks.CommitPoints()

	lm := LogMetadata{
		Begin: begin, Head: head, ReadOnly: readOnly,
		FlushedUntil: flushedUntil, Tail: tail,
		Version: version, Variant: variant, CommitPoints: commitPoints,
	}
	data, err := lm.Marshal()
	if err != nil {
		return err
	}
	if err := c.mgr.CommitLogMetadata(token, data); err != nil {
		return err
	}

	if variant == VariantSnapshot {
		if err := c.mgr.CommitSnapshot(token, c.hooks.SnapshotMutable(cut)); err != nil {
			return err
		}
	}

	cpData, err := json.Marshal(commitPoints)
	if err != nil {
		return err
	}
	return c.mgr.CommitCommitPoints(token, cpData)
}

// TakeFullCheckpoint performs an index checkpoint immediately followed by
// a hybrid-log checkpoint, returning both tokens under what spec.md calls
// "a single token" conceptually — callers needing to Recover from a full
// checkpoint pass both back to Recover.
func (c *Coordinator) TakeFullCheckpoint(variant Variant) (indexToken, logToken uuid.UUID, err error) {
	indexToken, err = c.TakeIndexCheckpoint()
	if err != nil {
		return
	}
	logToken, err = c.TakeHybridLogCheckpoint(variant)
	return
}

// CompleteCheckpoint blocks (if wait is true) until token reaches REST,
// observing completion via the checkpoint manager rather than polling
// SystemState.phase — see the open-question resolution in DESIGN.md.
func (c *Coordinator) CompleteCheckpoint(token uuid.UUID, wait bool) error {
	ch := c.mgr.Wait(token)
	if !wait {
		select {
		case err := <-ch:
			return err
		default:
			return nil
		}
	}
	return <-ch
}

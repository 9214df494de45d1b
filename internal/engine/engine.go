// Package engine implements the operation engine: Read, Upsert, RMW, and
// Delete against the hash index and hybrid log, including the pending-I/O
// lifecycle and the common non-terminal-status dispatcher every operation
// funnels through.
//
// The single choke-point shape — every write operation reduces to one
// shared "locate, decide, CAS, retry" helper — mirrors the corpus's sharded
// engine, where Set/SetE/SetEIfUnset/Expire/Delete all bottom out in one
// compute() helper built around a conditional xsync.Compute call.
package engine

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	dlogger "github.com/lni/dragonboat/v4/logger"

	"github.com/birchkv/birch/internal/addr"
	"github.com/birchkv/birch/internal/checkpoint"
	"github.com/birchkv/birch/internal/device"
	"github.com/birchkv/birch/internal/epoch"
	"github.com/birchkv/birch/internal/hashindex"
	"github.com/birchkv/birch/internal/hlog"
	"github.com/birchkv/birch/internal/obs"
	"github.com/birchkv/birch/internal/readcache"
	"github.com/birchkv/birch/internal/registry"
	"github.com/birchkv/birch/internal/session"
)

// Status is the terminal outcome of a public operation. Internal statuses
// (retryNow, retryLater, recordOnDisk, cprShiftDetected) never escape the
// engine; they are handled by dispatch and never returned to a caller.
type Status int

const (
	StatusOK Status = iota
	StatusNotFound
	StatusPending
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusPending:
		return "PENDING"
	default:
		return "ERROR"
	}
}

type internalStatus int

const (
	internalSuccess internalStatus = iota
	internalNotFound
	internalRecordOnDisk
	internalRetryNow
	internalRetryLater
	internalCPRShiftDetected
)

// Functions are the user-supplied callbacks a KV type must provide. Their
// names and signatures follow spec.md §6 exactly.
type Functions[K comparable, V any, In any, Out any] struct {
	SingleReader     func(key K, in In, value V) Out
	ConcurrentReader func(key K, in In, value V) Out
	SingleWriter     func(key K, value V) V
	ConcurrentWriter func(key K, cur V, value V) (V, bool)
	InitialUpdater   func(key K, in In) V
	CopyUpdater      func(key K, in In, old V) V
	InPlaceUpdater   func(key K, in In, cur V) (V, bool)

	OnReadComplete   func(status Status, out Out)
	OnUpsertComplete func(status Status)
	OnRMWComplete    func(status Status)
	OnDeleteComplete func(status Status)
}

// Options configures a new Engine.
type Options struct {
	HashTableBits   uint // hash_table_size, expressed as log2(bucket count)
	Log             hlog.Options
	ReadCache       *ReadCacheOptions
	CopyReadsToTail bool
	CheckpointDir   string
	CheckpointMgr   checkpoint.Manager
	Variant         checkpoint.Variant
	RelaxedCPR      bool
}

// ReadCacheOptions mirrors read_cache_settings.
type ReadCacheOptions struct {
	Capacity             int
	SecondChanceFraction float64
}

// Engine is the concurrent hybrid-log key-value core. It is safe for
// concurrent use by any number of session handles.
type Engine[K comparable, V any, In any, Out any] struct {
	index *hashindex.Index
	log   *hlog.Allocator[K, V]
	epoch *epoch.Manager
	cache *readcache.Cache

	keyHasher hlog.KeyHasher[K]
	functions Functions[K, V, In, Out]

	sessions   *registry.Sessions
	checkpoint *checkpoint.Coordinator
	copyToTail bool

	metrics *obs.Metrics
	logger  dlogger.ILogger

	pendingMu      sync.Mutex
	pendingResults map[pendingKey]pendingOutcome[Out]
}

type pendingKey struct {
	guid string
	id   uint64
}

type pendingOutcome[Out any] struct {
	status Status
	out    Out
}

var engineInstanceSeq atomic.Uint64

// New constructs an engine. keyCodec/valueCodec serialise records on the
// log; keyHasher supplies the compile-time-required hash/equality contract
// (spec.md rejects a reflection-based default comparer).
func New[K comparable, V any, In any, Out any](
	opts Options,
	keyHasher hlog.KeyHasher[K],
	keyCodec hlog.KeyCodec[K],
	valueCodec hlog.ValueCodec[V],
	fns Functions[K, V, In, Out],
	dev device.Device,
) (*Engine[K, V, In, Out], error) {
	if keyHasher == nil {
		return nil, errors.New("engine: configuration error: a KeyHasher is required (no reflection-based default comparer)")
	}
	if opts.CheckpointDir != "" && opts.CheckpointMgr != nil {
		return nil, errors.New("engine: configuration error: checkpoint_dir and checkpoint_manager are mutually exclusive")
	}

	em := epoch.New()
	idx := hashindex.New(opts.HashTableBits)
	logOpts := opts.Log
	if logOpts.PageBits == 0 {
		logOpts = hlog.DefaultOptions()
	}
	l := hlog.New[K, V](logOpts, keyCodec, valueCodec, dev, em)

	var mgr checkpoint.Manager
	switch {
	case opts.CheckpointMgr != nil:
		mgr = opts.CheckpointMgr
	case opts.CheckpointDir != "":
		m, err := checkpoint.NewLocalCheckpointManager(opts.CheckpointDir)
		if err != nil {
			return nil, fmt.Errorf("engine: configuration error: %w", err)
		}
		mgr = m
	default:
		m, err := checkpoint.NewLocalCheckpointManager(".birch-checkpoints")
		if err != nil {
			return nil, fmt.Errorf("engine: configuration error: %w", err)
		}
		mgr = m
	}

	e := &Engine[K, V, In, Out]{
		index:          idx,
		log:            l,
		epoch:          em,
		keyHasher:      keyHasher,
		functions:      fns,
		sessions:       registry.NewSessions(),
		copyToTail:     opts.CopyReadsToTail,
		metrics:        obs.New(fmt.Sprintf("engine-%d", engineInstanceSeq.Add(1))),
		logger:         dlogger.GetLogger("engine"),
		pendingResults: make(map[pendingKey]pendingOutcome[Out]),
	}

	if opts.ReadCache != nil {
		e.cache = readcache.New(opts.ReadCache.Capacity, opts.ReadCache.SecondChanceFraction, e.evictFromCache)
	}

	e.checkpoint = checkpoint.NewCoordinator(mgr, e.checkpointHooks(), opts.RelaxedCPR)

	return e, nil
}

// EntryCount returns the number of non-empty, non-tentative hash entries.
func (e *Engine[K, V, In, Out]) EntryCount() int64 { return e.index.EntryCount() }

// IndexSize returns the current bucket count.
func (e *Engine[K, V, In, Out]) IndexSize() uint64 { return uint64(1) << e.index.SizeBits() }

// Dispose unregisters every session. It does not close or release the
// epoch manager, the log allocator, the read cache or the device; they are
// left as they are.
func (e *Engine[K, V, In, Out]) Dispose() {
	e.sessions.Range(func(guid string, s *session.Session) bool {
		e.sessions.Delete(guid)
		return true
	})
}

// evictFromCache observes a record the read cache has dropped. The cache
// is a side map keyed by hash, not chain-linked into the hash index (see
// internal/readcache's package doc), so there is no hash entry to unlink
// here — this exists purely to surface eviction pressure as a metric.
func (e *Engine[K, V, In, Out]) evictFromCache(hash uint64) {
	e.metrics.CacheEvict()
}

// noSlot marks a call site with no epoch slot already in scope — the
// async on-disk completion path, whose operation's original slot was
// released once the synchronous call returned StatusPending.
const noSlot = -1

// allocateRetrying calls log.Allocate, transparently retrying under a fresh
// epoch refresh whenever the allocator signals capacity pressure rather
// than surfacing hlog.ErrRetryLater to the caller, per spec §7's
// capacity-retry contract. slot must be a live epoch slot the caller
// already holds (and remains responsible for releasing): refreshing that
// same slot here, rather than some other slot, is what actually unblocks
// ShiftReadOnly/tryEvictOldest — a caller's slot acquired before a
// ShiftReadOnly bump and never refreshed again would otherwise pin the
// safe epoch below the bump forever, and no amount of retrying elsewhere
// makes a page evictable while that's true.
func (e *Engine[K, V, In, Out]) allocateRetrying(slot int, size uint64) (addr.Address, []byte, error) {
	for {
		a, buf, err := e.log.Allocate(size)
		if err == nil {
			return a, buf, nil
		}
		if !errors.Is(err, hlog.ErrRetryLater) {
			return 0, nil, err
		}
		e.epoch.Refresh(slot)
		runtime.Gosched()
	}
}

// allocateRetryingFresh is allocateRetrying for call sites with no epoch
// slot already in scope (see noSlot).
func (e *Engine[K, V, In, Out]) allocateRetryingFresh(size uint64) (addr.Address, []byte, error) {
	slot := e.epoch.Acquire()
	defer e.epoch.Release(slot)
	return e.allocateRetrying(slot, size)
}

// allocateRetryingFor dispatches to allocateRetrying or allocateRetryingFresh
// depending on whether slot is a real, caller-held slot or noSlot.
func (e *Engine[K, V, In, Out]) allocateRetryingFor(slot int, size uint64) (addr.Address, []byte, error) {
	if slot == noSlot {
		return e.allocateRetryingFresh(size)
	}
	return e.allocateRetrying(slot, size)
}

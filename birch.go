// Package birch is the public façade over the hybrid-log key-value engine
// implemented under internal/. It re-exports the engine's construction and
// operation surface so a caller never needs to import internal/engine
// directly, the way the teacher's lib/db.KVDB interface fronts its
// sharded engine internals.
package birch

import (
	"github.com/birchkv/birch/internal/checkpoint"
	"github.com/birchkv/birch/internal/device"
	"github.com/birchkv/birch/internal/engine"
	"github.com/birchkv/birch/internal/hlog"
	"github.com/birchkv/birch/internal/session"
)

// Options configures a new Engine.
type Options = engine.Options

// ReadCacheOptions configures the optional second-chance read cache.
type ReadCacheOptions = engine.ReadCacheOptions

// Status is the terminal outcome of an operation.
type Status = engine.Status

const (
	StatusOK       = engine.StatusOK
	StatusNotFound = engine.StatusNotFound
	StatusPending  = engine.StatusPending
	StatusError    = engine.StatusError
)

// Session is a per-thread execution context bound to operations.
type Session = session.Session

// Device is the async block-storage contract the log allocator writes
// through and reads back from.
type Device = device.Device

// CheckpointVariant selects FoldOver or Snapshot checkpointing.
type CheckpointVariant = checkpoint.Variant

const (
	CheckpointFoldOver = checkpoint.VariantFoldOver
	CheckpointSnapshot = checkpoint.VariantSnapshot
)

// Engine is the concurrent hybrid-log key-value core, generic over the key
// type K, value type V, per-call input In (used by RMW/Read) and read
// output Out. It wraps internal/engine.Engine verbatim; every method
// documented there (Read, Upsert, RMW, Delete, StartSession,
// CompletePending, TakeIndexCheckpoint, TakeHybridLogCheckpoint,
// TakeFullCheckpoint, CompleteCheckpoint, Recover, GrowIndex, ...) is
// promoted through the embedding.
type Engine[K comparable, V any, In any, Out any] struct {
	*engine.Engine[K, V, In, Out]
}

// NewEngine constructs an Engine. keyHasher supplies the hash/equality
// contract for K explicitly — there is no reflection-based default
// comparer, so construction fails with a configuration error if keyHasher
// is nil. keyCodec/valueCodec serialize records on the log.
func NewEngine[K comparable, V any, In any, Out any](
	opts Options,
	keyHasher hlog.KeyHasher[K],
	keyCodec hlog.KeyCodec[K],
	valueCodec hlog.ValueCodec[V],
	fns engine.Functions[K, V, In, Out],
	dev Device,
) (*Engine[K, V, In, Out], error) {
	e, err := engine.New[K, V, In, Out](opts, keyHasher, keyCodec, valueCodec, fns, dev)
	if err != nil {
		return nil, err
	}
	return &Engine[K, V, In, Out]{e}, nil
}

// Stats is a point-in-time snapshot of index occupancy, grounded on
// lib/db/util/statistics.go's size-histogram idea, adapted here to bucket
// occupancy rather than sampled value sizes since a hash index's natural
// unit is entries-per-bucket, not byte counts.
type Stats struct {
	EntryCount  int64
	BucketCount uint64
	// LoadFactor is EntryCount divided by total available slots
	// (BucketCount * 7, the fixed number of packed entries per bucket).
	LoadFactor float64
}

// Stats returns a snapshot of the engine's current index occupancy.
func (e *Engine[K, V, In, Out]) Stats() Stats {
	buckets := e.IndexSize()
	entries := e.EntryCount()

	var load float64
	if slots := buckets * 7; slots > 0 {
		load = float64(entries) / float64(slots)
	}

	return Stats{
		EntryCount:  entries,
		BucketCount: buckets,
		LoadFactor:  load,
	}
}

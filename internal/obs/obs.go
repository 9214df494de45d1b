// Package obs wires the engine's operation counters, pending-I/O gauge,
// cache hit-rate, and checkpoint-duration histogram into
// VictoriaMetrics/metrics — a dependency the corpus already carries but
// never actually imports anywhere in its own source.
package obs

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

// Metrics is a namespaced bundle of counters for one engine instance,
// distinguished by name so multiple engines in one process don't collide
// on the global VictoriaMetrics registry.
type Metrics struct {
	name string

	opsTotal      map[string]*metrics.Counter
	pendingGauge  *metrics.Counter
	cacheHits     *metrics.Counter
	cacheMisses   *metrics.Counter
	cacheEvicts   *metrics.Counter
	checkpointDur *metrics.Histogram
	entryCount    *metrics.Counter
}

// New registers a metrics bundle for an engine named name. Calling New
// twice with the same name does not panic: GetOrCreate hands back the
// already-registered metrics, so both bundles share the same counters.
func New(name string) *Metrics {
	m := &Metrics{
		name:      name,
		opsTotal:  make(map[string]*metrics.Counter),
		cacheHits: metrics.GetOrCreateCounter(fmt.Sprintf(`birch_cache_hits_total{engine=%q}`, name)),
		cacheMisses: metrics.GetOrCreateCounter(fmt.Sprintf(`birch_cache_misses_total{engine=%q}`, name)),
		cacheEvicts: metrics.GetOrCreateCounter(fmt.Sprintf(`birch_cache_evictions_total{engine=%q}`, name)),
		checkpointDur: metrics.GetOrCreateHistogram(fmt.Sprintf(`birch_checkpoint_duration_seconds{engine=%q}`, name)),
	}
	m.pendingGauge = metrics.GetOrCreateCounter(fmt.Sprintf(`birch_pending_requests{engine=%q}`, name))
	m.entryCount = metrics.GetOrCreateCounter(fmt.Sprintf(`birch_entry_count{engine=%q}`, name))
	for _, op := range []string{"read", "upsert", "rmw", "delete"} {
		m.opsTotal[op] = metrics.GetOrCreateCounter(fmt.Sprintf(`birch_ops_total{engine=%q,op=%q}`, name, op))
	}
	return m
}

func (m *Metrics) IncOp(op string) {
	if c, ok := m.opsTotal[op]; ok {
		c.Inc()
	}
}

func (m *Metrics) CacheHit()    { m.cacheHits.Inc() }
func (m *Metrics) CacheMiss()   { m.cacheMisses.Inc() }
func (m *Metrics) CacheEvict()  { m.cacheEvicts.Inc() }

func (m *Metrics) SetPending(n int64)    { m.pendingGauge.Set(uint64(n)) }
func (m *Metrics) SetEntryCount(n int64) { m.entryCount.Set(uint64(n)) }

func (m *Metrics) ObserveCheckpointSeconds(s float64) { m.checkpointDur.Update(s) }

// Package metrics aggregates per-operation outcomes and latencies.
//
// Recording is best effort: a Collector never returns an error or panics into
// its caller. Samples it cannot record are counted as record failures and
// reported through Snapshot().CollectorHealth.
package metrics

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWindow is the number of latency samples kept per operation.
const DefaultWindow = 1024

// Sample is one finished operation.
type Sample struct {
	Operation  string
	Duration   time.Duration
	Succeeded  bool
	ErrorKind  string
	RecordedAt time.Time
}

// Exporter receives every accepted sample, e.g. to mirror it into Prometheus.
type Exporter interface {
	Observe(s Sample)
}

// OperationSnapshot aggregates one operation.
type OperationSnapshot struct {
	Count        int64            `json:"count"`
	SuccessCount int64            `json:"success_count"`
	ErrorCount   int64            `json:"error_count"`
	ErrorsByKind map[string]int64 `json:"errors_by_kind,omitempty"`
	P50          time.Duration    `json:"-"`
	P95          time.Duration    `json:"-"`
	P50Ms        float64          `json:"p50_ms"`
	P95Ms        float64          `json:"p95_ms"`
}

// Health describes the collector itself.
type Health struct {
	RecordFailures int64 `json:"record_failures"`
}

// Snapshot is a consistent-enough copy of all aggregates.
type Snapshot struct {
	Operations      map[string]OperationSnapshot `json:"operations"`
	CollectorHealth Health                       `json:"collector_health"`
	TakenAt         time.Time                    `json:"taken_at"`
}

// Option configures a Collector.
type Option func(*Collector)

// WithWindow sets how many recent latencies feed the percentiles.
func WithWindow(n int) Option {
	return func(c *Collector) {
		if n > 0 {
			c.window = n
		}
	}
}

// WithExporter adds an exporter.
func WithExporter(e Exporter) Option {
	return func(c *Collector) {
		if e != nil {
			c.exporters = append(c.exporters, e)
		}
	}
}

// WithOperations registers operation names up front so their first sample
// takes only the read lock. Registered operations stay out of snapshots
// until they record something.
func WithOperations(names ...string) Option {
	return func(c *Collector) {
		c.preregister = append(c.preregister, names...)
	}
}

// Collector owns per-operation counters and latency rings.
type Collector struct {
	window    int
	exporters []Exporter
	now       func() time.Time

	preregister []string

	mu  sync.RWMutex
	ops map[string]*opStats

	failures atomic.Int64
}

// NewCollector creates an empty collector.
func NewCollector(opts ...Option) *Collector {
	c := &Collector{
		window: DefaultWindow,
		now:    time.Now,
		ops:    make(map[string]*opStats),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, name := range c.preregister {
		if name != "" {
			c.ops[name] = c.newStats()
		}
	}
	c.preregister = nil
	return c
}

// RecordSuccess records a successful operation.
func (c *Collector) RecordSuccess(operation string, d time.Duration) {
	c.Record(Sample{Operation: operation, Duration: d, Succeeded: true})
}

// RecordError records a failed operation with its error kind.
func (c *Collector) RecordError(operation string, d time.Duration, kind string) {
	c.Record(Sample{Operation: operation, Duration: d, ErrorKind: kind})
}

// Record stores s. It never fails from the caller's point of view.
func (c *Collector) Record(s Sample) {
	defer func() {
		if r := recover(); r != nil {
			c.failures.Add(1)
		}
	}()

	if s.Operation == "" || s.Duration < 0 {
		c.failures.Add(1)
		return
	}
	if s.RecordedAt.IsZero() {
		s.RecordedAt = c.now()
	}

	st := c.stats(s.Operation)
	st.count.Add(1)
	if s.Succeeded {
		st.success.Add(1)
	} else {
		st.errors.Add(1)
		st.addKind(s.ErrorKind)
	}
	st.latency.add(s.Duration)

	for _, e := range c.exporters {
		c.export(e, s)
	}
}

func (c *Collector) export(e Exporter, s Sample) {
	defer func() {
		if r := recover(); r != nil {
			c.failures.Add(1)
		}
	}()
	e.Observe(s)
}

// RecordFailures returns how many samples could not be recorded.
func (c *Collector) RecordFailures() int64 {
	return c.failures.Load()
}

// Snapshot returns current aggregates.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	names := make([]string, 0, len(c.ops))
	stats := make([]*opStats, 0, len(c.ops))
	for name, st := range c.ops {
		if st.count.Load() == 0 {
			continue
		}
		names = append(names, name)
		stats = append(stats, st)
	}
	c.mu.RUnlock()

	snap := Snapshot{
		Operations:      make(map[string]OperationSnapshot, len(names)),
		CollectorHealth: Health{RecordFailures: c.failures.Load()},
		TakenAt:         c.now(),
	}
	for i, name := range names {
		snap.Operations[name] = stats[i].snapshot()
	}
	return snap
}

// Operation returns the aggregate of one operation, or false if it never ran.
func (c *Collector) Operation(name string) (OperationSnapshot, bool) {
	c.mu.RLock()
	st, ok := c.ops[name]
	c.mu.RUnlock()
	if !ok || st.count.Load() == 0 {
		return OperationSnapshot{}, false
	}
	return st.snapshot(), true
}

func (c *Collector) stats(op string) *opStats {
	c.mu.RLock()
	st, ok := c.ops[op]
	c.mu.RUnlock()
	if ok {
		return st
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if st, ok = c.ops[op]; ok {
		return st
	}
	st = c.newStats()
	c.ops[op] = st
	return st
}

func (c *Collector) newStats() *opStats {
	return &opStats{latency: newRing(c.window), kinds: make(map[string]int64)}
}

type opStats struct {
	count   atomic.Int64
	success atomic.Int64
	errors  atomic.Int64

	kindsMu sync.Mutex
	kinds   map[string]int64

	latency *ring
}

func (s *opStats) addKind(kind string) {
	if kind == "" {
		kind = "unknown"
	}
	s.kindsMu.Lock()
	s.kinds[kind]++
	s.kindsMu.Unlock()
}

func (s *opStats) snapshot() OperationSnapshot {
	out := OperationSnapshot{
		Count:        s.count.Load(),
		SuccessCount: s.success.Load(),
		ErrorCount:   s.errors.Load(),
	}
	s.kindsMu.Lock()
	if len(s.kinds) > 0 {
		out.ErrorsByKind = make(map[string]int64, len(s.kinds))
		for k, v := range s.kinds {
			out.ErrorsByKind[k] = v
		}
	}
	s.kindsMu.Unlock()

	sorted := s.latency.sorted()
	out.P50 = percentile(sorted, 50)
	out.P95 = percentile(sorted, 95)
	out.P50Ms = float64(out.P50) / float64(time.Millisecond)
	out.P95Ms = float64(out.P95) / float64(time.Millisecond)
	return out
}

// ring keeps the most recent latencies.
type ring struct {
	mu   sync.Mutex
	buf  []time.Duration
	next int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]time.Duration, size)}
}

func (r *ring) add(d time.Duration) {
	r.mu.Lock()
	r.buf[r.next] = d
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
	r.mu.Unlock()
}

func (r *ring) sorted() []time.Duration {
	r.mu.Lock()
	n := r.next
	if r.full {
		n = len(r.buf)
	}
	out := make([]time.Duration, n)
	copy(out, r.buf[:n])
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// percentile uses the nearest-rank method on sorted values.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	p = min(max(p, 1), 100)
	rank := (p*len(sorted) + 99) / 100
	return sorted[rank-1]
}

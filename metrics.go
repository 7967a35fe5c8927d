package ublk

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/miniublk/internal/interfaces"
	"github.com/ehrlich-b/miniublk/internal/logging"
)

// LatencyBuckets are the histogram upper bounds in nanoseconds, 1us to 10s.
var LatencyBuckets = [...]uint64{
	1_000,
	10_000,
	100_000,
	1_000_000,
	10_000_000,
	100_000_000,
	1_000_000_000,
	10_000_000_000,
}

const numLatencyBuckets = len(LatencyBuckets)

// opCounters counts one kind of request.
type opCounters struct {
	ops    atomic.Uint64
	bytes  atomic.Uint64
	errors atomic.Uint64
}

func (c *opCounters) record(bytes uint64, success bool) {
	c.ops.Add(1)
	if success {
		c.bytes.Add(bytes)
	} else {
		c.errors.Add(1)
	}
}

// OpStats is a snapshot of one kind of request.
type OpStats struct {
	Ops    uint64
	Bytes  uint64
	Errors uint64
}

func (c *opCounters) load() OpStats {
	return OpStats{Ops: c.ops.Load(), Bytes: c.bytes.Load(), Errors: c.errors.Load()}
}

// Metrics aggregates request statistics of one device across its queues.
type Metrics struct {
	read, write, discard, flush opCounters

	depthTotal atomic.Uint64
	depthCount atomic.Uint64
	depthMax   atomic.Uint32

	latencyTotal atomic.Uint64
	latencyCount atomic.Uint64
	buckets      [numLatencyBuckets]atomic.Uint64 // cumulative

	start atomic.Int64
	stop  atomic.Int64
}

func NewMetrics() *Metrics {
	m := &Metrics{}
	m.start.Store(time.Now().UnixNano())
	return m
}

func (m *Metrics) RecordRead(bytes, latencyNs uint64, success bool) {
	m.read.record(bytes, success)
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordWrite(bytes, latencyNs uint64, success bool) {
	m.write.record(bytes, success)
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordDiscard(bytes, latencyNs uint64, success bool) {
	m.discard.record(bytes, success)
	m.recordLatency(latencyNs)
}

func (m *Metrics) RecordFlush(latencyNs uint64, success bool) {
	m.flush.record(0, success)
	m.recordLatency(latencyNs)
}

// RecordQueueDepth samples the number of requests a queue is serving.
func (m *Metrics) RecordQueueDepth(depth uint32) {
	m.depthTotal.Add(uint64(depth))
	m.depthCount.Add(1)
	for {
		cur := m.depthMax.Load()
		if depth <= cur || m.depthMax.CompareAndSwap(cur, depth) {
			return
		}
	}
}

func (m *Metrics) recordLatency(ns uint64) {
	m.latencyTotal.Add(ns)
	m.latencyCount.Add(1)
	for i, bound := range LatencyBuckets {
		if ns <= bound {
			m.buckets[i].Add(1)
		}
	}
}

// Stop freezes the uptime reported by later snapshots.
func (m *Metrics) Stop() {
	m.stop.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	Read, Write, Discard, Flush OpStats

	AvgQueueDepth float64
	MaxQueueDepth uint32

	AvgLatencyNs  uint64
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64
	Histogram     [numLatencyBuckets]uint64

	Uptime    time.Duration
	TotalOps  uint64
	ErrorRate float64 // percent of requests that failed
}

func (m *Metrics) Snapshot() MetricsSnapshot {
	s := MetricsSnapshot{
		Read:          m.read.load(),
		Write:         m.write.load(),
		Discard:       m.discard.load(),
		Flush:         m.flush.load(),
		MaxQueueDepth: m.depthMax.Load(),
	}
	s.TotalOps = s.Read.Ops + s.Write.Ops + s.Discard.Ops + s.Flush.Ops
	errs := s.Read.Errors + s.Write.Errors + s.Discard.Errors + s.Flush.Errors
	if s.TotalOps > 0 {
		s.ErrorRate = float64(errs) / float64(s.TotalOps) * 100
	}

	if n := m.depthCount.Load(); n > 0 {
		s.AvgQueueDepth = float64(m.depthTotal.Load()) / float64(n)
	}

	end := m.stop.Load()
	if end == 0 {
		end = time.Now().UnixNano()
	}
	s.Uptime = time.Duration(end - m.start.Load())

	for i := range s.Histogram {
		s.Histogram[i] = m.buckets[i].Load()
	}
	if n := m.latencyCount.Load(); n > 0 {
		s.AvgLatencyNs = m.latencyTotal.Load() / n
		s.LatencyP50Ns = percentile(s.Histogram, n, 0.50)
		s.LatencyP99Ns = percentile(s.Histogram, n, 0.99)
		s.LatencyP999Ns = percentile(s.Histogram, n, 0.999)
	}
	return s
}

// percentile interpolates linearly inside the bucket holding the p-th
// request.
func percentile(hist [numLatencyBuckets]uint64, total uint64, p float64) uint64 {
	want := uint64(float64(total) * p)
	var lowBound, lowCount uint64
	for i, bound := range LatencyBuckets {
		if hist[i] >= want {
			if hist[i] == lowCount {
				return bound
			}
			frac := float64(want-lowCount) / float64(hist[i]-lowCount)
			return lowBound + uint64(frac*float64(bound-lowBound))
		}
		lowBound, lowCount = bound, hist[i]
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// log writes a one-line summary.
func (s MetricsSnapshot) log(l *logging.Logger) {
	l.Info("device statistics",
		"uptime", s.Uptime.Round(time.Millisecond).String(),
		"reads", s.Read.Ops, "read_bytes", s.Read.Bytes, "read_errors", s.Read.Errors,
		"writes", s.Write.Ops, "write_bytes", s.Write.Bytes, "write_errors", s.Write.Errors,
		"flushes", s.Flush.Ops, "flush_errors", s.Flush.Errors,
		"discards", s.Discard.Ops, "discard_errors", s.Discard.Errors,
		"avg_latency_ns", s.AvgLatencyNs, "p99_latency_ns", s.LatencyP99Ns,
		"max_queue_depth", s.MaxQueueDepth)
}

// Observer receives per-request statistics from the queue workers. Its
// methods are called concurrently from every queue.
type Observer = interfaces.Observer

// NoOpObserver discards everything.
type NoOpObserver struct{}

func (NoOpObserver) ObserveRead(uint64, uint64, bool)    {}
func (NoOpObserver) ObserveWrite(uint64, uint64, bool)   {}
func (NoOpObserver) ObserveDiscard(uint64, uint64, bool) {}
func (NoOpObserver) ObserveFlush(uint64, bool)           {}
func (NoOpObserver) ObserveQueueDepth(uint32)            {}

// MetricsObserver records into a Metrics.
type MetricsObserver struct {
	metrics *Metrics
}

func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveRead(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordRead(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveWrite(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordWrite(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveDiscard(bytes, latencyNs uint64, success bool) {
	o.metrics.RecordDiscard(bytes, latencyNs, success)
}

func (o *MetricsObserver) ObserveFlush(latencyNs uint64, success bool) {
	o.metrics.RecordFlush(latencyNs, success)
}

func (o *MetricsObserver) ObserveQueueDepth(depth uint32) {
	o.metrics.RecordQueueDepth(depth)
}

// teeObserver forwards to every observer in order.
type teeObserver []Observer

func (t teeObserver) ObserveRead(bytes, latencyNs uint64, success bool) {
	for _, o := range t {
		o.ObserveRead(bytes, latencyNs, success)
	}
}

func (t teeObserver) ObserveWrite(bytes, latencyNs uint64, success bool) {
	for _, o := range t {
		o.ObserveWrite(bytes, latencyNs, success)
	}
}

func (t teeObserver) ObserveDiscard(bytes, latencyNs uint64, success bool) {
	for _, o := range t {
		o.ObserveDiscard(bytes, latencyNs, success)
	}
}

func (t teeObserver) ObserveFlush(latencyNs uint64, success bool) {
	for _, o := range t {
		o.ObserveFlush(latencyNs, success)
	}
}

func (t teeObserver) ObserveQueueDepth(depth uint32) {
	for _, o := range t {
		o.ObserveQueueDepth(depth)
	}
}

var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
	_ Observer = teeObserver(nil)
)

package iohammer

import (
	"sync/atomic"
	"time"
)

// LatencyBuckets defines the request latency histogram buckets in
// nanoseconds, from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks operational statistics for one exerciser run
type Metrics struct {
	// Request counters
	SubmittedReads  atomic.Uint64 // Read requests submitted
	SubmittedWrites atomic.Uint64 // Write requests submitted
	CompletedReads  atomic.Uint64 // Read requests completed
	CompletedWrites atomic.Uint64 // Write requests completed

	// Block and byte counters
	CompletedBlocks atomic.Uint64 // Total blocks confirmed complete
	ReadBytes       atomic.Uint64 // Total bytes read
	WriteBytes      atomic.Uint64 // Total bytes written

	// Scheduling counters
	PendingPolls atomic.Uint64 // Polls that found the request still in flight
	Mismatches   atomic.Uint64 // Data verification failures

	// Request latency (submit to observed completion)
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts):
	// bucket[i] counts requests with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Run lifecycle
	StartTime atomic.Int64 // Run start timestamp (UnixNano)
	StopTime  atomic.Int64 // Run stop timestamp (UnixNano)
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordSubmit records one submitted request
func (m *Metrics) RecordSubmit(write bool, blocks uint32, bytes uint64) {
	if write {
		m.SubmittedWrites.Add(1)
	} else {
		m.SubmittedReads.Add(1)
	}
}

// RecordComplete records one observed completion
func (m *Metrics) RecordComplete(write bool, blocks uint32, bytes uint64, latencyNs uint64) {
	if write {
		m.CompletedWrites.Add(1)
		m.WriteBytes.Add(bytes)
	} else {
		m.CompletedReads.Add(1)
		m.ReadBytes.Add(bytes)
	}
	m.CompletedBlocks.Add(uint64(blocks))
	m.recordLatency(latencyNs)
}

// RecordPending records one poll that found its request still in flight
func (m *Metrics) RecordPending() {
	m.PendingPolls.Add(1)
}

// RecordMismatch records one data verification failure
func (m *Metrics) RecordMismatch() {
	m.Mismatches.Add(1)
}

// recordLatency records request latency and updates the histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the run as finished
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time view of run metrics
type MetricsSnapshot struct {
	SubmittedReads  uint64
	SubmittedWrites uint64
	CompletedReads  uint64
	CompletedWrites uint64

	CompletedBlocks uint64
	ReadBytes       uint64
	WriteBytes      uint64

	PendingPolls uint64
	Mismatches   uint64

	AvgLatencyNs uint64
	ElapsedNs    uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed rates
	ReadIOPS       float64
	WriteIOPS      float64
	ReadBandwidth  float64 // Bytes per second
	WriteBandwidth float64
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		SubmittedReads:  m.SubmittedReads.Load(),
		SubmittedWrites: m.SubmittedWrites.Load(),
		CompletedReads:  m.CompletedReads.Load(),
		CompletedWrites: m.CompletedWrites.Load(),
		CompletedBlocks: m.CompletedBlocks.Load(),
		ReadBytes:       m.ReadBytes.Load(),
		WriteBytes:      m.WriteBytes.Load(),
		PendingPolls:    m.PendingPolls.Load(),
		Mismatches:      m.Mismatches.Load(),
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.ElapsedNs = uint64(stopTime - startTime)
	} else {
		snap.ElapsedNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.ElapsedNs > 0 {
		seconds := float64(snap.ElapsedNs) / 1e9
		snap.ReadIOPS = float64(snap.CompletedReads) / seconds
		snap.WriteIOPS = float64(snap.CompletedWrites) / seconds
		snap.ReadBandwidth = float64(snap.ReadBytes) / seconds
		snap.WriteBandwidth = float64(snap.WriteBytes) / seconds
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}

	if opCount > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}

	return snap
}

// calculatePercentile estimates the latency at the given percentile
// (0.0-1.0) using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}

	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			// Interpolate between prevBucket and bucket
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}

	// Latency exceeds all buckets
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all metrics counters (useful for testing)
func (m *Metrics) Reset() {
	m.SubmittedReads.Store(0)
	m.SubmittedWrites.Store(0)
	m.CompletedReads.Store(0)
	m.CompletedWrites.Store(0)
	m.CompletedBlocks.Store(0)
	m.ReadBytes.Store(0)
	m.WriteBytes.Store(0)
	m.PendingPolls.Store(0)
	m.Mismatches.Store(0)
	m.TotalLatencyNs.Store(0)
	m.OpCount.Store(0)
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer allows pluggable collection of scheduling events
type Observer interface {
	// ObserveSubmit is called for each submitted request
	ObserveSubmit(write bool, blocks uint32, bytes uint64)

	// ObserveComplete is called for each observed completion
	ObserveComplete(write bool, blocks uint32, bytes uint64, latencyNs uint64)

	// ObservePending is called for each poll that found its request in flight
	ObservePending()

	// ObserveMismatch is called when verification records a data mismatch
	ObserveMismatch()
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveSubmit(bool, uint32, uint64)           {}
func (NoOpObserver) ObserveComplete(bool, uint32, uint64, uint64) {}
func (NoOpObserver) ObservePending()                              {}
func (NoOpObserver) ObserveMismatch()                             {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveSubmit(write bool, blocks uint32, bytes uint64) {
	o.metrics.RecordSubmit(write, blocks, bytes)
}

func (o *MetricsObserver) ObserveComplete(write bool, blocks uint32, bytes uint64, latencyNs uint64) {
	o.metrics.RecordComplete(write, blocks, bytes, latencyNs)
}

func (o *MetricsObserver) ObservePending() {
	o.metrics.RecordPending()
}

func (o *MetricsObserver) ObserveMismatch() {
	o.metrics.RecordMismatch()
}

// Compile-time interface checks
var _ Observer = (*MetricsObserver)(nil)
var _ Observer = (*NoOpObserver)(nil)

package cbdr

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-cbdr/internal/desc"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
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

// Outcome classifies how a command ended.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeTimeout
	OutcomeRejected
	OutcomeRingFull
	OutcomeInvalid
	OutcomeOther
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeRejected:
		return "rejected"
	case OutcomeRingFull:
		return "ring_full"
	case OutcomeInvalid:
		return "invalid"
	default:
		return "other"
	}
}

// OutcomeOf classifies an Execute error.
func OutcomeOf(err error) Outcome {
	if err == nil {
		return OutcomeOK
	}
	switch WrapError("", -1, err).Code {
	case ErrCodeTimeout:
		return OutcomeTimeout
	case ErrCodeDeviceRejected:
		return OutcomeRejected
	case ErrCodeRingFull:
		return OutcomeRingFull
	case ErrCodeInvalidArgument:
		return OutcomeInvalid
	default:
		return OutcomeOther
	}
}

// Metrics tracks command ring statistics
type Metrics struct {
	// Per-command counters
	QueryOps  atomic.Uint64
	UpdateOps atomic.Uint64
	AddOps    atomic.Uint64
	DeleteOps atomic.Uint64
	OtherOps  atomic.Uint64

	// Outcome counters
	Completed atomic.Uint64 // status 0
	Timeouts  atomic.Uint64
	Rejected  atomic.Uint64 // non-zero device status
	RingFull  atomic.Uint64
	Invalid   atomic.Uint64
	Failed    atomic.Uint64 // closed, canceled, I/O

	// Retry and reclaim
	Retries   atomic.Uint64 // ExecuteWithRetry attempts after the first
	Recovered atomic.Uint64 // late completions picked up after a timeout
	Reclaimed atomic.Uint64 // slots returned by explicit Reclaim calls

	// Free slot sampling
	FreeSlotsTotal atomic.Uint64
	FreeSlotsCount atomic.Uint64
	MinFreeSlots   atomic.Uint32

	// Performance tracking
	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Latency histogram buckets (cumulative counts)
	// Each bucket[i] contains the count of commands with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	// Device lifecycle
	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	m.MinFreeSlots.Store(^uint32(0))
	return m
}

// RecordCommand records one Execute call
func (m *Metrics) RecordCommand(cmd uint8, latencyNs uint64, outcome Outcome) {
	switch cmd {
	case desc.CmdQuery:
		m.QueryOps.Add(1)
	case desc.CmdUpdate:
		m.UpdateOps.Add(1)
	case desc.CmdAdd:
		m.AddOps.Add(1)
	case desc.CmdDelete:
		m.DeleteOps.Add(1)
	default:
		m.OtherOps.Add(1)
	}

	switch outcome {
	case OutcomeOK:
		m.Completed.Add(1)
	case OutcomeTimeout:
		m.Timeouts.Add(1)
	case OutcomeRejected:
		m.Rejected.Add(1)
	case OutcomeRingFull:
		m.RingFull.Add(1)
	case OutcomeInvalid:
		m.Invalid.Add(1)
	default:
		m.Failed.Add(1)
	}

	// Commands that never reached the device carry no useful latency.
	if outcome == OutcomeOK || outcome == OutcomeRejected || outcome == OutcomeTimeout {
		m.recordLatency(latencyNs)
	}
}

// RecordRetry records a retry attempt
func (m *Metrics) RecordRetry() {
	m.Retries.Add(1)
}

// RecordRecovered records a late completion picked up after a timeout
func (m *Metrics) RecordRecovered() {
	m.Recovered.Add(1)
}

// RecordReclaim records slots returned by an explicit reclaim
func (m *Metrics) RecordReclaim(n int) {
	if n > 0 {
		m.Reclaimed.Add(uint64(n))
	}
}

// RecordFreeSlots samples the number of free descriptors
func (m *Metrics) RecordFreeSlots(free uint32) {
	m.FreeSlotsTotal.Add(uint64(free))
	m.FreeSlotsCount.Add(1)

	for {
		current := m.MinFreeSlots.Load()
		if free >= current {
			break
		}
		if m.MinFreeSlots.CompareAndSwap(current, free) {
			break
		}
	}
}

// recordLatency records command latency and updates histogram
func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	// Update histogram buckets (cumulative)
	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the device as closed
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	// Commands
	QueryOps  uint64
	UpdateOps uint64
	AddOps    uint64
	DeleteOps uint64
	OtherOps  uint64

	// Outcomes
	Completed uint64
	Timeouts  uint64
	Rejected  uint64
	RingFull  uint64
	Invalid   uint64
	Failed    uint64

	Retries   uint64
	Recovered uint64
	Reclaimed uint64

	// Free slots
	AvgFreeSlots float64
	MinFreeSlots uint32

	// Performance
	LatencyCount   uint64 // commands that reached the device
	TotalLatencyNs uint64
	AvgLatencyNs   uint64
	UptimeNs       uint64

	// Latency percentiles (in nanoseconds)
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	// Histogram bucket counts (cumulative)
	LatencyHistogram [numLatencyBuckets]uint64

	// Computed statistics
	TotalOps       uint64
	CommandsPerSec float64
	ErrorRate      float64 // Percentage of commands that did not complete with status 0
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		QueryOps:  m.QueryOps.Load(),
		UpdateOps: m.UpdateOps.Load(),
		AddOps:    m.AddOps.Load(),
		DeleteOps: m.DeleteOps.Load(),
		OtherOps:  m.OtherOps.Load(),
		Completed: m.Completed.Load(),
		Timeouts:  m.Timeouts.Load(),
		Rejected:  m.Rejected.Load(),
		RingFull:  m.RingFull.Load(),
		Invalid:   m.Invalid.Load(),
		Failed:    m.Failed.Load(),
		Retries:   m.Retries.Load(),
		Recovered: m.Recovered.Load(),
		Reclaimed: m.Reclaimed.Load(),
	}

	snap.TotalOps = snap.QueryOps + snap.UpdateOps + snap.AddOps + snap.DeleteOps + snap.OtherOps

	freeCount := m.FreeSlotsCount.Load()
	if freeCount > 0 {
		snap.AvgFreeSlots = float64(m.FreeSlotsTotal.Load()) / float64(freeCount)
		snap.MinFreeSlots = m.MinFreeSlots.Load()
	}

	totalLatencyNs := m.TotalLatencyNs.Load()
	opCount := m.OpCount.Load()
	snap.LatencyCount = opCount
	snap.TotalLatencyNs = totalLatencyNs
	if opCount > 0 {
		snap.AvgLatencyNs = totalLatencyNs / opCount
	}

	startTime := m.StartTime.Load()
	stopTime := m.StopTime.Load()
	if stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}

	if snap.UptimeNs > 0 {
		snap.CommandsPerSec = float64(snap.TotalOps) / (float64(snap.UptimeNs) / 1e9)
	}

	if snap.TotalOps > 0 {
		snap.ErrorRate = float64(snap.TotalOps-snap.Completed) / float64(snap.TotalOps) * 100.0
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

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
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
	for _, c := range []*atomic.Uint64{
		&m.QueryOps, &m.UpdateOps, &m.AddOps, &m.DeleteOps, &m.OtherOps,
		&m.Completed, &m.Timeouts, &m.Rejected, &m.RingFull, &m.Invalid, &m.Failed,
		&m.Retries, &m.Recovered, &m.Reclaimed,
		&m.FreeSlotsTotal, &m.FreeSlotsCount, &m.TotalLatencyNs, &m.OpCount,
	} {
		c.Store(0)
	}
	m.MinFreeSlots.Store(^uint32(0))
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer interface allows pluggable metrics collection
type Observer interface {
	// ObserveCommand is called once per Execute call
	ObserveCommand(cmd uint8, latencyNs uint64, outcome Outcome)

	// ObserveRetry is called before each retry attempt
	ObserveRetry()

	// ObserveRecovered is called when a timed-out command's completion is
	// picked up late
	ObserveRecovered()

	// ObserveReclaim is called with the slots returned by Reclaim
	ObserveReclaim(n int)

	// ObserveFreeSlots is called after each command with the free slot count
	ObserveFreeSlots(free uint32)
}

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveCommand(uint8, uint64, Outcome) {}
func (NoOpObserver) ObserveRetry()                         {}
func (NoOpObserver) ObserveRecovered()                     {}
func (NoOpObserver) ObserveReclaim(int)                    {}
func (NoOpObserver) ObserveFreeSlots(uint32)               {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveCommand(cmd uint8, latencyNs uint64, outcome Outcome) {
	o.metrics.RecordCommand(cmd, latencyNs, outcome)
}

func (o *MetricsObserver) ObserveRetry() {
	o.metrics.RecordRetry()
}

func (o *MetricsObserver) ObserveRecovered() {
	o.metrics.RecordRecovered()
}

func (o *MetricsObserver) ObserveReclaim(n int) {
	o.metrics.RecordReclaim(n)
}

func (o *MetricsObserver) ObserveFreeSlots(free uint32) {
	o.metrics.RecordFreeSlots(free)
}

// Compile-time interface check
var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
)

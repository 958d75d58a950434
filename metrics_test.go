package cbdr

import (
	"testing"
	"time"

	"github.com/ehrlich-b/go-cbdr/internal/ring"
)

func TestMetrics(t *testing.T) {
	m := NewMetrics()

	snap := m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 initial ops, got %d", snap.TotalOps)
	}

	m.RecordCommand(CmdQuery, 1_000_000, OutcomeOK)
	m.RecordCommand(CmdUpdate, 2_000_000, OutcomeOK)
	m.RecordCommand(CmdQuery, 500_000, OutcomeRejected)

	snap = m.Snapshot()

	if snap.QueryOps != 2 {
		t.Errorf("Expected 2 query ops, got %d", snap.QueryOps)
	}
	if snap.UpdateOps != 1 {
		t.Errorf("Expected 1 update op, got %d", snap.UpdateOps)
	}
	if snap.Completed != 2 {
		t.Errorf("Expected 2 completed, got %d", snap.Completed)
	}
	if snap.Rejected != 1 {
		t.Errorf("Expected 1 rejected, got %d", snap.Rejected)
	}

	expectedErrorRate := float64(1) / float64(3) * 100.0
	if snap.ErrorRate < expectedErrorRate-0.1 || snap.ErrorRate > expectedErrorRate+0.1 {
		t.Errorf("Expected error rate ~%.1f%%, got %.1f%%", expectedErrorRate, snap.ErrorRate)
	}
}

func TestMetricsOutcomes(t *testing.T) {
	m := NewMetrics()

	m.RecordCommand(CmdDelete, 0, OutcomeRingFull)
	m.RecordCommand(CmdAdd, 0, OutcomeInvalid)
	m.RecordCommand(0xff, 0, OutcomeOther)
	m.RecordCommand(CmdQuery, 3_000_000, OutcomeTimeout)

	snap := m.Snapshot()
	if snap.RingFull != 1 || snap.Invalid != 1 || snap.Failed != 1 || snap.Timeouts != 1 {
		t.Errorf("Unexpected outcome counts: %+v", snap)
	}
	if snap.DeleteOps != 1 || snap.AddOps != 1 || snap.OtherOps != 1 {
		t.Errorf("Unexpected command counts: %+v", snap)
	}
	// Only the timeout reached the device
	if snap.AvgLatencyNs != 3_000_000 {
		t.Errorf("Expected avg latency 3ms, got %d", snap.AvgLatencyNs)
	}
}

func TestOutcomeOf(t *testing.T) {
	testCases := []struct {
		err      error
		expected Outcome
	}{
		{nil, OutcomeOK},
		{&ring.TimeoutError{}, OutcomeTimeout},
		{&ring.StatusError{Status: 1}, OutcomeRejected},
		{ring.ErrRingFull, OutcomeRingFull},
		{ring.ErrInvalidRequest, OutcomeInvalid},
		{ring.ErrClosed, OutcomeOther},
	}

	for _, tc := range testCases {
		if got := OutcomeOf(tc.err); got != tc.expected {
			t.Errorf("OutcomeOf(%v) = %s, want %s", tc.err, got, tc.expected)
		}
	}
}

func TestMetricsFreeSlots(t *testing.T) {
	m := NewMetrics()

	m.RecordFreeSlots(10)
	m.RecordFreeSlots(3)
	m.RecordFreeSlots(7)

	snap := m.Snapshot()

	if snap.MinFreeSlots != 3 {
		t.Errorf("Expected min free slots 3, got %d", snap.MinFreeSlots)
	}

	expectedAvg := float64(10+3+7) / 3.0
	if snap.AvgFreeSlots < expectedAvg-0.1 || snap.AvgFreeSlots > expectedAvg+0.1 {
		t.Errorf("Expected avg free slots %.1f, got %.1f", expectedAvg, snap.AvgFreeSlots)
	}
}

func TestMetricsLatency(t *testing.T) {
	m := NewMetrics()

	m.RecordCommand(CmdQuery, 1_000_000, OutcomeOK)
	m.RecordCommand(CmdUpdate, 2_000_000, OutcomeOK)

	snap := m.Snapshot()

	expectedAvgNs := uint64(1_500_000)
	if snap.AvgLatencyNs != expectedAvgNs {
		t.Errorf("Expected avg latency %d ns, got %d ns", expectedAvgNs, snap.AvgLatencyNs)
	}
}

func TestMetricsUptime(t *testing.T) {
	m := NewMetrics()

	time.Sleep(10 * time.Millisecond)

	snap := m.Snapshot()
	if snap.UptimeNs < 10*1000000 {
		t.Errorf("Expected uptime >= 10ms, got %d ns", snap.UptimeNs)
	}

	m.Stop()
	time.Sleep(5 * time.Millisecond)

	snap2 := m.Snapshot()
	if snap2.UptimeNs > snap.UptimeNs+2*1000000 {
		t.Errorf("Uptime increased too much after stop: %d -> %d", snap.UptimeNs, snap2.UptimeNs)
	}
}

func TestMetricsReset(t *testing.T) {
	m := NewMetrics()

	m.RecordCommand(CmdQuery, 1_000_000, OutcomeOK)
	m.RecordRetry()
	m.RecordReclaim(4)
	m.RecordFreeSlots(2)

	snap := m.Snapshot()
	if snap.TotalOps == 0 {
		t.Error("Expected some operations before reset")
	}

	m.Reset()

	snap = m.Snapshot()
	if snap.TotalOps != 0 {
		t.Errorf("Expected 0 ops after reset, got %d", snap.TotalOps)
	}
	if snap.Retries != 0 || snap.Reclaimed != 0 {
		t.Errorf("Expected retry and reclaim counters cleared, got %d/%d", snap.Retries, snap.Reclaimed)
	}
	if snap.MinFreeSlots != 0 {
		t.Errorf("Expected no free slot samples after reset, got min %d", snap.MinFreeSlots)
	}
}

func TestObserver(t *testing.T) {
	observer := &NoOpObserver{}
	observer.ObserveCommand(CmdQuery, 1000000, OutcomeOK)
	observer.ObserveRetry()
	observer.ObserveRecovered()
	observer.ObserveReclaim(1)
	observer.ObserveFreeSlots(10)

	m := NewMetrics()
	metricsObserver := NewMetricsObserver(m)

	metricsObserver.ObserveCommand(CmdQuery, 1000000, OutcomeOK)
	metricsObserver.ObserveCommand(CmdUpdate, 2000000, OutcomeTimeout)
	metricsObserver.ObserveRetry()
	metricsObserver.ObserveRecovered()
	metricsObserver.ObserveReclaim(2)

	snap := m.Snapshot()
	if snap.QueryOps != 1 {
		t.Errorf("Expected 1 query op from observer, got %d", snap.QueryOps)
	}
	if snap.Timeouts != 1 {
		t.Errorf("Expected 1 timeout from observer, got %d", snap.Timeouts)
	}
	if snap.Retries != 1 || snap.Recovered != 1 {
		t.Errorf("Expected 1 retry and 1 recovery, got %d/%d", snap.Retries, snap.Recovered)
	}
	if snap.Reclaimed != 2 {
		t.Errorf("Expected 2 reclaimed slots, got %d", snap.Reclaimed)
	}
}

func TestMetricsRates(t *testing.T) {
	m := NewMetrics()

	startTime := time.Now()
	m.StartTime.Store(startTime.UnixNano())

	m.RecordCommand(CmdQuery, 1000000, OutcomeOK)
	m.RecordCommand(CmdUpdate, 2000000, OutcomeOK)

	m.StopTime.Store(startTime.Add(1 * time.Second).UnixNano())

	snap := m.Snapshot()
	if snap.CommandsPerSec < 1.9 || snap.CommandsPerSec > 2.1 {
		t.Errorf("Expected CommandsPerSec ~2.0, got %.2f", snap.CommandsPerSec)
	}
}

func TestMetricsHistogram(t *testing.T) {
	m := NewMetrics()

	// 50 at 500us, 49 at 5ms, 1 at 50ms
	for i := 0; i < 50; i++ {
		m.RecordCommand(CmdQuery, 500_000, OutcomeOK)
	}
	for i := 0; i < 49; i++ {
		m.RecordCommand(CmdUpdate, 5_000_000, OutcomeOK)
	}
	m.RecordCommand(CmdUpdate, 50_000_000, OutcomeOK)

	snap := m.Snapshot()

	if snap.TotalOps != 100 {
		t.Errorf("Expected 100 total ops, got %d", snap.TotalOps)
	}

	if snap.LatencyP50Ns < 100_000 || snap.LatencyP50Ns > 1_000_000 {
		t.Errorf("Expected P50 in 100us-1ms range, got %d ns", snap.LatencyP50Ns)
	}

	if snap.LatencyP99Ns < 5_000_000 || snap.LatencyP99Ns > 100_000_000 {
		t.Errorf("Expected P99 in 5ms-100ms range, got %d ns", snap.LatencyP99Ns)
	}

	if snap.LatencyHistogram[numLatencyBuckets-1] != 100 {
		t.Errorf("Expected last cumulative bucket to hold every command, got %d", snap.LatencyHistogram[numLatencyBuckets-1])
	}
}

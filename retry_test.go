package cbdr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-cbdr/sim"
)

func quickPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		Attempts: attempts,
		Min:      5 * time.Millisecond,
		Max:      20 * time.Millisecond,
		Factor:   2,
	}
}

func TestRetryRecoversLateCompletion(t *testing.T) {
	cfg := testConfig()
	cfg.Timeout = 2
	s := newSimulated(t, cfg, &SimOptions{Mode: sim.ModeDelayed, Delay: 20 * time.Millisecond})

	comp, err := s.ExecuteWithRetry(context.Background(), rssQuery(t, s), quickPolicy(20))
	require.NoError(t, err)
	assert.Equal(t, uint16(1), comp.NumMatched)

	snap := s.MetricsSnapshot()
	assert.Equal(t, uint64(1), snap.Timeouts)
	assert.Equal(t, uint64(1), snap.Recovered)
	assert.GreaterOrEqual(t, snap.Retries, uint64(1))
	assert.Len(t, s.NIC.History(), 1, "a timed-out command is never published twice")
	assert.Equal(t, 7, s.FreeSlotCount())
}

func TestRetryGivesUpOnStalledDevice(t *testing.T) {
	s := newSimulated(t, testConfig(), &SimOptions{Mode: sim.ModeStalled})

	_, err := s.ExecuteWithRetry(context.Background(), rssQuery(t, s), quickPolicy(3))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTimeout), "got %v", err)

	snap := s.MetricsSnapshot()
	assert.Equal(t, uint64(2), snap.Retries)
	assert.Equal(t, uint64(1), snap.TotalOps, "no resubmission after a timeout")
	assert.Equal(t, 1, s.NIC.Pending())
}

func TestRetryLateRejection(t *testing.T) {
	s := newSimulated(t, testConfig(), &SimOptions{Mode: sim.ModeStalled})
	s.NIC.Reject(sim.StatusBusError)

	go func() {
		for s.NIC.Pending() == 0 {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(10 * time.Millisecond)
		s.NIC.Process()
	}()

	_, err := s.ExecuteWithRetry(context.Background(), rssQuery(t, s), quickPolicy(20))
	require.Error(t, err)
	status, ok := StatusOf(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, sim.StatusBusError, status)
	assert.Equal(t, uint64(1), s.MetricsSnapshot().Recovered)
}

func TestRetryDoesNotRetryRejection(t *testing.T) {
	s := newSimulated(t, testConfig(), nil)
	s.NIC.Reject(sim.StatusUnknownTable)

	_, err := s.ExecuteWithRetry(context.Background(), rssQuery(t, s), quickPolicy(5))
	assert.True(t, errors.Is(err, ErrDeviceRejected))
	assert.Equal(t, uint64(0), s.MetricsSnapshot().Retries)
}

func TestRetryResubmitsWhenRingFull(t *testing.T) {
	cfg := testConfig()
	cfg.Depth = 2
	s := newSimulated(t, cfg, &SimOptions{Mode: sim.ModeStalled})
	ctx := context.Background()

	// Occupy the only usable slot.
	_, err := s.Execute(ctx, rssQuery(t, s))
	require.True(t, errors.Is(err, ErrTimeout))
	require.Equal(t, 0, s.FreeSlotCount())

	req := rssQuery(t, s)
	go func() {
		time.Sleep(10 * time.Millisecond)
		s.NIC.SetMode(sim.ModeSync)
		s.NIC.Process()
	}()

	comp, err := s.ExecuteWithRetry(ctx, req, quickPolicy(20))
	require.NoError(t, err)
	assert.Equal(t, uint16(1), comp.NumMatched)

	snap := s.MetricsSnapshot()
	assert.GreaterOrEqual(t, snap.RingFull, uint64(1))
	assert.GreaterOrEqual(t, snap.Retries, uint64(1))
	assert.Len(t, s.NIC.History(), 2)
}

func TestRetryHonoursContext(t *testing.T) {
	s := newSimulated(t, testConfig(), &SimOptions{Mode: sim.ModeStalled})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()

	policy := quickPolicy(10)
	policy.Min = time.Second
	policy.Max = time.Second

	start := time.Now()
	_, err := s.ExecuteWithRetry(ctx, rssQuery(t, s), policy)
	assert.True(t, errors.Is(err, ErrCanceled), "got %v", err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRetrySingleAttempt(t *testing.T) {
	s := newSimulated(t, testConfig(), nil)

	_, err := s.ExecuteWithRetry(context.Background(), rssQuery(t, s), RetryPolicy{})
	require.NoError(t, err)

	_, err = s.ExecuteWithRetry(context.Background(), nil, DefaultRetryPolicy())
	assert.True(t, IsCode(err, ErrCodeInvalidArgument))
}

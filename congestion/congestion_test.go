package congestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPacer_TakesWithinBurstImmediately(t *testing.T) {
	p := NewPacer(100_000, 1200)
	ok, wait := p.TryTake(time.Now(), 1000)
	require.True(t, ok)
	require.Zero(t, wait)
}

func TestPacer_DefersWhenExhausted(t *testing.T) {
	p := NewPacer(1000, 1200) // 1000 B/s, burst 2400
	now := time.Now()
	for i := 0; i < 3; i++ {
		p.TryTake(now, 1000)
	}
	ok, wait := p.TryTake(now, 1000)
	require.False(t, ok)
	require.Greater(t, wait, time.Duration(0))
}

func TestRateEstimator_StartsAtMin(t *testing.T) {
	e := NewRateEstimator(16000, 64000)
	require.Equal(t, float64(16000), e.Current())
}

func TestRateEstimator_IncreasesOnGoodSaturatedQuality(t *testing.T) {
	e := NewRateEstimator(16000, 64000)
	e.OnIntervalReport(100, true, false)
	require.InDelta(t, 20000, e.Current(), 1)
}

func TestRateEstimator_HoldsInMidBand(t *testing.T) {
	e := NewRateEstimator(16000, 64000)
	e.current = 30000
	e.OnIntervalReport(85, true, false)
	require.Equal(t, float64(30000), e.Current())
}

func TestRateEstimator_DecreasesOnPoorQuality(t *testing.T) {
	e := NewRateEstimator(16000, 64000)
	e.current = 30000
	e.OnIntervalReport(50, true, false)
	require.InDelta(t, 21000, e.Current(), 1)
}

func TestRateEstimator_DecreasesOnReplyTimeout(t *testing.T) {
	e := NewRateEstimator(16000, 64000)
	e.current = 30000
	e.OnIntervalReport(100, true, true)
	require.InDelta(t, 21000, e.Current(), 1)
}

func TestRateEstimator_PeerCapLimitsUpperBound(t *testing.T) {
	e := NewRateEstimator(16000, 64000)
	e.current = 30000
	e.SetPeerReceiveRateCap(31000)
	e.OnIntervalReport(100, true, false)
	require.Equal(t, float64(31000), e.Current())
}

func TestRateEstimator_NeverBelowMin(t *testing.T) {
	e := NewRateEstimator(16000, 64000)
	for i := 0; i < 20; i++ {
		e.OnIntervalReport(10, true, false)
	}
	require.Equal(t, float64(16000), e.Current())
}

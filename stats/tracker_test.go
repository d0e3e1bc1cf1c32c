package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTracker_RollIntervalComputesQuality(t *testing.T) {
	tr := NewTracker(time.Now())
	for i := 0; i < 10; i++ {
		tr.RecordPacketOutcome(true, false, false, false, 0)
	}
	q := tr.RollInterval()
	require.Equal(t, 100, q)
	require.Equal(t, uint64(1), tr.Lifetime.QualityHistogram["100"])
}

func TestTracker_SmoothedPingIsMedianOfThree(t *testing.T) {
	tr := NewTracker(time.Now())
	tr.RecordPingSample(100)
	tr.RecordPingSample(50)
	tr.RecordPingSample(200)
	require.Equal(t, 100, tr.Last.SmoothedPingMS)

	tr.RecordPingSample(10)
	require.Equal(t, 50, tr.Last.SmoothedPingMS)
}

func TestTracker_PeakJitterResetsPerInterval(t *testing.T) {
	tr := NewTracker(time.Now())
	tr.RecordJitterSample(5000)
	require.Equal(t, int64(5000), tr.Last.PeakJitterUS)
	tr.RollInterval()
	require.Equal(t, int64(0), tr.Last.PeakJitterUS)
}

package stats

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPercentiles_NotAvailableBelowMinimum(t *testing.T) {
	p := NewPercentiles[int64]()
	for i := 0; i < 10; i++ {
		p.Add(int64(i))
	}
	_, ok := p.Percentile(P05) // needs ceil(1/0.05) = 20
	require.False(t, ok)
}

func TestPercentiles_MonotonicAndInRange(t *testing.T) {
	p := NewPercentiles[int64]()
	for i := 1; i <= 500; i++ {
		p.Add(int64(i))
	}

	v05, ok := p.Percentile(P05)
	require.True(t, ok)
	v50, ok := p.Percentile(P50)
	require.True(t, ok)
	v98, ok := p.Percentile(P98)
	require.True(t, ok)

	require.LessOrEqual(t, v05, v50)
	require.LessOrEqual(t, v50, v98)
	require.GreaterOrEqual(t, v05, int64(1))
	require.LessOrEqual(t, v98, int64(500))
}

func TestPercentiles_ReservoirCapsAtCapacity(t *testing.T) {
	p := NewPercentiles[int64]()
	for i := 0; i < 5000; i++ {
		p.Add(int64(i))
	}
	require.Equal(t, reservoirCapacity, p.Count())
}

func TestPercentiles_UniformSubsampleStaysInObservedRange(t *testing.T) {
	p := NewPercentiles[int64]()
	for i := 0; i < 10000; i++ {
		p.Add(int64(i))
	}
	v, ok := p.Percentile(P50)
	require.True(t, ok)
	require.GreaterOrEqual(t, v, int64(0))
	require.Less(t, v, int64(10000))
}

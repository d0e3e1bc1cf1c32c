package reliability_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vnet-io/velum/reliability"
)

func TestReceiveWindowInOrderSequence(t *testing.T) {
	w := reliability.NewReceiveWindow()
	for i := uint64(1); i <= 10; i++ {
		require.Equal(t, reliability.OutcomeAccepted, w.Process(i))
	}
	require.Equal(t, uint64(10), w.Received)
	require.Zero(t, w.Dropped)
	require.Zero(t, w.OutOfOrder)
}

func TestReceiveWindowGapThenOutOfOrderCorrection(t *testing.T) {
	w := reliability.NewReceiveWindow()
	require.Equal(t, reliability.OutcomeAccepted, w.Process(1))
	require.Equal(t, reliability.OutcomeAccepted, w.Process(5)) // gap of 3 (packets 2,3,4 missing)
	require.Equal(t, uint64(3), w.Dropped)

	require.Equal(t, reliability.OutcomeOutOfOrder, w.Process(3))
	require.Equal(t, uint64(2), w.Dropped)
	require.Equal(t, uint64(1), w.OutOfOrder)

	require.Equal(t, reliability.OutcomeOutOfOrder, w.Process(2))
	require.Equal(t, uint64(1), w.Dropped)

	require.Equal(t, reliability.OutcomeOutOfOrder, w.Process(4))
	require.Equal(t, uint64(0), w.Dropped)
}

// TestReceiveWindowDuplicateDetection covers P3: a packet number's
// bit is marked acknowledged at most once.
func TestReceiveWindowDuplicateDetection(t *testing.T) {
	w := reliability.NewReceiveWindow()
	require.Equal(t, reliability.OutcomeAccepted, w.Process(1))
	require.Equal(t, reliability.OutcomeAccepted, w.Process(2))
	require.Equal(t, reliability.OutcomeDuplicate, w.Process(1))
	require.Equal(t, reliability.OutcomeDuplicate, w.Process(2))
	require.Equal(t, uint64(2), w.Duplicate)
	require.Equal(t, uint64(2), w.Received)
}

func TestReceiveWindowLurchRejectsStalePacket(t *testing.T) {
	w := reliability.NewReceiveWindow()
	require.Equal(t, reliability.OutcomeAccepted, w.Process(1000))
	require.Equal(t, reliability.OutcomeLurch, w.Process(1000-128))
	require.Equal(t, uint64(1), w.Lurch)
	// A lurch-rejected packet number must not be marked as seen.
	require.False(t, w.IsSet(1000-128))
}

func TestReceiveWindowOutOfOrderOnlyMarkedOnce(t *testing.T) {
	w := reliability.NewReceiveWindow()
	w.Process(1)
	w.Process(5)
	require.True(t, w.Process(3) == reliability.OutcomeOutOfOrder)
	require.True(t, w.Process(3) == reliability.OutcomeDuplicate, "re-processing the same out-of-order packet must now be a duplicate")
}

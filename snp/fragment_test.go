package snp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vnet-io/velum/clock"
)

func TestFragmentReassembler_AllFragmentsRequired(t *testing.T) {
	r := NewFragmentReassembler(DefaultFragmentConfig)
	now := clock.Time(0)

	msg, ok := r.Accept(now, 1, 0, 3, []byte("aa"))
	require.False(t, ok)
	require.Nil(t, msg)

	msg, ok = r.Accept(now, 1, 2, 3, []byte("cc"))
	require.False(t, ok)

	msg, ok = r.Accept(now, 1, 1, 3, []byte("bb"))
	require.True(t, ok)
	require.Equal(t, "aabbcc", string(msg))
	require.Equal(t, 0, r.PendingSlots())
}

func TestFragmentReassembler_AgeOutGC(t *testing.T) {
	cfg := FragmentConfig{MaxAge: 100 * time.Millisecond, MaxDisplacement: 1000}
	r := NewFragmentReassembler(cfg)
	r.Accept(clock.Time(0), 1, 0, 2, []byte("x"))
	require.Equal(t, 1, r.PendingSlots())

	r.GC(clock.Time(0).Add(200 * time.Millisecond))
	require.Equal(t, 0, r.PendingSlots())
}

func TestFragmentReassembler_DisplacementGC(t *testing.T) {
	cfg := FragmentConfig{MaxAge: time.Hour, MaxDisplacement: 2}
	r := NewFragmentReassembler(cfg)
	r.Accept(clock.Time(0), 1, 0, 2, []byte("x"))
	r.Accept(clock.Time(0), 5, 0, 2, []byte("y")) // displaces slot 1 by 4 > 2

	r.GC(clock.Time(0))
	require.Equal(t, 1, r.PendingSlots())
}

func TestSplitUnreliable_FitsExactly(t *testing.T) {
	frags := SplitUnreliable([]byte("abcdef"), 2)
	require.Equal(t, [][]byte{[]byte("ab"), []byte("cd"), []byte("ef")}, frags)
}

func TestSplitUnreliable_SingleFragmentWhenSmall(t *testing.T) {
	frags := SplitUnreliable([]byte("ab"), 10)
	require.Equal(t, [][]byte{[]byte("ab")}, frags)
}

package snp

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestUnreliableQueue_FragmentsAndDrainsInOrder(t *testing.T) {
	q := NewUnreliableQueue(0)
	q.Enqueue([]byte("abcdef"), 2)

	var got []byte
	for {
		_, _, _, data, ok := q.NextFragment()
		if !ok {
			break
		}
		got = append(got, data...)
	}
	require.Equal(t, "abcdef", string(got))
}

func TestUnreliableQueue_DropsOldestUnderBackpressure(t *testing.T) {
	q := NewUnreliableQueue(10)
	first := q.Enqueue([]byte("0123456789"), 100)
	second := q.Enqueue([]byte("x"), 100)

	msgNum, _, _, _, ok := q.NextFragment()
	require.True(t, ok)
	require.Equal(t, second, msgNum)
	require.NotEqual(t, first, second)
}

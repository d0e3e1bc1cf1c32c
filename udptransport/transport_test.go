package udptransport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vnet-io/velum/clock"
	"github.com/vnet-io/velum/ident"
)

func TestTransport_LoopbackSendRecv(t *testing.T) {
	sysClock := clock.NewSystemClock()

	a, err := Listen(ident.IPv4(127, 0, 0, 1, 0), sysClock, nil)
	require.NoError(t, err)
	defer a.Close()

	b, err := Listen(ident.IPv4(127, 0, 0, 1, 0), sysClock, nil)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Send(b.LocalAddr(), []byte("hello")))

	select {
	case pkt := <-b.Recv():
		require.Equal(t, "hello", string(pkt.Data))
		require.Equal(t, a.LocalAddr().Port(), pkt.From.Port())
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for loopback datagram")
	}
}

func TestTransport_CloseStopsReadLoop(t *testing.T) {
	sysClock := clock.NewSystemClock()
	a, err := Listen(ident.IPv4(127, 0, 0, 1, 0), sysClock, nil)
	require.NoError(t, err)
	require.NoError(t, a.Close())
	require.NoError(t, a.Close(), "Close must be idempotent")
}

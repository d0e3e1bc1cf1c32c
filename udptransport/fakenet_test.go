package udptransport

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vnet-io/velum/clock"
	"github.com/vnet-io/velum/ident"
)

type recordingSender struct {
	mu  sync.Mutex
	got [][]byte
}

func (r *recordingSender) Send(addr ident.IPAddress, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, append([]byte(nil), data...))
	return nil
}

func (r *recordingSender) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestFakeNet_FullSendLossDropsEverything(t *testing.T) {
	fc := clock.NewFakeClock()
	rec := &recordingSender{}
	fn := NewFakeNet(FakeNetConfig{PacketLossSendPct: 100}, fc, rec)

	addr := ident.IPv4(127, 0, 0, 1, 9000)
	for i := 0; i < 20; i++ {
		require.NoError(t, fn.Send(addr, []byte("x")))
	}
	require.Equal(t, 0, rec.count())
}

func TestFakeNet_ZeroLossDeliversEverything(t *testing.T) {
	fc := clock.NewFakeClock()
	rec := &recordingSender{}
	fn := NewFakeNet(FakeNetConfig{}, fc, rec)

	addr := ident.IPv4(127, 0, 0, 1, 9000)
	for i := 0; i < 20; i++ {
		require.NoError(t, fn.Send(addr, []byte("x")))
	}
	require.Equal(t, 20, rec.count())
}

func TestFakeNet_LagDelaysDeliveryUntilClockAdvances(t *testing.T) {
	fc := clock.NewFakeClock()
	rec := &recordingSender{}
	fn := NewFakeNet(FakeNetConfig{PacketLagSend: 100 * time.Millisecond}, fc, rec)

	addr := ident.IPv4(127, 0, 0, 1, 9000)
	require.NoError(t, fn.Send(addr, []byte("x")))
	require.Equal(t, 0, rec.count(), "lag must defer delivery past this tick")

	fc.Advance(200 * time.Millisecond)
	require.Equal(t, 1, rec.count())
}

func TestFakeNet_FilterRecvAppliesLoss(t *testing.T) {
	fc := clock.NewFakeClock()
	fn := NewFakeNet(FakeNetConfig{PacketLossRecvPct: 100}, fc, nil)

	in := make(chan Packet, 1)
	out := fn.FilterRecv(in)
	in <- Packet{Data: []byte("dropped")}
	close(in)

	_, ok := <-out
	require.False(t, ok, "100% recv loss should yield no delivered packets")
}

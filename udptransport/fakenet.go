package udptransport

import (
	"math/rand"
	"sync"
	"time"

	"github.com/vnet-io/velum/clock"
	"github.com/vnet-io/velum/ident"
)

// FakeNetConfig carries the spec §6 debug options for simulating a
// lossy, laggy, reordering link over an otherwise-real UDP socket
// (`FakePacketLoss_Send/Recv`, `FakePacketLag_Send/Recv`,
// `FakePacketReorder_Send/Time`). All percentages are 0-100; lag is an
// average added delay, jittered ±50%.
type FakeNetConfig struct {
	PacketLossSendPct float64
	PacketLossRecvPct float64
	PacketLagSend     time.Duration
	PacketLagRecv     time.Duration
	// PacketReorderSendPct is the chance a send is deliberately held
	// back and released after PacketReorderTime instead of immediately,
	// so it races with (and may arrive after) the datagram sent right
	// behind it.
	PacketReorderSendPct float64
	PacketReorderTime    time.Duration
}

// Sender is the subset of Transport that FakeNet needs to wrap; kept
// as an interface so tests can substitute an in-memory pair instead of
// a real socket (spec §8 S1/S2/S6's loopback property tests).
type Sender interface {
	Send(addr ident.IPAddress, data []byte) error
}

// FakeNet wraps a Sender and an inbound packet stream with the
// loss/lag/reorder simulation from spec §6, so `conn`/`velum` code
// above it never has to know whether it's talking to a real socket or
// a test harness.
type FakeNet struct {
	cfg   FakeNetConfig
	clock clock.Source
	inner Sender
	rng   *rand.Rand
	mu    sync.Mutex
}

// NewFakeNet constructs a simulator around inner using src for all
// scheduled delays, so tests can drive it with a clock.FakeClock.
func NewFakeNet(cfg FakeNetConfig, src clock.Source, inner Sender) *FakeNet {
	return &FakeNet{
		cfg:   cfg,
		clock: src,
		inner: inner,
		rng:   rand.New(rand.NewSource(1)),
	}
}

// Send applies send-side loss, lag and reorder before handing the
// datagram to the wrapped Sender.
func (f *FakeNet) Send(addr ident.IPAddress, data []byte) error {
	if f.cfg.PacketLossSendPct > 0 && f.chance(f.cfg.PacketLossSendPct) {
		return nil // silently dropped, spec §6 fake-loss semantics
	}

	delay := f.jitteredLag(f.cfg.PacketLagSend)
	if f.cfg.PacketReorderSendPct > 0 && f.chance(f.cfg.PacketReorderSendPct) {
		delay = f.cfg.PacketReorderTime
	}
	if delay <= 0 {
		return f.inner.Send(addr, data)
	}

	cp := append([]byte(nil), data...)
	f.clock.AfterFunc(f.clock.Now().Add(delay), func() {
		_ = f.inner.Send(addr, cp)
	})
	return nil
}

// FilterRecv applies recv-side loss and lag to an inbound packet
// stream: it returns a channel of packets that have passed the
// simulated link, reordering/delaying as configured. The owner reads
// from the returned channel exactly as it would from Transport.Recv().
func (f *FakeNet) FilterRecv(in <-chan Packet) <-chan Packet {
	out := make(chan Packet, 256)
	go func() {
		defer close(out)
		for pkt := range in {
			if f.cfg.PacketLossRecvPct > 0 && f.chance(f.cfg.PacketLossRecvPct) {
				continue
			}
			delay := f.jitteredLag(f.cfg.PacketLagRecv)
			if delay <= 0 {
				out <- pkt
				continue
			}
			p := pkt
			f.clock.AfterFunc(f.clock.Now().Add(delay), func() {
				out <- p
			})
		}
	}()
	return out
}

func (f *FakeNet) chance(pct float64) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rng.Float64()*100 < pct
}

func (f *FakeNet) jitteredLag(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	f.mu.Lock()
	jitter := 0.5 + f.rng.Float64() // [0.5, 1.5)
	f.mu.Unlock()
	return time.Duration(float64(base) * jitter)
}

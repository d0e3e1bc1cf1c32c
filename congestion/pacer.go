// Package congestion implements spec §4.4: token-bucket packet
// pacing and loss/RTT-driven send-rate estimation bounded by
// configured min/max rates.
//
// Grounded on the teacher's `sendHealth` circuit breaker in
// `_examples/rustyguts-bken/client/client.go` (a consecutive-failure
// counter with a trip threshold and probe cadence) for the shape of
// "degrade aggressively on repeated failure, recover gradually on
// success" that drives RateEstimator's hold/increase/decrease
// branches (SPEC_FULL.md §4.4). The token bucket itself is
// `golang.org/x/time/rate.Limiter`, already an indirect dependency of
// the teacher's own go.mod and promoted here to direct use, in place
// of a hand-rolled bucket.
package congestion

import (
	"time"

	"golang.org/x/time/rate"
)

// Defaults per spec §4.4.
const (
	DefaultMinRateBytesPerSec = 128_000 / 8
	DefaultMaxRateBytesPerSec = 512_000 / 8
)

// Pacer is a token-bucket packet-rate limiter (spec §4.4): send is
// permitted when tokens >= packet size, otherwise the caller is told
// how long to wait.
type Pacer struct {
	limiter *rate.Limiter
	mtu     int
}

// NewPacer builds a pacer at the given rate (bytes/sec) with burst B
// (default 2x MTU, per spec §4.4).
func NewPacer(rateBytesPerSec float64, mtu int) *Pacer {
	burst := 2 * mtu
	return &Pacer{
		limiter: rate.NewLimiter(rate.Limit(rateBytesPerSec), burst),
		mtu:     mtu,
	}
}

// SetRate updates the token generation rate without resetting
// accumulated burst tokens.
func (p *Pacer) SetRate(rateBytesPerSec float64) {
	p.limiter.SetLimit(rate.Limit(rateBytesPerSec))
}

// Rate returns the currently configured rate in bytes/sec.
func (p *Pacer) Rate() float64 {
	return float64(p.limiter.Limit())
}

// TryTake attempts to debit packetSize tokens immediately. On success
// it returns (true, 0); on failure it returns (false, wait), the
// interval after which the caller should retry (spec §4.4:
// "the scheduler wakes at (packetSize - tokens)/R").
func (p *Pacer) TryTake(now time.Time, packetSize int) (bool, time.Duration) {
	r := p.limiter.ReserveN(now, packetSize)
	if !r.OK() {
		// Requested size exceeds burst capacity outright; caller must
		// fragment rather than wait forever.
		return false, 0
	}
	delay := r.DelayFrom(now)
	if delay <= 0 {
		return true, 0
	}
	r.CancelAt(now)
	return false, delay
}

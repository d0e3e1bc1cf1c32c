package congestion

// Rate-estimation thresholds and adjustment factors, spec §4.4.
const (
	qualityIncreaseThreshold = 95
	qualityHoldFloor         = 80

	increaseFactor = 1.25
	decreaseFactor = 0.70
)

// RateEstimator adjusts the sender's target rate once per 5-second
// reporting interval using the quality signal of spec §4.6 and the
// reply-timeout aggregate counter of §4.1 (spec §4.4 "Adjustment
// rule").
type RateEstimator struct {
	minRate, maxRate float64
	current          float64

	// peerReceiveRateCap is the peer's reported instantaneous receive
	// rate (spec §4.4: "The peer's reported receive-rate instantaneous
	// stat also caps the sender's upper bound").
	peerReceiveRateCap float64
}

// NewRateEstimator starts at minRate, per spec §4.4's conservative
// handshake-time default.
func NewRateEstimator(minRate, maxRate float64) *RateEstimator {
	if minRate <= 0 {
		minRate = DefaultMinRateBytesPerSec
	}
	if maxRate <= 0 {
		maxRate = DefaultMaxRateBytesPerSec
	}
	return &RateEstimator{minRate: minRate, maxRate: maxRate, current: minRate}
}

// Current returns the current target rate, bytes/sec.
func (e *RateEstimator) Current() float64 { return e.current }

// SetPeerReceiveRateCap records the peer's reported receive rate as
// an additional upper bound on our own send rate.
func (e *RateEstimator) SetPeerReceiveRateCap(bytesPerSec float64) {
	e.peerReceiveRateCap = bytesPerSec
}

func (e *RateEstimator) clamp(v float64) float64 {
	lo, hi := e.minRate, e.maxRate
	if e.peerReceiveRateCap > 0 && e.peerReceiveRateCap < hi {
		hi = e.peerReceiveRateCap
	}
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// OnIntervalReport applies one 5-second interval's outcome to the
// rate estimate (spec §4.4):
//   - quality >= 95 and the send path was saturated: +25%
//   - quality in [80, 95): hold
//   - quality < 80, OR a reply-timeout incremented this interval: -30%
//
// quality of stats.QualityNotAvailable is treated as "hold" (no
// evidence either way).
func (e *RateEstimator) OnIntervalReport(quality int, inFlightSaturated, replyTimeoutIncremented bool) {
	const notAvailable = -1
	switch {
	case replyTimeoutIncremented:
		e.current = e.clamp(e.current * decreaseFactor)
	case quality == notAvailable:
		// hold
	case quality < qualityHoldFloor:
		e.current = e.clamp(e.current * decreaseFactor)
	case quality >= qualityIncreaseThreshold && inFlightSaturated:
		e.current = e.clamp(e.current * increaseFactor)
	default:
		// hold
	}
	e.current = e.clamp(e.current)
}

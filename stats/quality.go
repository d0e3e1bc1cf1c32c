package stats

// QualityNotAvailable is returned in place of a numeric quality value
// when the interval's sample count is too small to be meaningful
// (spec §4.6: "If nRecv + nBad < 6 the interval is excluded").
const QualityNotAvailable = -1

// minSequencedForQuality is spec §4.6's exclusion threshold.
const minSequencedForQuality = 6

// IntervalCounters are the per-5-second-interval sequenced-packet
// counts that feed the quality metric (spec §4.3, §4.6); they mirror
// reliability.ReceiveWindow's counters without importing that
// package, keeping stats a leaf dependency.
type IntervalCounters struct {
	Received, Dropped, OutOfOrder, Duplicate, Lurch uint64
}

// Quality computes the §4.6 per-interval delivery-health metric.
// activelySending indicates the local side transmitted during the
// interval, distinguishing "nothing to receive because we were idle"
// from "nothing arrived while we were pushing data" (dead, reports 0).
//
// Returns the quality value in [0, 100] and QualityNotAvailable if the
// interval had too few sequenced packets to judge (spec §8 P8:
// quality == 100 iff nBad == 0 and nRecv >= 6).
func Quality(c IntervalCounters, activelySending bool) int {
	nBad := c.Dropped + c.OutOfOrder + c.Duplicate + c.Lurch

	if c.Received == 0 && nBad == 0 {
		if activelySending {
			return 0
		}
		return QualityNotAvailable
	}

	if c.Received+nBad < minSequencedForQuality {
		return QualityNotAvailable
	}

	if nBad == 0 {
		return 100
	}

	nRecvGood := c.Received - (c.OutOfOrder + c.Duplicate + c.Lurch)
	denominator := c.Received + c.Dropped
	if denominator == 0 {
		if activelySending {
			return 0
		}
		return QualityNotAvailable
	}

	q := int((nRecvGood * 100) / denominator)
	if q < 1 {
		q = 1
	}
	if q > 99 {
		q = 99
	}
	return q
}

// QualityBucketLabels are the lifetime histogram buckets of spec
// §4.5, in descending order: {100, 99, 97, 95, 90, 75, 50, <50, dead}.
var QualityBucketLabels = []string{"100", "99", "97", "95", "90", "75", "50", "<50", "dead"}

// QualityBucket maps a quality value (or QualityNotAvailable, which
// callers should not pass here) onto one of QualityBucketLabels.
func QualityBucket(q int) string {
	switch {
	case q == 0:
		return "dead"
	case q >= 100:
		return "100"
	case q >= 99:
		return "99"
	case q >= 97:
		return "97"
	case q >= 95:
		return "95"
	case q >= 90:
		return "90"
	case q >= 75:
		return "75"
	case q >= 50:
		return "50"
	default:
		return "<50"
	}
}

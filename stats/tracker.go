package stats

import (
	"sync"
	"time"
)

// Instantaneous holds the rolling per-connection metrics a caller
// reads at any moment (spec §4.5): rate, smoothed ping, drop/
// out-of-order percentages, peak jitter, current send rate, and
// pending bytes. Mirrored to/from the wire as a stats piggyback
// (spec §4.5 "Stats piggyback").
type Instantaneous struct {
	RateRecvBytesPerSec float64
	RateSendBytesPerSec float64
	RatePacketsPerSec   float64

	SmoothedPingMS int // median-of-three over the most recent 3 RTT samples

	DropPercent      float64
	OutOfOrderPercent float64
	PeakJitterUS     int64

	CurrentSendRateBytesPerSec float64
	PendingBytes               int64

	Quality int // spec §4.6, or QualityNotAvailable
}

// Lifetime accumulates totals and histograms across the whole
// connection (spec §4.5). Composition, not inheritance, per spec §9's
// redesign guidance ("Model as composition: connection owns a stats
// struct whose fields group into {packet-rate, ping, quality, jitter,
// speed}; no inheritance required").
type Lifetime struct {
	PacketsSent, PacketsRecv   uint64
	BytesSent, BytesRecv       uint64
	MessagesSent, MessagesRecv uint64

	QualityHistogram map[string]uint64
	PingHistogram    map[string]uint64
	JitterHistogram  map[string]uint64
	TxSpeedHistogram map[string]uint64
	RxSpeedHistogram map[string]uint64

	ConnectedAt time.Time
}

// RemoteSnapshot is the peer's Instantaneous/Lifetime block as last
// mirrored by a stats piggyback (spec §4.5), plus the age of the
// observation.
type RemoteSnapshot struct {
	Instantaneous Instantaneous
	Lifetime      *Lifetime
	ReceivedAt    time.Time
}

// AgeSeconds is "m_flAgeLatestRemote" from spec §4.5.
func (r RemoteSnapshot) AgeSeconds(now time.Time) float64 {
	if r.ReceivedAt.IsZero() {
		return -1
	}
	return now.Sub(r.ReceivedAt).Seconds()
}

// Tracker is the full per-connection stats component (spec §4.5),
// grouping the rolling interval state, the three reservoir samplers,
// the lifetime histograms, and the mirrored remote snapshot.
type Tracker struct {
	mu sync.Mutex

	interval   IntervalCounters
	activeSend bool

	pingHist    *Histogram
	jitterHist  *Histogram
	txSpeedHist *Histogram
	rxSpeedHist *Histogram
	qualityHist *Histogram // unused directly; quality buckets counted in qualityCounts

	qualityCounts map[string]uint64

	pingReservoir    *Percentiles[int64]
	qualityReservoir *Percentiles[int64]
	txSpeedReservoir *Percentiles[int64]
	rxSpeedReservoir *Percentiles[int64]

	recentPings [3]int
	nRecentPing int

	Lifetime *Lifetime
	Last     Instantaneous

	RemoteSnapshot RemoteSnapshot
}

// NewTracker returns a freshly initialized tracker, connectedAt
// stamping the lifetime block's start time.
func NewTracker(connectedAt time.Time) *Tracker {
	return &Tracker{
		pingHist:    NewPingHistogram(),
		jitterHist:  NewJitterHistogram(),
		txSpeedHist: NewSpeedHistogram(),
		rxSpeedHist: NewSpeedHistogram(),

		qualityCounts: make(map[string]uint64),

		pingReservoir:    NewPercentiles[int64](),
		qualityReservoir: NewPercentiles[int64](),
		txSpeedReservoir: NewPercentiles[int64](),
		rxSpeedReservoir: NewPercentiles[int64](),

		Lifetime: &Lifetime{
			QualityHistogram: make(map[string]uint64),
			PingHistogram:    make(map[string]uint64),
			JitterHistogram:  make(map[string]uint64),
			TxSpeedHistogram: make(map[string]uint64),
			RxSpeedHistogram: make(map[string]uint64),
			ConnectedAt:      connectedAt,
		},
	}
}

// RecordPacketOutcome folds one reliability.Outcome-classified packet
// into the current interval's counters. Outcome is passed as loose
// booleans to avoid stats depending on the reliability package (stats
// is a leaf dependency read by conn, not the other way around).
func (t *Tracker) RecordPacketOutcome(accepted, outOfOrder, duplicate, lurch bool, gapDropped uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interval.Dropped += gapDropped
	switch {
	case lurch:
		t.interval.Lurch++
	case duplicate:
		t.interval.Duplicate++
	case outOfOrder:
		t.interval.OutOfOrder++
		t.interval.Received++
	case accepted:
		t.interval.Received++
	}
}

// MarkActivelySending records that the local side transmitted during
// the current interval (feeds the "dead" quality branch, spec §4.6).
func (t *Tracker) MarkActivelySending() {
	t.mu.Lock()
	t.activeSend = true
	t.mu.Unlock()
}

// RecordPingSample folds in one RTT sample (ms), recomputing the
// smoothed ping as the median of the three most recent samples (spec
// §4.5).
func (t *Tracker) RecordPingSample(rttMS int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.recentPings[t.nRecentPing%3] = rttMS
	t.nRecentPing++
	n := t.nRecentPing
	if n > 3 {
		n = 3
	}
	window := append([]int(nil), t.recentPings[:n]...)
	t.Last.SmoothedPingMS = medianOf(window)

	t.pingReservoir.Add(int64(rttMS))
	t.pingHist.Add(int64(rttMS))
}

func medianOf(v []int) int {
	if len(v) == 0 {
		return 0
	}
	cp := append([]int(nil), v...)
	for i := 1; i < len(cp); i++ {
		for j := i; j > 0 && cp[j-1] > cp[j]; j-- {
			cp[j-1], cp[j] = cp[j], cp[j-1]
		}
	}
	return cp[len(cp)/2]
}

// RecordJitterSample folds in one jitter observation in microseconds
// (spec §4.3), updating the peak-jitter instantaneous field and the
// lifetime jitter histogram.
func (t *Tracker) RecordJitterSample(us int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if us > t.Last.PeakJitterUS {
		t.Last.PeakJitterUS = us
	}
	t.jitterHist.Add(us)
}

// RecordSpeedSample folds one instantaneous bytes/sec sample into the
// tx or rx reservoir and histogram (spec §4.5).
func (t *Tracker) RecordSpeedSample(bytesPerSec float64, tx bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tx {
		t.txSpeedReservoir.Add(int64(bytesPerSec))
		t.txSpeedHist.Add(int64(bytesPerSec))
	} else {
		t.rxSpeedReservoir.Add(int64(bytesPerSec))
		t.rxSpeedHist.Add(int64(bytesPerSec))
	}
}

// RollInterval closes out the current 5-second reporting interval
// (spec §4.5/§4.6): computes the quality metric, folds it into the
// reservoir and lifetime histogram, updates the instantaneous
// drop/out-of-order percentages, and resets interval counters.
func (t *Tracker) RollInterval() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	q := Quality(t.interval, t.activeSend)
	if q != QualityNotAvailable {
		t.qualityReservoir.Add(int64(q))
		bucket := QualityBucket(q)
		t.qualityCounts[bucket]++
		t.Lifetime.QualityHistogram[bucket]++
		t.Last.Quality = q
	}

	total := t.interval.Received + t.interval.Dropped
	if total > 0 {
		t.Last.DropPercent = float64(t.interval.Dropped) / float64(total) * 100
		t.Last.OutOfOrderPercent = float64(t.interval.OutOfOrder) / float64(total) * 100
	} else {
		t.Last.DropPercent = 0
		t.Last.OutOfOrderPercent = 0
	}

	t.Lifetime.PacketsRecv += t.interval.Received

	t.interval = IntervalCounters{}
	t.activeSend = false
	t.Last.PeakJitterUS = 0
	return q
}

// MergeLifetimeHistograms copies the accumulated per-call histograms
// (ping, jitter, speed) into Lifetime for reporting; called on-demand
// rather than on every sample to keep the hot path cheap.
func (t *Tracker) MergeLifetimeHistograms() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k, v := range t.pingHist.Counts() {
		t.Lifetime.PingHistogram[k] = v
	}
	for k, v := range t.jitterHist.Counts() {
		t.Lifetime.JitterHistogram[k] = v
	}
	for k, v := range t.txSpeedHist.Counts() {
		t.Lifetime.TxSpeedHistogram[k] = v
	}
	for k, v := range t.rxSpeedHist.Counts() {
		t.Lifetime.RxSpeedHistogram[k] = v
	}
}

// Snapshot returns a copy of the current Instantaneous block, safe to
// call concurrently with the recording methods above (unlike reading
// t.Last directly, which races with RollInterval/RecordPingSample).
func (t *Tracker) Snapshot() Instantaneous {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.Last
}

// PingPercentile, QualityPercentile, TxSpeedPercentile and
// RxSpeedPercentile expose the reservoir percentile queries of spec
// §4.5/§8 P7.
func (t *Tracker) PingPercentile(p float64) (int64, bool) {
	return t.pingReservoir.Percentile(p)
}

func (t *Tracker) QualityPercentile(p float64) (int64, bool) {
	return t.qualityReservoir.Percentile(p)
}

func (t *Tracker) TxSpeedPercentile(p float64) (int64, bool) {
	return t.txSpeedReservoir.Percentile(p)
}

func (t *Tracker) RxSpeedPercentile(p float64) (int64, bool) {
	return t.rxSpeedReservoir.Percentile(p)
}

// ApplyRemoteSnapshot records a stats piggyback received from the
// peer (spec §4.5 "the recipient mirrors the data into
// latestRemote/lifetimeRemote").
func (t *Tracker) ApplyRemoteSnapshot(inst Instantaneous, life *Lifetime, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.RemoteSnapshot = RemoteSnapshot{Instantaneous: inst, Lifetime: life, ReceivedAt: now}
}

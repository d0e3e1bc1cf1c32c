package stats

import "time"

// Histogram is a simple ordered-bucket counter: each bucket has an
// upper-bound label and a count of samples <= that bound (the last
// bucket catches everything above the previous bound). Grounded on
// nabbar-golib/monitor's small labeled-counter style.
type Histogram struct {
	edges  []int64
	labels []string
	counts []uint64
}

func newHistogram(edges []int64, labels []string) *Histogram {
	return &Histogram{edges: edges, labels: labels, counts: make([]uint64, len(labels))}
}

// Add records one sample into the bucket whose edge is the first one
// the sample does not exceed, or the final (overflow) bucket.
func (h *Histogram) Add(v int64) {
	for i, edge := range h.edges {
		if v <= edge {
			h.counts[i]++
			return
		}
	}
	h.counts[len(h.counts)-1]++
}

// Counts returns a copy of {label: count} in bucket order.
func (h *Histogram) Counts() map[string]uint64 {
	out := make(map[string]uint64, len(h.labels))
	for i, l := range h.labels {
		out[l] = h.counts[i]
	}
	return out
}

// NewPingHistogram returns the lifetime ping histogram of spec §4.5:
// buckets 25/50/75/100/125/150/200/300/>300 ms.
func NewPingHistogram() *Histogram {
	edges := []int64{25, 50, 75, 100, 125, 150, 200, 300}
	labels := []string{"<=25ms", "<=50ms", "<=75ms", "<=100ms", "<=125ms", "<=150ms", "<=200ms", "<=300ms", ">300ms"}
	return newHistogram(edges, labels)
}

// NewJitterHistogram returns the jitter histogram of spec §4.3:
// buckets {<1ms, 1-2, 2-5, 5-10, 10-20, >20ms}, expressed in
// microseconds.
func NewJitterHistogram() *Histogram {
	edges := []int64{999, 1999, 4999, 9999, 19999}
	labels := []string{"<1ms", "1-2ms", "2-5ms", "5-10ms", "10-20ms", ">20ms"}
	return newHistogram(edges, labels)
}

// NewSpeedHistogram returns the lifetime speed histogram of spec
// §4.5: buckets 16/32/64/128/256/512/1024/>1024 kB/s.
func NewSpeedHistogram() *Histogram {
	edges := []int64{16 * 1024, 32 * 1024, 64 * 1024, 128 * 1024, 256 * 1024, 512 * 1024, 1024 * 1024}
	labels := []string{"<=16kB/s", "<=32kB/s", "<=64kB/s", "<=128kB/s", "<=256kB/s", "<=512kB/s", "<=1024kB/s", ">1024kB/s"}
	return newHistogram(edges, labels)
}

// JitterSample computes one jitter observation (spec §4.3) from two
// consecutive in-order packets' local-arrival and sender timestamps.
func JitterSample(tPrev, tNow, sPrev, sNow time.Duration) time.Duration {
	d := (tNow - tPrev) - (sNow - sPrev)
	if d < 0 {
		return -d
	}
	return d
}

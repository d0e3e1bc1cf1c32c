// Package stats implements spec §4.5/§4.6: the instantaneous and
// lifetime link-quality trackers, their histograms, the reservoir
// percentile sampler, and the quality metric of §4.6.
//
// Grounded on nabbar-golib's small single-purpose statistics-value
// packages (duration, monitor) for the "one value type, one file"
// shape; the reservoir sampler itself follows spec §9's redesign
// guidance directly: "explicit sample buffer + a monotone dirty flag;
// sort on demand prior to percentile queries" in place of the
// original's in-place templated reservoir.
package stats

import (
	"math/rand/v2"
	"sort"
	"sync"
)

// Number is the set of sample value types the reservoir is
// instantiated over (ping in ms, quality in [0,100], speed in
// bytes/sec).
type Number interface {
	~int | ~int32 | ~int64 | ~float64
}

// reservoirCapacity is the fixed sample count from spec §4.5
// ("PercentileGenerator<T, 1000>").
const reservoirCapacity = 1000

// Percentiles is a fixed-capacity reservoir sampler (spec §4.5,
// §8 P7): it keeps an unbiased uniform sub-sample of the full
// observation history and answers percentile queries by sorting the
// held samples, re-sorted only when new samples have arrived since the
// last query (the "dirty" flag, per §9's redesign guidance).
type Percentiles[T Number] struct {
	mu      sync.Mutex
	samples []T
	nTotal  uint64
	dirty   bool
}

// NewPercentiles returns an empty reservoir of the standard 1000-
// sample capacity.
func NewPercentiles[T Number]() *Percentiles[T] {
	return &Percentiles[T]{samples: make([]T, 0, reservoirCapacity)}
}

// Add records one observation (spec §4.5: "Samples over the interval
// are also fed to a reservoir sampler"). Once the reservoir is full,
// each new sample replaces a uniformly chosen existing slot with
// probability capacity/nTotal (classic reservoir sampling, "Algorithm
// R"), producing an unbiased uniform sub-sample of the entire
// observation history.
func (p *Percentiles[T]) Add(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nTotal++
	if len(p.samples) < reservoirCapacity {
		p.samples = append(p.samples, v)
		p.dirty = true
		return
	}
	j := rand.N(int(p.nTotal))
	if j < reservoirCapacity {
		p.samples[j] = v
		p.dirty = true
	}
}

// Count returns the number of samples currently held in the
// reservoir (<= capacity).
func (p *Percentiles[T]) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.samples)
}

// minSamplesForPercentile is spec §4.5's example minimum ("e.g. 20
// for the 5th percentile"), generalized to ceil(1/p) for any
// requested percentile (spec §8 P7).
func minSamplesForPercentile(p float64) int {
	if p <= 0 {
		return 1
	}
	n := int(1 / p)
	if float64(n) < 1/p {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Percentile returns the value at percentile p (0 < p <= 1) and true,
// or the zero value and false if fewer than ceil(1/p) samples have
// been observed (spec §4.5 "not available" sentinel, §8 P7).
func (p *Percentiles[T]) Percentile(frac float64) (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.samples)
	if n < minSamplesForPercentile(frac) || n == 0 {
		var zero T
		return zero, false
	}
	if p.dirty {
		sort.Slice(p.samples, func(i, j int) bool { return p.samples[i] < p.samples[j] })
		p.dirty = false
	}
	idx := int(frac * float64(n-1))
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return p.samples[idx], true
}

// Standard percentile points reported by spec §4.5.
const (
	P05 = 0.05
	P25 = 0.25
	P50 = 0.50
	P75 = 0.75
	P95 = 0.95
	P98 = 0.98
)

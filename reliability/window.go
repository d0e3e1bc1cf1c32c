package reliability

import (
	"github.com/bits-and-blooms/bitset"
)

// windowSize is the span of the rolling receive bitmask (spec §4.3:
// "a rolling bitmask covering the last 128 packet numbers").
const windowSize = 128

// Outcome classifies one decoded inbound packet number against the
// receive window (spec §4.3 "Detection rules").
type Outcome int

const (
	OutcomeAccepted Outcome = iota
	OutcomeOutOfOrder
	OutcomeDuplicate
	OutcomeLurch
)

func (o Outcome) String() string {
	switch o {
	case OutcomeAccepted:
		return "accepted"
	case OutcomeOutOfOrder:
		return "out-of-order"
	case OutcomeDuplicate:
		return "duplicate"
	case OutcomeLurch:
		return "lurch"
	default:
		return "unknown"
	}
}

// ReceiveWindow tracks the highest authenticated packet number plus a
// rolling 128-bit bitmask of which of the last 128 packet numbers have
// been seen, and the sequenced-packet counters for the current
// reporting interval (spec §4.3, §4.5).
type ReceiveWindow struct {
	bits          *bitset.BitSet
	hasAny        bool
	maxRecvPktNum uint64

	Received, Dropped, OutOfOrder, Duplicate, Lurch uint64
}

func NewReceiveWindow() *ReceiveWindow {
	return &ReceiveWindow{bits: bitset.New(windowSize)}
}

// MaxRecvPktNum returns the highest authenticated packet number seen
// so far (meaningless if no packet has been processed yet).
func (w *ReceiveWindow) MaxRecvPktNum() uint64 { return w.maxRecvPktNum }

func windowIndex(pktNum uint64) uint { return uint(pktNum % windowSize) }

// ResetInterval zeroes the sequenced-packet counters at the start of a
// new stats reporting interval (spec §4.5), leaving the bitmask and
// maxRecvPktNum untouched.
func (w *ReceiveWindow) ResetInterval() {
	w.Received, w.Dropped, w.OutOfOrder, w.Duplicate, w.Lurch = 0, 0, 0, 0, 0
}

// Process classifies and records one inbound, already-decoded packet
// number, mutating the bitmask and counters per spec §4.3's detection
// rules. P3 follows directly: a given packet number's bit is only
// ever set once, on its first (accepted or retroactively-corrected)
// arrival, so it can never be double-counted as newly acknowledged.
func (w *ReceiveWindow) Process(pktNum uint64) Outcome {
	if !w.hasAny {
		w.hasAny = true
		w.maxRecvPktNum = pktNum
		w.bits.Set(windowIndex(pktNum))
		w.Received++
		return OutcomeAccepted
	}

	if pktNum+windowSize <= w.maxRecvPktNum {
		w.Lurch++
		return OutcomeLurch
	}

	if pktNum <= w.maxRecvPktNum {
		idx := windowIndex(pktNum)
		if w.bits.Test(idx) {
			w.Duplicate++
			return OutcomeDuplicate
		}
		if w.Dropped > 0 {
			w.Dropped--
		}
		w.OutOfOrder++
		w.bits.Set(idx)
		w.Received++
		return OutcomeOutOfOrder
	}

	// pktNum > maxRecvPktNum: in order, possibly with a gap.
	gap := pktNum - w.maxRecvPktNum - 1
	w.Dropped += gap

	shift := pktNum - w.maxRecvPktNum
	if shift > windowSize {
		shift = windowSize
	}
	for i := uint64(1); i <= shift; i++ {
		w.bits.Clear(windowIndex(w.maxRecvPktNum + i))
	}

	w.maxRecvPktNum = pktNum
	w.bits.Set(windowIndex(pktNum))
	w.Received++
	return OutcomeAccepted
}

// IsSet reports whether a given packet number's bit is currently
// marked received within the rolling window (used by tests and by ack
// encoding).
func (w *ReceiveWindow) IsSet(pktNum uint64) bool {
	if !w.hasAny || pktNum > w.maxRecvPktNum || pktNum+windowSize <= w.maxRecvPktNum {
		return false
	}
	return w.bits.Test(windowIndex(pktNum))
}

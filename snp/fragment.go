package snp

import (
	"time"

	"github.com/vnet-io/velum/clock"
)

// FragmentConfig exposes the two garbage-collection limits spec §9's
// Open Questions says a new implementation should define explicitly
// rather than picking just one: age out after a configured duration,
// OR evict when displaced by a configured number of newer message
// numbers — both apply, whichever fires first.
type FragmentConfig struct {
	MaxAge        time.Duration
	MaxDisplacement uint64
}

// DefaultFragmentConfig matches the conservative defaults implied by
// spec §4.2 ("configurable time", "configurable number of newer
// message numbers").
var DefaultFragmentConfig = FragmentConfig{
	MaxAge:          2 * time.Second,
	MaxDisplacement: 64,
}

// fragmentSlot holds the in-progress reassembly of one unreliable
// message (spec §4.2: "accumulate into a fragment table keyed by
// messageNum").
type fragmentSlot struct {
	msgNum    uint64
	fragCount uint32
	received  map[uint32][]byte
	firstSeen clock.Time
}

func (s *fragmentSlot) complete() bool {
	return uint32(len(s.received)) == s.fragCount
}

func (s *fragmentSlot) reassemble() []byte {
	out := make([]byte, 0)
	for i := uint32(0); i < s.fragCount; i++ {
		out = append(out, s.received[i]...)
	}
	return out
}

// FragmentReassembler tracks in-progress unreliable message
// reassembly (spec §4.2): "A fragmented unreliable message is only
// delivered if all fragments arrive; partial delivery is not
// allowed." Fragments are garbage-collected by age or displacement,
// whichever limit is reached first.
type FragmentReassembler struct {
	cfg      FragmentConfig
	slots    map[uint64]*fragmentSlot
	maxSeen  uint64
	hasAny   bool
}

func NewFragmentReassembler(cfg FragmentConfig) *FragmentReassembler {
	return &FragmentReassembler{cfg: cfg, slots: make(map[uint64]*fragmentSlot)}
}

// Accept folds in one received unreliable fragment. If it completes
// the message, the reassembled bytes are returned with ok=true; the
// slot is then reclaimed. Fragments for messages displaced or aged
// out are dropped by the periodic GC pass (call GC from the
// connection's tick handler), not synchronously here.
func (r *FragmentReassembler) Accept(now clock.Time, msgNum uint64, fragIdx, fragCount uint32, data []byte) (msg []byte, ok bool) {
	if msgNum > r.maxSeen || !r.hasAny {
		r.maxSeen = msgNum
		r.hasAny = true
	}

	slot, found := r.slots[msgNum]
	if !found {
		slot = &fragmentSlot{msgNum: msgNum, fragCount: fragCount, received: make(map[uint32][]byte), firstSeen: now}
		r.slots[msgNum] = slot
	}
	if fragCount != slot.fragCount {
		// Conflicting fragCount for the same msgNum: keep the original
		// slot's declared count and ignore the mismatched fragment
		// rather than corrupt the reassembly.
		return nil, false
	}
	slot.received[fragIdx] = data

	if slot.complete() {
		out := slot.reassemble()
		delete(r.slots, msgNum)
		return out, true
	}
	return nil, false
}

// GC reclaims fragment slots older than MaxAge or displaced by more
// than MaxDisplacement newer message numbers than the highest seen
// (spec §4.2 "Unreliable fragmentation rules").
func (r *FragmentReassembler) GC(now clock.Time) {
	for msgNum, slot := range r.slots {
		aged := now.Sub(slot.firstSeen) > r.cfg.MaxAge
		displaced := r.maxSeen > msgNum && r.maxSeen-msgNum > r.cfg.MaxDisplacement
		if aged || displaced {
			delete(r.slots, msgNum)
		}
	}
}

// PendingSlots reports the number of messages currently mid-reassembly
// (diagnostic / test helper).
func (r *FragmentReassembler) PendingSlots() int { return len(r.slots) }

// SplitUnreliable fragments data into MTU-sized pieces when it does
// not fit in one packet (spec §4.2 step 3: "fragmenting large
// messages... unreliable messages that do not fit in one packet are
// split into fragments with a shared message-number and fragment
// index"). payloadPerFrag must be > 0.
func SplitUnreliable(data []byte, payloadPerFrag int) [][]byte {
	if payloadPerFrag <= 0 {
		payloadPerFrag = 1
	}
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var out [][]byte
	for off := 0; off < len(data); off += payloadPerFrag {
		end := off + payloadPerFrag
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[off:end])
	}
	return out
}

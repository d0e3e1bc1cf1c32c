package snp

import (
	"github.com/vnet-io/velum/reliability"
	"github.com/vnet-io/velum/wire"
)

// perFrameOverheadEstimate is the worst-case TLV prefix size (type
// byte + up to a 5-byte varint length) the packetizer reserves per
// frame when deciding whether another one still fits the budget.
const perFrameOverheadEstimate = 6

// perSegmentHeaderEstimate additionally reserves room for a reliable
// segment's own varint streamPos+len fields ahead of its payload.
const perSegmentHeaderEstimate = 10

// FreshReliableRange is a newly-sent (never before transmitted)
// reliable byte range the packetizer drained from the outbound
// stream this call; the connection registers it with the reliability
// retransmit table under the packet number it ends up going out on.
type FreshReliableRange struct {
	StreamPos uint64
	Data      []byte
}

// SentUnreliableFragment records one unreliable fragment placed in
// this record, for stats accounting; unreliable segments are never
// retransmitted (spec §4.3) so nothing further is tracked for them.
type SentUnreliableFragment struct {
	MsgNum    uint64
	FragIdx   uint32
	FragCount uint32
	Size      int
}

// Packetizer builds one outbound record per send opportunity,
// greedily appending segments in the priority order of spec §4.2 step
// 2: ack info first, then urgent reliable retransmissions, then fresh
// reliable data, then unreliable messages.
type Packetizer struct {
	Reliable   *OutboundReliableStream
	Unreliable *UnreliableQueue
}

func NewPacketizer(reliable *OutboundReliableStream, unreliable *UnreliableQueue) *Packetizer {
	return &Packetizer{Reliable: reliable, Unreliable: unreliable}
}

// BuildRecord constructs the TLV record body for one packet, bounded
// by budget bytes (the MTU minus header/AEAD overhead, chosen by the
// caller). ack, if non-nil, is always included first regardless of
// budget pressure elsewhere (spec §4.2: "ack info first"). retransmits
// are resent verbatim from their recorded bytes (spec §4.3: the
// retransmit table already retains them, so no path back through the
// live stream buffer is needed).
func (p *Packetizer) BuildRecord(budget int, ack *reliability.AckFrame, retransmits []reliability.InFlightRange) ([]byte, []FreshReliableRange, []SentUnreliableFragment) {
	var frames []wire.RawFrame
	used := 0

	if ack != nil {
		b := wire.EncodeAckFrame(*ack)
		frames = append(frames, wire.RawFrame{Type: wire.FrameAck, Payload: b})
		used += perFrameOverheadEstimate + len(b)
	}

	for _, r := range retransmits {
		b := wire.EncodeReliableSegment(wire.ReliableSegment{StreamPos: r.StreamOffset, Data: r.Data})
		cost := perFrameOverheadEstimate + len(b)
		if used+cost > budget {
			break
		}
		frames = append(frames, wire.RawFrame{Type: wire.FrameReliableSegment, Payload: b})
		used += cost
	}

	var fresh []FreshReliableRange
	for {
		room := budget - used - perFrameOverheadEstimate - perSegmentHeaderEstimate
		if room <= 0 {
			break
		}
		pos, chunk := p.Reliable.TakeForSend(room)
		if chunk == nil {
			break
		}
		b := wire.EncodeReliableSegment(wire.ReliableSegment{StreamPos: pos, Data: chunk})
		frames = append(frames, wire.RawFrame{Type: wire.FrameReliableSegment, Payload: b})
		used += perFrameOverheadEstimate + len(b)
		fresh = append(fresh, FreshReliableRange{StreamPos: pos, Data: chunk})
	}

	var sentUnreliable []SentUnreliableFragment
	for {
		room := budget - used - perFrameOverheadEstimate
		if room <= 0 {
			break
		}
		msgNum, fragIdx, fragCount, data, ok := p.Unreliable.NextFragment()
		if !ok {
			break
		}
		b := wire.EncodeUnreliableSegment(wire.UnreliableSegment{MsgNum: msgNum, FragIdx: fragIdx, FragCount: fragCount, Data: data})
		if len(b)+perFrameOverheadEstimate > room {
			// Shouldn't normally happen (fragments are pre-split to
			// MTU-sized pieces), but don't silently drop a fragment we
			// popped off the queue: emit it alone and let the budget go
			// slightly over rather than corrupt the message.
			frames = append(frames, wire.RawFrame{Type: wire.FrameUnreliableSegment, Payload: b})
			sentUnreliable = append(sentUnreliable, SentUnreliableFragment{MsgNum: msgNum, FragIdx: fragIdx, FragCount: fragCount, Size: len(data)})
			break
		}
		frames = append(frames, wire.RawFrame{Type: wire.FrameUnreliableSegment, Payload: b})
		used += perFrameOverheadEstimate + len(b)
		sentUnreliable = append(sentUnreliable, SentUnreliableFragment{MsgNum: msgNum, FragIdx: fragIdx, FragCount: fragCount, Size: len(data)})
	}

	return wire.EncodeRecord(nil, frames), fresh, sentUnreliable
}

// HasPendingData reports whether there is any reliable or unreliable
// data still queued to send (used by the Nagle/keep-alive decision in
// conn).
func (p *Packetizer) HasPendingData() bool {
	return p.Reliable.PendingBytes() > 0 || p.Unreliable.PendingBytes() > 0
}

package reliability

// ackCoverage is the minimum span of recent packet numbers an ack
// frame must describe (spec §4.3: "MUST cover the most recent ~64
// packets at minimum").
const ackCoverage = 64

// AckBlock is one (unacked-run-length, acked-run-length) pair in the
// since-last-ack list (spec §4.3 "Ack encoding").
type AckBlock struct {
	UnackedRunLength uint32
	AckedRunLength   uint32
}

// AckFrame is the ack block set carried on an outbound packet: the
// latest packet number plus the run-length list describing which of
// the preceding packets were received.
type AckFrame struct {
	LatestPacketNum uint64
	Blocks          []AckBlock
}

// BuildAckFrame encodes the receive window's state into an ack frame
// covering at least the most recent ackCoverage packet numbers (spec
// §4.3). The latest packet number is implicitly acked and is not
// itself part of any block; Blocks describes the runs below it, in
// descending order.
func (w *ReceiveWindow) BuildAckFrame() AckFrame {
	frame := AckFrame{}
	if !w.hasAny {
		return frame
	}
	frame.LatestPacketNum = w.maxRecvPktNum

	var limit uint64
	if w.maxRecvPktNum+1 > ackCoverage {
		limit = w.maxRecvPktNum + 1 - ackCoverage
	}

	var blocks []AckBlock
	var curUnacked, curAcked uint32
	inAcked := false

	for p := w.maxRecvPktNum; p > limit; p-- {
		q := p - 1
		set := w.bits.Test(windowIndex(q))
		if set {
			inAcked = true
			curAcked++
			continue
		}
		if inAcked {
			blocks = append(blocks, AckBlock{UnackedRunLength: curUnacked, AckedRunLength: curAcked})
			curUnacked, curAcked, inAcked = 0, 0, false
		}
		curUnacked++
	}
	if curUnacked > 0 || curAcked > 0 {
		blocks = append(blocks, AckBlock{UnackedRunLength: curUnacked, AckedRunLength: curAcked})
	}
	frame.Blocks = blocks
	return frame
}

// IsAcked reports whether pktNum is marked received by this ack
// frame. Packet numbers outside the frame's covered range (older than
// its last block) are reported as not acked: the caller only uses
// IsAcked within the span it just walked to build the frame, or
// within the window it independently knows the frame covers.
func (f AckFrame) IsAcked(pktNum uint64) bool {
	if pktNum > f.LatestPacketNum {
		return false
	}
	if pktNum == f.LatestPacketNum {
		return true
	}
	p := f.LatestPacketNum
	for _, b := range f.Blocks {
		for i := uint32(0); i < b.UnackedRunLength; i++ {
			p--
			if p == pktNum {
				return false
			}
		}
		for i := uint32(0); i < b.AckedRunLength; i++ {
			p--
			if p == pktNum {
				return true
			}
		}
	}
	return false
}

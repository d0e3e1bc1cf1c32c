package conn

import (
	"time"

	"github.com/vnet-io/velum/clock"
	"github.com/vnet-io/velum/reliability"
	"github.com/vnet-io/velum/snp"
	"github.com/vnet-io/velum/wire"
)

// maxRetransmitsPerPacket bounds how many expired-lost ranges Pump
// folds into a single outgoing record; the rest stay queued for the
// next send opportunity (spec §4.3 doesn't mandate a number, so this
// keeps one record's worst case well under budget).
const maxRetransmitsPerPacket = 4

// headerAndAEADOverhead is subtracted from the MTU to get the
// plaintext record budget: the wire header (up to 5 bytes) plus the
// AEAD tag (16 bytes for AES-GCM).
const headerAndAEADOverhead = 5 + 16

// timeFromClock maps the library's internal microsecond clock onto a
// time.Time for golang.org/x/time/rate, which only speaks time.Time;
// only differences matter to the limiter, so any fixed reference
// epoch works.
func timeFromClock(t clock.Time) time.Time {
	return time.UnixMicro(int64(t))
}

// Pump is the per-connection send opportunity (spec §4.2 step 2, §4.4
// "the scheduler wakes at (packetSize-tokens)/R"): it builds at most
// one outgoing packet, respecting the pacer, and returns it along with
// whether anything was actually sent. The owner calls Pump repeatedly
// (once per wakeup) until it returns ok=false.
func (c *Conn) Pump(now clock.Time) (packet []byte, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateConnected && c.state != StateFinWait {
		return nil, false
	}
	if c.sendCipher == nil {
		return nil, false
	}

	budget := c.cfg.MTU - headerAndAEADOverhead
	if budget <= 0 {
		return nil, false
	}

	if len(c.pendingRetransmits) == 0 {
		c.pendingRetransmits = append(c.pendingRetransmits, c.retransmit.ExpireLost()...)
	}
	var retransmits []reliability.InFlightRange
	if n := len(c.pendingRetransmits); n > 0 {
		take := n
		if take > maxRetransmitsPerPacket {
			take = maxRetransmitsPerPacket
		}
		retransmits = c.pendingRetransmits[:take]
		c.pendingRetransmits = c.pendingRetransmits[take:]
	}

	hasAckToSend := c.recvWindowHasAny()
	hasData := c.packetizer.HasPendingData() || len(retransmits) > 0
	keepaliveDue := now.Sub(c.lastSendAt) >= c.cfg.KeepAlive
	hasPingReply := c.pingReplyPending != nil
	// A linger close (spec §4.1, §8 S6) must not let the peer see the
	// close frame before the reliable stream it's waiting on has been
	// fully acked, or the peer transitions to ClosedByPeer mid-stream.
	// Suppress the close frame until either the pending bytes drain or
	// the linger deadline fires.
	lingerStillPending := c.lingerRequested && c.hasPendingReliableBytesLocked() && !now.After(c.lingerDeadline)
	hasCloseToSend := c.state == StateFinWait && !c.closeFrameSent && !lingerStillPending

	if !hasData && !keepaliveDue && !hasAckToSend && !hasPingReply && !hasCloseToSend {
		return nil, false
	}

	packetSize := budget + headerAndAEADOverhead
	if reserved, wait := c.pacer.TryTake(timeFromClock(now), packetSize); !reserved {
		_ = wait
		return nil, false
	}

	var ack *reliability.AckFrame
	if hasAckToSend {
		a := c.recvWindow.BuildAckFrame()
		ack = &a
	}

	record, fresh, sentUnreliable := c.packetizer.BuildRecord(budget, ack, retransmits)

	if hasCloseToSend {
		cf := wire.EncodeCloseFrame(wire.CloseFrame{Reason: c.CloseReason, Debug: c.CloseDebug})
		extra := wire.EncodeRecord(nil, []wire.RawFrame{{Type: wire.FrameClose, Payload: cf}})
		record = append(record, extra...)
		c.closeFrameSent = true
	}

	if c.pingReplyPending != nil {
		extra := wire.EncodeRecord(nil, []wire.RawFrame{{Type: wire.FramePing, Payload: wire.EncodePingFrame(*c.pingReplyPending)}})
		record = append(extra, record...)
		c.pingReplyPending = nil
	} else if len(record) == 0 && keepaliveDue {
		probe := wire.PingFrame{SenderTimestampLowBits: uint32(now), IsReply: false}
		record = wire.EncodeRecord(nil, []wire.RawFrame{{Type: wire.FramePing, Payload: wire.EncodePingFrame(probe)}})
		c.lastPingSentAt = now
		c.hasPingOutstanding = true
	}

	if len(record) == 0 {
		return nil, false
	}

	c.sendPktNum++
	pktNum := c.sendPktNum
	width := c.headerWidth()
	header := wire.Header{Width: width, TruncatedNum: reliability.TruncatePacketNumber(pktNum, width.Bits())}
	headerBytes := wire.EncodeHeader(nil, header)
	sealed := c.sendCipher.Seal(append([]byte(nil), headerBytes...), pktNum, record, headerBytes)

	hasFreshRange, mergedRange := mergeFreshRanges(fresh)
	if hasFreshRange {
		mergedRange.PacketNum = pktNum
		c.retransmit.Add(mergedRange)
	}
	for _, r := range retransmits {
		r.PacketNum = pktNum
		c.retransmit.Add(r)
	}
	if (hasFreshRange || len(retransmits) > 0) && !c.awaitingReply {
		c.awaitingReply = true
		c.replyDeadline = now.Add(calcConservativeTimeout(c.Stats.Last.SmoothedPingMS))
	}

	if len(sentUnreliable) > 0 || len(fresh) > 0 {
		c.Stats.MarkActivelySending()
	}
	if c.retransmit.Len() >= budget/64 {
		c.inFlightWasSaturated = true
	}

	c.lastSendAt = now
	return sealed, true
}

// recvWindowHasAny reports whether any packet has ever been received,
// i.e. whether an ack frame would carry real information.
func (c *Conn) recvWindowHasAny() bool {
	return c.hasRecvAny
}

// mergeFreshRanges folds the (at most handful of) fresh reliable
// ranges the packetizer drained this call into a single in-flight
// entry, since they are contiguous extents of the same stream.
func mergeFreshRanges(fresh []snp.FreshReliableRange) (reliability.InFlightRange, bool) {
	if len(fresh) == 0 {
		return reliability.InFlightRange{}, false
	}
	out := reliability.InFlightRange{StreamOffset: fresh[0].StreamPos}
	for _, r := range fresh {
		out.Data = append(out.Data, r.Data...)
	}
	return out, true
}

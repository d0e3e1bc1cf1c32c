package conn

import (
	"encoding/binary"
	"time"

	"github.com/vnet-io/velum/clock"
	"github.com/vnet-io/velum/reliability"
	"github.com/vnet-io/velum/snp"
	"github.com/vnet-io/velum/verr"
	"github.com/vnet-io/velum/wire"
)

// HandleDataPacket is the inbound path for one data packet (spec
// §4.2 step 1-2, §4.3): decode the cleartext header, reconstruct and
// authenticate the packet number, open the AEAD record, classify it
// against the receive window, and dispatch its frames.
func (c *Conn) HandleDataPacket(now clock.Time, raw []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.recvCipher == nil {
		return verr.New(verr.ReasonInvalidState, "data packet received before keys are installed")
	}

	header, headerLen, err := wire.DecodeHeader(raw)
	if err != nil {
		return err
	}
	sealed := raw[headerLen:]
	pktNum := reliability.DecodePacketNumber(header.TruncatedNum, header.Width.Bits(), c.recvWindow.MaxRecvPktNum())

	plaintext, err := c.recvCipher.Open(nil, pktNum, sealed, raw[:headerLen])
	if err != nil {
		return err
	}

	outcome := c.recvWindow.Process(pktNum)
	c.Stats.RecordPacketOutcome(
		outcome == reliability.OutcomeAccepted,
		outcome == reliability.OutcomeOutOfOrder,
		outcome == reliability.OutcomeDuplicate,
		outcome == reliability.OutcomeLurch,
		0,
	)
	c.hasRecvAny = true
	c.lastRecvAt = now

	if outcome == reliability.OutcomeDuplicate || outcome == reliability.OutcomeLurch {
		return nil
	}

	frames, err := wire.DecodeRecord(plaintext)
	if err != nil {
		c.onFatalError(now, uint32(verr.ReasonReassemblyError), err.Error())
		return err
	}

	for _, f := range frames {
		if err := c.handleFrame(now, f); err != nil {
			c.onFatalError(now, uint32(verr.ReasonReassemblyError), err.Error())
			return err
		}
	}
	return nil
}

func (c *Conn) handleFrame(now clock.Time, f wire.RawFrame) error {
	switch f.Type {
	case wire.FrameAck:
		ack, err := wire.DecodeAckFrame(f.Payload)
		if err != nil {
			return err
		}
		retired := c.retransmit.ApplyAck(ack)
		for _, r := range retired {
			c.reliableOut.Retire(r.StreamOffset + uint64(len(r.Data)))
		}
		c.awaitingReply = false

	case wire.FrameReliableSegment:
		seg, err := wire.DecodeReliableSegment(f.Payload)
		if err != nil {
			return err
		}
		if err := c.reliableIn.Insert(seg.StreamPos, seg.Data); err != nil {
			return err
		}
		c.drainReliableMessages()

	case wire.FrameUnreliableSegment:
		seg, err := wire.DecodeUnreliableSegment(f.Payload)
		if err != nil {
			return err
		}
		if msg, ok := c.fragments.Accept(now, seg.MsgNum, seg.FragIdx, seg.FragCount, seg.Data); ok {
			c.inbox = append(c.inbox, snp.Message{Data: msg, MessageNum: seg.MsgNum, Reliable: false, RecvTime: time.Now()})
		}

	case wire.FrameStats:
		sf, err := wire.DecodeStatsFrame(f.Payload)
		if err != nil {
			return err
		}
		if sf.IsLifetime {
			c.Stats.ApplyRemoteSnapshot(c.Stats.RemoteSnapshot.Instantaneous, &sf.Lifetime, time.Now())
		} else {
			c.Stats.ApplyRemoteSnapshot(sf.Instantaneous, c.Stats.RemoteSnapshot.Lifetime, time.Now())
			if sf.Instantaneous.RateRecvBytesPerSec > 0 {
				c.rateEst.SetPeerReceiveRateCap(sf.Instantaneous.RateRecvBytesPerSec)
			}
		}

	case wire.FrameClose:
		cf, err := wire.DecodeCloseFrame(f.Payload)
		if err != nil {
			return err
		}
		c.onPeerClose(now, cf.Reason, cf.Debug)

	case wire.FramePing:
		pf, err := wire.DecodePingFrame(f.Payload)
		if err != nil {
			return err
		}
		if pf.IsReply {
			if c.hasPingOutstanding {
				rtt := now.Sub(c.lastPingSentAt)
				c.Stats.RecordPingSample(int(rtt.Milliseconds()))
				c.hasPingOutstanding = false
			}
		} else {
			reply := pf
			reply.IsReply = true
			c.pingReplyPending = &reply
		}

	default:
		// Unknown frame type: DecodeRecord's TLV walk returned it intact
		// and it is ignored here (spec §6 forward compatibility).
	}
	return nil
}

// drainReliableMessages pulls every newly-contiguous byte range out of
// the reassembly buffer and extracts complete length-prefixed messages
// (the framing OutboundReliableStream.AppendMessage applies), per spec
// §4.2 step 2.
func (c *Conn) drainReliableMessages() {
	for {
		chunk := c.reliableIn.ConsumeContiguous()
		if chunk == nil {
			break
		}
		c.reliableParseBuf = append(c.reliableParseBuf, chunk...)
	}

	for {
		n, sz := binary.Uvarint(c.reliableParseBuf)
		if sz <= 0 {
			break
		}
		if uint64(len(c.reliableParseBuf)-sz) < n {
			break
		}
		msg := append([]byte(nil), c.reliableParseBuf[sz:sz+int(n)]...)
		c.reliableParseBuf = c.reliableParseBuf[sz+int(n):]
		c.inbox = append(c.inbox, snp.Message{Data: msg, Reliable: true, RecvTime: time.Now()})
	}
}

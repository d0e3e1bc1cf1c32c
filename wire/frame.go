package wire

import (
	"encoding/binary"
	"errors"

	"github.com/vnet-io/velum/reliability"
	"github.com/vnet-io/velum/stats"
	"github.com/vnet-io/velum/verr"
)

// Frame type tags, spec §6 "Wire format": TLV frames carried inside
// the AEAD-decrypted record. DecodeRecord returns frames with unknown
// tags like any other, so callers can skip them for forward
// compatibility, as long as the AEAD tag verified.
const (
	FrameAck               byte = 0x01
	FrameReliableSegment   byte = 0x02
	FrameUnreliableSegment byte = 0x03
	FrameStats             byte = 0x04
	FrameClose             byte = 0x05
	FramePing              byte = 0x06
)

var ErrTruncatedFrame = errors.New("wire: truncated frame")

// RawFrame is one decoded TLV entry: a type tag and its payload
// bytes, not yet interpreted. DecodeRecord returns these; callers
// dispatch on Type and parse the payload with the matching Decode*
// function, skipping types they don't recognize.
type RawFrame struct {
	Type    byte
	Payload []byte
}

// EncodeRecord concatenates frames as length-prefixed TLV entries:
// [type byte][varint len][payload], appended to dst.
func EncodeRecord(dst []byte, frames []RawFrame) []byte {
	for _, f := range frames {
		dst = append(dst, f.Type)
		dst = binary.AppendUvarint(dst, uint64(len(f.Payload)))
		dst = append(dst, f.Payload...)
	}
	return dst
}

// DecodeRecord walks a decrypted record into its constituent TLV
// frames. A frame with an unrecognized type is still returned (so the
// caller can choose to skip it), since the length prefix lets the
// walk continue past it regardless of type (spec §6: "Implementations
// must skip unknown frame types for forward compatibility").
func DecodeRecord(buf []byte) ([]RawFrame, error) {
	var frames []RawFrame
	for len(buf) > 0 {
		if len(buf) < 2 {
			return nil, verr.Wrap(verr.ReasonReassemblyError, "decode record", ErrTruncatedFrame)
		}
		typ := buf[0]
		n, sz := binary.Uvarint(buf[1:])
		if sz <= 0 {
			return nil, verr.Wrap(verr.ReasonReassemblyError, "decode frame length", ErrTruncatedFrame)
		}
		start := 1 + sz
		end := start + int(n)
		if end > len(buf) || end < start {
			return nil, verr.Wrap(verr.ReasonReassemblyError, "decode frame payload", ErrTruncatedFrame)
		}
		frames = append(frames, RawFrame{Type: typ, Payload: buf[start:end]})
		buf = buf[end:]
	}
	return frames, nil
}

// --- 0x01 ack block set ---

// EncodeAckFrame serializes a reliability.AckFrame per spec §6.
func EncodeAckFrame(f reliability.AckFrame) []byte {
	var out []byte
	out = binary.AppendUvarint(out, f.LatestPacketNum)
	out = binary.AppendUvarint(out, uint64(len(f.Blocks)))
	for _, b := range f.Blocks {
		out = binary.AppendUvarint(out, uint64(b.UnackedRunLength))
		out = binary.AppendUvarint(out, uint64(b.AckedRunLength))
	}
	return out
}

// DecodeAckFrame parses the payload of a FrameAck TLV entry.
func DecodeAckFrame(payload []byte) (reliability.AckFrame, error) {
	var f reliability.AckFrame
	latest, sz := binary.Uvarint(payload)
	if sz <= 0 {
		return f, verr.Wrap(verr.ReasonReassemblyError, "decode ack latest", ErrTruncatedFrame)
	}
	payload = payload[sz:]
	f.LatestPacketNum = latest

	count, sz := binary.Uvarint(payload)
	if sz <= 0 {
		return f, verr.Wrap(verr.ReasonReassemblyError, "decode ack block count", ErrTruncatedFrame)
	}
	payload = payload[sz:]

	f.Blocks = make([]reliability.AckBlock, 0, count)
	for i := uint64(0); i < count; i++ {
		unacked, sz := binary.Uvarint(payload)
		if sz <= 0 {
			return f, verr.Wrap(verr.ReasonReassemblyError, "decode ack unacked run", ErrTruncatedFrame)
		}
		payload = payload[sz:]
		acked, sz := binary.Uvarint(payload)
		if sz <= 0 {
			return f, verr.Wrap(verr.ReasonReassemblyError, "decode ack acked run", ErrTruncatedFrame)
		}
		payload = payload[sz:]
		f.Blocks = append(f.Blocks, reliability.AckBlock{UnackedRunLength: uint32(unacked), AckedRunLength: uint32(acked)})
	}
	return f, nil
}

// --- 0x02 reliable segment ---

// ReliableSegment is `{streamPos varint, len varint, bytes}` (spec
// §6).
type ReliableSegment struct {
	StreamPos uint64
	Data      []byte
}

func EncodeReliableSegment(s ReliableSegment) []byte {
	var out []byte
	out = binary.AppendUvarint(out, s.StreamPos)
	out = binary.AppendUvarint(out, uint64(len(s.Data)))
	out = append(out, s.Data...)
	return out
}

func DecodeReliableSegment(payload []byte) (ReliableSegment, error) {
	pos, sz := binary.Uvarint(payload)
	if sz <= 0 {
		return ReliableSegment{}, verr.Wrap(verr.ReasonReassemblyError, "decode segment pos", ErrTruncatedFrame)
	}
	payload = payload[sz:]
	n, sz := binary.Uvarint(payload)
	if sz <= 0 {
		return ReliableSegment{}, verr.Wrap(verr.ReasonReassemblyError, "decode segment len", ErrTruncatedFrame)
	}
	payload = payload[sz:]
	if uint64(len(payload)) < n {
		return ReliableSegment{}, verr.Wrap(verr.ReasonReassemblyError, "decode segment data", ErrTruncatedFrame)
	}
	return ReliableSegment{StreamPos: pos, Data: payload[:n]}, nil
}

// --- 0x03 unreliable segment ---

// UnreliableSegment is `{msgNum varint, fragIdx varint, fragCount
// varint, len varint, bytes}` (spec §6).
type UnreliableSegment struct {
	MsgNum    uint64
	FragIdx   uint32
	FragCount uint32
	Data      []byte
}

func EncodeUnreliableSegment(s UnreliableSegment) []byte {
	var out []byte
	out = binary.AppendUvarint(out, s.MsgNum)
	out = binary.AppendUvarint(out, uint64(s.FragIdx))
	out = binary.AppendUvarint(out, uint64(s.FragCount))
	out = binary.AppendUvarint(out, uint64(len(s.Data)))
	out = append(out, s.Data...)
	return out
}

func DecodeUnreliableSegment(payload []byte) (UnreliableSegment, error) {
	msgNum, sz := binary.Uvarint(payload)
	if sz <= 0 {
		return UnreliableSegment{}, verr.Wrap(verr.ReasonReassemblyError, "decode unreliable msgNum", ErrTruncatedFrame)
	}
	payload = payload[sz:]
	idx, sz := binary.Uvarint(payload)
	if sz <= 0 {
		return UnreliableSegment{}, verr.Wrap(verr.ReasonReassemblyError, "decode unreliable fragIdx", ErrTruncatedFrame)
	}
	payload = payload[sz:]
	count, sz := binary.Uvarint(payload)
	if sz <= 0 {
		return UnreliableSegment{}, verr.Wrap(verr.ReasonReassemblyError, "decode unreliable fragCount", ErrTruncatedFrame)
	}
	payload = payload[sz:]
	n, sz := binary.Uvarint(payload)
	if sz <= 0 {
		return UnreliableSegment{}, verr.Wrap(verr.ReasonReassemblyError, "decode unreliable len", ErrTruncatedFrame)
	}
	payload = payload[sz:]
	if uint64(len(payload)) < n {
		return UnreliableSegment{}, verr.Wrap(verr.ReasonReassemblyError, "decode unreliable data", ErrTruncatedFrame)
	}
	return UnreliableSegment{MsgNum: msgNum, FragIdx: uint32(idx), FragCount: uint32(count), Data: payload[:n]}, nil
}

// --- 0x04 stats piggyback ---

// StatsFrame carries either an instantaneous or a lifetime snapshot,
// tag-encoded (spec §4.5 "Stats piggyback").
type StatsFrame struct {
	IsLifetime    bool
	Instantaneous stats.Instantaneous
	Lifetime      stats.Lifetime
}

func EncodeStatsFrame(f StatsFrame) []byte {
	var out []byte
	if f.IsLifetime {
		out = append(out, 1)
		out = binary.AppendUvarint(out, f.Lifetime.PacketsSent)
		out = binary.AppendUvarint(out, f.Lifetime.PacketsRecv)
		out = binary.AppendUvarint(out, f.Lifetime.BytesSent)
		out = binary.AppendUvarint(out, f.Lifetime.BytesRecv)
		return out
	}
	out = append(out, 0)
	out = binary.AppendVarint(out, int64(f.Instantaneous.SmoothedPingMS))
	out = binary.AppendVarint(out, int64(f.Instantaneous.Quality))
	out = binary.AppendUvarint(out, uint64(f.Instantaneous.CurrentSendRateBytesPerSec))
	out = binary.AppendUvarint(out, uint64(f.Instantaneous.PendingBytes))
	return out
}

func DecodeStatsFrame(payload []byte) (StatsFrame, error) {
	if len(payload) < 1 {
		return StatsFrame{}, verr.Wrap(verr.ReasonReassemblyError, "decode stats tag", ErrTruncatedFrame)
	}
	isLifetime := payload[0] == 1
	payload = payload[1:]

	var f StatsFrame
	f.IsLifetime = isLifetime
	if isLifetime {
		v, sz := binary.Uvarint(payload)
		if sz <= 0 {
			return f, verr.Wrap(verr.ReasonReassemblyError, "decode stats lifetime", ErrTruncatedFrame)
		}
		f.Lifetime.PacketsSent = v
		payload = payload[sz:]
		v, sz = binary.Uvarint(payload)
		if sz <= 0 {
			return f, verr.Wrap(verr.ReasonReassemblyError, "decode stats lifetime", ErrTruncatedFrame)
		}
		f.Lifetime.PacketsRecv = v
		payload = payload[sz:]
		v, sz = binary.Uvarint(payload)
		if sz <= 0 {
			return f, verr.Wrap(verr.ReasonReassemblyError, "decode stats lifetime", ErrTruncatedFrame)
		}
		f.Lifetime.BytesSent = v
		payload = payload[sz:]
		v, sz = binary.Uvarint(payload)
		if sz <= 0 {
			return f, verr.Wrap(verr.ReasonReassemblyError, "decode stats lifetime", ErrTruncatedFrame)
		}
		f.Lifetime.BytesRecv = v
		return f, nil
	}

	ping, sz := binary.Varint(payload)
	if sz <= 0 {
		return f, verr.Wrap(verr.ReasonReassemblyError, "decode stats ping", ErrTruncatedFrame)
	}
	payload = payload[sz:]
	f.Instantaneous.SmoothedPingMS = int(ping)

	q, sz := binary.Varint(payload)
	if sz <= 0 {
		return f, verr.Wrap(verr.ReasonReassemblyError, "decode stats quality", ErrTruncatedFrame)
	}
	payload = payload[sz:]
	f.Instantaneous.Quality = int(q)

	rate, sz := binary.Uvarint(payload)
	if sz <= 0 {
		return f, verr.Wrap(verr.ReasonReassemblyError, "decode stats rate", ErrTruncatedFrame)
	}
	payload = payload[sz:]
	f.Instantaneous.CurrentSendRateBytesPerSec = float64(rate)

	pending, sz := binary.Uvarint(payload)
	if sz <= 0 {
		return f, verr.Wrap(verr.ReasonReassemblyError, "decode stats pending", ErrTruncatedFrame)
	}
	f.Instantaneous.PendingBytes = int64(pending)

	return f, nil
}

// --- 0x05 close ---

// CloseFrame is `{reason u32, debug str}` (spec §6).
type CloseFrame struct {
	Reason uint32
	Debug  string
}

func EncodeCloseFrame(f CloseFrame) []byte {
	var out [4]byte
	binary.BigEndian.PutUint32(out[:], f.Reason)
	dst := append([]byte(nil), out[:]...)
	dst = binary.AppendUvarint(dst, uint64(len(f.Debug)))
	dst = append(dst, f.Debug...)
	return dst
}

func DecodeCloseFrame(payload []byte) (CloseFrame, error) {
	if len(payload) < 4 {
		return CloseFrame{}, verr.Wrap(verr.ReasonReassemblyError, "decode close reason", ErrTruncatedFrame)
	}
	reason := binary.BigEndian.Uint32(payload[:4])
	payload = payload[4:]
	n, sz := binary.Uvarint(payload)
	if sz <= 0 {
		return CloseFrame{}, verr.Wrap(verr.ReasonReassemblyError, "decode close debug len", ErrTruncatedFrame)
	}
	payload = payload[sz:]
	if uint64(len(payload)) < n {
		return CloseFrame{}, verr.Wrap(verr.ReasonReassemblyError, "decode close debug", ErrTruncatedFrame)
	}
	return CloseFrame{Reason: reason, Debug: string(payload[:n])}, nil
}

// --- 0x06 ping/keepalive probe ---

// PingFrame carries the sender's local timestamp (low bits, spec
// §4.3 "transmitted as low-bit timestamp deltas") so the peer can
// compute a jitter sample; IsReply distinguishes a solicited probe
// from its response.
type PingFrame struct {
	SenderTimestampLowBits uint32
	IsReply                bool
}

func EncodePingFrame(f PingFrame) []byte {
	var out [5]byte
	binary.BigEndian.PutUint32(out[:4], f.SenderTimestampLowBits)
	if f.IsReply {
		out[4] = 1
	}
	return out[:]
}

func DecodePingFrame(payload []byte) (PingFrame, error) {
	if len(payload) < 5 {
		return PingFrame{}, verr.Wrap(verr.ReasonReassemblyError, "decode ping", ErrTruncatedFrame)
	}
	return PingFrame{
		SenderTimestampLowBits: binary.BigEndian.Uint32(payload[:4]),
		IsReply:                payload[4] != 0,
	}, nil
}

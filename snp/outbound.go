package snp

import (
	"encoding/binary"
	"sync"
)

// OutboundReliableStream is the sender side of the reliable byte
// stream (spec §4.2): application messages are appended with a
// varint length-prefix framing header, then drained by the
// packetizer as contiguous byte ranges. Acked/retired bytes are
// trimmed from the front periodically to bound memory.
type OutboundReliableStream struct {
	mu sync.Mutex

	base       uint64 // stream position of buf[0]
	buf        []byte
	sendCursor uint64 // absolute stream position of the next unsent byte
}

func NewOutboundReliableStream() *OutboundReliableStream {
	return &OutboundReliableStream{}
}

// AppendMessage frames data with a varint length prefix and appends
// it to the stream, returning the stream position the message's
// framing header starts at (spec §4.2 "append message into the
// reliable byte stream with a short length-prefix framing header").
func (s *OutboundReliableStream) AppendMessage(data []byte) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	pos := s.base + uint64(len(s.buf))
	s.buf = binary.AppendUvarint(s.buf, uint64(len(data)))
	s.buf = append(s.buf, data...)
	return pos
}

// PendingBytes returns how many unsent bytes are currently queued.
func (s *OutboundReliableStream) PendingBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := s.base + uint64(len(s.buf))
	if s.sendCursor >= end {
		return 0
	}
	return end - s.sendCursor
}

// TakeForSend returns up to maxLen unsent bytes starting at the
// current send cursor, advancing it, or nil if nothing is pending.
func (s *OutboundReliableStream) TakeForSend(maxLen int) (streamPos uint64, chunk []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	end := s.base + uint64(len(s.buf))
	if s.sendCursor >= end || maxLen <= 0 {
		return 0, nil
	}
	avail := end - s.sendCursor
	n := uint64(maxLen)
	if n > avail {
		n = avail
	}
	off := s.sendCursor - s.base
	chunk = append([]byte(nil), s.buf[off:off+n]...)
	streamPos = s.sendCursor
	s.sendCursor += n
	return streamPos, chunk
}

// Retire drops bytes at the front of the buffer up through upTo
// (exclusive), once the caller knows they are fully acknowledged and
// will never need to be resent from this buffer.
func (s *OutboundReliableStream) Retire(upTo uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upTo <= s.base {
		return
	}
	end := s.base + uint64(len(s.buf))
	if upTo > end {
		upTo = end
	}
	trim := upTo - s.base
	s.buf = s.buf[trim:]
	s.base = upTo
}

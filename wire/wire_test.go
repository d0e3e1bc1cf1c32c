package wire

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vnet-io/velum/reliability"
)

func TestHeaderRoundTrip(t *testing.T) {
	for _, w := range []PktNumWidth{Width8, Width16, Width32} {
		h := Header{Width: w, TruncatedNum: 0xABCD & ((1 << w.Bits()) - 1)}
		buf := EncodeHeader(nil, h)
		got, n, err := DecodeHeader(buf)
		require.NoError(t, err)
		require.Equal(t, len(buf), n)
		require.Equal(t, h, got)
	}
}

func TestRecordRoundTripSkipsUnknownFrames(t *testing.T) {
	frames := []RawFrame{
		{Type: FramePing, Payload: EncodePingFrame(PingFrame{SenderTimestampLowBits: 42})},
		{Type: 0x7F, Payload: []byte{1, 2, 3}}, // unrecognized, must still parse
		{Type: FrameClose, Payload: EncodeCloseFrame(CloseFrame{Reason: 7, Debug: "bye"})},
	}
	buf := EncodeRecord(nil, frames)
	got, err := DecodeRecord(buf)
	require.NoError(t, err)
	require.Len(t, got, 3)

	ping, err := DecodePingFrame(got[0].Payload)
	require.NoError(t, err)
	require.Equal(t, uint32(42), ping.SenderTimestampLowBits)

	require.Equal(t, byte(0x7F), got[1].Type)

	cl, err := DecodeCloseFrame(got[2].Payload)
	require.NoError(t, err)
	require.Equal(t, uint32(7), cl.Reason)
	require.Equal(t, "bye", cl.Debug)
}

func TestAckFrameRoundTrip(t *testing.T) {
	f := reliability.AckFrame{
		LatestPacketNum: 1000,
		Blocks: []reliability.AckBlock{
			{UnackedRunLength: 2, AckedRunLength: 5},
			{UnackedRunLength: 0, AckedRunLength: 10},
		},
	}
	buf := EncodeAckFrame(f)
	got, err := DecodeAckFrame(buf)
	require.NoError(t, err)
	require.Equal(t, f, got)
}

func TestReliableSegmentRoundTrip(t *testing.T) {
	s := ReliableSegment{StreamPos: 12345, Data: []byte("hello world")}
	buf := EncodeReliableSegment(s)
	got, err := DecodeReliableSegment(buf)
	require.NoError(t, err)
	require.Equal(t, s.StreamPos, got.StreamPos)
	require.Equal(t, s.Data, got.Data)
}

func TestUnreliableSegmentRoundTrip(t *testing.T) {
	s := UnreliableSegment{MsgNum: 9, FragIdx: 1, FragCount: 3, Data: []byte("frag")}
	buf := EncodeUnreliableSegment(s)
	got, err := DecodeUnreliableSegment(buf)
	require.NoError(t, err)
	require.Equal(t, s, got)
}

func TestDecodeRecordRejectsTruncated(t *testing.T) {
	_, err := DecodeRecord([]byte{FrameAck, 0xFF})
	require.Error(t, err)
}

package snp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vnet-io/velum/reliability"
	"github.com/vnet-io/velum/wire"
)

func TestPacketizer_BuildRecordDrainsReliableThenUnreliable(t *testing.T) {
	rel := NewOutboundReliableStream()
	unrel := NewUnreliableQueue(0)
	rel.AppendMessage([]byte("hello"))
	unrel.Enqueue([]byte("world"), 1200)

	p := NewPacketizer(rel, unrel)
	record, fresh, sentUnreliable := p.BuildRecord(1200, nil, nil)

	require.Len(t, fresh, 1)
	require.Equal(t, "\x05hello", string(fresh[0].Data)) // varint length prefix + payload
	require.Len(t, sentUnreliable, 1)

	frames, err := wire.DecodeRecord(record)
	require.NoError(t, err)
	require.Len(t, frames, 2)
	require.Equal(t, wire.FrameReliableSegment, frames[0].Type)
	require.Equal(t, wire.FrameUnreliableSegment, frames[1].Type)
}

func TestPacketizer_RetransmitsTakePriorityOverFreshData(t *testing.T) {
	rel := NewOutboundReliableStream()
	unrel := NewUnreliableQueue(0)
	rel.AppendMessage([]byte("fresh"))

	p := NewPacketizer(rel, unrel)
	retransmits := []reliability.InFlightRange{{PacketNum: 1, StreamOffset: 0, Data: []byte("lost-bytes")}}
	record, fresh, _ := p.BuildRecord(1200, nil, retransmits)

	frames, err := wire.DecodeRecord(record)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(frames), 2)
	require.Equal(t, wire.FrameReliableSegment, frames[0].Type)

	seg, err := wire.DecodeReliableSegment(frames[0].Payload)
	require.NoError(t, err)
	require.Equal(t, "lost-bytes", string(seg.Data))
	require.Len(t, fresh, 1) // fresh data still fits after the retransmit
}

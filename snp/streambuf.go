package snp

import (
	"bytes"
	"sort"

	"github.com/vnet-io/velum/verr"
)

// segment is one stored half-open interval [start, end) of the
// reliable byte stream, not yet consumed by the application framing
// walk.
type segment struct {
	start, end uint64
	data       []byte
}

// ReliableStreamBuffer reassembles the inbound reliable byte stream
// from out-of-order, possibly-overlapping segments (spec §4.2
// "Reliable stream buffer"): an ordered list of half-open byte
// intervals, insertion merging adjacent or overlapping runs.
// Overlapping bytes must agree byte-for-byte (spec §3 I2); the number
// of outstanding gaps is normally tiny, so a sorted slice with
// binary-search insertion comfortably meets the "O(log n) or better"
// guidance of spec §4.2.
type ReliableStreamBuffer struct {
	segs []segment
	next uint64 // stream position consumed up to (exclusive)
}

func NewReliableStreamBuffer() *ReliableStreamBuffer {
	return &ReliableStreamBuffer{}
}

// NextPos returns the stream position the next ConsumeContiguous call
// will start reading from.
func (b *ReliableStreamBuffer) NextPos() uint64 { return b.next }

// Insert adds one received segment (spec §4.2 step 2: "insert into a
// sparse reliable-stream buffer"). Bytes already consumed are
// silently trimmed off the front. Overlapping-but-disagreeing bytes
// are reported as a reassembly error (spec §3 I2, §7
// ReasonReassemblyError).
func (b *ReliableStreamBuffer) Insert(streamPos uint64, data []byte) error {
	start, end := streamPos, streamPos+uint64(len(data))
	if end <= b.next {
		return nil // entirely already consumed
	}
	if start < b.next {
		trim := b.next - start
		data = data[trim:]
		start = b.next
	}
	if len(data) == 0 {
		return nil
	}

	i := sort.Search(len(b.segs), func(i int) bool { return b.segs[i].end >= start })

	// Merge with every existing segment that overlaps or touches
	// [start,end), checking byte agreement on overlaps.
	j := i
	for j < len(b.segs) && b.segs[j].start <= end {
		ov := b.segs[j]
		if err := agreeOnOverlap(start, data, ov.start, ov.data); err != nil {
			return err
		}
		if ov.start < start {
			data = append(append([]byte(nil), ov.data[:start-ov.start]...), data...)
			start = ov.start
		}
		if ov.end > end {
			tailStart := end - ov.start
			if tailStart < uint64(len(ov.data)) {
				data = append(data, ov.data[tailStart:]...)
			}
			end = ov.end
		}
		j++
	}

	merged := segment{start: start, end: end, data: data}
	newSegs := make([]segment, 0, len(b.segs)-(j-i)+1)
	newSegs = append(newSegs, b.segs[:i]...)
	newSegs = append(newSegs, merged)
	newSegs = append(newSegs, b.segs[j:]...)
	b.segs = newSegs
	return nil
}

// agreeOnOverlap verifies that the overlapping byte range between two
// candidate segments matches byte-for-byte (spec §3 I2).
func agreeOnOverlap(aStart uint64, aData []byte, bStart uint64, bData []byte) error {
	aEnd, bEnd := aStart+uint64(len(aData)), bStart+uint64(len(bData))
	lo := aStart
	if bStart > lo {
		lo = bStart
	}
	hi := aEnd
	if bEnd < hi {
		hi = bEnd
	}
	if lo >= hi {
		return nil
	}
	aSlice := aData[lo-aStart : hi-aStart]
	bSlice := bData[lo-bStart : hi-bStart]
	if !bytes.Equal(aSlice, bSlice) {
		return verr.New(verr.ReasonReassemblyError, "overlapping reliable segments disagree")
	}
	return nil
}

// ConsumeContiguous returns and removes the longest prefix of bytes
// now available starting at NextPos, per spec §4.2 step 2: "consume
// as many contiguous bytes as are now available."
func (b *ReliableStreamBuffer) ConsumeContiguous() []byte {
	if len(b.segs) == 0 || b.segs[0].start > b.next {
		return nil
	}
	s := b.segs[0]
	out := s.data[b.next-s.start:]
	b.next = s.end
	b.segs = b.segs[1:]
	return out
}

// PendingGaps reports how many disjoint gaps currently separate
// NextPos from the stored segments (diagnostic / test helper).
func (b *ReliableStreamBuffer) PendingGaps() int { return len(b.segs) }

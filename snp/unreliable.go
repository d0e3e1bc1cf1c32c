package snp

import "sync"

// pendingUnreliable is one queued outbound unreliable message, split
// into fragments once (at enqueue time) using the current MTU.
type pendingUnreliable struct {
	msgNum    uint64
	fragments [][]byte
	next      int // index of the next not-yet-sent fragment
}

// UnreliableQueue is the sender-side FIFO of spec §4.2: "messages may
// be dropped by the sender under backpressure before being
// packetized." Fragmentation happens once, at enqueue.
type UnreliableQueue struct {
	mu       sync.Mutex
	maxDepth int
	queue    []*pendingUnreliable
	depth    int // total queued bytes across all messages
	nextNum  uint64
}

// NewUnreliableQueue returns a queue that drops the oldest queued
// message once maxDepthBytes of pending payload has accumulated
// (spec §6 "max queue depth").
func NewUnreliableQueue(maxDepthBytes int) *UnreliableQueue {
	return &UnreliableQueue{maxDepth: maxDepthBytes}
}

// Enqueue fragments data per payloadPerFrag and appends it to the
// queue, dropping the oldest queued message(s) first if the queue
// would exceed maxDepth (spec §4.2 "Unreliable queue").
func (q *UnreliableQueue) Enqueue(data []byte, payloadPerFrag int) uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	num := q.nextNum
	q.nextNum++

	frags := SplitUnreliable(data, payloadPerFrag)
	q.queue = append(q.queue, &pendingUnreliable{msgNum: num, fragments: frags})
	q.depth += len(data)

	for q.maxDepth > 0 && q.depth > q.maxDepth && len(q.queue) > 1 {
		dropped := q.queue[0]
		q.queue = q.queue[1:]
		for _, f := range dropped.fragments[dropped.next:] {
			q.depth -= len(f)
		}
	}
	return num
}

// NextFragment returns the next unsent fragment (msgNum, fragIdx,
// fragCount, data) across the queue in FIFO message order, or ok=false
// if nothing is pending.
func (q *UnreliableQueue) NextFragment() (msgNum uint64, fragIdx, fragCount uint32, data []byte, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.queue) > 0 {
		head := q.queue[0]
		if head.next >= len(head.fragments) {
			q.queue = q.queue[1:]
			continue
		}
		data = head.fragments[head.next]
		msgNum = head.msgNum
		fragIdx = uint32(head.next)
		fragCount = uint32(len(head.fragments))
		head.next++
		q.depth -= len(data)
		if head.next >= len(head.fragments) {
			q.queue = q.queue[1:]
		}
		return msgNum, fragIdx, fragCount, data, true
	}
	return 0, 0, 0, nil, false
}

// PendingBytes reports the total payload bytes still queued.
func (q *UnreliableQueue) PendingBytes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

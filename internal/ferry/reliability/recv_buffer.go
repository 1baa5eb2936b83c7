// Package reliability implements the sliding-window buffers on both
// ends of a Ferry transfer: the receiver's out-of-order buffer and the
// sender's retransmission window.
package reliability

import (
	"sync"

	"github.com/ferryd/ferry/internal/ferry/protocol"
)

// WriteResult discriminates the outcomes of RecvBuffer.Write.
type WriteResult int

const (
	// WriteInOrder means the segment filled the first gap; the in-order
	// run may now be delivered.
	WriteInOrder WriteResult = iota

	// WriteOutOfOrder means the segment was buffered beyond the first
	// gap; the caller should send a duplicate ACK naming the gap.
	WriteOutOfOrder

	// WriteDuplicate means the slot already holds this segment.
	WriteDuplicate

	// WriteOutOfRange means the seq falls outside the sliding window.
	WriteOutOfRange

	// WriteFull means the window has no free slot.
	WriteFull
)

func (r WriteResult) String() string {
	switch r {
	case WriteInOrder:
		return "IN_ORDER"
	case WriteOutOfOrder:
		return "OUT_OF_ORDER"
	case WriteDuplicate:
		return "DUPLICATE"
	case WriteOutOfRange:
		return "OUT_OF_RANGE"
	case WriteFull:
		return "FULL"
	default:
		return "UNKNOWN"
	}
}

// slidingWindow tracks the receive window over frame indices.
// base is the left edge (next slot to deliver), top = base + size,
// next is the first still-missing slot in [base, top), and win counts
// the free slots left in the window.
type slidingWindow struct {
	base int
	top  int
	next int
	size int
	win  int
}

// RecvBuffer is a circular array of segment slots indexed by
// seq mod frameSize, where frameSize is twice the window size. A slot
// holding seq 0 is empty; seq 0 itself is reserved for the handshake so
// the sentinel is safe during file transfer.
//
// The first segment written seeds the window: it fixes firstSeq and
// places base at its slot.
type RecvBuffer struct {
	mu        sync.Mutex
	frameSize int
	firstSeq  uint32
	nextSeq   uint32
	acked     uint32
	ts        uint32
	wnd       slidingWindow
	slots     []protocol.Segment
}

// NewRecvBuffer creates a receive buffer for a window of windowSize
// segments, backed by 2*windowSize slots.
func NewRecvBuffer(windowSize int) *RecvBuffer {
	b := &RecvBuffer{
		frameSize: 2 * windowSize,
		slots:     make([]protocol.Segment, 2*windowSize),
	}
	b.wnd = slidingWindow{
		base: 0,
		top:  windowSize,
		next: 0,
		size: windowSize,
		win:  windowSize,
	}
	return b
}

// inRange reports whether idx lies inside [next, top], correcting for
// window wrap around the frame edge.
func (b *RecvBuffer) inRange(idx int) bool {
	top := b.wnd.top
	next := b.wnd.next
	i := idx
	if b.wnd.base >= b.wnd.top {
		top += b.frameSize
	}
	if b.wnd.base > b.wnd.next {
		next += b.frameSize
	}
	if b.wnd.base > idx {
		i += b.frameSize
	}
	return i >= next && i <= top
}

// Write inserts a segment. For WriteOutOfOrder the returned ack names
// the first still-missing seq, for the caller's duplicate ACK. All
// other results leave the ack to the caller (current NextSeq).
func (b *RecvBuffer) Write(seg *protocol.Segment) (WriteResult, uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.wnd.win == 0 {
		return WriteFull, 0
	}

	idx := int(seg.Seq % uint32(b.frameSize))

	if b.firstSeq > 0 && b.slots[idx].Seq == seg.Seq {
		return WriteDuplicate, 0
	}

	if b.firstSeq == 0 {
		// first segment seeds the sliding window
		b.firstSeq = seg.Seq
		b.wnd.base = idx
		b.wnd.top = b.wnd.base + b.wnd.size
		b.wnd.next = (idx + 1) % b.frameSize
		b.nextSeq = seg.Seq + 1
		b.ts = seg.Ts
		b.slots[idx] = *seg
		b.wnd.win--
		return WriteInOrder, 0
	}

	if !b.inRange(idx) {
		return WriteOutOfRange, 0
	}

	if idx == b.wnd.next {
		// fills the gap; absorb any run of already-buffered segments
		b.slots[idx] = *seg
		b.wnd.win--
		b.ts = seg.Ts
		for b.slots[b.wnd.next].Seq != 0 {
			b.wnd.next = (b.wnd.next + 1) % b.frameSize
			b.nextSeq++
		}
		return WriteInOrder, 0
	}

	// beyond the gap but inside the window
	b.slots[idx] = *seg
	b.wnd.win--
	return WriteOutOfOrder, b.nextSeq
}

// inOrderCount returns the in-order run length [base, next) in modular
// arithmetic. Callers hold the lock.
func (b *RecvBuffer) inOrderCount() int {
	if b.wnd.next < b.wnd.base {
		return (b.wnd.next + b.frameSize) - b.wnd.base
	}
	return b.wnd.next - b.wnd.base
}

// Read delivers the segment at base and slides the window by one.
//
// With force set, it delivers whenever any in-order segment is
// buffered; this is the path the 500 ms delayed-ACK tick takes, so even
// a single buffered segment is eventually released. Without force it
// holds back until no gaps remain among the buffered segments and at
// least two in-order segments are present.
//
// The returned count is the number of in-order segments still waiting.
func (b *RecvBuffer) Read(force bool) (protocol.Segment, int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var seg protocol.Segment
	inOrder := b.inOrderCount()

	deliver := false
	if force {
		deliver = inOrder > 0
	} else {
		buffered := b.wnd.size - b.wnd.win
		if inOrder < buffered {
			// gaps remain, wait for them to fill
			return seg, 0, false
		}
		deliver = inOrder > 1
	}
	if !deliver {
		return seg, 0, false
	}

	idx := b.wnd.base
	seg = b.slots[idx]
	b.slots[idx] = protocol.Segment{}

	b.wnd.base = (b.wnd.base + 1) % b.frameSize
	b.wnd.top = (b.wnd.top + 1) % b.frameSize
	b.wnd.win++

	return seg, inOrder - 1, true
}

// InOrderAck produces the pending cumulative ACK: when more than one
// segment is buffered in order and the newest of them has not been
// acknowledged yet, it returns that segment's seq+1 with its echoed
// timestamp and records it as acknowledged.
func (b *RecvBuffer) InOrderAck() (uint32, uint32, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inOrderCount() <= 1 {
		return 0, 0, false
	}

	idx := b.wnd.next - 1
	if b.wnd.next == 0 {
		idx = b.frameSize - 1
	}
	last := &b.slots[idx]
	if last.Seq < b.acked+1 {
		return 0, 0, false
	}

	b.acked = last.Seq
	return last.Seq + 1, last.Ts, true
}

// NextSeq returns the next expected sequence number.
func (b *RecvBuffer) NextSeq() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.nextSeq
}

// FirstSeq returns the seq that seeded the window, 0 before seeding.
func (b *RecvBuffer) FirstSeq() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.firstSeq
}

// LastTs returns the timestamp of the newest in-order segment, for
// echoing in duplicate ACKs.
func (b *RecvBuffer) LastTs() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ts
}

// Window returns the free slots left in the sliding window, advertised
// to the sender in every ACK.
func (b *RecvBuffer) Window() uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return uint16(b.wnd.win)
}

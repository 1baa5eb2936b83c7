package reliability

import (
	"fmt"
	"io"

	"github.com/ferryd/ferry/internal/ferry/protocol"
)

type entry struct {
	seg  protocol.Segment
	next *entry
}

// SendWindow is the sender's ordered list of buffered outbound
// segments. Entries are created by Refill as the source file is read
// and destroyed by Advance when a cumulative ACK covers them. Seq is
// strictly increasing along the list; the head entry is always the
// oldest unacknowledged segment.
//
// A cursor walks the list from head to tail marking the next segment
// that has not been transmitted yet. Advancing the head never moves the
// cursor: acknowledged entries were sent before, so the cursor is
// always at or beyond the head.
type SendWindow struct {
	src     io.Reader
	nextSeq uint32
	head    *entry
	tail    *entry
	cursor  *entry
	count   int
	eof     bool
}

// NewSendWindow creates a sender window reading file content from src.
// Sequence numbering starts at 1; seq 0 belongs to the handshake.
func NewSendWindow(src io.Reader) *SendWindow {
	return &SendWindow{src: src}
}

// Refill reads up to k more segments from the source and appends them
// to the tail. The segment that consumes the final bytes of the source
// carries the EOF flag; a source whose size is an exact multiple of the
// segment payload yields one empty EOF-flagged segment.
func (w *SendWindow) Refill(k int) error {
	for i := 0; i < k; i++ {
		if w.eof {
			return nil
		}

		e := &entry{}
		e.seg.Seq = w.nextSeq + 1

		n, err := io.ReadFull(w.src, e.seg.Data[:])
		switch err {
		case nil:
		case io.EOF, io.ErrUnexpectedEOF:
			w.eof = true
			e.seg.SetFlag(protocol.FlagEOF)
		default:
			return fmt.Errorf("refill sender window: %w", err)
		}
		e.seg.Len = uint16(n)
		w.nextSeq++

		if w.tail != nil {
			w.tail.next = e
		}
		w.tail = e
		if w.head == nil {
			w.head = e
		}
		if w.cursor == nil {
			w.cursor = e
		}
		w.count++
	}
	return nil
}

// Head returns the oldest unacknowledged segment, nil when the window
// is empty.
func (w *SendWindow) Head() *protocol.Segment {
	if w.head == nil {
		return nil
	}
	return &w.head.seg
}

// Cursor returns the next not-yet-transmitted segment, nil when every
// buffered segment has been sent.
func (w *SendWindow) Cursor() *protocol.Segment {
	if w.cursor == nil {
		return nil
	}
	return &w.cursor.seg
}

// AdvanceCursor marks the cursor segment as transmitted.
func (w *SendWindow) AdvanceCursor() {
	if w.cursor != nil {
		w.cursor = w.cursor.next
	}
}

// Advance drops every entry with seq < ack and returns the number
// dropped, which the caller passes to Refill to keep the window full.
func (w *SendWindow) Advance(ack uint32) int {
	k := 0
	for w.head != nil && w.head.seg.Seq < ack {
		if w.tail == w.head {
			w.tail = nil
		}
		w.head = w.head.next
		w.count--
		k++
	}
	return k
}

// Len returns the number of buffered entries.
func (w *SendWindow) Len() int {
	return w.count
}

// Empty reports whether every buffered segment has been acknowledged.
func (w *SendWindow) Empty() bool {
	return w.head == nil
}

// EOF reports whether the source has been fully consumed.
func (w *SendWindow) EOF() bool {
	return w.eof
}

package reliability

import (
	"bytes"
	"testing"

	"github.com/ferryd/ferry/internal/ferry/protocol"
)

func TestRefillNumbersFromOne(t *testing.T) {
	src := bytes.NewReader(make([]byte, 3*protocol.MaxDataSize+10))
	w := NewSendWindow(src)

	if err := w.Refill(2); err != nil {
		t.Fatalf("Refill failed: %v", err)
	}
	if w.Len() != 2 {
		t.Fatalf("Len = %d, want 2", w.Len())
	}
	if w.Head().Seq != 1 {
		t.Errorf("head seq = %d, want 1", w.Head().Seq)
	}
	if w.EOF() {
		t.Error("EOF before the source was consumed")
	}
}

func TestRefillMarksEOF(t *testing.T) {
	src := bytes.NewReader(make([]byte, protocol.MaxDataSize+10))
	w := NewSendWindow(src)

	if err := w.Refill(4); err != nil {
		t.Fatalf("Refill failed: %v", err)
	}
	if w.Len() != 2 {
		t.Fatalf("Len = %d, want 2", w.Len())
	}
	if !w.EOF() {
		t.Error("EOF not reached after consuming the source")
	}

	w.AdvanceCursor()
	last := w.Cursor()
	if last == nil {
		t.Fatal("second segment missing")
	}
	if !last.HasFlag(protocol.FlagEOF) {
		t.Error("last segment does not carry the EOF flag")
	}
	if last.Len != 10 {
		t.Errorf("last segment len = %d, want 10", last.Len)
	}
}

func TestExactMultipleYieldsEmptyEOFSegment(t *testing.T) {
	src := bytes.NewReader(make([]byte, 2*protocol.MaxDataSize))
	w := NewSendWindow(src)

	if err := w.Refill(8); err != nil {
		t.Fatalf("Refill failed: %v", err)
	}
	if w.Len() != 3 {
		t.Fatalf("Len = %d, want 3 (two full + one empty EOF)", w.Len())
	}

	w.AdvanceCursor()
	w.AdvanceCursor()
	last := w.Cursor()
	if last.Len != 0 || !last.HasFlag(protocol.FlagEOF) {
		t.Errorf("final segment = (len=%d, eof=%v), want empty EOF", last.Len, last.HasFlag(protocol.FlagEOF))
	}
}

func TestAdvanceDropsAcked(t *testing.T) {
	src := bytes.NewReader(make([]byte, 6*protocol.MaxDataSize))
	w := NewSendWindow(src)
	w.Refill(4)

	k := w.Advance(3) // ACK 3 covers seqs 1 and 2
	if k != 2 {
		t.Fatalf("Advance(3) dropped %d, want 2", k)
	}
	if w.Head().Seq != 3 {
		t.Errorf("head after advance = %d, want 3", w.Head().Seq)
	}

	// the drop count refills the window back to size
	if err := w.Refill(k); err != nil {
		t.Fatalf("Refill failed: %v", err)
	}
	if w.Len() != 4 {
		t.Errorf("Len after advance+refill = %d, want 4", w.Len())
	}
}

func TestAdvanceToEmpty(t *testing.T) {
	src := bytes.NewReader(make([]byte, 10))
	w := NewSendWindow(src)
	w.Refill(4)

	if w.Len() != 1 {
		t.Fatalf("Len = %d, want 1", w.Len())
	}
	if k := w.Advance(2); k != 1 {
		t.Errorf("Advance(2) dropped %d, want 1", k)
	}
	if !w.Empty() {
		t.Error("window not empty after final ACK")
	}
	if w.Head() != nil {
		t.Error("Head on empty window is not nil")
	}
}

func TestCursorWalksOnce(t *testing.T) {
	src := bytes.NewReader(make([]byte, 3*protocol.MaxDataSize))
	w := NewSendWindow(src)
	w.Refill(3)

	var sent []uint32
	for cur := w.Cursor(); cur != nil; cur = w.Cursor() {
		sent = append(sent, cur.Seq)
		w.AdvanceCursor()
	}
	if len(sent) != 3 || sent[0] != 1 || sent[2] != 3 {
		t.Errorf("cursor walk = %v, want [1 2 3]", sent)
	}

	// acknowledging the head must not resurrect the cursor
	w.Advance(2)
	if w.Cursor() != nil {
		t.Error("cursor moved backward after Advance")
	}

	// but a refill re-points it at the new tail
	if err := w.Refill(1); err != nil {
		t.Fatalf("Refill failed: %v", err)
	}
	if w.Cursor() == nil || w.Cursor().Seq != 4 {
		t.Error("cursor not pointing at the refilled entry")
	}
}

func TestStrictlyIncreasingSeq(t *testing.T) {
	src := bytes.NewReader(make([]byte, 5*protocol.MaxDataSize))
	w := NewSendWindow(src)
	w.Refill(3)
	w.Advance(3)
	w.Refill(2)

	prev := uint32(0)
	for cur := w.Head(); cur != nil; {
		if cur.Seq <= prev {
			t.Fatalf("seq %d not strictly increasing after %d", cur.Seq, prev)
		}
		prev = cur.Seq
		w.Advance(cur.Seq + 1)
		cur = w.Head()
	}
}

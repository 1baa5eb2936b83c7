package fifo

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestWriteReadOrder(t *testing.T) {
	q := New(8)

	for i := 0; i < 5; i++ {
		if err := q.Write([]byte(fmt.Sprintf("payload-%d", i)), false); err != nil {
			t.Fatalf("Write #%d failed: %v", i, err)
		}
	}

	buf := make([]byte, 64)
	for i := 0; i < 5; i++ {
		n, eof, ok := q.Read(buf)
		if !ok {
			t.Fatalf("Read #%d found an empty queue", i)
		}
		if eof {
			t.Errorf("Read #%d returned eof", i)
		}
		want := fmt.Sprintf("payload-%d", i)
		if string(buf[:n]) != want {
			t.Errorf("Read #%d = %q, want %q", i, buf[:n], want)
		}
	}

	if _, _, ok := q.Read(buf); ok {
		t.Error("Read on drained queue returned a node")
	}
}

func TestWriteCopies(t *testing.T) {
	q := New(2)
	src := []byte("original")
	q.Write(src, false)
	copy(src, "CLOBBER!")

	buf := make([]byte, 16)
	n, _, _ := q.Read(buf)
	if !bytes.Equal(buf[:n], []byte("original")) {
		t.Errorf("queued payload changed with the caller's buffer: %q", buf[:n])
	}
}

func TestFullRejects(t *testing.T) {
	q := New(2)
	q.Write([]byte("a"), false)
	q.Write([]byte("b"), false)
	if err := q.Write([]byte("c"), false); !errors.Is(err, ErrFull) {
		t.Errorf("Write on full queue = %v, want ErrFull", err)
	}
	if q.Len() != 2 {
		t.Errorf("Len after rejected write = %d, want 2", q.Len())
	}
}

// Empty must mean "holds no node" and Full "at capacity", as the names
// say.
func TestEmptyMeansEmpty(t *testing.T) {
	q := New(2)
	if !q.Empty() {
		t.Error("fresh queue is not Empty")
	}
	if q.Full() {
		t.Error("fresh queue claims Full")
	}
}

func TestFullMeansFull(t *testing.T) {
	q := New(2)
	q.Write([]byte("a"), false)
	q.Write([]byte("b"), false)
	if !q.Full() {
		t.Error("queue at capacity is not Full")
	}
	if q.Empty() {
		t.Error("queue at capacity claims Empty")
	}
}

func TestEOFMark(t *testing.T) {
	q := New(2)
	q.Write([]byte("tail"), true)
	buf := make([]byte, 16)
	_, eof, ok := q.Read(buf)
	if !ok || !eof {
		t.Errorf("Read = (ok=%v, eof=%v), want both true", ok, eof)
	}
}

func TestDrain(t *testing.T) {
	q := New(4)
	q.Write([]byte("a"), false)
	q.Write([]byte("b"), false)
	q.Drain()
	if !q.Empty() {
		t.Error("queue not empty after Drain")
	}
	if err := q.Write([]byte("c"), false); err != nil {
		t.Errorf("Write after Drain failed: %v", err)
	}
}

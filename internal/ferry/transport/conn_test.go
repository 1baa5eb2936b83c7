package transport

import (
	"errors"
	"testing"
	"time"

	"github.com/ferryd/ferry/internal/ferry/protocol"
)

func loopbackPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	a, err := Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen a: %v", err)
	}
	b, err := Listen("127.0.0.1:0", nil)
	if err != nil {
		a.Close()
		t.Fatalf("Listen b: %v", err)
	}
	a.SetRemote(b.LocalAddr())
	b.SetRemote(a.LocalAddr())
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestWriteReadSegment(t *testing.T) {
	a, b := loopbackPair(t)

	var out protocol.Segment
	out.Seq = 7
	out.Ack = 3
	out.Ts = 99
	out.Wnd = 12
	out.SetFlag(protocol.FlagEOF)
	out.SetData([]byte("over the wire"))

	if err := a.WriteSegment(&out); err != nil {
		t.Fatalf("WriteSegment failed: %v", err)
	}

	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	var in protocol.Segment
	from, err := b.ReadSegment(&in)
	if err != nil {
		t.Fatalf("ReadSegment failed: %v", err)
	}
	if from.Port != a.LocalAddr().Port {
		t.Errorf("source port = %d, want %d", from.Port, a.LocalAddr().Port)
	}
	if in != out {
		t.Errorf("segment mismatch:\n got %s\nwant %s", in.String(), out.String())
	}
}

func TestReadDeadline(t *testing.T) {
	_, b := loopbackPair(t)

	b.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	var seg protocol.Segment
	_, err := b.ReadSegment(&seg)
	if !IsTimeout(err) {
		t.Errorf("read on silent wire = %v, want timeout", err)
	}
}

func TestDropperIsDeterministic(t *testing.T) {
	d1 := NewDropper(0.5, 42)
	d2 := NewDropper(0.5, 42)
	for i := 0; i < 200; i++ {
		if d1.Drop() != d2.Drop() {
			t.Fatalf("same seed diverged at decision %d", i)
		}
	}
}

func TestDropperExtremes(t *testing.T) {
	never := NewDropper(0, 7)
	for i := 0; i < 100; i++ {
		if never.Drop() {
			t.Fatal("p=0 dropped a datagram")
		}
	}
	always := NewDropper(1, 7)
	for i := 0; i < 100; i++ {
		if !always.Drop() {
			t.Fatal("p=1 let a datagram through")
		}
	}
	var nilDropper *Dropper
	if nilDropper.Drop() {
		t.Fatal("nil dropper dropped a datagram")
	}
}

func TestSimulatedLossOnSend(t *testing.T) {
	a, b := loopbackPair(t)
	a.SetDropper(NewDropper(1, 1))

	var seg protocol.Segment
	seg.Seq = 1
	if err := a.WriteSegment(&seg); err != nil {
		t.Fatalf("dropped send returned error: %v", err)
	}

	b.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, err := b.ReadSegment(&seg); !IsTimeout(err) {
		t.Errorf("datagram arrived despite p=1 send dropper: %v", err)
	}
	if a.Stats().DroppedSent != 1 {
		t.Errorf("DroppedSent = %d, want 1", a.Stats().DroppedSent)
	}
}

func TestSimulatedLossOnReceive(t *testing.T) {
	a, b := loopbackPair(t)
	b.SetDropper(NewDropper(1, 1))

	var seg protocol.Segment
	seg.Seq = 1
	if err := a.WriteSegment(&seg); err != nil {
		t.Fatalf("WriteSegment failed: %v", err)
	}

	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := b.ReadSegment(&seg); !errors.Is(err, ErrDropped) {
		t.Errorf("read = %v, want ErrDropped", err)
	}
}

func TestRemoteMigration(t *testing.T) {
	a, b := loopbackPair(t)
	c, err := Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen c: %v", err)
	}
	defer c.Close()

	// migrate a's peer from b to c, as the handshake does
	a.SetRemote(c.LocalAddr())
	var seg protocol.Segment
	seg.Seq = 5
	if err := a.WriteSegment(&seg); err != nil {
		t.Fatalf("WriteSegment after migration failed: %v", err)
	}

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	var in protocol.Segment
	if _, err := c.ReadSegment(&in); err != nil {
		t.Fatalf("migrated peer did not receive: %v", err)
	}
	b.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if _, err := b.ReadSegment(&in); !IsTimeout(err) {
		t.Error("old peer still receives after migration")
	}
}

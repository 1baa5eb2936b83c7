package protocol

import (
	"bytes"
	"testing"
)

func TestSegmentRoundTrip(t *testing.T) {
	var seg Segment
	seg.Seq = 42
	seg.Ack = 7
	seg.Ts = 123456
	seg.Wnd = 16
	seg.SetFlag(FlagEOF)
	seg.SetFlag(FlagWND)
	if err := seg.SetData([]byte("hello, ferry")); err != nil {
		t.Fatalf("SetData failed: %v", err)
	}

	buf := make([]byte, PayloadSize)
	n, err := seg.MarshalTo(buf)
	if err != nil {
		t.Fatalf("MarshalTo failed: %v", err)
	}
	if n != HeaderSize+len("hello, ferry") {
		t.Errorf("wire size = %d, want %d", n, HeaderSize+len("hello, ferry"))
	}

	var got Segment
	if err := got.Unmarshal(buf[:n]); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got != seg {
		t.Errorf("round trip mismatch:\n got %s\nwant %s", got.String(), seg.String())
	}
}

func TestSegmentWireLayout(t *testing.T) {
	var seg Segment
	seg.Seq = 0x04030201
	seg.Ack = 0x08070605
	seg.Ts = 0x0C0B0A09
	seg.Wnd = 0x0E0D
	seg.Flags = FlagPOB

	buf := make([]byte, PayloadSize)
	n, err := seg.MarshalTo(buf)
	if err != nil {
		t.Fatalf("MarshalTo failed: %v", err)
	}
	if n != HeaderSize {
		t.Fatalf("wire size = %d, want %d", n, HeaderSize)
	}

	// little-endian on the wire
	want := []byte{
		0x01, 0x02, 0x03, 0x04,
		0x05, 0x06, 0x07, 0x08,
		0x09, 0x0A, 0x0B, 0x0C,
		0x0D, 0x0E,
		0x00, 0x00,
		byte(FlagPOB),
	}
	if !bytes.Equal(buf[:n], want) {
		t.Errorf("wire bytes = %x, want %x", buf[:n], want)
	}
}

func TestSegmentMaxPayload(t *testing.T) {
	var seg Segment
	data := make([]byte, MaxDataSize)
	for i := range data {
		data[i] = byte(i)
	}
	if err := seg.SetData(data); err != nil {
		t.Fatalf("SetData at MaxDataSize failed: %v", err)
	}

	buf := make([]byte, PayloadSize)
	n, err := seg.MarshalTo(buf)
	if err != nil {
		t.Fatalf("MarshalTo failed: %v", err)
	}
	if n != PayloadSize {
		t.Errorf("full segment wire size = %d, want %d", n, PayloadSize)
	}

	if err := seg.SetData(make([]byte, MaxDataSize+1)); err == nil {
		t.Error("SetData accepted an oversized payload")
	}
}

func TestSegmentUnmarshalErrors(t *testing.T) {
	var seg Segment
	if err := seg.Unmarshal(make([]byte, HeaderSize-1)); err == nil {
		t.Error("Unmarshal accepted a short datagram")
	}

	// header claims more payload than the datagram carries
	var src Segment
	src.SetData([]byte("abcdef"))
	buf := make([]byte, PayloadSize)
	n, _ := src.MarshalTo(buf)
	buf[14] = 0xFF // Len low byte
	buf[15] = 0x00
	if err := seg.Unmarshal(buf[:n]); err == nil {
		t.Error("Unmarshal accepted a truncated payload")
	}
}

func TestSegmentUnmarshalZeroFills(t *testing.T) {
	var seg Segment
	seg.SetData([]byte("leftover state from a previous decode"))
	seg.Seq = 99
	seg.Flags = FlagEOF

	var src Segment
	src.Seq = 1
	buf := make([]byte, PayloadSize)
	n, _ := src.MarshalTo(buf)

	if err := seg.Unmarshal(buf[:n]); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if seg.Len != 0 || seg.Flags != 0 || seg.Data[0] != 0 {
		t.Error("Unmarshal did not zero-fill the segment")
	}
}

// Package transport provides the UDP datagram layer of Ferry: a thin
// connection wrapper that frames segments onto the wire and simulates
// configurable datagram loss.
package transport

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/ferryd/ferry/internal/ferry/protocol"
)

const (
	// DefaultReadBufferSize is the default kernel read buffer
	DefaultReadBufferSize = 2 * 1024 * 1024

	// DefaultWriteBufferSize is the default kernel write buffer
	DefaultWriteBufferSize = 2 * 1024 * 1024
)

// ErrDropped marks a datagram discarded by the simulated-loss hook.
// Callers treat it like silence on the wire.
var ErrDropped = errors.New("transport: datagram dropped by loss simulation")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("transport: connection closed")

// Config contains configuration for a transport connection
type Config struct {
	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		ReadBufferSize:  DefaultReadBufferSize,
		WriteBufferSize: DefaultWriteBufferSize,
	}
}

// Stats holds connection statistics
type Stats struct {
	SegmentsSent     uint64
	SegmentsReceived uint64
	BytesSent        uint64
	BytesReceived    uint64
	DroppedSent      uint64
	DroppedReceived  uint64
}

// Conn wraps a UDP socket. The peer address is pinned with SetRemote;
// the handshake migrates it from the server's well-known port to the
// per-session private port without giving up the local port.
//
// Reads are owned by one loop at a time; writes may come from several
// goroutines (the network worker and the delayed-ACK tick) and are
// serialized internally.
type Conn struct {
	udp *net.UDPConn

	remoteMu sync.RWMutex
	remote   *net.UDPAddr

	writeMu  sync.Mutex
	writeBuf [protocol.PayloadSize]byte

	readMu  sync.Mutex
	readBuf [protocol.PayloadSize]byte

	dropper *Dropper

	closeMu sync.Mutex
	closed  bool

	statsMu sync.Mutex
	stats   Stats
}

// Listen binds a UDP socket on address ("host:port", port 0 for an
// ephemeral port).
func Listen(address string, config *Config) (*Conn, error) {
	if config == nil {
		config = DefaultConfig()
	}

	addr, err := net.ResolveUDPAddr("udp4", address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve UDP address: %w", err)
	}

	udp, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen UDP: %w", err)
	}

	if err := udp.SetReadBuffer(config.ReadBufferSize); err != nil {
		udp.Close()
		return nil, fmt.Errorf("failed to set read buffer: %w", err)
	}
	if err := udp.SetWriteBuffer(config.WriteBufferSize); err != nil {
		udp.Close()
		return nil, fmt.Errorf("failed to set write buffer: %w", err)
	}

	return &Conn{udp: udp}, nil
}

// SetDropper installs the simulated-loss hook. Pass nil to disable.
func (c *Conn) SetDropper(d *Dropper) {
	c.dropper = d
}

// SetRemote pins the peer address used by WriteSegment.
func (c *Conn) SetRemote(addr *net.UDPAddr) {
	c.remoteMu.Lock()
	c.remote = addr
	c.remoteMu.Unlock()
}

// Remote returns the pinned peer address, nil before SetRemote.
func (c *Conn) Remote() *net.UDPAddr {
	c.remoteMu.RLock()
	defer c.remoteMu.RUnlock()
	return c.remote
}

// LocalAddr returns the bound local address.
func (c *Conn) LocalAddr() *net.UDPAddr {
	return c.udp.LocalAddr().(*net.UDPAddr)
}

// WriteSegment sends one segment to the pinned peer.
func (c *Conn) WriteSegment(seg *protocol.Segment) error {
	return c.WriteSegmentTo(seg, c.Remote())
}

// WriteSegmentTo sends one segment to addr. A drop decision consumes
// the segment silently: the caller behaves exactly as if the network
// lost it.
func (c *Conn) WriteSegmentTo(seg *protocol.Segment, addr *net.UDPAddr) error {
	if c.isClosed() {
		return ErrClosed
	}
	if addr == nil {
		return errors.New("transport: no remote address")
	}

	if c.dropper.Drop() {
		c.statsMu.Lock()
		c.stats.DroppedSent++
		c.statsMu.Unlock()
		return nil
	}

	c.writeMu.Lock()
	n, err := seg.MarshalTo(c.writeBuf[:])
	if err != nil {
		c.writeMu.Unlock()
		return fmt.Errorf("failed to marshal segment: %w", err)
	}
	sent, err := c.udp.WriteToUDP(c.writeBuf[:n], addr)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to send segment: %w", err)
	}

	c.statsMu.Lock()
	c.stats.SegmentsSent++
	c.stats.BytesSent += uint64(sent)
	c.statsMu.Unlock()

	return nil
}

// ReadSegment blocks until one datagram arrives (or the read deadline
// expires), decodes it into seg and returns the source address. When
// the loss simulation claims the datagram, ErrDropped is returned and
// seg is undefined.
func (c *Conn) ReadSegment(seg *protocol.Segment) (*net.UDPAddr, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}

	c.readMu.Lock()
	defer c.readMu.Unlock()

	n, addr, err := c.udp.ReadFromUDP(c.readBuf[:])
	if err != nil {
		return nil, err
	}

	c.statsMu.Lock()
	c.stats.SegmentsReceived++
	c.stats.BytesReceived += uint64(n)
	c.statsMu.Unlock()

	if c.dropper.Drop() {
		c.statsMu.Lock()
		c.stats.DroppedReceived++
		c.statsMu.Unlock()
		return addr, ErrDropped
	}

	if err := seg.Unmarshal(c.readBuf[:n]); err != nil {
		return addr, fmt.Errorf("failed to unmarshal segment: %w", err)
	}
	return addr, nil
}

// SetReadDeadline bounds the next ReadSegment.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.udp.SetReadDeadline(t)
}

// Stats returns a snapshot of the connection statistics.
func (c *Conn) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// Close shuts the socket down. Pending reads fail immediately.
func (c *Conn) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.udp.Close()
}

func (c *Conn) isClosed() bool {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	return c.closed
}

// IsTimeout reports whether err is a read-deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

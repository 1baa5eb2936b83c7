package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/rs/xid"
	"go.uber.org/zap"

	"github.com/ferryd/ferry/internal/ferry/congestion"
	"github.com/ferryd/ferry/internal/ferry/metrics"
	"github.com/ferryd/ferry/internal/ferry/protocol"
	"github.com/ferryd/ferry/internal/ferry/reliability"
	"github.com/ferryd/ferry/internal/ferry/rtt"
	"github.com/ferryd/ferry/internal/ferry/transport"
)

// errTimer marks the expiry of the retransmission timer inside the
// sender's wait loop.
var errTimer = errors.New("session: retransmission timer expired")

// SenderConfig carries the per-session parameters of a sending side.
type SenderConfig struct {
	// MaxWindow is the maximum number of in-flight segments
	MaxWindow int

	// PersistTimer overrides the window-probe interval, for tests
	PersistTimer time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Sender runs one file transfer toward one client. It owns the
// per-session private socket, the sender window, the RTT estimator and
// the congestion controller; nothing here is shared with other
// sessions.
type Sender struct {
	id      xid.ID
	log     *zap.Logger
	conn    *transport.Conn
	est     *rtt.Estimator
	cc      *congestion.Controller
	wnd     *reliability.SendWindow
	metrics *metrics.Metrics

	maxWindow    int
	persistTimer time.Duration
}

// NewSender creates a sender on its private socket. The socket's remote
// address must already be pinned to the client.
func NewSender(conn *transport.Conn, cfg SenderConfig) *Sender {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	id := xid.New()
	persist := cfg.PersistTimer
	if persist <= 0 {
		persist = PersistTimer
	}
	return &Sender{
		id:           id,
		log:          log.With(zap.String("session", id.String())),
		conn:         conn,
		est:          rtt.NewEstimator(),
		metrics:      cfg.Metrics,
		maxWindow:    cfg.MaxWindow,
		persistTimer: persist,
	}
}

// Run performs the handshake over listener toward client, then streams
// the named file over the private socket.
func (s *Sender) Run(ctx context.Context, listener *transport.Conn, client *net.UDPAddr, filename string) error {
	s.metrics.SessionStarted()
	defer s.metrics.SessionEnded()

	awnd, err := s.sendPort(ctx, listener, client)
	if err != nil {
		return err
	}

	f, err := os.Open(filename)
	if err != nil {
		return fmt.Errorf("open requested file: %w", err)
	}
	defer f.Close()

	if err := s.transfer(ctx, f, awnd); err != nil {
		return err
	}
	s.log.Info("finished sending file", zap.String("filename", filename))
	return nil
}

// sendPort announces the private port on the well-known socket and
// waits on the private socket for the client's acknowledgment, whose
// wnd field becomes the initial advertised window. Retries go out on
// both sockets, with RTO backoff, until the retransmit cap.
func (s *Sender) sendPort(ctx context.Context, listener *transport.Conn, client *net.UDPAddr) (uint16, error) {
	var portSeg protocol.Segment
	portSeg.Seq = 0
	portSeg.Ack = 1
	portSeg.SetFlag(protocol.FlagPOT)
	if err := portSeg.SetData([]byte(strconv.Itoa(s.conn.LocalAddr().Port))); err != nil {
		return 0, err
	}

	s.log.Info("announcing private port",
		zap.String("port", string(portSeg.Payload())),
		zap.String("client", client.String()))

	s.est.NewPack()
	retry := 0
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		portSeg.Ts = s.est.Ts()
		if err := listener.WriteSegmentTo(&portSeg, client); err != nil {
			return 0, err
		}
		if retry > 0 {
			// the client may already be connected to the private port
			if err := s.conn.WriteSegment(&portSeg); err != nil {
				return 0, err
			}
			s.log.Info("resend private port", zap.Int("retry", retry))
		}
		retry++

		deadline := time.Now().Add(s.est.Start())
		resend := false
		for !resend {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			s.conn.SetReadDeadline(deadline)
			var seg protocol.Segment
			if _, err := s.conn.ReadSegment(&seg); err != nil {
				if transport.IsTimeout(err) {
					if err := s.est.Timeout(); err != nil {
						return 0, fmt.Errorf("%w: port announcement timed out: %v", ErrHandshake, err)
					}
					resend = true
					continue
				}
				if errors.Is(err, transport.ErrDropped) {
					continue
				}
				return 0, err
			}

			if seg.Ts > 0 {
				s.est.Stop(s.est.Ts() - seg.Ts)
			}
			if seg.Ack == 1 && seg.HasFlag(protocol.FlagPOT) {
				s.log.Info("private connection established", zap.Uint16("awnd", seg.Wnd))
				return seg.Wnd, nil
			}
			s.log.Warn("unexpected segment during handshake", zap.String("segment", seg.String()))
			resend = true
		}
	}
}

// transfer is the sender main loop: buffer from the file, pace sends by
// min(cwnd, awnd), keep one timer armed for the oldest in-flight
// segment, and multiplex ACK arrival with timer expiry.
func (s *Sender) transfer(ctx context.Context, src *os.File, awnd uint16) error {
	s.wnd = reliability.NewSendWindow(src)
	if err := s.wnd.Refill(s.maxWindow); err != nil {
		return err
	}
	s.cc = congestion.NewController(awnd, uint16(s.maxWindow), s.log)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.wnd.Empty() {
			if s.wnd.EOF() {
				return nil
			}
			if err := s.wnd.Refill(s.maxWindow); err != nil {
				return err
			}
		}

		budget := int(s.cc.Window())
		if budget == 0 {
			// receiver window closed: probe until it reopens
			b, err := s.persist(ctx)
			if err != nil {
				return err
			}
			budget = b
		}

		if budget > 0 && s.wnd.Cursor() != nil {
			s.est.NewPack()
		}

		deadline, sentLo, sentHi := s.burst(budget)
		if sentHi > 0 {
			s.log.Info("sent datagrams", zap.Uint32("from", sentLo), zap.Uint32("to", sentHi))
		}

		// wait for the window to move
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			advanced, err := s.awaitProgress(deadline)
			if err == nil {
				if advanced {
					break
				}
				continue
			}
			if !errors.Is(err, errTimer) {
				return err
			}
			if err := s.est.Timeout(); err != nil {
				s.log.Error("terminating: datagram timeout",
					zap.Int("retransmits", rtt.MaxRexmt))
				return err
			}
			s.cc.OnTimeout()
			s.retransmitHead("timeout")
			deadline = time.Now().Add(s.est.Start())
		}
	}
}

// burst transmits up to budget segments starting at the cursor, never
// past head.seq + budget, and returns the armed timer deadline for the
// oldest segment in the batch.
func (s *Sender) burst(budget int) (time.Time, uint32, uint32) {
	var lo, hi uint32
	armed := false
	var deadline time.Time

	head := s.wnd.Head()
	for cur := s.wnd.Cursor(); cur != nil && head != nil && cur.Seq < head.Seq+uint32(budget); cur = s.wnd.Cursor() {
		cur.Ts = s.est.Ts()
		if err := s.conn.WriteSegment(cur); err != nil {
			s.log.Warn("send failed", zap.Uint32("seq", cur.Seq), zap.Error(err))
			break
		}
		s.metrics.ObserveSend()
		if lo == 0 {
			lo = cur.Seq
		}
		hi = cur.Seq
		if !armed {
			deadline = time.Now().Add(s.est.Start())
			armed = true
		}
		s.wnd.AdvanceCursor()
	}
	if !armed {
		deadline = time.Now().Add(s.est.Start())
	}
	return deadline, lo, hi
}

// awaitProgress blocks until the timer deadline or a datagram. On
// datagram arrival it drains every immediately available ACK before
// returning whether the window head advanced past its previous seq.
func (s *Sender) awaitProgress(deadline time.Time) (bool, error) {
	var oldHead uint32
	if h := s.wnd.Head(); h != nil {
		oldHead = h.Seq
	}

	s.conn.SetReadDeadline(deadline)
	var seg protocol.Segment
	if _, err := s.conn.ReadSegment(&seg); err != nil {
		if transport.IsTimeout(err) {
			return false, errTimer
		}
		if errors.Is(err, transport.ErrDropped) {
			return false, nil
		}
		return false, err
	}

	maxAck, err := s.handleAck(&seg)
	if err != nil {
		return false, err
	}

	// drain whatever else is already queued; a deadline in the past
	// would fail without looking at the socket, so poll with the
	// smallest one that still delivers queued datagrams
	for {
		s.conn.SetReadDeadline(time.Now().Add(time.Millisecond))
		if _, err := s.conn.ReadSegment(&seg); err != nil {
			if transport.IsTimeout(err) {
				break
			}
			if errors.Is(err, transport.ErrDropped) {
				continue
			}
			return false, err
		}
		ack, err := s.handleAck(&seg)
		if err != nil {
			return false, err
		}
		if ack > maxAck {
			maxAck = ack
		}
	}

	return maxAck > oldHead, nil
}

// handleAck feeds one ACK through the RTT estimator and the congestion
// controller, slides the sender window and refills it from the file.
func (s *Sender) handleAck(seg *protocol.Segment) (uint32, error) {
	s.log.Debug("received ACK",
		zap.Uint32("ack", seg.Ack),
		zap.Uint16("awnd", seg.Wnd),
		zap.Bool("window_update", seg.HasFlag(protocol.FlagWND)))

	if seg.Ts > 0 {
		s.est.Stop(s.est.Ts() - seg.Ts)
	}

	fastRetransmit := s.cc.OnAck(seg.Ack, seg.Wnd, seg.HasFlag(protocol.FlagWND))
	s.metrics.ObserveAck(s.cc.Cwnd(), s.cc.Ssthresh(), s.est.RTO())
	if fastRetransmit {
		s.retransmitHead("fast")
	}

	if k := s.wnd.Advance(seg.Ack); k > 0 {
		if err := s.wnd.Refill(k); err != nil {
			return 0, err
		}
	}
	return seg.Ack, nil
}

// retransmitHead resends the oldest unacknowledged segment. The
// retransmission carries ts 0 so its ACK cannot feed the estimator
// (Karn's rule).
func (s *Sender) retransmitHead(reason string) {
	head := s.wnd.Head()
	if head == nil {
		return
	}
	head.Ts = 0
	if err := s.conn.WriteSegment(head); err != nil {
		s.log.Warn("retransmit failed", zap.Uint32("seq", head.Seq), zap.Error(err))
		return
	}
	s.metrics.ObserveSend()
	s.metrics.ObserveRetransmit(reason)
	s.log.Info("resend datagram",
		zap.Uint32("seq", head.Seq),
		zap.String("reason", reason),
		zap.Int("retransmits", s.est.Nrexmt()))
}

// persist sends window probes every persistTimer until an ACK reopens
// the receiver window, then returns the new send budget. Probes carry
// ts 0: they never produce an RTT sample.
func (s *Sender) persist(ctx context.Context) (int, error) {
	var probe protocol.Segment
	probe.SetFlag(protocol.FlagPOB)

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := s.conn.WriteSegment(&probe); err != nil {
			return 0, err
		}
		s.log.Info("send window probe")

		deadline := time.Now().Add(s.persistTimer)
		for {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			s.conn.SetReadDeadline(deadline)
			var seg protocol.Segment
			if _, err := s.conn.ReadSegment(&seg); err != nil {
				if transport.IsTimeout(err) {
					break
				}
				if errors.Is(err, transport.ErrDropped) {
					continue
				}
				return 0, err
			}
			if _, err := s.handleAck(&seg); err != nil {
				return 0, err
			}
			if w := s.cc.Window(); w > 0 {
				s.log.Info("receiver window reopened", zap.Uint16("window", w))
				return int(w), nil
			}
		}
	}
}

package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ferryd/ferry/internal/ferry/fifo"
	"github.com/ferryd/ferry/internal/ferry/protocol"
	"github.com/ferryd/ferry/internal/ferry/reliability"
	"github.com/ferryd/ferry/internal/ferry/rtt"
	"github.com/ferryd/ferry/internal/ferry/transport"
)

// ReceiverConfig carries the client-side parameters of one transfer.
type ReceiverConfig struct {
	// Filename is the file requested from the server
	Filename string

	// RecvWindow is the sliding-window size in segments
	RecvWindow int

	// Seed drives the printer's exponential sleeps (the loss
	// simulation is seeded on the transport connection)
	Seed int64

	// MeanInterval is the mean inter-print interval
	MeanInterval time.Duration

	// FinTimewait overrides the post-EOF quiescence, for tests
	FinTimewait time.Duration

	// DelayedAck overrides the delivery tick, for tests
	DelayedAck time.Duration

	// FifoSize overrides the hand-off queue capacity, for tests
	FifoSize int

	// Out receives the file content; defaults to discarding
	Out io.Writer

	Logger *zap.Logger
}

// Receiver runs the client side of one transfer: the network worker
// that buffers and acknowledges segments, the delayed-ACK tick, and the
// print task draining the FIFO.
type Receiver struct {
	log  *zap.Logger
	conn *transport.Conn
	buf  *reliability.RecvBuffer
	fifo *fifo.Queue
	est  *rtt.Estimator
	cfg  ReceiverConfig

	out io.Writer
	rng *rand.Rand

	seqMu sync.Mutex
	seq   uint32

	deliverMu sync.Mutex

	stop        chan struct{}
	stopOnce    sync.Once
	printerDone chan struct{}
}

// NewReceiver creates a receiver on conn, which must be bound and have
// its remote pinned to the server's well-known endpoint.
func NewReceiver(conn *transport.Conn, cfg ReceiverConfig) *Receiver {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.FinTimewait <= 0 {
		cfg.FinTimewait = FinTimewait
	}
	if cfg.DelayedAck <= 0 {
		cfg.DelayedAck = DelayedAckInterval
	}
	if cfg.MeanInterval <= 0 {
		cfg.MeanInterval = time.Millisecond
	}
	if cfg.FifoSize <= 0 {
		cfg.FifoSize = fifo.DefaultSize
	}
	out := cfg.Out
	if out == nil {
		out = io.Discard
	}
	return &Receiver{
		log:         log,
		conn:        conn,
		buf:         reliability.NewRecvBuffer(cfg.RecvWindow),
		fifo:        fifo.New(cfg.FifoSize),
		est:         rtt.NewEstimator(),
		cfg:         cfg,
		out:         out,
		rng:         rand.New(rand.NewSource(cfg.Seed)),
		stop:        make(chan struct{}),
		printerDone: make(chan struct{}),
	}
}

// Run performs the handshake, then receives until the FIN-timewait
// after the EOF segment expires.
func (r *Receiver) Run(ctx context.Context) error {
	port, err := r.requestFile(ctx)
	if err != nil {
		return err
	}

	server := r.conn.Remote()
	r.conn.SetRemote(&net.UDPAddr{IP: server.IP, Port: port})
	r.log.Info("reconnected to private port",
		zap.String("server", r.conn.Remote().String()))

	first, err := r.ackNewPort(ctx)
	if err != nil {
		return err
	}
	r.seq = 1

	// the first data segment seeds the receive window
	if res, _ := r.buf.Write(first); res != reliability.WriteInOrder {
		r.log.Warn("unexpected first segment", zap.String("result", res.String()))
	}
	var finAt time.Time
	if first.HasFlag(protocol.FlagEOF) {
		// a one-segment file: the seed is already the end
		finAt = time.Now().Add(r.cfg.FinTimewait)
	}

	go r.printLoop()
	ticker := time.NewTicker(r.cfg.DelayedAck)
	defer ticker.Stop()
	go func() {
		for {
			select {
			case <-ticker.C:
				r.deliver(true)
			case <-r.stop:
				return
			}
		}
	}()
	defer r.shutdown()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !finAt.IsZero() && !time.Now().Before(finAt) {
			r.log.Info("FIN timewait expired, session closed")
			return nil
		}

		deadline := time.Now().Add(ReceiveTimeout)
		if !finAt.IsZero() && finAt.Before(deadline) {
			deadline = finAt
		}
		r.conn.SetReadDeadline(deadline)

		var seg protocol.Segment
		if _, err := r.conn.ReadSegment(&seg); err != nil {
			if transport.IsTimeout(err) || errors.Is(err, transport.ErrDropped) {
				continue
			}
			if errors.Is(err, transport.ErrClosed) {
				return nil
			}
			r.log.Warn("receive error", zap.Error(err))
			continue
		}

		if seg.HasFlag(protocol.FlagPOB) {
			// window probe: advertise the current window
			r.log.Debug("window probe received")
			r.sendAck(r.buf.NextSeq(), seg.Ts, true)
			continue
		}

		res, dupAck := r.buf.Write(&seg)
		r.log.Debug("received datagram",
			zap.Uint32("seq", seg.Seq),
			zap.Uint32("ts", seg.Ts),
			zap.Bool("eof", seg.HasFlag(protocol.FlagEOF)),
			zap.String("result", res.String()),
			zap.Uint16("rwnd", r.buf.Window()))

		switch res {
		case reliability.WriteFull:
			r.sendAck(r.buf.NextSeq(), seg.Ts, true)
		case reliability.WriteDuplicate, reliability.WriteOutOfRange:
			r.sendAck(r.buf.NextSeq(), seg.Ts, false)
		case reliability.WriteOutOfOrder:
			// duplicate ACK naming the first missing seq
			r.sendAck(dupAck, r.buf.LastTs(), false)
		case reliability.WriteInOrder:
			// cumulative ACK for the buffered in-order run, sent
			// independent of delivery so a saturated hand-off queue
			// cannot silence the sender
			if ackNo, ts, ok := r.buf.InOrderAck(); ok {
				r.sendAck(ackNo, ts, false)
			}
			r.deliver(false)
		}

		if seg.HasFlag(protocol.FlagEOF) && finAt.IsZero() &&
			(res == reliability.WriteInOrder || res == reliability.WriteOutOfOrder) {
			finAt = time.Now().Add(r.cfg.FinTimewait)
			r.log.Info("EOF received, entering FIN timewait",
				zap.Duration("timewait", r.cfg.FinTimewait))
		}
	}
}

// requestFile sends the filename request to the well-known port and
// returns the private port the server answers with. Retries follow the
// RTO schedule up to the retransmit cap.
func (r *Receiver) requestFile(ctx context.Context) (int, error) {
	var req protocol.Segment
	req.Seq = 0
	req.SetFlag(protocol.FlagFLN)
	if err := req.SetData([]byte(r.cfg.Filename)); err != nil {
		return 0, err
	}

	r.log.Info("requesting file",
		zap.String("filename", r.cfg.Filename),
		zap.String("server", r.conn.Remote().String()))

	r.est.NewPack()
	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if err := r.conn.WriteSegment(&req); err != nil {
			return 0, err
		}

		deadline := time.Now().Add(r.est.Start())
		resend := false
		for !resend {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			r.conn.SetReadDeadline(deadline)
			var seg protocol.Segment
			if _, err := r.conn.ReadSegment(&seg); err != nil {
				if transport.IsTimeout(err) {
					if err := r.est.Timeout(); err != nil {
						return 0, fmt.Errorf("%w: no answer from server: %v", ErrHandshake, err)
					}
					resend = true
					continue
				}
				if errors.Is(err, transport.ErrDropped) {
					continue
				}
				return 0, err
			}

			if !seg.HasFlag(protocol.FlagPOT) {
				r.log.Warn("expected port number, got something else",
					zap.String("segment", seg.String()))
				resend = true
				continue
			}
			port, err := strconv.Atoi(string(seg.Payload()))
			if err != nil || port <= 0 || port > 65535 {
				r.log.Warn("invalid port number in handshake",
					zap.ByteString("payload", seg.Payload()))
				resend = true
				continue
			}
			r.log.Info("received private port", zap.Int("port", port))
			return port, nil
		}
	}
}

// ackNewPort acknowledges the port message on the private socket,
// advertising the receive window, and waits for the first data
// segment. A repeated port message means the ACK was lost and triggers
// a resend.
func (r *Receiver) ackNewPort(ctx context.Context) (*protocol.Segment, error) {
	var ack protocol.Segment
	ack.Seq = 0
	ack.Ack = 1
	ack.SetFlag(protocol.FlagPOT)
	ack.Wnd = uint16(r.cfg.RecvWindow)

	r.est.NewPack()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := r.conn.WriteSegment(&ack); err != nil {
			return nil, err
		}

		deadline := time.Now().Add(r.est.Start())
		resend := false
		for !resend {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			r.conn.SetReadDeadline(deadline)
			seg := &protocol.Segment{}
			if _, err := r.conn.ReadSegment(seg); err != nil {
				if transport.IsTimeout(err) {
					if err := r.est.Timeout(); err != nil {
						return nil, fmt.Errorf("%w: no data after port ACK: %v", ErrHandshake, err)
					}
					resend = true
					continue
				}
				if errors.Is(err, transport.ErrDropped) {
					continue
				}
				return nil, err
			}

			if seg.HasFlag(protocol.FlagPOT) {
				// the server did not see our ACK yet
				resend = true
				continue
			}
			return seg, nil
		}
	}
}

// sendAck emits one ACK segment. windowUpdate sets the WND flag so the
// sender treats it as flow-control state rather than loss evidence.
func (r *Receiver) sendAck(ackNo, ts uint32, windowUpdate bool) {
	var seg protocol.Segment
	r.seqMu.Lock()
	seg.Seq = r.seq
	r.seq++
	r.seqMu.Unlock()

	seg.Ack = ackNo
	seg.Ts = ts
	seg.Wnd = r.buf.Window()
	if windowUpdate {
		seg.SetFlag(protocol.FlagWND)
	}

	if err := r.conn.WriteSegment(&seg); err != nil {
		r.log.Warn("ACK send failed", zap.Error(err))
		return
	}
	r.log.Debug("sent ACK",
		zap.Uint32("ack", seg.Ack),
		zap.Uint32("ts", seg.Ts),
		zap.Uint16("wnd", seg.Wnd),
		zap.Bool("window_update", windowUpdate))
}

// deliver moves the deliverable in-order run from the receive buffer to
// the FIFO and acknowledges the last released segment. With force set
// (the delayed-ACK tick), even a single buffered segment is released.
// Delivery stalls while the FIFO is full; the window then stays closed
// until the print task drains.
func (r *Receiver) deliver(force bool) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()

	need := force
	var last protocol.Segment
	delivered := false

	for {
		if r.fifo.Full() {
			break
		}
		seg, remaining, ok := r.buf.Read(need)
		if !ok {
			break
		}
		if err := r.fifo.Write(seg.Payload(), seg.HasFlag(protocol.FlagEOF)); err != nil {
			// cannot happen: fullness was checked above and this
			// goroutine is the only producer
			r.log.Error("hand-off queue rejected segment", zap.Error(err))
			break
		}
		last = seg
		delivered = true
		need = remaining > 0
	}

	if delivered {
		r.sendAck(last.Seq+1, last.Ts, true)
	}
}

// printLoop drains the FIFO to the output writer, sleeping an
// exponentially distributed interval around the configured mean
// whenever the queue is empty.
func (r *Receiver) printLoop() {
	defer close(r.printerDone)

	buf := make([]byte, protocol.MaxDataSize)
	for {
		n, eof, ok := r.fifo.Read(buf)
		if !ok {
			d := time.Duration(float64(r.cfg.MeanInterval) * r.rng.ExpFloat64())
			select {
			case <-time.After(d):
				continue
			case <-r.stop:
				return
			}
		}
		if n > 0 {
			if _, err := r.out.Write(buf[:n]); err != nil {
				r.log.Error("write output", zap.Error(err))
				return
			}
		}
		if eof {
			r.log.Info("file data finished")
			return
		}
	}
}

// shutdown stops the timers and the print task, draining the queue
// before it goes away.
func (r *Receiver) shutdown() {
	r.stopOnce.Do(func() { close(r.stop) })
	select {
	case <-r.printerDone:
	case <-time.After(time.Second):
	}
	r.fifo.Drain()
}

// PrinterDone exposes completion of the print task, for tests and for
// callers that want to exit as soon as the file is fully written.
func (r *Receiver) PrinterDone() <-chan struct{} {
	return r.printerDone
}

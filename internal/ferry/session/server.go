package session

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ferryd/ferry/internal/ferry/metrics"
	"github.com/ferryd/ferry/internal/ferry/protocol"
	"github.com/ferryd/ferry/internal/ferry/transport"
)

// ServerConfig carries the supervisor parameters.
type ServerConfig struct {
	// MaxWindow is the sender's maximum in-flight window, per session
	MaxWindow int

	// PersistTimer overrides the senders' window-probe interval, for
	// tests
	PersistTimer time.Duration

	// RequestsPerSecond throttles new transfer sessions; 0 disables
	RequestsPerSecond float64

	// RequestBurst is the throttle burst size
	RequestBurst int

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// requestKey identifies one client request for duplicate suppression.
type requestKey struct {
	client   string
	filename string
}

// Server is the supervisor: it listens on the well-known port and
// spawns one Sender per file request. A repeated request from the same
// client for the same file is dropped while its session is alive.
type Server struct {
	log      *zap.Logger
	listener *transport.Conn
	cfg      ServerConfig
	limiter  *rate.Limiter

	mu     sync.Mutex
	active map[requestKey]string

	wg sync.WaitGroup
}

// NewServer creates a supervisor on the bound well-known socket.
func NewServer(listener *transport.Conn, cfg ServerConfig) *Server {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.RequestBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	return &Server{
		log:      log,
		listener: listener,
		cfg:      cfg,
		limiter:  limiter,
		active:   make(map[requestKey]string),
	}
}

// Run accepts file requests until the context is canceled, then waits
// for running sessions to finish.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("server listening", zap.String("addr", s.listener.LocalAddr().String()))

	for ctx.Err() == nil {
		s.listener.SetReadDeadline(time.Now().Add(time.Second))
		var seg protocol.Segment
		client, err := s.listener.ReadSegment(&seg)
		if err != nil {
			if transport.IsTimeout(err) || errors.Is(err, transport.ErrDropped) {
				continue
			}
			if errors.Is(err, transport.ErrClosed) {
				break
			}
			s.log.Warn("listener read error", zap.Error(err))
			continue
		}

		if !seg.HasFlag(protocol.FlagFLN) || seg.Seq != 0 {
			s.log.Debug("ignoring non-request datagram",
				zap.String("client", client.String()),
				zap.String("segment", seg.String()))
			continue
		}

		filename := string(seg.Payload())
		key := requestKey{client: client.String(), filename: filename}

		s.mu.Lock()
		if id, live := s.active[key]; live {
			s.mu.Unlock()
			s.log.Info("duplicate request while session is live, dropped",
				zap.String("client", client.String()),
				zap.String("filename", filename),
				zap.String("session", id))
			continue
		}
		s.mu.Unlock()

		if !s.limiter.Allow() {
			s.log.Warn("request throttled",
				zap.String("client", client.String()),
				zap.String("filename", filename))
			continue
		}

		if err := s.spawn(ctx, key, client, filename); err != nil {
			s.log.Error("failed to start session",
				zap.String("client", client.String()),
				zap.Error(err))
		}
	}

	s.wg.Wait()
	return ctx.Err()
}

// spawn binds the per-session private socket and runs a Sender for the
// request in its own goroutine.
func (s *Server) spawn(ctx context.Context, key requestKey, client *net.UDPAddr, filename string) error {
	host := "0.0.0.0"
	if ip := s.listener.LocalAddr().IP; ip != nil && !ip.IsUnspecified() {
		host = ip.String()
	}
	private, err := transport.Listen(net.JoinHostPort(host, "0"), nil)
	if err != nil {
		return err
	}
	private.SetRemote(client)

	sender := NewSender(private, SenderConfig{
		MaxWindow:    s.cfg.MaxWindow,
		PersistTimer: s.cfg.PersistTimer,
		Logger: s.log.With(
			zap.String("client", client.String()),
			zap.String("filename", filename)),
		Metrics: s.cfg.Metrics,
	})

	s.mu.Lock()
	s.active[key] = sender.id.String()
	s.mu.Unlock()

	s.log.Info("starting transfer session",
		zap.String("session", sender.id.String()),
		zap.String("client", client.String()),
		zap.String("filename", filename),
		zap.String("private", private.LocalAddr().String()))

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer private.Close()
		defer func() {
			s.mu.Lock()
			delete(s.active, key)
			s.mu.Unlock()
		}()

		if err := sender.Run(ctx, s.listener, client, filename); err != nil {
			s.log.Error("session ended with error",
				zap.String("session", sender.id.String()),
				zap.Error(err))
			return
		}
		s.log.Info("session finished", zap.String("session", sender.id.String()))
	}()

	return nil
}

// ActiveSessions returns the number of live transfer sessions.
func (s *Server) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

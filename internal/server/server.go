// Package server implements ServerCore: the TCP accept loop that spawns
// one internal/session.Connection per socket, plus an optional secondary
// WebSocket ingress for the same line protocol.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/gatekeeperd/gatekeeper/internal/logging"
	"github.com/gatekeeperd/gatekeeper/internal/recovery"
	"github.com/gatekeeperd/gatekeeper/internal/session"
)

// Server is the TCP control-channel listener: it binds Config.Address,
// accepts connections (rate-limited), and drives each one through
// internal/session until it closes. A fault in one handler never takes
// down the listener (spec §4.6, §7 InternalFault).
type Server struct {
	cfg      Config
	listener net.Listener

	wsListener *WebSocketListener

	limiter *rate.Limiter
	tracker *connTracker[net.Conn]

	running  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Server. Call Start to bind the listener.
func New(cfg Config) *Server {
	s := &Server{
		cfg:     cfg,
		tracker: newConnTracker[net.Conn](),
		stopCh:  make(chan struct{}),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return s
}

func (s *Server) logger() *slog.Logger {
	if s.cfg.Logger != nil {
		return s.cfg.Logger
	}
	return logging.NopLogger()
}

// panicRecorder is an optional capability of Config.Metrics: implementations
// that also want a count of recovered panics (e.g. *internal/metrics.Metrics)
// implement it, everything else is recovered silently to the log.
type panicRecorder interface {
	IncPanic(goroutine string)
}

// panicCallback returns the callback to pass to recovery.RecoverWithCallback
// for the named goroutine, incrementing the panic metric when Config.Metrics
// supports it, or nil otherwise.
func (s *Server) panicCallback(name string) func(interface{}) {
	rec, ok := s.cfg.Metrics.(panicRecorder)
	if !ok {
		return nil
	}
	return func(interface{}) { rec.IncPanic(name) }
}

// Start binds the listener and begins accepting connections. seed1 for
// every spawned Connection is the listener's own bound TCP port (spec
// §4.2: "seed1 = server's listening port").
func (s *Server) Start() error {
	if s.running.Load() {
		return fmt.Errorf("server: already running")
	}

	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}

	s.listener = listener
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	if s.cfg.WebSocket != nil {
		if err := s.StartWebSocket(*s.cfg.WebSocket); err != nil {
			s.cancel()
			listener.Close()
			s.running.Store(false)
			return fmt.Errorf("server: start websocket ingress: %w", err)
		}
	}

	return nil
}

// Stop closes the listener, cancels the context shared by in-flight
// handlers, closes every tracked connection, and waits for those handlers
// and the accept loop to return.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.running.Store(false)
		close(s.stopCh)
		if s.cancel != nil {
			s.cancel()
		}
		if s.listener != nil {
			err = s.listener.Close()
		}
		if s.wsListener != nil {
			s.wsListener.Stop()
		}
		s.tracker.closeAll()
	})
	s.wg.Wait()
	return err
}

// StopWithContext stops the server, returning ctx.Err() if ctx expires
// before shutdown completes.
func (s *Server) StopWithContext(ctx context.Context) error {
	done := make(chan error, 1)
	go func() { done <- s.Stop() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Address returns the bound listen address, or nil before Start.
func (s *Server) Address() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ConnectionCount returns the number of TCP connections currently served.
func (s *Server) ConnectionCount() int64 {
	return s.tracker.count()
}

// IsRunning reports whether the accept loop is active.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// WebSocketConnectionCount returns the number of WebSocket connections
// currently served, or 0 if the ingress is not running.
func (s *Server) WebSocketConnectionCount() int64 {
	if s.wsListener == nil {
		return 0
	}
	return s.wsListener.ConnectionCount()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	defer recovery.RecoverWithLog(s.logger(), "server.acceptLoop")

	seed1 := tcpPort(s.listener.Addr())

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger().Warn("accept error", logging.KeyError, err.Error())
				continue
			}
		}

		if s.limiter != nil && !s.limiter.Allow() {
			conn.Close()
			continue
		}

		s.tracker.add(conn)
		s.wg.Add(1)
		go s.handleConn(conn, seed1)
	}
}

func (s *Server) handleConn(conn net.Conn, seed1 int) {
	defer s.wg.Done()
	defer s.tracker.remove(conn)
	defer recovery.RecoverWithCallback(s.logger(), "server.handleConn", s.panicCallback("server.handleConn"))

	remote := conn.RemoteAddr().String()
	if s.cfg.Guard != nil && s.cfg.Guard.IsBlocked(remote) {
		conn.Close()
		return
	}

	c := session.NewConnection(conn, s.cfg.sessionConfig(seed1))
	c.Serve(s.ctx)
}

// tcpPort extracts the bound port from a listener address, falling back
// to 0 if the address is not a *net.TCPAddr (should not happen for a
// "tcp" listener).
func tcpPort(addr net.Addr) int {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

// DriverCallTimeout mirrors internal/session's per-call driver timeout,
// exposed so ServerCore's own startup probe (Resolve) uses the same
// bound.
const DriverCallTimeout = 10 * time.Second

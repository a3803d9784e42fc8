package server

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/gatekeeperd/gatekeeper/internal/logging"
	"github.com/gatekeeperd/gatekeeper/internal/recovery"
	"github.com/gatekeeperd/gatekeeper/internal/session"
)

// wsSubprotocol is the negotiated WebSocket subprotocol identifying a
// gatekeeper control-channel tunnel.
const wsSubprotocol = "gatekeeper/1"

// WebSocketConfig configures the secondary WebSocket ingress for the same
// line protocol ServerCore's TCP listener speaks (spec's ServerCore NEW
// section). This ingress is opt-in: Server only starts it when Config.
// WebSocket is non-nil.
type WebSocketConfig struct {
	// Address to listen on, e.g. "0.0.0.0:8443".
	Address string
	// Path for the WebSocket upgrade (default "/gatekeeper").
	Path string
	// ControlPort is used as the chained cipher's seed1 instead of the
	// ephemeral HTTP connection's port, so a client that only knows the
	// gatekeeper's nominal control port still derives matching salts.
	ControlPort int

	// TLSConfig terminates TLS at this listener. Nil requires PlainText.
	TLSConfig *tls.Config
	// PlainText allows running without TLS, e.g. behind a reverse proxy
	// that already terminates TLS.
	PlainText bool

	// BasicAuthUser/BasicAuthPassword, if both non-empty, gate the
	// WebSocket upgrade with HTTP Basic Auth ahead of the control
	// channel's own login.
	BasicAuthUser     string
	BasicAuthPassword string
}

// WebSocketListener accepts gatekeeper control-channel connections
// tunneled inside binary WebSocket messages and drives each one through
// the same internal/session.Connection state machine as the TCP listener.
type WebSocketListener struct {
	cfg    WebSocketConfig
	server *Server

	httpServer *http.Server
	addr       net.Addr

	tracker *connTracker[*wsConn]

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// StartWebSocket starts the secondary WebSocket ingress. It is normally
// invoked automatically by Start when Config.WebSocket is set, but callers
// may also start/stop it independently of the TCP listener.
func (s *Server) StartWebSocket(cfg WebSocketConfig) error {
	if s.wsListener != nil && s.wsListener.IsRunning() {
		return fmt.Errorf("server: websocket ingress already running")
	}
	if cfg.TLSConfig == nil && !cfg.PlainText {
		return fmt.Errorf("server: websocket ingress requires TLSConfig or PlainText")
	}
	if cfg.Path == "" {
		cfg.Path = "/gatekeeper"
	}

	l := &WebSocketListener{
		cfg:     cfg,
		server:  s,
		tracker: newConnTracker[*wsConn](),
		stopCh:  make(chan struct{}),
	}
	if err := l.start(); err != nil {
		return err
	}
	s.wsListener = l
	return nil
}

func (l *WebSocketListener) start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(l.cfg.Path, l.handleWebSocket)

	l.httpServer = &http.Server{
		Addr:      l.cfg.Address,
		Handler:   mux,
		TLSConfig: l.cfg.TLSConfig,
	}

	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return fmt.Errorf("server: websocket listen: %w", err)
	}
	l.addr = ln.Addr()
	l.running.Store(true)

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		defer recovery.RecoverWithLog(l.server.logger(), "server.websocketServe")

		var serveErr error
		if l.cfg.TLSConfig != nil {
			serveErr = l.httpServer.ServeTLS(ln, "", "")
		} else {
			serveErr = l.httpServer.Serve(ln)
		}
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			l.server.logger().Warn("websocket ingress stopped", logging.KeyError, serveErr.Error())
		}
	}()

	return nil
}

// Stop shuts down the HTTP server and closes every tracked connection.
func (l *WebSocketListener) Stop() error {
	if !l.running.Swap(false) {
		return nil
	}
	close(l.stopCh)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = l.httpServer.Shutdown(ctx)

	l.tracker.closeAll()
	l.wg.Wait()
	return nil
}

// Address returns the bound listen address.
func (l *WebSocketListener) Address() string {
	if l.addr != nil {
		return l.addr.String()
	}
	return l.cfg.Address
}

// ConnectionCount returns the number of active WebSocket connections.
func (l *WebSocketListener) ConnectionCount() int64 {
	return l.tracker.count()
}

// IsRunning reports whether the listener is accepting upgrades.
func (l *WebSocketListener) IsRunning() bool {
	return l.running.Load()
}

func (l *WebSocketListener) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if l.server.cfg.Guard != nil && l.server.cfg.Guard.IsBlocked(r.RemoteAddr) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	if l.cfg.BasicAuthUser != "" && l.cfg.BasicAuthPassword != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || !basicAuthEqual(user, l.cfg.BasicAuthUser) || !basicAuthEqual(pass, l.cfg.BasicAuthPassword) {
			w.Header().Set("WWW-Authenticate", `Basic realm="gatekeeper"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{wsSubprotocol},
	})
	if err != nil {
		return
	}
	if conn.Subprotocol() != wsSubprotocol {
		conn.Close(websocket.StatusProtocolError, "gatekeeper subprotocol required")
		return
	}

	wc := newWsConn(conn, r.RemoteAddr)

	l.tracker.add(wc)
	l.wg.Add(1)

	// The handler must run in this goroutine, not a spawned one: returning
	// from the HTTP handler tears down the WebSocket connection.
	defer l.wg.Done()
	defer l.tracker.remove(wc)
	defer wc.Close()
	defer recovery.RecoverWithCallback(l.server.logger(), "server.wsHandleConn", l.server.panicCallback("server.wsHandleConn"))

	seed1 := l.cfg.ControlPort
	c := session.NewConnection(wc, l.server.cfg.sessionConfig(seed1))
	c.Serve(l.server.ctx)
}

func basicAuthEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// wsAddr is a minimal net.Addr over the HTTP request's RemoteAddr string,
// since nhooyr.io/websocket does not expose the underlying TCP address.
type wsAddr string

func (a wsAddr) Network() string { return "websocket" }
func (a wsAddr) String() string  { return string(a) }

// wsConn adapts a *websocket.Conn to net.Conn so the same
// internal/session.Connection handler drives both TCP and WebSocket
// ingresses (spec's ServerCore NEW section).
type wsConn struct {
	conn       *websocket.Conn
	remoteAddr wsAddr

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu             sync.RWMutex
	deadlineCtx    context.Context
	deadlineCancel context.CancelFunc

	readMu sync.Mutex
	reader io.Reader
}

func newWsConn(conn *websocket.Conn, remoteAddr string) *wsConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsConn{
		conn:       conn,
		remoteAddr: wsAddr(remoteAddr),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
}

func (c *wsConn) getContext() context.Context {
	c.mu.RLock()
	ctx := c.deadlineCtx
	c.mu.RUnlock()
	if ctx != nil {
		return ctx
	}
	return c.baseCtx
}

func (c *wsConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if c.reader != nil {
		n, err := c.reader.Read(b)
		if err == io.EOF {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
		} else {
			return n, err
		}
	}

	ctx := c.getContext()
	msgType, reader, err := c.conn.Reader(ctx)
	if err != nil {
		return 0, c.translateError(err)
	}
	if msgType != websocket.MessageBinary {
		return 0, fmt.Errorf("server: unexpected websocket message type: %v", msgType)
	}

	n, err := reader.Read(b)
	if err == io.EOF {
		return n, nil
	}
	if err != nil {
		return n, err
	}
	c.reader = reader
	return n, nil
}

func (c *wsConn) Write(b []byte) (int, error) {
	ctx := c.getContext()
	if err := c.conn.Write(ctx, websocket.MessageBinary, b); err != nil {
		return 0, c.translateError(err)
	}
	return len(b), nil
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.deadlineCancel != nil {
		c.deadlineCancel()
	}
	c.mu.Unlock()
	c.baseCancel()
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

func (c *wsConn) LocalAddr() net.Addr  { return nil }
func (c *wsConn) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *wsConn) SetDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deadlineCancel != nil {
		c.deadlineCancel()
		c.deadlineCancel = nil
		c.deadlineCtx = nil
	}
	if !t.IsZero() {
		c.deadlineCtx, c.deadlineCancel = context.WithDeadline(c.baseCtx, t)
	}
	return nil
}

func (c *wsConn) SetReadDeadline(t time.Time) error  { return c.SetDeadline(t) }
func (c *wsConn) SetWriteDeadline(t time.Time) error { return c.SetDeadline(t) }

// wsTimeoutError implements net.Error for deadline-triggered WebSocket
// context cancellations.
type wsTimeoutError struct{ err error }

func (e *wsTimeoutError) Error() string   { return e.err.Error() }
func (e *wsTimeoutError) Timeout() bool   { return true }
func (e *wsTimeoutError) Temporary() bool { return true }

func (c *wsConn) translateError(err error) error {
	if websocket.CloseStatus(err) != -1 {
		return io.EOF
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &wsTimeoutError{err: err}
	}
	return err
}

// Package session implements the per-connection control-channel state
// machine: Connected -> KeyExchanged -> LoggedIn -> Closed, tying
// together internal/crypto, internal/wire, internal/abuse and
// internal/driver the way spec'd gatekeeper core behaves.
package session

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/gatekeeperd/gatekeeper/internal/abuse"
	"github.com/gatekeeperd/gatekeeper/internal/crypto"
	"github.com/gatekeeperd/gatekeeper/internal/driver"
	"github.com/gatekeeperd/gatekeeper/internal/logging"
	"github.com/gatekeeperd/gatekeeper/internal/recovery"
	"github.com/gatekeeperd/gatekeeper/internal/wire"
)

// State is one point in the connection's finite state machine.
type State int32

const (
	StateConnected State = iota
	StateKeyExchanged
	StateLoggedIn
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateKeyExchanged:
		return "key_exchanged"
	case StateLoggedIn:
		return "logged_in"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// watchdogTimeout is how long a connection may remain non-LoggedIn
// before it is closed (spec §4.4).
const watchdogTimeout = 30 * time.Second

// loginPadding is the fixed delay applied before evaluating every login
// attempt (spec §4.4 step 1; §9 flags this as mitigation, not a true
// constant-time defense).
const loginPadding = 300 * time.Millisecond

// Metrics receives per-connection observations for export (see
// internal/metrics). A nil Metrics is valid; every method call is
// nil-checked by the Connection before use.
type Metrics interface {
	IncConnection()
	DecConnection()
	IncLogin(success bool)
	IncCommand(cmd string)
	ObserveDriverDuration(method string, d time.Duration)
}

// Config bundles everything a Connection needs that is shared across a
// listener's lifetime, i.e. everything that is not per-socket state.
type Config struct {
	Secure          bool
	Seed1           int
	AccessKey       []byte
	AccessKeyHash   []byte
	LoginErrorLimit int
	Driver          driver.Driver
	AllowedPorts    map[int]struct{}
	AllowAllPorts   bool
	Sudo            bool
	Guard           *abuse.Guard
	Metrics         Metrics
	Logger          *slog.Logger
	Version         string
}

// Connection is one accepted socket driven through the control-channel
// state machine. It is not safe for concurrent use: a single goroutine
// must call Serve, and state is only otherwise touched by the watchdog
// goroutine Serve spawns internally.
type Connection struct {
	cfg        Config
	conn       net.Conn
	remoteAddr string
	buf        wire.Buffer

	state atomic.Int32

	seed2        int64
	staticCipher *crypto.StaticCipher
	chain        *crypto.ChainedCipher

	loginAttempts int

	ctx  context.Context
	done chan struct{}
}

// NewConnection constructs a Connection around an accepted socket. cfg
// should normally be shared (by pointer semantics of its reference
// fields) across every connection a ServerCore spawns.
func NewConnection(conn net.Conn, cfg Config) *Connection {
	c := &Connection{
		cfg:        cfg,
		conn:       conn,
		remoteAddr: conn.RemoteAddr().String(),
		seed2:      crypto.UTCMidnightMillis(time.Now()),
		done:       make(chan struct{}),
	}
	if cfg.Secure {
		c.staticCipher = crypto.NewStaticCipher(cfg.AccessKey)
		c.chain = crypto.NewChainedCipher(cfg.Seed1, c.seed2)
	}
	return c
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

// State returns the connection's current state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) logger() *slog.Logger {
	if c.cfg.Logger != nil {
		return c.cfg.Logger
	}
	return logging.NopLogger()
}

// Serve drives the connection to completion: reads frames, dispatches
// them through the state machine, writes responses, and returns once the
// connection is closed for any reason. It never panics out to the
// caller; an internal fault is recovered, logged, and treated as a
// closed connection (spec §7 InternalFault).
func (c *Connection) Serve(ctx context.Context) {
	defer recovery.RecoverWithLog(c.logger(), "session.Connection.Serve")
	defer c.cleanup()

	c.ctx = ctx
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.IncConnection()
	}

	go c.watchdog()

	readBuf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(readBuf)
		if n > 0 {
			if werr := c.buf.Write(readBuf[:n]); werr != nil {
				c.closeOnSocketError("accumulation buffer overflow")
				return
			}
			for {
				cmd, args, ok, perr := c.buf.Next()
				if perr != nil {
					c.closeOnSocketError("protocol error")
					return
				}
				if !ok {
					break
				}
				if !c.handleRecord(cmd, args) {
					return
				}
			}
		}
		if err != nil {
			if c.State() != StateClosed {
				c.closeOnSocketError("transport error")
			}
			return
		}
		if c.State() == StateClosed {
			return
		}
	}
}

func (c *Connection) cleanup() {
	c.setState(StateClosed)
	close(c.done)
	_ = c.conn.Close()
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.DecConnection()
	}
}

// closeOnSocketError records a socket-level offence (spec §7 kinds 1, 3,
// 5) and transitions to Closed. It never writes a reply: malformed
// input, timeouts and transport failures all close without a response.
func (c *Connection) closeOnSocketError(reason string) {
	if c.cfg.Guard != nil {
		c.cfg.Guard.RecordSocketError(c.remoteAddr)
	}
	c.logger().Warn("closing connection", logging.KeyRemoteAddr, c.remoteAddr, logging.KeyError, reason)
	c.setState(StateClosed)
}

func (c *Connection) watchdog() {
	timer := time.NewTimer(watchdogTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		if c.State() != StateLoggedIn {
			c.closeOnSocketError("login watchdog expired")
			_ = c.conn.Close()
		}
	case <-c.done:
	}
}

// handleRecord dispatches one framed CMD/ARGS record through the state
// machine. It returns false once the connection should stop reading
// (closed, or about to close after writing a final reply).
func (c *Connection) handleRecord(cmd, args string) bool {
	if c.cfg.Secure {
		return c.handleSecureRecord(cmd, args)
	}
	return c.handlePlainRecord(cmd, args)
}

func (c *Connection) handlePlainRecord(cmd, args string) bool {
	switch c.State() {
	case StateConnected, StateKeyExchanged:
		if cmd != wire.CmdLogin {
			c.closeOnSocketError("non-login command before login")
			return false
		}
		return c.handleLogin(args)
	case StateLoggedIn:
		return c.handleOperational(cmd, args)
	default:
		return false
	}
}

func (c *Connection) handleSecureRecord(cmd, args string) bool {
	if !wire.IsEnvelope(cmd) {
		c.closeOnSocketError("unframed line in secure mode")
		return false
	}

	if c.State() == StateConnected && !c.chain.HasSessionKey() {
		return c.handleKeyExchange(args)
	}

	plaintext, err := c.chain.Decrypt(args)
	if err != nil {
		c.closeOnSocketError("envelope decrypt failure")
		return false
	}
	inner, innerArgs := splitCommandLine(plaintext)

	switch c.State() {
	case StateKeyExchanged:
		if inner != wire.CmdLogin {
			c.closeOnSocketError("non-login command before login")
			return false
		}
		return c.handleLogin(innerArgs)
	case StateLoggedIn:
		return c.handleOperational(inner, innerArgs)
	default:
		return false
	}
}

// splitCommandLine splits a decrypted "CMD ARGS" plaintext the way the
// wire grammar does, without re-running the full framing parser (the
// plaintext never carries its own trailing LF).
func splitCommandLine(line string) (cmd, args string) {
	for i := 0; i < len(line); i++ {
		if line[i] == ' ' {
			return line[:i], line[i+1:]
		}
	}
	return line, ""
}

// send writes a free-form response line, encrypting and enveloping it
// first if the connection is in secure mode and a session key has been
// installed.
func (c *Connection) send(line string) error {
	if c.cfg.Secure && c.chain.HasSessionKey() {
		enc, err := c.chain.Encrypt(line)
		if err != nil {
			return err
		}
		rec, err := wire.EncodeEnvelope(enc)
		if err != nil {
			return err
		}
		_, err = c.conn.Write(rec)
		return err
	}
	rec, err := wire.EncodeLine(line)
	if err != nil {
		return err
	}
	_, err = c.conn.Write(rec)
	return err
}

// Package client implements ClientCore: the operator/automation side of
// the gatekeeper control channel. It mirrors internal/session's framing,
// key-exchange and login flow, gated so only one request is ever
// in flight at a time (spec §4.7).
package client

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gatekeeperd/gatekeeper/internal/crypto"
	"github.com/gatekeeperd/gatekeeper/internal/wire"
)

// DefaultReplyTimeout is used when Config.ReplyTimeout is zero (spec
// §4.7: "every reply is awaited with a 30s timeout").
const DefaultReplyTimeout = 30 * time.Second

// ErrNoResponse is returned when a request's reply does not arrive
// within the reply timeout. The pending-reply slot is released so the
// next call may proceed (spec §4.7).
var ErrNoResponse = errors.New("client: no response")

// ErrClosed is returned by any call made after the client has
// disconnected.
var ErrClosed = errors.New("client: connection closed")

// Config configures a Client's wire behavior. AccessKey is required.
type Config struct {
	Secure       bool
	AccessKey    []byte
	ReplyTimeout time.Duration
}

// State mirrors internal/session's connection state machine from the
// client's point of view.
type State int32

const (
	StateConnected State = iota
	StateKeyExchanged
	StateLoggedIn
	StateClosed
)

// Client is a single connection to a gatekeeper control channel.
// Exported methods serialize against each other: only one request is
// ever outstanding on the wire at a time (spec §4.7).
type Client struct {
	conn net.Conn
	buf  wire.Buffer

	cfg   Config
	seed2 int64

	staticCipher *crypto.StaticCipher
	chain        *crypto.ChainedCipher

	mu    sync.Mutex
	state State
}

// Connect dials address, derives seed1 from the remote TCP port it
// connects to (spec §4.2: "the client uses the remote port of its socket
// to the server"), and returns an unauthenticated Client. Callers in
// secure mode must call Exchange before Login; ClientCore's normal
// sequence is Connect, then (if secure) Exchange, then Login.
func Connect(ctx context.Context, address string, cfg Config) (*Client, error) {
	if len(cfg.AccessKey) == 0 {
		return nil, fmt.Errorf("client: access key is required")
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = DefaultReplyTimeout
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("client: dial: %w", err)
	}

	seed1 := 0
	if tcp, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		seed1 = tcp.Port
	}

	c := &Client{
		conn:  conn,
		cfg:   cfg,
		seed2: crypto.UTCMidnightMillis(time.Now()),
		state: StateConnected,
	}
	if cfg.Secure {
		c.staticCipher = crypto.NewStaticCipher(cfg.AccessKey)
		c.chain = crypto.NewChainedCipher(seed1, c.seed2)
	}
	return c, nil
}

// State returns the client's current state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Close closes the underlying connection without sending "disconnect".
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateClosed
	return c.conn.Close()
}

// Exchange performs the key-exchange handshake (spec §4.4's
// server-side handler, mirrored here): generate an ExchangeKey, wrap it
// under the static cipher, send it as a secure envelope, and unwrap the
// server's double-wrapped SessionKey from the reply.
func (c *Client) Exchange(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.cfg.Secure {
		return fmt.Errorf("client: Exchange called on a non-secure client")
	}
	if c.state != StateConnected {
		return fmt.Errorf("client: Exchange called out of order (state=%d)", c.state)
	}

	exchangeKey, err := crypto.RandomAESKey(0)
	if err != nil {
		return fmt.Errorf("client: generate exchange key: %w", err)
	}

	wrapped, err := c.staticCipher.WrapBytes(exchangeKey)
	if err != nil {
		return fmt.Errorf("client: wrap exchange key: %w", err)
	}
	payload, err := wire.OctetsToText(wrapped)
	if err != nil {
		return fmt.Errorf("client: encode exchange key: %w", err)
	}
	record, err := wire.EncodeEnvelope(payload)
	if err != nil {
		return fmt.Errorf("client: frame exchange key: %w", err)
	}

	if err := c.setDeadline(ctx); err != nil {
		return err
	}
	if _, err := c.conn.Write(record); err != nil {
		return fmt.Errorf("client: write exchange key: %w", err)
	}

	cmd, args, err := c.readRecord()
	if err != nil {
		return err
	}
	if !wire.IsEnvelope(cmd) {
		return fmt.Errorf("client: key exchange reply was not a secure envelope")
	}

	outerWrap, err := wire.TextToOctets(args)
	if err != nil {
		return fmt.Errorf("client: decode key exchange reply: %w", err)
	}
	innerWrap, err := crypto.DecryptBytes(exchangeKey, crypto.IVA, outerWrap)
	if err != nil {
		return fmt.Errorf("client: unwrap key exchange reply: %w", err)
	}
	sessionKey, err := c.staticCipher.UnwrapSessionKey(innerWrap, c.seed2)
	if err != nil {
		return fmt.Errorf("client: unwrap session key: %w", err)
	}

	c.chain.SetSessionKey(sessionKey)
	c.state = StateKeyExchanged
	return nil
}

// Login sends the login digest and reports whether it was accepted and,
// on success, the server's reported version string.
func (c *Client) Login(ctx context.Context) (ok bool, version string, err error) {
	var sessionKey []byte
	if c.cfg.Secure {
		c.mu.Lock()
		if c.chain != nil {
			sessionKey = c.chain.SessionKey()
		}
		c.mu.Unlock()
	}
	digest := crypto.HashAccessKey(c.cfg.AccessKey, sessionKey)
	args := base64.StdEncoding.EncodeToString(digest)

	reply, err := c.roundTrip(ctx, wire.CmdLogin, args)
	if err != nil {
		return false, "", err
	}

	if reply == "login: false" {
		return false, "", nil
	}
	if reply == "login: true" {
		c.mu.Lock()
		c.state = StateLoggedIn
		c.mu.Unlock()
		return true, "", nil
	}
	if rest, found := strings.CutPrefix(reply, "login: true "); found {
		c.mu.Lock()
		c.state = StateLoggedIn
		c.mu.Unlock()
		return true, rest, nil
	}
	return false, "", fmt.Errorf("client: unrecognized login reply %q", reply)
}

// ListBlockedTCPPorts requests "list ports" and parses the reply's
// decimal runs (spec §4.7).
func (c *Client) ListBlockedTCPPorts(ctx context.Context) ([]int, error) {
	reply, err := c.roundTrip(ctx, wire.CmdList, wire.ListPorts)
	if err != nil {
		return nil, err
	}
	body, _ := strings.CutPrefix(reply, "blocked:")
	return wire.ParseBlockedPorts(body), nil
}

// ListAcceptedAddressesOnTCPPorts requests "list accepts" and parses the
// ";"-separated addr:port reply.
func (c *Client) ListAcceptedAddressesOnTCPPorts(ctx context.Context) ([]wire.AcceptEntry, error) {
	reply, err := c.roundTrip(ctx, wire.CmdList, wire.ListAccepts)
	if err != nil {
		return nil, err
	}
	return wire.ParseAccepts(reply), nil
}

// BlockTCPPort requests "block <port>".
func (c *Client) BlockTCPPort(ctx context.Context, port int) (bool, error) {
	return c.boolPortCommand(ctx, wire.CmdBlock, port)
}

// UnblockTCPPort requests "unblock <port>".
func (c *Client) UnblockTCPPort(ctx context.Context, port int) (bool, error) {
	return c.boolPortCommand(ctx, wire.CmdUnblock, port)
}

func (c *Client) boolPortCommand(ctx context.Context, cmd string, port int) (bool, error) {
	reply, err := c.roundTrip(ctx, cmd, strconv.Itoa(port))
	if err != nil {
		return false, err
	}
	return reply == cmd+": true", nil
}

// AcceptAddressOnTCPPort requests "accept <addr> <port>". addr == "."
// asks the server to substitute this connection's own remote address.
func (c *Client) AcceptAddressOnTCPPort(ctx context.Context, addr string, port int) (bool, error) {
	reply, err := c.roundTrip(ctx, wire.CmdAccept, fmt.Sprintf("%s %d", addr, port))
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(reply, "accepted: true"), nil
}

// UnacceptAddressOnTCPPort requests "unaccept <addr> [<port>]". port nil
// removes every exception for addr.
func (c *Client) UnacceptAddressOnTCPPort(ctx context.Context, addr string, port *int) (bool, error) {
	args := addr
	if port != nil {
		args = fmt.Sprintf("%s %d", addr, *port)
	}
	reply, err := c.roundTrip(ctx, wire.CmdUnaccept, args)
	if err != nil {
		return false, err
	}
	return strings.HasPrefix(reply, "unaccepted: true"), nil
}

// Disconnect asks the server to close the socket, then closes the local
// side once it confirms.
func (c *Client) Disconnect(ctx context.Context) error {
	reply, err := c.roundTrip(ctx, wire.CmdDisconnect, "now")
	if err != nil {
		c.Close()
		return err
	}
	c.Close()
	if reply != wire.FormatDisconnect() {
		return fmt.Errorf("client: unexpected disconnect reply %q", reply)
	}
	return nil
}

// roundTrip gates the connection to a single outstanding request (spec
// §4.7), sends cmd/args, and returns the decoded reply line.
func (c *Client) roundTrip(ctx context.Context, cmd, args string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateClosed {
		return "", ErrClosed
	}

	var record []byte
	var err error
	if c.cfg.Secure && c.chain != nil && c.chain.HasSessionKey() {
		enc, eerr := c.chain.Encrypt(cmd + " " + args)
		if eerr != nil {
			return "", fmt.Errorf("client: encrypt request: %w", eerr)
		}
		record, err = wire.EncodeEnvelope(enc)
	} else {
		record, err = wire.EncodeRecord(cmd, args)
	}
	if err != nil {
		return "", fmt.Errorf("client: frame request: %w", err)
	}

	if err := c.setDeadline(ctx); err != nil {
		return "", err
	}
	if _, err := c.conn.Write(record); err != nil {
		return "", fmt.Errorf("client: write request: %w", err)
	}

	respCmd, respArgs, err := c.readRecord()
	if err != nil {
		return "", err
	}

	if c.cfg.Secure && c.chain != nil && c.chain.HasSessionKey() {
		if !wire.IsEnvelope(respCmd) {
			return "", fmt.Errorf("client: unframed reply in secure mode")
		}
		plaintext, derr := c.chain.Decrypt(respArgs)
		if derr != nil {
			return "", fmt.Errorf("client: decrypt reply: %w", derr)
		}
		return plaintext, nil
	}
	if respArgs == "" {
		return respCmd, nil
	}
	return respCmd + " " + respArgs, nil
}

// readRecord reads off the connection until one framed record has been
// parsed, translating a deadline expiry into ErrNoResponse.
func (c *Client) readRecord() (cmd, args string, err error) {
	chunk := make([]byte, 4096)
	for {
		cmd, args, ok, perr := c.buf.Next()
		if perr != nil {
			c.state = StateClosed
			c.conn.Close()
			return "", "", fmt.Errorf("client: protocol error: %w", perr)
		}
		if ok {
			return cmd, args, nil
		}

		n, rerr := c.conn.Read(chunk)
		if n > 0 {
			if werr := c.buf.Write(chunk[:n]); werr != nil {
				c.state = StateClosed
				c.conn.Close()
				return "", "", fmt.Errorf("client: %w", werr)
			}
		}
		if rerr != nil {
			if ne, ok := rerr.(net.Error); ok && ne.Timeout() {
				return "", "", ErrNoResponse
			}
			c.state = StateClosed
			return "", "", fmt.Errorf("client: read: %w", rerr)
		}
	}
}

// setDeadline bounds the upcoming write/reply round trip by the reply
// timeout, or by ctx's own deadline if that arrives sooner.
func (c *Client) setDeadline(ctx context.Context) error {
	deadline := time.Now().Add(c.cfg.ReplyTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("client: set deadline: %w", err)
	}
	return nil
}

package session

import (
	"crypto/subtle"
	"encoding/base64"
	"time"

	"github.com/gatekeeperd/gatekeeper/internal/abuse"
	"github.com/gatekeeperd/gatekeeper/internal/crypto"
	"github.com/gatekeeperd/gatekeeper/internal/wire"
)

// handleLogin runs the login flow (spec §4.4): fixed padding delay,
// attempt counting, base64-decoded digest, constant-time comparison
// against the expected access-key hash (folded with the session key once
// key exchange has completed).
func (c *Connection) handleLogin(args string) bool {
	time.Sleep(loginPadding)
	c.loginAttempts++

	candidate, decodeErr := base64.StdEncoding.DecodeString(args)

	var expected []byte
	if c.cfg.Secure && c.chain.HasSessionKey() {
		expected = crypto.HashAccessKey(c.cfg.AccessKey, c.chain.SessionKey())
	} else {
		expected = c.cfg.AccessKeyHash
	}

	ok := decodeErr == nil &&
		len(candidate) == len(expected) &&
		subtle.ConstantTimeCompare(candidate, expected) == 1

	if ok {
		if c.cfg.Guard != nil {
			c.cfg.Guard.Reset(c.remoteAddr)
		}
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.IncLogin(true)
		}
		c.setState(StateLoggedIn)
		return c.sendOK(wire.FormatLogin(true, c.cfg.Version))
	}

	if c.cfg.Metrics != nil {
		c.cfg.Metrics.IncLogin(false)
	}
	if !c.sendOK(wire.FormatLogin(false, "")) {
		return false
	}

	limit := abuse.NormalizeLoginErrorLimit(c.cfg.LoginErrorLimit)
	if c.loginAttempts >= limit {
		if c.cfg.Guard != nil {
			c.cfg.Guard.RecordLoginError(c.remoteAddr)
		}
		c.setState(StateClosed)
		return false
	}
	return true
}

// sendOK writes line and reports whether the connection should keep
// reading: a write failure is a transport failure, closing without
// further reply.
func (c *Connection) sendOK(line string) bool {
	if err := c.send(line); err != nil {
		c.closeOnSocketError("write failure")
		return false
	}
	return true
}

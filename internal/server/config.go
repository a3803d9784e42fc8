package server

import (
	"log/slog"

	"github.com/gatekeeperd/gatekeeper/internal/abuse"
	"github.com/gatekeeperd/gatekeeper/internal/driver"
	"github.com/gatekeeperd/gatekeeper/internal/session"
)

// Config bundles everything ServerCore needs to bind a listener and spawn
// per-connection handlers: the session policy shared by every connection,
// plus ServerCore's own accept-loop and ingress settings.
type Config struct {
	// Address is the primary TCP listen address, e.g. "0.0.0.0:7443".
	Address string

	Driver          driver.Driver
	AccessKey       []byte
	AccessKeyHash   []byte
	Secure          bool
	LoginErrorLimit int
	AllowedPorts    map[int]struct{}
	AllowAllPorts   bool
	Sudo            bool
	Version         string

	Guard   *abuse.Guard
	Metrics session.Metrics
	Logger  *slog.Logger

	// RatePerSecond/RateBurst configure the accept loop's token bucket.
	// RatePerSecond <= 0 disables limiting.
	RatePerSecond float64
	RateBurst     int

	// WebSocket, if non-nil, starts a secondary ingress speaking the same
	// protocol inside binary WebSocket messages.
	WebSocket *WebSocketConfig
}

// sessionConfig builds the per-connection session.Config every accepted
// socket shares, regardless of which listener (TCP or WebSocket) produced
// it. seed1 is the only field that varies by ingress.
func (c Config) sessionConfig(seed1 int) session.Config {
	return session.Config{
		Secure:          c.Secure,
		Seed1:           seed1,
		AccessKey:       c.AccessKey,
		AccessKeyHash:   c.AccessKeyHash,
		LoginErrorLimit: c.LoginErrorLimit,
		Driver:          c.Driver,
		AllowedPorts:    c.AllowedPorts,
		AllowAllPorts:   c.AllowAllPorts,
		Sudo:            c.Sudo,
		Guard:           c.Guard,
		Metrics:         c.Metrics,
		Logger:          c.Logger,
		Version:         c.Version,
	}
}

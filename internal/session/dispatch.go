package session

import (
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gatekeeperd/gatekeeper/internal/driver"
	"github.com/gatekeeperd/gatekeeper/internal/logging"
	"github.com/gatekeeperd/gatekeeper/internal/wire"
)

// driverCallTimeout bounds a single driver invocation so a slow driver
// cannot starve the connection's watchdog or other connections sharing
// the same process (spec §5).
const driverCallTimeout = 10 * time.Second

// handleOperational dispatches one LoggedIn-state command to the driver
// and writes its response (spec §4.4's operational command table).
func (c *Connection) handleOperational(cmd, args string) bool {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.IncCommand(cmd)
	}

	switch cmd {
	case wire.CmdList:
		return c.handleList(args)
	case wire.CmdBlock:
		return c.handlePortCommand(args, true)
	case wire.CmdUnblock:
		return c.handlePortCommand(args, false)
	case wire.CmdAccept:
		return c.handleAccept(args)
	case wire.CmdUnaccept:
		return c.handleUnaccept(args)
	case wire.CmdDisconnect:
		c.sendOK(wire.FormatDisconnect())
		c.setState(StateClosed)
		return false
	default:
		c.closeOnSocketError("unknown command")
		return false
	}
}

func (c *Connection) driverContext() (context.Context, context.CancelFunc) {
	parent := c.ctx
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, driverCallTimeout)
}

func (c *Connection) observeDriverDuration(method string, start time.Time) {
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.ObserveDriverDuration(method, time.Since(start))
	}
}

func (c *Connection) handleList(args string) bool {
	ctx, cancel := c.driverContext()
	defer cancel()

	switch args {
	case wire.ListPorts:
		start := time.Now()
		ports, err := c.cfg.Driver.ListBlockedTCPPorts(ctx, c.cfg.Sudo, c.cfg.AllowedPorts)
		c.observeDriverDuration("ListBlockedTCPPorts", start)
		if err != nil {
			c.logger().Warn("driver list failure", logging.KeyError, err.Error())
			return c.sendOK(wire.FormatBlockedPorts(nil))
		}
		sorted := make([]int, 0, len(ports))
		for p := range ports {
			sorted = append(sorted, p)
		}
		sort.Ints(sorted)
		return c.sendOK(wire.FormatBlockedPorts(sorted))
	case wire.ListAccepts:
		start := time.Now()
		accepts, err := c.cfg.Driver.ListAcceptedAddressesOnTCPPorts(ctx, c.cfg.Sudo, c.cfg.AllowedPorts)
		c.observeDriverDuration("ListAcceptedAddressesOnTCPPorts", start)
		if err != nil {
			c.logger().Warn("driver list failure", logging.KeyError, err.Error())
			return c.sendOK(wire.FormatAccepts(nil))
		}
		entries := make([]wire.AcceptEntry, 0, len(accepts))
		for ap := range accepts {
			entries = append(entries, wire.AcceptEntry{Address: ap.Address, Port: ap.Port})
		}
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].Address != entries[j].Address {
				return entries[i].Address < entries[j].Address
			}
			return entries[i].Port < entries[j].Port
		})
		return c.sendOK(wire.FormatAccepts(entries))
	default:
		c.closeOnSocketError("malformed list argument")
		return false
	}
}

func (c *Connection) handlePortCommand(args string, block bool) bool {
	port, err := strconv.Atoi(strings.TrimSpace(args))
	if err != nil || port < driver.MinPort {
		c.closeOnSocketError("illegal port")
		return false
	}

	ctx, cancel := c.driverContext()
	defer cancel()

	start := time.Now()
	var ok bool
	var label string
	if block {
		label = wire.CmdBlock
		ok, err = c.cfg.Driver.BlockTCPPort(ctx, port, c.cfg.Sudo, c.cfg.AllowedPorts, c.cfg.AllowAllPorts)
		c.observeDriverDuration("BlockTCPPort", start)
	} else {
		label = wire.CmdUnblock
		ok, err = c.cfg.Driver.UnblockTCPPort(ctx, port, c.cfg.Sudo, c.cfg.AllowedPorts, c.cfg.AllowAllPorts)
		c.observeDriverDuration("UnblockTCPPort", start)
	}
	if err != nil {
		c.logger().Warn("driver call failure", logging.KeyError, err.Error())
		ok = false
	}
	return c.sendOK(wire.FormatBoolResult(label, ok))
}

func (c *Connection) handleAccept(args string) bool {
	fields := strings.Fields(args)
	if len(fields) != 2 {
		c.closeOnSocketError("malformed accept arguments")
		return false
	}
	addr := c.resolveAddr(fields[0])
	port, err := strconv.Atoi(fields[1])
	if err != nil || port < driver.MinPort {
		c.closeOnSocketError("illegal port")
		return false
	}

	ctx, cancel := c.driverContext()
	defer cancel()
	start := time.Now()
	ok, err := c.cfg.Driver.AcceptAddressOnTCPPort(ctx, addr, port, c.cfg.Sudo, c.cfg.AllowedPorts, c.cfg.AllowAllPorts)
	c.observeDriverDuration("AcceptAddressOnTCPPort", start)
	if err != nil {
		c.logger().Warn("driver call failure", logging.KeyError, err.Error())
		ok = false
	}
	return c.sendOK(wire.FormatAccepted(ok, addr, port))
}

func (c *Connection) handleUnaccept(args string) bool {
	fields := strings.Fields(args)
	if len(fields) < 1 || len(fields) > 2 {
		c.closeOnSocketError("malformed unaccept arguments")
		return false
	}
	addr := c.resolveAddr(fields[0])

	var portPtr *int
	if len(fields) == 2 {
		port, err := strconv.Atoi(fields[1])
		if err != nil || port < driver.MinPort {
			c.closeOnSocketError("illegal port")
			return false
		}
		portPtr = &port
	}

	ctx, cancel := c.driverContext()
	defer cancel()
	start := time.Now()
	ok, err := c.cfg.Driver.UnacceptAddressOnTCPPort(ctx, addr, portPtr, c.cfg.Sudo, c.cfg.AllowedPorts, c.cfg.AllowAllPorts)
	c.observeDriverDuration("UnacceptAddressOnTCPPort", start)
	if err != nil {
		c.logger().Warn("driver call failure", logging.KeyError, err.Error())
		ok = false
	}
	return c.sendOK(wire.FormatUnaccepted(ok, addr, portPtr))
}

// resolveAddr substitutes "." with the connection's remote host (spec
// §4.4), stripping the port net.Addr.String() appends.
func (c *Connection) resolveAddr(addr string) string {
	if addr != "." {
		return addr
	}
	host, _, err := net.SplitHostPort(c.remoteAddr)
	if err != nil {
		return c.remoteAddr
	}
	return host
}

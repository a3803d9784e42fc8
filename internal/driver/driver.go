// Package driver defines the abstract firewall-rule-engine contract the
// gatekeeper core depends on (spec §6), and ships three implementations:
// an in-memory Mock for tests, a CLI-exec driver that shells out to a
// packet-filter tool, and a Spy that records calls for integration-test
// assertions. The core never reaches past the Driver interface.
package driver

import (
	"context"
	"errors"
)

// MinPort is the lowest port number the core (and every Driver
// implementation) accepts for block/unblock/accept/unaccept operations
// (spec §3 invariant 6).
const MinPort = 10

// ErrInvalidPort is raised for any port argument below MinPort.
var ErrInvalidPort = errors.New("driver: invalid port: must be >= 10")

// AddressPort is one (address, port) accept exception.
type AddressPort struct {
	Address string
	Port    int
}

// Driver is the abstract packet-filter rule engine the gatekeeper core
// manipulates. Implementations serialize their own internal state; the
// core never assumes a Driver call is safe to run concurrently with
// another call on the same Driver unless the implementation documents it.
type Driver interface {
	// Resolve checks that the underlying rule engine is reachable and
	// usable (e.g. the CLI tool exists and the process has permission to
	// invoke it). Called once at server start.
	Resolve(ctx context.Context) (bool, error)

	// ListBlockedTCPPorts returns the set of currently blocked ports. If
	// allowedPorts is non-nil, the result is restricted to ports in that
	// set.
	ListBlockedTCPPorts(ctx context.Context, sudo bool, allowedPorts map[int]struct{}) (map[int]struct{}, error)

	// ListAcceptedAddressesOnTCPPorts returns the set of (address, port)
	// accept exceptions. If allowedPorts is non-nil, the result is
	// restricted to entries whose port is in that set.
	ListAcceptedAddressesOnTCPPorts(ctx context.Context, sudo bool, allowedPorts map[int]struct{}) (map[AddressPort]struct{}, error)

	// BlockTCPPort adds a drop rule for port. Returns false without side
	// effects if allowAllPorts is false and port is not in allowedPorts.
	// Returns ErrInvalidPort if port < MinPort.
	BlockTCPPort(ctx context.Context, port int, sudo bool, allowedPorts map[int]struct{}, allowAllPorts bool) (bool, error)

	// UnblockTCPPort removes a drop rule for port. Same policy gate as
	// BlockTCPPort.
	UnblockTCPPort(ctx context.Context, port int, sudo bool, allowedPorts map[int]struct{}, allowAllPorts bool) (bool, error)

	// AcceptAddressOnTCPPort adds an accept exception for (addr, port).
	// Same policy gate as BlockTCPPort.
	AcceptAddressOnTCPPort(ctx context.Context, addr string, port int, sudo bool, allowedPorts map[int]struct{}, allowAllPorts bool) (bool, error)

	// UnacceptAddressOnTCPPort removes the accept exception for (addr,
	// port). If port is nil, every exception for addr is removed
	// regardless of port.
	UnacceptAddressOnTCPPort(ctx context.Context, addr string, port *int, sudo bool, allowedPorts map[int]struct{}, allowAllPorts bool) (bool, error)
}

// portAllowed implements the shared allowAllPorts/allowedPorts policy gate
// every concrete Driver must apply before mutating state.
func portAllowed(port int, allowedPorts map[int]struct{}, allowAllPorts bool) bool {
	if allowAllPorts {
		return true
	}
	if allowedPorts == nil {
		return false
	}
	_, ok := allowedPorts[port]
	return ok
}

func validatePort(port int) error {
	if port < MinPort {
		return ErrInvalidPort
	}
	return nil
}

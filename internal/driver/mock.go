package driver

import (
	"context"
	"sync"
)

// Mock is an in-memory Driver used by unit and integration tests. It
// tracks blocked ports and accept exceptions as plain Go sets and applies
// the allowedPorts/allowAllPorts policy gate the same way a real rule
// engine would.
type Mock struct {
	ResolveOK    bool
	mu           sync.Mutex
	blockedPorts map[int]struct{}
	accepts      map[AddressPort]struct{}
}

// NewMock returns a Mock with Resolve reporting resolveOK.
func NewMock(resolveOK bool) *Mock {
	return &Mock{
		ResolveOK:    resolveOK,
		blockedPorts: make(map[int]struct{}),
		accepts:      make(map[AddressPort]struct{}),
	}
}

func (m *Mock) Resolve(ctx context.Context) (bool, error) {
	return m.ResolveOK, nil
}

func (m *Mock) ListBlockedTCPPorts(ctx context.Context, sudo bool, allowedPorts map[int]struct{}) (map[int]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int]struct{})
	for p := range m.blockedPorts {
		if allowedPorts != nil {
			if _, ok := allowedPorts[p]; !ok {
				continue
			}
		}
		out[p] = struct{}{}
	}
	return out, nil
}

func (m *Mock) ListAcceptedAddressesOnTCPPorts(ctx context.Context, sudo bool, allowedPorts map[int]struct{}) (map[AddressPort]struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[AddressPort]struct{})
	for ap := range m.accepts {
		if allowedPorts != nil {
			if _, ok := allowedPorts[ap.Port]; !ok {
				continue
			}
		}
		out[ap] = struct{}{}
	}
	return out, nil
}

func (m *Mock) BlockTCPPort(ctx context.Context, port int, sudo bool, allowedPorts map[int]struct{}, allowAllPorts bool) (bool, error) {
	if err := validatePort(port); err != nil {
		return false, err
	}
	if !portAllowed(port, allowedPorts, allowAllPorts) {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockedPorts[port] = struct{}{}
	return true, nil
}

func (m *Mock) UnblockTCPPort(ctx context.Context, port int, sudo bool, allowedPorts map[int]struct{}, allowAllPorts bool) (bool, error) {
	if err := validatePort(port); err != nil {
		return false, err
	}
	if !portAllowed(port, allowedPorts, allowAllPorts) {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blockedPorts, port)
	return true, nil
}

func (m *Mock) AcceptAddressOnTCPPort(ctx context.Context, addr string, port int, sudo bool, allowedPorts map[int]struct{}, allowAllPorts bool) (bool, error) {
	if err := validatePort(port); err != nil {
		return false, err
	}
	if !portAllowed(port, allowedPorts, allowAllPorts) {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accepts[AddressPort{Address: addr, Port: port}] = struct{}{}
	return true, nil
}

func (m *Mock) UnacceptAddressOnTCPPort(ctx context.Context, addr string, port *int, sudo bool, allowedPorts map[int]struct{}, allowAllPorts bool) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if port != nil {
		if err := validatePort(*port); err != nil {
			return false, err
		}
		if !portAllowed(*port, allowedPorts, allowAllPorts) {
			return false, nil
		}
		delete(m.accepts, AddressPort{Address: addr, Port: *port})
		return true, nil
	}

	removed := false
	for ap := range m.accepts {
		if ap.Address != addr {
			continue
		}
		if !portAllowed(ap.Port, allowedPorts, allowAllPorts) {
			continue
		}
		delete(m.accepts, ap)
		removed = true
	}
	return removed, nil
}

package driver

import (
	"context"
	"sync"
)

// Call records one invocation observed by Spy.
type Call struct {
	Method string
	Port   int
	Addr   string
}

// Spy wraps another Driver and records every call made through it, for
// assertions in integration tests that care about call order and
// arguments rather than just the resulting state.
type Spy struct {
	Underlying Driver

	mu    sync.Mutex
	calls []Call
}

// NewSpy wraps underlying in a Spy.
func NewSpy(underlying Driver) *Spy {
	return &Spy{Underlying: underlying}
}

// Calls returns a snapshot of recorded calls in invocation order.
func (s *Spy) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Spy) record(c Call) {
	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.mu.Unlock()
}

func (s *Spy) Resolve(ctx context.Context) (bool, error) {
	s.record(Call{Method: "Resolve"})
	return s.Underlying.Resolve(ctx)
}

func (s *Spy) ListBlockedTCPPorts(ctx context.Context, sudo bool, allowedPorts map[int]struct{}) (map[int]struct{}, error) {
	s.record(Call{Method: "ListBlockedTCPPorts"})
	return s.Underlying.ListBlockedTCPPorts(ctx, sudo, allowedPorts)
}

func (s *Spy) ListAcceptedAddressesOnTCPPorts(ctx context.Context, sudo bool, allowedPorts map[int]struct{}) (map[AddressPort]struct{}, error) {
	s.record(Call{Method: "ListAcceptedAddressesOnTCPPorts"})
	return s.Underlying.ListAcceptedAddressesOnTCPPorts(ctx, sudo, allowedPorts)
}

func (s *Spy) BlockTCPPort(ctx context.Context, port int, sudo bool, allowedPorts map[int]struct{}, allowAllPorts bool) (bool, error) {
	s.record(Call{Method: "BlockTCPPort", Port: port})
	return s.Underlying.BlockTCPPort(ctx, port, sudo, allowedPorts, allowAllPorts)
}

func (s *Spy) UnblockTCPPort(ctx context.Context, port int, sudo bool, allowedPorts map[int]struct{}, allowAllPorts bool) (bool, error) {
	s.record(Call{Method: "UnblockTCPPort", Port: port})
	return s.Underlying.UnblockTCPPort(ctx, port, sudo, allowedPorts, allowAllPorts)
}

func (s *Spy) AcceptAddressOnTCPPort(ctx context.Context, addr string, port int, sudo bool, allowedPorts map[int]struct{}, allowAllPorts bool) (bool, error) {
	s.record(Call{Method: "AcceptAddressOnTCPPort", Addr: addr, Port: port})
	return s.Underlying.AcceptAddressOnTCPPort(ctx, addr, port, sudo, allowedPorts, allowAllPorts)
}

func (s *Spy) UnacceptAddressOnTCPPort(ctx context.Context, addr string, port *int, sudo bool, allowedPorts map[int]struct{}, allowAllPorts bool) (bool, error) {
	p := -1
	if port != nil {
		p = *port
	}
	s.record(Call{Method: "UnacceptAddressOnTCPPort", Addr: addr, Port: p})
	return s.Underlying.UnacceptAddressOnTCPPort(ctx, addr, port, sudo, allowedPorts, allowAllPorts)
}

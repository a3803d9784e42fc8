package abuse

import (
	"testing"
	"time"
)

func TestNewGuard_NormalizesLimits(t *testing.T) {
	g := NewGuard(1, 10*time.Second, nil)
	if g.loginErrorLimit != MinLoginErrorLimit {
		t.Fatalf("loginErrorLimit = %d, want %d", g.loginErrorLimit, MinLoginErrorLimit)
	}
	if g.blockingTime != MinBlockingTime {
		t.Fatalf("blockingTime = %v, want %v", g.blockingTime, MinBlockingTime)
	}
}

func TestNewGuard_Defaults(t *testing.T) {
	g := NewGuard(0, 0, nil)
	if g.loginErrorLimit != DefaultLoginErrorLimit {
		t.Fatalf("loginErrorLimit = %d, want %d", g.loginErrorLimit, DefaultLoginErrorLimit)
	}
	if g.blockingTime != DefaultBlockingTime {
		t.Fatalf("blockingTime = %v, want %v", g.blockingTime, DefaultBlockingTime)
	}
}

func TestGuard_RecordLoginError_BlocksImmediately(t *testing.T) {
	g := NewGuard(3, time.Minute, nil)
	addr := "10.0.0.5:5555"

	// The Guard no longer counts login attempts itself — the caller (the
	// per-connection attempt counter) decides when loginErrorLimit is
	// crossed and calls RecordLoginError exactly once at that point.
	if !g.RecordLoginError(addr) {
		t.Fatal("a single RecordLoginError call should block immediately")
	}
	if !g.IsBlocked(addr) {
		t.Fatal("IsBlocked should report true")
	}
}

func TestGuard_SocketErrorThreshold_IndependentOfLoginErrorLimit(t *testing.T) {
	// loginErrorLimit is configured far above the fixed socket-error
	// threshold; socket errors must still block at count > 3 regardless.
	g := NewGuard(10, time.Minute, nil)
	addr := "10.0.0.6:6666"

	for i := 0; i < 3; i++ {
		if g.RecordSocketError(addr) {
			t.Fatalf("should not block at socket-error count %d", i+1)
		}
	}
	if !g.RecordSocketError(addr) {
		t.Fatal("socket errors should block once count exceeds the fixed threshold of 3")
	}
}

func TestGuard_LoginAndSocketErrorsAreIndependent(t *testing.T) {
	g := NewGuard(3, time.Minute, nil)
	addr := "10.0.0.9:9999"

	g.RecordSocketError(addr)
	g.RecordSocketError(addr)
	if g.IsBlocked(addr) {
		t.Fatal("two socket errors alone should not block (threshold is > 3)")
	}
	if !g.RecordLoginError(addr) {
		t.Fatal("RecordLoginError should block independently of the socket-error count")
	}
}

func TestGuard_ExpiresLazily(t *testing.T) {
	g := NewGuard(3, time.Minute, nil)
	addr := "10.0.0.7:7777"
	g.recordLoginAt(addr, time.Unix(0, 0))
	if !g.isBlockedAt(addr, time.Unix(0, 0).Add(30*time.Second)) {
		t.Fatal("should still be blocked 30s in")
	}
	if g.isBlockedAt(addr, time.Unix(0, 0).Add(2*time.Minute)) {
		t.Fatal("should have expired after 2 minutes")
	}
}

func TestGuard_Reset(t *testing.T) {
	g := NewGuard(3, time.Minute, nil)
	addr := "10.0.0.8:8888"
	g.RecordLoginError(addr)
	if !g.IsBlocked(addr) {
		t.Fatal("addr should be blocked before Reset")
	}
	g.Reset(addr)
	if g.IsBlocked(addr) {
		t.Fatal("addr should no longer be blocked after Reset")
	}
}

func TestGuard_BlockedCount(t *testing.T) {
	g := NewGuard(1, time.Minute, nil)
	g.RecordLoginError("a")
	g.RecordLoginError("b")
	if n := g.BlockedCount(); n != 2 {
		t.Fatalf("BlockedCount = %d, want 2", n)
	}
}

type recordingSink struct {
	offences map[string]int
	sizes    []int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{offences: make(map[string]int)}
}

func (s *recordingSink) ObserveBlocklistSize(n int) { s.sizes = append(s.sizes, n) }
func (s *recordingSink) IncOffence(kind string)     { s.offences[kind]++ }

func TestGuard_ReportsToSink(t *testing.T) {
	sink := newRecordingSink()
	g := NewGuard(1, time.Minute, sink)
	g.RecordLoginError("a")
	g.RecordSocketError("b")

	if sink.offences[OffenceLogin] != 1 || sink.offences[OffenceSocket] != 1 {
		t.Fatalf("offences = %+v", sink.offences)
	}
	if len(sink.sizes) == 0 || sink.sizes[len(sink.sizes)-1] != 2 {
		t.Fatalf("sizes = %v, want last = 2", sink.sizes)
	}
}

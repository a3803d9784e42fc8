package server

import (
	"bufio"
	"context"
	"encoding/base64"
	"net"
	"testing"
	"time"

	"github.com/gatekeeperd/gatekeeper/internal/abuse"
	"github.com/gatekeeperd/gatekeeper/internal/crypto"
	"github.com/gatekeeperd/gatekeeper/internal/driver"
)

const testAccessKey = "0123456789abcdefghijklmnopqrstuvwxyz"

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg := Config{
		Address:         "127.0.0.1:0",
		Driver:          driver.NewMock(true),
		AccessKey:       []byte(testAccessKey),
		AccessKeyHash:   crypto.HashAccessKey([]byte(testAccessKey), nil),
		Secure:          false,
		LoginErrorLimit: 3,
		AllowedPorts:    map[int]struct{}{2223: {}},
		Version:         "1.0",
		Guard:           abuse.NewGuard(3, time.Minute, nil),
	}
	s := New(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func dialAndLogin(t *testing.T, s *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	r := bufio.NewReader(conn)

	digest := crypto.HashAccessKey([]byte(testAccessKey), nil)
	if _, err := conn.Write([]byte("login " + base64.StdEncoding.EncodeToString(digest) + "\n")); err != nil {
		t.Fatalf("write login: %v", err)
	}
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read login reply: %v", err)
	}
	if line != "login: true 1.0\n" && line != "login: true 1.0\r\n" {
		t.Fatalf("login reply = %q", line)
	}
	return conn, r
}

func TestServer_StartAcceptsConnections(t *testing.T) {
	s := newTestServer(t)
	conn, r := dialAndLogin(t, s)
	defer conn.Close()

	if _, err := conn.Write([]byte("list ports\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if line != "blocked: \n" && line != "blocked: \r\n" {
		t.Fatalf("list ports reply = %q", line)
	}

	if s.ConnectionCount() != 1 {
		t.Fatalf("ConnectionCount() = %d, want 1", s.ConnectionCount())
	}
}

func TestServer_StopClosesConnections(t *testing.T) {
	cfg := Config{
		Address:         "127.0.0.1:0",
		Driver:          driver.NewMock(true),
		AccessKey:       []byte(testAccessKey),
		AccessKeyHash:   crypto.HashAccessKey([]byte(testAccessKey), nil),
		LoginErrorLimit: 3,
		Guard:           abuse.NewGuard(3, time.Minute, nil),
	}
	s := New(cfg)
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	conn, err := net.Dial("tcp", s.Address().String())
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	// give the accept loop a moment to register the connection
	deadline := time.Now().Add(time.Second)
	for s.ConnectionCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if s.ConnectionCount() != 1 {
		t.Fatalf("ConnectionCount() = %d, want 1 before Stop", s.ConnectionCount())
	}

	if err := s.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if s.IsRunning() {
		t.Fatal("IsRunning() = true after Stop")
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected read error after server Stop")
	}
}

// TestServer_BlockedAddressRejectedBeforeHandshake exercises handleConn
// directly over a net.Pipe pair, so the guard's blocklist key (the
// conn's RemoteAddr().String(), identical on both pipe ends) is known
// ahead of time rather than depending on an OS-assigned ephemeral port.
func TestServer_BlockedAddressRejectedBeforeHandshake(t *testing.T) {
	guard := abuse.NewGuard(3, time.Minute, nil)
	cfg := Config{
		Driver:          driver.NewMock(true),
		AccessKey:       []byte(testAccessKey),
		AccessKeyHash:   crypto.HashAccessKey([]byte(testAccessKey), nil),
		LoginErrorLimit: 3,
		Guard:           guard,
	}
	s := New(cfg)
	s.ctx = context.Background()

	client, srv := net.Pipe()
	defer client.Close()

	guard.RecordLoginError(srv.RemoteAddr().String())
	guard.RecordLoginError(srv.RemoteAddr().String())
	guard.RecordLoginError(srv.RemoteAddr().String())
	if !guard.IsBlocked(srv.RemoteAddr().String()) {
		t.Fatal("expected guard to report the pipe address as blocked")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.handleConn(srv, 0)
	}()

	client.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 16)
	n, err := client.Read(buf)
	if err == nil && n > 0 {
		t.Fatalf("expected no reply for a pre-blocked address, got %d bytes", n)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handleConn did not return for a pre-blocked address")
	}
}

package session

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/gatekeeperd/gatekeeper/internal/crypto"
	"github.com/gatekeeperd/gatekeeper/internal/wire"
)

// secureClient mirrors the client side of the secure-channel protocol: the
// static-cipher key exchange followed by chained-cipher encrypt/decrypt for
// every record after, in lockstep with the server's Connection.
type secureClient struct {
	t      *testing.T
	h      *harness
	static *crypto.StaticCipher
	chain  *crypto.ChainedCipher
}

func newSecureClient(t *testing.T, h *harness) *secureClient {
	t.Helper()
	return &secureClient{
		t:      t,
		h:      h,
		static: crypto.NewStaticCipher([]byte(testAccessKey)),
		chain:  crypto.NewChainedCipher(h.conn.cfg.Seed1, h.conn.seed2),
	}
}

// exchange performs the key-exchange handshake and installs the resulting
// session key into sc.chain.
func (sc *secureClient) exchange() {
	sc.t.Helper()

	exchangeKey, err := crypto.RandomAESKey(0)
	if err != nil {
		sc.t.Fatalf("exchange key: %v", err)
	}
	wrapped, err := sc.static.WrapBytes(exchangeKey)
	if err != nil {
		sc.t.Fatalf("wrap bytes: %v", err)
	}
	text, err := wire.OctetsToText(wrapped)
	if err != nil {
		sc.t.Fatalf("octets to text: %v", err)
	}
	record, err := wire.EncodeEnvelope(text)
	if err != nil {
		sc.t.Fatalf("encode envelope: %v", err)
	}
	if _, err := sc.h.client.Write(record); err != nil {
		sc.t.Fatalf("write: %v", err)
	}

	line := sc.h.readLine()
	payload, ok := strings.CutPrefix(line, wire.EnvelopeCmd+" ")
	if !ok {
		sc.t.Fatalf("reply not an envelope: %q", line)
	}
	replyOctets, err := wire.TextToOctets(payload)
	if err != nil {
		sc.t.Fatalf("text to octets: %v", err)
	}
	innerWrap, err := crypto.DecryptBytes(exchangeKey, crypto.IVA, replyOctets)
	if err != nil {
		sc.t.Fatalf("decrypt outer wrap: %v", err)
	}
	sessionKey, err := sc.static.UnwrapSessionKey(innerWrap, sc.h.conn.seed2)
	if err != nil {
		sc.t.Fatalf("unwrap session key: %v", err)
	}

	sc.chain.SetSessionKey(sessionKey)
}

func (sc *secureClient) send(line string) {
	sc.t.Helper()
	enc, err := sc.chain.Encrypt(line)
	if err != nil {
		sc.t.Fatalf("chain encrypt: %v", err)
	}
	record, err := wire.EncodeEnvelope(enc)
	if err != nil {
		sc.t.Fatalf("encode envelope: %v", err)
	}
	if _, err := sc.h.client.Write(record); err != nil {
		sc.t.Fatalf("write: %v", err)
	}
}

func (sc *secureClient) recv() string {
	sc.t.Helper()
	line := sc.h.readLine()
	payload, ok := strings.CutPrefix(line, wire.EnvelopeCmd+" ")
	if !ok {
		sc.t.Fatalf("reply not an envelope: %q", line)
	}
	plain, err := sc.chain.Decrypt(payload)
	if err != nil {
		sc.t.Fatalf("chain decrypt: %v", err)
	}
	return plain
}

func (sc *secureClient) login() {
	sc.t.Helper()
	digest := crypto.HashAccessKey([]byte(testAccessKey), sc.chain.SessionKey())
	sc.send("login " + base64.StdEncoding.EncodeToString(digest))
	if got := sc.recv(); got != "login: true 1.0" {
		sc.t.Fatalf("login response = %q", got)
	}
}

func TestConnection_Secure_FullFlow(t *testing.T) {
	h := newHarness(t, true)
	sc := newSecureClient(t, h)
	sc.exchange()

	if h.conn.State() != StateKeyExchanged {
		t.Fatalf("state after exchange = %v, want KeyExchanged", h.conn.State())
	}

	sc.login()
	if h.conn.State() != StateLoggedIn {
		t.Fatalf("state after login = %v, want LoggedIn", h.conn.State())
	}

	sc.send("list ports")
	if got := sc.recv(); got != "blocked: " {
		t.Fatalf("list ports = %q", got)
	}

	sc.send("block 2223")
	if got := sc.recv(); got != "block: true" {
		t.Fatalf("block 2223 = %q", got)
	}

	sc.send("list ports")
	if got := sc.recv(); got != "blocked: 2223" {
		t.Fatalf("list ports = %q", got)
	}
}

func TestConnection_Secure_BadStaticKey_FailsExchange(t *testing.T) {
	h := newHarness(t, true)
	badStatic := crypto.NewStaticCipher([]byte("wrong-access-key-entirely-different"))

	exchangeKey, err := crypto.RandomAESKey(0)
	if err != nil {
		t.Fatalf("exchange key: %v", err)
	}
	wrapped, err := badStatic.WrapBytes(exchangeKey)
	if err != nil {
		t.Fatalf("wrap: %v", err)
	}
	text, err := wire.OctetsToText(wrapped)
	if err != nil {
		t.Fatalf("octets to text: %v", err)
	}
	record, err := wire.EncodeEnvelope(text)
	if err != nil {
		t.Fatalf("encode envelope: %v", err)
	}
	h.client.Write(record)

	h.client.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	buf := make([]byte, 64)
	n, rerr := h.client.Read(buf)
	if rerr == nil && n > 0 {
		t.Fatalf("expected no reply for a key exchange that fails to unwrap, got %q", buf[:n])
	}
}

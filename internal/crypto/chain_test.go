package crypto

import (
	"bytes"
	"testing"
	"time"
)

func TestChainedCipher_SaltSequenceIsDeterministic(t *testing.T) {
	// Two independently-constructed ciphers sharing a seed pair must
	// advance through bit-identical salts (spec §8 invariant).
	a := NewChainedCipher(2243, 1_700_000_000_000)
	b := NewChainedCipher(2243, 1_700_000_000_000)

	for i := 0; i < 5; i++ {
		sa := a.advanceSalt()
		sb := b.advanceSalt()
		if !bytes.Equal(sa, sb) {
			t.Fatalf("salt %d diverged: %x vs %x", i, sa, sb)
		}
	}
}

func TestChainedCipher_DifferentSeed1Diverges(t *testing.T) {
	a := NewChainedCipher(2243, 1_700_000_000_000)
	b := NewChainedCipher(2244, 1_700_000_000_000)

	if bytes.Equal(a.advanceSalt(), b.advanceSalt()) {
		t.Fatal("different seed1 values must not collide on the first salt")
	}
}

func TestChainedCipher_SuccessiveSaltsDiffer(t *testing.T) {
	c := NewChainedCipher(2243, 1_700_000_000_000)
	first := c.advanceSalt()
	second := c.advanceSalt()
	if bytes.Equal(first, second) {
		t.Fatal("successive salts must differ")
	}
}

func TestChainedCipher_EncryptDecryptRoundTrip(t *testing.T) {
	sender := NewChainedCipher(2243, 1_700_000_000_000)
	receiver := NewChainedCipher(2243, 1_700_000_000_000)

	sessionKey, err := RandomAESKey(0)
	if err != nil {
		t.Fatal(err)
	}
	sender.SetSessionKey(sessionKey)
	receiver.SetSessionKey(sessionKey)

	messages := []string{"block 2223", "", "list ports", "disconnect"}
	for _, msg := range messages {
		enc, err := sender.Encrypt(msg)
		if err != nil {
			t.Fatalf("Encrypt(%q): %v", msg, err)
		}
		dec, err := receiver.Decrypt(enc)
		if err != nil {
			t.Fatalf("Decrypt(%q): %v", msg, err)
		}
		if dec != msg {
			t.Fatalf("round trip mismatch: got %q, want %q", dec, msg)
		}
	}
}

func TestChainedCipher_EncryptWithoutSessionKeyFails(t *testing.T) {
	c := NewChainedCipher(2243, 1_700_000_000_000)
	if _, err := c.Encrypt("hello"); err == nil {
		t.Fatal("expected Encrypt without a session key to fail")
	}
}

func TestUTCMidnightMillis(t *testing.T) {
	t1 := time.Date(2026, 7, 31, 23, 59, 59, 0, time.UTC)
	t2 := time.Date(2026, 7, 31, 0, 0, 1, 0, time.UTC)
	if UTCMidnightMillis(t1) != UTCMidnightMillis(t2) {
		t.Fatal("same UTC calendar day must produce identical seed2")
	}

	t3 := time.Date(2026, 8, 1, 0, 0, 1, 0, time.UTC)
	if UTCMidnightMillis(t1) == UTCMidnightMillis(t3) {
		t.Fatal("different UTC calendar days must diverge")
	}

	want := time.Date(2026, 7, 31, 0, 0, 0, 0, time.UTC).UnixMilli()
	if got := UTCMidnightMillis(t1); got != want {
		t.Fatalf("got %d, want %d", got, want)
	}
}

func TestCSV(t *testing.T) {
	got := csv([]byte{0, 1, 255})
	want := "0,1,255"
	if got != want {
		t.Fatalf("csv = %q, want %q", got, want)
	}
}

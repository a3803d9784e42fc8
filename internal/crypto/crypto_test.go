package crypto

import (
	"bytes"
	"crypto/sha512"
	"testing"
)

func TestHashAccessKey_NoSessionKey(t *testing.T) {
	key := []byte("0123456789abcdefghijklmnopqrstuvwxyz")

	got := HashAccessKey(key, nil)
	if len(got) != sha512.Size {
		t.Fatalf("HashAccessKey length = %d, want %d", len(got), sha512.Size)
	}

	pre := append([]byte(accessKeyLabel), key...)
	first := sha512.Sum512(pre)
	second := sha512.Sum512(first[:])

	if !bytes.Equal(got, second[:]) {
		t.Fatalf("HashAccessKey = %x, want %x", got, second)
	}
}

func TestHashAccessKey_WithSessionKey(t *testing.T) {
	key := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	sessionKey := bytes.Repeat([]byte{0x42}, KeySize)

	withSession := HashAccessKey(key, sessionKey)
	withoutSession := HashAccessKey(key, nil)

	if bytes.Equal(withSession, withoutSession) {
		t.Fatal("HashAccessKey with a session key must differ from without one")
	}
	if len(withSession) != sha512.Size {
		t.Fatalf("HashAccessKey length = %d, want %d", len(withSession), sha512.Size)
	}
}

func TestHashAccessKey_Deterministic(t *testing.T) {
	key := []byte("some-access-key-that-is-long-enough")
	a := HashAccessKey(key, nil)
	b := HashAccessKey(key, nil)
	if !bytes.Equal(a, b) {
		t.Fatal("HashAccessKey must be deterministic for the same input")
	}
}

func TestEncryptDecryptText_RoundTrip(t *testing.T) {
	key, err := RandomBytes(KeySize)
	if err != nil {
		t.Fatal(err)
	}
	iv, err := RandomBytes(IVSize)
	if err != nil {
		t.Fatal(err)
	}

	cases := []string{"", "hello", "block 2223", "a very long message that spans several AES blocks of plaintext data"}
	for _, msg := range cases {
		enc, err := EncryptText(key, iv, msg)
		if err != nil {
			t.Fatalf("EncryptText(%q): %v", msg, err)
		}
		dec, err := DecryptText(key, iv, enc)
		if err != nil {
			t.Fatalf("DecryptText(%q): %v", msg, err)
		}
		if dec != msg {
			t.Fatalf("round-trip mismatch: got %q, want %q", dec, msg)
		}
	}
}

func TestEncryptDecryptBytes_RoundTrip(t *testing.T) {
	key, _ := RandomBytes(KeySize)
	iv, _ := RandomBytes(IVSize)

	plain := []byte{0x00, 0x01, 0x02, 0xff, 0xfe}
	ct, err := EncryptBytes(key, iv, plain)
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecryptBytes(key, iv, ct)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("round-trip mismatch: got %x, want %x", got, plain)
	}
}

func TestDecryptBytes_BadKeyLength(t *testing.T) {
	_, err := DecryptBytes(make([]byte, 10), make([]byte, IVSize), make([]byte, 16))
	if err != ErrDecryptFailed {
		t.Fatalf("err = %v, want ErrDecryptFailed", err)
	}
}

func TestDecryptBytes_CorruptCiphertext(t *testing.T) {
	key, _ := RandomBytes(KeySize)
	iv, _ := RandomBytes(IVSize)
	ct, _ := EncryptBytes(key, iv, []byte("payload"))
	ct[len(ct)-1] ^= 0xff

	if _, err := DecryptBytes(key, iv, ct); err == nil {
		t.Fatal("expected decryption of corrupt ciphertext to fail")
	}
}

func TestRandomAESKey_ExactSize(t *testing.T) {
	key, err := RandomAESKey(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(key) != KeySize {
		t.Fatalf("len = %d, want %d", len(key), KeySize)
	}
}

func TestRandomAESKey_WithSlack(t *testing.T) {
	for i := 0; i < 20; i++ {
		key, err := RandomAESKey(8)
		if err != nil {
			t.Fatal(err)
		}
		if len(key) < KeySize || len(key) >= KeySize+8 {
			t.Fatalf("len = %d, want in [%d, %d)", len(key), KeySize, KeySize+8)
		}
	}
}

func TestDeriveKey_Deterministic(t *testing.T) {
	a := DeriveKey([]byte("password"), IVA, 1000, KeySize)
	b := DeriveKey([]byte("password"), IVA, 1000, KeySize)
	if !bytes.Equal(a, b) {
		t.Fatal("DeriveKey must be deterministic")
	}
	c := DeriveKey([]byte("different"), IVA, 1000, KeySize)
	if bytes.Equal(a, c) {
		t.Fatal("DeriveKey must vary with the password")
	}
}

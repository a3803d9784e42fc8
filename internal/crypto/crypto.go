// Package crypto provides the symmetric primitives the gatekeeper control
// channel is built on: PBKDF2 key derivation, AES-CBC encryption of text
// and raw byte strings, access-key hashing, and a cryptographic random
// source. Nothing here talks to the network; the two-layer cipher built on
// top of these primitives (StaticCipher and ChainedCipher) is in static.go
// and chain.go, and internal/session drives it.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/pbkdf2"
)

// KeySize is the size in bytes of every AES key used on the wire (AES-256).
const KeySize = 32

// IVSize is the size in bytes of an AES-CBC initialization vector / PBKDF2
// salt used throughout this package.
const IVSize = 16

// DefaultIterations is the PBKDF2 round count used to derive the static
// cipher key from the access key (spec §4.1).
const DefaultIterations = 100_000

// accessKeyLabel is prefixed to the access key before hashing it, per spec §6.
const accessKeyLabel = "GateKeeper.accessKey:"

// emptyPlaintextSentinel replaces an empty plaintext on the wire; AES-CBC
// with PKCS#7 padding never produces a zero-length ciphertext for an empty
// message in a way that round-trips unambiguously across implementations,
// so the spec fixes a literal sentinel instead (spec §4.1, §6).
const emptyPlaintextSentinel = "\r\n"

// ErrDecryptFailed is returned for any cipher, padding, or length failure.
// Per spec §4.1 no partial plaintext is ever returned to the caller.
var ErrDecryptFailed = fmt.Errorf("crypto: decryption failed")

// DeriveKey runs PBKDF2-HMAC-SHA256 over password with the given salt and
// iteration count, producing a key of keyLen bytes.
func DeriveKey(password, salt []byte, iterations, keyLen int) []byte {
	return pbkdf2.Key(password, salt, iterations, keyLen, sha256.New)
}

// HashAccessKey computes the 64-byte login digest for accessKey.
//
// With no sessionKey, it is SHA-512(SHA-512(label ‖ accessKey)). Once a
// SessionKey has been established for the connection, the digest is
// additionally folded with it: SHA-512(previousDigest ‖ sessionKey). This
// binds the login proof to the specific connection's key exchange so a
// captured digest cannot be replayed against a different session.
func HashAccessKey(accessKey []byte, sessionKey []byte) []byte {
	pre := make([]byte, 0, len(accessKeyLabel)+len(accessKey))
	pre = append(pre, accessKeyLabel...)
	pre = append(pre, accessKey...)
	first := sha512.Sum512(pre)
	second := sha512.Sum512(first[:])

	if len(sessionKey) == 0 {
		out := make([]byte, len(second))
		copy(out, second[:])
		return out
	}

	mixed := make([]byte, 0, len(second)+len(sessionKey))
	mixed = append(mixed, second[:]...)
	mixed = append(mixed, sessionKey...)
	third := sha512.Sum512(mixed)
	out := make([]byte, len(third))
	copy(out, third[:])
	return out
}

// EncryptText encrypts msg under key with the given iv and returns the
// base64-standard-encoded ciphertext. An empty msg is replaced by the
// empty-plaintext sentinel before encryption (spec §4.1, §6).
func EncryptText(key, iv []byte, msg string) (string, error) {
	plain := msg
	if plain == "" {
		plain = emptyPlaintextSentinel
	}
	ct, err := EncryptBytes(key, iv, []byte(plain))
	if err != nil {
		return "", err
	}
	return b64Encode(ct), nil
}

// DecryptText reverses EncryptText, restoring an empty string for the
// sentinel plaintext.
func DecryptText(key, iv []byte, encoded string) (string, error) {
	ct, err := b64Decode(encoded)
	if err != nil {
		return "", ErrDecryptFailed
	}
	plain, err := DecryptBytes(key, iv, ct)
	if err != nil {
		return "", err
	}
	if string(plain) == emptyPlaintextSentinel {
		return "", nil
	}
	return string(plain), nil
}

// EncryptBytes AES-CBC encrypts plaintext under key/iv with PKCS#7 padding.
func EncryptBytes(key, iv, plaintext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrDecryptFailed
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	if len(iv) != block.BlockSize() {
		return nil, ErrDecryptFailed
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// DecryptBytes reverses EncryptBytes. Any padding or length error is
// reported as ErrDecryptFailed without leaking partial plaintext.
func DecryptBytes(key, iv, ciphertext []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrDecryptFailed
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, ErrDecryptFailed
	}
	if len(iv) != block.BlockSize() || len(ciphertext) == 0 || len(ciphertext)%block.BlockSize() != 0 {
		return nil, ErrDecryptFailed
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)

	unpadded, err := pkcs7Unpad(out, block.BlockSize())
	if err != nil {
		return nil, ErrDecryptFailed
	}
	return unpadded, nil
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("crypto: random bytes: %w", err)
	}
	return b, nil
}

// RandomAESKey returns exactly KeySize random bytes, or KeySize plus a
// uniform random slack in [0, slackLen) when slackLen > 0. Callers that
// request slack must truncate the result to KeySize themselves after any
// decryption step that consumed the full length (spec §4.1).
func RandomAESKey(slackLen int) ([]byte, error) {
	n := KeySize
	if slackLen > 0 {
		extra, err := rand.Int(rand.Reader, bigFromInt(slackLen))
		if err != nil {
			return nil, fmt.Errorf("crypto: random slack: %w", err)
		}
		n += int(extra.Int64())
	}
	return RandomBytes(n)
}

func b64Encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func b64Decode(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

func bigFromInt(n int) *big.Int {
	return big.NewInt(int64(n))
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(append([]byte{}, data...), padding...)
}

func pkcs7Unpad(data []byte, blockSize int) ([]byte, error) {
	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, ErrDecryptFailed
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(data) {
		return nil, ErrDecryptFailed
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, ErrDecryptFailed
		}
	}
	return data[:len(data)-padLen], nil
}

package crypto

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// StaticCipher is keyed deterministically from the access key and is used
// only during key exchange: to wrap the client's ephemeral ExchangeKey on
// the way to the server, and to double-wrap the server's SessionKey on the
// way back (spec §4.2).
type StaticCipher struct {
	key []byte
}

// NewStaticCipher derives the static key from accessKey via
// PBKDF2-HMAC-SHA256 over IVA with DefaultIterations rounds.
func NewStaticCipher(accessKey []byte) *StaticCipher {
	return &StaticCipher{key: DeriveKey(accessKey, IVA, DefaultIterations, KeySize)}
}

// Key returns the derived static key. Exposed for StaticAESKey consumers
// that need it directly (e.g. hashing it into diagnostics); callers must
// not mutate the returned slice.
func (s *StaticCipher) Key() []byte {
	return s.key
}

// WrapBytes AES-CBC encrypts plaintext under the static key using IVA as
// the IV, matching the fixed-IV scheme the key-exchange envelope relies on
// (the IV never needs to travel on the wire because it is this constant).
func (s *StaticCipher) WrapBytes(plaintext []byte) ([]byte, error) {
	return EncryptBytes(s.key, IVA, plaintext)
}

// UnwrapBytes reverses WrapBytes.
func (s *StaticCipher) UnwrapBytes(ciphertext []byte) ([]byte, error) {
	return DecryptBytes(s.key, IVA, ciphertext)
}

// sessionWrapIV derives the day-bound IV used specifically to wrap a
// SessionKey under the StaticAESKey (spec §6's "SessionKey-wrap salt IV"
// constant). Binding this IV to seed2 (the same UTC-midnight timestamp
// the chained cipher's salt sequence is seeded from) means a captured
// wrapped SessionKey from one calendar day cannot be replayed against a
// StaticCipher derived the next day and reused verbatim.
func sessionWrapIV(seed2 int64) []byte {
	password := fmt.Sprintf("session.salt:%d", seed2)
	return pbkdf2.Key([]byte(password), SessionKeyWrapSaltIV, SessionKeyWrapIterations, IVSize, sha256.New)
}

// WrapSessionKey encrypts sessionKey under the static key using the
// seed2-derived SessionKey-wrap IV, the inner step of the key-exchange
// double wrap (spec §4.4 step 2).
func (s *StaticCipher) WrapSessionKey(sessionKey []byte, seed2 int64) ([]byte, error) {
	return EncryptBytes(s.key, sessionWrapIV(seed2), sessionKey)
}

// UnwrapSessionKey reverses WrapSessionKey.
func (s *StaticCipher) UnwrapSessionKey(ciphertext []byte, seed2 int64) ([]byte, error) {
	return DecryptBytes(s.key, sessionWrapIV(seed2), ciphertext)
}

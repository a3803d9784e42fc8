package crypto

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// UTCMidnightMillis returns seed2: the start of t's UTC calendar day, in
// milliseconds since the Unix epoch. Both peers must call this
// independently (spec §4.2, §9 notes the resulting clock-drift fragility
// when peers straddle midnight on different clocks).
func UTCMidnightMillis(t time.Time) int64 {
	u := t.UTC()
	midnight := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return midnight.UnixMilli()
}

// ChainedCipher is the per-connection symmetric channel whose IV (the
// "salt") for each message is derived deterministically from a seed pair
// and a monotonically increasing index, so neither peer ever transmits an
// IV. Both peers must construct a ChainedCipher with the same seed pair to
// produce identical salt sequences (spec §4.2).
//
// A ChainedCipher is not safe for concurrent Encrypt/Decrypt calls from
// multiple goroutines in a way that interleaves their ordering — the
// owning connection must serialize calls itself — but the internal mutex
// prevents data races on the cipher's own state.
type ChainedCipher struct {
	seed1 int
	seed2 int64

	mu         sync.Mutex
	index      int
	started    bool
	lastSalt   []byte
	sessionKey []byte
}

// NewChainedCipher builds a ChainedCipher for the given seed pair. seed1 is
// the TCP port both peers agree on out of band (the server's own listening
// port); seed2 is the current UTC-midnight timestamp in milliseconds,
// recomputed independently by each peer (see spec §4.2, §9 on clock drift).
func NewChainedCipher(seed1 int, seed2 int64) *ChainedCipher {
	return &ChainedCipher{seed1: seed1, seed2: seed2}
}

// SetSessionKey installs the session key produced by the server during key
// exchange. Required before the first Encrypt/Decrypt call.
func (c *ChainedCipher) SetSessionKey(key []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionKey = append([]byte(nil), key...)
}

// HasSessionKey reports whether a session key has been installed.
func (c *ChainedCipher) HasSessionKey() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionKey != nil
}

// SessionKey returns a copy of the installed session key, or nil if none
// has been set. Used to fold the session key into the login digest
// (spec §4.1 hashAccessKey, §4.4 step 4).
func (c *ChainedCipher) SessionKey() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionKey == nil {
		return nil
	}
	return append([]byte(nil), c.sessionKey...)
}

// advanceSalt computes and records the next salt in the sequence. Callers
// must hold c.mu.
func (c *ChainedCipher) advanceSalt() []byte {
	var ivMix [IVSize]byte
	var password string

	if !c.started {
		for i := range ivMix {
			ivMix[i] = IVA[i] ^ IVB[i]
		}
		password = fmt.Sprintf("%d:%d:%d\n%s\n%s", c.seed1, c.seed2, c.index, csv(IVA), csv(IVB))
		c.started = true
	} else {
		c.index++
		for i := range ivMix {
			a := byte((int(c.lastSalt[i]) * int(IVA[i])) % 256)
			b := byte((int(c.lastSalt[i]) * int(IVB[i])) % 256)
			ivMix[i] = a ^ b
		}
		password = fmt.Sprintf("%d:%d:%d\n%s\n%s\n%s", c.seed1, c.seed2, c.index, csv(IVA), csv(IVB), csv(ivMix[:]))
	}

	digest := sha256.Sum256([]byte(password))
	iterations := 1000 + c.index
	salt := pbkdf2.Key(digest[:], ivMix[:], iterations, IVSize, sha256.New)

	c.lastSalt = salt
	return salt
}

// Encrypt advances the salt sequence and AES-CBC encrypts msg under the
// session key with the new salt as IV.
func (c *ChainedCipher) Encrypt(msg string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionKey == nil {
		return "", ErrDecryptFailed
	}
	salt := c.advanceSalt()
	return EncryptText(c.sessionKey, salt, msg)
}

// Decrypt advances the salt sequence and AES-CBC decrypts enc under the
// session key with the new salt as IV.
func (c *ChainedCipher) Decrypt(enc string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sessionKey == nil {
		return "", ErrDecryptFailed
	}
	salt := c.advanceSalt()
	return DecryptText(c.sessionKey, salt, enc)
}

// csv joins the unsigned-byte decimal representation of b with commas, the
// exact encoding the salt derivation's password string requires (spec §4.2).
func csv(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = strconv.Itoa(int(v))
	}
	return strings.Join(parts, ",")
}

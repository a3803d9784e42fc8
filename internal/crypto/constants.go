package crypto

import "encoding/base64"

// Hard-coded constants that both peers must agree on bit-for-bit (spec §6).
// Decoded once at init time rather than on every call.
var (
	// IVA is the fixed 16-byte IV labeled "A", used to derive the static
	// cipher key and as the first operand of the chained cipher's salt mix.
	IVA = mustDecodeB64("HqgZTw7dj1w1lT2t/6qK9Q==")

	// IVB is the fixed 16-byte IV labeled "B", the chained cipher's second
	// salt-mix operand.
	IVB = mustDecodeB64("EII5Psj91EB0drW5C/Xpxg==")

	// SessionKeyWrapSaltIV is the PBKDF2 salt used to derive the day-bound
	// IV that wraps a SessionKey under the static key (see
	// StaticCipher.WrapSessionKey / sessionWrapIV in static.go).
	SessionKeyWrapSaltIV = mustDecodeB64("2aYrIaRnlZZCSbxDtXlG/g==")
)

// SessionKeyWrapIterations is the PBKDF2 round count for the
// session-key-wrap key derivation (spec §6).
const SessionKeyWrapIterations = 10_000

func mustDecodeB64(s string) []byte {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		panic("crypto: invalid hard-coded constant: " + err.Error())
	}
	return b
}

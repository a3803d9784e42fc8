package wire

// EnvelopeCmd is the literal CMD token that marks a record as a secure
// envelope: the ARGS field carries base64 ciphertext (or, for the very
// first exchange-key record, the wire's raw ciphertext octets reinterpreted
// as Latin-1 text) rather than a plaintext command (spec §4.3, §6).
//
// Because a secure envelope is framed exactly like any other record
// ("_:" is the CMD, the payload is ARGS), the ordinary line parser in
// Buffer.Next handles it without any special case.
const EnvelopeCmd = "_:"

// IsEnvelope reports whether cmd marks a secure-envelope record.
func IsEnvelope(cmd string) bool {
	return cmd == EnvelopeCmd
}

// EncodeEnvelope frames payload (base64 ciphertext, or a raw-byte string
// reinterpreted as Latin-1 for the key-exchange handshake) as a secure
// envelope record.
func EncodeEnvelope(payload string) ([]byte, error) {
	return EncodeRecord(EnvelopeCmd, payload)
}

// Package wire implements the gatekeeper control channel's line-oriented
// framing: CMD ARGS\n records, an accumulation buffer with an overflow
// guard, and the secure-envelope prefix used once a connection has key
// exchanged. It knows nothing about connection state or command
// semantics — see internal/session for that.
package wire

import (
	"bytes"
	"errors"

	"golang.org/x/text/encoding/charmap"
)

// MaxBufferSize is the accumulation buffer's overflow threshold in octets
// (spec §3 invariant 5, §4.3).
const MaxBufferSize = 1024

// minRecordSize is the shortest buffered length worth attempting to parse.
const minRecordSize = 4

// ErrBufferOverflow is returned once the accumulation buffer exceeds
// MaxBufferSize without having framed a complete record; the caller must
// close the connection without attempting further parsing.
var ErrBufferOverflow = errors.New("wire: accumulation buffer overflow")

// ErrProtocol is returned for any framing violation that is not an
// overflow: a record with no space separator, a separator at an
// impossible position, or a line-feed preceding the separator.
var ErrProtocol = errors.New("wire: protocol error")

var latin1Decoder = charmap.ISO8859_1.NewDecoder()
var latin1Encoder = charmap.ISO8859_1.NewEncoder()

// Buffer accumulates bytes read off a connection and yields framed
// CMD/ARGS records as soon as enough of them have arrived.
type Buffer struct {
	data []byte
}

// Write appends p to the buffer. It returns ErrBufferOverflow once the
// buffer would exceed MaxBufferSize; the caller must close the connection
// immediately and must not call Write or Next again.
func (b *Buffer) Write(p []byte) error {
	b.data = append(b.data, p...)
	if len(b.data) > MaxBufferSize {
		return ErrBufferOverflow
	}
	return nil
}

// Next attempts to frame one record out of the buffer.
//
// ok is false with a nil error when more bytes are needed. ok is false
// with ErrProtocol when the buffered bytes can never form a valid record
// (the caller must close the connection). ok is true once a CMD/ARGS pair
// has been extracted and consumed from the buffer.
func (b *Buffer) Next() (cmd, args string, ok bool, err error) {
	if len(b.data) < minRecordSize {
		return "", "", false, nil
	}

	spaceIdx := bytes.IndexByte(b.data, ' ')
	lfIdx := bytes.IndexByte(b.data, '\n')

	if spaceIdx == -1 && lfIdx != -1 {
		return "", "", false, ErrProtocol
	}
	if spaceIdx != -1 && spaceIdx <= 1 {
		return "", "", false, ErrProtocol
	}
	if lfIdx == -1 {
		return "", "", false, nil
	}
	if lfIdx < spaceIdx {
		return "", "", false, ErrProtocol
	}

	cmdBytes := b.data[:spaceIdx]
	argsBytes := b.data[spaceIdx+1 : lfIdx]

	consumed := lfIdx + 1
	for consumed < len(b.data) {
		c := b.data[consumed]
		if c == '\n' || c == '\r' || c == ' ' {
			consumed++
			continue
		}
		break
	}
	b.data = append([]byte(nil), b.data[consumed:]...)

	cmd, err = decodeLatin1(cmdBytes)
	if err != nil {
		return "", "", false, ErrProtocol
	}
	args, err = decodeLatin1(argsBytes)
	if err != nil {
		return "", "", false, ErrProtocol
	}
	return trimLatin1Space(cmd), trimLatin1Space(args), true, nil
}

// EncodeRecord frames cmd and args into a single wire record: "CMD
// ARGS\n".
func EncodeRecord(cmd, args string) ([]byte, error) {
	line := cmd + " " + args + "\n"
	return encodeLatin1(line)
}

// EncodeLine frames a pre-rendered response line (e.g. "login: true") as
// a single wire record without imposing the CMD/ARGS request grammar on
// it; operational responses are free-form text, not request records.
func EncodeLine(line string) ([]byte, error) {
	return encodeLatin1(line + "\n")
}

// TextToOctets reverses the Latin-1 decode Buffer.Next applies to a raw
// record field, recovering the original byte sequence from a string
// whose runes are Latin-1 code points. Used for the key-exchange
// envelope, whose payload is raw ciphertext octets rather than base64
// text (spec §4.4).
func TextToOctets(s string) ([]byte, error) {
	return encodeLatin1(s)
}

// OctetsToText is the inverse of TextToOctets: it reinterprets raw bytes
// as Latin-1 code points, the encoding the key-exchange reply envelope
// uses on the wire (spec §4.4 step 3).
func OctetsToText(b []byte) (string, error) {
	return decodeLatin1(b)
}

func decodeLatin1(b []byte) (string, error) {
	out, err := latin1Decoder.Bytes(b)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func encodeLatin1(s string) ([]byte, error) {
	return latin1Encoder.Bytes([]byte(s))
}

func trimLatin1Space(s string) string {
	start, end := 0, len(s)
	for start < end && isLatin1Space(s[start]) {
		start++
	}
	for end > start && isLatin1Space(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isLatin1Space(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}

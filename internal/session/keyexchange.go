package session

import (
	"github.com/gatekeeperd/gatekeeper/internal/crypto"
	"github.com/gatekeeperd/gatekeeper/internal/wire"
)

// handleKeyExchange processes the first secure envelope on a connection,
// before any SessionKey exists: args carries the client's ExchangeKey,
// AES-CBC encrypted under StaticAESKey with IVA, its raw ciphertext
// octets reinterpreted as Latin-1 text (spec §4.4, §6).
func (c *Connection) handleKeyExchange(args string) bool {
	ciphertext, err := wire.TextToOctets(args)
	if err != nil {
		c.closeOnSocketError("key exchange: invalid octet text")
		return false
	}

	exchangeKey, err := c.staticCipher.UnwrapBytes(ciphertext)
	if err != nil {
		c.closeOnSocketError("key exchange: unwrap failure")
		return false
	}
	if len(exchangeKey) > crypto.KeySize {
		exchangeKey = exchangeKey[:crypto.KeySize]
	}

	sessionKey, err := crypto.RandomAESKey(0)
	if err != nil {
		c.closeOnSocketError("key exchange: session key generation failure")
		return false
	}

	innerWrap, err := c.staticCipher.WrapSessionKey(sessionKey, c.seed2)
	if err != nil {
		c.closeOnSocketError("key exchange: inner wrap failure")
		return false
	}
	outerWrap, err := crypto.EncryptBytes(exchangeKey, crypto.IVA, innerWrap)
	if err != nil {
		c.closeOnSocketError("key exchange: outer wrap failure")
		return false
	}

	replyText, err := wire.OctetsToText(outerWrap)
	if err != nil {
		c.closeOnSocketError("key exchange: reply encode failure")
		return false
	}
	record, err := wire.EncodeEnvelope(replyText)
	if err != nil {
		c.closeOnSocketError("key exchange: reply frame failure")
		return false
	}
	if _, err := c.conn.Write(record); err != nil {
		c.closeOnSocketError("key exchange: write failure")
		return false
	}

	c.chain.SetSessionKey(sessionKey)
	c.setState(StateKeyExchanged)
	return true
}

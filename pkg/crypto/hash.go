// Package crypto provides the hashing and signing primitives used by the
// embedded wallet.
package crypto

import (
	"bytes"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/zeebo/blake3"

	"github.com/Klingon-tech/cointerm/pkg/types"
)

// MessageMagic prefixes every signed message.
const MessageMagic = "Bitcoin Signed Message:\n"

// Checksum computes a BLAKE3-256 hash of the input data. It guards wallet
// dumps against truncation and edits.
func Checksum(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// MessageHash computes the digest signed by SignMessage:
// SHA256d(varstr(MessageMagic) || varstr(message)).
func MessageHash(message string) []byte {
	var buf bytes.Buffer
	// Writes to a bytes.Buffer cannot fail.
	_ = wire.WriteVarString(&buf, 0, MessageMagic)
	_ = wire.WriteVarString(&buf, 0, message)
	return chainhash.DoubleHashB(buf.Bytes())
}

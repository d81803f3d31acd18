package crypto

import (
	"encoding/base64"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// compactSigSize is the length of a recoverable compact signature.
const compactSigSize = 65

// Signer signs messages with a private key.
type Signer interface {
	// SignMessage returns the base64 compact signature of message.
	SignMessage(message string) (string, error)
	// PublicKey returns the serialized public key.
	PublicKey() []byte
}

// PrivateKey wraps a secp256k1 private key together with the public key
// encoding its address uses.
type PrivateKey struct {
	key        *secp256k1.PrivateKey
	compressed bool
}

// GenerateKey creates a new random private key with a compressed public key.
func GenerateKey() (*PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &PrivateKey{key: key, compressed: true}, nil
}

// PrivateKeyFromBytes creates a PrivateKey from a 32-byte secret.
func PrivateKeyFromBytes(b []byte, compressed bool) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, fmt.Errorf("private key must be 32 bytes, got %d", len(b))
	}
	return &PrivateKey{key: secp256k1.PrivKeyFromBytes(b), compressed: compressed}, nil
}

// PrivateKeyFromWIF decodes a wallet import format key. A non-nil params
// rejects keys encoded for another network.
func PrivateKeyFromWIF(s string, params *chaincfg.Params) (*PrivateKey, error) {
	w, err := btcutil.DecodeWIF(s)
	if err != nil {
		return nil, fmt.Errorf("decode wif: %w", err)
	}
	if params != nil && !w.IsForNet(params) {
		return nil, fmt.Errorf("wif key is not for %s", params.Name)
	}
	return PrivateKeyFromBytes(w.PrivKey.Serialize(), w.CompressPubKey)
}

// WIF encodes the key in wallet import format for params.
func (pk *PrivateKey) WIF(params *chaincfg.Params) (string, error) {
	// btcec keys share the decred secp256k1 representation.
	w, err := btcutil.NewWIF(pk.key, params, pk.compressed)
	if err != nil {
		return "", err
	}
	return w.String(), nil
}

// Compressed reports whether the public key is serialized compressed.
func (pk *PrivateKey) Compressed() bool {
	return pk.compressed
}

// PublicKey returns the serialized public key, 33 bytes when compressed and
// 65 otherwise.
func (pk *PrivateKey) PublicKey() []byte {
	if pk.compressed {
		return pk.key.PubKey().SerializeCompressed()
	}
	return pk.key.PubKey().SerializeUncompressed()
}

// Address returns the P2PKH address of the key.
func (pk *PrivateKey) Address(params *chaincfg.Params) (string, error) {
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pk.PublicKey()), params)
	if err != nil {
		return "", err
	}
	return addr.EncodeAddress(), nil
}

// Serialize returns the 32-byte private key scalar.
func (pk *PrivateKey) Serialize() []byte {
	return pk.key.Serialize()
}

// Zero securely zeroes the private key memory.
func (pk *PrivateKey) Zero() {
	pk.key.Zero()
}

// SignMessage signs message and returns the base64 compact signature.
func (pk *PrivateKey) SignMessage(message string) (string, error) {
	sig := ecdsa.SignCompact(pk.key, MessageHash(message), pk.compressed)
	return base64.StdEncoding.EncodeToString(sig), nil
}

// VerifyMessage checks a base64 compact signature over message against a
// P2PKH address. A malformed or non-matching signature yields false; only an
// invalid address is an error.
func VerifyMessage(address, signature, message string, params *chaincfg.Params) (bool, error) {
	decoded, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return false, fmt.Errorf("invalid address %q: %w", address, err)
	}
	if _, ok := decoded.(*btcutil.AddressPubKeyHash); !ok || !decoded.IsForNet(params) {
		return false, fmt.Errorf("address %q does not refer to a key", address)
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil || len(sig) != compactSigSize {
		return false, nil
	}
	pub, compressed, err := ecdsa.RecoverCompact(sig, MessageHash(message))
	if err != nil {
		return false, nil
	}
	var serialized []byte
	if compressed {
		serialized = pub.SerializeCompressed()
	} else {
		serialized = pub.SerializeUncompressed()
	}
	recovered, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(serialized), params)
	if err != nil {
		return false, nil
	}
	return recovered.EncodeAddress() == decoded.EncodeAddress(), nil
}

package wallet

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip32"

	"github.com/Klingon-tech/cointerm/pkg/crypto"
)

// BIP-44 derivation path constants.
// Full path: m/44'/coin'/account'/change/index
const (
	PurposeBIP44 = bip32.FirstHardenedChild + 44

	CoinTypeMainnet = bip32.FirstHardenedChild + 0
	CoinTypeTestnet = bip32.FirstHardenedChild + 1

	ChangeExternal = 0
	ChangeInternal = 1
)

// CoinType returns the hardened BIP-44 coin type for params.
func CoinType(params *chaincfg.Params) uint32 {
	if params.Net == chaincfg.MainNetParams.Net {
		return CoinTypeMainnet
	}
	return CoinTypeTestnet
}

// HDKey is a BIP-32 extended key.
type HDKey struct {
	key *bip32.Key
}

// NewMasterKey creates a master HD key from a 64-byte seed.
func NewMasterKey(seed []byte) (*HDKey, error) {
	if len(seed) != SeedSize {
		return nil, fmt.Errorf("seed must be %d bytes, got %d", SeedSize, len(seed))
	}
	master, err := bip32.NewMasterKey(seed)
	if err != nil {
		return nil, fmt.Errorf("create master key: %w", err)
	}
	return &HDKey{key: master}, nil
}

// ParseExtendedKey decodes a serialized extended key.
func ParseExtendedKey(s string) (*HDKey, error) {
	k, err := bip32.B58Deserialize(s)
	if err != nil {
		return nil, fmt.Errorf("parse extended key: %w", err)
	}
	return &HDKey{key: k}, nil
}

// String serializes the extended key.
func (k *HDKey) String() string {
	return k.key.B58Serialize()
}

// DeriveChild derives a child key at the given index.
// For hardened derivation, add bip32.FirstHardenedChild to the index.
func (k *HDKey) DeriveChild(index uint32) (*HDKey, error) {
	child, err := k.key.NewChildKey(index)
	if err != nil {
		return nil, fmt.Errorf("derive child %d: %w", index, err)
	}
	return &HDKey{key: child}, nil
}

// DerivePath derives a key along a sequence of indices.
func (k *HDKey) DerivePath(indices ...uint32) (*HDKey, error) {
	current := k
	for _, idx := range indices {
		child, err := current.DeriveChild(idx)
		if err != nil {
			return nil, err
		}
		current = child
	}
	return current, nil
}

// DeriveAccount derives the account key m/44'/coin'/account'.
func (k *HDKey) DeriveAccount(params *chaincfg.Params, account uint32) (*HDKey, error) {
	return k.DerivePath(PurposeBIP44, CoinType(params), bip32.FirstHardenedChild+account)
}

// DeriveAddress derives the key at m/44'/coin'/account'/change/index.
func (k *HDKey) DeriveAddress(params *chaincfg.Params, account, change, index uint32) (*HDKey, error) {
	acct, err := k.DeriveAccount(params, account)
	if err != nil {
		return nil, err
	}
	return acct.DerivePath(change, index)
}

// PrivateKeyBytes returns the raw 32-byte private key, or nil for a
// public-only key.
func (k *HDKey) PrivateKeyBytes() []byte {
	if !k.key.IsPrivate {
		return nil
	}
	// bip32 stores private keys with a leading zero byte.
	raw := k.key.Key
	if len(raw) == 33 && raw[0] == 0 {
		return raw[1:]
	}
	return raw
}

// PublicKeyBytes returns the compressed 33-byte public key.
func (k *HDKey) PublicKeyBytes() []byte {
	return k.key.PublicKey().Key
}

// Signer returns the private key for signing.
func (k *HDKey) Signer() (*crypto.PrivateKey, error) {
	priv := k.PrivateKeyBytes()
	if priv == nil {
		return nil, fmt.Errorf("cannot create signer from public key")
	}
	return crypto.PrivateKeyFromBytes(priv, true)
}

// Address returns the P2PKH address of the key's compressed public key.
func (k *HDKey) Address(params *chaincfg.Params) (string, error) {
	return pubKeyAddress(k.PublicKeyBytes(), params)
}

// IsPrivate returns true if this key contains a private key.
func (k *HDKey) IsPrivate() bool {
	return k.key.IsPrivate
}

// Depth returns the derivation depth (0 for master).
func (k *HDKey) Depth() uint8 {
	return k.key.Depth
}

// Neuter returns a public-key-only copy.
func (k *HDKey) Neuter() *HDKey {
	return &HDKey{key: k.key.PublicKey()}
}

package wallet

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const keystoreVersion = 2

// KeyEntry is one wallet address. HD entries record their derivation under
// the account key; imported entries keep their private key in the vault.
type KeyEntry struct {
	Address   string `json:"address"`
	Label     string `json:"label"`
	Change    uint32 `json:"change,omitempty"`
	Index     uint32 `json:"index"`
	Imported  bool   `json:"imported,omitempty"`
	CreatedAt int64  `json:"created_at"`
}

// Derivation returns the BIP-44 (change, index) pair of an HD entry.
func (e KeyEntry) Derivation() (change uint32, index uint32) {
	return e.Change, e.Index
}

// keystoreFile is the on-disk JSON format of a wallet. Everything except
// Vault is public; Vault is the JSON-encoded vault, sealed when Encrypted.
type keystoreFile struct {
	Version           int        `json:"version"`
	Network           string     `json:"network"`
	CreatedAt         time.Time  `json:"created_at"`
	AccountKey        string     `json:"account_key"`
	Keys              []KeyEntry `json:"keys"`
	KeyPool           []KeyEntry `json:"key_pool"`
	NextExternalIndex uint32     `json:"next_external_index"`
	Encrypted         bool       `json:"encrypted"`
	Vault             []byte     `json:"vault"`
}

// vault holds the wallet secrets.
type vault struct {
	Seed     []byte                 `json:"seed"`
	Imported map[string]importedKey `json:"imported,omitempty"`
}

type importedKey struct {
	Key        []byte `json:"key"`
	Compressed bool   `json:"compressed"`
}

func (v *vault) zero() {
	if v == nil {
		return
	}
	zero(v.Seed)
	for _, k := range v.Imported {
		zero(k.Key)
	}
}

func (kf *keystoreFile) find(address string) (int, bool) {
	for i := range kf.Keys {
		if kf.Keys[i].Address == address {
			return i, true
		}
	}
	return 0, false
}

// openVault decodes the vault, opening it with passphrase when sealed.
func (kf *keystoreFile) openVault(passphrase []byte) (*vault, error) {
	data := kf.Vault
	if kf.Encrypted {
		plain, err := Open(kf.Vault, passphrase)
		if err != nil {
			return nil, err
		}
		defer zero(plain)
		data = plain
	}
	var v vault
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("parse vault: %w", err)
	}
	if len(v.Seed) != SeedSize {
		return nil, fmt.Errorf("vault seed must be %d bytes, got %d", SeedSize, len(v.Seed))
	}
	return &v, nil
}

// storeVault replaces the stored vault, sealing it when passphrase is set.
func (kf *keystoreFile) storeVault(v *vault, passphrase []byte, kdf KDFParams) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal vault: %w", err)
	}
	if passphrase == nil {
		kf.Vault = data
		kf.Encrypted = false
		return nil
	}
	defer zero(data)
	sealed, err := Seal(data, passphrase, kdf)
	if err != nil {
		return fmt.Errorf("seal vault: %w", err)
	}
	kf.Vault = sealed
	kf.Encrypted = true
	return nil
}

// writeKeystore replaces the wallet file atomically.
func writeKeystore(path string, kf *keystoreFile) error {
	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal wallet: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create wallet dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write wallet: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write wallet: %w", err)
	}
	return nil
}

func readKeystore(path string) (*keystoreFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("wallet %s: %w", path, ErrNoWallet)
		}
		return nil, fmt.Errorf("read wallet: %w", err)
	}
	var kf keystoreFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("parse wallet: %w", err)
	}
	if kf.Version != keystoreVersion {
		return nil, fmt.Errorf("unsupported wallet version: %d", kf.Version)
	}
	return &kf, nil
}

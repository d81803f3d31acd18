package wallet

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"

	klog "github.com/Klingon-tech/cointerm/internal/log"
	"github.com/Klingon-tech/cointerm/pkg/crypto"
	"github.com/Klingon-tech/cointerm/pkg/types"
)

// Wallet errors.
var (
	ErrNoWallet         = errors.New("wallet file not found")
	ErrWalletExists     = errors.New("wallet file already exists")
	ErrLocked           = errors.New("please enter the wallet passphrase with walletpassphrase first")
	ErrNotEncrypted     = errors.New("running with an unencrypted wallet")
	ErrAlreadyEncrypted = errors.New("wallet is already encrypted")
	ErrEmptyPassphrase  = errors.New("passphrase can not be empty")
	ErrUnknownAddress   = errors.New("address does not refer to a key in the wallet")
	ErrWrongNetwork     = errors.New("wallet was created for another network")
)

// DefaultKeyPoolSize is the number of addresses KeyPoolRefill keeps ready
// when no size is given.
const DefaultKeyPoolSize = 100

// Wallet is an HD wallet persisted in a single keystore file. Public data
// (addresses, labels, key pool) is always available; secrets require the
// wallet to be unlocked when it is encrypted.
type Wallet struct {
	mu     sync.Mutex
	path   string
	params *chaincfg.Params
	kdf    KDFParams

	kf      *keystoreFile
	account *HDKey // neutered m/44'/coin'/0'

	secrets       *vault
	passphrase    []byte
	unlockedUntil time.Time
	lockTimer     *time.Timer
	lockGen       uint64
}

// Create writes a new wallet at path from mnemonic and its optional BIP-39
// passphrase. The wallet starts unencrypted.
func Create(path string, params *chaincfg.Params, mnemonic, seedPassphrase string, kdf KDFParams) (*Wallet, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("%s: %w", path, ErrWalletExists)
	}
	seed, err := SeedFromMnemonic(mnemonic, seedPassphrase)
	if err != nil {
		return nil, err
	}
	master, err := NewMasterKey(seed)
	if err != nil {
		return nil, err
	}
	acct, err := master.DeriveAccount(params, 0)
	if err != nil {
		return nil, err
	}

	kf := &keystoreFile{
		Version:    keystoreVersion,
		Network:    params.Name,
		CreatedAt:  time.Now().UTC(),
		AccountKey: acct.Neuter().String(),
		Keys:       []KeyEntry{},
		KeyPool:    []KeyEntry{},
	}
	v := &vault{Seed: seed, Imported: map[string]importedKey{}}
	if err := kf.storeVault(v, nil, kdf); err != nil {
		return nil, err
	}

	w := &Wallet{path: path, params: params, kdf: kdf, kf: kf, account: acct.Neuter(), secrets: v}
	if err := w.save(); err != nil {
		return nil, err
	}
	klog.Wallet.Info().Str("path", path).Str("network", params.Name).Msg("Wallet created")
	return w, nil
}

// Load opens an existing wallet file. Encrypted wallets start locked.
func Load(path string, params *chaincfg.Params, kdf KDFParams) (*Wallet, error) {
	kf, err := readKeystore(path)
	if err != nil {
		return nil, err
	}
	if kf.Network != params.Name {
		return nil, fmt.Errorf("%w: %s, want %s", ErrWrongNetwork, kf.Network, params.Name)
	}
	acct, err := ParseExtendedKey(kf.AccountKey)
	if err != nil {
		return nil, err
	}
	w := &Wallet{path: path, params: params, kdf: kdf, kf: kf, account: acct}
	if !kf.Encrypted {
		if w.secrets, err = kf.openVault(nil); err != nil {
			return nil, err
		}
	}
	klog.Wallet.Debug().Str("path", path).Bool("encrypted", kf.Encrypted).Int("keys", len(kf.Keys)).Msg("Wallet loaded")
	return w, nil
}

// Path returns the keystore file path.
func (w *Wallet) Path() string {
	return w.path
}

// Params returns the wallet's network parameters.
func (w *Wallet) Params() *chaincfg.Params {
	return w.params
}

// IsEncrypted reports whether the secrets are sealed with a passphrase.
func (w *Wallet) IsEncrypted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.kf.Encrypted
}

// IsLocked reports whether the secrets are unavailable.
func (w *Wallet) IsLocked() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.secrets == nil
}

// UnlockedUntil returns when an unlocked encrypted wallet relocks. It is
// zero while locked or when no timeout was set.
func (w *Wallet) UnlockedUntil() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.secrets == nil {
		return time.Time{}
	}
	return w.unlockedUntil
}

// Encrypt seals the wallet secrets under passphrase and locks the wallet.
func (w *Wallet) Encrypt(passphrase string) error {
	if passphrase == "" {
		return ErrEmptyPassphrase
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.kf.Encrypted {
		return ErrAlreadyEncrypted
	}
	if err := w.kf.storeVault(w.secrets, []byte(passphrase), w.kdf); err != nil {
		return err
	}
	if err := w.save(); err != nil {
		return err
	}
	w.lockLocked()
	klog.Wallet.Info().Msg("Wallet encrypted")
	return nil
}

// Unlock opens the secrets with passphrase. A positive timeout relocks the
// wallet after it elapses. Unlocking an unlocked wallet re-arms the timeout.
func (w *Wallet) Unlock(passphrase string, timeout time.Duration) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.kf.Encrypted {
		return ErrNotEncrypted
	}
	if w.secrets == nil {
		v, err := w.kf.openVault([]byte(passphrase))
		if err != nil {
			return err
		}
		w.secrets = v
		w.passphrase = []byte(passphrase)
	} else if string(w.passphrase) != passphrase {
		return ErrWrongPassphrase
	}

	w.stopTimer()
	w.unlockedUntil = time.Time{}
	if timeout > 0 {
		gen := w.lockGen
		w.unlockedUntil = time.Now().Add(timeout)
		w.lockTimer = time.AfterFunc(timeout, func() { w.expire(gen) })
	}
	return nil
}

// expire relocks the wallet unless the timer was re-armed or stopped
// after it fired.
func (w *Wallet) expire(gen uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if gen != w.lockGen || w.secrets == nil {
		return
	}
	w.lockLocked()
	klog.Wallet.Debug().Msg("Wallet relocked after timeout")
}

func (w *Wallet) stopTimer() {
	w.lockGen++
	if w.lockTimer != nil {
		w.lockTimer.Stop()
		w.lockTimer = nil
	}
}

// Lock forgets the decrypted secrets.
func (w *Wallet) Lock() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.kf.Encrypted {
		return ErrNotEncrypted
	}
	w.lockLocked()
	return nil
}

func (w *Wallet) lockLocked() {
	w.stopTimer()
	w.secrets.zero()
	w.secrets = nil
	zero(w.passphrase)
	w.passphrase = nil
	w.unlockedUntil = time.Time{}
}

// ChangePassphrase reseals the secrets under a new passphrase. The lock
// state is left unchanged.
func (w *Wallet) ChangePassphrase(oldPassphrase, newPassphrase string) error {
	if newPassphrase == "" {
		return ErrEmptyPassphrase
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.kf.Encrypted {
		return ErrNotEncrypted
	}
	v, err := w.kf.openVault([]byte(oldPassphrase))
	if err != nil {
		return err
	}
	defer v.zero()
	if err := w.kf.storeVault(v, []byte(newPassphrase), w.kdf); err != nil {
		return err
	}
	if w.secrets != nil {
		zero(w.passphrase)
		w.passphrase = []byte(newPassphrase)
	}
	return w.save()
}

// NewAddress hands out the next receive address under label, taking it from
// the key pool when one is ready.
func (w *Wallet) NewAddress(label string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var entry KeyEntry
	if len(w.kf.KeyPool) > 0 {
		entry = w.kf.KeyPool[0]
		w.kf.KeyPool = w.kf.KeyPool[1:]
	} else {
		e, err := w.deriveNext()
		if err != nil {
			return "", err
		}
		entry = e
	}
	entry.Label = label
	w.kf.Keys = append(w.kf.Keys, entry)
	if err := w.save(); err != nil {
		return "", err
	}
	klog.Wallet.Debug().Str("address", entry.Address).Uint32("index", entry.Index).Msg("New address")
	return entry.Address, nil
}

// deriveNext derives the next external address from the account key.
func (w *Wallet) deriveNext() (KeyEntry, error) {
	idx := w.kf.NextExternalIndex
	key, err := w.account.DerivePath(ChangeExternal, idx)
	if err != nil {
		return KeyEntry{}, err
	}
	addr, err := key.Address(w.params)
	if err != nil {
		return KeyEntry{}, err
	}
	w.kf.NextExternalIndex++
	return KeyEntry{
		Address:   addr,
		Change:    ChangeExternal,
		Index:     idx,
		CreatedAt: time.Now().Unix(),
	}, nil
}

// KeyPoolRefill derives addresses until the key pool holds size entries.
// A size of zero uses DefaultKeyPoolSize.
func (w *Wallet) KeyPoolRefill(size int) error {
	if size < 0 {
		return fmt.Errorf("invalid key pool size %d", size)
	}
	if size == 0 {
		size = DefaultKeyPoolSize
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for len(w.kf.KeyPool) < size {
		e, err := w.deriveNext()
		if err != nil {
			return err
		}
		w.kf.KeyPool = append(w.kf.KeyPool, e)
	}
	return w.save()
}

// KeyPoolSize returns the number of pre-derived addresses.
func (w *Wallet) KeyPoolSize() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.kf.KeyPool)
}

// KeyPoolOldest returns the creation time of the oldest pooled key, or zero.
func (w *Wallet) KeyPoolOldest() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.kf.KeyPool) == 0 {
		return 0
	}
	return w.kf.KeyPool[0].CreatedAt
}

// SetLabel assigns address to label.
func (w *Wallet) SetLabel(address, label string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	i, ok := w.kf.find(address)
	if !ok {
		return fmt.Errorf("%s: %w", address, ErrUnknownAddress)
	}
	w.kf.Keys[i].Label = label
	return w.save()
}

// Label returns the label of a wallet address.
func (w *Wallet) Label(address string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	i, ok := w.kf.find(address)
	if !ok {
		return "", false
	}
	return w.kf.Keys[i].Label, true
}

// Labels returns the sorted set of labels in use. The default label ""
// is always present.
func (w *Wallet) Labels() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	seen := map[string]struct{}{"": {}}
	for _, k := range w.kf.Keys {
		seen[k.Label] = struct{}{}
	}
	labels := make([]string, 0, len(seen))
	for l := range seen {
		labels = append(labels, l)
	}
	sort.Strings(labels)
	return labels
}

// Addresses returns every handed-out address in creation order.
func (w *Wallet) Addresses() []types.Address {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]types.Address, 0, len(w.kf.Keys))
	for _, k := range w.kf.Keys {
		out = append(out, types.Address{Name: k.Label, Address: k.Address})
	}
	return out
}

// AddressesByLabel returns the addresses assigned to label.
func (w *Wallet) AddressesByLabel(label string) []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []string
	for _, k := range w.kf.Keys {
		if k.Label == label {
			out = append(out, k.Address)
		}
	}
	return out
}

// ImportPrivKey adds a WIF-encoded key under label and returns its address.
// Importing a key the wallet already holds is a no-op.
func (w *Wallet) ImportPrivKey(wif, label string) (string, error) {
	key, err := crypto.PrivateKeyFromWIF(wif, w.params)
	if err != nil {
		return "", err
	}
	defer key.Zero()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.secrets == nil {
		return "", ErrLocked
	}
	addr, added, err := w.importKey(key, label, time.Now().Unix())
	if err != nil || !added {
		return addr, err
	}
	if err := w.commitImports(); err != nil {
		return "", err
	}
	klog.Wallet.Info().Str("address", addr).Msg("Imported private key")
	return addr, nil
}

// importKey records key in the unlocked vault and the key list without
// persisting either.
func (w *Wallet) importKey(key *crypto.PrivateKey, label string, created int64) (string, bool, error) {
	addr, err := key.Address(w.params)
	if err != nil {
		return "", false, err
	}
	if _, ok := w.kf.find(addr); ok {
		return addr, false, nil
	}
	if w.secrets.Imported == nil {
		w.secrets.Imported = map[string]importedKey{}
	}
	w.secrets.Imported[addr] = importedKey{Key: key.Serialize(), Compressed: key.Compressed()}
	w.kf.Keys = append(w.kf.Keys, KeyEntry{
		Address:   addr,
		Label:     label,
		Imported:  true,
		CreatedAt: created,
	})
	return addr, true, nil
}

// commitImports reseals the vault and writes the keystore.
func (w *Wallet) commitImports() error {
	if err := w.kf.storeVault(w.secrets, w.passphrase, w.kdf); err != nil {
		return err
	}
	return w.save()
}

// privateKey returns the signing key of a wallet address. The caller holds
// the lock and has checked the wallet is unlocked.
func (w *Wallet) privateKey(address string) (*crypto.PrivateKey, error) {
	i, ok := w.kf.find(address)
	if !ok {
		return nil, fmt.Errorf("%s: %w", address, ErrUnknownAddress)
	}
	entry := w.kf.Keys[i]
	if entry.Imported {
		k, ok := w.secrets.Imported[address]
		if !ok {
			return nil, fmt.Errorf("%s: imported key missing from vault", address)
		}
		return crypto.PrivateKeyFromBytes(k.Key, k.Compressed)
	}

	master, err := NewMasterKey(w.secrets.Seed)
	if err != nil {
		return nil, err
	}
	change, index := entry.Derivation()
	key, err := master.DeriveAddress(w.params, 0, change, index)
	if err != nil {
		return nil, err
	}
	return key.Signer()
}

// DumpPrivKey returns the WIF encoding of an address's private key.
func (w *Wallet) DumpPrivKey(address string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.secrets == nil {
		return "", ErrLocked
	}
	key, err := w.privateKey(address)
	if err != nil {
		return "", err
	}
	defer key.Zero()
	return key.WIF(w.params)
}

// SignMessage signs message with the key of address.
func (w *Wallet) SignMessage(address, message string) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.secrets == nil {
		return "", ErrLocked
	}
	key, err := w.privateKey(address)
	if err != nil {
		return "", err
	}
	defer key.Zero()
	return key.SignMessage(message)
}

// VerifyMessage checks a signed message against address. It needs no keys.
func (w *Wallet) VerifyMessage(address, signature, message string) (bool, error) {
	return crypto.VerifyMessage(address, signature, message, w.params)
}

// Backup copies the keystore file to dest. A directory destination keeps
// the wallet's file name.
func (w *Wallet) Backup(dest string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if fi, err := os.Stat(dest); err == nil && fi.IsDir() {
		dest = filepath.Join(dest, filepath.Base(w.path))
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read wallet: %w", err)
	}
	if err := os.WriteFile(dest, data, 0600); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	klog.Wallet.Info().Str("dest", dest).Msg("Wallet backed up")
	return nil
}

func (w *Wallet) save() error {
	return writeKeystore(w.path, w.kf)
}

// pubKeyAddress returns the P2PKH address of a serialized public key.
func pubKeyAddress(pub []byte, params *chaincfg.Params) (string, error) {
	addr, err := btcutil.NewAddressPubKeyHash(btcutil.Hash160(pub), params)
	if err != nil {
		return "", fmt.Errorf("encode address: %w", err)
	}
	return addr.EncodeAddress(), nil
}

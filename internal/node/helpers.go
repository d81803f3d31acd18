package node

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/chaincfg"

	"github.com/Klingon-tech/cointerm/config"
	klog "github.com/Klingon-tech/cointerm/internal/log"
	"github.com/Klingon-tech/cointerm/internal/storage"
	"github.com/Klingon-tech/cointerm/internal/wallet"
)

// mnemonicBits is the entropy of generated recovery phrases (24 words).
const mnemonicBits = 256

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

// openCache opens the chain cache: badger on disk, or memory when the
// embedded wallet is configured to keep nothing but its keystore.
func openCache(cfg *config.Config) (storage.DB, error) {
	if cfg.Embedded.InMemory || cfg.Backend == config.BackendDaemon {
		return storage.NewMemory(), nil
	}
	dir := expandHome(cfg.ChainCacheDir())
	db, err := storage.NewBadger(dir)
	if err != nil {
		return nil, fmt.Errorf("open chain cache at %s: %w", dir, err)
	}
	klog.Storage.Info().Str("path", dir).Msg("Chain cache opened")
	return db, nil
}

// openWallet loads the keystore at path, creating it when missing. The
// recovery phrase is returned only for a newly created wallet.
func openWallet(path string, params *chaincfg.Params, kdf wallet.KDFParams, mnemonic, seedPassphrase string) (*wallet.Wallet, string, error) {
	w, err := wallet.Load(path, params, kdf)
	if err == nil {
		return w, "", nil
	}
	if !errors.Is(err, wallet.ErrNoWallet) {
		return nil, "", fmt.Errorf("load wallet %s: %w", path, err)
	}

	if mnemonic == "" {
		if mnemonic, err = wallet.GenerateMnemonic(mnemonicBits); err != nil {
			return nil, "", fmt.Errorf("generate mnemonic: %w", err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, "", fmt.Errorf("create keystore dir: %w", err)
	}
	w, err = wallet.Create(path, params, mnemonic, seedPassphrase, kdf)
	if err != nil {
		return nil, "", fmt.Errorf("create wallet %s: %w", path, err)
	}
	return w, mnemonic, nil
}

// Package node assembles the wallet core from configuration: the daemon
// transport and supervisor, the explorer client, the chain index, the
// embedded wallet and the single active backend.
package node

import (
	"context"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/cointerm/config"
	"github.com/Klingon-tech/cointerm/internal/backend"
	daemonbackend "github.com/Klingon-tech/cointerm/internal/backend/daemon"
	"github.com/Klingon-tech/cointerm/internal/backend/embedded"
	"github.com/Klingon-tech/cointerm/internal/backend/stub"
	"github.com/Klingon-tech/cointerm/internal/chainindex"
	"github.com/Klingon-tech/cointerm/internal/daemon"
	"github.com/Klingon-tech/cointerm/internal/explorer"
	klog "github.com/Klingon-tech/cointerm/internal/log"
	"github.com/Klingon-tech/cointerm/internal/normalize"
	"github.com/Klingon-tech/cointerm/internal/rpcclient"
	"github.com/Klingon-tech/cointerm/internal/storage"
	"github.com/Klingon-tech/cointerm/internal/wallet"
)

// indexPrefix namespaces the chain index inside the cache database.
var indexPrefix = []byte("idx/")

// Options carries what configuration files cannot.
type Options struct {
	// Mnemonic seeds a new embedded wallet when no keystore exists. A fresh
	// one is generated when empty.
	Mnemonic       string
	SeedPassphrase string

	// KDF overrides the keystore key derivation cost.
	KDF *wallet.KDFParams

	// DaemonConf overrides reading the daemon conf file.
	DaemonConf *config.DaemonConf

	SupervisorOptions []daemon.Option
}

// Node owns every component of a running wallet core.
type Node struct {
	cfg    *config.Config
	logger zerolog.Logger

	// Chain cache
	db      storage.DB
	indexDB *storage.PrefixDB
	index   *chainindex.Index

	// Chain sources
	explorer   *explorer.Client
	rpc        *rpcclient.Client
	supervisor *daemon.Supervisor

	// Embedded wallet
	wallet   *wallet.Wallet
	mnemonic string

	backend backend.Backend
}

// New builds a node for cfg. The backend variant is chosen once from
// cfg.Backend. Nothing is started; call Start for that.
func New(cfg *config.Config, opts Options) (*Node, error) {
	n := &Node{cfg: cfg, logger: klog.WithComponent("node")}
	params := normalize.ParamsFor(string(cfg.Network))

	// ── 1. Chain cache ─────────────────────────────────────────────
	if cfg.Backend != config.BackendStub {
		db, err := openCache(cfg)
		if err != nil {
			return nil, err
		}
		n.db = db
		n.indexDB = storage.NewPrefixDB(db, indexPrefix)
		if n.index, err = chainindex.New(n.indexDB); err != nil {
			n.Close()
			return nil, fmt.Errorf("open chain index: %w", err)
		}
	}

	// ── 2. Explorer ────────────────────────────────────────────────
	if cfg.Explorer.URL != "" && n.index != nil {
		ex, err := explorer.New(explorer.Options{
			BaseURL:   cfg.Explorer.URL,
			Timeout:   cfg.Explorer.Timeout,
			RateLimit: cfg.Explorer.RateLimit,
			CacheSize: cfg.Explorer.CacheSize,
			Params:    params,
			Index:     n.index,
		})
		if err != nil {
			n.Close()
			return nil, err
		}
		n.explorer = ex
	}

	// ── 3. Backend ─────────────────────────────────────────────────
	var err error
	switch cfg.Backend {
	case config.BackendDaemon:
		err = n.setupDaemon(params, opts)
	case config.BackendEmbedded:
		err = n.setupEmbedded(params, opts)
	case config.BackendStub:
		n.backend = stub.New()
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		n.Close()
		return nil, err
	}

	n.logger.Info().
		Str("backend", string(cfg.Backend)).
		Str("network", string(cfg.Network)).
		Bool("explorer", n.explorer != nil).
		Msg("Wallet core ready")
	return n, nil
}

func (n *Node) setupDaemon(params *chaincfg.Params, opts Options) error {
	conf := opts.DaemonConf
	if conf == nil {
		var err error
		if conf, err = config.LoadDaemonConf(n.cfg.DaemonConfFile()); err != nil {
			return fmt.Errorf("load daemon conf: %w", err)
		}
	}

	gate := rpcclient.NewGate()
	n.rpc = rpcclient.New(rpcclient.Options{
		Host:        n.cfg.RPC.Host,
		Port:        n.cfg.RPC.Port,
		User:        n.cfg.RPC.User,
		Password:    n.cfg.RPC.Password,
		TLS:         n.cfg.RPC.TLS,
		MaxAttempts: n.cfg.RPC.MaxAttempts,
		RetryDelay:  n.cfg.RPC.RetryDelay,
		Timeout:     n.cfg.RPC.Timeout,
		Gate:        gate,
	})
	n.supervisor = daemon.New(n.cfg, conf, n.rpc, gate, opts.SupervisorOptions...)
	// The daemon reports confirmations itself.
	n.backend = daemonbackend.New(n.rpc, n.supervisor, normalize.New(params, nil))
	n.logger.Info().Str("endpoint", n.rpc.Endpoint()).Msg("Daemon transport configured")
	return nil
}

func (n *Node) setupEmbedded(params *chaincfg.Params, opts Options) error {
	kdf := wallet.DefaultKDFParams()
	if opts.KDF != nil {
		kdf = *opts.KDF
	}
	w, mnemonic, err := openWallet(expandHome(n.cfg.KeystorePath()), params, kdf, opts.Mnemonic, opts.SeedPassphrase)
	if err != nil {
		return err
	}
	n.wallet, n.mnemonic = w, mnemonic

	b, err := embedded.New(embedded.Options{Wallet: w, Chain: n.explorer, Index: n.index})
	if err != nil {
		return err
	}
	n.backend = b
	return nil
}

// Start brings up the chain source. With daemon.autostart set the daemon is
// spawned when not already running.
func (n *Node) Start(ctx context.Context) error {
	if n.supervisor == nil || !n.cfg.Daemon.AutoStart {
		return nil
	}
	started, err := n.backend.StartServer(ctx)
	if err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	if started {
		n.logger.Info().Msg("Daemon started")
	}
	return nil
}

// Close releases the backend and the chain cache.
func (n *Node) Close() error {
	var errList []error
	if n.backend != nil {
		if err := n.backend.Close(); err != nil {
			errList = append(errList, err)
		}
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			errList = append(errList, err)
		}
		n.db = nil
	}
	return errors.Join(errList...)
}

// ResetChainCache drops every indexed block and transaction. The tip known
// to this process is kept; wallet history is fetched again on the next
// refresh.
func (n *Node) ResetChainCache() error {
	if n.indexDB == nil {
		return nil
	}
	if err := n.indexDB.DeleteAll(); err != nil {
		return fmt.Errorf("reset chain cache: %w", err)
	}
	n.logger.Info().Msg("Chain cache cleared")
	return nil
}

// Backend returns the active backend.
func (n *Node) Backend() backend.Backend {
	return n.backend
}

// Explorer returns the explorer client, or nil when none is configured.
func (n *Node) Explorer() *explorer.Client {
	return n.explorer
}

// Wallet returns the embedded wallet, or nil for other backends.
func (n *Node) Wallet() *wallet.Wallet {
	return n.wallet
}

// Mnemonic returns the recovery phrase of a wallet created by New. It is
// empty when an existing keystore was loaded.
func (n *Node) Mnemonic() string {
	return n.mnemonic
}

// Config returns the node configuration.
func (n *Node) Config() *config.Config {
	return n.cfg
}

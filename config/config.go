// Package config handles application configuration.
//
// Configuration comes from three layers, lowest precedence first:
//   - Built-in defaults per network
//   - The cointerm.conf key = value file
//   - Command-line flags
//
// RPC credentials the user leaves unset are filled from the daemon's own
// conf file, so a stock bitcoind setup needs no extra configuration.
package config

import (
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// NetworkType identifies mainnet or testnet.
type NetworkType string

const (
	Mainnet NetworkType = "mainnet"
	Testnet NetworkType = "testnet"
)

// BackendKind selects the wallet backend variant.
type BackendKind string

const (
	BackendDaemon   BackendKind = "daemon"
	BackendEmbedded BackendKind = "embedded"
	BackendStub     BackendKind = "stub"
)

// Config holds cointerm runtime configuration.
type Config struct {
	// Core
	Backend BackendKind `conf:"backend"`
	Network NetworkType `conf:"network"`
	DataDir string      `conf:"datadir"`

	// Daemon RPC transport
	RPC RPCConfig

	// Daemon process supervision
	Daemon DaemonConfig

	// Public block explorer
	Explorer ExplorerConfig

	// In-process wallet
	Embedded EmbeddedConfig

	// Logging
	Log LogConfig

	// Prometheus endpoint
	Metrics MetricsConfig
}

// RPCConfig holds daemon JSON-RPC client settings.
type RPCConfig struct {
	Host        string        `conf:"rpc.host"`
	Port        int           `conf:"rpc.port"`
	User        string        `conf:"rpc.user"`
	Password    string        `conf:"rpc.password"`
	TLS         bool          `conf:"rpc.tls"`
	MaxAttempts int           `conf:"rpc.maxattempts"`
	RetryDelay  time.Duration `conf:"rpc.retrydelay"`
	Timeout     time.Duration `conf:"rpc.timeout"`
}

// DaemonConfig holds settings for spawning a local daemon.
type DaemonConfig struct {
	Binary      string        `conf:"daemon.binary"`
	DataDir     string        `conf:"daemon.datadir"`
	ConfFile    string        `conf:"daemon.conf"`
	AutoStart   bool          `conf:"daemon.autostart"`
	SettleDelay time.Duration `conf:"daemon.settle"`
	StopTimeout time.Duration `conf:"daemon.stoptimeout"`
}

// ExplorerConfig holds block explorer client settings.
type ExplorerConfig struct {
	URL       string        `conf:"explorer.url"`
	Timeout   time.Duration `conf:"explorer.timeout"`
	RateLimit float64       `conf:"explorer.ratelimit"` // requests per second, 0 = unlimited
	CacheSize int           `conf:"explorer.cache"`
}

// EmbeddedConfig holds in-process wallet settings.
type EmbeddedConfig struct {
	KeystoreFile string `conf:"embedded.keystore"`
	InMemory     bool   `conf:"embedded.inmemory"` // Keep the chain cache in memory only.
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `conf:"log.level"`
	File  string `conf:"log.file"`
	JSON  bool   `conf:"log.json"`
}

// MetricsConfig holds the optional Prometheus listener.
type MetricsConfig struct {
	Addr string `conf:"metrics.addr"`
}

// =============================================================================
// Directory helpers
// =============================================================================

// DefaultDataDir returns the platform-specific default data directory.
//
//	Linux:   ~/.cointerm
//	macOS:   ~/Library/Application Support/Cointerm
//	Windows: %APPDATA%\Cointerm
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".cointerm"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Cointerm")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Cointerm")
		}
		return filepath.Join(home, "AppData", "Roaming", "Cointerm")
	default:
		return filepath.Join(home, ".cointerm")
	}
}

// DefaultDaemonDataDir returns the daemon's own default data directory.
func DefaultDaemonDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".bitcoin"
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", "Bitcoin")
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData != "" {
			return filepath.Join(appData, "Bitcoin")
		}
		return filepath.Join(home, "AppData", "Roaming", "Bitcoin")
	default:
		return filepath.Join(home, ".bitcoin")
	}
}

// ChainDataDir returns the network-specific data directory.
func (c *Config) ChainDataDir() string {
	return filepath.Join(c.DataDir, string(c.Network))
}

// ChainCacheDir returns the embedded backend's chain cache directory.
func (c *Config) ChainCacheDir() string {
	return filepath.Join(c.ChainDataDir(), "chain")
}

// KeystorePath returns the embedded wallet keystore file.
func (c *Config) KeystorePath() string {
	if c.Embedded.KeystoreFile != "" {
		return c.Embedded.KeystoreFile
	}
	return filepath.Join(c.ChainDataDir(), "wallet.json")
}

// LogsDir returns the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// ConfigFile returns the config file path.
func (c *Config) ConfigFile() string {
	return filepath.Join(c.DataDir, "cointerm.conf")
}

// DaemonConfFile returns the daemon conf file path.
func (c *Config) DaemonConfFile() string {
	if c.Daemon.ConfFile != "" {
		return c.Daemon.ConfFile
	}
	return filepath.Join(c.Daemon.DataDir, "bitcoin.conf")
}

// DaemonNetDir returns the daemon directory holding network-specific state.
func (c *Config) DaemonNetDir() string {
	if c.Network == Testnet {
		return filepath.Join(c.Daemon.DataDir, "testnet3")
	}
	return c.Daemon.DataDir
}

// PidFile returns the daemon pidfile path.
func (c *Config) PidFile() string {
	return filepath.Join(c.DaemonNetDir(), "bitcoind.pid")
}

// CustomDaemonDataDir reports whether the daemon data directory differs from
// the daemon's own default.
func (c *Config) CustomDaemonDataDir() bool {
	return filepath.Clean(c.Daemon.DataDir) != filepath.Clean(DefaultDaemonDataDir())
}

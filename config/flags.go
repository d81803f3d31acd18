package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrHelp is returned by ParseFlags and Load when --help was requested.
var ErrHelp = errors.New("help requested")

// Flags holds parsed command-line flags.
type Flags struct {
	// Commands
	Help    bool
	Version bool

	// Core
	Backend string
	Network string
	Testnet bool
	DataDir string
	Config  string

	// RPC
	RPCHost     string
	RPCPort     int
	RPCUser     string
	RPCPassword string
	RPCTLS      bool

	// Daemon
	DaemonBinary  string
	DaemonDataDir string
	AutoStart     bool

	// Explorer
	ExplorerURL string

	// Logging
	LogLevel string
	LogFile  string
	LogJSON  bool

	// Metrics
	MetricsAddr string

	// Remaining args (subcommand and its arguments)
	Args []string

	// Explicitly-set bool flags (for true/false overrides).
	SetRPCTLS    bool
	SetAutoStart bool
	SetLogJSON   bool
}

// ParseFlags parses global command-line flags. Parsing stops at the first
// positional argument, which starts the subcommand.
func ParseFlags(args []string) (*Flags, error) {
	f := &Flags{}
	fs := flag.NewFlagSet("cointerm", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	// Commands
	fs.BoolVar(&f.Help, "help", false, "Show help message")
	fs.BoolVar(&f.Help, "h", false, "Show help message (shorthand)")
	fs.BoolVar(&f.Version, "version", false, "Show version information")

	// Core
	fs.StringVar(&f.Backend, "backend", "", "Wallet backend (daemon, embedded, stub)")
	fs.StringVar(&f.Network, "network", "", "Network type (mainnet or testnet)")
	fs.BoolVar(&f.Testnet, "testnet", false, "Use testnet (shorthand for --network=testnet)")
	fs.StringVar(&f.DataDir, "datadir", "", "Data directory path")
	fs.StringVar(&f.Config, "config", "", "Config file path")
	fs.StringVar(&f.Config, "c", "", "Config file path (shorthand)")

	// RPC
	fs.StringVar(&f.RPCHost, "rpc-host", "", "Daemon RPC host")
	fs.IntVar(&f.RPCPort, "rpc-port", 0, "Daemon RPC port")
	fs.StringVar(&f.RPCUser, "rpc-user", "", "Daemon RPC user")
	fs.StringVar(&f.RPCPassword, "rpc-password", "", "Daemon RPC password")
	fs.BoolVar(&f.RPCTLS, "rpc-tls", false, "Use HTTPS for daemon RPC")

	// Daemon
	fs.StringVar(&f.DaemonBinary, "daemon-binary", "", "Daemon executable")
	fs.StringVar(&f.DaemonDataDir, "daemon-datadir", "", "Daemon data directory")
	fs.BoolVar(&f.AutoStart, "autostart", true, "Start the daemon if it is not running")

	// Explorer
	fs.StringVar(&f.ExplorerURL, "explorer-url", "", "Block explorer base URL")

	// Logging
	fs.StringVar(&f.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fs.StringVar(&f.LogFile, "log-file", "", "Log file path")
	fs.BoolVar(&f.LogJSON, "log-json", false, "Output logs as JSON")

	// Metrics
	fs.StringVar(&f.MetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, ErrHelp
		}
		return nil, err
	}

	if f.Testnet {
		f.Network = string(Testnet)
	}
	f.SetRPCTLS = isFlagSet(fs, "rpc-tls")
	f.SetAutoStart = isFlagSet(fs, "autostart")
	f.SetLogJSON = isFlagSet(fs, "log-json")

	f.Args = fs.Args()
	return f, nil
}

// ApplyFlags applies command-line flags to a Config struct.
func ApplyFlags(cfg *Config, f *Flags) {
	// Core
	if f.Backend != "" {
		cfg.Backend = BackendKind(strings.ToLower(f.Backend))
	}
	if f.Network != "" {
		cfg.Network = NetworkType(f.Network)
	}
	if f.DataDir != "" {
		cfg.DataDir = f.DataDir
	}

	// RPC
	if f.RPCHost != "" {
		cfg.RPC.Host = f.RPCHost
	}
	if f.RPCPort != 0 {
		cfg.RPC.Port = f.RPCPort
	}
	if f.RPCUser != "" {
		cfg.RPC.User = f.RPCUser
	}
	if f.RPCPassword != "" {
		cfg.RPC.Password = f.RPCPassword
	}
	if f.SetRPCTLS {
		cfg.RPC.TLS = f.RPCTLS
	}

	// Daemon
	if f.DaemonBinary != "" {
		cfg.Daemon.Binary = f.DaemonBinary
	}
	if f.DaemonDataDir != "" {
		cfg.Daemon.DataDir = f.DaemonDataDir
	}
	if f.SetAutoStart {
		cfg.Daemon.AutoStart = f.AutoStart
	}

	// Explorer
	if f.ExplorerURL != "" {
		cfg.Explorer.URL = strings.TrimRight(f.ExplorerURL, "/")
	}

	// Logging
	if f.LogLevel != "" {
		cfg.Log.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Log.File = f.LogFile
	}
	if f.SetLogJSON {
		cfg.Log.JSON = f.LogJSON
	}

	// Metrics
	if f.MetricsAddr != "" {
		cfg.Metrics.Addr = f.MetricsAddr
	}
}

// isFlagSet checks if a flag was explicitly set.
func isFlagSet(fs *flag.FlagSet, name string) bool {
	found := false
	fs.Visit(func(f *flag.Flag) {
		if f.Name == name {
			found = true
		}
	})
	return found
}

// PrintUsage writes the global usage text.
func PrintUsage(w io.Writer) {
	usage := `Cointerm - terminal wallet core for bitcoind-family daemons

Usage:
  cointerm [options] <command> [args]

Core Options:
  --backend       Wallet backend: daemon (default), embedded or stub
  --network       Network type: mainnet (default) or testnet
  --testnet       Shorthand for --network=testnet
  --datadir       Data directory (default: ~/.cointerm)
  --config, -c    Config file path (default: <datadir>/cointerm.conf)

RPC Options:
  --rpc-host      Daemon RPC host (default: 127.0.0.1)
  --rpc-port      Daemon RPC port (mainnet: 8332, testnet: 18332)
  --rpc-user      Daemon RPC user (default: rpcuser from bitcoin.conf)
  --rpc-password  Daemon RPC password (default: rpcpassword from bitcoin.conf)
  --rpc-tls       Use HTTPS

Daemon Options:
  --daemon-binary   Daemon executable (default: bitcoind)
  --daemon-datadir  Daemon data directory (default: ~/.bitcoin)
  --autostart       Start the daemon when it is not running (default: true)

Explorer Options:
  --explorer-url  Block explorer base URL (default: https://blockchain.info)

Logging Options:
  --log-level     Log level: debug, info, warn, error (default: info)
  --log-file      Log file path (rotated)
  --log-json      Output logs as JSON
  --metrics-addr  Serve Prometheus metrics, e.g. 127.0.0.1:9332
`
	fmt.Fprint(w, usage)
}

// Load loads configuration with the following precedence:
// 1. Default values
// 2. Auto-create data dirs + default config (idempotent)
// 3. Config file
// 4. Command-line flags
// 5. Daemon conf file for RPC settings still unset
func Load(args []string) (*Config, *Flags, error) {
	flags, err := ParseFlags(args)
	if err != nil {
		return nil, nil, err
	}
	if flags.Help {
		return nil, flags, ErrHelp
	}

	// Determine network first (needed for defaults)
	network := Mainnet
	if strings.ToLower(flags.Network) == string(Testnet) {
		network = Testnet
	}

	cfg := Default(network)
	if flags.DataDir != "" {
		cfg.DataDir = flags.DataDir
	}

	if err := EnsureDataDirs(cfg); err != nil {
		return nil, nil, fmt.Errorf("ensuring data dirs: %w", err)
	}

	configPath := flags.Config
	if configPath == "" {
		configPath = cfg.ConfigFile()
	}
	fileValues, err := LoadFile(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config file: %w", err)
	}
	if err := ApplyFileConfig(cfg, fileValues); err != nil {
		return nil, nil, fmt.Errorf("applying config file: %w", err)
	}

	// Apply flags (highest precedence)
	ApplyFlags(cfg, flags)

	if cfg.Backend == BackendDaemon {
		dc, err := LoadDaemonConf(cfg.DaemonConfFile())
		if err != nil {
			return nil, nil, fmt.Errorf("loading daemon conf: %w", err)
		}
		ApplyDaemonConf(cfg, dc)
	}

	if err := Validate(cfg); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, flags, nil
}

// EnsureDataDirs creates the data directory structure and a default config
// file if they don't already exist. This is idempotent: safe to call on
// every startup.
func EnsureDataDirs(cfg *Config) error {
	dirs := []string{
		cfg.DataDir,
		cfg.ChainDataDir(),
		cfg.LogsDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return fmt.Errorf("creating directory %s: %w", dir, err)
		}
	}

	// Create default config if it doesn't exist.
	configPath := cfg.ConfigFile()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := WriteDefaultConfig(configPath, cfg.Network); err != nil {
			return fmt.Errorf("writing config file: %w", err)
		}
	}

	return nil
}

package config

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFile loads configuration from a .conf file.
// Format: key = value (one per line, # for comments). Keys are lower-cased
// and stripped of whitespace. A missing file yields an empty map.
func LoadFile(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string]string), nil
		}
		return nil, err
	}
	defer file.Close()
	return parseConf(file, true)
}

// parseConf reads key = value lines. In strict mode a line without '='
// is an error, otherwise it is skipped.
func parseConf(r io.Reader, strict bool) (map[string]string, error) {
	values := make(map[string]string)
	scanner := bufio.NewScanner(r)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			if strict {
				return nil, fmt.Errorf("line %d: invalid format (expected key = value)", lineNum)
			}
			continue
		}

		key := normalizeKey(parts[0])
		value := strings.TrimSpace(parts[1])

		// Remove quotes if present
		if len(value) >= 2 {
			if (value[0] == '"' && value[len(value)-1] == '"') ||
				(value[0] == '\'' && value[len(value)-1] == '\'') {
				value = value[1 : len(value)-1]
			}
		}

		values[key] = value
	}

	return values, scanner.Err()
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.Join(strings.Fields(k), ""))
}

// ApplyFileConfig applies file configuration to a Config struct.
func ApplyFileConfig(cfg *Config, values map[string]string) error {
	for key, value := range values {
		if err := setConfigValue(cfg, key, value); err != nil {
			return fmt.Errorf("config key %q: %w", key, err)
		}
	}
	return nil
}

// setConfigValue sets a config value by key.
func setConfigValue(cfg *Config, key, value string) error {
	switch key {
	// Core
	case "backend":
		cfg.Backend = BackendKind(strings.ToLower(value))
	case "network":
		cfg.Network = NetworkType(value)
	case "datadir":
		cfg.DataDir = value

	// RPC
	case "rpc.host":
		cfg.RPC.Host = value
	case "rpc.port":
		port, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.RPC.Port = port
	case "rpc.user":
		cfg.RPC.User = value
	case "rpc.password":
		cfg.RPC.Password = value
	case "rpc.tls":
		cfg.RPC.TLS = parseBool(value)
	case "rpc.maxattempts":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.RPC.MaxAttempts = n
	case "rpc.retrydelay":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.RPC.RetryDelay = d
	case "rpc.timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.RPC.Timeout = d

	// Daemon
	case "daemon.binary":
		cfg.Daemon.Binary = value
	case "daemon.datadir":
		cfg.Daemon.DataDir = value
	case "daemon.conf":
		cfg.Daemon.ConfFile = value
	case "daemon.autostart":
		cfg.Daemon.AutoStart = parseBool(value)
	case "daemon.settle":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Daemon.SettleDelay = d
	case "daemon.stoptimeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Daemon.StopTimeout = d

	// Explorer
	case "explorer.url":
		cfg.Explorer.URL = strings.TrimRight(value, "/")
	case "explorer.timeout":
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		cfg.Explorer.Timeout = d
	case "explorer.ratelimit":
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		cfg.Explorer.RateLimit = f
	case "explorer.cache":
		n, err := strconv.Atoi(value)
		if err != nil {
			return err
		}
		cfg.Explorer.CacheSize = n

	// Embedded
	case "embedded.keystore":
		cfg.Embedded.KeystoreFile = value
	case "embedded.inmemory":
		cfg.Embedded.InMemory = parseBool(value)

	// Logging
	case "log.level":
		cfg.Log.Level = value
	case "log.file":
		cfg.Log.File = value
	case "log.json":
		cfg.Log.JSON = parseBool(value)

	// Metrics
	case "metrics.addr":
		cfg.Metrics.Addr = value

	default:
		// Unknown keys are ignored
	}
	return nil
}

// parseBool parses a boolean value.
func parseBool(s string) bool {
	s = strings.ToLower(s)
	return s == "true" || s == "1" || s == "yes" || s == "on"
}

// WriteDefaultConfig writes a default configuration file.
func WriteDefaultConfig(path string, network NetworkType) error {
	content := `# Cointerm Configuration

# Network: mainnet or testnet
network = ` + string(network) + `

# Wallet backend: daemon, embedded or stub
backend = daemon

# Data directory (default: ~/.cointerm)
# datadir = ~/.cointerm

# ============================================================================
# Daemon RPC
# ============================================================================

rpc.host = 127.0.0.1
rpc.port = ` + defaultRPCPort(network) + `
# Credentials default to rpcuser/rpcpassword from the daemon's bitcoin.conf
# rpc.user =
# rpc.password =
# rpc.maxattempts = 30
# rpc.retrydelay = 1s

# ============================================================================
# Daemon process
# ============================================================================

daemon.autostart = true
# daemon.binary = bitcoind
# daemon.datadir = ~/.bitcoin

# ============================================================================
# Block explorer
# ============================================================================

# explorer.url = https://blockchain.info
# explorer.ratelimit = 2

# ============================================================================
# Logging
# ============================================================================

log.level = info
# log.file =
log.json = false

# metrics.addr = 127.0.0.1:9332
`
	return os.WriteFile(path, []byte(content), 0600)
}

func defaultRPCPort(network NetworkType) string {
	if network == Testnet {
		return strconv.Itoa(TestnetRPCPort)
	}
	return strconv.Itoa(MainnetRPCPort)
}

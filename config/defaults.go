package config

import "time"

// Default RPC ports of the daemon.
const (
	MainnetRPCPort = 8332
	TestnetRPCPort = 18332
)

// DefaultMainnet returns the default configuration for mainnet.
func DefaultMainnet() *Config {
	return &Config{
		Backend: BackendDaemon,
		Network: Mainnet,
		DataDir: DefaultDataDir(),
		RPC: RPCConfig{
			Host:        "127.0.0.1",
			Port:        MainnetRPCPort,
			MaxAttempts: 30,
			RetryDelay:  time.Second,
			Timeout:     30 * time.Second,
		},
		Daemon: DaemonConfig{
			Binary:      "bitcoind",
			DataDir:     DefaultDaemonDataDir(),
			AutoStart:   true,
			SettleDelay: time.Second,
			StopTimeout: 30 * time.Second,
		},
		Explorer: ExplorerConfig{
			URL:       "https://blockchain.info",
			Timeout:   15 * time.Second,
			RateLimit: 2,
			CacheSize: 512,
		},
		Log: LogConfig{
			Level: "info",
			JSON:  false,
		},
	}
}

// DefaultTestnet returns the default configuration for testnet.
func DefaultTestnet() *Config {
	cfg := DefaultMainnet()
	cfg.Network = Testnet
	cfg.RPC.Port = TestnetRPCPort
	cfg.Explorer.URL = "https://testnet.blockchain.info"
	return cfg
}

// Default returns the default configuration for the given network.
func Default(network NetworkType) *Config {
	switch network {
	case Testnet:
		return DefaultTestnet()
	default:
		return DefaultMainnet()
	}
}

package config

import (
	"fmt"
	"net/url"
)

// Validate checks runtime config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	switch cfg.Backend {
	case BackendDaemon, BackendEmbedded, BackendStub:
	default:
		return fmt.Errorf("backend must be %q, %q or %q", BackendDaemon, BackendEmbedded, BackendStub)
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}
	if cfg.RPC.MaxAttempts < 1 {
		return fmt.Errorf("rpc.maxattempts must be at least 1")
	}
	if cfg.RPC.RetryDelay < 0 {
		return fmt.Errorf("rpc.retrydelay must not be negative")
	}
	if cfg.Backend == BackendDaemon && cfg.Daemon.AutoStart && cfg.Daemon.Binary == "" {
		return fmt.Errorf("daemon.binary is required when daemon.autostart is enabled")
	}
	if cfg.Explorer.URL != "" {
		u, err := url.Parse(cfg.Explorer.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("explorer.url %q is not an absolute URL", cfg.Explorer.URL)
		}
	}
	if cfg.Explorer.RateLimit < 0 {
		return fmt.Errorf("explorer.ratelimit must not be negative")
	}
	if cfg.Backend == BackendEmbedded && cfg.Explorer.URL == "" {
		return fmt.Errorf("embedded backend requires explorer.url as its chain source")
	}
	return nil
}

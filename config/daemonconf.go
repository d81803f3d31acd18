package config

import (
	"fmt"
	"os"
	"strconv"
)

// DaemonConf holds the values cointerm reads from the daemon's conf file.
type DaemonConf struct {
	RPCUser     string
	RPCPassword string
	RPCPort     int
	Testnet     bool

	// Values holds every key with lower-cased, whitespace-stripped names.
	Values map[string]string
}

// LoadDaemonConf reads the daemon conf file. A missing file yields an empty
// DaemonConf. Lines that are not key = value pairs (such as section headers)
// are skipped.
func LoadDaemonConf(path string) (*DaemonConf, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &DaemonConf{Values: map[string]string{}}, nil
		}
		return nil, err
	}
	defer file.Close()

	values, err := parseConf(file, false)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	dc := &DaemonConf{
		RPCUser:     values["rpcuser"],
		RPCPassword: values["rpcpassword"],
		Testnet:     parseBool(values["testnet"]),
		Values:      values,
	}
	if p, ok := values["rpcport"]; ok && p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("rpcport %q: %w", p, err)
		}
		dc.RPCPort = port
	}
	return dc, nil
}

// ApplyDaemonConf fills RPC settings the user left unset from the daemon conf.
// The port is taken from the conf file only while cfg still holds the network
// default.
func ApplyDaemonConf(cfg *Config, dc *DaemonConf) {
	if dc == nil {
		return
	}
	if cfg.RPC.User == "" {
		cfg.RPC.User = dc.RPCUser
	}
	if cfg.RPC.Password == "" {
		cfg.RPC.Password = dc.RPCPassword
	}
	if dc.RPCPort != 0 && cfg.RPC.Port == Default(cfg.Network).RPC.Port {
		cfg.RPC.Port = dc.RPCPort
	}
}

// Package config loads the daemon's bootstrap configuration: the
// control socket listen address, default log level, and an optional
// set of tunnels to preconfigure at startup. It follows the teacher's
// l2tp/config.go pattern of loading TOML into an untyped map and
// validating field-by-field with small toXxx helpers, rather than
// relying on struct-tag unmarshalling.
package config

import (
	"fmt"

	"github.com/pelletier/go-toml"
)

// Config is the parsed form of the daemon's TOML configuration file.
type Config struct {
	cm      map[string]interface{}
	daemon  DaemonConfig
	tunnels map[string]*TunnelConfig
}

// DaemonConfig holds the top-level [daemon] table.
type DaemonConfig struct {
	ListenAddress string
	LogLevel      string
}

// TunnelConfig describes one tunnel to create automatically at
// startup, named by its [tunnel.<name>] table.
type TunnelConfig struct {
	LocalAddr  string
	LocalPort  uint32
	RemoteAddr string
	RemotePort uint32
	RxTEID     uint32
	TxTEID     uint32
	UserAddr   string
	TunDevName string
	TunNetns   string
}

func toString(v interface{}) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("supplied value could not be parsed as a string")
}

func toUint32(v interface{}) (uint32, error) {
	// go-toml's ToMap represents integers as int64 or uint64 depending
	// on sign; accept either and range-check into a uint32.
	if b, ok := v.(int64); ok {
		if b < 0 || b > 0xffffffff {
			return 0, fmt.Errorf("value %x out of range", b)
		}
		return uint32(b), nil
	} else if b, ok := v.(uint64); ok {
		if b > 0xffffffff {
			return 0, fmt.Errorf("value %x out of range", b)
		}
		return uint32(b), nil
	}
	return 0, fmt.Errorf("unexpected %T value %v", v, v)
}

func newDaemonConfig(dm map[string]interface{}) (DaemonConfig, error) {
	dc := DaemonConfig{ListenAddress: "127.0.0.1:8877", LogLevel: "info"}
	for k, v := range dm {
		var err error
		switch k {
		case "listen_address":
			dc.ListenAddress, err = toString(v)
		case "log_level":
			dc.LogLevel, err = toString(v)
		default:
			return dc, fmt.Errorf("unrecognised parameter %q", k)
		}
		if err != nil {
			return dc, fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	return dc, nil
}

func newTunnelConfig(tm map[string]interface{}) (*TunnelConfig, error) {
	tc := &TunnelConfig{}
	for k, v := range tm {
		var err error
		switch k {
		case "local_addr":
			tc.LocalAddr, err = toString(v)
		case "local_port":
			tc.LocalPort, err = toUint32(v)
		case "remote_addr":
			tc.RemoteAddr, err = toString(v)
		case "remote_port":
			tc.RemotePort, err = toUint32(v)
		case "rx_teid":
			tc.RxTEID, err = toUint32(v)
		case "tx_teid":
			tc.TxTEID, err = toUint32(v)
		case "user_addr":
			tc.UserAddr, err = toString(v)
		case "tun_dev_name":
			tc.TunDevName, err = toString(v)
		case "tun_netns_name":
			tc.TunNetns, err = toString(v)
		default:
			return nil, fmt.Errorf("unrecognised parameter %q", k)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to process %v: %v", k, err)
		}
	}
	return tc, nil
}

func (cfg *Config) loadTunnels() error {
	got, ok := cfg.cm["tunnel"]
	if !ok {
		return nil
	}
	tunnels, ok := got.(map[string]interface{})
	if !ok {
		return fmt.Errorf("tunnel instances must be named, e.g. '[tunnel.ue1]'")
	}
	for name, v := range tunnels {
		tm, ok := v.(map[string]interface{})
		if !ok {
			return fmt.Errorf("config for tunnel %v isn't a map", name)
		}
		tc, err := newTunnelConfig(tm)
		if err != nil {
			return fmt.Errorf("tunnel %v: %v", name, err)
		}
		cfg.tunnels[name] = tc
	}
	return nil
}

func newConfig(tree *toml.Tree) (*Config, error) {
	cfg := &Config{
		cm:      tree.ToMap(),
		tunnels: make(map[string]*TunnelConfig),
	}

	dm, _ := cfg.cm["daemon"].(map[string]interface{})
	dc, err := newDaemonConfig(dm)
	if err != nil {
		return nil, fmt.Errorf("failed to parse daemon config: %v", err)
	}
	cfg.daemon = dc

	if err := cfg.loadTunnels(); err != nil {
		return nil, fmt.Errorf("failed to parse tunnels: %v", err)
	}
	return cfg, nil
}

// LoadFile loads configuration from the specified file.
func LoadFile(path string) (*Config, error) {
	tree, err := toml.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config file: %v", err)
	}
	return newConfig(tree)
}

// LoadString loads configuration from the specified string, used by
// tests to avoid touching the filesystem.
func LoadString(content string) (*Config, error) {
	tree, err := toml.Load(content)
	if err != nil {
		return nil, fmt.Errorf("failed to load config string: %v", err)
	}
	return newConfig(tree)
}

// Daemon returns the [daemon] table, defaulted if absent.
func (cfg *Config) Daemon() DaemonConfig { return cfg.daemon }

// GetTunnels returns the preconfigured tunnels keyed by name.
func (cfg *Config) GetTunnels() map[string]*TunnelConfig { return cfg.tunnels }

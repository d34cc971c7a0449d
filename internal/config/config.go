// Package config handles TOML configuration parsing, validation, and hot-reload
// for the shuthost coordinator.
package config

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// WebInterfaceSource is the reserved source name for the built-in web UI lease
// holder. No declared host or client may use this name.
const WebInterfaceSource = "WebInterface"

// Config is the top-level coordinator configuration.
type Config struct {
	Server  ServerConfig              `toml:"server"`
	DB      DBConfig                  `toml:"db"`
	Hosts   map[string]HostConfig     `toml:"hosts"`
	Clients map[string]ClientConfig   `toml:"clients"`
}

// ServerConfig holds the HTTP broadcast API bind settings.
type ServerConfig struct {
	Port int    `toml:"port"`
	Bind string `toml:"bind"`

	// AnnouncePort is the UDP port the bootstrap announce listener (C11)
	// binds. Defaults to 5757.
	AnnouncePort int `toml:"announce_port"`
}

// DBConfig locates the durable store.
type DBConfig struct {
	Path string `toml:"path"`
}

// HostConfig declares a managed host.
type HostConfig struct {
	IP            string `toml:"ip"`
	MAC           string `toml:"mac"`
	Port          int    `toml:"port"`
	SharedSecret  string `toml:"shared_secret"`
	EnforceState  bool   `toml:"enforce_state"`
}

// ClientConfig declares an M2M client.
type ClientConfig struct {
	SharedSecret string `toml:"shared_secret"`
}

// Load reads and parses a TOML config file, applies defaults, and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses raw TOML bytes into a validated Config. Load reads the file
// and delegates here; Parse is exposed separately so configs can be built
// from in-memory bytes.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Bind == "" {
		cfg.Server.Bind = "0.0.0.0"
	}
	if cfg.Server.AnnouncePort == 0 {
		cfg.Server.AnnouncePort = 5757
	}
	if cfg.DB.Path == "" {
		cfg.DB.Path = "/var/lib/shuthost/shuthost.db"
	}
	for name, h := range cfg.Hosts {
		if h.Port == 0 {
			h.Port = 5757
			cfg.Hosts[name] = h
		}
	}
}

// validate enforces configuration invariants: MAC addresses parse to
// six octets, names are unique within their own section (map keys already
// guarantee this), no host is named WebInterface, and every shared secret is
// non-empty.
func validate(cfg *Config) error {
	for name, h := range cfg.Hosts {
		if strings.EqualFold(name, WebInterfaceSource) {
			return fmt.Errorf("host %q: reserved name, cannot equal %s", name, WebInterfaceSource)
		}
		if h.SharedSecret == "" {
			return fmt.Errorf("host %q: shared_secret must not be empty", name)
		}
		mac, err := net.ParseMAC(h.MAC)
		if err != nil {
			return fmt.Errorf("host %q: invalid mac %q: %w", name, h.MAC, err)
		}
		if len(mac) != 6 {
			return fmt.Errorf("host %q: mac %q must be six octets", name, h.MAC)
		}
		if h.IP == "" {
			return fmt.Errorf("host %q: ip must not be empty", name)
		}
		if net.ParseIP(h.IP) == nil {
			return fmt.Errorf("host %q: invalid ip %q", name, h.IP)
		}
	}
	for name, c := range cfg.Clients {
		if c.SharedSecret == "" {
			return fmt.Errorf("client %q: shared_secret must not be empty", name)
		}
	}
	return nil
}

// HostNames returns the configured host names in sorted order.
func (cfg *Config) HostNames() []string {
	names := make([]string, 0, len(cfg.Hosts))
	for name := range cfg.Hosts {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LookupHost returns the declared host config for name, case-insensitively.
func (cfg *Config) LookupHost(name string) (HostConfig, bool) {
	for n, h := range cfg.Hosts {
		if strings.EqualFold(n, name) {
			return h, true
		}
	}
	return HostConfig{}, false
}

// LookupClient returns the declared client config for name, case-insensitively.
func (cfg *Config) LookupClient(name string) (ClientConfig, bool) {
	for n, c := range cfg.Clients {
		if strings.EqualFold(n, name) {
			return c, true
		}
	}
	return ClientConfig{}, false
}

// Package config loads the inventory file that describes servers, groups,
// gateways, and session defaults. TOML and YAML are both accepted, selected
// by file extension.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"armada/registry"
)

// Defaults apply to every server that does not override them, plus the
// session-wide admission knobs.
type Defaults struct {
	User            string  `toml:"user" yaml:"user"`
	Port            int     `toml:"port" yaml:"port"`
	Limit           int     `toml:"limit" yaml:"limit"`
	Policy          string  `toml:"policy" yaml:"policy"`
	ConnectRate     float64 `toml:"connect_rate" yaml:"connect_rate"`
	ConnectBurst    int     `toml:"connect_burst" yaml:"connect_burst"`
	LogLevel        string  `toml:"log_level" yaml:"log_level"`
	KnownHostsFile  string  `toml:"known_hosts" yaml:"known_hosts"`
	RecordDirectory string  `toml:"record_dir" yaml:"record_dir"`
}

// ServerEntry is one inventory server.
type ServerEntry struct {
	Host       string         `toml:"host" yaml:"host"`
	User       string         `toml:"user" yaml:"user"`
	Port       int            `toml:"port" yaml:"port"`
	Password   string         `toml:"password" yaml:"password"`
	KeyFile    string         `toml:"key_file" yaml:"key_file"`
	Gateway    string         `toml:"gateway" yaml:"gateway"`
	Properties map[string]any `toml:"properties" yaml:"properties"`
}

// GatewayEntry is a named jump host servers can reference.
type GatewayEntry struct {
	Host     string `toml:"host" yaml:"host"`
	User     string `toml:"user" yaml:"user"`
	Port     int    `toml:"port" yaml:"port"`
	Password string `toml:"password" yaml:"password"`
	KeyFile  string `toml:"key_file" yaml:"key_file"`
}

// Config is the parsed inventory.
type Config struct {
	Defaults Defaults                `toml:"defaults" yaml:"defaults"`
	Servers  []ServerEntry           `toml:"server" yaml:"servers"`
	Groups   map[string][]string     `toml:"groups" yaml:"groups"`
	Gateways map[string]GatewayEntry `toml:"gateway" yaml:"gateways"`
	// DefaultGateway names the gateway used by servers without an explicit
	// one. Empty means direct dialing.
	DefaultGateway string `toml:"default_gateway" yaml:"default_gateway"`
}

const (
	defaultPort   = 22
	defaultPolicy = "fail"
)

// Load reads and parses path, then normalizes. The extension picks the
// decoder: .toml, or .yaml/.yml.
func Load(path string) (Config, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(payload, filepath.Ext(path))
}

// Parse decodes payload per the extension and applies defaults.
func Parse(payload []byte, ext string) (Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".toml":
		if err := toml.Unmarshal(payload, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse inventory: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(payload, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse inventory: %w", err)
		}
	default:
		return Config{}, fmt.Errorf("unsupported inventory format %q (expected .toml, .yaml, or .yml)", ext)
	}
	return normalize(cfg)
}

func normalize(cfg Config) (Config, error) {
	if cfg.Defaults.Port <= 0 {
		cfg.Defaults.Port = defaultPort
	}
	if cfg.Defaults.Policy == "" {
		cfg.Defaults.Policy = defaultPolicy
	}

	for i := range cfg.Servers {
		server := &cfg.Servers[i]
		if server.Host == "" {
			return Config{}, fmt.Errorf("server %d: host is required", i)
		}
		if server.User == "" {
			server.User = cfg.Defaults.User
		}
		if server.Port <= 0 {
			server.Port = cfg.Defaults.Port
		}
		if server.Gateway == "" {
			server.Gateway = cfg.DefaultGateway
		}
		if server.Gateway != "" {
			if _, ok := cfg.Gateways[server.Gateway]; !ok {
				return Config{}, fmt.Errorf("server %q references undefined gateway %q", server.Host, server.Gateway)
			}
		}
	}

	known := make(map[string]struct{}, len(cfg.Servers))
	for _, server := range cfg.Servers {
		known[server.Host] = struct{}{}
	}
	for group, members := range cfg.Groups {
		for _, host := range members {
			if _, ok := known[host]; !ok {
				return Config{}, fmt.Errorf("group %q references unknown server %q", group, host)
			}
		}
	}

	if cfg.DefaultGateway != "" {
		if _, ok := cfg.Gateways[cfg.DefaultGateway]; !ok {
			return Config{}, fmt.Errorf("default gateway %q is not defined", cfg.DefaultGateway)
		}
	}
	return cfg, nil
}

// Options maps an inventory entry onto the option keys the server registry
// understands. Defaults are already folded in by normalize.
func (s ServerEntry) Options(defaults Defaults) map[string]any {
	options := map[string]any{
		registry.OptPort: s.Port,
	}
	if s.Password != "" {
		options[registry.OptPassword] = s.Password
	}
	if s.KeyFile != "" {
		options[registry.OptKeyFile] = s.KeyFile
	}
	if s.Gateway != "" {
		options[registry.OptGateway] = s.Gateway
	}
	if len(s.Properties) > 0 {
		options[registry.OptProperties] = s.Properties
	}
	if defaults.KnownHostsFile != "" {
		options[registry.OptKnownHosts] = defaults.KnownHostsFile
	}
	return options
}

// ServersInGroup returns the inventory entries belonging to group, in
// declaration order.
func (c Config) ServersInGroup(group string) []ServerEntry {
	members := c.Groups[group]
	set := make(map[string]struct{}, len(members))
	for _, host := range members {
		set[host] = struct{}{}
	}
	var out []ServerEntry
	for _, server := range c.Servers {
		if _, ok := set[server.Host]; ok {
			out = append(out, server)
		}
	}
	return out
}

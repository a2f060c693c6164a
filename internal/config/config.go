package config

import (
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/moltbunker/locker/internal/logging"
)

// Backend names accepted by runtime.backend.
const (
	BackendAuto       = "auto"
	BackendLXC        = "lxc"
	BackendContainerd = "containerd"
)

// Firewall implementations accepted by firewall.backend.
const (
	FirewallNFTables = "nftables"
	FirewallMemory   = "memory"
)

// Config represents the complete tool configuration
type Config struct {
	Runtime   RuntimeConfig   `yaml:"runtime"`
	Network   NetworkConfig   `yaml:"network"`
	Firewall  FirewallConfig  `yaml:"firewall"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Hosts     HostsConfig     `yaml:"hosts"`
	Log       LogConfig       `yaml:"log"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// RuntimeConfig selects and configures the container backend
type RuntimeConfig struct {
	Backend          string `yaml:"backend"`           // auto, lxc or containerd
	LXCPath          string `yaml:"lxc_path"`          // LXC container directory
	ContainerdSocket string `yaml:"containerd_socket"` // containerd gRPC socket
	Namespace        string `yaml:"namespace"`         // containerd namespace
	CgroupRoot       string `yaml:"cgroup_root"`       // cgroup v2 parent for containerd tasks
	StateDir         string `yaml:"state_dir"`         // containerd backend mount tables
}

// NetworkConfig contains bridge and address settings
type NetworkConfig struct {
	CandidatePrefix string `yaml:"candidate_prefix"` // /24 subnets are carved from here
	BridgePrefix    string `yaml:"bridge_prefix"`    // bridge name = prefix + project
	ResolvConf      string `yaml:"resolv_conf"`      // host resolver file used for $copy
}

// FirewallConfig contains rule table settings
type FirewallConfig struct {
	Backend     string `yaml:"backend"` // nftables or memory
	NATTable    string `yaml:"nat_table"`
	FilterTable string `yaml:"filter_table"`
}

// LifecycleConfig bounds the blocking parts of container operations
type LifecycleConfig struct {
	StopTimeout          time.Duration `yaml:"stop_timeout"`
	AddressRetries       int           `yaml:"address_retries"`
	AddressRetryInterval time.Duration `yaml:"address_retry_interval"`
}

// HostsConfig controls exposure of container names in the host hosts file
type HostsConfig struct {
	ExposeOnHost bool   `yaml:"expose_on_host"`
	HostsFile    string `yaml:"hosts_file"`
}

// LogConfig contains logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// MetricsConfig contains metrics export settings
type MetricsConfig struct {
	Textfile string `yaml:"textfile"` // node_exporter textfile path, empty disables export
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Runtime: RuntimeConfig{
			Backend:          BackendLXC,
			LXCPath:          "/var/lib/lxc",
			ContainerdSocket: "/run/containerd/containerd.sock",
			Namespace:        "locker",
			CgroupRoot:       "/sys/fs/cgroup/locker",
			StateDir:         "/var/lib/locker",
		},
		Network: NetworkConfig{
			CandidatePrefix: "10.0.0.0/8",
			BridgePrefix:    "locker_",
			ResolvConf:      "/etc/resolv.conf",
		},
		Firewall: FirewallConfig{
			Backend:     FirewallNFTables,
			NATTable:    "locker_nat",
			FilterTable: "locker_filter",
		},
		Lifecycle: LifecycleConfig{
			StopTimeout:          30 * time.Second,
			AddressRetries:       10,
			AddressRetryInterval: time.Second,
		},
		Hosts: HostsConfig{
			ExposeOnHost: false,
			HostsFile:    "/etc/hosts",
		},
		Log: LogConfig{
			Level:  "info",
			Format: logging.FormatText,
		},
	}
}

// Load loads configuration from file
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	path = expandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandPaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Save saves configuration to file
func (c *Config) Save(path string) error {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Runtime.Backend {
	case BackendAuto, BackendLXC, BackendContainerd:
	default:
		return fmt.Errorf("invalid runtime backend: %s", c.Runtime.Backend)
	}

	prefix, err := netip.ParsePrefix(c.Network.CandidatePrefix)
	if err != nil {
		return fmt.Errorf("invalid candidate_prefix: %w", err)
	}
	if !prefix.Addr().Is4() || prefix.Bits() > 24 || prefix.Bits() < 8 {
		return fmt.Errorf("candidate_prefix must be an IPv4 prefix between /8 and /24, got %s", prefix)
	}

	// The kernel limits interface names to 15 bytes; keep room for a
	// hashed project suffix.
	if c.Network.BridgePrefix == "" || len(c.Network.BridgePrefix) > 7 {
		return fmt.Errorf("bridge_prefix must be 1-7 characters, got %q", c.Network.BridgePrefix)
	}

	switch c.Firewall.Backend {
	case FirewallNFTables, FirewallMemory:
	default:
		return fmt.Errorf("invalid firewall backend: %s", c.Firewall.Backend)
	}
	if c.Firewall.NATTable == "" || c.Firewall.FilterTable == "" {
		return fmt.Errorf("firewall table names must not be empty")
	}
	if c.Firewall.NATTable == c.Firewall.FilterTable {
		return fmt.Errorf("nat_table and filter_table must differ")
	}

	if c.Lifecycle.StopTimeout <= 0 {
		return fmt.Errorf("stop_timeout must be positive")
	}
	if c.Lifecycle.AddressRetries < 1 {
		return fmt.Errorf("address_retries must be at least 1")
	}
	if c.Lifecycle.AddressRetryInterval <= 0 {
		return fmt.Errorf("address_retry_interval must be positive")
	}

	if c.Hosts.ExposeOnHost && c.Hosts.HostsFile == "" {
		return fmt.Errorf("hosts_file is required when expose_on_host is set")
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", logging.FormatText, logging.FormatJSON:
	default:
		return fmt.Errorf("invalid log format: %s", c.Log.Format)
	}

	return nil
}

// expandPaths expands ~ in all path fields
func (c *Config) expandPaths() {
	c.Runtime.LXCPath = expandPath(c.Runtime.LXCPath)
	c.Runtime.StateDir = expandPath(c.Runtime.StateDir)
	c.Network.ResolvConf = expandPath(c.Network.ResolvConf)
	c.Hosts.HostsFile = expandPath(c.Hosts.HostsFile)
	c.Metrics.Textfile = expandPath(c.Metrics.Textfile)
}

// expandPath expands ~ to home directory
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file path
func DefaultConfigPath() string {
	if os.Geteuid() != 0 {
		homeDir, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(homeDir, ".config", "locker", "config.yaml")
		}
	}
	return "/etc/locker/config.yaml"
}

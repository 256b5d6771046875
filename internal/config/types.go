// Package config provides configuration loading for the tunnel daemon using Viper.
// Configuration is loaded from YAML files with automatic environment variable binding.
//
// Environment variables use the TUNNELD_ prefix and underscore-separated keys:
//   - TUNNELD_TUNNEL_CIDR -> tunnel.cidr
//   - TUNNELD_UPSTREAM_SERVERS -> upstream.servers (comma-separated)
//   - TUNNELD_CONTROL_SOCKET_PATH -> control.socket_path
package config

import (
	"os"
	"strconv"
	"strings"
)

// WorkersMode specifies how worker count is determined.
type WorkersMode int

const (
	// WorkersAuto automatically determines worker count based on available CPUs.
	WorkersAuto WorkersMode = iota
	// WorkersFixed uses a specific worker count.
	WorkersFixed
)

// WorkerSetting represents the workers configuration.
type WorkerSetting struct {
	Mode  WorkersMode
	Value int
}

// String returns the string representation of the worker setting.
func (w WorkerSetting) String() string {
	if w.Mode == WorkersAuto {
		return "auto"
	}
	return strconv.Itoa(w.Value)
}

// TunnelConfig describes the TUN device and the synthetic address space the
// engine allocates resolved names into.
type TunnelConfig struct {
	// Name is the TUN interface name (e.g. "tun0"). Empty lets the platform pick one.
	Name string `yaml:"name"     mapstructure:"name"`
	// CIDR is the synthetic IPv4 pool intercepted names resolve into.
	CIDR string `yaml:"cidr"     mapstructure:"cidr"`
	// DNSIPv4 is the address inside CIDR the engine listens on for intercepted queries.
	DNSIPv4 string `yaml:"dns_ip"   mapstructure:"dns_ip"`
	MTU     int    `yaml:"mtu"      mapstructure:"mtu"`
}

// ServerConfig contains DNS-engine-related settings. The engine runs a single
// cooperative event loop (see internal/engine); Workers is parsed and
// validated here, but nothing outside this package reads it.
type ServerConfig struct {
	Workers        WorkerSetting `yaml:"-"               mapstructure:"-"`
	WorkersRaw     string        `yaml:"workers"         mapstructure:"workers"`
	MaxConcurrency int           `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	EnableTCP      bool          `yaml:"enable_tcp"      mapstructure:"enable_tcp"`
	TCPFallback    bool          `yaml:"tcp_fallback"    mapstructure:"tcp_fallback"`
}

// UpstreamConfig contains upstream DNS server settings consulted by the
// upstream forwarder (C4) for names outside any claimed domain.
type UpstreamConfig struct {
	Servers    []string `yaml:"servers"     mapstructure:"servers"     json:"servers"`
	UDPTimeout string   `yaml:"udp_timeout" mapstructure:"udp_timeout" json:"udp_timeout"`
	TCPTimeout string   `yaml:"tcp_timeout" mapstructure:"tcp_timeout" json:"tcp_timeout"`
	MaxRetries int      `yaml:"max_retries" mapstructure:"max_retries" json:"max_retries"`
}

// CatalogConfig controls the name catalog (C3), including the optional
// static hosts file consulted before any claimed-domain lookup.
type CatalogConfig struct {
	StaticHostsFile string `yaml:"static_hosts_file" mapstructure:"static_hosts_file" json:"static_hosts_file,omitempty"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level            string            `yaml:"level"             mapstructure:"level"             json:"level"`
	Structured       bool              `yaml:"structured"        mapstructure:"structured"        json:"structured"`
	StructuredFormat string            `yaml:"structured_format" mapstructure:"structured_format" json:"structured_format"`
	IncludePID       bool              `yaml:"include_pid"       mapstructure:"include_pid"       json:"include_pid"`
	ExtraFields      map[string]string `yaml:"extra_fields"      mapstructure:"extra_fields"      json:"extra_fields,omitempty"`
}

// ControlConfig locates the control-plane command and event sockets (C8).
type ControlConfig struct {
	SocketPath      string `yaml:"socket_path"       mapstructure:"socket_path"`
	EventSocketPath string `yaml:"event_socket_path" mapstructure:"event_socket_path"`
	Discriminator   string `yaml:"discriminator"     mapstructure:"discriminator"`
}

// IdentityConfig locates persisted identity-registry state (C7).
type IdentityConfig struct {
	StateDir   string `yaml:"state_dir"   mapstructure:"state_dir"`
	DBFile     string `yaml:"db_file"     mapstructure:"db_file"`
	MFATimeout string `yaml:"mfa_timeout" mapstructure:"mfa_timeout"`
}

// APIConfig contains the optional read-only management API settings.
//
// Note: APIKey is intentionally treated as a secret and should not be returned by API endpoints.
type APIConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Host    string `yaml:"host"    mapstructure:"host"`
	Port    int    `yaml:"port"    mapstructure:"port"`
	APIKey  string `yaml:"api_key" mapstructure:"api_key"`
}

// Config is the root configuration structure.
type Config struct {
	Tunnel   TunnelConfig   `yaml:"tunnel"   mapstructure:"tunnel"`
	Server   ServerConfig   `yaml:"server"   mapstructure:"server"`
	Upstream UpstreamConfig `yaml:"upstream" mapstructure:"upstream"`
	Catalog  CatalogConfig  `yaml:"catalog"  mapstructure:"catalog"`
	Logging  LoggingConfig  `yaml:"logging"  mapstructure:"logging"`
	Control  ControlConfig  `yaml:"control"  mapstructure:"control"`
	Identity IdentityConfig `yaml:"identity" mapstructure:"identity"`
	API      APIConfig      `yaml:"api"      mapstructure:"api"`
}

// ResolveConfigPath determines the config file path from flag or environment.
func ResolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if envPath := os.Getenv("TUNNELD_CONFIG"); envPath != "" {
		return envPath
	}
	return ""
}

// Load reads and validates configuration from the given path (may be empty).
func Load(path string) (*Config, error) {
	return loadFromSource(path)
}

// Package config provides configuration loading and validation for the tunnel daemon.
//
// Configuration is loaded with the following priority (highest to lowest):
//  1. Command-line flags (not handled here, see cmd/tunneld/main.go)
//  2. Environment variables (TUNNELD_* prefix)
//  3. YAML config file (if specified with --config)
//  4. Hardcoded defaults
//
// Environment variables are mapped from TUNNELD_CATEGORY_SETTING format,
// e.g., TUNNELD_TUNNEL_CIDR maps to tunnel.cidr in YAML.
//
// All configuration is validated during Load() to ensure correctness early.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// initConfig sets up the config loader with defaults, env binding, and config file.
func initConfig(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	// Uses TUNNELD_ prefix: TUNNELD_TUNNEL_CIDR -> tunnel.cidr
	v.SetEnvPrefix("TUNNELD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return v, nil
}

// setDefaults configures all default values.
func setDefaults(v *viper.Viper) {
	// Tunnel defaults
	v.SetDefault("tunnel.name", "")
	v.SetDefault("tunnel.cidr", "100.64.0.0/10")
	v.SetDefault("tunnel.dns_ip", "100.64.0.2")
	v.SetDefault("tunnel.mtu", 1400)

	// Server (engine) defaults
	v.SetDefault("server.workers", "auto")
	v.SetDefault("server.max_concurrency", 0)
	v.SetDefault("server.enable_tcp", true)
	v.SetDefault("server.tcp_fallback", true)

	// Upstream defaults
	v.SetDefault("upstream.servers", []string{"8.8.8.8"})
	v.SetDefault("upstream.udp_timeout", "3s")
	v.SetDefault("upstream.tcp_timeout", "5s")
	v.SetDefault("upstream.max_retries", 3)

	// Catalog defaults
	v.SetDefault("catalog.static_hosts_file", "")

	// Logging defaults
	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.structured", false)
	v.SetDefault("logging.structured_format", "json")
	v.SetDefault("logging.include_pid", false)
	v.SetDefault("logging.extra_fields", map[string]string{})

	// Control-plane socket defaults
	v.SetDefault("control.socket_path", "/var/run/tunneld/tunneld.sock")
	v.SetDefault("control.event_socket_path", "/var/run/tunneld/tunneld-event.sock")
	v.SetDefault("control.discriminator", "")

	// Identity registry defaults
	v.SetDefault("identity.state_dir", "/var/lib/tunneld/identities")
	v.SetDefault("identity.db_file", "/var/lib/tunneld/registry.db")
	v.SetDefault("identity.mfa_timeout", "5m")

	// Management API defaults: disabled and bound to localhost for safety.
	v.SetDefault("api.enabled", false)
	v.SetDefault("api.host", "127.0.0.1")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.api_key", "")
}

// loadFromSource loads configuration from file and environment.
func loadFromSource(configPath string) (*Config, error) {
	v, err := initConfig(configPath)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}

	loadTunnelConfig(v, cfg)
	loadServerConfig(v, cfg)
	loadUpstreamConfig(v, cfg)
	loadCatalogConfig(v, cfg)
	loadLoggingConfig(v, cfg)
	loadControlConfig(v, cfg)
	loadIdentityConfig(v, cfg)
	loadAPIConfig(v, cfg)

	if err := normalizeConfig(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadTunnelConfig(v *viper.Viper, cfg *Config) {
	cfg.Tunnel.Name = v.GetString("tunnel.name")
	cfg.Tunnel.CIDR = v.GetString("tunnel.cidr")
	cfg.Tunnel.DNSIPv4 = v.GetString("tunnel.dns_ip")
	cfg.Tunnel.MTU = v.GetInt("tunnel.mtu")
}

func loadServerConfig(v *viper.Viper, cfg *Config) {
	cfg.Server.MaxConcurrency = v.GetInt("server.max_concurrency")
	cfg.Server.EnableTCP = v.GetBool("server.enable_tcp")
	cfg.Server.TCPFallback = v.GetBool("server.tcp_fallback")
	cfg.Server.WorkersRaw = v.GetString("server.workers")
	cfg.Server.Workers = parseWorkers(cfg.Server.WorkersRaw)
}

func loadUpstreamConfig(v *viper.Viper, cfg *Config) {
	cfg.Upstream.Servers = parseServerList(v.GetStringSlice("upstream.servers"))
	if len(cfg.Upstream.Servers) == 0 {
		if s := v.GetString("upstream.servers"); s != "" {
			cfg.Upstream.Servers = parseServerList(strings.Split(s, ","))
		}
	}
	cfg.Upstream.UDPTimeout = v.GetString("upstream.udp_timeout")
	cfg.Upstream.TCPTimeout = v.GetString("upstream.tcp_timeout")
	cfg.Upstream.MaxRetries = v.GetInt("upstream.max_retries")
}

func loadCatalogConfig(v *viper.Viper, cfg *Config) {
	cfg.Catalog.StaticHostsFile = v.GetString("catalog.static_hosts_file")
}

func loadLoggingConfig(v *viper.Viper, cfg *Config) {
	cfg.Logging.Level = strings.ToUpper(v.GetString("logging.level"))
	cfg.Logging.Structured = v.GetBool("logging.structured")
	cfg.Logging.StructuredFormat = v.GetString("logging.structured_format")
	cfg.Logging.IncludePID = v.GetBool("logging.include_pid")
	cfg.Logging.ExtraFields = v.GetStringMapString("logging.extra_fields")
}

func loadControlConfig(v *viper.Viper, cfg *Config) {
	cfg.Control.SocketPath = v.GetString("control.socket_path")
	cfg.Control.EventSocketPath = v.GetString("control.event_socket_path")
	cfg.Control.Discriminator = v.GetString("control.discriminator")
}

func loadIdentityConfig(v *viper.Viper, cfg *Config) {
	cfg.Identity.StateDir = v.GetString("identity.state_dir")
	cfg.Identity.DBFile = v.GetString("identity.db_file")
	cfg.Identity.MFATimeout = v.GetString("identity.mfa_timeout")
}

func loadAPIConfig(v *viper.Viper, cfg *Config) {
	cfg.API.Enabled = v.GetBool("api.enabled")
	cfg.API.Host = v.GetString("api.host")
	cfg.API.Port = v.GetInt("api.port")
	cfg.API.APIKey = v.GetString("api.api_key")
}

// parseWorkers converts the workers string to WorkerSetting.
func parseWorkers(raw string) WorkerSetting {
	raw = strings.TrimSpace(strings.ToLower(raw))
	if raw == "" || raw == "auto" {
		return WorkerSetting{Mode: WorkersAuto}
	}
	if n, err := strconv.Atoi(raw); err == nil && n > 0 {
		return WorkerSetting{Mode: WorkersFixed, Value: n}
	}
	return WorkerSetting{Mode: WorkersAuto}
}

// parseServerList cleans up a list of server addresses.
func parseServerList(servers []string) []string {
	result := make([]string, 0, len(servers))
	for _, s := range servers {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if h, _, ok := strings.Cut(s, ":"); ok {
			s = h
		}
		result = append(result, s)
	}
	return result
}

// normalizeConfig validates and normalizes the configuration.
func normalizeConfig(cfg *Config) error {
	if cfg.Tunnel.CIDR == "" {
		return errors.New("tunnel.cidr must be set")
	}
	if cfg.Tunnel.DNSIPv4 == "" {
		return errors.New("tunnel.dns_ip must be set")
	}

	if len(cfg.Upstream.Servers) == 0 {
		cfg.Upstream.Servers = []string{"8.8.8.8"}
	}
	// Every listed upstream receives each forwarded query; the forwarder accepts at most five.
	if len(cfg.Upstream.Servers) > 5 {
		cfg.Upstream.Servers = cfg.Upstream.Servers[:5]
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "INFO"
	}
	if cfg.Logging.StructuredFormat == "" {
		cfg.Logging.StructuredFormat = "json"
	}
	if cfg.Logging.ExtraFields == nil {
		cfg.Logging.ExtraFields = map[string]string{}
	}

	if cfg.Control.SocketPath == "" {
		return errors.New("control.socket_path must be set")
	}

	if cfg.API.Host == "" {
		cfg.API.Host = "127.0.0.1"
	}
	if cfg.API.Enabled {
		if cfg.API.Port <= 0 || cfg.API.Port > 65535 {
			return errors.New("api.port must be 1..65535")
		}
	}

	return nil
}

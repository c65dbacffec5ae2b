// Package config loads the on-disk tunnel defaults: MTU, retry budgets, and
// DNS overrides. Loaded with gopkg.in/yaml.v3, the same library and loading
// idiom joegrice-nzb-connect uses for its own on-disk settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the generic tunnel options + retry policy knobs referenced
// throughout spec §3 ("generic tunnel options (MTU, IPv6 enable, DNS
// overrides)") and §4.1 ("Retry policy: exponential backoff with a bounded
// number of attempts").
type Config struct {
	MTU            int           `yaml:"mtu"`
	EnableIPv6     bool          `yaml:"enable_ipv6"`
	DNSOverrides   []string      `yaml:"dns_overrides"`
	MaxConnectRetries int        `yaml:"max_connect_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	DisconnectTimeout time.Duration `yaml:"disconnect_timeout"`
	HealthProbeInterval time.Duration `yaml:"health_probe_interval"`
	HealthProbeMissThreshold int `yaml:"health_probe_miss_threshold"`
}

// Default mirrors the values the daemon ships with absent a config file.
func Default() *Config {
	return &Config{
		MTU:                      1380,
		EnableIPv6:               true,
		MaxConnectRetries:        3,
		InitialBackoff:           2 * time.Second,
		MaxBackoff:               30 * time.Second,
		ConnectTimeout:           10 * time.Second,
		HandshakeTimeout:         8 * time.Second,
		DisconnectTimeout:        5 * time.Second,
		HealthProbeInterval:      10 * time.Second,
		HealthProbeMissThreshold: 3,
	}
}

// Load reads and parses a YAML config file, filling any field the file
// omits with the Default() value for that field.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

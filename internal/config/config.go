// Package config handles configuration for tb-speakerd.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the service looks for its config file.
const DefaultPath = "/etc/tb-speakerd/config.yaml"

// Resolver modes.
const (
	ModeRedirect   = "redirect"
	ModeDescriptor = "descriptor"
	ModeProxy      = "proxy"
)

// Config holds all tb-speakerd configuration.
type Config struct {
	Listen    string `yaml:"listen"`
	PublicURL string `yaml:"public_url"` // base URL speakers use to reach this service
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // "text", "json"
	AuditPath string `yaml:"audit_path"`

	Database  DatabaseConfig  `yaml:"database"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Probe     ProbeConfig     `yaml:"probe"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Resolver  ResolverConfig  `yaml:"resolver"`
}

// DatabaseConfig selects the inventory store backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite3", "pgx", "memory"
	DSN    string `yaml:"dsn"`
}

// DiscoveryConfig controls the discovery cycle.
type DiscoveryConfig struct {
	Timeout         time.Duration `yaml:"timeout"`       // multicast collection window
	FetchTimeout    time.Duration `yaml:"fetch_timeout"` // per-endpoint descriptor fetch
	Interval        time.Duration `yaml:"interval"`      // scheduled sync; 0 disables
	Concurrency     int           `yaml:"concurrency"`
	SSDP            bool          `yaml:"ssdp"`
	MDNS            bool          `yaml:"mdns"`
	Interfaces      []string      `yaml:"interfaces"`
	ManualEndpoints []string      `yaml:"manual_endpoints"`
}

// ProbeConfig controls capability probing.
type ProbeConfig struct {
	ControlPort  int           `yaml:"control_port"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

// CatalogConfig points at the external station catalog.
type CatalogConfig struct {
	URL         string        `yaml:"url"`
	Timeout     time.Duration `yaml:"timeout"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	MaxFailures int           `yaml:"max_failures"` // per minute before the breaker opens
	Cooldown    time.Duration `yaml:"cooldown"`     // per-station negative cache
}

// ResolverConfig controls how preset lookups are answered.
type ResolverConfig struct {
	Mode    string        `yaml:"mode"` // "redirect", "descriptor", "proxy"
	Timeout time.Duration `yaml:"timeout"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:    ":8000",
		LogLevel:  "info",
		LogFormat: "text",
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    "/var/lib/tb-speakerd/inventory.db",
		},
		Discovery: DiscoveryConfig{
			Timeout:      10 * time.Second,
			FetchTimeout: 3 * time.Second,
			Interval:     15 * time.Minute,
			Concurrency:  16,
			SSDP:         true,
			MDNS:         true,
		},
		Probe: ProbeConfig{
			ControlPort:  8090,
			QueryTimeout: 2 * time.Second,
		},
		Catalog: CatalogConfig{
			URL:         "https://de1.api.radio-browser.info",
			Timeout:     3 * time.Second,
			CacheTTL:    10 * time.Minute,
			MaxFailures: 5,
			Cooldown:    5 * time.Minute,
		},
		Resolver: ResolverConfig{
			Mode:    ModeDescriptor,
			Timeout: 2 * time.Second,
		},
	}
}

// Load reads the YAML file at path (if it exists) on top of the defaults,
// then applies environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays TBS_* environment variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("TBS_LISTEN", &c.Listen)
	str("TBS_PUBLIC_URL", &c.PublicURL)
	str("TBS_LOG_LEVEL", &c.LogLevel)
	str("TBS_LOG_FORMAT", &c.LogFormat)
	str("TBS_AUDIT_PATH", &c.AuditPath)
	str("TBS_DB_DRIVER", &c.Database.Driver)
	str("TBS_DB_DSN", &c.Database.DSN)
	str("TBS_CATALOG_URL", &c.Catalog.URL)
	str("TBS_RESOLVE_MODE", &c.Resolver.Mode)

	if v, ok := lookup("TBS_MANUAL_ENDPOINTS"); ok && v != "" {
		c.Discovery.ManualEndpoints = SplitList(v)
	}
	if v, ok := lookup("TBS_INTERFACES"); ok && v != "" {
		c.Discovery.Interfaces = SplitList(v)
	}
	if v, ok := lookup("TBS_CONTROL_PORT"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TBS_CONTROL_PORT: %w", err)
		}
		c.Probe.ControlPort = n
	}

	if err := dur("TBS_DISCOVERY_TIMEOUT", &c.Discovery.Timeout); err != nil {
		return err
	}
	if err := dur("TBS_SYNC_INTERVAL", &c.Discovery.Interval); err != nil {
		return err
	}
	return dur("TBS_RESOLVE_TIMEOUT", &c.Resolver.Timeout)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.Resolver.Mode {
	case ModeRedirect, ModeDescriptor, ModeProxy:
	default:
		return fmt.Errorf("unknown resolver mode %q (valid: redirect, descriptor, proxy)", c.Resolver.Mode)
	}

	switch c.Database.Driver {
	case "memory":
	case "sqlite3", "pgx":
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver)
		}
	default:
		return fmt.Errorf("unknown database driver %q (valid: sqlite3, pgx, memory)", c.Database.Driver)
	}

	if c.Resolver.Mode == ModeProxy && c.PublicURL == "" {
		return errors.New("public_url is required in proxy mode")
	}
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid public_url %q", c.PublicURL)
		}
	}

	if c.Discovery.Timeout <= 0 {
		return errors.New("discovery.timeout must be positive")
	}
	if c.Probe.ControlPort <= 0 || c.Probe.ControlPort > 65535 {
		return fmt.Errorf("invalid probe.control_port %d", c.Probe.ControlPort)
	}
	return nil
}

// SplitList splits a comma or whitespace separated list, dropping empties.
func SplitList(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}

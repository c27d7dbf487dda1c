// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// EnvironmentVariable names the config file read by [Load].
const EnvironmentVariable = "WEBEYE_CONFIG"

// Environment represents the deployment environment.
type Environment string

const (
	// Development is for local development machines.
	Development Environment = "development"
	// Staging is for pre-production testing.
	Staging Environment = "staging"
	// Production is for production deployments.
	Production Environment = "production"
)

// Config is the agent configuration.
type Config struct {
	// Environment selects which override section applies.
	Environment Environment `yaml:"environment" json:"environment" toml:"environment"`

	// ReportURL is the collector base URL. Transport suffixes
	// (fetch, beacon, img, w) are appended to it.
	ReportURL string `yaml:"report_url" json:"report_url" toml:"report_url"`

	// DSN is accepted as an alias for ReportURL.
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty" toml:"dsn,omitempty"`

	// AppKey identifies the tenant on every record and request.
	AppKey string `yaml:"app_key" json:"app_key" toml:"app_key"`

	// AppID is accepted as an alias for AppKey.
	AppID string `yaml:"appid,omitempty" json:"appid,omitempty" toml:"appid,omitempty"`

	// MaxRetry is the number of attempts a batch gets within one
	// flush, and the persisted retry count past which a record is
	// dropped.
	// Default: 3
	MaxRetry int `yaml:"max_retry" json:"max_retry" toml:"max_retry"`

	// RetryDelay is the base of the linear backoff between attempts.
	// Default: 1s
	RetryDelay Duration `yaml:"retry_delay" json:"retry_delay" toml:"retry_delay"`

	// BatchSize is both the number of records read per drain step and
	// the queue length that triggers an immediate flush.
	// Default: 10
	BatchSize int `yaml:"batch_size" json:"batch_size" toml:"batch_size"`

	// FlushInterval is the period of the automatic flush timer.
	// Default: 10s
	FlushInterval Duration `yaml:"flush_interval" json:"flush_interval" toml:"flush_interval"`

	// EnableAutoReport turns the interval timer on.
	// Default: true
	EnableAutoReport bool `yaml:"enable_auto_report" json:"enable_auto_report" toml:"enable_auto_report"`

	// MaxBatchBytes bounds the serialized size of one batch before
	// compression. Larger batches are split.
	// Default: 128 KiB
	MaxBatchBytes int `yaml:"max_batch_bytes" json:"max_batch_bytes" toml:"max_batch_bytes"`

	// LogLevel is one of debug, log, info, warn, error, silent.
	// Default: warn (debug when Debug is set)
	LogLevel string `yaml:"log_level" json:"log_level" toml:"log_level"`

	// Debug forces debug logging.
	Debug bool `yaml:"debug" json:"debug" toml:"debug"`

	// Extends is copied onto every record.
	Extends map[string]any `yaml:"extends" json:"extends" toml:"extends"`

	Transport   TransportConfig   `yaml:"transport" json:"transport" toml:"transport"`
	Compression CompressionConfig `yaml:"compression" json:"compression" toml:"compression"`
	Store       StoreConfig       `yaml:"store" json:"store" toml:"store"`
	Worker      WorkerConfig      `yaml:"worker" json:"worker" toml:"worker"`
	Plugins     PluginsConfig     `yaml:"plugins" json:"plugins" toml:"plugins"`

	Development *Overrides `yaml:"development,omitempty" json:"development,omitempty" toml:"development,omitempty"`
	Staging     *Overrides `yaml:"staging,omitempty" json:"staging,omitempty" toml:"staging,omitempty"`
	Production  *Overrides `yaml:"production,omitempty" json:"production,omitempty" toml:"production,omitempty"`
}

// Overrides contains fields that can be overridden per environment.
type Overrides struct {
	ReportURL        string `yaml:"report_url,omitempty" json:"report_url,omitempty" toml:"report_url,omitempty"`
	LogLevel         string `yaml:"log_level,omitempty" json:"log_level,omitempty" toml:"log_level,omitempty"`
	Debug            *bool  `yaml:"debug,omitempty" json:"debug,omitempty" toml:"debug,omitempty"`
	EnableAutoReport *bool  `yaml:"enable_auto_report,omitempty" json:"enable_auto_report,omitempty" toml:"enable_auto_report,omitempty"`
	StoreDir         string `yaml:"store_dir,omitempty" json:"store_dir,omitempty" toml:"store_dir,omitempty"`
}

// TransportConfig configures the beacon, fetch and image transports.
type TransportConfig struct {
	// BeaconSupported is false on hosts where fire-and-forget sends
	// must not outlive the call.
	// Default: true
	BeaconSupported bool `yaml:"beacon_supported" json:"beacon_supported" toml:"beacon_supported"`

	// BeaconLimit is the largest body sent by beacon.
	// Default: 64 KiB
	BeaconLimit int `yaml:"beacon_limit" json:"beacon_limit" toml:"beacon_limit"`

	// BeaconMaxRecords is the largest batch sent by beacon.
	// Default: 10
	BeaconMaxRecords int `yaml:"beacon_max_records" json:"beacon_max_records" toml:"beacon_max_records"`

	// KeepaliveLimit is the largest fetch body detached from caller
	// cancellation.
	// Default: 64 KiB
	KeepaliveLimit int `yaml:"keepalive_limit" json:"keepalive_limit" toml:"keepalive_limit"`

	// ImageURLLimit caps the image fallback URL length.
	// Default: 2000
	ImageURLLimit int `yaml:"image_url_limit" json:"image_url_limit" toml:"image_url_limit"`

	// Timeout bounds each fetch and image request.
	// Default: 10s
	Timeout Duration `yaml:"timeout" json:"timeout" toml:"timeout"`

	// UnloadTimeout bounds the synchronous send on unload.
	// Default: 2s
	UnloadTimeout Duration `yaml:"unload_timeout" json:"unload_timeout" toml:"unload_timeout"`
}

// CompressionConfig configures payload compression.
type CompressionConfig struct {
	// Encoding is gzip, zstd, lz4, or none.
	// Default: gzip
	Encoding string `yaml:"encoding" json:"encoding" toml:"encoding"`

	// Threshold is the serialized size above which compression is tried.
	// Default: 1024
	Threshold int `yaml:"threshold" json:"threshold" toml:"threshold"`
}

// StoreConfig configures the durable queue.
type StoreConfig struct {
	// Dir holds the database file. Empty keeps the queue in memory.
	// ${HOME} and ${VAR:-default} are expanded.
	// Default: ${XDG_STATE_HOME:-${HOME}/.local/state}/webeye
	Dir string `yaml:"dir" json:"dir" toml:"dir"`

	// Name is the database file name without extension.
	// Default: webeye
	Name string `yaml:"name" json:"name" toml:"name"`

	// MaxRecords bounds the queue; the oldest records are evicted.
	// Default: 500
	MaxRecords int `yaml:"max_records" json:"max_records" toml:"max_records"`

	// ReadyRetries is the number of open attempts before giving up.
	// Default: 5
	ReadyRetries int `yaml:"ready_retries" json:"ready_retries" toml:"ready_retries"`
}

// WorkerConfig configures out-of-process delivery.
type WorkerConfig struct {
	// Enabled runs the pipeline in a child process speaking the
	// worker protocol over stdin/stdout.
	Enabled bool `yaml:"enabled" json:"enabled" toml:"enabled"`

	// Command is the child command line. Default: the running
	// executable with --worker.
	Command []string `yaml:"command,omitempty" json:"command,omitempty" toml:"command,omitempty"`
}

// PluginsConfig holds plugin thresholds.
type PluginsConfig struct {
	// WhiteScreenThreshold is how long the host may report an empty
	// render before a white_screen record is produced.
	// Default: 3s
	WhiteScreenThreshold Duration `yaml:"white_screen_threshold" json:"white_screen_threshold" toml:"white_screen_threshold"`

	// PerformanceThreshold is the sampling interval of the runtime
	// metrics collector.
	// Default: 30s
	PerformanceThreshold Duration `yaml:"performance_threshold" json:"performance_threshold" toml:"performance_threshold"`

	// BreadcrumbLimit bounds the behavior trail kept by the error
	// plugin.
	// Default: 20
	BreadcrumbLimit int `yaml:"breadcrumb_limit" json:"breadcrumb_limit" toml:"breadcrumb_limit"`
}

// Default returns the default configuration. ReportURL has no default;
// [Config.Validate] rejects a config without one.
func Default() *Config {
	return &Config{
		Environment:      Development,
		MaxRetry:         3,
		RetryDelay:       Duration(1e9),
		BatchSize:        10,
		FlushInterval:    Duration(10e9),
		EnableAutoReport: true,
		MaxBatchBytes:    128 << 10,
		LogLevel:         "warn",
		Transport: TransportConfig{
			BeaconSupported:  true,
			BeaconLimit:      64 << 10,
			BeaconMaxRecords: 10,
			KeepaliveLimit:   64 << 10,
			ImageURLLimit:    2000,
			Timeout:          Duration(10e9),
			UnloadTimeout:    Duration(2e9),
		},
		Compression: CompressionConfig{
			Encoding:  "gzip",
			Threshold: 1024,
		},
		Store: StoreConfig{
			Dir:          "${XDG_STATE_HOME:-${HOME}/.local/state}/webeye",
			Name:         "webeye",
			MaxRecords:   500,
			ReadyRetries: 5,
		},
		Plugins: PluginsConfig{
			WhiteScreenThreshold: Duration(3e9),
			PerformanceThreshold: Duration(30e9),
			BreadcrumbLimit:      20,
		},
	}
}

// Load loads configuration from the WEBEYE_CONFIG environment variable.
//
// There is no fallback: if WEBEYE_CONFIG is not set, this fails.
func Load() (*Config, error) {
	configPath := os.Getenv(EnvironmentVariable)
	if configPath == "" {
		return nil, fmt.Errorf("%s environment variable not set; "+
			"set it to the path of your webeye config file, or use --config flag", EnvironmentVariable)
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The format
// follows the extension: .yaml/.yml, .json/.jsonc, or .toml.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	if err := cfg.loadFile(path); err != nil {
		return nil, fmt.Errorf("config: loading %s: %w", path, err)
	}

	cfg.applyAliases()
	cfg.applyEnvironmentOverrides()
	cfg.expandVariables()

	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, c)
	case ".json", ".jsonc":
		return json.Unmarshal(jsonc.ToJSON(data), c)
	case ".toml":
		return toml.Unmarshal(data, c)
	default:
		return fmt.Errorf("unsupported config extension %q (want .yaml, .yml, .json, .jsonc, or .toml)", filepath.Ext(path))
	}
}

// applyAliases folds the dsn and appid spellings into their canonical
// fields. The canonical field wins when both are set.
func (c *Config) applyAliases() {
	if c.ReportURL == "" {
		c.ReportURL = c.DSN
	}
	if c.AppKey == "" {
		c.AppKey = c.AppID
	}
	c.DSN = ""
	c.AppID = ""
}

func (c *Config) applyEnvironmentOverrides() {
	var overrides *Overrides

	switch c.Environment {
	case Development:
		overrides = c.Development
	case Staging:
		overrides = c.Staging
	case Production:
		overrides = c.Production
	}

	if overrides == nil {
		return
	}

	if overrides.ReportURL != "" {
		c.ReportURL = overrides.ReportURL
	}
	if overrides.LogLevel != "" {
		c.LogLevel = overrides.LogLevel
	}
	if overrides.Debug != nil {
		c.Debug = *overrides.Debug
	}
	if overrides.EnableAutoReport != nil {
		c.EnableAutoReport = *overrides.EnableAutoReport
	}
	if overrides.StoreDir != "" {
		c.Store.Dir = overrides.StoreDir
	}
}

func (c *Config) expandVariables() {
	c.Store.Dir = expandVars(c.Store.Dir)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-((?:[^}$]|\$\{[^}]*\})*))?\}`)

// expandVars expands ${VAR} and ${VAR:-default} patterns. A default
// may itself contain one level of ${VAR}.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 && parts[2] != "" {
			return expandVars(parts[2])
		}
		return ""
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Environment != Development && c.Environment != Staging && c.Environment != Production {
		errs = append(errs, fmt.Errorf("invalid environment: %s", c.Environment))
	}

	if c.ReportURL == "" {
		errs = append(errs, errors.New("report_url (or dsn) is required"))
	} else if !strings.HasPrefix(c.ReportURL, "http://") && !strings.HasPrefix(c.ReportURL, "https://") {
		errs = append(errs, fmt.Errorf("report_url must be an http or https URL, got %q", c.ReportURL))
	}

	positive := []struct {
		name  string
		value int
	}{
		{"batch_size", c.BatchSize},
		{"max_batch_bytes", c.MaxBatchBytes},
		{"transport.beacon_limit", c.Transport.BeaconLimit},
		{"transport.beacon_max_records", c.Transport.BeaconMaxRecords},
		{"transport.image_url_limit", c.Transport.ImageURLLimit},
		{"store.max_records", c.Store.MaxRecords},
		{"store.ready_retries", c.Store.ReadyRetries},
	}
	for _, field := range positive {
		if field.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", field.name, field.value))
		}
	}

	if c.MaxRetry < 0 {
		errs = append(errs, fmt.Errorf("max_retry must not be negative, got %d", c.MaxRetry))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("retry_delay must not be negative, got %s", c.RetryDelay))
	}
	if c.EnableAutoReport && c.FlushInterval <= 0 {
		errs = append(errs, fmt.Errorf("flush_interval must be positive when enable_auto_report is set, got %s", c.FlushInterval))
	}
	if c.Transport.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("transport.timeout must be positive, got %s", c.Transport.Timeout))
	}

	switch c.Compression.Encoding {
	case "", "none", "gzip", "zstd", "lz4":
	default:
		errs = append(errs, fmt.Errorf("compression.encoding must be one of: none, gzip, zstd, lz4; got %q", c.Compression.Encoding))
	}

	switch strings.ToLower(c.LogLevel) {
	case "", "debug", "log", "info", "warn", "error", "silent":
	default:
		errs = append(errs, fmt.Errorf("log_level must be one of: debug, log, info, warn, error, silent; got %q", c.LogLevel))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

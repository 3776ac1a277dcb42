// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"
	"golang.org/x/time/rate"

	"xfer/internal/model"
	"xfer/internal/transport"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/xfer/config.toml",
	"configs/config.toml",
}

// reservedRoutes are served by the status server next to the metrics path.
var reservedRoutes = []string{"/healthz", "/status"}

// CLI holds the global command-line arguments parsed by Kong.
type CLI struct {
	Config     string `kong:"short='c',help='Path to TOML config file.',env='XFER_CONFIG'"`
	LogLevel   string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='XFER_LOG_LEVEL'"`
	StatusAddr string `kong:"help='Serve health, status and metrics on host:port (overrides config).',env='XFER_STATUS_ADDR'"`
}

// Config is the top-level application configuration.
type Config struct {
	Transfer TransferConfig `toml:"transfer"`
	// Defaults is a request option bag applied to every transfer. It uses
	// the same keys as model.Decode.
	Defaults map[string]any `toml:"defaults"`
	Log      LogConfig      `toml:"log"`
	Metrics  MetricsConfig  `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// TransferConfig tunes handle pooling and the multiplexer.
type TransferConfig struct {
	PoolSize        int     `toml:"pool_size"`
	MultiPoolSize   int     `toml:"multi_pool_size"`
	SelectTimeoutMS int     `toml:"select_timeout_ms"`
	MaxConcurrent   int64   `toml:"max_concurrent"` // 0 means unlimited
	StartRate       float64 `toml:"start_rate"`     // transfers started per second, 0 means unlimited
	StartBurst      int     `toml:"start_burst"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig controls the status server exposing health, status and
// Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or XFER_CONFIG), it searches
// /etc/xfer/config.toml then configs/config.toml and falls back to defaults
// when neither exists.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
		cfg.filePath = path
	}

	if err := cfg.applyCLI(cli); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) error {
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
	if cli.StatusAddr != "" {
		host, port, err := splitAddr(cli.StatusAddr)
		if err != nil {
			return fmt.Errorf("status address: %w", err)
		}
		c.Metrics.Enabled = true
		c.Metrics.Host, c.Metrics.Port = host, port
	}
	return nil
}

func splitAddr(addr string) (string, int, error) {
	host, portText, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portText)
	if err != nil {
		return "", 0, fmt.Errorf("%q has an invalid port", addr)
	}
	return host, port, nil
}

func (c *Config) validate() error {
	// Numeric bounds.
	if c.Transfer.PoolSize < 0 {
		return fmt.Errorf("transfer.pool_size must be non-negative; got %d", c.Transfer.PoolSize)
	}
	if c.Transfer.MultiPoolSize < 0 {
		return fmt.Errorf("transfer.multi_pool_size must be non-negative; got %d", c.Transfer.MultiPoolSize)
	}
	if c.Transfer.SelectTimeoutMS < 0 {
		return fmt.Errorf("transfer.select_timeout_ms must be non-negative; got %d", c.Transfer.SelectTimeoutMS)
	}
	if c.Transfer.MaxConcurrent < 0 {
		return fmt.Errorf("transfer.max_concurrent must be non-negative; got %d", c.Transfer.MaxConcurrent)
	}
	if c.Transfer.StartRate < 0 {
		return fmt.Errorf("transfer.start_rate must be non-negative; got %v", c.Transfer.StartRate)
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		return fmt.Errorf("metrics.port must be 0-65535; got %d", c.Metrics.Port)
	}

	if _, err := model.Decode(c.Defaults); err != nil {
		return fmt.Errorf("defaults: %w", err)
	}

	// Log fields.
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error", "":
	default:
		return fmt.Errorf("log.level must be one of: debug, info, warn, error; got %q", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be one of: json, text; got %q", c.Log.Format)
	}

	// Metrics path validation (only when the status server is enabled).
	if c.Metrics.Enabled && c.Metrics.Path != "" {
		p := c.Metrics.Path
		if p[0] != '/' {
			return fmt.Errorf("metrics.path must start with '/'; got %q", p)
		}
		for _, reserved := range reservedRoutes {
			if p == reserved || strings.HasPrefix(p, reserved+"/") {
				return fmt.Errorf("metrics.path %q conflicts with reserved route %q", p, reserved)
			}
		}
	}

	return nil
}

// setDefaults fills zero-valued fields. For integer fields zero means
// "unset" because TOML cannot distinguish an explicit 0 from an omitted key.
func (c *Config) setDefaults() {
	if c.Transfer.PoolSize == 0 {
		c.Transfer.PoolSize = transport.DefaultHandlerPoolSize
	}
	if c.Transfer.MultiPoolSize == 0 {
		c.Transfer.MultiPoolSize = transport.DefaultMultiPoolSize
	}
	if c.Transfer.SelectTimeoutMS == 0 {
		c.Transfer.SelectTimeoutMS = int(transport.DefaultSelectTimeout / time.Millisecond)
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Metrics.Host == "" {
		c.Metrics.Host = "127.0.0.1"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// RequestDefaults decodes the [defaults] option bag.
func (c *Config) RequestDefaults() (model.RequestOptions, error) {
	return model.Decode(c.Defaults)
}

// MultiOptions returns the multiplexer settings.
func (c *TransferConfig) MultiOptions() transport.MultiOptions {
	return transport.MultiOptions{
		SelectTimeout: time.Duration(c.SelectTimeoutMS) * time.Millisecond,
		MaxConcurrent: c.MaxConcurrent,
		StartRate:     rate.Limit(c.StartRate),
		StartBurst:    c.StartBurst,
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the status server listen address as host:port.
func (c *MetricsConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// WarnPermissions logs a warning if the config file is readable by group or
// others. Defaults may carry certificate passwords.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}

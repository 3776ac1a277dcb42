package config

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"xfer/internal/model"
	"xfer/internal/transport"
)

// cliWithPath returns a CLI struct pointing at the given config file.
func cliWithPath(path string) *CLI {
	return &CLI{Config: path}
}

// writeConfig writes data to a config.toml in a fresh temp dir.
func writeConfig(t *testing.T, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
[transfer]
pool_size = 5
multi_pool_size = 20
select_timeout_ms = 250
max_concurrent = 8
start_rate = 2.5
start_burst = 4

[defaults]
timeout = 1.5
connect_timeout = 3
decode_content = true
verify = false
proxy = { http = "http://proxy:8080", no = [".internal"] }

[log]
level = "debug"
format = "json"
`)

	cfg, err := Load(cliWithPath(path))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Transfer.PoolSize != 5 {
		t.Errorf("Transfer.PoolSize = %d, want 5", cfg.Transfer.PoolSize)
	}
	if cfg.Transfer.MultiPoolSize != 20 {
		t.Errorf("Transfer.MultiPoolSize = %d, want 20", cfg.Transfer.MultiPoolSize)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}
	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	mo := cfg.Transfer.MultiOptions()
	want := transport.MultiOptions{
		SelectTimeout: 250 * time.Millisecond,
		MaxConcurrent: 8,
		StartRate:     rate.Limit(2.5),
		StartBurst:    4,
	}
	if mo != want {
		t.Errorf("MultiOptions() = %+v, want %+v", mo, want)
	}

	opts, err := cfg.RequestDefaults()
	if err != nil {
		t.Fatalf("RequestDefaults() error = %v", err)
	}
	if opts.Timeout != 1500*time.Millisecond {
		t.Errorf("Timeout = %v, want 1.5s", opts.Timeout)
	}
	if opts.ConnectTimeout != 3*time.Second {
		t.Errorf("ConnectTimeout = %v, want 3s", opts.ConnectTimeout)
	}
	if !opts.DecodeContent {
		t.Error("DecodeContent = false, want true")
	}
	if opts.Verify != model.VerifyOff {
		t.Errorf("Verify = %+v, want off", opts.Verify)
	}
	proxy, ok := opts.Proxy.(model.ProxyByScheme)
	if !ok {
		t.Fatalf("Proxy = %T, want ProxyByScheme", opts.Proxy)
	}
	if proxy.Schemes["http"] != "http://proxy:8080" || len(proxy.No) != 1 || proxy.No[0] != ".internal" {
		t.Errorf("Proxy = %+v", proxy)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(cliWithPath(writeConfig(t, "")))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Transfer.PoolSize != transport.DefaultHandlerPoolSize {
		t.Errorf("Transfer.PoolSize = %d, want %d", cfg.Transfer.PoolSize, transport.DefaultHandlerPoolSize)
	}
	if cfg.Transfer.MultiPoolSize != transport.DefaultMultiPoolSize {
		t.Errorf("Transfer.MultiPoolSize = %d, want %d", cfg.Transfer.MultiPoolSize, transport.DefaultMultiPoolSize)
	}
	if cfg.Transfer.SelectTimeoutMS != 1000 {
		t.Errorf("Transfer.SelectTimeoutMS = %d, want 1000", cfg.Transfer.SelectTimeoutMS)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}
	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
	if cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = true, want false")
	}
	if got := cfg.Metrics.Addr(); got != "127.0.0.1:9090" {
		t.Errorf("Metrics.Addr() = %q, want 127.0.0.1:9090", got)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want /metrics", cfg.Metrics.Path)
	}
}

func TestLoad_ExampleConfig(t *testing.T) {
	cfg, err := Load(cliWithPath(filepath.Join("..", "..", "configs", "config.example.toml")))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	defaults, err := cfg.RequestDefaults()
	if err != nil {
		t.Fatalf("RequestDefaults() error = %v", err)
	}
	if defaults.ConnectTimeout != 150*time.Second {
		t.Errorf("ConnectTimeout = %v, want 150s", defaults.ConnectTimeout)
	}
	if !defaults.DecodeContent {
		t.Error("DecodeContent = false, want true")
	}
	if cfg.Transfer.MultiPoolSize != transport.DefaultMultiPoolSize {
		t.Errorf("MultiPoolSize = %d, want %d", cfg.Transfer.MultiPoolSize, transport.DefaultMultiPoolSize)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(cliWithPath("/nonexistent/config.toml"))
	if err == nil {
		t.Fatal("Load() expected error for missing explicit file, got nil")
	}
}

func TestLoad_NoFileFound(t *testing.T) {
	orig := configSearchPaths
	configSearchPaths = []string{"/nonexistent/a.toml"}
	t.Cleanup(func() { configSearchPaths = orig })

	cfg, err := Load(&CLI{})
	if err != nil {
		t.Fatalf("Load() error = %v; defaults should apply without a config file", err)
	}
	if cfg.Transfer.PoolSize != transport.DefaultHandlerPoolSize {
		t.Errorf("Transfer.PoolSize = %d, want default", cfg.Transfer.PoolSize)
	}
}

func TestLoad_CLIOverrides(t *testing.T) {
	path := writeConfig(t, `
[log]
level = "error"
`)
	cli := &CLI{Config: path, LogLevel: "debug", StatusAddr: "0.0.0.0:9100"}

	cfg, err := Load(cli)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (CLI override)", cfg.Log.Level, "debug")
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true when a status address is given")
	}
	if got := cfg.Metrics.Addr(); got != "0.0.0.0:9100" {
		t.Errorf("Metrics.Addr() = %q, want 0.0.0.0:9100", got)
	}
}

func TestLoad_BadStatusAddr(t *testing.T) {
	_, err := Load(&CLI{Config: writeConfig(t, ""), StatusAddr: "nope"})
	if err == nil {
		t.Fatal("Load() expected error for malformed status address, got nil")
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"negative pool", "[transfer]\npool_size = -1\n", "transfer.pool_size"},
		{"negative multi pool", "[transfer]\nmulti_pool_size = -1\n", "transfer.multi_pool_size"},
		{"negative select timeout", "[transfer]\nselect_timeout_ms = -5\n", "transfer.select_timeout_ms"},
		{"negative max concurrent", "[transfer]\nmax_concurrent = -2\n", "transfer.max_concurrent"},
		{"negative start rate", "[transfer]\nstart_rate = -0.5\n", "transfer.start_rate"},
		{"bad port", "[metrics]\nport = 70000\n", "metrics.port"},
		{"bad log level", "[log]\nlevel = \"verbose\"\n", "log.level"},
		{"bad log format", "[log]\nformat = \"xml\"\n", "log.format"},
		{"bad default", "[defaults]\ntimeout = \"soon\"\n", "timeout must be a number of seconds"},
		{"progress not callable", "[defaults]\nprogress = \"foo\"\n", "progress client option must be callable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(cliWithPath(writeConfig(t, tt.data)))
			if err == nil {
				t.Fatal("Load() expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestLoad_DefaultsWrapSentinel(t *testing.T) {
	_, err := Load(cliWithPath(writeConfig(t, "[defaults]\nsink = true\n")))
	if !errors.Is(err, model.ErrInvalidConfiguration) {
		t.Errorf("error = %v, want ErrInvalidConfiguration", err)
	}
}

func TestWarnPermissions_Loose(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := writeConfig(t, "# test")

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if !strings.Contains(buf.String(), "readable by group/others") {
		t.Errorf("expected permission warning, got: %q", buf.String())
	}
}

func TestWarnPermissions_Strict(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("permission bits not meaningful on Windows")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("# test"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{filePath: path}
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))
	cfg.WarnPermissions(logger)

	if buf.Len() != 0 {
		t.Errorf("expected no warning for 0600 file, got: %q", buf.String())
	}
}

func TestWarnPermissions_NoFile(t *testing.T) {
	var buf bytes.Buffer
	(&Config{}).WarnPermissions(slog.New(slog.NewTextHandler(&buf, nil)))
	if buf.Len() != 0 {
		t.Errorf("expected no output without a config file, got: %q", buf.String())
	}
}

func TestFindConfigInPaths_NotFound(t *testing.T) {
	got := findConfigInPaths([]string{"/nonexistent/a.toml", "/nonexistent/b.toml"})
	if got != "" {
		t.Errorf("findConfigInPaths() = %q, want empty", got)
	}
}

func TestFindConfigInPaths_Priority(t *testing.T) {
	path1 := writeConfig(t, "")
	path2 := writeConfig(t, "")

	got := findConfigInPaths([]string{"/nonexistent/a.toml", path1, path2})
	if got != path1 {
		t.Errorf("findConfigInPaths() = %q, want first match %q", got, path1)
	}
}

func TestLoad_MetricsPath(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr string
		want    string
	}{
		{"default", "[metrics]\nenabled = true\n", "", "/metrics"},
		{"custom", "[metrics]\nenabled = true\npath = \"/custom-metrics\"\n", "", "/custom-metrics"},
		{"no leading slash", "[metrics]\nenabled = true\npath = \"metrics\"\n", "metrics.path", ""},
		{"healthz", "[metrics]\nenabled = true\npath = \"/healthz\"\n", "conflicts", ""},
		{"status sub", "[metrics]\nenabled = true\npath = \"/status/metrics\"\n", "conflicts", ""},
		{"disabled skips validation", "[metrics]\nenabled = false\npath = \"bad-no-slash\"\n", "", "bad-no-slash"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(cliWithPath(writeConfig(t, tt.data)))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Load() error = %v, want mention of %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.Metrics.Path != tt.want {
				t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, tt.want)
			}
		})
	}
}

func TestMetricsConfig_Addr(t *testing.T) {
	mc := &MetricsConfig{Host: "::1", Port: 3000}
	if got, want := mc.Addr(), "[::1]:3000"; got != want {
		t.Errorf("Addr() = %q, want %q", got, want)
	}
}

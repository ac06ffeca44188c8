// Package config loads opsbrain's configuration file. YAML and TOML are both
// accepted, chosen by file extension, and a handful of OPSBRAIN_* variables
// override the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"opsbrain/pkg/dispatcher"
	"opsbrain/pkg/orchestrator"
	"opsbrain/pkg/store"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Duration is a time.Duration written as a Go duration string ("90s").
type Duration time.Duration

// UnmarshalText parses a duration string.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText renders the duration string.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full configuration.
type Config struct {
	Home       string           `yaml:"home" toml:"home"`
	Socket     string           `yaml:"socket" toml:"socket"`
	Playbook   string           `yaml:"playbook" toml:"playbook"`
	Store      StoreConfig      `yaml:"store" toml:"store"`
	Dispatcher DispatcherConfig `yaml:"dispatcher" toml:"dispatcher"`
	Loop       LoopConfig       `yaml:"loop" toml:"loop"`
	Log        LogConfig        `yaml:"log" toml:"log"`
}

// StoreConfig selects and tunes the event store.
type StoreConfig struct {
	Backend         string   `yaml:"backend" toml:"backend"` // memory, sqlite or postgres
	Path            string   `yaml:"path" toml:"path"`       // sqlite file
	DSN             string   `yaml:"dsn" toml:"dsn"`         // postgres connection string
	MaxRetries      int      `yaml:"max_retries" toml:"max_retries"`
	JournalLimit    int      `yaml:"journal_limit" toml:"journal_limit"`
	JournalMaxLen   int      `yaml:"journal_max_len" toml:"journal_max_len"`
	JournalCacheTTL Duration `yaml:"journal_cache_ttl" toml:"journal_cache_ttl"`
}

// DispatcherConfig tunes the agent socket.
type DispatcherConfig struct {
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout" toml:"heartbeat_timeout"`
	TaskTimeout      Duration `yaml:"task_timeout" toml:"task_timeout"`
	DisconnectGrace  Duration `yaml:"disconnect_grace" toml:"disconnect_grace"`
	WriteTimeout     Duration `yaml:"write_timeout" toml:"write_timeout"`
}

// LoopConfig holds the orchestrator thresholds.
type LoopConfig struct {
	ScanInterval          Duration `yaml:"scan_interval" toml:"scan_interval"`
	IdleSleep             Duration `yaml:"idle_sleep" toml:"idle_sleep"`
	StaleThinkAge         Duration `yaml:"stale_think_age" toml:"stale_think_age"`
	MaxTurns              int      `yaml:"max_turns" toml:"max_turns"`
	MaxDuration           Duration `yaml:"max_duration" toml:"max_duration"`
	MaxReasoningCalls     int      `yaml:"max_reasoning_calls" toml:"max_reasoning_calls"`
	MaxRoutingDepth       int      `yaml:"max_routing_depth" toml:"max_routing_depth"`
	CorrelationWindow     Duration `yaml:"correlation_window" toml:"correlation_window"`
	BusyRetryDelay        Duration `yaml:"busy_retry_delay" toml:"busy_retry_delay"`
	StaleEventAge         Duration `yaml:"stale_event_age" toml:"stale_event_age"`
	MaxConcurrentDispatch int      `yaml:"max_concurrent_dispatch" toml:"max_concurrent_dispatch"`
	DecideRetries         int      `yaml:"decide_retries" toml:"decide_retries"`
	MaintenanceSchedule   string   `yaml:"maintenance_schedule" toml:"maintenance_schedule"`
}

// LogConfig selects the log level and handler.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`   // debug, info, warn, error
	Format string `yaml:"format" toml:"format"` // text or json
}

// Default returns the configuration used when no file is given. Paths live
// under $HOME/.opsbrain.
func Default() *Config {
	home := defaultHome()
	return &Config{
		Home:   home,
		Socket: filepath.Join(home, "opsbrain.sock"),
		Store: StoreConfig{
			Backend: BackendSQLite,
			Path:    filepath.Join(home, "events.db"),
		},
		Dispatcher: DispatcherConfig{
			HeartbeatTimeout: Duration(45 * time.Second),
			TaskTimeout:      Duration(10 * time.Minute),
			DisconnectGrace:  Duration(30 * time.Second),
			WriteTimeout:     Duration(5 * time.Second),
		},
		Loop: LoopConfig{
			ScanInterval:          Duration(2 * time.Second),
			IdleSleep:             Duration(250 * time.Millisecond),
			StaleThinkAge:         Duration(2 * time.Minute),
			MaxTurns:              60,
			MaxDuration:           Duration(6 * time.Hour),
			MaxReasoningCalls:     8,
			MaxRoutingDepth:       6,
			CorrelationWindow:     Duration(10 * time.Minute),
			BusyRetryDelay:        Duration(time.Minute),
			StaleEventAge:         Duration(24 * time.Hour),
			MaxConcurrentDispatch: 16,
			DecideRetries:         3,
			MaintenanceSchedule:   "@every 10m",
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

func defaultHome() string {
	if h := os.Getenv("OPSBRAIN_HOME"); h != "" {
		return h
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".opsbrain"
	}
	return filepath.Join(home, ".opsbrain")
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := decode(path, data, cfg); err != nil {
			return nil, err
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) { // empty file keeps defaults
			return fmt.Errorf("parse %s: %w", path, err)
		}
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config format %q (want .yaml, .yml or .toml)", ext)
	}
	return nil
}

// applyEnv overrides fields from OPSBRAIN_* variables.
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("OPSBRAIN_HOME"); v != "" {
		c.Home = v
	}
	if v := getenv("OPSBRAIN_SOCKET"); v != "" {
		c.Socket = v
	}
	if v := getenv("OPSBRAIN_DB"); v != "" {
		c.Store.Backend = BackendSQLite
		c.Store.Path = v
	}
	if v := getenv("OPSBRAIN_PG_DSN"); v != "" {
		c.Store.Backend = BackendPostgres
		c.Store.DSN = v
	}
	if v := getenv("OPSBRAIN_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

// Validate rejects unusable settings.
func (c *Config) Validate() error {
	var errs []error
	if c.Socket == "" {
		errs = append(errs, errors.New("socket path is required"))
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite backend"))
		}
	case BackendPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store backend %q", c.Store.Backend))
	}

	positive := map[string]Duration{
		"loop.scan_interval":      c.Loop.ScanInterval,
		"loop.idle_sleep":         c.Loop.IdleSleep,
		"loop.stale_think_age":    c.Loop.StaleThinkAge,
		"loop.max_duration":       c.Loop.MaxDuration,
		"loop.correlation_window": c.Loop.CorrelationWindow,
		"loop.busy_retry_delay":   c.Loop.BusyRetryDelay,
		"loop.stale_event_age":    c.Loop.StaleEventAge,
		"dispatcher.task_timeout": c.Dispatcher.TaskTimeout,
	}
	for name, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	counts := map[string]int{
		"loop.max_turns":               c.Loop.MaxTurns,
		"loop.max_reasoning_calls":     c.Loop.MaxReasoningCalls,
		"loop.max_routing_depth":       c.Loop.MaxRoutingDepth,
		"loop.max_concurrent_dispatch": c.Loop.MaxConcurrentDispatch,
	}
	for name, n := range counts {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.Loop.MaintenanceSchedule != "" {
		if _, err := cron.ParseStandard(c.Loop.MaintenanceSchedule); err != nil {
			errs = append(errs, fmt.Errorf("loop.maintenance_schedule: %w", err))
		}
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// --- Component configs ---

// Limits converts the loop section to orchestrator limits.
func (c *Config) Limits() orchestrator.Limits {
	l := c.Loop
	return orchestrator.Limits{
		ScanInterval:          l.ScanInterval.Std(),
		IdleSleep:             l.IdleSleep.Std(),
		StaleThinkAge:         l.StaleThinkAge.Std(),
		MaxTurns:              l.MaxTurns,
		MaxDuration:           l.MaxDuration.Std(),
		MaxReasoningCalls:     l.MaxReasoningCalls,
		MaxRoutingDepth:       l.MaxRoutingDepth,
		CorrelationWindow:     l.CorrelationWindow.Std(),
		BusyRetryDelay:        l.BusyRetryDelay.Std(),
		StaleEventAge:         l.StaleEventAge.Std(),
		MaxConcurrentDispatch: l.MaxConcurrentDispatch,
		DecideRetries:         l.DecideRetries,
	}
}

// Orchestrator returns the orchestrator configuration.
func (c *Config) Orchestrator() orchestrator.Config {
	return orchestrator.Config{Limits: c.Limits(), MaintenanceSchedule: c.Loop.MaintenanceSchedule}
}

// DispatcherConfig returns the dispatcher configuration.
func (c *Config) DispatcherConfig() dispatcher.Config {
	d := c.Dispatcher
	return dispatcher.Config{
		SocketPath:       c.Socket,
		HeartbeatTimeout: d.HeartbeatTimeout.Std(),
		TaskTimeout:      d.TaskTimeout.Std(),
		DisconnectGrace:  d.DisconnectGrace.Std(),
		WriteTimeout:     d.WriteTimeout.Std(),
	}
}

// StoreOptions returns the store tuning. Logger and clock are left to the caller.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		MaxRetries:      c.Store.MaxRetries,
		JournalLimit:    c.Store.JournalLimit,
		JournalMaxLen:   c.Store.JournalMaxLen,
		JournalCacheTTL: c.Store.JournalCacheTTL.Std(),
	}
}

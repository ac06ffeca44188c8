package config //nolint:testpackage // internal white-box tests need access to unexported fields

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearEnv blanks every override so the host environment cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{"OPSBRAIN_HOME", "OPSBRAIN_SOCKET", "OPSBRAIN_DB", "OPSBRAIN_PG_DSN", "OPSBRAIN_LOG_LEVEL"} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	clearEnv(t)
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, 60, cfg.Loop.MaxTurns)
	assert.Equal(t, 10*time.Minute, cfg.Loop.CorrelationWindow.Std())
	assert.Equal(t, filepath.Join(cfg.Home, "opsbrain.sock"), cfg.Socket)
}

func TestLoad_YAML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "opsbrain.yaml", `
socket: /run/opsbrain.sock
playbook: /etc/opsbrain/playbook.yaml
store:
  backend: memory
dispatcher:
  task_timeout: 90s
loop:
  max_turns: 20
  correlation_window: 5m
  maintenance_schedule: "*/5 * * * *"
log:
  level: debug
  format: json
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/run/opsbrain.sock", cfg.Socket)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, 90*time.Second, cfg.Dispatcher.TaskTimeout.Std())
	assert.Equal(t, 20, cfg.Loop.MaxTurns)
	assert.Equal(t, 8, cfg.Loop.MaxReasoningCalls, "unset fields keep defaults")

	limits := cfg.Limits()
	assert.Equal(t, 5*time.Minute, limits.CorrelationWindow)
	assert.Equal(t, 20, limits.MaxTurns)
	assert.Equal(t, "*/5 * * * *", cfg.Orchestrator().MaintenanceSchedule)
	assert.Equal(t, "/run/opsbrain.sock", cfg.DispatcherConfig().SocketPath)
}

func TestLoad_TOML(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "opsbrain.toml", `
socket = "/run/opsbrain.sock"

[store]
backend = "postgres"
dsn = "postgres://ops@localhost/ops"
journal_limit = 20

[loop]
max_routing_depth = 3
busy_retry_delay = "30s"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, 20, cfg.StoreOptions().JournalLimit)
	assert.Equal(t, 3, cfg.Loop.MaxRoutingDepth)
	assert.Equal(t, 30*time.Second, cfg.Limits().BusyRetryDelay)
}

func TestLoad_EmptyYAMLKeepsDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(writeFile(t, "empty.yaml", ""))
	require.NoError(t, err)
	assert.Equal(t, 16, cfg.Loop.MaxConcurrentDispatch)
}

func TestLoad_Rejects(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name, file, content, want string
	}{
		{"unknown field", "c.yaml", "loop:\n  max_turnz: 3\n", "max_turnz"},
		{"bad duration", "c.yaml", "loop:\n  idle_sleep: soon\n", "invalid duration"},
		{"negative limit", "c.yaml", "loop:\n  max_turns: -1\n", "loop.max_turns must be positive"},
		{"postgres without dsn", "c.toml", "[store]\nbackend = \"postgres\"\n", "store.dsn is required"},
		{"unknown backend", "c.yaml", "store:\n  backend: redis\n", "unknown store backend"},
		{"bad schedule", "c.yaml", "loop:\n  maintenance_schedule: whenever\n", "maintenance_schedule"},
		{"bad log level", "c.yaml", "log:\n  level: loud\n", "unknown log level"},
		{"unsupported format", "c.json", "{}", "unsupported config format"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tc.file, tc.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestApplyEnv(t *testing.T) {
	t.Parallel()
	env := map[string]string{
		"OPSBRAIN_SOCKET":    "/tmp/b.sock",
		"OPSBRAIN_PG_DSN":    "postgres://x",
		"OPSBRAIN_LOG_LEVEL": "warn",
	}
	cfg := &Config{Store: StoreConfig{Backend: BackendSQLite, Path: "events.db"}}
	cfg.applyEnv(func(k string) string { return env[k] })

	assert.Equal(t, "/tmp/b.sock", cfg.Socket)
	assert.Equal(t, BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, "postgres://x", cfg.Store.DSN)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestDuration_MarshalRoundTrip(t *testing.T) {
	t.Parallel()
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte(" 1m30s ")))
	assert.Equal(t, 90*time.Second, d.Std())
	out, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(out))
}

func TestWatch_ReloadsValidChanges(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "opsbrain.yaml", "loop:\n  max_turns: 10\n")

	var (
		mu   sync.Mutex
		seen []int
	)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, func(c *Config) {
			mu.Lock()
			defer mu.Unlock()
			seen = append(seen, c.Loop.MaxTurns)
		}, nil)
	}()
	defer func() {
		cancel()
		require.NoError(t, <-done)
	}()

	last := func() int {
		mu.Lock()
		defer mu.Unlock()
		if len(seen) == 0 {
			return 0
		}
		return seen[len(seen)-1]
	}

	// The watcher may not be registered yet; keep rewriting until a reload lands.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("loop:\n  max_turns: 25\n"), 0o600)
		return last() == 25
	}, 5*time.Second, 300*time.Millisecond)

	// An invalid edit is skipped.
	require.NoError(t, os.WriteFile(path, []byte("loop:\n  max_turns: -5\n"), 0o600))
	time.Sleep(3 * debounceDelay)
	assert.Equal(t, 25, last())
}

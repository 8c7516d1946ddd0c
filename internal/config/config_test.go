package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "chatsync.yaml", `
version: 1
user:
  id: alice
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Platform.Mode != PlatformMemory {
		t.Errorf("mode = %q, want memory", cfg.Platform.Mode)
	}
	if cfg.Connection.Interval != 10*time.Second {
		t.Errorf("interval = %v, want 10s", cfg.Connection.Interval)
	}
	if cfg.Connection.Thresholds.Good != 300*time.Millisecond {
		t.Errorf("good threshold = %v", cfg.Connection.Thresholds.Good)
	}
	if cfg.Feed.NotificationLimit != 200 {
		t.Errorf("notification limit = %d", cfg.Feed.NotificationLimit)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("log level = %q", cfg.Logging.Level)
	}
}

func TestLoadParsesDurations(t *testing.T) {
	path := writeConfig(t, "chatsync.yaml", `
version: 1
user:
  id: alice
connection:
  interval: 3s
  initial_delay: 500ms
  max_delay: 8s
  thresholds:
    excellent: 50ms
    good: 150ms
presence:
  idle_timeout: 2m
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Connection.Interval != 3*time.Second {
		t.Errorf("interval = %v", cfg.Connection.Interval)
	}
	if cfg.Connection.InitialDelay != 500*time.Millisecond {
		t.Errorf("initial delay = %v", cfg.Connection.InitialDelay)
	}
	if cfg.Connection.Thresholds.Excellent != 50*time.Millisecond {
		t.Errorf("excellent = %v", cfg.Connection.Thresholds.Excellent)
	}
	if cfg.Presence.IdleTimeout != 2*time.Minute {
		t.Errorf("idle timeout = %v", cfg.Presence.IdleTimeout)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "chatsync.yaml", `
version: 1
user:
  id: alice
feed:
  reconcile_every: 5s
`)
	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
	if !strings.Contains(err.Error(), "reconcile_every") {
		t.Fatalf("error %q does not name the field", err)
	}
}

func TestLoadRejectsMultipleDocuments(t *testing.T) {
	path := writeConfig(t, "chatsync.yaml", "version: 1\n---\nversion: 1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for multi-document yaml")
	}
}

func TestLoadJSON5(t *testing.T) {
	path := writeConfig(t, "chatsync.json5", `{
  // comments are allowed
  version: 1,
  user: { id: "bob", display_name: "Bob" },
  platform: { mode: "memory" },
}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.User.ID != "bob" || cfg.User.DisplayName != "Bob" {
		t.Fatalf("user = %+v", cfg.User)
	}
}

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("CHATSYNC_TEST_TOKEN", "secret-token")
	path := writeConfig(t, "chatsync.yaml", `
version: 1
user:
  id: alice
platform:
  mode: remote
  base_url: http://localhost:8080
  token: ${CHATSYNC_TEST_TOKEN}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Platform.Token != "secret-token" {
		t.Fatalf("token = %q", cfg.Platform.Token)
	}
}

func TestLoadIncludes(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base.yaml")
	if err := os.WriteFile(base, []byte(`
version: 1
connection:
  interval: 4s
  max_attempts: 9
`), 0o644); err != nil {
		t.Fatal(err)
	}
	main := filepath.Join(dir, "chatsync.yaml")
	if err := os.WriteFile(main, []byte(`
$include: base.yaml
user:
  id: alice
connection:
  interval: 7s
`), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Connection.Interval != 7*time.Second {
		t.Errorf("interval = %v, want override 7s", cfg.Connection.Interval)
	}
	if cfg.Connection.MaxAttempts != 9 {
		t.Errorf("max attempts = %d, want included 9", cfg.Connection.MaxAttempts)
	}
}

func TestLoadIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	a := filepath.Join(dir, "a.yaml")
	b := filepath.Join(dir, "b.yaml")
	if err := os.WriteFile(a, []byte("$include: b.yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(b, []byte("$include: a.yaml\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := Sources(a)
	if err == nil || !strings.Contains(err.Error(), "a.yaml -> b.yaml -> a.yaml") {
		t.Fatalf("expected cycle error naming the chain, got %v", err)
	}
}

func TestLoadIncludeListAppliesInOrder(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"platform.yaml": "version: 1\nplatform:\n  mode: remote\n  base_url: http://chat.local\n  token: shared\n",
		"tuning.json5":  "{ connection: { interval: '4s', thresholds: { excellent: '40ms' } } }",
		"chatsync.yaml": "$include: [platform.yaml, tuning.json5]\nuser:\n  id: alice\nconnection:\n  thresholds:\n    good: 200ms\n",
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	main := filepath.Join(dir, "chatsync.yaml")

	sources, err := Sources(main)
	if err != nil {
		t.Fatalf("Sources() error = %v", err)
	}
	var names []string
	for _, src := range sources {
		names = append(names, filepath.Base(src))
	}
	if strings.Join(names, ",") != "platform.yaml,tuning.json5,chatsync.yaml" {
		t.Errorf("sources = %v", names)
	}

	cfg, err := Load(main)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Platform.Mode != PlatformRemote || cfg.Platform.Token != "shared" {
		t.Errorf("platform = %+v", cfg.Platform)
	}
	if cfg.Connection.Interval != 4*time.Second {
		t.Errorf("interval = %v, want 4s", cfg.Connection.Interval)
	}
	th := cfg.Connection.Thresholds
	if th.Excellent != 40*time.Millisecond || th.Good != 200*time.Millisecond {
		t.Errorf("thresholds = %+v, want both layers kept", th)
	}
}

func TestLoadEnvFallback(t *testing.T) {
	t.Setenv("CHATSYNC_TEST_UNSET", "")
	path := writeConfig(t, "chatsync.yaml", `
version: 1
user:
  id: ${CHATSYNC_TEST_UNSET:-carol}
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.User.ID != "carol" {
		t.Errorf("user = %q, want fallback carol", cfg.User.ID)
	}
}

func TestLoadRejectsUnknownSection(t *testing.T) {
	path := writeConfig(t, "chatsync.yaml", "version: 1\nuser:\n  id: alice\nchannels:\n  slack: {}\n")
	_, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), `unknown section "channels"`) || !strings.Contains(err.Error(), path) {
		t.Fatalf("error = %v, want unknown section naming the file", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "defaults with user",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing user",
			mutate:  func(c *Config) { c.User.ID = " " },
			wantErr: "user.id is required",
		},
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Platform.Mode = "carrier-pigeon" },
			wantErr: "platform.mode",
		},
		{
			name:    "remote without url",
			mutate:  func(c *Config) { c.Platform.Mode = PlatformRemote; c.Platform.Token = "t" },
			wantErr: "platform.base_url",
		},
		{
			name:    "remote without token",
			mutate:  func(c *Config) { c.Platform.Mode = PlatformRemote; c.Platform.BaseURL = "http://x" },
			wantErr: "platform.token",
		},
		{
			name:    "negative duration",
			mutate:  func(c *Config) { c.Presence.IdleTimeout = -time.Second },
			wantErr: "presence.idle_timeout must not be negative",
		},
		{
			name:    "backoff bounds",
			mutate:  func(c *Config) { c.Connection.MaxDelay = time.Millisecond },
			wantErr: "connection.max_delay",
		},
		{
			name: "thresholds inverted",
			mutate: func(c *Config) {
				c.Connection.Thresholds.Excellent = time.Second
				c.Connection.Thresholds.Good = time.Millisecond
			},
			wantErr: "thresholds.excellent",
		},
		{
			name:    "log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "logging.level",
		},
		{
			name:    "sampling rate",
			mutate:  func(c *Config) { c.Observability.Tracing.SamplingRate = 2 },
			wantErr: "sampling_rate",
		},
		{
			name:    "version",
			mutate:  func(c *Config) { c.Version = CurrentVersion + 1 },
			wantErr: "newer than this build",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.User.ID = "alice"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Logging.Format = "xml"
	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"user.id", "logging.format"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q missing %q", err, want)
		}
	}
}

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func tempConfigPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "config.json")
}

func writeTestConfig(t *testing.T, path string, cfg *Config) {
	t.Helper()
	if err := Save(path, cfg); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoad_WritesDefaultsOnFirstRun(t *testing.T) {
	path := tempConfigPath(t)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected defaults to be written: %v", err)
	}
	if cfg.Server.MaxConnections != 100 {
		t.Errorf("expected max_connections=100, got %d", cfg.Server.MaxConnections)
	}
	if cfg.Scheduler.Interval.D() != 5*time.Minute {
		t.Errorf("expected interval=5m, got %v", cfg.Scheduler.Interval)
	}
	if got := cfg.Notify.Minutes; len(got) != 3 || got[0] != 15 || got[2] != 1 {
		t.Errorf("expected notify minutes [15 5 1], got %v", got)
	}
}

func TestSave_ReloadRoundTrip(t *testing.T) {
	path := tempConfigPath(t)

	original := Default()
	original.LogLevel = "debug"
	original.Server.MaxConnections = 8
	original.Scheduler.Interval = Seconds(120)
	original.Notify.MorningAgenda = "08:30"
	original.Notify.Telegram.Token = "bot-token-456"
	original.Providers = []ProviderConfig{
		{Name: "work", Kind: KindICS, URL: "https://example.com/work.ics", Interval: Seconds(60)},
	}

	if err := Save(path, original); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if loaded.LogLevel != "debug" {
		t.Errorf("LogLevel mismatch: %v", loaded.LogLevel)
	}
	if loaded.Server.MaxConnections != 8 {
		t.Errorf("MaxConnections mismatch: %v", loaded.Server.MaxConnections)
	}
	if loaded.Scheduler.Interval.D() != 2*time.Minute {
		t.Errorf("Interval mismatch: %v", loaded.Scheduler.Interval)
	}
	if loaded.Notify.MorningAgenda != "08:30" {
		t.Errorf("MorningAgenda mismatch: %v", loaded.Notify.MorningAgenda)
	}
	if len(loaded.Providers) != 1 || loaded.Providers[0].Interval.D() != time.Minute {
		t.Errorf("Providers mismatch: %+v", loaded.Providers)
	}
}

func TestSave_AtomicWrite(t *testing.T) {
	path := tempConfigPath(t)

	if err := Save(path, Default()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file should not exist after successful save")
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected mode 0600, got %v", info.Mode().Perm())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read saved config: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Errorf("saved file is not valid JSON: %v", err)
	}
}

func TestSave_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subdir", "config.json")
	if err := Save(path, Default()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("expected file in new directory: %v", err)
	}
}

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, `
log_level: warn
scheduler:
  interval: 10m
  fetch_timeout: 15
notify:
  minutes: [10, 2]
  morning_agenda: "07:45"
providers:
  - name: team
    kind: ics
    url: https://example.com/team.ics
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("expected warn, got %s", cfg.LogLevel)
	}
	if cfg.Scheduler.Interval.D() != 10*time.Minute {
		t.Errorf("expected 10m, got %v", cfg.Scheduler.Interval)
	}
	if cfg.Scheduler.FetchTimeout.D() != 15*time.Second {
		t.Errorf("expected bare number as seconds, got %v", cfg.Scheduler.FetchTimeout)
	}
	if len(cfg.Notify.Minutes) != 2 || cfg.Notify.Minutes[0] != 10 {
		t.Errorf("expected minutes [10 2], got %v", cfg.Notify.Minutes)
	}
	// Unset fields keep defaults.
	if cfg.Server.MaxConnections != 100 {
		t.Errorf("expected default max_connections, got %d", cfg.Server.MaxConnections)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].Name != "team" {
		t.Errorf("unexpected providers: %+v", cfg.Providers)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := tempConfigPath(t)
	writeTestConfig(t, path, Default())

	t.Setenv("NEXTMEETING_SOCKET", "/tmp/override.sock")
	t.Setenv("NEXTMEETING_LOG_LEVEL", "debug")
	t.Setenv("TELEGRAM_BOT_TOKEN", "env-token")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SocketPath != "/tmp/override.sock" {
		t.Errorf("expected socket override, got %s", cfg.SocketPath)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log level override, got %s", cfg.LogLevel)
	}
	if cfg.Notify.Telegram.Token != "env-token" {
		t.Errorf("expected telegram token override, got %s", cfg.Notify.Telegram.Token)
	}
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	writeTestConfig(t, path, Default())
	writeFile(t, filepath.Join(dir, ".env"), "NEXTMEETING_LOG_LEVEL=error\n")
	t.Setenv("NEXTMEETING_LOG_LEVEL", "")
	os.Unsetenv("NEXTMEETING_LOG_LEVEL")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("expected log level from .env, got %s", cfg.LogLevel)
	}
}

func TestLoad_InvalidConfigRejected(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"bad json", `{"log_level": `, "parse"},
		{"bad duration", `{"scheduler": {"interval": "soon"}}`, "invalid duration"},
		{"unknown kind", `{"providers": [{"name": "x", "kind": "carrier-pigeon"}]}`, "unknown kind"},
		{"duplicate provider", `{"providers": [{"name": "x", "kind": "google"}, {"name": "x", "kind": "google"}]}`, "duplicate"},
		{"ics without url", `{"providers": [{"name": "x", "kind": "ics"}]}`, "requires url"},
		{"bad agenda", `{"notify": {"morning_agenda": "8am"}}`, "morning_agenda"},
		{"jitter too large", `{"scheduler": {"jitter": 1.5}}`, "jitter"},
		{"zero connections", `{"server": {"max_connections": 0}}`, "max_connections"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tempConfigPath(t)
			writeFile(t, path, tt.content)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestEnabledProviders(t *testing.T) {
	cfg := Default()
	cfg.Providers = []ProviderConfig{
		{Name: "a", Kind: KindGoogle},
		{Name: "b", Kind: KindGoogle, Disabled: true},
		{Name: "c", Kind: KindGoogle},
	}
	got := cfg.EnabledProviders()
	if len(got) != 2 || got[0].Name != "a" || got[1].Name != "c" {
		t.Errorf("expected [a c] in order, got %+v", got)
	}
}

func TestParseClock(t *testing.T) {
	c, err := ParseClock("9:05")
	if err != nil {
		t.Fatal(err)
	}
	if c.Hour != 9 || c.Minute != 5 {
		t.Errorf("expected 9:05, got %+v", c)
	}
	ref := time.Date(2026, 5, 4, 17, 0, 0, 0, time.UTC)
	if got := c.On(ref); !got.Equal(time.Date(2026, 5, 4, 9, 5, 0, 0, time.UTC)) {
		t.Errorf("unexpected On result %v", got)
	}
	if _, err := ParseClock("25:00"); err == nil {
		t.Error("expected error for 25:00")
	}
}

func TestDefaultSocketPath(t *testing.T) {
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")
	if got := DefaultSocketPath(); got != "/run/user/1000/nextmeeting.sock" {
		t.Errorf("unexpected socket path %s", got)
	}
	if got := DefaultPIDPath(); got != "/run/user/1000/nextmeeting.pid" {
		t.Errorf("unexpected pid path %s", got)
	}

	t.Setenv("XDG_RUNTIME_DIR", "")
	if got := DefaultSocketPath(); !strings.HasSuffix(got, ".sock") || !strings.Contains(got, "nextmeeting-") {
		t.Errorf("unexpected fallback socket path %s", got)
	}
}

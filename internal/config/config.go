package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const appName = "nextmeeting"

type Config struct {
	SocketPath string           `json:"socket_path" yaml:"socket_path"`
	PIDFile    string           `json:"pid_file" yaml:"pid_file"`
	CacheFile  string           `json:"cache_file" yaml:"cache_file"`
	LogLevel   string           `json:"log_level" yaml:"log_level"`
	LogFormat  string           `json:"log_format" yaml:"log_format"`
	Server     ServerConfig     `json:"server" yaml:"server"`
	Scheduler  SchedulerConfig  `json:"scheduler" yaml:"scheduler"`
	Notify     NotifyConfig     `json:"notify" yaml:"notify"`
	Providers  []ProviderConfig `json:"providers" yaml:"providers"`
}

type ServerConfig struct {
	MaxConnections    int      `json:"max_connections" yaml:"max_connections"`
	ConnectionTimeout Duration `json:"connection_timeout" yaml:"connection_timeout"`
	ShutdownGrace     Duration `json:"shutdown_grace" yaml:"shutdown_grace"`
}

type SchedulerConfig struct {
	Interval          Duration `json:"interval" yaml:"interval"`
	Jitter            float64  `json:"jitter" yaml:"jitter"`
	RefreshCooldown   Duration `json:"refresh_cooldown" yaml:"refresh_cooldown"`
	FetchTimeout      Duration `json:"fetch_timeout" yaml:"fetch_timeout"`
	BackoffInitial    Duration `json:"backoff_initial" yaml:"backoff_initial"`
	BackoffMultiplier float64  `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	BackoffMax        Duration `json:"backoff_max" yaml:"backoff_max"`
	Lookback          Duration `json:"lookback" yaml:"lookback"`
	Lookahead         Duration `json:"lookahead" yaml:"lookahead"`
	Tick              Duration `json:"tick" yaml:"tick"`
}

type NotifyConfig struct {
	Enabled           bool           `json:"enabled" yaml:"enabled"`
	Minutes           []int          `json:"minutes" yaml:"minutes"`
	Urgency           string         `json:"urgency" yaml:"urgency"`
	Icon              string         `json:"icon" yaml:"icon"`
	Expiry            Duration       `json:"expiry" yaml:"expiry"`
	AppName           string         `json:"app_name" yaml:"app_name"`
	CheckInterval     Duration       `json:"check_interval" yaml:"check_interval"`
	MorningAgenda     string         `json:"morning_agenda" yaml:"morning_agenda"`
	EndWarningMinutes int            `json:"end_warning_minutes" yaml:"end_warning_minutes"`
	NearStartCritical int            `json:"near_start_critical" yaml:"near_start_critical"`
	NearStartNormal   int            `json:"near_start_normal" yaml:"near_start_normal"`
	Desktop           bool           `json:"desktop" yaml:"desktop"`
	Telegram          TelegramConfig `json:"telegram" yaml:"telegram"`
}

type TelegramConfig struct {
	Token  string `json:"token" yaml:"token"`
	ChatID int64  `json:"chat_id" yaml:"chat_id"`
}

// ProviderConfig describes one calendar source. Kind is one of "ics",
// "google" or "static".
type ProviderConfig struct {
	Name       string   `json:"name" yaml:"name"`
	Kind       string   `json:"kind" yaml:"kind"`
	URL        string   `json:"url,omitempty" yaml:"url,omitempty"`
	Path       string   `json:"path,omitempty" yaml:"path,omitempty"`
	CalendarID string   `json:"calendar_id,omitempty" yaml:"calendar_id,omitempty"`
	TokenFile  string   `json:"token_file,omitempty" yaml:"token_file,omitempty"`
	Interval   Duration `json:"interval,omitempty" yaml:"interval,omitempty"`
	Disabled   bool     `json:"disabled,omitempty" yaml:"disabled,omitempty"`
}

const (
	KindICS    = "ics"
	KindGoogle = "google"
	KindStatic = "static"
)

// DefaultPath returns $NEXTMEETING_CONFIG or the XDG config location.
func DefaultPath() string {
	if p := os.Getenv("NEXTMEETING_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(xdg.ConfigHome, appName, "config.json")
}

// Default returns a Config populated with built-in defaults.
func Default() *Config {
	cfg := &Config{
		SocketPath: DefaultSocketPath(),
		PIDFile:    DefaultPIDPath(),
		CacheFile:  filepath.Join(xdg.StateHome, appName, "snapshot.json"),
		LogLevel:   "info",
		LogFormat:  "text",
	}
	cfg.Server.MaxConnections = 100
	cfg.Server.ConnectionTimeout = Seconds(30)
	cfg.Server.ShutdownGrace = Seconds(5)

	cfg.Scheduler.Interval = Seconds(300)
	cfg.Scheduler.Jitter = 0.1
	cfg.Scheduler.RefreshCooldown = Seconds(30)
	cfg.Scheduler.FetchTimeout = Seconds(30)
	cfg.Scheduler.BackoffInitial = Seconds(5)
	cfg.Scheduler.BackoffMultiplier = 2.0
	cfg.Scheduler.BackoffMax = Seconds(300)
	cfg.Scheduler.Lookback = Seconds(3600)
	cfg.Scheduler.Lookahead = Seconds(48 * 3600)
	cfg.Scheduler.Tick = Seconds(1)

	cfg.Notify.Enabled = true
	cfg.Notify.Minutes = []int{15, 5, 1}
	cfg.Notify.Urgency = "low"
	cfg.Notify.AppName = appName
	cfg.Notify.CheckInterval = Seconds(30)
	cfg.Notify.NearStartCritical = 1
	cfg.Notify.NearStartNormal = 5
	cfg.Notify.Desktop = true
	return cfg
}

// DefaultSocketPath is $XDG_RUNTIME_DIR/nextmeeting.sock, falling back to a
// per-user path under /tmp.
func DefaultSocketPath() string {
	return runtimePath(".sock")
}

func DefaultPIDPath() string {
	return runtimePath(".pid")
}

func runtimePath(ext string) string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, appName+ext)
	}
	return filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d%s", appName, os.Getuid(), ext))
}

// Load reads the config at path, writing defaults there on first run. A
// .env file next to it is loaded before environment overrides are applied.
// The returned config has been validated.
func Load(path string) (*Config, error) {
	var cfg *Config
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		cfg, err = Parse(data, FormatFor(path))
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
		cfg = Default()
		if err := Save(path, cfg); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data over the defaults. format is "json" or "yaml".
func Parse(data []byte, format string) (*Config, error) {
	cfg := Default()
	var err error
	if format == "yaml" {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// FormatFor picks the decoder by file extension.
func FormatFor(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "json"
	}
}

func applyEnv(cfg *Config) {
	if socket := os.Getenv("NEXTMEETING_SOCKET"); socket != "" {
		cfg.SocketPath = socket
	}
	if level := os.Getenv("NEXTMEETING_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Notify.Telegram.Token = token
	}
}

func (c *Config) normalize() {
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	for i := range c.Providers {
		p := &c.Providers[i]
		p.Name = strings.TrimSpace(p.Name)
		p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
		p.Path = expandHome(p.Path)
		p.TokenFile = expandHome(p.TokenFile)
	}
	c.SocketPath = expandHome(c.SocketPath)
	c.PIDFile = expandHome(c.PIDFile)
	c.CacheFile = expandHome(c.CacheFile)
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// EnabledProviders returns the providers that are not disabled, in configured order.
func (c *Config) EnabledProviders() []ProviderConfig {
	var out []ProviderConfig
	for _, p := range c.Providers {
		if !p.Disabled {
			out = append(out, p)
		}
	}
	return out
}

// Save writes cfg atomically with owner-only permissions.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	var data []byte
	var err error
	if FormatFor(path) == "yaml" {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

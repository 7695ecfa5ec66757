package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validate checks the config for values the daemon cannot run with. All
// problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	if c.SocketPath == "" {
		errs = append(errs, errors.New("socket_path is required"))
	}
	if c.PIDFile == "" {
		errs = append(errs, errors.New("pid_file is required"))
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log_format %q is not one of text, json", c.LogFormat))
	}

	if c.Server.MaxConnections <= 0 {
		errs = append(errs, errors.New("server.max_connections must be positive"))
	}
	if c.Server.ConnectionTimeout <= 0 {
		errs = append(errs, errors.New("server.connection_timeout must be positive"))
	}
	if c.Server.ShutdownGrace < 0 {
		errs = append(errs, errors.New("server.shutdown_grace must not be negative"))
	}

	s := c.Scheduler
	for name, d := range map[string]Duration{
		"interval":        s.Interval,
		"fetch_timeout":   s.FetchTimeout,
		"backoff_initial": s.BackoffInitial,
		"backoff_max":     s.BackoffMax,
		"lookahead":       s.Lookahead,
		"tick":            s.Tick,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("scheduler.%s must be positive", name))
		}
	}
	if s.Jitter < 0 || s.Jitter >= 1 {
		errs = append(errs, fmt.Errorf("scheduler.jitter %.2f must be in [0, 1)", s.Jitter))
	}
	if s.BackoffMultiplier < 1 {
		errs = append(errs, errors.New("scheduler.backoff_multiplier must be at least 1"))
	}
	if s.BackoffMax < s.BackoffInitial {
		errs = append(errs, errors.New("scheduler.backoff_max must not be below backoff_initial"))
	}
	if s.RefreshCooldown < 0 || s.Lookback < 0 {
		errs = append(errs, errors.New("scheduler.refresh_cooldown and lookback must not be negative"))
	}

	n := c.Notify
	for _, m := range n.Minutes {
		if m < 0 {
			errs = append(errs, fmt.Errorf("notify.minutes entry %d must not be negative", m))
		}
	}
	if n.CheckInterval <= 0 {
		errs = append(errs, errors.New("notify.check_interval must be positive"))
	}
	if n.MorningAgenda != "" {
		if _, err := ParseClock(n.MorningAgenda); err != nil {
			errs = append(errs, fmt.Errorf("notify.morning_agenda: %w", err))
		}
	}
	switch strings.ToLower(n.Urgency) {
	case "", "low", "normal", "critical":
	default:
		errs = append(errs, fmt.Errorf("notify.urgency %q is not one of low, normal, critical", n.Urgency))
	}
	if n.EndWarningMinutes < 0 {
		errs = append(errs, errors.New("notify.end_warning_minutes must not be negative"))
	}

	seen := make(map[string]bool)
	for i, p := range c.Providers {
		if p.Name == "" {
			errs = append(errs, fmt.Errorf("providers[%d]: name is required", i))
			continue
		}
		if strings.Contains(p.Name, ":") {
			errs = append(errs, fmt.Errorf("provider %q: name must not contain ':'", p.Name))
		}
		if seen[p.Name] {
			errs = append(errs, fmt.Errorf("provider %q: duplicate name", p.Name))
		}
		seen[p.Name] = true
		switch p.Kind {
		case KindICS:
			if p.URL == "" {
				errs = append(errs, fmt.Errorf("provider %q: ics requires url", p.Name))
			}
		case KindStatic:
			if p.Path == "" {
				errs = append(errs, fmt.Errorf("provider %q: static requires path", p.Name))
			}
		case KindGoogle:
		default:
			errs = append(errs, fmt.Errorf("provider %q: unknown kind %q", p.Name, p.Kind))
		}
		if p.Interval < 0 {
			errs = append(errs, fmt.Errorf("provider %q: interval must not be negative", p.Name))
		}
	}
	return errors.Join(errs...)
}

// Clock is a time of day in minutes past midnight.
type Clock struct {
	Hour, Minute int
}

// ParseClock parses "HH:MM" in 24h form.
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return Clock{}, fmt.Errorf("invalid time of day %q (want HH:MM)", s)
	}
	return Clock{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// On returns the clock time on the calendar day of ref, in ref's location.
func (c Clock) On(ref time.Time) time.Time {
	y, m, d := ref.Date()
	return time.Date(y, m, d, c.Hour, c.Minute, 0, 0, ref.Location())
}

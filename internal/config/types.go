package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the on-disk configuration. Every section is optional.
//
// All durations are Go duration strings (e.g. "100ms", "1s", "2m").
type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Batcher  BatcherConfig  `json:"batcher"`
	Telegram TelegramConfig `json:"telegram"`
	Upstream UpstreamConfig `json:"upstream"`
	Debug    DebugConfig    `json:"debug"`
	Report   ReportConfig   `json:"report"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console *bool       `json:"console,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// BatcherConfig controls per-destination batching.
//
// Defaults (when fields are omitted; an explicit "0s" disables the wait):
//   - cooldown: "100ms"
//   - interval: "100ms"
//   - retry_attempts: 3
//   - retry_wait: "1s"
//   - max_pending: 0 (unbounded)
type BatcherConfig struct {
	Cooldown      string `json:"cooldown,omitempty"`
	Interval      string `json:"interval,omitempty"`
	RetryAttempts int    `json:"retry_attempts,omitempty"`
	RetryWait     string `json:"retry_wait,omitempty"`
	MaxPending    int    `json:"max_pending,omitempty"`
}

// TelegramConfig never carries the bot token; that comes from BOT_TOKEN.
type TelegramConfig struct {
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
	APIURL     string `json:"api_url,omitempty"`
}

type UpstreamConfig struct {
	Heartbeat        string `json:"heartbeat,omitempty"`
	DialTimeout      string `json:"dial_timeout,omitempty"`
	MaxReconnects    *int   `json:"max_reconnects,omitempty"`
	ReconnectBackoff string `json:"reconnect_backoff,omitempty"`
}

// DebugConfig controls the optional metrics/pprof HTTP server.
//
// Prefer binding to localhost. A non-loopback address requires a token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:6061"
	Token   string `json:"token,omitempty"` // optional bearer token (do not log)
}

type ReportConfig struct {
	// Schedule is a robfig/cron spec. Nil means the default; "" disables.
	Schedule *string `json:"schedule,omitempty"`
}

const (
	DefaultDebugAddr      = "127.0.0.1:6061"
	DefaultReportSchedule = "@every 10m"
)

// Settings is Config with defaults applied and durations parsed.
type Settings struct {
	Logging  LoggingSettings
	Batcher  BatcherSettings
	Telegram TelegramSettings
	Upstream UpstreamSettings
	Debug    DebugSettings
	Report   string
}

type LoggingSettings struct {
	Level       string
	Console     bool
	FileEnabled bool
	FilePath    string
}

type BatcherSettings struct {
	Cooldown      time.Duration
	Interval      time.Duration
	RetryAttempts int
	RetryWait     time.Duration
	MaxPending    int
}

type TelegramSettings struct {
	RatePerSec int
	Timeout    time.Duration
	APIURL     string
}

type UpstreamSettings struct {
	Heartbeat        time.Duration
	DialTimeout      time.Duration
	MaxReconnects    int
	ReconnectBackoff time.Duration
}

type DebugSettings struct {
	Enabled bool
	Addr    string
	Token   string
}

// Resolve validates c and fills in defaults.
func (c *Config) Resolve() (Settings, error) {
	var (
		s   Settings
		err error
	)
	if c == nil {
		c = &Config{}
	}

	s.Logging = LoggingSettings{
		Level:       strings.ToLower(strings.TrimSpace(c.Logging.Level)),
		Console:     c.Logging.Console == nil || *c.Logging.Console,
		FileEnabled: c.Logging.File.Enabled,
		FilePath:    strings.TrimSpace(c.Logging.File.Path),
	}
	switch s.Logging.Level {
	case "":
		s.Logging.Level = "info"
	case "trace", "debug", "info", "warn", "warning", "error":
	default:
		return s, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level)
	}

	b := c.Batcher
	if s.Batcher.Cooldown, err = ParseDurationOrUnset("batcher.cooldown", b.Cooldown, 100*time.Millisecond); err != nil {
		return s, err
	}
	if s.Batcher.Interval, err = ParseDurationOrUnset("batcher.interval", b.Interval, 100*time.Millisecond); err != nil {
		return s, err
	}
	if s.Batcher.RetryWait, err = ParseDurationOrUnset("batcher.retry_wait", b.RetryWait, time.Second); err != nil {
		return s, err
	}
	switch {
	case b.RetryAttempts < 0:
		return s, fmt.Errorf("batcher.retry_attempts: must be >= 1")
	case b.RetryAttempts == 0:
		s.Batcher.RetryAttempts = 3
	default:
		s.Batcher.RetryAttempts = b.RetryAttempts
	}
	if b.MaxPending < 0 {
		return s, fmt.Errorf("batcher.max_pending: must be >= 0")
	}
	s.Batcher.MaxPending = b.MaxPending

	t := c.Telegram
	if t.RatePerSec < 0 {
		return s, fmt.Errorf("telegram.rate_per_sec: must be >= 0")
	}
	s.Telegram.RatePerSec = t.RatePerSec
	if s.Telegram.RatePerSec == 0 {
		s.Telegram.RatePerSec = 20
	}
	if s.Telegram.Timeout, err = ParseDurationOrDefault("telegram.timeout", t.Timeout, 10*time.Second); err != nil {
		return s, err
	}
	s.Telegram.APIURL = strings.TrimSpace(t.APIURL)

	u := c.Upstream
	if s.Upstream.Heartbeat, err = ParseDurationOrDefault("upstream.heartbeat", u.Heartbeat, 30*time.Second); err != nil {
		return s, err
	}
	if s.Upstream.DialTimeout, err = ParseDurationOrDefault("upstream.dial_timeout", u.DialTimeout, 15*time.Second); err != nil {
		return s, err
	}
	if s.Upstream.ReconnectBackoff, err = ParseDurationOrDefault("upstream.reconnect_backoff", u.ReconnectBackoff, 2*time.Second); err != nil {
		return s, err
	}
	s.Upstream.MaxReconnects = 5
	if u.MaxReconnects != nil {
		if *u.MaxReconnects < 0 {
			return s, fmt.Errorf("upstream.max_reconnects: must be >= 0")
		}
		s.Upstream.MaxReconnects = *u.MaxReconnects
	}

	d := c.Debug
	s.Debug = DebugSettings{Enabled: d.Enabled, Addr: strings.TrimSpace(d.Addr), Token: strings.TrimSpace(d.Token)}
	if s.Debug.Addr == "" {
		s.Debug.Addr = DefaultDebugAddr
	}
	if s.Debug.Enabled {
		host, _, err := net.SplitHostPort(s.Debug.Addr)
		if err != nil {
			return s, fmt.Errorf("debug.addr: %w", err)
		}
		if !isLoopback(host) && s.Debug.Token == "" {
			return s, fmt.Errorf("debug.addr: %q is not loopback; set debug.token", s.Debug.Addr)
		}
	}

	s.Report = DefaultReportSchedule
	if c.Report.Schedule != nil {
		s.Report = strings.TrimSpace(*c.Report.Schedule)
	}
	if s.Report != "" {
		if _, err := cron.ParseStandard(s.Report); err != nil {
			return s, fmt.Errorf("report.schedule: %w", err)
		}
	}
	return s, nil
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

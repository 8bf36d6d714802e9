// Package config loads configuration from an optional TOML file overlaid with
// environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Push transports.
const (
	TransportWebSocket = "websocket"
	TransportSSE       = "sse"
	TransportNone      = "none"
)

// Duration is a time.Duration written as "30s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Server contains the backend connection settings.
type Server struct {
	URL               string   `toml:"url"`
	Token             string   `toml:"token"`
	Timeout           Duration `toml:"timeout"`
	RetryAttempts     int      `toml:"retry_attempts"`
	RequestsPerSecond float64  `toml:"requests_per_second"`
}

// Push contains the push channel settings. An empty URL is derived from the
// server URL and transport.
type Push struct {
	URL          string   `toml:"url"`
	Transport    string   `toml:"transport"`
	ReconnectMin Duration `toml:"reconnect_min"`
	ReconnectMax Duration `toml:"reconnect_max"`
}

// Logging contains configuration for log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Metrics contains the metrics listener address; empty disables it.
type Metrics struct {
	Addr string `toml:"addr"`
}

// Config holds all client configuration.
type Config struct {
	Server  Server  `toml:"server"`
	Push    Push    `toml:"push"`
	Logging Logging `toml:"logging"`
	Metrics Metrics `toml:"metrics"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Server: Server{
			URL:           "http://localhost:5001/api_v1",
			Timeout:       Duration{30 * time.Second},
			RetryAttempts: 3,
		},
		Push: Push{
			Transport:    TransportWebSocket,
			ReconnectMin: Duration{time.Second},
			ReconnectMax: Duration{30 * time.Second},
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration: defaults, then the TOML file at path when
// path is non-empty, then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.URL = envOr("BEETS_SERVER_URL", c.Server.URL)
	c.Server.Token = envOr("BEETS_TOKEN", c.Server.Token)
	c.Server.Timeout.Duration = envDuration("BEETS_TIMEOUT", c.Server.Timeout.Duration)
	c.Server.RetryAttempts = envInt("BEETS_RETRY_ATTEMPTS", c.Server.RetryAttempts)
	c.Server.RequestsPerSecond = envFloat("BEETS_REQUESTS_PER_SECOND", c.Server.RequestsPerSecond)
	c.Push.URL = envOr("BEETS_PUSH_URL", c.Push.URL)
	c.Push.Transport = envOr("BEETS_PUSH_TRANSPORT", c.Push.Transport)
	c.Push.ReconnectMin.Duration = envDuration("BEETS_RECONNECT_MIN", c.Push.ReconnectMin.Duration)
	c.Push.ReconnectMax.Duration = envDuration("BEETS_RECONNECT_MAX", c.Push.ReconnectMax.Duration)
	c.Logging.Level = envOr("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = envOr("LOG_FORMAT", c.Logging.Format)
	c.Metrics.Addr = envOr("METRICS_ADDR", c.Metrics.Addr)
}

func (c *Config) normalize() error {
	c.Server.URL = strings.TrimSuffix(strings.TrimSpace(c.Server.URL), "/")
	c.Push.Transport = strings.ToLower(strings.TrimSpace(c.Push.Transport))
	if c.Push.URL == "" && c.Push.Transport != TransportNone {
		derived, err := PushURL(c.Server.URL, c.Push.Transport)
		if err != nil {
			return err
		}
		c.Push.URL = derived
	}
	return nil
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.URL == "" {
		errs = append(errs, errors.New("server url is required"))
	} else if u, err := url.Parse(c.Server.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("server url %q must be an absolute http(s) url", c.Server.URL))
	}
	switch c.Push.Transport {
	case TransportWebSocket, TransportSSE, TransportNone:
	default:
		errs = append(errs, fmt.Errorf("push transport %q must be one of websocket, sse, none", c.Push.Transport))
	}
	if c.Server.Timeout.Duration <= 0 {
		errs = append(errs, errors.New("server timeout must be positive"))
	}
	if c.Server.RetryAttempts < 1 {
		errs = append(errs, errors.New("retry attempts must be at least 1"))
	}
	if c.Server.RequestsPerSecond < 0 {
		errs = append(errs, errors.New("requests per second must not be negative"))
	}
	if c.Push.ReconnectMin.Duration <= 0 || c.Push.ReconnectMax.Duration < c.Push.ReconnectMin.Duration {
		errs = append(errs, errors.New("push reconnect bounds must satisfy 0 < min <= max"))
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log format %q must be json or console", c.Logging.Format))
	}
	return errors.Join(errs...)
}

// PushURL derives the push endpoint from the API base URL: /ws with a
// ws(s) scheme for websocket, /events for sse.
func PushURL(serverURL, transport string) (string, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch transport {
	case TransportWebSocket:
		if u.Scheme == "https" {
			u.Scheme = "wss"
		} else {
			u.Scheme = "ws"
		}
		u.Path = strings.TrimSuffix(u.Path, "/") + "/ws"
	case TransportSSE:
		u.Path = strings.TrimSuffix(u.Path, "/") + "/events"
	default:
		return "", fmt.Errorf("no push url for transport %q", transport)
	}
	return u.String(), nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// Package config loads the taskpilot client configuration from defaults,
// an optional YAML file, and environment overrides, in that order.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Default configuration values exported for documentation and validation
const (
	DefaultAPIBaseURL       = "http://localhost:8000"
	DefaultPushPath         = "/ws"
	DefaultRequestTimeout   = 30 * time.Second
	DefaultDialTimeout      = 15 * time.Second
	DefaultReconnectBackoff = 5 * time.Second
	DefaultLogLevel         = "info"
)

// Environment variable names recognized by Load.
const (
	EnvConfigPath = "TASKPILOT_CONFIG"
	EnvAPIBaseURL = "TASKPILOT_API_URL"
	EnvPushURL    = "TASKPILOT_PUSH_URL"
	EnvStateDir   = "TASKPILOT_STATE_DIR"
	EnvLogLevel   = "TASKPILOT_LOG_LEVEL"
)

// Config represents the complete taskpilot configuration
type Config struct {
	API     APIConfig     `yaml:"api"`
	Push    PushConfig    `yaml:"push"`
	State   StateConfig   `yaml:"state"`
	Logging LoggingConfig `yaml:"logging"`
}

// APIConfig configures the HTTP surface of the task service.
type APIConfig struct {
	// BaseURL is the root of the task service API. Malformed values fall
	// back to DefaultAPIBaseURL rather than aborting startup.
	BaseURL string `yaml:"base_url"`

	// RequestTimeout bounds individual HTTP calls. The client imposes no
	// application-level timeout beyond this transport one.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// PushConfig configures the push notification channel. The exact URL
// derivation is a deployment concern, so both the path suffix and the full
// URL are overridable instead of being baked into the core.
type PushConfig struct {
	// URL, when set, is used verbatim for the push channel.
	URL string `yaml:"url"`

	// Path is joined onto the API base (scheme swapped to ws/wss) when URL
	// is empty.
	Path string `yaml:"path"`

	// ReconnectBackoff is the fixed wait between reconnect attempts.
	ReconnectBackoff time.Duration `yaml:"reconnect_backoff"`

	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// StateConfig locates durable client state (persisted token, logs).
type StateConfig struct {
	Dir string `yaml:"dir"`
}

// LoggingConfig controls the structured client log.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config populated with defaults.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:        DefaultAPIBaseURL,
			RequestTimeout: DefaultRequestTimeout,
		},
		Push: PushConfig{
			Path:             DefaultPushPath,
			ReconnectBackoff: DefaultReconnectBackoff,
			DialTimeout:      DefaultDialTimeout,
		},
		State: StateConfig{
			Dir: defaultStateDir(),
		},
		Logging: LoggingConfig{
			Level: DefaultLogLevel,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file if
// one exists, then environment overrides. Validation never fails the load;
// malformed URLs are replaced by the fixed default and reported through the
// returned warnings so callers can log them.
func Load() (*Config, []string) {
	cfg := DefaultConfig()
	var warnings []string

	path := configPath()
	if path != "" {
		if err := loadAndMerge(cfg, path); err != nil && !os.IsNotExist(err) {
			warnings = append(warnings, fmt.Sprintf("config file %s ignored: %v", path, err))
		}
	}

	applyEnvOverrides(cfg)
	warnings = append(warnings, cfg.normalize()...)
	return cfg, warnings
}

// normalize validates the loaded values and substitutes defaults for
// anything malformed. Returns human-readable warnings.
func (c *Config) normalize() []string {
	var warnings []string

	if _, err := url.ParseRequestURI(c.API.BaseURL); err != nil || !strings.Contains(c.API.BaseURL, "://") {
		warnings = append(warnings, fmt.Sprintf("invalid api base url %q, using default %q", c.API.BaseURL, DefaultAPIBaseURL))
		c.API.BaseURL = DefaultAPIBaseURL
	}
	c.API.BaseURL = strings.TrimSuffix(c.API.BaseURL, "/")

	if c.Push.URL != "" {
		if _, err := url.ParseRequestURI(c.Push.URL); err != nil {
			warnings = append(warnings, fmt.Sprintf("invalid push url %q, deriving from api base instead", c.Push.URL))
			c.Push.URL = ""
		}
	}
	if c.Push.Path == "" {
		c.Push.Path = DefaultPushPath
	}
	if c.Push.ReconnectBackoff <= 0 {
		c.Push.ReconnectBackoff = DefaultReconnectBackoff
	}
	if c.Push.DialTimeout <= 0 {
		c.Push.DialTimeout = DefaultDialTimeout
	}
	if c.API.RequestTimeout <= 0 {
		c.API.RequestTimeout = DefaultRequestTimeout
	}
	if c.State.Dir == "" {
		c.State.Dir = defaultStateDir()
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		warnings = append(warnings, fmt.Sprintf("unknown log level %q, using %q", c.Logging.Level, DefaultLogLevel))
		c.Logging.Level = DefaultLogLevel
	}

	return warnings
}

// PushURL returns the push channel endpoint: the configured URL verbatim,
// or the API base with its scheme swapped to ws/wss and the push path
// appended.
func (c *Config) PushURL() string {
	if c.Push.URL != "" {
		return c.Push.URL
	}

	u, err := url.Parse(c.API.BaseURL)
	if err != nil {
		u, _ = url.Parse(DefaultAPIBaseURL)
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + c.Push.Path
	return u.String()
}

// LogsDir returns the directory client logs are written under.
func (c *Config) LogsDir() string {
	return filepath.Join(c.State.Dir, "logs")
}

func configPath() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return expandHomePath(p)
	}
	return filepath.Join(defaultStateDir(), "config.yaml")
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".taskpilot"
	}
	return filepath.Join(home, ".taskpilot")
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvAPIBaseURL)); v != "" {
		cfg.API.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvPushURL)); v != "" {
		cfg.Push.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvStateDir)); v != "" {
		cfg.State.Dir = expandHomePath(v)
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		cfg.Logging.Level = v
	}
}

func expandHomePath(path string) string {
	path = strings.TrimSpace(path)
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil || strings.TrimSpace(home) == "" {
			return path
		}
		if path == "~" {
			return home
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~/"))
	}
	return path
}

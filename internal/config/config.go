// Package config provides YAML configuration loading and validation for the
// dirwatch daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Backend names accepted in the backend field.
const (
	BackendFSNotify = "fsnotify"
	BackendPoll     = "poll"
)

// Config is the top-level configuration structure for dirwatch. Durations
// are written as Go duration strings ("250ms", "1h").
type Config struct {
	// Roots are the directories watched at startup. More can be added at
	// runtime through the API.
	Roots []string `yaml:"roots"`

	// Recursive watches every sub-directory of each root, not only its
	// immediate entries.
	Recursive bool `yaml:"recursive"`

	// Backend selects how changes are detected: "fsnotify" (default) or
	// "poll" for filesystems without kernel notifications.
	Backend string `yaml:"backend"`

	// PollInterval is the rescan period of the poll backend. Defaults to
	// 100ms.
	PollInterval time.Duration `yaml:"poll_interval"`

	// Timeout is the longest a non-empty per-path buffer waits before it is
	// flushed. Defaults to 1s.
	Timeout time.Duration `yaml:"timeout"`

	// MaxEvents forces a per-path flush once exceeded and caps the size of
	// every flushed batch. Defaults to 256.
	MaxEvents int `yaml:"max_events"`

	// Damper is the quiet period after the last flush before a batch is
	// released to the sinks. Defaults to 500ms.
	Damper time.Duration `yaml:"damper"`

	// IdleInterval is the damper's wait while nothing is happening.
	// Defaults to 1h.
	IdleInterval time.Duration `yaml:"idle_interval"`

	// RetryInterval is the wait between attempts to watch a root that does
	// not exist yet. Defaults to 1s.
	RetryInterval time.Duration `yaml:"retry_interval"`

	// ErrorSleep is the wait before a watcher retries after an unexpected
	// error. When omitted such errors stop that watcher.
	ErrorSleep time.Duration `yaml:"error_sleep"`

	// StopTimeout bounds how long shutdown waits for each watcher. Defaults
	// to 5s.
	StopTimeout time.Duration `yaml:"stop_timeout"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// ListenAddr is the listen address of the HTTP API and /healthz
	// (e.g. "127.0.0.1:9000"). Defaults to "127.0.0.1:9000" when omitted.
	ListenAddr string `yaml:"listen_addr"`

	// QueuePath is the SQLite file used to persist released batches until
	// they are acknowledged. Empty disables the queue.
	QueuePath string `yaml:"queue_path"`

	// PostgresDSN enables archiving every released event to PostgreSQL.
	PostgresDSN string `yaml:"postgres_dsn"`

	// JournalPath is the append-only, hash-chained batch journal. Empty
	// disables it.
	JournalPath string `yaml:"journal_path"`

	// JWT configures bearer-token authentication of the /api/v1 routes.
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig holds the RS256 verification settings for the HTTP API.
type JWTConfig struct {
	// PublicKeyPath is the PEM-encoded RSA public key used to verify
	// tokens. Empty disables authentication.
	PublicKeyPath string `yaml:"public_key_path"`

	// Issuer, when set, must match the token's iss claim.
	Issuer string `yaml:"issuer"`

	// Audience, when set, must be present in the token's aud claim.
	Audience string `yaml:"audience"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validBackends is the set of accepted backend strings.
var validBackends = map[string]bool{
	BackendFSNotify: true,
	BackendPoll:     true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates every field. All validation failures are joined
// into the returned error.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// ApplyDefaults fills in zero-value optional fields with sensible defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Backend == "" {
		cfg.Backend = BackendFSNotify
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = time.Second
	}
	if cfg.MaxEvents == 0 {
		cfg.MaxEvents = 256
	}
	if cfg.Damper == 0 {
		cfg.Damper = 500 * time.Millisecond
	}
	if cfg.IdleInterval == 0 {
		cfg.IdleInterval = time.Hour
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "127.0.0.1:9000"
	}
}

// Validate checks that enumerated fields contain only valid values and that
// numeric fields are in range.
func Validate(cfg *Config) error {
	var errs []error

	for i, root := range cfg.Roots {
		if root == "" {
			errs = append(errs, fmt.Errorf("roots[%d]: path is required", i))
		}
	}
	if !validBackends[cfg.Backend] {
		errs = append(errs, fmt.Errorf("backend %q must be one of: fsnotify, poll", cfg.Backend))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if cfg.MaxEvents < 0 {
		errs = append(errs, fmt.Errorf("max_events %d must not be negative", cfg.MaxEvents))
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"poll_interval", cfg.PollInterval},
		{"timeout", cfg.Timeout},
		{"damper", cfg.Damper},
		{"idle_interval", cfg.IdleInterval},
		{"retry_interval", cfg.RetryInterval},
		{"error_sleep", cfg.ErrorSleep},
		{"stop_timeout", cfg.StopTimeout},
	}
	for _, d := range durations {
		if d.d < 0 {
			errs = append(errs, fmt.Errorf("%s %s must not be negative", d.name, d.d))
		}
	}

	if cfg.JWT.PublicKeyPath == "" && (cfg.JWT.Issuer != "" || cfg.JWT.Audience != "") {
		errs = append(errs, errors.New("jwt.public_key_path is required when jwt.issuer or jwt.audience is set"))
	}

	return errors.Join(errs...)
}

package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix is the environment variable prefix, e.g. SCRIPTRUN_PORT.
const Prefix = "SCRIPTRUN"

// Settings holds server configuration, loaded from environment variables.
type Settings struct {
	Port       int      `envconfig:"PORT" default:"8420"`
	StaticDir  string   `envconfig:"STATIC_DIR" default:""`
	ScriptsDir string   `envconfig:"SCRIPTS_DIR" default:"/content/scripts"`
	Extensions []string `envconfig:"EXTENSIONS" default:".py"`

	// Script execution settings
	Interpreter       string        `envconfig:"INTERPRETER" default:"python3"`
	InactivityTimeout time.Duration `envconfig:"INACTIVITY_TIMEOUT" default:"5m"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" default:"50ms"`
	DrainInterval     time.Duration `envconfig:"DRAIN_INTERVAL" default:"20ms"`
	ReadChunk         int           `envconfig:"READ_CHUNK" default:"1024"`
	MaxSessions       int           `envconfig:"MAX_SESSIONS" default:"0"`

	// Idle sweep settings
	SweepSchedule string        `envconfig:"SWEEP_SCHEDULE" default:"@every 5m"`
	SweepMaxAge   time.Duration `envconfig:"SWEEP_MAX_AGE" default:"1h"`

	// Caller tokens
	SecureCookies bool          `envconfig:"SECURE_COOKIES" default:"false"`
	TokenMaxAge   time.Duration `envconfig:"TOKEN_MAX_AGE" default:"24h"`

	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`
}

// Load reads Settings from the environment and validates them.
func Load() (Settings, error) {
	var s Settings
	if err := envconfig.Process(Prefix, &s); err != nil {
		return Settings{}, fmt.Errorf("load config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate rejects settings the engine cannot run with.
func (s Settings) Validate() error {
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("invalid port: %d", s.Port)
	}
	if s.Interpreter == "" {
		return fmt.Errorf("interpreter must not be empty")
	}
	if len(s.Extensions) == 0 {
		return fmt.Errorf("at least one script extension is required")
	}
	if s.InactivityTimeout <= 0 {
		return fmt.Errorf("inactivity timeout must be positive, got %s", s.InactivityTimeout)
	}
	if s.PollInterval <= 0 || s.DrainInterval <= 0 {
		return fmt.Errorf("poll and drain intervals must be positive")
	}
	if s.ReadChunk <= 0 {
		return fmt.Errorf("read chunk must be positive, got %d", s.ReadChunk)
	}
	if s.SweepMaxAge <= 0 || s.TokenMaxAge <= 0 {
		return fmt.Errorf("sweep and token max age must be positive")
	}
	if s.MaxSessions < 0 {
		return fmt.Errorf("max sessions must not be negative, got %d", s.MaxSessions)
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (s Settings) Addr() string {
	return fmt.Sprintf(":%d", s.Port)
}

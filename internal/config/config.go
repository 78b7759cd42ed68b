// Package config loads livegate configuration from a YAML file with
// sensible defaults, then applies environment overrides for the values
// that vary per deployment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all runtime settings for the verification service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Pairing   PairingConfig   `yaml:"pairing"`
	Session   SessionConfig   `yaml:"session"`
	Challenge ChallengeConfig `yaml:"challenge"`
	Blink     BlinkConfig     `yaml:"blink"`
	HeadPose  HeadPoseConfig  `yaml:"head_pose"`
	Audit     AuditConfig     `yaml:"audit"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds HTTP/websocket settings.
type ServerConfig struct {
	BindAddr         string        `yaml:"bind_addr"`
	ShutdownTimeout  time.Duration `yaml:"shutdown_timeout"`
	AllowAnyOrigin   bool          `yaml:"allow_any_origin"`
	MetricsNamespace string        `yaml:"metrics_namespace"`
}

// PairingConfig holds verification-code settings.
type PairingConfig struct {
	CodeLength int           `yaml:"code_length"`
	CodeTTL    time.Duration `yaml:"code_ttl"`
}

// SessionConfig holds per-session orchestration settings.
type SessionConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// ChallengeConfig holds the challenge-response tunables.
type ChallengeConfig struct {
	Timeout             time.Duration `yaml:"timeout"`
	ActionSpeechWindow  time.Duration `yaml:"action_speech_window"`
	BlinkCountThreshold int           `yaml:"blink_count_threshold"`
	Keywords            []string      `yaml:"keywords"`
	DuressKeyword       string        `yaml:"duress_keyword"`
	NoiseKeyword        string        `yaml:"noise_keyword"`
}

// BlinkConfig holds the eye-aspect-ratio state machine tunables.
type BlinkConfig struct {
	EARThreshold     float64       `yaml:"ear_threshold"`
	MinBlinkFrames   int           `yaml:"min_blink_frames"`
	MinBlinkInterval time.Duration `yaml:"min_blink_interval"`
	ClosingDwell     time.Duration `yaml:"closing_dwell"`
}

// HeadPoseConfig holds the pose classifier tunables. The horizontal
// threshold is a symmetric deviation from the neutral ratio 1.0; the
// vertical thresholds are pixel offsets of the nose from face center.
type HeadPoseConfig struct {
	HorizontalThreshold float64 `yaml:"horizontal_threshold"`
	UpThreshold         float64 `yaml:"up_threshold"`
	DownThreshold       float64 `yaml:"down_threshold"`
	WindowSize          int     `yaml:"window_size"`
}

// AuditConfig holds the verification outcome store settings.
type AuditConfig struct {
	DatabaseURL string `yaml:"database_url"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddr:         ":8080",
			ShutdownTimeout:  15 * time.Second,
			AllowAnyOrigin:   false,
			MetricsNamespace: "livegate",
		},
		Pairing: PairingConfig{
			CodeLength: 6,
			CodeTTL:    2 * time.Minute,
		},
		Session: SessionConfig{
			MaxAttempts: 3,
			IdleTimeout: 2 * time.Minute,
		},
		Challenge: ChallengeConfig{
			Timeout:             10 * time.Second,
			ActionSpeechWindow:  2 * time.Second,
			BlinkCountThreshold: 2,
			Keywords:            []string{"clock", "book", "jump", "fish", "mind", "stop"},
			DuressKeyword:       "verify",
			NoiseKeyword:        "noise",
		},
		Blink: BlinkConfig{
			EARThreshold:     0.32,
			MinBlinkFrames:   1,
			MinBlinkInterval: 200 * time.Millisecond,
			ClosingDwell:     100 * time.Millisecond,
		},
		HeadPose: HeadPoseConfig{
			HorizontalThreshold: 0.4,
			UpThreshold:         15,
			DownThreshold:       30,
			WindowSize:          5,
		},
		Audit: AuditConfig{},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads the YAML file at path (when non-empty) over the defaults and
// then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.Server.BindAddr = envOrDefault("LIVEGATE_BIND_ADDR", cfg.Server.BindAddr)
	cfg.Audit.DatabaseURL = envOrDefault("DATABASE_URL", cfg.Audit.DatabaseURL)
	cfg.Logging.Level = envOrDefault("LIVEGATE_LOG_LEVEL", cfg.Logging.Level)

	var err error
	cfg.Server.AllowAnyOrigin, err = boolFromEnv("LIVEGATE_ALLOW_ANY_ORIGIN", cfg.Server.AllowAnyOrigin)
	if err != nil {
		return nil, err
	}
	cfg.Session.IdleTimeout, err = durationFromEnv("LIVEGATE_SESSION_IDLE_TIMEOUT", cfg.Session.IdleTimeout)
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the state machines cannot
// work with.
func (c *Config) Validate() error {
	if c.Pairing.CodeLength < 4 || c.Pairing.CodeLength > 12 {
		return fmt.Errorf("pairing.code_length must be between 4 and 12, got %d", c.Pairing.CodeLength)
	}
	if c.Pairing.CodeTTL <= 0 {
		return fmt.Errorf("pairing.code_ttl must be positive")
	}
	if c.Session.MaxAttempts <= 0 {
		return fmt.Errorf("session.max_attempts must be positive, got %d", c.Session.MaxAttempts)
	}
	if c.Session.IdleTimeout < 5*time.Second {
		return fmt.Errorf("session.idle_timeout must be at least 5s")
	}
	if c.Challenge.Timeout <= 0 {
		return fmt.Errorf("challenge.timeout must be positive")
	}
	if c.Challenge.ActionSpeechWindow <= 0 {
		return fmt.Errorf("challenge.action_speech_window must be positive")
	}
	if c.Challenge.BlinkCountThreshold <= 0 {
		return fmt.Errorf("challenge.blink_count_threshold must be positive, got %d", c.Challenge.BlinkCountThreshold)
	}
	if len(c.activeKeywords()) == 0 {
		return fmt.Errorf("challenge.keywords must contain at least one non-reserved word")
	}
	if c.Challenge.DuressKeyword == "" {
		return fmt.Errorf("challenge.duress_keyword must be set")
	}
	if c.Blink.EARThreshold <= 0 || c.Blink.EARThreshold >= 1 {
		return fmt.Errorf("blink.ear_threshold must be in (0, 1), got %f", c.Blink.EARThreshold)
	}
	if c.Blink.MinBlinkFrames <= 0 {
		return fmt.Errorf("blink.min_blink_frames must be positive, got %d", c.Blink.MinBlinkFrames)
	}
	if c.HeadPose.HorizontalThreshold <= 0 || c.HeadPose.HorizontalThreshold >= 1 {
		return fmt.Errorf("head_pose.horizontal_threshold must be in (0, 1), got %f", c.HeadPose.HorizontalThreshold)
	}
	if c.HeadPose.WindowSize < 2 {
		return fmt.Errorf("head_pose.window_size must be at least 2, got %d", c.HeadPose.WindowSize)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}
	return nil
}

// ChallengeKeywords returns the keyword pool with the reserved duress and
// noise words filtered out, so a reserved word in the configured list can
// never become a challenge target.
func (c *Config) ChallengeKeywords() []string {
	return c.activeKeywords()
}

func (c *Config) activeKeywords() []string {
	out := make([]string, 0, len(c.Challenge.Keywords))
	for _, kw := range c.Challenge.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw == "" || kw == c.Challenge.DuressKeyword || kw == c.Challenge.NoiseKeyword {
			continue
		}
		out = append(out, kw)
	}
	return out
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

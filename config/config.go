// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads the crowdplay configuration file.
//
// Configuration comes from a single YAML file specified by the
// CROWDPLAY_CONFIG environment variable or the --config flag. There is
// no automatic discovery. ${VAR} and ${VAR:-default} references in the
// file are expanded from the process environment before parsing, so
// deployment-specific paths can live in the environment while the file
// stays checked in.
//
// The access token itself never appears in the file: token_env names
// the environment variable that holds it.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/crowdplay-project/crowdplay/lib/ref"
)

// Duration wraps time.Duration for YAML fields, accepting Go duration
// strings ("2s", "500ms", "5m").
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the complete crowdplay configuration.
type Config struct {
	// Homeserver is the Matrix homeserver base URL.
	Homeserver string `yaml:"homeserver"`

	// UserID is the bot's own Matrix user ID.
	UserID string `yaml:"user_id"`

	// TokenEnv names the environment variable holding the access
	// token. Default: CROWDPLAY_ACCESS_TOKEN.
	TokenEnv string `yaml:"token_env"`

	// Room is the managed room, as an alias ("#arcade:example.org")
	// or a raw room ID ("!abc:example.org").
	Room string `yaml:"room"`

	// Admins are the user IDs allowed to run session-mutating
	// commands (start, stop, speed, reset, savestate, loadstate).
	Admins []string `yaml:"admins"`

	// CommandPrefix introduces a command message. Default: "!play".
	CommandPrefix string `yaml:"command_prefix"`

	// LogLevel is one of debug, info, warn, error. Default: info.
	LogLevel string `yaml:"log_level"`

	Session  SessionConfig  `yaml:"session"`
	Intake   IntakeConfig   `yaml:"intake"`
	Library  LibraryConfig  `yaml:"library"`
	Saves    SavesConfig    `yaml:"saves"`
	Stats    StatsConfig    `yaml:"stats"`
	Publish  PublishConfig  `yaml:"publish"`
	Recovery RecoveryConfig `yaml:"recovery"`
}

// SessionConfig tunes the game loop.
type SessionConfig struct {
	// Cadence is the wall-clock interval between loop iterations.
	Cadence Duration `yaml:"cadence"`

	// BaseSteps is the number of simulation steps per iteration at
	// speed 1. Higher speed multiplies the step count, never the
	// publish rate.
	BaseSteps int `yaml:"base_steps"`

	// HoldSteps is how many simulation steps a pressed button is held
	// before release.
	HoldSteps int `yaml:"hold_steps"`

	// SpeedMax caps the speed multiplier accepted by the speed
	// command. Must lie in 1..10.
	SpeedMax int `yaml:"speed_max"`

	// Autostart optionally names a cartridge to start once the bot
	// is synced and joined.
	Autostart string `yaml:"autostart"`
}

// IntakeConfig tunes admission control and queueing.
type IntakeConfig struct {
	// Window is the trailing rate-limit window per identity.
	Window Duration `yaml:"window"`

	// WindowLimit is the maximum admissions per identity per window.
	WindowLimit int `yaml:"window_limit"`

	// MinSpacing is the minimum gap between admissions for one
	// identity, enforced in addition to the window.
	MinSpacing Duration `yaml:"min_spacing"`

	// QueueCapacity bounds the input queue; a full queue rejects new
	// events.
	QueueCapacity int `yaml:"queue_capacity"`

	// DrainMax bounds how many queued inputs one iteration consumes.
	DrainMax int `yaml:"drain_max"`

	// MaxEventAge drops inbound reactions older than this, which
	// protects against replaying a sync backlog after downtime.
	MaxEventAge Duration `yaml:"max_event_age"`
}

// LibraryConfig locates cartridges.
type LibraryConfig struct {
	// Dir is the cartridge directory, scanned for *.gb and *.gbc.
	Dir string `yaml:"dir"`

	// Manifest optionally points at a JSONC file with display-title
	// overrides.
	Manifest string `yaml:"manifest"`
}

// SavesConfig locates and tunes snapshot storage.
type SavesConfig struct {
	// Dir is the snapshot directory.
	Dir string `yaml:"dir"`

	// Compression is the snapshot payload codec: none, lz4, or zstd.
	Compression string `yaml:"compression"`
}

// StatsConfig locates the counters database.
type StatsConfig struct {
	// Path is the SQLite database file. ":memory:" is accepted for
	// ephemeral runs.
	Path string `yaml:"path"`
}

// PublishConfig tunes the publish lifecycle.
type PublishConfig struct {
	// RetryAttempts bounds post retries on transient failures.
	RetryAttempts int `yaml:"retry_attempts"`

	// RetryBackoff is the initial retry delay, doubled per attempt.
	RetryBackoff Duration `yaml:"retry_backoff"`

	// SkipUnchanged suppresses a publish when the frame is identical
	// to the previous one and no inputs were applied.
	SkipUnchanged bool `yaml:"skip_unchanged"`

	// ReactionInterval paces affordance attachment and reaction
	// cleanup calls against the homeserver.
	ReactionInterval Duration `yaml:"reaction_interval"`
}

// RecoveryConfig tunes crash recovery.
type RecoveryConfig struct {
	// Attempts is the retry budget before a crashed session degrades
	// to stopped.
	Attempts int `yaml:"attempts"`

	// Backoff is the initial delay between recovery attempts,
	// doubled per attempt.
	Backoff Duration `yaml:"backoff"`
}

// Default returns the built-in defaults. The config file overrides
// them field by field; required fields (homeserver, user_id, room,
// library.dir) have no default and must be present.
func Default() *Config {
	return &Config{
		TokenEnv:      "CROWDPLAY_ACCESS_TOKEN",
		CommandPrefix: "!play",
		LogLevel:      "info",
		Session: SessionConfig{
			Cadence:   Duration(2 * time.Second),
			BaseSteps: 120,
			HoldSteps: 6,
			SpeedMax:  10,
		},
		Intake: IntakeConfig{
			Window:        Duration(2 * time.Second),
			WindowLimit:   3,
			MinSpacing:    Duration(500 * time.Millisecond),
			QueueCapacity: 64,
			DrainMax:      16,
			MaxEventAge:   Duration(5 * time.Minute),
		},
		Saves: SavesConfig{
			Dir:         "./saves",
			Compression: "zstd",
		},
		Stats: StatsConfig{
			Path: "./crowdplay.db",
		},
		Publish: PublishConfig{
			RetryAttempts:    3,
			RetryBackoff:     Duration(time.Second),
			ReactionInterval: Duration(250 * time.Millisecond),
		},
		Recovery: RecoveryConfig{
			Attempts: 3,
			Backoff:  Duration(2 * time.Second),
		},
	}
}

// Load reads the file named by the CROWDPLAY_CONFIG environment
// variable. Fails if the variable is unset; there are no fallback
// locations.
func Load() (*Config, error) {
	path := os.Getenv("CROWDPLAY_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("CROWDPLAY_CONFIG environment variable not set; " +
			"set it to the path of your crowdplay.yaml, or use --config")
	}
	return LoadFile(path)
}

// LoadFile reads and parses the config file at path, applying defaults
// first and environment expansion to the raw file contents before
// unmarshalling.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg := Default()
	expanded := expandVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parsing %s: %w", path, err)
	}
	return cfg, nil
}

// varPattern matches ${VAR} and ${VAR:-default}.
var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandVars substitutes ${VAR} and ${VAR:-default} references from
// the process environment.
func expandVars(s string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		if value := os.Getenv(parts[1]); value != "" {
			return value
		}
		if len(parts) >= 3 {
			return parts[2]
		}
		return ""
	})
}

// Compression codecs accepted by saves.compression.
var compressionValues = []string{"none", "lz4", "zstd"}

// Validate checks the configuration for errors, reporting all problems
// at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Homeserver == "" {
		errs = append(errs, fmt.Errorf("homeserver is required"))
	} else if parsed, err := url.Parse(c.Homeserver); err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		errs = append(errs, fmt.Errorf("homeserver %q must be an http(s) URL", c.Homeserver))
	}

	if c.UserID == "" {
		errs = append(errs, fmt.Errorf("user_id is required"))
	} else if _, err := ref.ParseUserID(c.UserID); err != nil {
		errs = append(errs, fmt.Errorf("user_id: %w", err))
	}

	if c.TokenEnv == "" {
		errs = append(errs, fmt.Errorf("token_env is required"))
	}

	if c.Room == "" {
		errs = append(errs, fmt.Errorf("room is required"))
	} else if _, aliasErr := ref.ParseRoomAlias(c.Room); aliasErr != nil {
		if _, idErr := ref.ParseRoomID(c.Room); idErr != nil {
			errs = append(errs, fmt.Errorf("room %q is neither a room alias nor a room ID", c.Room))
		}
	}

	for _, admin := range c.Admins {
		if _, err := ref.ParseUserID(admin); err != nil {
			errs = append(errs, fmt.Errorf("admins: %w", err))
		}
	}

	if c.CommandPrefix == "" {
		errs = append(errs, fmt.Errorf("command_prefix is required"))
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", c.LogLevel))
	}

	if c.Session.Cadence.Std() <= 0 {
		errs = append(errs, fmt.Errorf("session.cadence must be positive"))
	}
	if c.Session.BaseSteps <= 0 {
		errs = append(errs, fmt.Errorf("session.base_steps must be positive"))
	}
	if c.Session.HoldSteps < 0 {
		errs = append(errs, fmt.Errorf("session.hold_steps must not be negative"))
	}
	if c.Session.SpeedMax < 1 || c.Session.SpeedMax > 10 {
		errs = append(errs, fmt.Errorf("session.speed_max must lie in 1..10"))
	}

	if c.Intake.Window.Std() <= 0 {
		errs = append(errs, fmt.Errorf("intake.window must be positive"))
	}
	if c.Intake.WindowLimit <= 0 {
		errs = append(errs, fmt.Errorf("intake.window_limit must be positive"))
	}
	if c.Intake.MinSpacing.Std() < 0 {
		errs = append(errs, fmt.Errorf("intake.min_spacing must not be negative"))
	}
	if c.Intake.QueueCapacity <= 0 {
		errs = append(errs, fmt.Errorf("intake.queue_capacity must be positive"))
	}
	if c.Intake.DrainMax <= 0 {
		errs = append(errs, fmt.Errorf("intake.drain_max must be positive"))
	}

	if c.Library.Dir == "" {
		errs = append(errs, fmt.Errorf("library.dir is required"))
	}

	if c.Saves.Dir == "" {
		errs = append(errs, fmt.Errorf("saves.dir is required"))
	}
	if !contains(compressionValues, c.Saves.Compression) {
		errs = append(errs, fmt.Errorf("saves.compression must be one of: %v", compressionValues))
	}

	if c.Stats.Path == "" {
		errs = append(errs, fmt.Errorf("stats.path is required"))
	}

	if c.Publish.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("publish.retry_attempts must be at least 1"))
	}
	if c.Recovery.Attempts < 1 {
		errs = append(errs, fmt.Errorf("recovery.attempts must be at least 1"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// AccessToken reads the access token from the environment variable
// named by TokenEnv.
func (c *Config) AccessToken() (string, error) {
	token := os.Getenv(c.TokenEnv)
	if token == "" {
		return "", fmt.Errorf("config: access token environment variable %s is not set", c.TokenEnv)
	}
	return token, nil
}

// AdminSet returns the admin user IDs as parsed refs. Call after
// Validate; invalid entries are skipped here.
func (c *Config) AdminSet() map[ref.UserID]bool {
	admins := make(map[ref.UserID]bool, len(c.Admins))
	for _, raw := range c.Admins {
		if userID, err := ref.ParseUserID(raw); err == nil {
			admins[userID] = true
		}
	}
	return admins
}

// EnsurePaths creates the writable directories (saves) if missing.
// The library directory is deliberately not created: an empty or
// mistyped cartridge path should surface as an error, not as a
// silently empty game list.
func (c *Config) EnsurePaths() error {
	if err := os.MkdirAll(c.Saves.Dir, 0o755); err != nil {
		return fmt.Errorf("config: creating saves dir %s: %w", c.Saves.Dir, err)
	}
	return nil
}

func contains(slice []string, s string) bool {
	for _, v := range slice {
		if v == s {
			return true
		}
	}
	return false
}

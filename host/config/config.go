// Package config loads the host configuration from YAML, JSON or JSONC
// files
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/FabLabAQ/Marvin/host/serial"
	"github.com/FabLabAQ/Marvin/host/session"
	"github.com/FabLabAQ/Marvin/sequence"
)

// ErrUnknownFormat is returned for config files with an unsupported extension
var ErrUnknownFormat = errors.New("unknown config format")

// Format of a config file
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Playback modes
const (
	ModeStream    = "stream"
	ModeImmediate = "immediate"
)

// Config is the complete host configuration
type Config struct {
	Link     serial.Config  `yaml:"link" json:"link"`
	Session  SessionConfig  `yaml:"session" json:"session"`
	Sequence SequenceConfig `yaml:"sequence" json:"sequence"`

	// Simulate replaces the serial link with the in-process firmware
	Simulate bool `yaml:"simulate" json:"simulate"`

	LogLevel string `yaml:"log_level" json:"log_level"`
}

// SessionConfig holds the session options
type SessionConfig struct {
	// BootDelay defaults to one second when unset; 0 disables it
	BootDelay   *Duration `yaml:"boot_delay" json:"boot_delay"`
	StopTimeout Duration  `yaml:"stop_timeout" json:"stop_timeout"`
	OneShot     bool      `yaml:"one_shot" json:"one_shot"`
	Mode        string    `yaml:"mode" json:"mode"`
	FromCurrent bool      `yaml:"from_current" json:"from_current"`
}

// SequenceConfig names the sequence to play and optional limits
type SequenceConfig struct {
	File   string        `yaml:"file" json:"file"`
	Limits *LimitsConfig `yaml:"limits" json:"limits"`
}

// LimitsConfig bounds every point of the loaded sequence. Min and Max
// also fix the dimension.
type LimitsConfig struct {
	Min             []float64 `yaml:"min" json:"min"`
	Max             []float64 `yaml:"max" json:"max"`
	MaxDuration     int       `yaml:"max_duration_ms" json:"max_duration_ms"`
	MaxTimeToTarget int       `yaml:"max_time_to_target_ms" json:"max_time_to_target_ms"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	cfg := &Config{Link: *serial.DefaultConfig("")}
	applyDefaults(cfg)
	return cfg
}

// Load reads a config file, picking the format from its extension
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}

	cfg, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// FormatFromPath maps .yaml/.yml to YAML and .json/.jsonc to JSON
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json", ".jsonc":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnknownFormat, path)
	}
}

// Parse decodes a config and applies defaults. JSON may carry comments and
// trailing commas.
func Parse(data []byte, format Format) (*Config, error) {
	var cfg Config
	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal(jsonc.ToJSON(data), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// applyDefaults fills in missing configuration values
func applyDefaults(cfg *Config) {
	if cfg.Link.Baud == 0 {
		cfg.Link.Baud = serial.DefaultBaud
	}
	if cfg.Link.ReadTimeout == 0 {
		cfg.Link.ReadTimeout = 100
	}
	if cfg.Link.Driver == "" {
		cfg.Link.Driver = serial.DriverTarm
	}

	if cfg.Session.BootDelay == nil {
		d := Duration(session.DefaultBootDelay)
		cfg.Session.BootDelay = &d
	}
	if cfg.Session.Mode == "" {
		cfg.Session.Mode = ModeStream
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
}

// Validate checks the configuration once command line overrides are in
func (c *Config) Validate() error {
	if !c.Simulate {
		opts, err := c.Link.Normalize()
		if err != nil {
			return fmt.Errorf("link: %w", err)
		}
		c.Link = opts
	}

	switch c.Session.Mode {
	case ModeStream, ModeImmediate:
	default:
		return fmt.Errorf("session: unknown mode %q (supported: stream, immediate)", c.Session.Mode)
	}
	if c.Session.BootDelay != nil && *c.Session.BootDelay < 0 {
		return fmt.Errorf("session: boot_delay must not be negative")
	}
	if c.Session.StopTimeout < 0 {
		return fmt.Errorf("session: stop_timeout must not be negative")
	}

	if _, err := c.Level(); err != nil {
		return err
	}

	if _, err := c.Sequence.SequenceLimits(); err != nil {
		return fmt.Errorf("sequence: %w", err)
	}
	return nil
}

// Level parses LogLevel
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return level, fmt.Errorf("log_level: %w", err)
	}
	return level, nil
}

// SessionOptions returns the session options this config sets
func (c *Config) SessionOptions() session.Options {
	opts := session.DefaultOptions()
	if c.Session.BootDelay != nil {
		opts.BootDelay = c.Session.BootDelay.Std()
	}
	opts.StopTimeout = c.Session.StopTimeout.Std()
	opts.OneShot = c.Session.OneShot
	return opts
}

// SequenceLimits converts the configured limits; nil when none are set
func (s SequenceConfig) SequenceLimits() (*sequence.Limits, error) {
	if s.Limits == nil {
		return nil, nil
	}
	lc := s.Limits
	if len(lc.Min) != len(lc.Max) {
		return nil, fmt.Errorf("%w: min has %d coordinates, max %d", sequence.ErrInvalidLimits, len(lc.Min), len(lc.Max))
	}

	l := sequence.DefaultLimits(len(lc.Max))
	copy(l.Min.Coords, lc.Min)
	copy(l.Max.Coords, lc.Max)
	if lc.MaxDuration > 0 {
		l.Max.Duration = lc.MaxDuration
	}
	if lc.MaxTimeToTarget > 0 {
		l.Max.TimeToTarget = lc.MaxTimeToTarget
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return &l, nil
}

// Duration is a time.Duration written as "1.5s" or as integer milliseconds
type Duration time.Duration

// Std returns d as a time.Duration
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func parseDuration(s string) (Duration, error) {
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	return Duration(v), nil
}

// UnmarshalYAML accepts a duration string or a number of milliseconds
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}
	var ms int64
	if value.ShortTag() == "!!int" {
		if err := value.Decode(&ms); err != nil {
			return err
		}
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}
	v, err := parseDuration(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*d = v
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// UnmarshalJSON accepts a duration string or a number of milliseconds
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v, err := parseDuration(s)
		if err != nil {
			return err
		}
		*d = v
		return nil
	}

	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("duration must be a string or milliseconds: %s", data)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. PATTERM_LOG_LEVEL.
const EnvPrefix = "PATTERM"

// Settings are the application-wide options. Values come from the defaults,
// then the YAML file, then PATTERM_* environment variables.
type Settings struct {
	LogLevel  string `yaml:"log_level" envconfig:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" envconfig:"LOG_FORMAT"`

	RateWindow    time.Duration `yaml:"rate_window" envconfig:"RATE_WINDOW"`
	DecayInterval time.Duration `yaml:"decay_interval" envconfig:"DECAY_INTERVAL"`

	HistorySize int    `yaml:"history_size" envconfig:"HISTORY_SIZE"`
	LogDir      string `yaml:"log_dir" envconfig:"LOG_DIR"`
	AutoLog     bool   `yaml:"auto_log" envconfig:"AUTO_LOG"`

	LoopbackPrefix string   `yaml:"loopback_prefix" envconfig:"LOOPBACK_PREFIX"`
	LoopbackPorts  []string `yaml:"loopback_ports" envconfig:"LOOPBACK_PORTS"`

	ListenAddr string `yaml:"listen_addr" envconfig:"LISTEN_ADDR"`
	Metrics    bool   `yaml:"metrics" envconfig:"METRICS"`

	// AllowedOrigins are browser origins, besides the listen host itself,
	// that may open the websocket.
	AllowedOrigins []string `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`

	ProfileDir string `yaml:"profile_dir" envconfig:"PROFILE_DIR"`
	LineEnding string `yaml:"line_ending" envconfig:"LINE_ENDING"`
}

var (
	validLogLevels   = []string{"debug", "info", "warn", "error"}
	validLogFormats  = []string{"console", "json"}
	validLineEndings = map[string]string{
		"crlf": "\r\n",
		"lf":   "\n",
		"cr":   "\r",
		"none": "",
	}
)

// DefaultDir is the per-user directory for settings and profiles
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".patterm"
	}
	return filepath.Join(home, ".patterm")
}

// DefaultSettingsPath is where settings are read from without --config
func DefaultSettingsPath() string {
	return filepath.Join(DefaultDir(), "settings.yaml")
}

// DefaultSettings returns the built-in settings
func DefaultSettings() *Settings {
	dir := DefaultDir()
	return &Settings{
		LogLevel:       "info",
		LogFormat:      "console",
		RateWindow:     time.Second,
		HistorySize:    10 * 1024 * 1024,
		LogDir:         filepath.Join(dir, "logs"),
		LoopbackPrefix: "",
		LoopbackPorts:  []string{"echo"},
		ListenAddr:     "127.0.0.1:8420",
		Metrics:        true,
		ProfileDir:     dir,
		LineEnding:     "crlf",
	}
}

// LoadSettings builds settings from defaults, the YAML file at path and the
// environment. A missing file is an error only when mustExist is set.
func LoadSettings(path string, mustExist bool) (*Settings, error) {
	s := DefaultSettings()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, s); err != nil {
				return nil, fmt.Errorf("failed to parse settings file %s: %w", path, err)
			}
		case errors.Is(err, fs.ErrNotExist) && !mustExist:
		default:
			return nil, fmt.Errorf("failed to read settings file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, s); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks if the settings are usable
func (s *Settings) Validate() error {
	if !slices.Contains(validLogLevels, s.LogLevel) {
		return fmt.Errorf("invalid log level: %s", s.LogLevel)
	}
	if !slices.Contains(validLogFormats, s.LogFormat) {
		return fmt.Errorf("invalid log format: %s", s.LogFormat)
	}
	if s.RateWindow < 0 {
		return fmt.Errorf("rate window cannot be negative")
	}
	if s.DecayInterval < 0 {
		return fmt.Errorf("decay interval cannot be negative")
	}
	if s.HistorySize < 0 {
		return fmt.Errorf("history size cannot be negative")
	}
	if _, ok := validLineEndings[s.LineEnding]; !ok {
		return fmt.Errorf("invalid line ending: %s", s.LineEnding)
	}
	return nil
}

// LineEndingBytes returns the bytes appended to each line sent from the UI
func (s *Settings) LineEndingBytes() []byte {
	return []byte(validLineEndings[s.LineEnding])
}

// Save writes the settings as YAML
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write settings file: %w", err)
	}
	return nil
}

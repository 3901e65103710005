package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	require.NoError(t, s.Validate())

	assert.Equal(t, "info", s.LogLevel)
	assert.Equal(t, time.Second, s.RateWindow)
	assert.Zero(t, s.DecayInterval, "decay is opt-in")
	assert.Equal(t, []byte("\r\n"), s.LineEndingBytes())
}

func TestLoadSettings_MissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")

	s, err := LoadSettings(path, false)
	require.NoError(t, err)
	assert.Equal(t, DefaultSettings().ListenAddr, s.ListenAddr)

	_, err = LoadSettings(path, true)
	assert.Error(t, err)
}

func TestLoadSettings_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	content := `
log_level: debug
log_format: json
rate_window: 500ms
decay_interval: 2s
history_size: 4096
loopback_prefix: "ECHO: "
loopback_ports: [echo, modem]
line_ending: lf
metrics: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	s, err := LoadSettings(path, true)
	require.NoError(t, err)

	assert.Equal(t, "debug", s.LogLevel)
	assert.Equal(t, "json", s.LogFormat)
	assert.Equal(t, 500*time.Millisecond, s.RateWindow)
	assert.Equal(t, 2*time.Second, s.DecayInterval)
	assert.Equal(t, 4096, s.HistorySize)
	assert.Equal(t, "ECHO: ", s.LoopbackPrefix)
	assert.Equal(t, []string{"echo", "modem"}, s.LoopbackPorts)
	assert.Equal(t, []byte("\n"), s.LineEndingBytes())
	assert.False(t, s.Metrics)
	assert.Equal(t, DefaultSettings().ListenAddr, s.ListenAddr, "unset keys keep defaults")
}

func TestLoadSettings_EnvOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: debug\nlisten_addr: 0.0.0.0:9000\n"), 0644))

	t.Setenv("PATTERM_LOG_LEVEL", "warn")
	t.Setenv("PATTERM_RATE_WINDOW", "250ms")
	t.Setenv("PATTERM_LOOPBACK_PORTS", "a,b,c")
	t.Setenv("PATTERM_ALLOWED_ORIGINS", "http://lab.local:3000")

	s, err := LoadSettings(path, true)
	require.NoError(t, err)

	assert.Equal(t, "warn", s.LogLevel, "environment wins over the file")
	assert.Equal(t, "0.0.0.0:9000", s.ListenAddr, "file wins over defaults")
	assert.Equal(t, 250*time.Millisecond, s.RateWindow)
	assert.Equal(t, []string{"a", "b", "c"}, s.LoopbackPorts)
	assert.Equal(t, []string{"http://lab.local:3000"}, s.AllowedOrigins)
}

func TestLoadSettings_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "log_level: [unclosed"},
		{"bad level", "log_level: loud"},
		{"bad format", "log_format: xml"},
		{"negative window", "rate_window: -1s"},
		{"negative history", "history_size: -1"},
		{"bad line ending", "line_ending: crcrlf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "settings.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0644))

			_, err := LoadSettings(path, true)
			assert.Error(t, err)
		})
	}
}

func TestSettings_SaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "settings.yaml")

	s := DefaultSettings()
	s.LogLevel = "debug"
	s.DecayInterval = 3 * time.Second
	require.NoError(t, s.Save(path))

	loaded, err := LoadSettings(path, true)
	require.NoError(t, err)
	assert.Equal(t, s, loaded)
}

package history

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"patterm/pkg/event"
	"patterm/pkg/serial"
)

func TestFileFormat_String(t *testing.T) {
	tests := []struct {
		format   FileFormat
		expected string
	}{
		{FormatPlainText, "plain_text"},
		{FormatTimestamped, "timestamped"},
		{FormatJSON, "json"},
		{FileFormat(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if got := tt.format.String(); got != tt.expected {
				t.Errorf("FileFormat.String() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input   string
		want    FileFormat
		wantErr bool
	}{
		{"plain", FormatPlainText, false},
		{"TXT", FormatPlainText, false},
		{"timestamped", FormatTimestamped, false},
		{"json", FormatJSON, false},
		{"xml", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseFormat(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseFormat(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseFormat(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestHistoryEntry_Validate(t *testing.T) {
	now := time.Now()
	testData := []byte("test data")

	tests := []struct {
		name    string
		entry   HistoryEntry
		wantErr bool
	}{
		{"valid", HistoryEntry{Timestamp: now, Direction: event.DirectionRX, Data: testData, Length: len(testData)}, false},
		{"zero timestamp", HistoryEntry{Direction: event.DirectionRX, Data: testData, Length: len(testData)}, true},
		{"invalid direction", HistoryEntry{Timestamp: now, Direction: "sideways", Data: testData, Length: len(testData)}, true},
		{"nil data", HistoryEntry{Timestamp: now, Direction: event.DirectionTX, Length: 0}, true},
		{"length mismatch", HistoryEntry{Timestamp: now, Direction: event.DirectionTX, Data: testData, Length: 3}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.entry.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("HistoryEntry.Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func entry(dir event.Direction, data string) HistoryEntry {
	return HistoryEntry{Timestamp: time.Now(), Direction: dir, Data: []byte(data), Length: len(data)}
}

func TestBuffer_Eviction(t *testing.T) {
	b := NewBuffer(10)

	b.Add(entry(event.DirectionRX, "aaaa"))
	b.Add(entry(event.DirectionRX, "bbbb"))
	assert.Equal(t, 8, b.Size())

	b.Add(entry(event.DirectionTX, "cccc"))
	assert.Equal(t, 2, b.Len(), "oldest entry evicted")
	assert.Equal(t, "bbbbcccc", string(b.Bytes("")))
	assert.Equal(t, "bbbb", string(b.Bytes(event.DirectionRX)))

	b.Add(entry(event.DirectionRX, "0123456789ABCDEF"))
	assert.Equal(t, 1, b.Len())
	assert.Equal(t, "6789ABCDEF", string(b.Bytes("")), "oversized entry keeps its newest bytes")
	assert.Equal(t, 10, b.Size())
}

func TestBuffer_Entries(t *testing.T) {
	b := NewBuffer(0)
	for _, s := range []string{"one", "two", "three"} {
		b.Add(entry(event.DirectionRX, s))
	}

	got, err := b.Entries(1, 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "two", string(got[0].Data))

	got, err = b.Entries(10, 1)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = b.Entries(-1, 1)
	assert.Error(t, err)
	_, err = b.Entries(0, -1)
	assert.Error(t, err)
}

func TestBuffer_Stats(t *testing.T) {
	b := NewBuffer(0)
	b.Add(entry(event.DirectionRX, "hello"))
	b.Add(entry(event.DirectionTX, "hi"))
	b.Add(entry(event.DirectionRX, "world"))

	stats := b.Stats()
	assert.Equal(t, 3, stats.TotalEntries)
	assert.Equal(t, 12, stats.TotalBytes)
	assert.Equal(t, 2, stats.RxEntries)
	assert.Equal(t, 10, stats.RxBytes)
	assert.Equal(t, 1, stats.TxEntries)
	assert.Equal(t, 2, stats.TxBytes)
	assert.NotNil(t, stats.OldestEntry)
	assert.NotNil(t, stats.NewestEntry)

	b.Clear()
	assert.Equal(t, 0, b.Stats().TotalEntries)
	assert.Nil(t, b.Stats().OldestEntry)
}

func publishData(bus *event.Bus, id string, dir event.Direction, data string) {
	bus.Publish(event.SessionData{ID: id, Bytes: []byte(data), Direction: dir, At: time.Now()})
}

func TestRecorder_CapturesPerSession(t *testing.T) {
	bus := event.NewBus(zaptest.NewLogger(t))
	r := NewRecorder(bus, RecorderConfig{Logger: zaptest.NewLogger(t)})

	publishData(bus, "a", event.DirectionRX, "hello ")
	publishData(bus, "b", event.DirectionRX, "other")
	publishData(bus, "a", event.DirectionTX, "AT\r\n")
	publishData(bus, "a", event.DirectionRX, "world")
	bus.Close()

	assert.Equal(t, "hello world", string(r.Received("a")))
	assert.Equal(t, "other", string(r.Received("b")))
	assert.Len(t, r.Entries("a"), 3)
	assert.Equal(t, 1, r.Stats("a").TxEntries)
	assert.Empty(t, r.Entries("missing"))
	assert.Nil(t, r.Received("missing"))
}

func TestRecorder_DropsClosedSessions(t *testing.T) {
	bus := event.NewBus(zaptest.NewLogger(t))
	r := NewRecorder(bus, RecorderConfig{})

	publishData(bus, "a", event.DirectionRX, "data")
	bus.Publish(event.SessionClosed{ID: "a"})
	bus.Close()

	assert.Empty(t, r.Entries("a"))
}

func TestRecorder_SaveToFile(t *testing.T) {
	bus := event.NewBus(zaptest.NewLogger(t))
	r := NewRecorder(bus, RecorderConfig{})

	publishData(bus, "a", event.DirectionRX, "line1\n")
	publishData(bus, "a", event.DirectionTX, "cmd")
	publishData(bus, "a", event.DirectionRX, "line2\n")
	bus.Close()

	dir := t.TempDir()

	t.Run("plain", func(t *testing.T) {
		path := filepath.Join(dir, "plain.txt")
		require.NoError(t, r.SaveToFile("a", path, FormatPlainText))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "line1\nline2\n", string(data))
	})

	t.Run("timestamped", func(t *testing.T) {
		path := filepath.Join(dir, "nested", "ts.log")
		require.NoError(t, r.SaveToFile("a", path, FormatTimestamped))
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		lines := strings.Split(strings.TrimSpace(string(data)), "\n")
		require.Len(t, lines, 3)
		assert.Contains(t, lines[0], "<< line1\\n")
		assert.Contains(t, lines[1], ">> cmd")
	})

	t.Run("json", func(t *testing.T) {
		path := filepath.Join(dir, "history.json")
		require.NoError(t, r.SaveToFile("a", path, FormatJSON))
		data, err := os.ReadFile(path)
		require.NoError(t, err)

		var decoded struct {
			Entries []HistoryEntry `json:"entries"`
			Count   int            `json:"count"`
		}
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, 3, decoded.Count)
		assert.Equal(t, event.DirectionTX, decoded.Entries[1].Direction)
	})

	t.Run("errors", func(t *testing.T) {
		assert.Error(t, r.SaveToFile("a", "", FormatJSON))
		assert.Error(t, r.SaveToFile("a", filepath.Join(dir, "x"), FileFormat(42)))
	})
}

func TestRecorder_LiveLogging(t *testing.T) {
	bus := event.NewBus(zaptest.NewLogger(t))
	r := NewRecorder(bus, RecorderConfig{Logger: zaptest.NewLogger(t)})

	path := filepath.Join(t.TempDir(), "logs", "session.log")
	config := serial.SerialConfig{Port: "/dev/ttyUSB0", BaudRate: 115200}

	assert.False(t, r.LoggingStatus("a").Enabled)
	require.NoError(t, r.StartLogging("a", path, ModeAuto, config))

	status := r.LoggingStatus("a")
	assert.True(t, status.Enabled)
	assert.Equal(t, path, status.FilePath)
	assert.Equal(t, ModeAuto, status.Mode)

	publishData(bus, "a", event.DirectionRX, "OK")
	publishData(bus, "a", event.DirectionTX, "AT")
	publishData(bus, "b", event.DirectionRX, "not mine")
	bus.Close()

	require.NoError(t, r.StopLogging("a"))
	require.NoError(t, r.StopLogging("a"), "stopping twice is a no-op")
	assert.False(t, r.LoggingStatus("a").Enabled)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)

	assert.Contains(t, content, "=== Logging started at ")
	assert.Contains(t, content, "(Mode: auto) ===")
	assert.Contains(t, content, "Port: /dev/ttyUSB0, Baud: 115200\n")
	assert.Contains(t, content, "] OK\n")
	assert.Contains(t, content, "] TX: AT\n")
	assert.NotContains(t, content, "not mine")
	assert.Contains(t, content, "=== Logging stopped at ")
}

func TestRecorder_LoggingAppends(t *testing.T) {
	bus := event.NewBus(nil)
	defer bus.Close()
	r := NewRecorder(bus, RecorderConfig{})

	path := filepath.Join(t.TempDir(), "session.log")
	config := serial.SerialConfig{Port: "COM3", BaudRate: 9600}

	require.NoError(t, r.StartLogging("a", path, "", config))
	require.NoError(t, r.StartLogging("a", path, "", config))
	require.NoError(t, r.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "Logging started"))
	assert.Equal(t, 2, strings.Count(string(data), "Logging stopped"))
	assert.Equal(t, 2, strings.Count(string(data), "(Mode: manual)"))
}

func TestRecorder_StartLoggingErrors(t *testing.T) {
	bus := event.NewBus(nil)
	defer bus.Close()
	r := NewRecorder(bus, RecorderConfig{})

	assert.Error(t, r.StartLogging("a", "", ModeManual, serial.SerialConfig{}))
}

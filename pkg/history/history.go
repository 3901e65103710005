// Package history provides communication history management functionality
package history

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"patterm/pkg/event"
)

// DefaultMaxSize bounds the bytes retained per session
const DefaultMaxSize = 10 * 1024 * 1024

// FileFormat represents different file export formats
type FileFormat int

const (
	FormatPlainText FileFormat = iota
	FormatTimestamped
	FormatJSON
)

// String returns the string representation of FileFormat
func (f FileFormat) String() string {
	switch f {
	case FormatPlainText:
		return "plain_text"
	case FormatTimestamped:
		return "timestamped"
	case FormatJSON:
		return "json"
	default:
		return "unknown"
	}
}

// ParseFormat maps a user supplied name to a FileFormat
func ParseFormat(name string) (FileFormat, error) {
	switch strings.ToLower(name) {
	case "plain", "plain_text", "text", "txt":
		return FormatPlainText, nil
	case "timestamped", "ts", "log":
		return FormatTimestamped, nil
	case "json":
		return FormatJSON, nil
	default:
		return 0, fmt.Errorf("unsupported format: %s", name)
	}
}

// HistoryEntry represents a single entry in the communication history
type HistoryEntry struct {
	Timestamp time.Time       `json:"timestamp"`
	Direction event.Direction `json:"direction"`
	Data      []byte          `json:"data"`
	Length    int             `json:"length"`
}

// Validate checks if the history entry is valid
func (h HistoryEntry) Validate() error {
	if h.Timestamp.IsZero() {
		return fmt.Errorf("timestamp cannot be zero")
	}

	if h.Direction != event.DirectionRX && h.Direction != event.DirectionTX {
		return fmt.Errorf("invalid direction: %q", h.Direction)
	}

	if h.Data == nil {
		return fmt.Errorf("data cannot be nil")
	}

	if h.Length != len(h.Data) {
		return fmt.Errorf("length mismatch: expected %d, got %d", len(h.Data), h.Length)
	}

	return nil
}

// entryFromEvent copies a data event into a history entry
func entryFromEvent(e event.SessionData) HistoryEntry {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	return HistoryEntry{
		Timestamp: at,
		Direction: e.Direction,
		Data:      append([]byte(nil), e.Bytes...),
		Length:    len(e.Bytes),
	}
}

// HistoryStats provides statistics about a session's history buffer
type HistoryStats struct {
	TotalEntries int        `json:"total_entries"`
	TotalBytes   int        `json:"total_bytes"`
	RxEntries    int        `json:"rx_entries"`
	TxEntries    int        `json:"tx_entries"`
	RxBytes      int        `json:"rx_bytes"`
	TxBytes      int        `json:"tx_bytes"`
	MaxSize      int        `json:"max_size"`
	OldestEntry  *time.Time `json:"oldest_entry,omitempty"`
	NewestEntry  *time.Time `json:"newest_entry,omitempty"`
}

// Buffer keeps the most recent entries of one session up to maxSize bytes.
// It is not safe for concurrent use; Recorder serializes access.
type Buffer struct {
	entries []HistoryEntry
	size    int
	maxSize int
}

// NewBuffer creates a buffer holding at most maxSize bytes
func NewBuffer(maxSize int) *Buffer {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Buffer{maxSize: maxSize}
}

// Add appends an entry, evicting the oldest entries to stay within maxSize.
// An entry larger than maxSize is truncated to its newest bytes.
func (b *Buffer) Add(entry HistoryEntry) {
	if len(entry.Data) > b.maxSize {
		entry.Data = entry.Data[len(entry.Data)-b.maxSize:]
		entry.Length = len(entry.Data)
	}

	drop := 0
	for b.size+len(entry.Data) > b.maxSize && drop < len(b.entries) {
		b.size -= len(b.entries[drop].Data)
		drop++
	}
	if drop > 0 {
		b.entries = append(b.entries[:0], b.entries[drop:]...)
	}

	b.entries = append(b.entries, entry)
	b.size += len(entry.Data)
}

// Size returns the number of bytes retained
func (b *Buffer) Size() int { return b.size }

// Len returns the number of entries retained
func (b *Buffer) Len() int { return len(b.entries) }

// Entries returns a copy of count entries starting at start
func (b *Buffer) Entries(start, count int) ([]HistoryEntry, error) {
	if start < 0 {
		return nil, fmt.Errorf("start cannot be negative")
	}

	if count < 0 {
		return nil, fmt.Errorf("count cannot be negative")
	}

	if start >= len(b.entries) {
		return []HistoryEntry{}, nil
	}

	end := min(start+count, len(b.entries))
	result := make([]HistoryEntry, end-start)
	copy(result, b.entries[start:end])
	return result, nil
}

// Bytes returns the retained data of one direction concatenated in order;
// an empty direction selects both.
func (b *Buffer) Bytes(direction event.Direction) []byte {
	var out []byte
	for _, e := range b.entries {
		if direction == "" || e.Direction == direction {
			out = append(out, e.Data...)
		}
	}
	return out
}

// Clear drops every entry
func (b *Buffer) Clear() {
	b.entries = nil
	b.size = 0
}

// Stats summarizes the buffer
func (b *Buffer) Stats() HistoryStats {
	stats := HistoryStats{
		TotalEntries: len(b.entries),
		TotalBytes:   b.size,
		MaxSize:      b.maxSize,
	}

	for i := range b.entries {
		entry := &b.entries[i]
		switch entry.Direction {
		case event.DirectionRX:
			stats.RxEntries++
			stats.RxBytes += entry.Length
		case event.DirectionTX:
			stats.TxEntries++
			stats.TxBytes += entry.Length
		}
	}
	if n := len(b.entries); n > 0 {
		oldest := b.entries[0].Timestamp
		newest := b.entries[n-1].Timestamp
		stats.OldestEntry = &oldest
		stats.NewestEntry = &newest
	}
	return stats
}

// saveEntriesToFile saves history entries to a file in the specified format
func saveEntriesToFile(entries []HistoryEntry, filename string, format FileFormat) error {
	if dir := filepath.Dir(filename); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	file, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	switch format {
	case FormatPlainText:
		err = saveAsPlainText(file, entries)
	case FormatTimestamped:
		err = saveAsTimestamped(file, entries)
	case FormatJSON:
		err = saveAsJSON(file, entries)
	default:
		err = fmt.Errorf("unsupported format: %v", format)
	}
	if err != nil {
		return err
	}
	return file.Close()
}

// saveAsPlainText writes received data only, as a terminal would have shown it
func saveAsPlainText(w io.Writer, entries []HistoryEntry) error {
	for _, entry := range entries {
		if entry.Direction != event.DirectionRX {
			continue
		}
		if _, err := w.Write(entry.Data); err != nil {
			return fmt.Errorf("failed to write data: %w", err)
		}
	}
	return nil
}

// saveAsTimestamped saves entries with timestamps
func saveAsTimestamped(w io.Writer, entries []HistoryEntry) error {
	for _, entry := range entries {
		direction := "<<"
		if entry.Direction == event.DirectionTX {
			direction = ">>"
		}

		line := fmt.Sprintf("[%s] %s %s\n",
			entry.Timestamp.Format("2006-01-02 15:04:05.000"),
			direction,
			strings.ReplaceAll(string(entry.Data), "\n", "\\n"))

		if _, err := io.WriteString(w, line); err != nil {
			return fmt.Errorf("failed to write timestamped data: %w", err)
		}
	}
	return nil
}

// saveAsJSON saves entries as JSON
func saveAsJSON(w io.Writer, entries []HistoryEntry) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")

	data := struct {
		Entries []HistoryEntry `json:"entries"`
		Count   int            `json:"count"`
	}{
		Entries: entries,
		Count:   len(entries),
	}

	if err := encoder.Encode(data); err != nil {
		return fmt.Errorf("failed to encode JSON: %w", err)
	}

	return nil
}

package history

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"patterm/pkg/event"
	"patterm/pkg/serial"
)

// Logging modes recorded in the live log header.
const (
	ModeManual = "manual"
	ModeAuto   = "auto"
)

// LoggingStatus describes the live log of one session
type LoggingStatus struct {
	Enabled  bool   `json:"enabled"`
	FilePath string `json:"filePath,omitempty"`
	Mode     string `json:"mode"`
}

// RecorderConfig configures a Recorder
type RecorderConfig struct {
	// MaxSize bounds the retained bytes per session.
	MaxSize int
	Logger  *zap.Logger
	Now     func() time.Time
}

// Recorder is a data-log sink. It captures session:data events into a bounded
// per-session buffer and optionally appends them live to a log file.
type Recorder struct {
	maxSize int
	logger  *zap.Logger
	now     func() time.Time
	sub     *event.Subscription

	mu      sync.Mutex
	buffers map[string]*Buffer
	logs    map[string]*liveLog
}

type liveLog struct {
	file *os.File
	path string
	mode string
}

// NewRecorder creates a recorder subscribed to bus
func NewRecorder(bus *event.Bus, config RecorderConfig) *Recorder {
	r := &Recorder{
		maxSize: config.MaxSize,
		logger:  config.Logger,
		now:     config.Now,
		buffers: make(map[string]*Buffer),
		logs:    make(map[string]*liveLog),
	}
	if r.maxSize <= 0 {
		r.maxSize = DefaultMaxSize
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if r.now == nil {
		r.now = time.Now
	}

	r.sub = bus.Subscribe(r.handle, event.TopicSessionData, event.TopicSessionClosed)
	return r
}

func (r *Recorder) handle(e event.Event) {
	switch e := e.(type) {
	case event.SessionData:
		r.record(e)
	case event.SessionClosed:
		if err := r.StopLogging(e.ID); err != nil {
			r.logger.Warn("failed to stop session log", zap.String("session_id", e.ID), zap.Error(err))
		}
		r.mu.Lock()
		delete(r.buffers, e.ID)
		r.mu.Unlock()
	}
}

func (r *Recorder) record(e event.SessionData) {
	entry := entryFromEvent(e)

	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.buffers[e.ID]
	if !ok {
		buf = NewBuffer(r.maxSize)
		r.buffers[e.ID] = buf
	}
	buf.Add(entry)

	if log, ok := r.logs[e.ID]; ok {
		if err := writeLogEntry(log.file, entry); err != nil {
			r.logger.Warn("failed to write session log",
				zap.String("session_id", e.ID),
				zap.String("path", log.path),
				zap.Error(err))
		}
	}
}

func writeLogEntry(f *os.File, entry HistoryEntry) error {
	ts := entry.Timestamp.UTC().Format(time.RFC3339Nano)
	prefix := ""
	if entry.Direction == event.DirectionTX {
		prefix = "TX: "
	}
	_, err := fmt.Fprintf(f, "[%s] %s%s\n", ts, prefix, entry.Data)
	return err
}

// Entries returns every retained entry of a session
func (r *Recorder) Entries(id string) []HistoryEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	buf, ok := r.buffers[id]
	if !ok {
		return []HistoryEntry{}
	}
	entries, _ := buf.Entries(0, buf.Len())
	return entries
}

// Received returns the retained inbound bytes of a session
func (r *Recorder) Received(id string) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if buf, ok := r.buffers[id]; ok {
		return buf.Bytes(event.DirectionRX)
	}
	return nil
}

// Stats summarizes a session's retained history
func (r *Recorder) Stats(id string) HistoryStats {
	r.mu.Lock()
	defer r.mu.Unlock()

	if buf, ok := r.buffers[id]; ok {
		return buf.Stats()
	}
	return HistoryStats{MaxSize: r.maxSize}
}

// Clear drops a session's retained history
func (r *Recorder) Clear(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if buf, ok := r.buffers[id]; ok {
		buf.Clear()
	}
}

// SaveToFile exports a session's retained history
func (r *Recorder) SaveToFile(id, filename string, format FileFormat) error {
	if filename == "" {
		return fmt.Errorf("filename cannot be empty")
	}
	return saveEntriesToFile(r.Entries(id), filename, format)
}

// StartLogging appends every subsequent data event of a session to path. A
// log already running for the session is stopped first.
func (r *Recorder) StartLogging(id, path, mode string, config serial.SerialConfig) error {
	if path == "" {
		return fmt.Errorf("log path cannot be empty")
	}
	if mode == "" {
		mode = ModeManual
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to start logging: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to start logging: %w", err)
	}

	if err := r.StopLogging(id); err != nil {
		r.logger.Warn("failed to stop previous session log", zap.String("session_id", id), zap.Error(err))
	}

	ts := r.now().UTC().Format(time.RFC3339Nano)
	_, err = fmt.Fprintf(file, "=== Logging started at %s (Mode: %s) ===\nPort: %s, Baud: %d\n",
		ts, mode, config.Port, config.BaudRate)
	if err != nil {
		file.Close()
		return fmt.Errorf("failed to start logging: %w", err)
	}

	r.mu.Lock()
	r.logs[id] = &liveLog{file: file, path: path, mode: mode}
	r.mu.Unlock()

	r.logger.Info("session logging started",
		zap.String("session_id", id),
		zap.String("path", path),
		zap.String("mode", mode))
	return nil
}

// StopLogging writes the closing marker and closes the session's log file.
// Stopping a session that is not logging is a no-op.
func (r *Recorder) StopLogging(id string) error {
	r.mu.Lock()
	log, ok := r.logs[id]
	delete(r.logs, id)
	r.mu.Unlock()

	if !ok {
		return nil
	}

	ts := r.now().UTC().Format(time.RFC3339Nano)
	_, werr := fmt.Fprintf(log.file, "=== Logging stopped at %s ===\n\n", ts)
	cerr := log.file.Close()
	if werr != nil {
		return fmt.Errorf("failed to stop logging: %w", werr)
	}
	if cerr != nil {
		return fmt.Errorf("failed to stop logging: %w", cerr)
	}

	r.logger.Info("session logging stopped", zap.String("session_id", id), zap.String("path", log.path))
	return nil
}

// LoggingStatus reports whether a session is being logged
func (r *Recorder) LoggingStatus(id string) LoggingStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	if log, ok := r.logs[id]; ok {
		return LoggingStatus{Enabled: true, FilePath: log.path, Mode: log.mode}
	}
	return LoggingStatus{Mode: ModeManual}
}

// Close unsubscribes from the bus and stops every live log
func (r *Recorder) Close() error {
	r.sub.Unsubscribe()

	r.mu.Lock()
	ids := make([]string, 0, len(r.logs))
	for id := range r.logs {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := r.StopLogging(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

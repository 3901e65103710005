// Package session owns serial sessions: their lifecycle, byte counters and
// throughput, and the registry and manager that coordinate them.
package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"patterm/pkg/event"
	"patterm/pkg/serial"
)

// State is the connection state of a session
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText renders the state by name in JSON and YAML.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses a state name written by MarshalText.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{StateDisconnected, StateConnecting, StateConnected, StateClosed} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown session state %q", text)
}

// Snapshot is a point-in-time copy of a session's observable state
type Snapshot struct {
	ID          string              `json:"id"`
	Name        string              `json:"name"`
	Config      serial.SerialConfig `json:"config"`
	State       State               `json:"state"`
	CreatedAt   time.Time           `json:"createdAt"`
	ConnectedAt *time.Time          `json:"connectedAt,omitempty"`
	RxTotal     uint64              `json:"rxTotal"`
	TxTotal     uint64              `json:"txTotal"`
	RxRate      float64             `json:"rxRate"`
	TxRate      float64             `json:"txRate"`
}

// Session is one connection to a serial transport. All mutation goes through
// the Manager; consumers only see Snapshots and events.
type Session struct {
	id     string
	config serial.SerialConfig
	logger *zap.Logger
	emit   func(event.Event)
	now    func() time.Time

	rx *RateTracker
	tx *RateTracker

	// writeMu serializes writes so bytes reach the transport in issue order.
	writeMu sync.Mutex

	mu          sync.Mutex
	name        string
	state       State
	transport   serial.Transport
	cancel      context.CancelFunc
	done        chan struct{}
	createdAt   time.Time
	connectedAt time.Time
	opened      bool
}

type sessionOptions struct {
	logger     *zap.Logger
	emit       func(event.Event)
	now        func() time.Time
	rateWindow time.Duration
}

func newSession(id, name string, config serial.SerialConfig, opts sessionOptions) *Session {
	return &Session{
		id:        id,
		name:      name,
		config:    config,
		logger:    opts.logger.With(zap.String("session_id", id), zap.String("port", config.Port)),
		emit:      opts.emit,
		now:       opts.now,
		rx:        NewRateTracker(opts.rateWindow, opts.now),
		tx:        NewRateTracker(opts.rateWindow, opts.now),
		state:     StateDisconnected,
		createdAt: opts.now(),
	}
}

// ID returns the session id
func (s *Session) ID() string { return s.id }

// Config returns the configuration the session was created with
func (s *Session) Config() serial.SerialConfig { return s.config }

// State returns the current connection state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the session's observable state
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		ID:        s.id,
		Name:      s.name,
		Config:    s.config,
		State:     s.state,
		CreatedAt: s.createdAt,
	}
	if !s.connectedAt.IsZero() {
		at := s.connectedAt
		snap.ConnectedAt = &at
	}
	s.mu.Unlock()

	snap.RxTotal = s.rx.Total()
	snap.TxTotal = s.tx.Total()
	snap.RxRate = s.rx.Rate()
	snap.TxRate = s.tx.Rate()
	return snap
}

// attach binds an open transport, publishes session:connected and starts the
// read loop. The transport is closed if the session was closed meanwhile.
func (s *Session) attach(t serial.Transport) error {
	start, err := s.bind(t)
	if err != nil {
		return err
	}
	start()
	return nil
}

// bind installs t in the Connected state without publishing anything. The
// read loop is parked until the returned start func publishes
// session:connected. A closed session, or a reconnect cancelled by
// disconnect, releases t instead.
func (s *Session) bind(t serial.Transport) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	ready := make(chan struct{})

	s.mu.Lock()
	var refused error
	switch {
	case s.state == StateClosed:
		refused = ErrSessionClosed
	case s.opened && s.state != StateConnecting:
		refused = ErrReconnectAborted
	}
	if refused != nil {
		s.mu.Unlock()
		cancel()
		t.Close()
		return nil, refused
	}
	s.transport = t
	s.cancel = cancel
	s.done = done
	s.state = StateConnected
	s.connectedAt = s.now()
	s.opened = true
	s.mu.Unlock()

	go s.readLoop(ctx, t, ready, done)

	return func() {
		s.mu.Lock()
		if s.transport == t {
			s.logger.Info("session connected", zap.String("mode", s.config.String()))
			s.emit(event.SessionConnected{ID: s.id})
		}
		s.mu.Unlock()
		close(ready)
	}, nil
}

func (s *Session) readLoop(ctx context.Context, t serial.Transport, ready, done chan struct{}) {
	defer close(done)

	select {
	case <-ready:
	case <-ctx.Done():
		return
	}

	buf := make([]byte, s.config.ReadBufferSize())
	for {
		n, err := t.Read(buf)
		if n > 0 {
			s.inbound(bytes.Clone(buf[:n]))
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.readFailed(t, err)
			return
		}
	}
}

func (s *Session) inbound(chunk []byte) {
	recomputed := s.rx.Record(len(chunk))
	s.emit(event.SessionData{
		ID:        s.id,
		Bytes:     chunk,
		Direction: event.DirectionRX,
		At:        s.now(),
	})
	if recomputed {
		s.emitRate()
	}
}

// readFailed handles the end of the inbound stream that was not caused by a
// disconnect. An error other than EOF is reported exactly once.
func (s *Session) readFailed(t serial.Transport, err error) {
	s.mu.Lock()
	if s.transport != t {
		// A concurrent disconnect already owns teardown.
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.transport = nil
	s.cancel = nil
	s.done = nil
	s.connectedAt = time.Time{}
	if s.state != StateClosed {
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	cancel()
	if cerr := t.Close(); cerr != nil {
		s.logger.Debug("transport close after read failure", zap.Error(cerr))
	}

	if !errors.Is(err, io.EOF) {
		s.logger.Warn("transport read failed", zap.Error(err))
		s.emit(event.SessionError{ID: s.id, Message: err.Error()})
	} else {
		s.logger.Info("transport closed by peer")
	}
	s.emit(event.SessionDisconnected{ID: s.id})
}

// write sends data in full. Concurrent writers are serialized. Only a
// complete write counts toward txTotal.
func (s *Session) write(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	state, t := s.state, s.transport
	s.mu.Unlock()

	switch {
	case state == StateClosed:
		return ErrSessionClosed
	case state != StateConnected || t == nil:
		return ErrNotConnected
	}
	if len(data) == 0 {
		return nil
	}

	written := 0
	for written < len(data) {
		n, err := t.Write(data[written:])
		written += n
		if err != nil {
			return fmt.Errorf("write to %s: %w", s.config.Port, err)
		}
		if n == 0 {
			return fmt.Errorf("write to %s: %w", s.config.Port, io.ErrShortWrite)
		}
	}
	s.recordTX(data)
	return nil
}

func (s *Session) recordTX(data []byte) {
	if len(data) == 0 {
		return
	}
	recomputed := s.tx.Record(len(data))
	s.emit(event.SessionData{
		ID:        s.id,
		Bytes:     bytes.Clone(data),
		Direction: event.DirectionTX,
		At:        s.now(),
	})
	if recomputed {
		s.emitRate()
	}
}

// emitRate publishes the current rates unless the session is closed.
func (s *Session) emitRate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.emit(event.SessionRateUpdated{
		ID:     s.id,
		RxRate: s.rx.Rate(),
		TxRate: s.tx.Rate(),
	})
}

// checkRates runs the window check on both trackers and reports whether
// either rate changed.
func (s *Session) checkRates() bool {
	rxBefore, txBefore := s.rx.Rate(), s.tx.Rate()
	s.rx.Check()
	s.tx.Check()
	return s.rx.Rate() != rxBefore || s.tx.Rate() != txBefore
}

// disconnect releases the transport and waits for the read loop to exit. It
// reports whether the session was connected.
func (s *Session) disconnect() bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	if s.state == StateConnecting {
		// the pending reconnect sees this and releases its transport
		s.state = StateDisconnected
	}
	t, cancel, done := s.detachLocked()
	if t != nil {
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	return s.teardown(t, cancel, done)
}

// close disconnects and marks the session terminal.
func (s *Session) close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	t, cancel, done := s.detachLocked()
	s.state = StateClosed
	s.mu.Unlock()

	s.teardown(t, cancel, done)
	s.logger.Info("session closed",
		zap.Uint64("rx_total", s.rx.Total()),
		zap.Uint64("tx_total", s.tx.Total()))
	return nil
}

// release closes a bound session that was never started. No events are
// published.
func (s *Session) release() {
	s.mu.Lock()
	t, cancel, done := s.detachLocked()
	s.state = StateClosed
	s.mu.Unlock()

	if t == nil {
		return
	}
	cancel()
	t.Close()
	<-done
}

func (s *Session) detachLocked() (serial.Transport, context.CancelFunc, chan struct{}) {
	t, cancel, done := s.transport, s.cancel, s.done
	s.transport = nil
	s.cancel = nil
	s.done = nil
	s.connectedAt = time.Time{}
	return t, cancel, done
}

func (s *Session) teardown(t serial.Transport, cancel context.CancelFunc, done chan struct{}) bool {
	if t == nil {
		return false
	}
	cancel()
	if err := t.Close(); err != nil {
		s.logger.Warn("transport close failed", zap.Error(err))
	}
	<-done
	s.logger.Info("session disconnected")
	s.emit(event.SessionDisconnected{ID: s.id})
	return true
}

// reconnect opens a fresh transport with the stored configuration.
func (s *Session) reconnect(ctx context.Context, factory serial.Factory) error {
	s.mu.Lock()
	switch {
	case s.state == StateClosed:
		s.mu.Unlock()
		return ErrSessionClosed
	case s.state == StateConnecting:
		s.mu.Unlock()
		return ErrBusy
	case !s.opened:
		s.mu.Unlock()
		return ErrNoPriorConfig
	}
	t, cancel, done := s.detachLocked()
	s.state = StateConnecting
	s.mu.Unlock()

	s.teardown(t, cancel, done)

	fresh, err := factory.Open(ctx, s.config)
	if err != nil {
		s.mu.Lock()
		if s.state == StateConnecting {
			s.state = StateDisconnected
		}
		s.mu.Unlock()
		return &ConnectionFailedError{Address: s.config.Port, Err: err}
	}
	return s.attach(fresh)
}

func (s *Session) rename(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return ErrSessionClosed
	}
	s.name = name
	return nil
}

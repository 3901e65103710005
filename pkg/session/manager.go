package session

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"patterm/pkg/event"
	"patterm/pkg/serial"
)

// ErrManagerClosed is returned by CreateSession after Shutdown.
var ErrManagerClosed = errors.New("session manager is shut down")

// ManagerConfig configures a Manager
type ManagerConfig struct {
	// Factory opens transports and enumerates ports.
	Factory serial.Factory

	// Bus receives every session event. A private bus is created when nil.
	Bus *event.Bus

	Logger *zap.Logger

	// RateWindow is the throughput window for both directions.
	RateWindow time.Duration

	// DecayInterval, when positive, runs a periodic window check on every
	// session so that rates fall to zero after traffic stops.
	DecayInterval time.Duration

	// NewID allocates session ids. Defaults to random UUIDs.
	NewID func() string

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time
}

// Manager is the single entry point for session operations
type Manager struct {
	factory  serial.Factory
	bus      *event.Bus
	logger   *zap.Logger
	registry *Registry

	rateWindow time.Duration
	newID      func() string
	now        func() time.Time

	mu     sync.RWMutex
	closed bool

	decayStop chan struct{}
	decayDone chan struct{}
}

// NewManager creates a session manager
func NewManager(config *ManagerConfig) (*Manager, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if config.Factory == nil {
		return nil, fmt.Errorf("transport factory is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	bus := config.Bus
	if bus == nil {
		bus = event.NewBus(logger)
	}
	newID := config.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	now := config.Now
	if now == nil {
		now = time.Now
	}
	window := config.RateWindow
	if window <= 0 {
		window = DefaultRateWindow
	}

	m := &Manager{
		factory:    config.Factory,
		bus:        bus,
		logger:     logger,
		registry:   NewRegistry(),
		rateWindow: window,
		newID:      newID,
		now:        now,
	}

	if config.DecayInterval > 0 {
		m.startDecay(config.DecayInterval)
	}
	return m, nil
}

// Bus returns the bus the manager publishes on
func (m *Manager) Bus() *event.Bus { return m.bus }

// Registry returns the live session registry
func (m *Manager) Registry() *Registry { return m.registry }

// CreateSession opens a transport with config and registers a connected
// session for it. On failure nothing is registered and no event is published.
func (m *Manager) CreateSession(ctx context.Context, config serial.SerialConfig, name string) (string, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return "", ErrManagerClosed
	}

	t, err := m.factory.Open(ctx, config)
	if err != nil {
		m.logger.Warn("failed to open transport",
			zap.String("port", config.Port),
			zap.Error(err))
		return "", &ConnectionFailedError{Address: config.Port, Err: err}
	}

	if name == "" {
		name = config.Port
	}
	id := m.newID()
	s := newSession(id, name, config, sessionOptions{
		logger:     m.logger,
		emit:       m.bus.Publish,
		now:        m.now,
		rateWindow: m.rateWindow,
	})

	start, err := s.bind(t)
	if err != nil {
		return "", err
	}

	// Shutdown flips closed under the write lock, so a session registered
	// here is always seen by its CloseAll, and after its created and
	// connected events.
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		s.release()
		return "", ErrManagerClosed
	}
	if err := m.registry.Register(id, s); err != nil {
		s.release()
		m.logger.Error("session id collision", zap.String("session_id", id), zap.Error(err))
		return "", err
	}

	m.bus.Publish(event.SessionCreated{ID: id, Name: name})
	start()
	return id, nil
}

// CloseSession disconnects and unregisters a session
func (m *Manager) CloseSession(id string) error {
	s, err := m.registry.Unregister(id)
	if err != nil {
		return err
	}
	s.close()
	m.bus.Publish(event.SessionClosed{ID: id})
	return nil
}

// DisconnectSession releases the session's transport but keeps the session
// registered for a later reconnect. Disconnecting an idle session is a no-op.
func (m *Manager) DisconnectSession(id string) error {
	s, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	if s.State() == StateClosed {
		return ErrSessionClosed
	}
	s.disconnect()
	return nil
}

// ReconnectSession opens a fresh transport with the session's original config.
// A connected session is disconnected first.
func (m *Manager) ReconnectSession(ctx context.Context, id string) error {
	s, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	if err := s.reconnect(ctx, m.factory); err != nil {
		var cfe *ConnectionFailedError
		if errors.As(err, &cfe) {
			s.logger.Warn("reconnect failed", zap.Error(err))
		}
		return err
	}
	return nil
}

// Write sends data to the session's transport. Failures are also published
// as session:error.
func (m *Manager) Write(id string, data []byte) error {
	s, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	if err := s.write(data); err != nil {
		m.bus.Publish(event.SessionError{ID: id, Message: err.Error()})
		return err
	}
	return nil
}

// ListPorts enumerates ports through the factory. Results are not cached.
func (m *Manager) ListPorts(ctx context.Context) ([]serial.PortInfo, error) {
	return m.factory.ListPorts(ctx)
}

// SessionState returns a snapshot of one session
func (m *Manager) SessionState(id string) (Snapshot, error) {
	s, err := m.registry.Get(id)
	if err != nil {
		return Snapshot{}, err
	}
	return s.Snapshot(), nil
}

// ListSessions returns snapshots of every live session ordered by creation.
func (m *Manager) ListSessions() []Snapshot {
	snaps := make([]Snapshot, 0, m.registry.Len())
	for s := range m.registry.All() {
		snaps = append(snaps, s.Snapshot())
	}
	slices.SortFunc(snaps, func(a, b Snapshot) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return snaps
}

// RenameSession changes a session's display name
func (m *Manager) RenameSession(id, name string) error {
	s, err := m.registry.Get(id)
	if err != nil {
		return err
	}
	if name == "" {
		return fmt.Errorf("session name cannot be empty")
	}
	if err := s.rename(name); err != nil {
		return err
	}
	m.bus.Publish(event.SessionRenamed{ID: id, Name: name})
	return nil
}

// CloseAll closes every live session and returns how many were closed.
func (m *Manager) CloseAll() int {
	closed := 0
	for s := range m.registry.All() {
		if err := m.CloseSession(s.ID()); err == nil {
			closed++
		}
	}
	return closed
}

// Shutdown stops background work and closes every session. CreateSession
// fails afterwards. The bus is left open for its owner to close.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	if m.decayStop != nil {
		close(m.decayStop)
		<-m.decayDone
	}

	n := m.CloseAll()
	m.logger.Info("session manager shut down", zap.Int("sessions_closed", n))
}

func (m *Manager) startDecay(interval time.Duration) {
	m.decayStop = make(chan struct{})
	m.decayDone = make(chan struct{})

	go func() {
		defer close(m.decayDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				m.decayRates()
			case <-m.decayStop:
				return
			}
		}
	}()
}

func (m *Manager) decayRates() {
	for s := range m.registry.All() {
		if s.State() == StateClosed {
			continue
		}
		if s.checkRates() {
			s.emitRate()
		}
	}
}

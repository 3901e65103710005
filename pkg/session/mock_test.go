package session

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"patterm/pkg/event"
	"patterm/pkg/serial"
)

// mockTransport is an in-memory transport. Inbound chunks are injected with
// feed; a read failure with fail. With echo set, every write is fed back.
type mockTransport struct {
	echo []byte

	incoming chan []byte
	failures chan error
	closed   chan struct{}
	once     sync.Once

	mu         sync.Mutex
	writes     [][]byte
	closeCount int
	writeErr   error
	// shortWrite, with writeErr, accepts this many bytes before failing.
	shortWrite int
}

func newMockTransport(echo []byte) *mockTransport {
	return &mockTransport{
		echo:     echo,
		incoming: make(chan []byte, 256),
		failures: make(chan error, 1),
		closed:   make(chan struct{}),
	}
}

func (m *mockTransport) Read(p []byte) (int, error) {
	select {
	case chunk := <-m.incoming:
		return copy(p, chunk), nil
	case err := <-m.failures:
		return 0, err
	case <-m.closed:
		return 0, io.EOF
	}
}

func (m *mockTransport) Write(p []byte) (int, error) {
	m.mu.Lock()
	if m.writeErr != nil {
		err := m.writeErr
		n := min(m.shortWrite, len(p))
		m.mu.Unlock()
		return n, err
	}
	m.writes = append(m.writes, append([]byte(nil), p...))
	m.mu.Unlock()

	if m.echo != nil {
		m.feed(append(append([]byte(nil), m.echo...), p...))
	}
	return len(p), nil
}

func (m *mockTransport) Close() error {
	m.mu.Lock()
	m.closeCount++
	m.mu.Unlock()
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *mockTransport) feed(chunk []byte) {
	m.incoming <- chunk
}

func (m *mockTransport) fail(err error) {
	m.failures <- err
}

func (m *mockTransport) written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.writes...)
}

func (m *mockTransport) closes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closeCount
}

// mockFactory hands out a fresh mockTransport per Open.
type mockFactory struct {
	echo []byte

	mu      sync.Mutex
	opened  []*mockTransport
	configs []serial.SerialConfig
	openErr error
	ports   []serial.PortInfo
}

func (f *mockFactory) ListPorts(ctx context.Context) ([]serial.PortInfo, error) {
	return f.ports, nil
}

func (f *mockFactory) Open(ctx context.Context, config serial.SerialConfig) (serial.Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openErr != nil {
		return nil, serial.NewSerialError("open", config.Port, f.openErr)
	}
	t := newMockTransport(f.echo)
	f.opened = append(f.opened, t)
	f.configs = append(f.configs, config)
	return t, nil
}

func (f *mockFactory) setOpenErr(err error) {
	f.mu.Lock()
	f.openErr = err
	f.mu.Unlock()
}

func (f *mockFactory) transport(i int) *mockTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opened[i]
}

func (f *mockFactory) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.opened)
}

// gatedFactory parks the next Open after arm until release is closed.
type gatedFactory struct {
	*mockFactory

	mu      sync.Mutex
	entered chan struct{}
	gate    chan struct{}
}

func newGatedFactory() *gatedFactory {
	return &gatedFactory{mockFactory: &mockFactory{}}
}

func (f *gatedFactory) arm() (entered, release chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entered = make(chan struct{})
	f.gate = make(chan struct{})
	return f.entered, f.gate
}

func (f *gatedFactory) Open(ctx context.Context, config serial.SerialConfig) (serial.Transport, error) {
	f.mu.Lock()
	entered, gate := f.entered, f.gate
	f.entered, f.gate = nil, nil
	f.mu.Unlock()

	if gate != nil {
		close(entered)
		<-gate
	}
	return f.mockFactory.Open(ctx, config)
}

// recorder collects bus events.
type recorder struct {
	mu     sync.Mutex
	events []event.Event
}

func record(bus *event.Bus) *recorder {
	r := &recorder{}
	bus.Subscribe(func(e event.Event) {
		r.mu.Lock()
		r.events = append(r.events, e)
		r.mu.Unlock()
	})
	return r
}

func (r *recorder) all() []event.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]event.Event(nil), r.events...)
}

func (r *recorder) topics(id string) []event.Topic {
	var topics []event.Topic
	for _, e := range r.all() {
		if e.SessionID() == id {
			topics = append(topics, e.Topic())
		}
	}
	return topics
}

func (r *recorder) count(id string, topic event.Topic) int {
	n := 0
	for _, e := range r.all() {
		if e.SessionID() == id && e.Topic() == topic {
			n++
		}
	}
	return n
}

func (r *recorder) waitFor(t *testing.T, id string, topic event.Topic) {
	t.Helper()
	require.Eventually(t, func() bool { return r.count(id, topic) > 0 },
		2*time.Second, 2*time.Millisecond, "no %s event for %s", topic, id)
}

var errLineNoise = errors.New("device reports framing error")

func testConfig(port string) serial.SerialConfig {
	return serial.SerialConfig{
		Port:     port,
		BaudRate: 9600,
		DataBits: 8,
		StopBits: 1,
		Parity:   "none",
	}
}

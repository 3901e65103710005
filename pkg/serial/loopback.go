package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// LoopbackScheme prefixes the address of every virtual port.
const LoopbackScheme = "loop://"

// ErrPortBusy is returned when a virtual port is already open.
var ErrPortBusy = errors.New("port busy")

// ErrTransportClosed is returned by writes on a closed virtual port.
var ErrTransportClosed = errors.New("transport closed")

// IsLoopbackAddress reports whether addr names a virtual port.
func IsLoopbackAddress(addr string) bool {
	return strings.HasPrefix(addr, LoopbackScheme)
}

// LoopbackFactory provides virtual echo ports. Every byte written to a virtual
// port is read back from it, preceded by Prefix. It stands in for a device for
// demos and tests without hardware.
type LoopbackFactory struct {
	Prefix string
	Names  []string

	mu   sync.Mutex
	open map[string]bool
}

// NewLoopbackFactory creates a loopback factory that lists the given port names.
func NewLoopbackFactory(prefix string, names ...string) *LoopbackFactory {
	if len(names) == 0 {
		names = []string{"echo"}
	}
	return &LoopbackFactory{
		Prefix: prefix,
		Names:  names,
		open:   make(map[string]bool),
	}
}

// ListPorts returns the virtual ports.
func (f *LoopbackFactory) ListPorts(ctx context.Context) ([]PortInfo, error) {
	ports := make([]PortInfo, 0, len(f.Names))
	for _, name := range f.Names {
		ports = append(ports, PortInfo{
			Address:      LoopbackScheme + name,
			Manufacturer: "patterm loopback",
		})
	}
	return ports, nil
}

// Open opens a virtual port. Any address under loop:// is accepted; an address
// that is already open fails with ErrPortBusy.
func (f *LoopbackFactory) Open(ctx context.Context, config SerialConfig) (Transport, error) {
	if !IsLoopbackAddress(config.Port) {
		return nil, NewSerialError("open", config.Port, fmt.Errorf("not a loopback address"))
	}
	if err := config.Validate(); err != nil {
		return nil, NewSerialError("open", config.Port, fmt.Errorf("invalid configuration: %w", err))
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open == nil {
		f.open = make(map[string]bool)
	}
	if f.open[config.Port] {
		return nil, NewSerialError("open", config.Port, ErrPortBusy)
	}
	f.open[config.Port] = true

	addr := config.Port
	return newLoopbackTransport([]byte(f.Prefix), func() {
		f.mu.Lock()
		delete(f.open, addr)
		f.mu.Unlock()
	}), nil
}

type loopbackTransport struct {
	prefix  []byte
	data    chan []byte
	closed  chan struct{}
	once    sync.Once
	release func()

	// rest is only touched by the reader.
	rest []byte
}

func newLoopbackTransport(prefix []byte, release func()) *loopbackTransport {
	return &loopbackTransport{
		prefix:  prefix,
		data:    make(chan []byte, 256),
		closed:  make(chan struct{}),
		release: release,
	}
}

func (t *loopbackTransport) Read(p []byte) (int, error) {
	if len(t.rest) > 0 {
		n := copy(p, t.rest)
		t.rest = t.rest[n:]
		return n, nil
	}

	select {
	case chunk := <-t.data:
		n := copy(p, chunk)
		t.rest = chunk[n:]
		return n, nil
	case <-t.closed:
		return 0, io.EOF
	}
}

func (t *loopbackTransport) Write(p []byte) (int, error) {
	echo := make([]byte, 0, len(t.prefix)+len(p))
	echo = append(echo, t.prefix...)
	echo = append(echo, p...)

	select {
	case <-t.closed:
		return 0, ErrTransportClosed
	default:
	}

	select {
	case t.data <- echo:
		return len(p), nil
	case <-t.closed:
		return 0, ErrTransportClosed
	}
}

func (t *loopbackTransport) Close() error {
	t.once.Do(func() {
		close(t.closed)
		if t.release != nil {
			t.release()
		}
	})
	return nil
}

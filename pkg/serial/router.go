package serial

import (
	"context"
	"errors"
)

// Router dispatches loop:// addresses to a loopback factory and everything else
// to the native factory. Either side may be nil to disable it.
type Router struct {
	Native   Factory
	Loopback Factory
}

// NewRouter creates a router over the given factories
func NewRouter(native, loopback Factory) *Router {
	return &Router{Native: native, Loopback: loopback}
}

// ListPorts lists native ports followed by virtual ports. A native enumeration
// failure is returned even if virtual ports exist.
func (r *Router) ListPorts(ctx context.Context) ([]PortInfo, error) {
	var ports []PortInfo
	if r.Native != nil {
		native, err := r.Native.ListPorts(ctx)
		if err != nil {
			return nil, err
		}
		ports = append(ports, native...)
	}
	if r.Loopback != nil {
		virtual, err := r.Loopback.ListPorts(ctx)
		if err != nil {
			return nil, err
		}
		ports = append(ports, virtual...)
	}
	if ports == nil {
		ports = []PortInfo{}
	}
	return ports, nil
}

// Open opens a transport through the factory responsible for the address
func (r *Router) Open(ctx context.Context, config SerialConfig) (Transport, error) {
	f := r.Native
	if IsLoopbackAddress(config.Port) {
		f = r.Loopback
	}
	if f == nil {
		return nil, NewSerialError("open", config.Port, errNoFactory)
	}
	return f.Open(ctx, config)
}

var errNoFactory = errors.New("no transport available for address")

package serial

import (
	"context"
	"fmt"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
	"go.uber.org/zap"
)

// defaultReadTimeout bounds a single Read so a read loop never parks forever on
// a driver that ignores Close.
const defaultReadTimeout = 100 * time.Millisecond

// NativeFactory opens operating system serial ports using go.bug.st/serial
type NativeFactory struct {
	logger *zap.Logger
}

// NewNativeFactory creates a factory for real serial ports
func NewNativeFactory(logger *zap.Logger) *NativeFactory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NativeFactory{logger: logger}
}

// ListPorts returns detailed information about available serial ports.
// An empty list is not an error.
func (f *NativeFactory) ListPorts(ctx context.Context) ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to get ports list: %w", err)
	}

	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		ports = append(ports, PortInfo{
			Address:      d.Name,
			Manufacturer: d.Product,
			VendorID:     d.VID,
			ProductID:    d.PID,
			SerialNumber: d.SerialNumber,
			IsUSB:        d.IsUSB,
		})
	}
	return ports, nil
}

// Open opens the serial port with the given configuration
func (f *NativeFactory) Open(ctx context.Context, config SerialConfig) (Transport, error) {
	if err := config.Validate(); err != nil {
		return nil, NewSerialError("open", config.Port, fmt.Errorf("invalid configuration: %w", err))
	}
	if err := ctx.Err(); err != nil {
		return nil, NewSerialError("open", config.Port, err)
	}

	// Convert our config to go.bug.st/serial config
	mode := &serial.Mode{
		BaudRate: config.BaudRate,
		DataBits: config.DataBits,
		StopBits: convertStopBits(config.StopBits),
		Parity:   convertParity(config.Parity),
	}
	if config.FlowControl == FlowControlHardware {
		// The driver has no RTS/CTS handshake; assert the lines and let the
		// peer do the rest.
		mode.InitialStatusBits = &serial.ModemOutputBits{RTS: true, DTR: true}
	}

	port, err := serial.Open(config.Port, mode)
	if err != nil {
		return nil, NewSerialError("open", config.Port, err)
	}

	timeout := config.Timeout
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		return nil, NewSerialError("open", config.Port, fmt.Errorf("failed to set read timeout: %w", err))
	}

	f.logger.Debug("serial port opened",
		zap.String("port", config.Port),
		zap.String("mode", config.String()))

	return &nativeTransport{port: port, name: config.Port}, nil
}

// nativeTransport adapts serial.Port to Transport with wrapped errors
type nativeTransport struct {
	port serial.Port
	name string
}

func (t *nativeTransport) Read(p []byte) (int, error) {
	n, err := t.port.Read(p)
	if err != nil {
		return n, NewSerialError("read", t.name, err)
	}
	return n, nil
}

func (t *nativeTransport) Write(p []byte) (int, error) {
	n, err := t.port.Write(p)
	if err != nil {
		return n, NewSerialError("write", t.name, err)
	}
	return n, nil
}

func (t *nativeTransport) Close() error {
	if err := t.port.Close(); err != nil {
		return NewSerialError("close", t.name, err)
	}
	return nil
}

// convertStopBits converts our stop bits format to go.bug.st/serial format
func convertStopBits(stopBits int) serial.StopBits {
	switch stopBits {
	case 1:
		return serial.OneStopBit
	case 2:
		return serial.TwoStopBits
	default:
		return serial.OneStopBit
	}
}

// convertParity converts our parity format to go.bug.st/serial format
func convertParity(parity string) serial.Parity {
	switch parity {
	case "none":
		return serial.NoParity
	case "odd":
		return serial.OddParity
	case "even":
		return serial.EvenParity
	case "mark":
		return serial.MarkParity
	case "space":
		return serial.SpaceParity
	default:
		return serial.NoParity
	}
}

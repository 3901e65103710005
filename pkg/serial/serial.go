// Package serial provides the transport boundary for serial sessions: port
// configuration, enumeration, and factories that open byte-stream transports.
package serial

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"
)

// Supported flow control modes.
const (
	FlowControlNone     = "none"
	FlowControlHardware = "hardware"
)

// DefaultBufferSize is the read buffer size used when SerialConfig.BufferSize is zero.
const DefaultBufferSize = 4096

var (
	validBaudRates = []int{
		110, 300, 600, 1200, 2400, 4800, 9600, 14400, 19200, 28800,
		38400, 57600, 115200, 230400, 460800, 921600,
	}
	validParity      = []string{"none", "odd", "even", "mark", "space"}
	validFlowControl = []string{FlowControlNone, FlowControlHardware}
)

// SerialConfig defines the configuration for serial port communication
type SerialConfig struct {
	Port        string        `json:"port" yaml:"port"`
	BaudRate    int           `json:"baud_rate" yaml:"baud_rate"`
	DataBits    int           `json:"data_bits" yaml:"data_bits"`
	StopBits    int           `json:"stop_bits" yaml:"stop_bits"`
	Parity      string        `json:"parity" yaml:"parity"`
	FlowControl string        `json:"flow_control,omitempty" yaml:"flow_control"`
	BufferSize  int           `json:"buffer_size,omitempty" yaml:"buffer_size"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout"`
}

// Validate checks if the serial configuration is valid
func (c SerialConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("port cannot be empty")
	}

	if !slices.Contains(validBaudRates, c.BaudRate) {
		return fmt.Errorf("invalid baud rate: %d", c.BaudRate)
	}

	if c.DataBits < 5 || c.DataBits > 8 {
		return fmt.Errorf("data bits must be between 5 and 8, got: %d", c.DataBits)
	}

	if c.StopBits < 1 || c.StopBits > 2 {
		return fmt.Errorf("stop bits must be 1 or 2, got: %d", c.StopBits)
	}

	if !slices.Contains(validParity, c.Parity) {
		return fmt.Errorf("invalid parity: %s", c.Parity)
	}

	if c.FlowControl != "" && !slices.Contains(validFlowControl, c.FlowControl) {
		return fmt.Errorf("invalid flow control: %s", c.FlowControl)
	}

	if c.BufferSize < 0 {
		return fmt.Errorf("buffer size cannot be negative")
	}

	if c.Timeout < 0 {
		return fmt.Errorf("timeout cannot be negative")
	}

	return nil
}

// ReadBufferSize returns the configured read buffer size or the default.
func (c SerialConfig) ReadBufferSize() int {
	if c.BufferSize > 0 {
		return c.BufferSize
	}
	return DefaultBufferSize
}

// String renders the config the way terminals usually print it, e.g. "115200 8-N-1".
func (c SerialConfig) String() string {
	p := "N"
	if c.Parity != "" {
		p = string(c.Parity[0] - 'a' + 'A')
	}
	return fmt.Sprintf("%d %d-%s-%d", c.BaudRate, c.DataBits, p, c.StopBits)
}

// DefaultConfig returns a default serial configuration
func DefaultConfig() SerialConfig {
	return SerialConfig{
		Port:        "COM1", // Default port for Windows, will be platform-specific in implementation
		BaudRate:    115200,
		DataBits:    8,
		StopBits:    1,
		Parity:      "none",
		FlowControl: FlowControlNone,
		BufferSize:  DefaultBufferSize,
		Timeout:     100 * time.Millisecond,
	}
}

// PortInfo contains information about a serial port
type PortInfo struct {
	Address      string `json:"address"`
	Manufacturer string `json:"manufacturer,omitempty"`
	VendorID     string `json:"vendor_id,omitempty"`
	ProductID    string `json:"product_id,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	IsUSB        bool   `json:"is_usb"`
}

// Transport is an open byte stream to a serial endpoint. Read blocks until data
// arrives, the transport is closed, or it fails. Implementations must let Close
// unblock a pending Read.
type Transport interface {
	io.ReadWriteCloser
}

// Factory enumerates ports and opens transports.
type Factory interface {
	ListPorts(ctx context.Context) ([]PortInfo, error)
	Open(ctx context.Context, config SerialConfig) (Transport, error)
}

// SerialError represents a serial port specific error
type SerialError struct {
	Operation string
	Port      string
	Cause     error
}

// Error implements the error interface
func (e *SerialError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("serial %s operation failed on port %s: %v", e.Operation, e.Port, e.Cause)
	}
	return fmt.Sprintf("serial %s operation failed on port %s", e.Operation, e.Port)
}

// Unwrap returns the underlying cause.
func (e *SerialError) Unwrap() error {
	return e.Cause
}

// NewSerialError creates a new serial error
func NewSerialError(operation, port string, cause error) *SerialError {
	return &SerialError{
		Operation: operation,
		Port:      port,
		Cause:     cause,
	}
}

// IsOpenError reports whether err is a transport open failure.
func IsOpenError(err error) bool {
	var serr *SerialError
	return errors.As(err, &serr) && serr.Operation == "open"
}

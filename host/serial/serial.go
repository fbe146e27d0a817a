package serial

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// Port represents a byte transport to a controller.
// Implementations:
// - Native serial (using github.com/tarm/serial)
// - TCP (serial servers, WiFi controllers)
// - Simulated GRBL controller (for testing and dry runs)
type Port interface {
	io.ReadWriteCloser

	// Flush flushes any buffered data
	Flush() error
}

// Driver names
const (
	DriverSerial = "serial"
	DriverTCP    = "tcp"
	DriverSim    = "sim"
)

// ErrUnknownDriver is returned for an unsupported driver name
var ErrUnknownDriver = errors.New("unknown connection driver")

// Config holds transport configuration
type Config struct {
	// Driver selects the transport: serial, tcp or sim
	Driver string

	// Address is the device path (e.g., "/dev/ttyUSB0", "COM3") or host:port
	Address string

	// Baud rate, ignored by tcp and sim
	Baud int

	// Read timeout in milliseconds (0 = blocking)
	ReadTimeout int
}

// DefaultConfig returns a serial configuration for a GRBL controller
func DefaultConfig(address string) *Config {
	return &Config{
		Driver:      DriverSerial,
		Address:     address,
		Baud:        115200, // GRBL 1.1 default
		ReadTimeout: 100,    // 100ms read timeout
	}
}

// Open opens the transport described by cfg
func Open(cfg *Config) (Port, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	switch strings.ToLower(cfg.Driver) {
	case "", DriverSerial:
		return openNative(cfg)
	case DriverTCP:
		return openTCP(cfg)
	case DriverSim:
		return NewSimPort(DefaultSimBuffer, DefaultSimLineDelay), nil
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownDriver, cfg.Driver)
}

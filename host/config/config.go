package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gcodelink/host/communicator"
	"gcodelink/host/firmware"
	"gcodelink/host/serial"
	"gcodelink/protocol"

	"pkt.systems/pslog"
)

// Config is the top-level gcodelink configuration
type Config struct {
	ConfigVersion int              `mapstructure:"config_version" yaml:"config_version"`
	Connection    ConnectionConfig `mapstructure:"connection" yaml:"connection"`
	Firmware      FirmwareConfig   `mapstructure:"firmware" yaml:"firmware"`
	Streaming     StreamingConfig  `mapstructure:"streaming" yaml:"streaming"`
	XModem        XModemConfig     `mapstructure:"xmodem" yaml:"xmodem"`
	Log           LogConfig        `mapstructure:"log" yaml:"log"`
}

// CurrentConfigVersion marks the supported config version
const CurrentConfigVersion = 1

// ConnectionConfig selects the transport
type ConnectionConfig struct {
	Driver        string `mapstructure:"driver" yaml:"driver"`
	Address       string `mapstructure:"address" yaml:"address"`
	Baud          int    `mapstructure:"baud" yaml:"baud"`
	ReadTimeoutMs int    `mapstructure:"read_timeout_ms" yaml:"read_timeout_ms"`
}

// FirmwareConfig selects the controller dialect. A zero buffer size uses
// the dialect's own.
type FirmwareConfig struct {
	Dialect    string `mapstructure:"dialect" yaml:"dialect"`
	BufferSize int    `mapstructure:"buffer_size" yaml:"buffer_size"`
}

// StreamingConfig tunes the streaming engine
type StreamingConfig struct {
	SingleStep bool `mapstructure:"single_step" yaml:"single_step"`
	EventQueue int  `mapstructure:"event_queue" yaml:"event_queue"`
}

// XModemConfig holds file transfer parameters
type XModemConfig struct {
	CRC                   bool `mapstructure:"crc" yaml:"crc"`
	LongBlocks            bool `mapstructure:"long_blocks" yaml:"long_blocks"`
	BlockTimeoutMs        int  `mapstructure:"block_timeout_ms" yaml:"block_timeout_ms"`
	RequestTimeoutMs      int  `mapstructure:"request_timeout_ms" yaml:"request_timeout_ms"`
	WaitReceiverTimeoutMs int  `mapstructure:"wait_receiver_timeout_ms" yaml:"wait_receiver_timeout_ms"`
	SendBlockTimeoutMs    int  `mapstructure:"send_block_timeout_ms" yaml:"send_block_timeout_ms"`
	MaxErrors             int  `mapstructure:"max_errors" yaml:"max_errors"`
}

// LogConfig controls logging
type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() Config {
	return Config{
		ConfigVersion: CurrentConfigVersion,
		Connection: ConnectionConfig{
			Driver:        serial.DriverSerial,
			Address:       "/dev/ttyUSB0",
			Baud:          115200,
			ReadTimeoutMs: 100,
		},
		Firmware: FirmwareConfig{
			Dialect:    firmware.Grbl{}.Name(),
			BufferSize: 0,
		},
		Streaming: StreamingConfig{
			SingleStep: false,
			EventQueue: 64,
		},
		XModem: XModemConfig{
			CRC:                   true,
			LongBlocks:            false,
			BlockTimeoutMs:        int(protocol.BlockTimeout / time.Millisecond),
			RequestTimeoutMs:      int(protocol.RequestTimeout / time.Millisecond),
			WaitReceiverTimeoutMs: int(protocol.WaitForReceiverTimeout / time.Millisecond),
			SendBlockTimeoutMs:    int(protocol.SendBlockTimeout / time.Millisecond),
			MaxErrors:             protocol.MaxErrors,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// DefaultConfigPath returns the standard config path
func DefaultConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".gcodelink", "config.yaml"), nil
}

// Validate checks values that would only fail later at connect time
func (c Config) Validate() error {
	switch c.Connection.Driver {
	case serial.DriverSerial, serial.DriverTCP, serial.DriverSim:
	default:
		return fmt.Errorf("unsupported connection.driver %q", c.Connection.Driver)
	}
	if c.Connection.Driver != serial.DriverSim && strings.TrimSpace(c.Connection.Address) == "" {
		return fmt.Errorf("connection.address is required for driver %s", c.Connection.Driver)
	}
	if c.Connection.Driver == serial.DriverSerial && c.Connection.Baud <= 0 {
		return fmt.Errorf("connection.baud must be positive, got %d", c.Connection.Baud)
	}
	if c.Connection.ReadTimeoutMs < 0 {
		return fmt.Errorf("connection.read_timeout_ms must not be negative")
	}
	if _, err := firmware.Lookup(c.Firmware.Dialect); err != nil {
		return fmt.Errorf("firmware.dialect: %w", err)
	}
	if c.Firmware.BufferSize < 0 {
		return fmt.Errorf("firmware.buffer_size must not be negative")
	}
	if c.Streaming.EventQueue < 0 {
		return fmt.Errorf("streaming.event_queue must not be negative")
	}
	if c.XModem.MaxErrors < 0 {
		return fmt.Errorf("xmodem.max_errors must not be negative")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

// SerialConfig returns the transport settings
func (c Config) SerialConfig() *serial.Config {
	return &serial.Config{
		Driver:      c.Connection.Driver,
		Address:     c.Connection.Address,
		Baud:        c.Connection.Baud,
		ReadTimeout: c.Connection.ReadTimeoutMs,
	}
}

// Dialect returns the configured controller dialect
func (c Config) Dialect() (firmware.Dialect, error) {
	return firmware.Lookup(c.Firmware.Dialect)
}

// XModemConfig returns the transfer parameters. Zero values fall back to
// the protocol defaults.
func (c Config) XModemConfig() protocol.Config {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return protocol.Config{
		BlockTimeout:           ms(c.XModem.BlockTimeoutMs),
		RequestTimeout:         ms(c.XModem.RequestTimeoutMs),
		WaitForReceiverTimeout: ms(c.XModem.WaitReceiverTimeoutMs),
		SendBlockTimeout:       ms(c.XModem.SendBlockTimeoutMs),
		MaxErrors:              c.XModem.MaxErrors,
	}
}

// CommunicatorOptions assembles the communicator settings
func (c Config) CommunicatorOptions(logger pslog.Logger) (communicator.Options, error) {
	dialect, err := c.Dialect()
	if err != nil {
		return communicator.Options{}, err
	}
	return communicator.Options{
		Dialect:    dialect,
		BufferSize: c.Firmware.BufferSize,
		SingleStep: c.Streaming.SingleStep,
		EventQueue: c.Streaming.EventQueue,
		XModem:     c.XModemConfig(),
		Logger:     logger,
	}, nil
}

package protocol

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"pkt.systems/pslog"
)

// Source is the inbound byte stream of a transfer
type Source interface {
	// WaitByte returns the next byte or ErrTimeout once deadline passes
	WaitByte(ctx context.Context, deadline time.Time) (byte, error)

	// Reset discards any unread bytes
	Reset()
}

// Config holds XModem session parameters
type Config struct {
	BlockTimeout           time.Duration
	RequestTimeout         time.Duration
	WaitForReceiverTimeout time.Duration
	SendBlockTimeout       time.Duration
	MaxErrors              int

	// OnBlock is called after every block the counterpart accepted (send)
	// or that was written to the sink (receive)
	OnBlock func(block int, bytes int64)
}

// DefaultConfig returns the standard XModem timeouts and retry limit
func DefaultConfig() Config {
	return Config{
		BlockTimeout:           BlockTimeout,
		RequestTimeout:         RequestTimeout,
		WaitForReceiverTimeout: WaitForReceiverTimeout,
		SendBlockTimeout:       SendBlockTimeout,
		MaxErrors:              MaxErrors,
	}
}

// XModem runs one transfer at a time over a byte source and sink.
// Every outbound byte is handed to the sink individually.
type XModem struct {
	in  Source
	out io.ByteWriter
	cfg Config
	log pslog.Logger
}

// Option configures an XModem
type Option func(*XModem)

// WithConfig replaces the session parameters. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(x *XModem) {
		def := DefaultConfig()
		if cfg.BlockTimeout <= 0 {
			cfg.BlockTimeout = def.BlockTimeout
		}
		if cfg.RequestTimeout <= 0 {
			cfg.RequestTimeout = def.RequestTimeout
		}
		if cfg.WaitForReceiverTimeout <= 0 {
			cfg.WaitForReceiverTimeout = def.WaitForReceiverTimeout
		}
		if cfg.SendBlockTimeout <= 0 {
			cfg.SendBlockTimeout = def.SendBlockTimeout
		}
		if cfg.MaxErrors <= 0 {
			cfg.MaxErrors = def.MaxErrors
		}
		x.cfg = cfg
	}
}

// WithLogger sets the session logger
func WithLogger(logger pslog.Logger) Option {
	return func(x *XModem) {
		if logger != nil {
			x.log = logger
		}
	}
}

// NewXModem creates a session reading from in and writing to out
func NewXModem(in Source, out io.ByteWriter, opts ...Option) *XModem {
	x := &XModem{
		in:  in,
		out: out,
		cfg: DefaultConfig(),
		log: pslog.Ctx(context.Background()),
	}
	for _, opt := range opts {
		opt(x)
	}
	return x
}

// TrimPadding removes the trailing pad bytes of a received payload
func TrimPadding(data []byte) []byte {
	return bytes.TrimRight(data, string([]byte{CPMEOF}))
}

// write sends bytes one at a time
func (x *XModem) write(data ...byte) error {
	for _, b := range data {
		if err := x.out.WriteByte(b); err != nil {
			return fmt.Errorf("xmodem: write: %w", err)
		}
	}
	return nil
}

// cancel tells the counterpart to give up, best effort
func (x *XModem) cancel() {
	if err := x.write(CAN, CAN); err != nil {
		x.log.Debug("xmodem cancel not sent", "err", err)
	}
}

// readByte waits for the next inbound byte until the timer expires
func (x *XModem) readByte(ctx context.Context, timer *Timer) (byte, error) {
	return x.in.WaitByte(ctx, timer.Deadline())
}

// aborted converts a context error into a transfer abort
func (x *XModem) aborted(err error) error {
	x.cancel()
	return fmt.Errorf("%w: %w", ErrAborted, err)
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

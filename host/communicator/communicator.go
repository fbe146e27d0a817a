package communicator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"gcodelink/host/firmware"
	"gcodelink/host/gcode"
	"gcodelink/host/serial"
	"gcodelink/protocol"

	"pkt.systems/pslog"
)

// transferBufferSize holds several long XModem frames
const transferBufferSize = 8192

// Options configures a Communicator
type Options struct {
	// Dialect defaults to GRBL
	Dialect firmware.Dialect

	// BufferSize overrides the dialect's controller buffer when positive
	BufferSize int

	SingleStep bool

	// EventQueue presizes the event queue
	EventQueue int

	XModem protocol.Config

	Logger pslog.Logger
}

// TransferOptions selects the XModem variant for one transfer
type TransferOptions struct {
	// LongBlocks sends 1024 byte blocks
	LongBlocks bool

	// CRC requests CRC-16 checksums when receiving
	CRC bool

	// Command is written as a line after the transport switched to binary
	// mode, for controllers that start a transfer on request
	Command string
}

// Communicator connects the streaming engine to a transport and fans out
// events to listeners
type Communicator struct {
	opts   Options
	log    pslog.Logger
	engine *Buffered
	events *Dispatcher
	router *Router
	open   func(cfg *serial.Config) (serial.Port, error)

	// mu is taken before the engine lock, never after it
	mu             sync.Mutex
	connected      bool
	stopChan       chan struct{}
	doneChan       chan struct{}
	transferCancel context.CancelCauseFunc

	// writeMutex guards port; the engine writes while holding its own lock
	writeMutex sync.Mutex
	port       serial.Port
}

// New creates a disconnected Communicator
func New(opts Options) (*Communicator, error) {
	if opts.Logger == nil {
		opts.Logger = pslog.Ctx(context.Background())
	}
	if opts.Dialect == nil {
		opts.Dialect = firmware.Grbl{}
	}

	c := &Communicator{
		opts:   opts,
		log:    opts.Logger,
		events: NewDispatcher(opts.EventQueue, opts.Logger),
		open:   serial.Open,
	}
	c.engine = NewBuffered(portWriter{c}, opts.Dialect, c.events, opts.Logger.With("component", "streamer"))
	c.router = NewRouter(c.handleLine)

	if opts.BufferSize > 0 {
		if err := c.engine.SetBufferSize(opts.BufferSize); err != nil {
			c.events.Close()
			return nil, err
		}
	}
	c.engine.SetSingleStepMode(opts.SingleStep)

	return c, nil
}

// Connect opens the transport described by cfg and starts reading responses
func (c *Communicator) Connect(cfg *serial.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected {
		return ErrAlreadyConnected
	}
	if cfg == nil {
		return &ConnectionError{Err: errors.New("config cannot be nil")}
	}

	port, err := c.open(cfg)
	if err != nil {
		cerr := &ConnectionError{Driver: cfg.Driver, Address: cfg.Address, Err: err}
		c.events.Dispatch(Event{Type: EventError, Err: cerr})
		return cerr
	}

	c.engine.CancelSend()
	c.events.Reset()

	c.writeMutex.Lock()
	c.port = port
	c.writeMutex.Unlock()
	c.connected = true
	c.stopChan = make(chan struct{})
	c.doneChan = make(chan struct{})

	go c.readLoop(port, c.stopChan, c.doneChan)

	c.log.Info("connected", "driver", cfg.Driver, "address", cfg.Address, "baud", cfg.Baud)
	c.events.Dispatch(Event{Type: EventConnected})
	return nil
}

// Disconnect cancels streaming and closes the transport
func (c *Communicator) Disconnect() error {
	c.engine.CancelSend()

	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil
	}
	if c.transferCancel != nil {
		c.transferCancel(ErrNotConnected)
	}
	stopChan, doneChan := c.stopChan, c.doneChan
	c.connected = false
	c.writeMutex.Lock()
	port := c.port
	c.port = nil
	c.writeMutex.Unlock()
	c.mu.Unlock()

	// The read loop may still call into the engine, so it is stopped
	// without holding the lock
	close(stopChan)
	err := port.Close()
	<-doneChan

	c.log.Info("disconnected")
	c.events.Dispatch(Event{Type: EventDisconnected})
	return err
}

// Close disconnects and stops event delivery
func (c *Communicator) Close() error {
	err := c.Disconnect()
	c.events.Close()
	return err
}

// IsConnected returns whether a transport is open
func (c *Communicator) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// AddListener registers l and returns a function removing it
func (c *Communicator) AddListener(l Listener) (remove func()) {
	return c.events.AddListener(l)
}

// SyncEvents waits until every event raised so far was delivered
func (c *Communicator) SyncEvents(ctx context.Context) error {
	return c.events.Sync(ctx)
}

// Engine returns the streaming engine
func (c *Communicator) Engine() *Buffered {
	return c.engine
}

// QueueCommand queues cmd ahead of any stream
func (c *Communicator) QueueCommand(cmd *gcode.Command) {
	c.engine.QueueCommand(cmd)
}

// QueueStream installs a command stream
func (c *Communicator) QueueStream(s gcode.Stream) {
	c.engine.QueueStream(s)
}

// StreamCommands sends while the controller has room. Nothing is sent
// while an XModem transfer owns the transport.
func (c *Communicator) StreamCommands() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.commandModeLocked(); err != nil {
		return err
	}
	return c.engine.StreamCommands()
}

func (c *Communicator) PauseSend() { c.engine.PauseSend() }

func (c *Communicator) ResumeSend() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.commandModeLocked(); err != nil {
		return err
	}
	return c.engine.ResumeSend()
}

// commandModeLocked reports why command text may not be written now
func (c *Communicator) commandModeLocked() error {
	if !c.connected {
		return ErrNotConnected
	}
	if c.transferCancel != nil {
		return ErrTransferActive
	}
	return nil
}

// Err returns the latched write failure, if any. It stays set until
// CancelSend or ResetBuffers.
func (c *Communicator) Err() error { return c.engine.Err() }

func (c *Communicator) IsPaused() bool { return c.engine.IsPaused() }

func (c *Communicator) CancelSend() { c.engine.CancelSend() }

func (c *Communicator) NumActiveCommands() int { return c.engine.NumActiveCommands() }

func (c *Communicator) AreActiveCommands() bool { return c.engine.AreActiveCommands() }

func (c *Communicator) ActiveCommandSummary() string { return c.engine.ActiveCommandSummary() }

func (c *Communicator) SingleStepMode() bool { return c.engine.SingleStepMode() }

func (c *Communicator) SetSingleStepMode(enabled bool) { c.engine.SetSingleStepMode(enabled) }

// ResetBuffers clears active commands and undelivered events
func (c *Communicator) ResetBuffers() {
	c.engine.ResetBuffers()
	c.events.Reset()
}

// SendByteImmediately writes b ahead of any queued command
func (c *Communicator) SendByteImmediately(b byte) error {
	_, err := c.write([]byte{b})
	return err
}

// SoftReset resets the controller and forgets all commands
func (c *Communicator) SoftReset() error {
	if err := c.SendByteImmediately(firmware.SoftReset); err != nil {
		return err
	}
	c.engine.CancelSend()
	c.ResetBuffers()
	return nil
}

// XModemSend uploads payload to the controller
func (c *Communicator) XModemSend(ctx context.Context, payload io.Reader, opts TransferOptions) error {
	x, tctx, end, err := c.beginTransfer(ctx, opts)
	if err != nil {
		return err
	}
	defer end()

	start := time.Now()
	if err := x.Send(tctx, payload, opts.LongBlocks); err != nil {
		return c.transferError(tctx, err)
	}
	c.log.Info("xmodem upload finished", "elapsed", time.Since(start).String())
	return nil
}

// XModemReceive downloads a file from the controller into sink. The last
// block keeps its padding.
func (c *Communicator) XModemReceive(ctx context.Context, sink io.Writer, opts TransferOptions) (int64, error) {
	x, tctx, end, err := c.beginTransfer(ctx, opts)
	if err != nil {
		return 0, err
	}
	defer end()

	start := time.Now()
	n, err := x.Receive(tctx, sink, opts.CRC)
	if err != nil {
		return n, c.transferError(tctx, err)
	}
	c.log.Info("xmodem download finished", "bytes", n, "elapsed", time.Since(start).String())
	return n, nil
}

// beginTransfer switches the router to binary mode for one XModem session
func (c *Communicator) beginTransfer(ctx context.Context, opts TransferOptions) (*protocol.XModem, context.Context, func(), error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, nil, nil, ErrNotConnected
	}
	if c.transferCancel != nil {
		c.mu.Unlock()
		return nil, nil, nil, ErrTransferActive
	}
	if c.engine.AreActiveCommands() || c.engine.NumQueuedCommands() > 0 {
		c.mu.Unlock()
		return nil, nil, nil, ErrBusy
	}
	tctx, cancel := context.WithCancelCause(ctx)
	c.transferCancel = cancel
	c.mu.Unlock()

	rb := protocol.NewRingBuffer(transferBufferSize)
	c.router.BeginTransfer(rb)

	end := func() {
		c.router.EndTransfer()
		cancel(nil)
		c.mu.Lock()
		c.transferCancel = nil
		c.mu.Unlock()
	}

	cfg := c.opts.XModem
	onBlock := cfg.OnBlock
	cfg.OnBlock = func(block int, bytes int64) {
		if onBlock != nil {
			onBlock(block, bytes)
		}
		c.events.Dispatch(Event{Type: EventTransferProgress, Block: block, Bytes: bytes})
	}
	x := protocol.NewXModem(rb, immediateWriter{c},
		protocol.WithConfig(cfg),
		protocol.WithLogger(c.log.With("component", "xmodem")))

	if opts.Command != "" {
		if _, err := c.write([]byte(opts.Command + "\n")); err != nil {
			end()
			return nil, nil, nil, err
		}
	}

	return x, tctx, end, nil
}

// transferError attaches the reason a transfer was cut short by the host
func (c *Communicator) transferError(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) && !errors.Is(err, cause) {
		err = fmt.Errorf("%w: %w", err, cause)
	}
	c.log.Error("xmodem transfer failed", "err", err)
	c.events.Dispatch(Event{Type: EventError, Err: err})
	return err
}

// abortTransfer stops a running transfer from the read loop
func (c *Communicator) abortTransfer(cause error) {
	c.mu.Lock()
	cancel := c.transferCancel
	c.mu.Unlock()
	if cancel != nil {
		cancel(cause)
	}
}

// handleLine receives response lines from the router
func (c *Communicator) handleLine(line string) {
	c.log.Trace("response", "line", line)
	if err := c.engine.HandleResponseMessage(line); err != nil {
		c.log.Error("streaming stopped", "err", err)
	}
}

// readLoop continuously reads from the transport and routes the data
func (c *Communicator) readLoop(port serial.Port, stopChan, doneChan chan struct{}) {
	defer close(doneChan)

	buffer := make([]byte, 256)

	for {
		select {
		case <-stopChan:
			return
		default:
		}

		n, err := port.Read(buffer)
		if n > 0 {
			if ferr := c.router.Feed(buffer[:n]); ferr != nil {
				c.log.Error("transfer buffer overrun", "err", ferr)
				c.abortTransfer(ferr)
			}
		}
		if err != nil {
			if isClosed(err) {
				select {
				case <-stopChan:
				default:
					c.log.Error("transport closed", "err", err)
					c.events.Dispatch(Event{Type: EventError, Err: fmt.Errorf("transport closed: %w", err)})
				}
				return
			}
			c.log.Warn("transport read failed", "err", err)
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) ||
		errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// write sends raw bytes to the transport
func (c *Communicator) write(b []byte) (int, error) {
	c.writeMutex.Lock()
	defer c.writeMutex.Unlock()

	if c.port == nil {
		return 0, ErrNotConnected
	}

	n, err := c.port.Write(b)
	if err != nil {
		return n, err
	}
	if n != len(b) {
		return n, fmt.Errorf("incomplete write: %d/%d bytes", n, len(b))
	}
	return n, nil
}

// portWriter is the engine's view of the transport
type portWriter struct {
	c *Communicator
}

func (w portWriter) Write(b []byte) (int, error) {
	return w.c.write(b)
}

// immediateWriter hands XModem bytes to the transport one at a time
type immediateWriter struct {
	c *Communicator
}

func (w immediateWriter) WriteByte(b byte) error {
	return w.c.SendByteImmediately(b)
}

package communicator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"gcodelink/host/firmware"
	"gcodelink/host/gcode"

	"pkt.systems/pslog"
)

// credit tracks bytes sent to the controller that it has not acknowledged.
// It is only touched with the engine lock held.
type credit struct {
	used     int
	capacity int
}

func (c *credit) fits(n int) bool { return c.used+n <= c.capacity }
func (c *credit) add(n int)       { c.used += n }
func (c *credit) reset()          { c.used = 0 }

func (c *credit) release(n int) {
	c.used -= n
	if c.used < 0 {
		c.used = 0
	}
}

// Buffered streams commands to a controller without overrunning its
// receive buffer. Commands queued with QueueCommand are sent before rows of
// the installed Stream. Responses are matched to commands in send order.
//
// Every exported method holds a single engine lock, so StreamCommands may
// run on the caller's goroutine while HandleResponseMessage runs on the
// transport reader.
type Buffered struct {
	mu sync.Mutex

	out     io.Writer
	dialect firmware.Dialect
	events  EventSink
	log     pslog.Logger
	now     func() time.Time

	pending    []*gcode.Command
	active     []*gcode.Command
	stream     gcode.Stream
	next       *gcode.Command
	credit     credit
	paused     bool
	singleStep bool

	// fatal latches a transport write failure
	fatal error
}

// NewBuffered creates an engine writing command lines to out
func NewBuffered(out io.Writer, dialect firmware.Dialect, events EventSink, logger pslog.Logger) *Buffered {
	if dialect == nil {
		dialect = firmware.Grbl{}
	}
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Buffered{
		out:     out,
		dialect: dialect,
		events:  events,
		log:     logger,
		now:     time.Now,
		credit:  credit{capacity: dialect.BufferSize()},
	}
}

// SetBufferSize overrides the controller buffer capacity
func (b *Buffered) SetBufferSize(size int) error {
	if size <= 0 {
		return fmt.Errorf("buffer size must be positive, got %d", size)
	}
	b.mu.Lock()
	b.credit.capacity = size
	b.mu.Unlock()
	return nil
}

// BufferSize returns the controller buffer capacity
func (b *Buffered) BufferSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.credit.capacity
}

// Outstanding returns the bytes sent but not yet acknowledged
func (b *Buffered) Outstanding() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.credit.used
}

// QueueCommand appends cmd to the manual queue. Nothing is sent until
// StreamCommands runs.
func (b *Buffered) QueueCommand(cmd *gcode.Command) {
	b.mu.Lock()
	b.pending = append(b.pending, cmd)
	b.mu.Unlock()
}

// QueueStream installs s as the lower priority command source. A previously
// installed stream is closed without being drained.
func (b *Buffered) QueueStream(s gcode.Stream) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeStream()
	b.stream = s
}

// StreamCommands sends queued commands while the controller has room.
// A non-nil error means a write to the transport failed; the engine then
// refuses to send until CancelSend or ResetBuffers.
func (b *Buffered) StreamCommands() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.streamCommands()
}

func (b *Buffered) streamCommands() error {
	if b.fatal != nil {
		return b.fatal
	}

	for {
		cmd := b.nextCommand()
		if cmd == nil || b.paused {
			return nil
		}

		n := cmd.WireLen()
		if n > b.credit.capacity {
			b.next = nil
			b.log.Error("command longer than controller buffer dropped",
				"command", cmd.Text(), "bytes", n, "buffer", b.credit.capacity)
			cmd.AppendResponse("command exceeds controller buffer")
			cmd.Complete(true, b.now())
			b.dispatch(Event{Type: EventCommandComplete, Command: cmd})
			continue
		}

		if !b.credit.fits(n) || (b.singleStep && len(b.active) > 0) {
			return nil
		}

		b.active = append(b.active, cmd)
		b.credit.add(n)
		b.next = nil

		if _, err := io.WriteString(b.out, cmd.Text()+"\n"); err != nil {
			b.fatal = fmt.Errorf("%w: %q: %w", ErrWriteFailed, cmd.Text(), err)
			b.log.Error("command write failed", "command", cmd.Text(), "err", err)
			b.dispatch(Event{Type: EventError, Command: cmd, Err: b.fatal})
			return b.fatal
		}

		cmd.MarkSent(b.now())
		b.log.Debug("command sent", "command", cmd.Text(), "outstanding", b.credit.used)
		b.dispatch(Event{Type: EventCommandSent, Command: cmd})
	}
}

// nextCommand returns the cached command, else the head of the manual
// queue, else the next stream row
func (b *Buffered) nextCommand() *gcode.Command {
	if b.next != nil {
		return b.next
	}

	if len(b.pending) > 0 {
		b.next = b.pending[0]
		b.pending[0] = nil
		b.pending = b.pending[1:]
		return b.next
	}

	if b.stream != nil && b.stream.Ready() {
		cmd, err := b.stream.Next()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				// The remaining rows are unreachable
				err = fmt.Errorf("stream read failed: %w", err)
				b.log.Error("stream dropped", "err", err)
				b.dispatch(Event{Type: EventError, Err: err})
				b.closeStream()
			}
			return nil
		}
		b.next = cmd
	}

	return b.next
}

// Err returns the latched write failure. It is also raised as EventError,
// but a failure while restreaming from HandleResponseMessage has no other
// caller to report to.
func (b *Buffered) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fatal
}

// PauseSend stops new sends; active commands still complete
func (b *Buffered) PauseSend() {
	b.mu.Lock()
	b.paused = true
	b.mu.Unlock()
}

// ResumeSend clears the pause and continues streaming
func (b *Buffered) ResumeSend() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = false
	return b.streamCommands()
}

// IsPaused reports whether sending is paused
func (b *Buffered) IsPaused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// CancelSend forgets every queued and active command and closes the stream.
// The controller is not notified.
func (b *Buffered) CancelSend() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.next = nil
	b.pending = nil
	b.active = nil
	b.closeStream()
	b.paused = false
	b.credit.reset()
	b.fatal = nil
}

// ResetBuffers clears the active list, e.g. after reconnecting
func (b *Buffered) ResetBuffers() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.active = nil
	b.credit.reset()
	b.fatal = nil
}

// HandleResponseMessage applies one response line to the oldest active
// command and forwards it to listeners as a raw response
func (b *Buffered) HandleResponseMessage(line string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var err error
	if len(b.active) > 0 {
		err = b.handleActive(line)
	}
	b.dispatch(Event{Type: EventRawResponse, Line: line})
	return err
}

func (b *Buffered) handleActive(line string) error {
	kind := b.dialect.Classify(line)
	if kind == firmware.Ignore {
		return nil
	}

	cmd := b.active[0]
	cmd.AppendResponse(line)

	switch kind {
	case firmware.OK:
		cmd.Complete(false, b.now())
	case firmware.Error:
		cmd.Complete(true, b.now())
	}

	if !cmd.Done() {
		return nil
	}
	b.dispatch(Event{Type: EventCommandComplete, Command: cmd})

	// Stop feeding a controller in an error state while work remains
	if cmd.Failed() && (len(b.active) > 1 || b.next != nil || b.streamRows() > 0 || len(b.pending) > 0) {
		b.paused = true
		b.log.Warn("streaming paused on error", "command", cmd.Text(), "response", line)
		b.dispatch(Event{Type: EventPausedOnError, Command: cmd})
	}

	b.active[0] = nil
	b.active = b.active[1:]
	b.credit.release(cmd.WireLen())
	b.log.Debug("command complete", "command", cmd.Text(), "failed", cmd.Failed(), "outstanding", b.credit.used)

	if !b.paused {
		return b.streamCommands()
	}
	return nil
}

// NumActiveCommands counts sent, streamed and cached commands that have not
// completed. Manually queued commands that were never picked are not counted.
func (b *Buffered) NumActiveCommands() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.active) + b.streamRows()
	if b.next != nil {
		n++
	}
	return n
}

// AreActiveCommands reports whether any work remains
func (b *Buffered) AreActiveCommands() bool {
	return b.NumActiveCommands() > 0
}

// NumQueuedCommands returns the number of manual commands not yet picked
func (b *Buffered) NumQueuedCommands() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// ActiveCommandSummary describes the active commands and remaining rows
func (b *Buffered) ActiveCommandSummary() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	parts := make([]string, 0, len(b.active)+1)
	for _, cmd := range b.active {
		parts = append(parts, cmd.Text())
	}
	if b.stream != nil {
		parts = append(parts, strconv.Itoa(b.stream.RowsRemaining())+" streaming commands.")
	}
	return strings.Join(parts, ", ")
}

// SingleStepMode reports whether at most one command is sent at a time
func (b *Buffered) SingleStepMode() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.singleStep
}

// SetSingleStepMode toggles single step mode
func (b *Buffered) SetSingleStepMode(enabled bool) {
	b.mu.Lock()
	b.singleStep = enabled
	b.mu.Unlock()
}

func (b *Buffered) streamRows() int {
	if b.stream == nil {
		return 0
	}
	return b.stream.RowsRemaining()
}

func (b *Buffered) closeStream() {
	if b.stream == nil {
		return
	}
	if err := b.stream.Close(); err != nil {
		b.log.Warn("stream close failed", "err", err)
	}
	b.stream = nil
}

func (b *Buffered) dispatch(ev Event) {
	if b.events != nil {
		b.events.Dispatch(ev)
	}
}

package communicator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"gcodelink/host/firmware"
	"gcodelink/host/gcode"

	"golang.org/x/sync/errgroup"
	"pkt.systems/pslog"
)

func testLogger() pslog.Logger {
	return pslog.NewWithOptions(io.Discard, pslog.Options{
		Mode:    pslog.ModeStructured,
		NoColor: true,
	})
}

// lineWriter records each command line written by the engine
type lineWriter struct {
	mu    sync.Mutex
	lines []string
	err   error
}

func (w *lineWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return 0, w.err
	}
	w.lines = append(w.lines, strings.TrimSuffix(string(b), "\n"))
	return len(b), nil
}

func (w *lineWriter) written() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.lines...)
}

// recorder is a synchronous EventSink
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Dispatch(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) count(t EventType) int {
	n := 0
	for _, typ := range r.types() {
		if typ == t {
			n++
		}
	}
	return n
}

func (r *recorder) clear() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}

func newTestEngine(t *testing.T, capacity int) (*Buffered, *lineWriter, *recorder) {
	t.Helper()
	w := &lineWriter{}
	rec := &recorder{}
	b := NewBuffered(w, firmware.Grbl{}, rec, testLogger())
	if capacity > 0 {
		if err := b.SetBufferSize(capacity); err != nil {
			t.Fatalf("SetBufferSize failed: %v", err)
		}
	}
	return b, w, rec
}

func equalLines(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestBufferedDefaultsToDialectBuffer(t *testing.T) {
	b := NewBuffered(&lineWriter{}, firmware.Smoothie{}, nil, testLogger())
	if b.BufferSize() != 128 {
		t.Errorf("Expected buffer size 128, got %d", b.BufferSize())
	}
	if err := b.SetBufferSize(0); err == nil {
		t.Error("Expected error for zero buffer size")
	}
}

func TestBufferedRespectsCapacity(t *testing.T) {
	b, w, _ := newTestEngine(t, 10)

	for _, line := range []string{"G0X1", "G0X2", "G0X3"} {
		b.QueueCommand(gcode.NewCommand(line))
	}
	if err := b.StreamCommands(); err != nil {
		t.Fatalf("StreamCommands failed: %v", err)
	}

	if got := w.written(); !equalLines(got, []string{"G0X1", "G0X2"}) {
		t.Errorf("Expected two commands sent, got %v", got)
	}
	if b.Outstanding() != 10 {
		t.Errorf("Expected 10 bytes outstanding, got %d", b.Outstanding())
	}
	// The third command is cached for the next attempt
	if b.NumActiveCommands() != 3 {
		t.Errorf("Expected 3 active commands, got %d", b.NumActiveCommands())
	}
	if b.NumQueuedCommands() != 0 {
		t.Errorf("Expected 0 queued commands, got %d", b.NumQueuedCommands())
	}

	if err := b.HandleResponseMessage("ok"); err != nil {
		t.Fatalf("HandleResponseMessage failed: %v", err)
	}
	if got := w.written(); !equalLines(got, []string{"G0X1", "G0X2", "G0X3"}) {
		t.Errorf("Expected third command after ok, got %v", got)
	}
	if b.Outstanding() != 10 {
		t.Errorf("Expected 10 bytes outstanding, got %d", b.Outstanding())
	}
}

func TestBufferedExactFit(t *testing.T) {
	b, w, _ := newTestEngine(t, 5)

	b.QueueCommand(gcode.NewCommand("G0X1"))
	if err := b.StreamCommands(); err != nil {
		t.Fatalf("StreamCommands failed: %v", err)
	}
	if len(w.written()) != 1 {
		t.Errorf("Expected command filling the buffer exactly to be sent, got %v", w.written())
	}
}

func TestBufferedSingleStep(t *testing.T) {
	b, w, _ := newTestEngine(t, 0)
	b.SetSingleStepMode(true)
	if !b.SingleStepMode() {
		t.Fatal("Expected single step mode")
	}

	b.QueueStream(gcode.NewSliceStream("G0 X1", "G0 X2", "G0 X3"))
	if err := b.StreamCommands(); err != nil {
		t.Fatalf("StreamCommands failed: %v", err)
	}
	if got := w.written(); len(got) != 1 {
		t.Fatalf("Expected one command in single step mode, got %v", got)
	}

	for i := 2; i <= 3; i++ {
		if err := b.HandleResponseMessage("ok"); err != nil {
			t.Fatalf("HandleResponseMessage failed: %v", err)
		}
		if got := w.written(); len(got) != i {
			t.Errorf("Expected %d commands after ok, got %v", i, got)
		}
	}
}

func TestBufferedCompletesInOrder(t *testing.T) {
	b, _, rec := newTestEngine(t, 0)

	cmds := []*gcode.Command{
		gcode.NewCommand("G0 X1"),
		gcode.NewCommand("$G"),
		gcode.NewCommand("G0 X2"),
	}
	for _, cmd := range cmds {
		b.QueueCommand(cmd)
	}
	if err := b.StreamCommands(); err != nil {
		t.Fatalf("StreamCommands failed: %v", err)
	}

	for _, line := range []string{"ok", "[GC:G0 G54 G17]", "ok", "<Idle|MPos:0,0,0>", "ok"} {
		if err := b.HandleResponseMessage(line); err != nil {
			t.Fatalf("HandleResponseMessage(%q) failed: %v", line, err)
		}
	}

	for i, cmd := range cmds {
		if !cmd.Done() || cmd.Failed() {
			t.Errorf("Command %d: expected done without failure", i)
		}
	}
	if got := cmds[1].Response(); got != "[GC:G0 G54 G17]\nok" {
		t.Errorf("Expected info line attached to second command, got %q", got)
	}
	if got := cmds[2].Response(); got != "ok" {
		t.Errorf("Expected status report to be ignored, got %q", got)
	}
	if rec.count(EventRawResponse) != 5 {
		t.Errorf("Expected 5 raw responses, got %d", rec.count(EventRawResponse))
	}
	if rec.count(EventCommandComplete) != 3 {
		t.Errorf("Expected 3 completions, got %d", rec.count(EventCommandComplete))
	}
	if b.NumActiveCommands() != 0 || b.Outstanding() != 0 {
		t.Errorf("Expected idle engine, got %d active, %d outstanding", b.NumActiveCommands(), b.Outstanding())
	}
}

func TestBufferedUnsolicitedResponse(t *testing.T) {
	b, _, rec := newTestEngine(t, 0)

	if err := b.HandleResponseMessage("Grbl 1.1h ['$' for help]"); err != nil {
		t.Fatalf("HandleResponseMessage failed: %v", err)
	}
	if got := rec.types(); len(got) != 1 || got[0] != EventRawResponse {
		t.Errorf("Expected only a raw response event, got %v", got)
	}
}

func TestBufferedPendingBeforeStream(t *testing.T) {
	b, w, _ := newTestEngine(t, 0)

	b.QueueStream(gcode.NewSliceStream("G1 X1", "G1 X2"))
	b.QueueCommand(gcode.NewCommand("M3 S100"))
	if err := b.StreamCommands(); err != nil {
		t.Fatalf("StreamCommands failed: %v", err)
	}

	want := []string{"M3 S100", "G1 X1", "G1 X2"}
	if got := w.written(); !equalLines(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestBufferedPausesOnError(t *testing.T) {
	b, w, rec := newTestEngine(t, 0)

	b.QueueStream(gcode.NewSliceStream("G0 X1", "G0 X2", "G0 X3"))
	if err := b.StreamCommands(); err != nil {
		t.Fatalf("StreamCommands failed: %v", err)
	}
	rec.clear()

	if err := b.HandleResponseMessage("error:20"); err != nil {
		t.Fatalf("HandleResponseMessage failed: %v", err)
	}
	if !b.IsPaused() {
		t.Fatal("Expected engine to pause on error with work remaining")
	}

	want := []EventType{EventCommandComplete, EventPausedOnError, EventRawResponse}
	got := rec.types()
	if len(got) != len(want) {
		t.Fatalf("Expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Event %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	// Active commands still complete while paused
	if err := b.HandleResponseMessage("ok"); err != nil {
		t.Fatalf("HandleResponseMessage failed: %v", err)
	}
	if b.NumActiveCommands() != 1 {
		t.Errorf("Expected 1 active command, got %d", b.NumActiveCommands())
	}

	b.QueueCommand(gcode.NewCommand("G0 X4"))
	if err := b.StreamCommands(); err != nil {
		t.Fatalf("StreamCommands failed: %v", err)
	}
	if len(w.written()) != 3 {
		t.Errorf("Expected nothing sent while paused, got %v", w.written())
	}

	if err := b.ResumeSend(); err != nil {
		t.Fatalf("ResumeSend failed: %v", err)
	}
	if b.IsPaused() {
		t.Error("Expected resumed engine")
	}
	if got := w.written(); len(got) != 4 || got[3] != "G0 X4" {
		t.Errorf("Expected queued command after resume, got %v", got)
	}
}

func TestBufferedNoPauseOnLastError(t *testing.T) {
	b, _, rec := newTestEngine(t, 0)

	cmd := gcode.NewCommand("G0 X")
	b.QueueCommand(cmd)
	if err := b.StreamCommands(); err != nil {
		t.Fatalf("StreamCommands failed: %v", err)
	}
	if err := b.HandleResponseMessage("error:2"); err != nil {
		t.Fatalf("HandleResponseMessage failed: %v", err)
	}

	if b.IsPaused() {
		t.Error("Expected no pause when the failed command was the last")
	}
	if !cmd.Failed() {
		t.Error("Expected command to be marked failed")
	}
	if rec.count(EventPausedOnError) != 0 {
		t.Errorf("Expected no pause event, got %d", rec.count(EventPausedOnError))
	}
}

func TestBufferedSingleStepPausesOnError(t *testing.T) {
	b, w, rec := newTestEngine(t, 100)
	b.SetSingleStepMode(true)

	// The second row is read ahead and waits for the first to complete
	b.QueueStream(gcode.NewSliceStream("G0 X1", "G0 X2"))
	if err := b.StreamCommands(); err != nil {
		t.Fatalf("StreamCommands failed: %v", err)
	}
	if got := w.written(); !equalLines(got, []string{"G0 X1"}) {
		t.Fatalf("Expected [G0 X1], got %v", got)
	}

	if err := b.HandleResponseMessage("error:20"); err != nil {
		t.Fatalf("HandleResponseMessage failed: %v", err)
	}
	if !b.IsPaused() {
		t.Fatal("Expected pause with the next row still waiting")
	}
	if rec.count(EventPausedOnError) != 1 {
		t.Errorf("Expected one pause event, got %d", rec.count(EventPausedOnError))
	}
	if got := w.written(); len(got) != 1 {
		t.Errorf("Expected nothing sent after the error, got %v", got)
	}
	if b.NumActiveCommands() != 1 {
		t.Errorf("Expected the waiting row to count as active, got %d", b.NumActiveCommands())
	}

	if err := b.ResumeSend(); err != nil {
		t.Fatalf("ResumeSend failed: %v", err)
	}
	if got := w.written(); !equalLines(got, []string{"G0 X1", "G0 X2"}) {
		t.Errorf("Expected [G0 X1 G0 X2] after resume, got %v", got)
	}
}

func TestBufferedAlarmIsError(t *testing.T) {
	b, _, _ := newTestEngine(t, 0)

	b.QueueStream(gcode.NewSliceStream("G0 X1", "G0 X2"))
	if err := b.StreamCommands(); err != nil {
		t.Fatalf("StreamCommands failed: %v", err)
	}
	if err := b.HandleResponseMessage("ALARM:1"); err != nil {
		t.Fatalf("HandleResponseMessage failed: %v", err)
	}
	if !b.IsPaused() {
		t.Error("Expected alarm to pause streaming")
	}
}

func TestBufferedCancelSend(t *testing.T) {
	b, w, _ := newTestEngine(t, 12)

	b.QueueStream(gcode.NewSliceStream("G0 X1", "G0 X2", "G0 X3", "G0 X4"))
	b.QueueCommand(gcode.NewCommand("M5"))
	if err := b.StreamCommands(); err != nil {
		t.Fatalf("StreamCommands failed: %v", err)
	}
	b.PauseSend()

	b.CancelSend()

	if b.NumActiveCommands() != 0 {
		t.Errorf("Expected 0 active commands, got %d", b.NumActiveCommands())
	}
	if b.NumQueuedCommands() != 0 {
		t.Errorf("Expected 0 queued commands, got %d", b.NumQueuedCommands())
	}
	if b.Outstanding() != 0 {
		t.Errorf("Expected 0 bytes outstanding, got %d", b.Outstanding())
	}
	if b.IsPaused() {
		t.Error("Expected cancel to clear the pause")
	}

	sent := len(w.written())
	if err := b.StreamCommands(); err != nil {
		t.Fatalf("StreamCommands failed: %v", err)
	}
	if len(w.written()) != sent {
		t.Errorf("Expected nothing to send after cancel, got %v", w.written())
	}
}

func TestBufferedResetBuffers(t *testing.T) {
	b, _, _ := newTestEngine(t, 0)

	b.QueueStream(gcode.NewSliceStream("G0 X1", "G0 X2"))
	if err := b.StreamCommands(); err != nil {
		t.Fatalf("StreamCommands failed: %v", err)
	}
	b.ResetBuffers()

	if b.Outstanding() != 0 {
		t.Errorf("Expected 0 bytes outstanding, got %d", b.Outstanding())
	}
	if b.NumActiveCommands() != 0 {
		t.Errorf("Expected 0 active commands, got %d", b.NumActiveCommands())
	}
}

func TestBufferedWriteFailureLatched(t *testing.T) {
	b, w, rec := newTestEngine(t, 0)
	w.err = errors.New("port gone")

	b.QueueCommand(gcode.NewCommand("G0 X1"))
	err := b.StreamCommands()
	if !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("Expected ErrWriteFailed, got %v", err)
	}
	if rec.count(EventError) != 1 {
		t.Errorf("Expected one error event, got %d", rec.count(EventError))
	}

	w.mu.Lock()
	w.err = nil
	w.mu.Unlock()

	b.QueueCommand(gcode.NewCommand("G0 X2"))
	if err := b.StreamCommands(); !errors.Is(err, ErrWriteFailed) {
		t.Errorf("Expected latched ErrWriteFailed, got %v", err)
	}
	if len(w.written()) != 0 {
		t.Errorf("Expected nothing written while latched, got %v", w.written())
	}

	b.CancelSend()
	b.QueueCommand(gcode.NewCommand("G0 X3"))
	if err := b.StreamCommands(); err != nil {
		t.Fatalf("Expected streaming after cancel, got %v", err)
	}
	if got := w.written(); !equalLines(got, []string{"G0 X3"}) {
		t.Errorf("Expected [G0 X3], got %v", got)
	}
}

func TestBufferedWriteFailureWhileRestreaming(t *testing.T) {
	b, w, rec := newTestEngine(t, 0)
	b.SetSingleStepMode(true)

	b.QueueStream(gcode.NewSliceStream("G0 X1", "G0 X2"))
	if err := b.StreamCommands(); err != nil {
		t.Fatalf("StreamCommands failed: %v", err)
	}
	if b.Err() != nil {
		t.Fatalf("Expected no latched error, got %v", b.Err())
	}

	w.mu.Lock()
	w.err = errors.New("port gone")
	w.mu.Unlock()

	// The ok releases the next row, whose write fails on the reader path
	if err := b.HandleResponseMessage("ok"); !errors.Is(err, ErrWriteFailed) {
		t.Fatalf("Expected ErrWriteFailed, got %v", err)
	}
	if !errors.Is(b.Err(), ErrWriteFailed) {
		t.Errorf("Expected latched ErrWriteFailed, got %v", b.Err())
	}
	if !b.AreActiveCommands() {
		t.Error("Expected the unsent command to remain active")
	}
	if rec.count(EventError) != 1 {
		t.Errorf("Expected one error event, got %d", rec.count(EventError))
	}

	b.CancelSend()
	if b.Err() != nil {
		t.Errorf("Expected cancel to clear the error, got %v", b.Err())
	}
	if b.AreActiveCommands() {
		t.Error("Expected no active commands after cancel")
	}
}

// brokenStream fails every read after its first row
type brokenStream struct {
	rows   int
	closed bool
}

func (s *brokenStream) Ready() bool { return !s.closed }

func (s *brokenStream) Next() (*gcode.Command, error) {
	if s.rows == 0 {
		return nil, errors.New("disk read error")
	}
	s.rows--
	return gcode.NewCommand("G0 X1"), nil
}

func (s *brokenStream) RowsRemaining() int {
	if s.closed {
		return 0
	}
	return 5
}

func (s *brokenStream) Close() error {
	s.closed = true
	return nil
}

func TestBufferedStreamReadError(t *testing.T) {
	b, w, rec := newTestEngine(t, 0)

	s := &brokenStream{rows: 1}
	b.QueueStream(s)
	if err := b.StreamCommands(); err != nil {
		t.Fatalf("StreamCommands failed: %v", err)
	}

	if got := w.written(); !equalLines(got, []string{"G0 X1"}) {
		t.Errorf("Expected [G0 X1], got %v", got)
	}
	if !s.closed {
		t.Error("Expected failing stream to be closed")
	}
	if rec.count(EventError) != 1 {
		t.Errorf("Expected one error event, got %d", rec.count(EventError))
	}

	if err := b.HandleResponseMessage("ok"); err != nil {
		t.Fatalf("HandleResponseMessage failed: %v", err)
	}
	if b.AreActiveCommands() {
		t.Errorf("Expected idle engine, got %d active", b.NumActiveCommands())
	}
}

func TestBufferedDropsOversizedCommand(t *testing.T) {
	b, w, rec := newTestEngine(t, 6)

	big := gcode.NewCommand("G0 X100")
	b.QueueCommand(big)
	b.QueueCommand(gcode.NewCommand("G0X1"))
	if err := b.StreamCommands(); err != nil {
		t.Fatalf("StreamCommands failed: %v", err)
	}

	if !big.Done() || !big.Failed() {
		t.Error("Expected oversized command to fail")
	}
	if got := w.written(); !equalLines(got, []string{"G0X1"}) {
		t.Errorf("Expected only the short command sent, got %v", got)
	}
	if rec.count(EventCommandComplete) != 1 {
		t.Errorf("Expected completion event for dropped command, got %d", rec.count(EventCommandComplete))
	}
}

func TestBufferedCommentsStripped(t *testing.T) {
	b, w, _ := newTestEngine(t, 0)

	cmd := gcode.NewCommand("G0 X1 (rapid) ; move")
	b.QueueCommand(cmd)
	if err := b.StreamCommands(); err != nil {
		t.Fatalf("StreamCommands failed: %v", err)
	}
	if got := w.written(); !equalLines(got, []string{cmd.Text()}) {
		t.Errorf("Expected %q on the wire, got %v", cmd.Text(), got)
	}
	if b.Outstanding() != cmd.WireLen() {
		t.Errorf("Expected %d bytes outstanding, got %d", cmd.WireLen(), b.Outstanding())
	}
}

func TestBufferedActiveCommandSummary(t *testing.T) {
	b, _, _ := newTestEngine(t, 12)

	b.QueueStream(gcode.NewSliceStream("G0 X1", "G0 X2", "G0 X3", "G0 X4"))
	if err := b.StreamCommands(); err != nil {
		t.Fatalf("StreamCommands failed: %v", err)
	}

	want := "G0 X1, G0 X2, 1 streaming commands."
	if got := b.ActiveCommandSummary(); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
	if b.NumActiveCommands() != 4 {
		t.Errorf("Expected 4 active commands, got %d", b.NumActiveCommands())
	}
	if !b.AreActiveCommands() {
		t.Error("Expected active commands")
	}
}

func TestBufferedQueueStreamClosesPrevious(t *testing.T) {
	b, _, _ := newTestEngine(t, 0)

	first := gcode.NewSliceStream("G0 X1", "G0 X2")
	b.QueueStream(first)
	b.QueueStream(gcode.NewSliceStream("G0 X3"))

	if first.RowsRemaining() != 0 {
		t.Errorf("Expected replaced stream to be closed, got %d rows", first.RowsRemaining())
	}
	if b.NumActiveCommands() != 1 {
		t.Errorf("Expected 1 active command, got %d", b.NumActiveCommands())
	}
}

// capWriter fails the test when the controller buffer would overflow. Acks
// are counted before the engine sees them, so its view never exceeds the
// engine's.
type capWriter struct {
	mu       sync.Mutex
	capacity int
	inFlight int
	sent     chan string
	overrun  error
}

func (w *capWriter) Write(b []byte) (int, error) {
	w.mu.Lock()
	w.inFlight += len(b)
	if w.inFlight > w.capacity && w.overrun == nil {
		w.overrun = fmt.Errorf("buffer overrun: %d > %d", w.inFlight, w.capacity)
	}
	w.mu.Unlock()
	w.sent <- strings.TrimSuffix(string(b), "\n")
	return len(b), nil
}

func (w *capWriter) ack(line string) {
	w.mu.Lock()
	w.inFlight -= len(line) + 1
	w.mu.Unlock()
}

func TestBufferedConcurrentStreaming(t *testing.T) {
	const rows = 200
	lines := make([]string, rows)
	for i := range lines {
		lines[i] = fmt.Sprintf("G1 X%d Y%d", i, rows-i)
	}

	w := &capWriter{capacity: 40, sent: make(chan string, rows)}
	rec := &recorder{}
	b := NewBuffered(w, firmware.Grbl{}, rec, testLogger())
	if err := b.SetBufferSize(40); err != nil {
		t.Fatalf("SetBufferSize failed: %v", err)
	}
	b.QueueStream(gcode.NewSliceStream(lines...))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var order []string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return b.StreamCommands()
	})
	g.Go(func() error {
		for len(order) < rows {
			select {
			case line := <-w.sent:
				order = append(order, line)
				w.ack(line)
				if err := b.HandleResponseMessage("ok"); err != nil {
					return err
				}
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatalf("Streaming failed: %v", err)
	}

	if w.overrun != nil {
		t.Error(w.overrun)
	}
	if !equalLines(order, lines) {
		t.Error("Expected commands on the wire in stream order")
	}
	if b.NumActiveCommands() != 0 {
		t.Errorf("Expected 0 active commands, got %d", b.NumActiveCommands())
	}
	if b.Outstanding() != 0 {
		t.Errorf("Expected 0 bytes outstanding, got %d", b.Outstanding())
	}
	if rec.count(EventCommandComplete) != rows {
		t.Errorf("Expected %d completions, got %d", rows, rec.count(EventCommandComplete))
	}
}

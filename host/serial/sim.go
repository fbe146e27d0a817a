package serial

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"gcodelink/host/gcode"
)

// Simulated controller defaults
const (
	DefaultSimBuffer    = 128
	DefaultSimLineDelay = time.Millisecond

	simBanner = "Grbl 1.1h ['$' for help]"
)

// SimPort is an in-memory GRBL style controller. Lines are lexed as G-code
// and answered with "ok" or an error code; realtime bytes are handled on
// arrival. It tracks its receive buffer so a host that overruns it can be
// detected.
type SimPort struct {
	mu        sync.Mutex
	output    bytes.Buffer
	input     []byte
	lines     chan string
	rxUsed    int
	rxSize    int
	maxRx     int
	overflows int
	received  []string
	held      bool
	closed    bool

	delay    time.Duration
	ready    chan struct{}
	resume   chan struct{}
	stopChan chan struct{}
	doneChan chan struct{}
}

// NewSimPort creates a simulated controller with a receive buffer of
// rxSize bytes that spends delay on every line
func NewSimPort(rxSize int, delay time.Duration) *SimPort {
	p := &SimPort{
		lines:    make(chan string, 1024),
		rxSize:   rxSize,
		delay:    delay,
		ready:    make(chan struct{}, 1),
		resume:   make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}

	go p.processLoop()

	return p
}

// Write feeds host bytes to the controller
func (p *SimPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, io.ErrClosedPipe
	}

	for _, c := range b {
		if p.realtime(c) {
			continue
		}

		p.input = append(p.input, c)
		p.rxUsed++
		if p.rxUsed > p.rxSize {
			p.overflows++
		}
		if p.rxUsed > p.maxRx {
			p.maxRx = p.rxUsed
		}

		if c == '\n' {
			line := string(p.input)
			p.input = p.input[:0]
			select {
			case p.lines <- line:
			default:
				// Line queue full; the controller loses the line
				p.overflows++
				p.rxUsed -= len(line)
			}
		}
	}
	return len(b), nil
}

// realtime handles bytes that bypass the line buffer
func (p *SimPort) realtime(c byte) bool {
	switch c {
	case '?':
		state := "Idle"
		if p.held {
			state = "Hold:0"
		}
		p.respond("<" + state + "|MPos:0.000,0.000,0.000|FS:0,0>")
	case '!':
		p.held = true
	case '~':
		if p.held {
			p.held = false
			select {
			case p.resume <- struct{}{}:
			default:
			}
		}
	case 0x18:
		p.input = p.input[:0]
		p.held = false
		p.drainLines()
		p.respond(simBanner)
	default:
		return false
	}
	return true
}

func (p *SimPort) drainLines() {
	for {
		select {
		case <-p.lines:
		default:
			p.rxUsed = 0
			return
		}
	}
}

// processLoop executes buffered lines one at a time
func (p *SimPort) processLoop() {
	defer close(p.doneChan)

	for {
		select {
		case <-p.stopChan:
			return
		case line := <-p.lines:
			if !p.waitWhileHeld() {
				return
			}
			if p.delay > 0 {
				time.Sleep(p.delay)
			}
			p.execute(line)
		}
	}
}

func (p *SimPort) waitWhileHeld() bool {
	for {
		p.mu.Lock()
		held := p.held
		p.mu.Unlock()
		if !held {
			return true
		}
		select {
		case <-p.resume:
		case <-p.stopChan:
			return false
		}
	}
}

// execute answers one line the way GRBL does
func (p *SimPort) execute(raw string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rxUsed -= len(raw)
	if p.rxUsed < 0 {
		p.rxUsed = 0
	}

	// Remove trailing whitespace
	line := strings.TrimRight(raw, "\r\n ")
	p.received = append(p.received, line)

	block, err := gcode.ParseLine(line)
	switch {
	case errors.Is(err, gcode.ErrExpectedLetter):
		p.respond("error:1")
	case errors.Is(err, gcode.ErrBadNumber):
		p.respond("error:2")
	case err != nil:
		p.respond("error:3")
	case block.System == "$X":
		p.respond("[MSG:Caution: Unlocked]")
		p.respond("ok")
	case block.System == "$$":
		p.respond("$0=10")
		p.respond("$1=25")
		p.respond("ok")
	default:
		p.respond("ok")
	}
}

// respond queues a response line for the host
func (p *SimPort) respond(line string) {
	p.output.WriteString(line)
	p.output.WriteString("\r\n")
	select {
	case p.ready <- struct{}{}:
	default:
	}
}

// Read returns controller output, blocking until some is available
func (p *SimPort) Read(b []byte) (int, error) {
	for {
		p.mu.Lock()
		if p.output.Len() > 0 {
			n, _ := p.output.Read(b)
			p.mu.Unlock()
			return n, nil
		}
		closed := p.closed
		p.mu.Unlock()

		if closed {
			return 0, io.EOF
		}

		select {
		case <-p.ready:
		case <-p.stopChan:
		}
	}
}

// Close stops the controller
func (p *SimPort) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopChan)
	<-p.doneChan
	return nil
}

// Flush discards pending output
func (p *SimPort) Flush() error {
	p.mu.Lock()
	p.output.Reset()
	p.mu.Unlock()
	return nil
}

// Received returns every line the controller executed
func (p *SimPort) Received() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.received...)
}

// MaxBuffered returns the largest receive buffer fill observed
func (p *SimPort) MaxBuffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxRx
}

// Overflows counts bytes written while the receive buffer was full
func (p *SimPort) Overflows() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.overflows
}

package gcode

import (
	"strings"
	"sync"
	"time"
)

// Command is one line sent to the controller together with its response.
// Responses are appended by the reader goroutine while listeners may read
// the command concurrently, so all state is guarded.
type Command struct {
	id       int
	original string
	text     string
	comment  string

	mu          sync.Mutex
	response    []string
	done        bool
	failed      bool
	sentAt      time.Time
	completedAt time.Time
}

// NewCommand creates a command with no sequence number
func NewCommand(line string) *Command {
	return NewCommandWithID(0, line)
}

// NewCommandWithID creates a command; the sendable text is the line with
// comments and surrounding whitespace removed
func NewCommandWithID(id int, line string) *Command {
	return &Command{
		id:       id,
		original: line,
		text:     RemoveComment(line),
		comment:  ParseComment(line),
	}
}

// ID returns the sequence number, 0 when the command is not user visible
func (c *Command) ID() int { return c.id }

// Original returns the line as given
func (c *Command) Original() string { return c.original }

// Text returns the text written to the controller
func (c *Command) Text() string { return c.text }

// Comment returns the stripped comment, if any
func (c *Command) Comment() string { return c.comment }

// WireLen is the number of bytes the command occupies in the controller's
// receive buffer, including the newline
func (c *Command) WireLen() int { return len(c.text) + 1 }

// AppendResponse adds a response line
func (c *Command) AppendResponse(line string) {
	c.mu.Lock()
	c.response = append(c.response, line)
	c.mu.Unlock()
}

// Response returns all response lines joined by newlines
func (c *Command) Response() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.response, "\n")
}

// MarkSent records the transmit time
func (c *Command) MarkSent(at time.Time) {
	c.mu.Lock()
	c.sentAt = at
	c.mu.Unlock()
}

// Complete marks the command done. A failed command stays failed.
func (c *Command) Complete(failed bool, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done {
		c.failed = c.failed || failed
		return
	}
	c.done = true
	c.failed = failed
	c.completedAt = at
}

// Done reports whether the controller finished the command
func (c *Command) Done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Failed reports whether the controller rejected the command
func (c *Command) Failed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

// SentAt returns when the command was written
func (c *Command) SentAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sentAt
}

// Duration returns the time between send and completion
func (c *Command) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sentAt.IsZero() || c.completedAt.IsZero() {
		return 0
	}
	return c.completedAt.Sub(c.sentAt)
}

func (c *Command) String() string {
	return c.text
}

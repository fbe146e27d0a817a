package protocol

import "time"

// Timer is a restartable deadline used for protocol waits
type Timer struct {
	timeout time.Duration
	start   time.Time
	now     func() time.Time
}

// NewTimer creates a stopped timer with the given timeout
func NewTimer(timeout time.Duration) *Timer {
	return &Timer{timeout: timeout, now: time.Now}
}

// Start (re)starts the timer and returns it
func (t *Timer) Start() *Timer {
	t.start = t.now()
	return t
}

// Expired reports whether the timeout has elapsed since Start
func (t *Timer) Expired() bool {
	return t.Elapsed() >= t.timeout
}

// Elapsed returns the time since Start
func (t *Timer) Elapsed() time.Duration {
	return t.now().Sub(t.start)
}

// Deadline returns the instant the timer expires
func (t *Timer) Deadline() time.Time {
	return t.start.Add(t.timeout)
}

// Timeout returns the configured timeout
func (t *Timer) Timeout() time.Duration {
	return t.timeout
}

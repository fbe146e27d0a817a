package communicator

import (
	"bytes"
	"sync"

	"gcodelink/protocol"
)

// maxLineLength bounds a response line; longer input is delivered in pieces
const maxLineLength = 4096

// Router delivers inbound transport bytes either as response lines or,
// while a file transfer runs, byte for byte into the transfer's buffer.
// Delivery holds the router lock so the two modes never overlap.
type Router struct {
	mu      sync.Mutex
	handle  func(line string)
	binary  *protocol.RingBuffer
	partial []byte
}

// NewRouter creates a router in text mode passing lines to handle
func NewRouter(handle func(line string)) *Router {
	return &Router{handle: handle}
}

// Feed routes data received from the transport. In binary mode a full
// transfer buffer returns protocol.ErrBufferOverflow.
func (r *Router) Feed(data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.binary != nil {
		_, err := r.binary.Write(data)
		return err
	}

	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			r.partial = append(r.partial, data...)
			if len(r.partial) >= maxLineLength {
				r.emit(r.partial)
				r.partial = r.partial[:0]
			}
			return nil
		}
		r.partial = append(r.partial, data[:i]...)
		data = data[i+1:]
		r.emit(r.partial)
		r.partial = r.partial[:0]
	}
	return nil
}

func (r *Router) emit(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	r.handle(string(line))
}

// BeginTransfer switches to binary mode feeding rb
func (r *Router) BeginTransfer(rb *protocol.RingBuffer) {
	r.mu.Lock()
	r.binary = rb
	r.partial = r.partial[:0]
	r.mu.Unlock()
}

// EndTransfer returns to text mode
func (r *Router) EndTransfer() {
	r.mu.Lock()
	r.binary = nil
	r.partial = r.partial[:0]
	r.mu.Unlock()
}

// InTransfer reports whether binary mode is active
func (r *Router) InTransfer() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.binary != nil
}

package protocol

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RingBuffer is a fixed capacity FIFO of bytes fed by the transport reader
// and drained by a single protocol session.
//
// The write and read counters only ever increase; the buffer position is the
// counter modulo the capacity.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []byte
	size  uint64
	write uint64
	read  uint64

	// signal wakes a waiting reader after a write
	signal chan struct{}
}

// NewRingBuffer creates a RingBuffer with the specified capacity
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		panic("protocol: ring buffer capacity must be positive")
	}
	return &RingBuffer{
		buf:    make([]byte, capacity),
		size:   uint64(capacity),
		signal: make(chan struct{}, 1),
	}
}

// Write appends all of data or nothing. Writing more than Free bytes is a
// producer error and returns ErrBufferOverflow.
func (r *RingBuffer) Write(data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	r.mu.Lock()
	free := r.size - (r.write - r.read)
	if uint64(len(data)) > free {
		r.mu.Unlock()
		return 0, fmt.Errorf("%w: %d bytes offered, %d free", ErrBufferOverflow, len(data), free)
	}
	for _, b := range data {
		r.buf[r.write%r.size] = b
		r.write++
	}
	r.mu.Unlock()

	r.notify()
	return len(data), nil
}

// WriteByte appends a single byte
func (r *RingBuffer) WriteByte(b byte) error {
	_, err := r.Write([]byte{b})
	return err
}

// ReadByte removes the oldest byte without waiting
func (r *RingBuffer) ReadByte() (byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.read == r.write {
		return 0, ErrBufferEmpty
	}
	b := r.buf[r.read%r.size]
	r.read++
	return b, nil
}

// Read reads up to len(data) buffered bytes without waiting
func (r *RingBuffer) Read(data []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(data) == 0 {
		return 0, nil
	}
	if r.read == r.write {
		return 0, ErrBufferEmpty
	}

	n := 0
	for n < len(data) && r.read != r.write {
		data[n] = r.buf[r.read%r.size]
		r.read++
		n++
	}
	return n, nil
}

// WaitByte returns the next byte, waiting until deadline or until ctx is done
func (r *RingBuffer) WaitByte(ctx context.Context, deadline time.Time) (byte, error) {
	if b, err := r.ReadByte(); err == nil {
		return b, nil
	}

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	for {
		select {
		case <-r.signal:
		case <-timer.C:
			// A write may have raced the deadline
			if b, err := r.ReadByte(); err == nil {
				return b, nil
			}
			return 0, ErrTimeout
		case <-ctx.Done():
			return 0, ctx.Err()
		}

		if b, err := r.ReadByte(); err == nil {
			return b, nil
		}
	}
}

// Available returns the number of bytes available for reading
func (r *RingBuffer) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.write - r.read)
}

// Free returns the number of bytes available for writing
func (r *RingBuffer) Free() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.size - (r.write - r.read))
}

// Cap returns the buffer capacity
func (r *RingBuffer) Cap() int {
	return int(r.size)
}

// IsEmpty returns true if the buffer is empty
func (r *RingBuffer) IsEmpty() bool {
	return r.Available() == 0
}

// IsFull returns true if no more bytes can be written
func (r *RingBuffer) IsFull() bool {
	return r.Free() == 0
}

// Reset discards all unread data
func (r *RingBuffer) Reset() {
	r.mu.Lock()
	r.read = r.write
	r.mu.Unlock()

	select {
	case <-r.signal:
	default:
	}
}

func (r *RingBuffer) notify() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

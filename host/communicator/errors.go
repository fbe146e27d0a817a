package communicator

import (
	"errors"
	"fmt"
)

var (
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrTransferActive   = errors.New("a file transfer is already running")
	ErrBusy             = errors.New("commands are still active")
	ErrWriteFailed      = errors.New("transport write failed")
)

// ConnectionError reports a transport that could not be opened
type ConnectionError struct {
	Driver  string
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect %s %s: %v", e.Driver, e.Address, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

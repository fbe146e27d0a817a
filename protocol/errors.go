package protocol

import "errors"

var (
	ErrTimeout        = errors.New("xmodem: timeout")
	ErrTooManyErrors  = errors.New("xmodem: too many errors")
	ErrCancelled      = errors.New("xmodem: cancelled by remote")
	ErrAborted        = errors.New("xmodem: aborted")
	ErrSyncLost       = errors.New("xmodem: block sequence lost")
	ErrNoReceiver     = errors.New("xmodem: receiver did not request a transfer")
	ErrBufferOverflow = errors.New("ring buffer overflow")
	ErrBufferEmpty    = errors.New("ring buffer empty")
)

// errInvalidBlock marks a recoverable block error (bad complement or checksum)
var errInvalidBlock = errors.New("xmodem: invalid block")

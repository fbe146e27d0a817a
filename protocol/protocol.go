// Package protocol implements the XModem block transfer protocol used to
// move files to and from a controller over its command transport.
package protocol

import "time"

// Version is the gcodelink release version
const Version = "0.1.0"

// Control bytes
const (
	SOH    = 0x01 // Start of a 128 byte block
	STX    = 0x02 // Start of a 1024 byte block
	EOT    = 0x04 // End of transmission
	ACK    = 0x06
	NAK    = 0x15
	CAN    = 0x18
	CPMEOF = 0x1A // Pad byte for the final block
	CRC    = 'C'  // Receiver request for CRC-16 checksums
)

// Block sizes
const (
	ShortBlockSize = 128
	LongBlockSize  = 1024
)

// Protocol limits and timeouts
const (
	MaxErrors = 10

	BlockTimeout           = 3000 * time.Millisecond
	RequestTimeout         = 3000 * time.Millisecond
	WaitForReceiverTimeout = 60000 * time.Millisecond
	SendBlockTimeout       = 10000 * time.Millisecond
)

// headerFor returns the block header byte for a payload size
func headerFor(size int) byte {
	if size == LongBlockSize {
		return STX
	}
	return SOH
}

// blockSize returns the payload size announced by a header byte
func blockSize(header byte) int {
	if header == STX {
		return LongBlockSize
	}
	return ShortBlockSize
}

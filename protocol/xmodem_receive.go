package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// errRepeatedBlock marks a retransmission of the previous block
var errRepeatedBlock = errors.New("xmodem: repeated block")

// Receive requests a transfer and writes every accepted block payload to
// sink. The final block still carries its CPMEOF padding; see TrimPadding.
// It returns the number of payload bytes written.
func (x *XModem) Receive(ctx context.Context, sink io.Writer, useCRC bool) (int64, error) {
	x.in.Reset()
	sum := NewChecksum(useCRC)

	header, err := x.requestStart(ctx, sum)
	if err != nil {
		return 0, err
	}

	expected := byte(1)
	count := 0
	errorCount := 0
	var total int64

	for {
		if header == EOT {
			if err := x.write(ACK); err != nil {
				return total, err
			}
			x.log.Debug("xmodem receive finished", "blocks", count, "bytes", total)
			return total, nil
		}

		reply := byte(ACK)
		payload, err := x.readBlock(ctx, header, expected, sum)
		switch {
		case err == nil:
			if _, err := sink.Write(payload); err != nil {
				x.cancel()
				return total, fmt.Errorf("xmodem: write sink: %w", err)
			}
			count++
			total += int64(len(payload))
			expected++
			errorCount = 0
			if x.cfg.OnBlock != nil {
				x.cfg.OnBlock(count, total)
			}
		case errors.Is(err, errRepeatedBlock):
			x.log.Debug("xmodem repeated block", "block", expected-1)
		case errors.Is(err, errInvalidBlock), isTimeout(err):
			errorCount++
			x.log.Warn("xmodem bad block", "block", expected, "errors", errorCount, "err", err)
			if errorCount >= x.cfg.MaxErrors {
				x.cancel()
				return total, fmt.Errorf("%w: block %d: %w", ErrTooManyErrors, expected, err)
			}
			x.in.Reset()
			reply = NAK
		default:
			return total, err
		}

		if err := x.write(reply); err != nil {
			return total, err
		}

		header, err = x.awaitHeader(ctx, reply)
		if err != nil {
			return total, err
		}
	}
}

// requestStart sends the checksum request until the sender starts a block
func (x *XModem) requestStart(ctx context.Context, sum Checksum) (byte, error) {
	for attempt := 0; attempt < x.cfg.MaxErrors; attempt++ {
		if err := x.write(sum.Request()); err != nil {
			return 0, err
		}
		timer := NewTimer(x.cfg.RequestTimeout).Start()

		for {
			b, err := x.readByte(ctx, timer)
			if isTimeout(err) {
				break
			}
			if err != nil {
				return 0, x.aborted(err)
			}
			// EOT here is an empty transfer
			if b == SOH || b == STX || b == EOT {
				return b, nil
			}
		}
	}

	x.cancel()
	return 0, fmt.Errorf("%w: sender did not start after %d requests", ErrTimeout, x.cfg.MaxErrors)
}

// awaitHeader waits for the next block or EOT, repeating the last reply on timeout
func (x *XModem) awaitHeader(ctx context.Context, reply byte) (byte, error) {
	for attempt := 1; ; attempt++ {
		timer := NewTimer(x.cfg.BlockTimeout).Start()
		for {
			b, err := x.readByte(ctx, timer)
			if isTimeout(err) {
				break
			}
			if err != nil {
				return 0, x.aborted(err)
			}
			switch b {
			case SOH, STX, EOT:
				return b, nil
			case CAN:
				return 0, ErrCancelled
			}
		}

		if attempt >= x.cfg.MaxErrors {
			x.cancel()
			return 0, fmt.Errorf("%w: no block header after %d attempts", ErrTimeout, attempt)
		}
		if err := x.write(reply); err != nil {
			return 0, err
		}
	}
}

// readBlock reads the rest of a frame whose header byte was already consumed
func (x *XModem) readBlock(ctx context.Context, header, expected byte, sum Checksum) ([]byte, error) {
	size := blockSize(header)
	timer := NewTimer(x.cfg.BlockTimeout).Start()

	number, err := x.readByte(ctx, timer)
	if err != nil {
		return nil, x.readError(err)
	}

	if number != expected {
		if number == expected-1 {
			if err := x.drain(ctx, timer, 1+size+sum.Size()); err != nil {
				return nil, err
			}
			return nil, errRepeatedBlock
		}
		x.cancel()
		return nil, fmt.Errorf("%w: expected block %d, got %d", ErrSyncLost, expected, number)
	}

	// Read the whole frame before validating so the stream stays aligned
	frame := make([]byte, 1+size+sum.Size())
	for i := range frame {
		if frame[i], err = x.readByte(ctx, timer); err != nil {
			return nil, x.readError(err)
		}
	}

	complement, payload, check := frame[0], frame[1:1+size], frame[1+size:]
	if complement != ^number {
		return nil, fmt.Errorf("%w: block %d complement 0x%02x", errInvalidBlock, number, complement)
	}
	if !sum.Verify(payload, check) {
		return nil, fmt.Errorf("%w: block %d checksum mismatch", errInvalidBlock, number)
	}
	return payload, nil
}

// drain discards n bytes of a repeated frame
func (x *XModem) drain(ctx context.Context, timer *Timer, n int) error {
	for i := 0; i < n; i++ {
		if _, err := x.readByte(ctx, timer); err != nil {
			if isTimeout(err) {
				return nil
			}
			return x.aborted(err)
		}
	}
	return nil
}

func (x *XModem) readError(err error) error {
	if isTimeout(err) {
		return err
	}
	return x.aborted(err)
}

package protocol

import (
	"context"
	"fmt"
	"io"
)

// Send transmits payload as a sequence of 128 byte blocks, or 1024 byte
// blocks when useLongBlocks is set. The final block is padded with CPMEOF.
func (x *XModem) Send(ctx context.Context, payload io.Reader, useLongBlocks bool) error {
	sum, err := x.awaitStart(ctx)
	if err != nil {
		return err
	}

	size := ShortBlockSize
	if useLongBlocks {
		size = LongBlockSize
	}
	x.log.Debug("xmodem send started", "block_size", size, "checksum_bytes", sum.Size())

	block := make([]byte, size)
	number := byte(1)
	count := 0
	var total int64

	for {
		n, err := io.ReadFull(payload, block)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			x.cancel()
			return fmt.Errorf("xmodem: read payload: %w", err)
		}

		for i := n; i < size; i++ {
			block[i] = CPMEOF
		}

		if err := x.sendBlock(ctx, number, block, sum); err != nil {
			return err
		}

		count++
		total += int64(n)
		number++
		if x.cfg.OnBlock != nil {
			x.cfg.OnBlock(count, total)
		}

		if n < size {
			break
		}
	}

	if err := x.sendEOT(ctx); err != nil {
		return err
	}
	x.log.Debug("xmodem send finished", "blocks", count, "bytes", total)
	return nil
}

// awaitStart waits for the receiver to request a transfer
func (x *XModem) awaitStart(ctx context.Context) (Checksum, error) {
	timer := NewTimer(x.cfg.WaitForReceiverTimeout).Start()
	for {
		b, err := x.readByte(ctx, timer)
		if err != nil {
			if isTimeout(err) {
				return nil, fmt.Errorf("%w after %v", ErrNoReceiver, timer.Timeout())
			}
			return nil, x.aborted(err)
		}
		if sum, ok := ChecksumFor(b); ok {
			return sum, nil
		}
	}
}

// sendBlock writes one frame until the receiver acknowledges it
func (x *XModem) sendBlock(ctx context.Context, number byte, block []byte, sum Checksum) error {
	frame := make([]byte, 0, 3+len(block)+sum.Size())
	frame = append(frame, headerFor(len(block)), number, ^number)
	frame = append(frame, block...)
	frame = sum.Append(frame, block)

	errorCount := 0
	for errorCount < x.cfg.MaxErrors {
		timer := NewTimer(x.cfg.SendBlockTimeout).Start()
		if err := x.write(frame...); err != nil {
			return err
		}

	reply:
		for {
			b, err := x.readByte(ctx, timer)
			switch {
			case isTimeout(err):
				errorCount++
				x.log.Warn("xmodem block timeout", "block", number, "errors", errorCount)
				break reply
			case err != nil:
				return x.aborted(err)
			case b == ACK:
				x.log.Trace("xmodem block acknowledged", "block", number)
				return nil
			case b == NAK:
				errorCount++
				x.log.Warn("xmodem block rejected", "block", number, "errors", errorCount)
				break reply
			case b == CAN:
				return fmt.Errorf("%w: during block %d", ErrCancelled, number)
			}
		}
	}

	x.cancel()
	return fmt.Errorf("%w: block %d not acknowledged", ErrTooManyErrors, number)
}

// sendEOT ends the transfer
func (x *XModem) sendEOT(ctx context.Context) error {
	for attempt := 0; attempt < x.cfg.MaxErrors; attempt++ {
		if err := x.write(EOT); err != nil {
			return err
		}
		timer := NewTimer(x.cfg.BlockTimeout).Start()

	reply:
		for {
			b, err := x.readByte(ctx, timer)
			switch {
			case isTimeout(err):
				break reply
			case err != nil:
				return x.aborted(err)
			case b == ACK:
				return nil
			case b == NAK:
				break reply
			case b == CAN:
				return fmt.Errorf("%w: during end of transmission", ErrCancelled)
			}
		}
	}

	x.cancel()
	return fmt.Errorf("%w: end of transmission not acknowledged", ErrTooManyErrors)
}

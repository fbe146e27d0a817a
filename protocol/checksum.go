package protocol

// Checksum is a block integrity check negotiated at the start of a transfer
type Checksum interface {
	// Size is the number of checksum bytes that follow a block payload
	Size() int

	// Append appends the checksum of block to dst
	Append(dst, block []byte) []byte

	// Verify reports whether sum is the checksum of block
	Verify(block, sum []byte) bool

	// Request is the byte a receiver sends to ask for this checksum
	Request() byte
}

// PlainChecksum is the original single byte XModem checksum
type PlainChecksum struct{}

func (PlainChecksum) Size() int     { return 1 }
func (PlainChecksum) Request() byte { return NAK }

func (PlainChecksum) Append(dst, block []byte) []byte {
	return append(dst, Sum8(block))
}

func (PlainChecksum) Verify(block, sum []byte) bool {
	return len(sum) == 1 && sum[0] == Sum8(block)
}

// CRC16Checksum is the two byte, big endian CRC-16/XMODEM check
type CRC16Checksum struct{}

func (CRC16Checksum) Size() int     { return 2 }
func (CRC16Checksum) Request() byte { return CRC }

func (CRC16Checksum) Append(dst, block []byte) []byte {
	crc := CRC16(block)
	return append(dst, byte(crc>>8), byte(crc))
}

func (CRC16Checksum) Verify(block, sum []byte) bool {
	if len(sum) != 2 {
		return false
	}
	crc := CRC16(block)
	return sum[0] == byte(crc>>8) && sum[1] == byte(crc)
}

// ChecksumFor returns the checksum requested by a receiver's start byte
func ChecksumFor(request byte) (Checksum, bool) {
	switch request {
	case NAK:
		return PlainChecksum{}, true
	case CRC:
		return CRC16Checksum{}, true
	}
	return nil, false
}

// NewChecksum returns the CRC-16 checksum when useCRC is set, otherwise the plain sum
func NewChecksum(useCRC bool) Checksum {
	if useCRC {
		return CRC16Checksum{}
	}
	return PlainChecksum{}
}

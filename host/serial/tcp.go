package serial

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

const dialTimeout = 5 * time.Second

// TCPPort is a controller reached through a TCP socket
type TCPPort struct {
	conn        net.Conn
	readTimeout time.Duration
}

func openTCP(cfg *Config) (Port, error) {
	conn, err := net.DialTimeout("tcp", cfg.Address, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", cfg.Address, err)
	}
	return NewTCPPort(conn, time.Duration(cfg.ReadTimeout)*time.Millisecond), nil
}

// NewTCPPort wraps an established connection
func NewTCPPort(conn net.Conn, readTimeout time.Duration) *TCPPort {
	return &TCPPort{conn: conn, readTimeout: readTimeout}
}

// Read reads from the socket. When a read timeout is set, an expired
// deadline is reported as zero bytes.
func (p *TCPPort) Read(b []byte) (int, error) {
	if p.readTimeout > 0 {
		if err := p.conn.SetReadDeadline(time.Now().Add(p.readTimeout)); err != nil {
			return 0, err
		}
	}
	n, err := p.conn.Read(b)
	if err != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		return n, nil
	}
	return n, err
}

// Write writes to the socket
func (p *TCPPort) Write(b []byte) (int, error) {
	return p.conn.Write(b)
}

// Close closes the socket
func (p *TCPPort) Close() error {
	return p.conn.Close()
}

// Flush is a no-op; writes are not buffered
func (p *TCPPort) Flush() error {
	return nil
}

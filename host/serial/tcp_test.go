package serial

import (
	"net"
	"testing"
	"time"
)

func TestTCPPortRoundTrip(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 64)
		n, _ := conn.Read(buf)
		conn.Write(buf[:n])
	}()

	port, err := Open(&Config{Driver: DriverTCP, Address: ln.Addr().String(), ReadTimeout: 20})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer port.Close()

	if _, err := port.Write([]byte("ok\n")); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	buf := make([]byte, 64)
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		n, err := port.Read(buf)
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if n > 0 {
			if string(buf[:n]) != "ok\n" {
				t.Errorf("Expected echo, got %q", buf[:n])
			}
			return
		}
	}
	t.Fatal("No data before deadline")
}

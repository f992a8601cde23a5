// Package transport provides the byte-level channels connectors exchange frames over.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/resident-x/go-sunsynk/internal/domain"
)

// Transport is a duplex byte pipe with timeouts and no protocol knowledge.
type Transport interface {
	// Open acquires the underlying OS handle
	Open(ctx context.Context) error
	// Write sends all bytes or fails
	Write(data []byte) error
	// ReadExact blocks until n bytes arrive or the timeout elapses
	ReadExact(n int, timeout time.Duration) ([]byte, error)
	// Close releases the handle; safe to call more than once
	Close() error
	// String describes the endpoint for logging
	String() string
}

// TCPTransport is a Transport over a TCP socket.
type TCPTransport struct {
	address        string
	connectTimeout time.Duration
	conn           net.Conn
	mutex          sync.Mutex
}

// NewTCPTransport creates a TCP transport for host:port.
func NewTCPTransport(address string, connectTimeout time.Duration) *TCPTransport {
	return &TCPTransport{
		address:        address,
		connectTimeout: connectTimeout,
	}
}

// Open dials the remote endpoint.
func (t *TCPTransport) Open(ctx context.Context) error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.conn != nil {
		return nil
	}

	dialer := net.Dialer{Timeout: t.connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", t.address)
	if err != nil {
		return fmt.Errorf("dial %s: %w: %v", t.address, domain.ErrConnection, err)
	}
	t.conn = conn
	return nil
}

// Write sends data over the socket.
func (t *TCPTransport) Write(data []byte) error {
	conn, err := t.current()
	if err != nil {
		return err
	}
	if _, err := conn.Write(data); err != nil {
		return classify("write", t.address, err)
	}
	return nil
}

// ReadExact reads exactly n bytes before the deadline.
func (t *TCPTransport) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	conn, err := t.current()
	if err != nil {
		return nil, err
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, classify("set deadline", t.address, err)
	}
	defer conn.SetReadDeadline(time.Time{})

	buf := make([]byte, n)
	read := 0
	for read < n {
		m, err := conn.Read(buf[read:])
		read += m
		if err != nil {
			return buf[:read], classify("read", t.address, err)
		}
	}
	return buf, nil
}

// Close closes the socket.
func (t *TCPTransport) Close() error {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.conn == nil {
		return nil
	}
	err := t.conn.Close()
	t.conn = nil
	return err
}

// String returns the endpoint.
func (t *TCPTransport) String() string {
	return "tcp://" + t.address
}

func (t *TCPTransport) current() (net.Conn, error) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.conn == nil {
		return nil, fmt.Errorf("%s: %w: not open", t.address, domain.ErrIO)
	}
	return t.conn, nil
}

// classify maps an OS error onto the domain transport taxonomy.
func classify(op, endpoint string, err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() || errors.Is(err, os.ErrDeadlineExceeded) {
		return fmt.Errorf("%s %s: %w", op, endpoint, domain.ErrTimeout)
	}
	return fmt.Errorf("%s %s: %w: %v", op, endpoint, domain.ErrIO, err)
}

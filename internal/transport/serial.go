package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/goburrow/serial"
	"github.com/resident-x/go-sunsynk/internal/domain"
)

// SerialConfig describes a serial line.
type SerialConfig struct {
	Device   string
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
	Timeout  time.Duration
}

// SerialTransport is a Transport over an RS485/RS232 serial line.
type SerialTransport struct {
	config    SerialConfig
	opener    func(*serial.Config) (io.ReadWriteCloser, error)
	port      io.ReadWriteCloser
	lastIO    time.Time
	silence   time.Duration
	pollSlice time.Duration
	mutex     sync.Mutex
}

// NewSerialTransport creates a serial transport with 8N1 defaults.
func NewSerialTransport(cfg SerialConfig) *SerialTransport {
	if cfg.BaudRate <= 0 {
		cfg.BaudRate = 9600
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	if cfg.StopBits == 0 {
		cfg.StopBits = 1
	}
	if cfg.Parity == "" {
		cfg.Parity = "N"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}

	return &SerialTransport{
		config:    cfg,
		opener:    openSerialPort,
		silence:   frameSilence(cfg.BaudRate),
		pollSlice: 50 * time.Millisecond,
	}
}

func openSerialPort(cfg *serial.Config) (io.ReadWriteCloser, error) {
	return serial.Open(cfg)
}

// frameSilence returns the RTU inter-frame gap of 3.5 character times.
// Above 19200 baud the gap is fixed at 1.75ms.
func frameSilence(baud int) time.Duration {
	if baud > 19200 {
		return 1750 * time.Microsecond
	}
	// 11 bits per character
	return time.Duration(float64(time.Second) * 11 * 3.5 / float64(baud))
}

// Open opens the serial device.
func (s *SerialTransport) Open(_ context.Context) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.port != nil {
		return nil
	}

	port, err := s.opener(&serial.Config{
		Address:  s.config.Device,
		BaudRate: s.config.BaudRate,
		DataBits: s.config.DataBits,
		StopBits: s.config.StopBits,
		Parity:   s.config.Parity,
		Timeout:  s.pollSlice,
	})
	if err != nil {
		return fmt.Errorf("open %s: %w: %v", s.config.Device, domain.ErrConnection, err)
	}
	s.port = port
	return nil
}

// Write waits for the inter-frame silence and sends the frame.
func (s *SerialTransport) Write(data []byte) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.port == nil {
		return fmt.Errorf("%s: %w: not open", s.config.Device, domain.ErrIO)
	}
	if wait := s.silence - time.Since(s.lastIO); wait > 0 {
		time.Sleep(wait)
	}
	if _, err := s.port.Write(data); err != nil {
		return fmt.Errorf("write %s: %w: %v", s.config.Device, domain.ErrIO, err)
	}
	s.lastIO = time.Now()
	return nil
}

// ReadExact polls the port until n bytes arrive or the timeout elapses.
func (s *SerialTransport) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.port == nil {
		return nil, fmt.Errorf("%s: %w: not open", s.config.Device, domain.ErrIO)
	}

	deadline := time.Now().Add(timeout)
	buf := make([]byte, n)
	read := 0
	for read < n {
		if time.Now().After(deadline) {
			return buf[:read], fmt.Errorf("read %s: %w after %d/%d bytes", s.config.Device, domain.ErrTimeout, read, n)
		}
		m, err := s.port.Read(buf[read:])
		read += m
		if err != nil {
			if errors.Is(err, serial.ErrTimeout) {
				continue
			}
			return buf[:read], fmt.Errorf("read %s: %w: %v", s.config.Device, domain.ErrIO, err)
		}
	}
	s.lastIO = time.Now()
	return buf, nil
}

// Close closes the serial device.
func (s *SerialTransport) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	return err
}

// String returns the device path.
func (s *SerialTransport) String() string {
	return fmt.Sprintf("serial://%s@%d", s.config.Device, s.config.BaudRate)
}

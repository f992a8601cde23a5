// Package transporttest provides an in-memory transport for codec and connector tests.
package transporttest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/resident-x/go-sunsynk/internal/domain"
)

// Responder produces the bytes a device answers to one written frame.
type Responder func(request []byte) ([]byte, error)

// Fake is a scripted Transport. Every Write is handed to the responder and the
// reply is queued for subsequent ReadExact calls.
type Fake struct {
	Responder Responder
	OpenErr   error
	// Stream keeps unread reply bytes across writes, like a socket does.
	Stream bool

	mutex   sync.Mutex
	open    bool
	pending []byte
	readErr error
	writes  [][]byte
	opens   int
	closes  int
}

// Open marks the fake as open.
func (f *Fake) Open(_ context.Context) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.OpenErr != nil {
		return fmt.Errorf("fake open: %w: %v", domain.ErrConnection, f.OpenErr)
	}
	f.open = true
	f.opens++
	return nil
}

// Write records the frame and queues the responder's reply.
func (f *Fake) Write(data []byte) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if !f.open {
		return fmt.Errorf("fake write: %w: not open", domain.ErrIO)
	}
	frame := append([]byte(nil), data...)
	f.writes = append(f.writes, frame)
	if !f.Stream {
		f.pending = nil
	}
	f.readErr = nil
	if f.Responder != nil {
		reply, err := f.Responder(frame)
		f.pending = append(f.pending, reply...)
		f.readErr = err
	}
	return nil
}

// ReadExact serves queued reply bytes. Running out of bytes is a timeout.
func (f *Fake) ReadExact(n int, _ time.Duration) ([]byte, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	if len(f.pending) < n {
		got := f.pending
		f.pending = nil
		return got, fmt.Errorf("fake read: %w", domain.ErrTimeout)
	}
	out := append([]byte(nil), f.pending[:n]...)
	f.pending = f.pending[n:]
	return out, nil
}

// Close marks the fake as closed.
func (f *Fake) Close() error {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	if f.open {
		f.closes++
	}
	f.open = false
	f.pending = nil
	return nil
}

// String describes the fake.
func (f *Fake) String() string {
	return "fake://"
}

// Writes returns copies of all frames written so far.
func (f *Fake) Writes() [][]byte {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

// Opens returns how many times the transport was opened.
func (f *Fake) Opens() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.opens
}

// Closes returns how many times an open transport was closed.
func (f *Fake) Closes() int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.closes
}

package connector

import (
	"sync"
	"time"
)

// Stats is a snapshot of a connector's counters for external consumption.
type Stats struct {
	Name          string    `json:"name"`
	Kind          string    `json:"kind"`
	Endpoint      string    `json:"endpoint"`
	State         string    `json:"state"`
	ConnectedAt   time.Time `json:"connected_at"`
	LastActivity  time.Time `json:"last_activity"`
	Requests      int64     `json:"requests"`
	Failures      int64     `json:"failures"`
	Reconnects    int64     `json:"reconnects"`
	BytesSent     int64     `json:"bytes_sent"`
	BytesReceived int64     `json:"bytes_received"`
	FramesSent    int64     `json:"frames_sent"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorAt   time.Time `json:"last_error_at"`
}

// counters holds the mutable statistics of one connector.
type counters struct {
	connectedAt   time.Time
	lastActivity  time.Time
	connections   int64
	requests      int64
	failures      int64
	bytesSent     int64
	bytesReceived int64
	framesSent    int64
	lastError     string
	lastErrorAt   time.Time
	mutex         sync.RWMutex
}

func (c *counters) connected() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.connectedAt = time.Now()
	c.connections++
}

func (c *counters) addRequest() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.requests++
	c.lastActivity = time.Now()
}

func (c *counters) addFailure(err error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.failures++
	c.lastError = err.Error()
	c.lastErrorAt = time.Now()
}

func (c *counters) addBytesSent(n int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.bytesSent += int64(n)
	c.framesSent++
}

func (c *counters) addBytesReceived(n int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.bytesReceived += int64(n)
}

// fill copies the counters into s.
func (c *counters) fill(s *Stats) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	s.ConnectedAt = c.connectedAt
	s.LastActivity = c.lastActivity
	s.Requests = c.requests
	s.Failures = c.failures
	if c.connections > 1 {
		s.Reconnects = c.connections - 1
	}
	s.BytesSent = c.bytesSent
	s.BytesReceived = c.bytesReceived
	s.FramesSent = c.framesSent
	s.LastError = c.lastError
	s.LastErrorAt = c.lastErrorAt
}

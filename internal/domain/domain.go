// Package domain provides core domain models and interfaces for the go-sunsynk application
package domain

import (
	"context"
	"fmt"
	"time"
)

// MaxAddress is the last addressable register.
const MaxAddress = 0xFFFF

// RegisterKind selects the Modbus register table a range lives in.
type RegisterKind int

const (
	KindHolding RegisterKind = iota
	KindInput
)

// String returns the string representation of the register kind.
func (k RegisterKind) String() string {
	switch k {
	case KindHolding:
		return "holding"
	case KindInput:
		return "input"
	default:
		return "unknown"
	}
}

// ParseRegisterKind converts a configuration string into a RegisterKind.
func ParseRegisterKind(s string) (RegisterKind, error) {
	switch s {
	case "", "holding":
		return KindHolding, nil
	case "input":
		return KindInput, nil
	default:
		return 0, fmt.Errorf("unknown register kind %q", s)
	}
}

// RegisterRange is a contiguous run of registers required by the sensor layer.
type RegisterRange struct {
	Start uint16
	Count uint16
	Kind  RegisterKind
}

// NewRange creates a validated register range.
func NewRange(kind RegisterKind, start, count uint16) (RegisterRange, error) {
	r := RegisterRange{Start: start, Count: count, Kind: kind}
	return r, r.Validate()
}

// End returns the last address covered by the range.
func (r RegisterRange) End() int {
	return int(r.Start) + int(r.Count) - 1
}

// Validate checks the range is non-empty and fits the address space.
func (r RegisterRange) Validate() error {
	if r.Count == 0 {
		return fmt.Errorf("register range %s: count must be at least 1", r)
	}
	if r.End() > MaxAddress {
		return fmt.Errorf("register range %s: exceeds address space", r)
	}
	return nil
}

// String returns a compact representation, e.g. "holding[10+2]".
func (r RegisterRange) String() string {
	return fmt.Sprintf("%s[%d+%d]", r.Kind, r.Start, r.Count)
}

// ReadRequest is one wire-level read covering one or more merged ranges.
type ReadRequest struct {
	Start uint16
	Count uint16
	Kind  RegisterKind
}

// End returns the last address read by the request.
func (q ReadRequest) End() int {
	return int(q.Start) + int(q.Count) - 1
}

// Covers reports whether every register of r is read by the request.
func (q ReadRequest) Covers(r RegisterRange) bool {
	return q.Kind == r.Kind && int(r.Start) >= int(q.Start) && r.End() <= q.End()
}

// Slice extracts the words for r from a reply to this request.
func (q ReadRequest) Slice(values []uint16, r RegisterRange) ([]uint16, error) {
	if !q.Covers(r) {
		return nil, fmt.Errorf("request %s does not cover %s", q, r)
	}
	if len(values) != int(q.Count) {
		return nil, fmt.Errorf("request %s: got %d values", q, len(values))
	}
	off := int(r.Start) - int(q.Start)
	out := make([]uint16, r.Count)
	copy(out, values[off:off+int(r.Count)])
	return out, nil
}

// String returns a compact representation of the request.
func (q ReadRequest) String() string {
	return fmt.Sprintf("%s[%d..%d]", q.Kind, q.Start, q.End())
}

// RequestFor returns the single request reading exactly r.
func RequestFor(r RegisterRange) ReadRequest {
	return ReadRequest{Start: r.Start, Count: r.Count, Kind: r.Kind}
}

// WriteRequest writes consecutive holding registers starting at Start.
type WriteRequest struct {
	Start  uint16
	Values []uint16
}

// ReadOutcome is the result of executing a single ReadRequest.
type ReadOutcome struct {
	Request ReadRequest
	Values  []uint16
	Err     error
}

// OK reports whether the request succeeded.
func (o ReadOutcome) OK() bool {
	return o.Err == nil
}

// Address identifies a logical device behind a connector.
type Address struct {
	UnitID       uint8
	DongleSerial uint32
}

// String returns the string representation of the address.
func (a Address) String() string {
	if a.DongleSerial != 0 {
		return fmt.Sprintf("unit %d via dongle %d", a.UnitID, a.DongleSerial)
	}
	return fmt.Sprintf("unit %d", a.UnitID)
}

// CycleResult is the per-range outcome of one polling cycle for one session.
type CycleResult struct {
	Session     string
	Started     time.Time
	Finished    time.Time
	Requests    int
	Values      map[RegisterRange][]uint16
	Unavailable map[RegisterRange]error
}

// NewCycleResult creates an empty cycle result.
func NewCycleResult(session string) *CycleResult {
	return &CycleResult{
		Session:     session,
		Started:     time.Now(),
		Values:      make(map[RegisterRange][]uint16),
		Unavailable: make(map[RegisterRange]error),
	}
}

// MarkAvailable stores the words for r.
func (c *CycleResult) MarkAvailable(r RegisterRange, values []uint16) {
	delete(c.Unavailable, r)
	c.Values[r] = values
}

// MarkUnavailable records that r could not be read this cycle.
func (c *CycleResult) MarkUnavailable(r RegisterRange, err error) {
	if _, ok := c.Values[r]; ok {
		return
	}
	c.Unavailable[r] = err
}

// Resolved reports whether r already has an outcome.
func (c *CycleResult) Resolved(r RegisterRange) bool {
	if _, ok := c.Values[r]; ok {
		return true
	}
	_, ok := c.Unavailable[r]
	return ok
}

// InverterState is the decoded outcome of one cycle, keyed by register name.
type InverterState struct {
	Inverter    string              `json:"inverter"`
	SerialNr    string              `json:"serial_nr,omitempty"`
	Timestamp   time.Time           `json:"timestamp"`
	Values      map[string][]uint16 `json:"values"`
	Unavailable []string            `json:"unavailable,omitempty"`
}

// Online reports whether any register was read.
func (s *InverterState) Online() bool {
	return len(s.Values) > 0
}

// MessagePublisher defines the interface for publishing decoded register values.
type MessagePublisher interface {
	// Connect establishes a connection to the messaging system
	Connect(ctx context.Context) error
	// Publish sends data to the specified topic
	Publish(ctx context.Context, topic string, data interface{}) error
	// Close terminates the connection to the messaging system
	Close() error
}

// Registry keeps track of polled inverters.
type Registry interface {
	// RegisterInverter adds or updates an inverter in the registry
	RegisterInverter(name string, connector string, address Address) error
	// RecordCycle stores the latest cycle outcome for an inverter
	RecordCycle(name string, result *CycleResult) error
	// RecordState stores the latest decoded register values for an inverter
	RecordState(name string, state *InverterState) error
	// GetInverter retrieves information about an inverter
	GetInverter(name string) (*InverterInfo, bool)
	// GetAllInverters returns information about all inverters
	GetAllInverters() []*InverterInfo
}

// InverterInfo contains information about a polled inverter.
type InverterInfo struct {
	Name             string
	Connector        string
	Address          Address
	LastContact      time.Time
	LastCycle        *CycleResult
	LastState        *InverterState
	Cycles           int64
	UnavailableTotal int64
}

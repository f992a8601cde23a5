// Package connector serialises access to one physical link shared by several inverters.
package connector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goburrow/modbus"
	"github.com/resident-x/go-sunsynk/internal/domain"
	"github.com/resident-x/go-sunsynk/internal/protocol"
	"github.com/resident-x/go-sunsynk/internal/transport"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned for calls made after Close.
var ErrClosed = errors.New("connector closed")

// Defaults applied by New for zero config values.
const (
	DefaultTimeout        = 10 * time.Second
	DefaultMaxBatchSize   = 20
	DefaultReadAllowedGap = 2
)

// State is the link state of a connector.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// Config holds the per-connector exchange limits.
type Config struct {
	Timeout        time.Duration
	MaxBatchSize   int
	ReadAllowedGap int
}

type operation int

const (
	opExchange operation = iota
	opConnect
	opDisconnect
)

// call is one queued unit of work for the worker.
type call struct {
	ctx    context.Context
	op     operation
	addr   domain.Address
	pdu    *modbus.ProtocolDataUnit
	handle func(reply *modbus.ProtocolDataUnit) error
	done   chan error
}

// Connector owns one transport and its codec. A single worker goroutine
// performs every exchange, so at most one request is on the wire at a time
// and blocked callers are served in the order they queued.
type Connector struct {
	name      string
	codec     protocol.Codec
	transport transport.Transport
	cfg       Config
	logger    zerolog.Logger

	state    atomic.Int32
	stats    counters
	calls    chan *call
	stop     chan struct{}
	finished chan struct{}
	once     sync.Once
}

// New creates a connector and starts its worker. The link is opened lazily.
func New(name string, t transport.Transport, codec protocol.Codec, cfg Config) *Connector {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.MaxBatchSize > protocol.MaxReadQuantity {
		cfg.MaxBatchSize = protocol.MaxReadQuantity
	}
	if cfg.ReadAllowedGap < 0 {
		cfg.ReadAllowedGap = 0
	}

	c := &Connector{
		name:     name,
		codec:    codec,
		cfg:      cfg,
		logger:   log.With().Str("component", "connector").Str("connector", name).Logger(),
		calls:    make(chan *call),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	c.transport = &meteredTransport{Transport: t, stats: &c.stats}

	go c.run()
	return c
}

// Name returns the connector name.
func (c *Connector) Name() string {
	return c.name
}

// Kind returns the codec kind used on the link.
func (c *Connector) Kind() protocol.Kind {
	return c.codec.Kind()
}

// Config returns the effective exchange limits.
func (c *Connector) Config() Config {
	return c.cfg
}

// State returns the current link state.
func (c *Connector) State() State {
	return State(c.state.Load())
}

// Connect opens the link if it is not already open.
func (c *Connector) Connect(ctx context.Context) error {
	return c.submit(&call{ctx: ctx, op: opConnect})
}

// Disconnect closes the link. The next request reconnects.
func (c *Connector) Disconnect() error {
	return c.submit(&call{ctx: context.Background(), op: opDisconnect})
}

// Execute reads one batch for the device at addr. It always returns exactly
// one outcome; failures are carried in the outcome's Err.
func (c *Connector) Execute(ctx context.Context, addr domain.Address, req domain.ReadRequest) domain.ReadOutcome {
	outcome := domain.ReadOutcome{Request: req}

	if int(req.Count) > c.cfg.MaxBatchSize {
		outcome.Err = fmt.Errorf("read %s exceeds batch size %d of connector %s", req, c.cfg.MaxBatchSize, c.name)
		return outcome
	}
	pdu, err := protocol.ReadPDU(req)
	if err != nil {
		outcome.Err = err
		return outcome
	}

	outcome.Err = c.submit(&call{
		ctx:  ctx,
		op:   opExchange,
		addr: addr,
		pdu:  pdu,
		handle: func(reply *modbus.ProtocolDataUnit) error {
			values, err := protocol.DecodeRegisters(req, pdu.FunctionCode, reply)
			outcome.Values = values
			return err
		},
	})
	if outcome.Err != nil {
		outcome.Values = nil
	}
	return outcome
}

// Write writes registers on the device at addr and verifies the acknowledgement.
func (c *Connector) Write(ctx context.Context, addr domain.Address, req domain.WriteRequest) error {
	pdu, err := protocol.WritePDU(req)
	if err != nil {
		return err
	}
	return c.submit(&call{
		ctx:  ctx,
		op:   opExchange,
		addr: addr,
		pdu:  pdu,
		handle: func(reply *modbus.ProtocolDataUnit) error {
			return protocol.VerifyWrite(pdu, reply)
		},
	})
}

// Stats returns a snapshot of the connector counters.
func (c *Connector) Stats() Stats {
	s := Stats{
		Name:     c.name,
		Kind:     c.codec.Kind().String(),
		Endpoint: c.transport.String(),
		State:    c.State().String(),
	}
	c.stats.fill(&s)
	return s
}

// Close stops the worker and closes the link. Queued callers receive ErrClosed.
func (c *Connector) Close() error {
	c.once.Do(func() {
		close(c.stop)
	})
	<-c.finished
	return nil
}

// submit hands a call to the worker and waits for its result. A call that
// cannot be queued before ctx ends resolves to the context error.
func (c *Connector) submit(cl *call) error {
	cl.done = make(chan error, 1)

	select {
	case c.calls <- cl:
	case <-cl.ctx.Done():
		return cl.ctx.Err()
	case <-c.stop:
		return ErrClosed
	}
	return <-cl.done
}

func (c *Connector) run() {
	defer close(c.finished)
	for {
		select {
		case <-c.stop:
			c.closeLink()
			return
		case cl := <-c.calls:
			cl.done <- c.serve(cl)
		}
	}
}

func (c *Connector) serve(cl *call) error {
	switch cl.op {
	case opConnect:
		if c.State() == StateConnected {
			return nil
		}
		if err := c.open(cl.ctx); err != nil {
			c.stats.addFailure(err)
			return err
		}
		return nil
	case opDisconnect:
		c.closeLink()
		return nil
	}

	if err := cl.ctx.Err(); err != nil {
		return err
	}
	c.stats.addRequest()

	err := c.exchange(cl)
	if err != nil {
		c.stats.addFailure(err)
		if domain.IsLinkFailure(err) {
			c.logger.Warn().Err(err).Str("device", cl.addr.String()).Msg("Link failure, disconnecting")
			c.closeLink()
		}
	}
	return err
}

func (c *Connector) exchange(cl *call) error {
	if c.State() != StateConnected {
		if err := c.open(cl.ctx); err != nil {
			return err
		}
	}

	timeout := c.cfg.Timeout
	if deadline, ok := cl.ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	reply, err := c.codec.Exchange(c.transport, cl.addr, cl.pdu, timeout)
	if err != nil {
		return fmt.Errorf("%s on %s: %w", cl.addr, c.name, err)
	}
	if err := cl.handle(reply); err != nil {
		return fmt.Errorf("%s on %s: %w", cl.addr, c.name, err)
	}
	return nil
}

func (c *Connector) open(ctx context.Context) error {
	c.state.Store(int32(StateConnecting))

	if err := c.transport.Open(ctx); err != nil {
		_ = c.transport.Close()
		c.state.Store(int32(StateDisconnected))
		c.logger.Warn().Err(err).Msg("Failed to connect")
		return err
	}

	c.state.Store(int32(StateConnected))
	c.stats.connected()
	c.logger.Info().Str("endpoint", c.transport.String()).Msg("Connected")
	return nil
}

func (c *Connector) closeLink() {
	if c.State() == StateDisconnected {
		return
	}
	if err := c.transport.Close(); err != nil {
		c.logger.Error().Err(err).Msg("Failed to close transport")
	}
	c.state.Store(int32(StateDisconnected))
	c.logger.Debug().Msg("Disconnected")
}

// meteredTransport counts the bytes that cross the link.
type meteredTransport struct {
	transport.Transport
	stats *counters
}

func (m *meteredTransport) Write(data []byte) error {
	if err := m.Transport.Write(data); err != nil {
		return err
	}
	m.stats.addBytesSent(len(data))
	return nil
}

func (m *meteredTransport) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	data, err := m.Transport.ReadExact(n, timeout)
	m.stats.addBytesReceived(len(data))
	return data, err
}

package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/resident-x/go-sunsynk/internal/config"
	"github.com/resident-x/go-sunsynk/internal/domain"
	"github.com/resident-x/go-sunsynk/internal/protocol"
	"github.com/resident-x/go-sunsynk/internal/transport"
	"github.com/rs/zerolog/log"
)

// Handle is the non-owning view of a connector given to sessions. It can
// issue requests but cannot close the shared link.
type Handle interface {
	Name() string
	Kind() protocol.Kind
	Config() Config
	State() State
	Execute(ctx context.Context, addr domain.Address, req domain.ReadRequest) domain.ReadOutcome
	Write(ctx context.Context, addr domain.Address, req domain.WriteRequest) error
}

// Manager is the arena of connectors keyed by name. It is the only owner of
// the connectors and closes them at shutdown.
type Manager struct {
	connectors map[string]*Connector
	mutex      sync.RWMutex
}

// NewManager creates an empty connector arena.
func NewManager() *Manager {
	return &Manager{connectors: make(map[string]*Connector)}
}

// NewManagerFromConfig builds one connector per configured link.
func NewManagerFromConfig(cfgs []config.ConnectorConfig) (*Manager, error) {
	m := NewManager()
	for _, cc := range cfgs {
		c, err := FromConfig(cc)
		if err != nil {
			_ = m.CloseAll()
			return nil, err
		}
		if err := m.Add(c); err != nil {
			_ = c.Close()
			_ = m.CloseAll()
			return nil, err
		}
	}
	return m, nil
}

// FromConfig creates a connector with the transport and codec its type and
// driver select.
func FromConfig(cc config.ConnectorConfig) (*Connector, error) {
	var (
		t    transport.Transport
		kind protocol.Kind
	)

	switch {
	case cc.Tunnel() && (cc.Type == config.TypeTCP || cc.Type == config.TypeSolarman):
		// The driver picks the tunnel even on a connector typed tcp.
		t = transport.NewTCPTransport(cc.Address(), cc.TimeoutDuration())
		kind = protocol.KindDongleTunnel
	case cc.Type == config.TypeTCP:
		t = transport.NewTCPTransport(cc.Address(), cc.TimeoutDuration())
		kind = protocol.KindModbusTCP
		if cc.Framing == config.FramingRTU {
			kind = protocol.KindModbusRTU
		}
	case cc.Type == config.TypeSerial && !cc.Tunnel():
		t = transport.NewSerialTransport(transport.SerialConfig{
			Device:   cc.Device,
			BaudRate: cc.BaudRate,
			Timeout:  cc.TimeoutDuration(),
		})
		kind = protocol.KindModbusRTU
	default:
		return nil, &domain.ConfigurationError{
			Subject: "connector " + cc.Name,
			Reason:  fmt.Sprintf("unsupported type %q with driver %q", cc.Type, cc.Driver),
		}
	}

	codec, err := protocol.NewCodec(kind)
	if err != nil {
		return nil, err
	}
	if tunnel, ok := codec.(*protocol.TunnelCodec); ok {
		tunnel.EchoLowByteOnly = cc.SequenceEcho == config.SequenceEchoLowByte
	}

	log.Info().
		Str("component", "connector").
		Str("connector", cc.Name).
		Str("type", cc.Type).
		Str("codec", kind.String()).
		Str("endpoint", t.String()).
		Msg("Creating connector")

	return New(cc.Name, t, codec, Config{
		Timeout:        cc.TimeoutDuration(),
		MaxBatchSize:   cc.MaxBatchSize,
		ReadAllowedGap: cc.Gap(),
	}), nil
}

// Add registers a connector under its name.
func (m *Manager) Add(c *Connector) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.connectors[c.Name()]; exists {
		return &domain.ConfigurationError{Subject: "connector " + c.Name(), Reason: "name should be unique"}
	}
	m.connectors[c.Name()] = c
	return nil
}

// Get returns the handle of a named connector.
func (m *Manager) Get(name string) (Handle, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	c, exists := m.connectors[name]
	if !exists {
		return nil, &domain.ConfigurationError{Subject: "connector " + name, Reason: "not found in configuration"}
	}
	return c, nil
}

// Names returns the connector names in sorted order.
func (m *Manager) Names() []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	names := make([]string, 0, len(m.connectors))
	for name := range m.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Stats returns statistics for all connectors, sorted by name.
func (m *Manager) Stats() []Stats {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats := make([]Stats, 0, len(m.connectors))
	for _, c := range m.connectors {
		stats = append(stats, c.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

// Count returns the number of connectors.
func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.connectors)
}

// CloseAll closes every connector in name order and empties the arena.
func (m *Manager) CloseAll() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	names := make([]string, 0, len(m.connectors))
	for name := range m.connectors {
		names = append(names, name)
	}
	sort.Strings(names)

	var firstErr error
	for _, name := range names {
		if err := m.connectors[name].Close(); err != nil {
			log.Error().Str("component", "connector").Str("connector", name).Err(err).Msg("Error closing connector")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		log.Info().Str("component", "connector").Str("connector", name).Msg("Closed connector")
	}

	m.connectors = make(map[string]*Connector)
	return firstErr
}

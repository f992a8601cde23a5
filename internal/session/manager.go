// Package session binds inverter addresses to shared connectors.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/resident-x/go-sunsynk/internal/config"
	"github.com/resident-x/go-sunsynk/internal/connector"
	"github.com/resident-x/go-sunsynk/internal/domain"
	"github.com/resident-x/go-sunsynk/internal/protocol"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// SerialRange holds the inverter serial number as ASCII, two characters per register.
var SerialRange = domain.RegisterRange{Start: 3, Count: 5, Kind: domain.KindHolding}

// Session is one inverter reached over a connector. It holds no state beyond
// its address; the connector serialises every request.
type Session struct {
	Name     string
	Address  domain.Address
	SerialNr string

	conn   connector.Handle
	logger zerolog.Logger
}

// New creates a session. A tunnel connector needs a dongle serial to address the device.
func New(name string, addr domain.Address, handle connector.Handle, serialNr string) (*Session, error) {
	if name == "" {
		return nil, &domain.ConfigurationError{Subject: "inverter", Reason: "name is required"}
	}
	if handle.Kind() == protocol.KindDongleTunnel && addr.DongleSerial == 0 {
		return nil, &domain.ConfigurationError{
			Subject: "inverter " + name,
			Reason:  fmt.Sprintf("connector %s needs a dongle serial number", handle.Name()),
		}
	}

	return &Session{
		Name:     name,
		Address:  addr,
		SerialNr: serialNr,
		conn:     handle,
		logger:   log.With().Str("component", "session").Str("inverter", name).Logger(),
	}, nil
}

// Connector returns the name of the connector the session uses.
func (s *Session) Connector() string {
	return s.conn.Name()
}

// Limits returns the batch size and gap allowance of the session's connector.
func (s *Session) Limits() (maxBatch, allowGap int) {
	cfg := s.conn.Config()
	return cfg.MaxBatchSize, cfg.ReadAllowedGap
}

// Read reads one batch from the inverter.
func (s *Session) Read(ctx context.Context, req domain.ReadRequest) domain.ReadOutcome {
	return s.conn.Execute(ctx, s.Address, req)
}

// Write writes registers on the inverter.
func (s *Session) Write(ctx context.Context, req domain.WriteRequest) error {
	return s.conn.Write(ctx, s.Address, req)
}

// CheckIdentity reads the serial number registers and compares them with the
// configured serial. A mismatch, or a dongle answering with another logger
// serial, is a ConfigurationError; other read failures are returned as they are.
func (s *Session) CheckIdentity(ctx context.Context) (string, error) {
	outcome := s.Read(ctx, domain.RequestFor(SerialRange))
	if outcome.Err != nil {
		var tunnelErr *domain.TunnelIntegrityError
		if errors.As(outcome.Err, &tunnelErr) && tunnelErr.Field == domain.TunnelSerial {
			return "", &domain.ConfigurationError{
				Subject: "inverter " + s.Name,
				Reason:  fmt.Sprintf("wrong dongle serial number %d: %s", s.Address.DongleSerial, tunnelErr.Reason),
			}
		}
		return "", fmt.Errorf("read serial of %s: %w", s.Name, outcome.Err)
	}

	serial := DecodeSerial(outcome.Values)
	if s.SerialNr != "" && serial != s.SerialNr {
		return serial, &domain.ConfigurationError{
			Subject: "inverter " + s.Name,
			Reason:  fmt.Sprintf("serial number mismatch: device reports %q, configured %q", serial, s.SerialNr),
		}
	}

	s.logger.Info().Str("serial", serial).Str("address", s.Address.String()).Msg("Inverter identified")
	return serial, nil
}

// DecodeSerial turns ASCII register words, high byte first, into a string.
func DecodeSerial(words []uint16) string {
	var b strings.Builder
	for _, w := range words {
		for _, c := range []byte{byte(w >> 8), byte(w)} {
			if c != 0 {
				b.WriteByte(c)
			}
		}
	}
	return strings.TrimSpace(b.String())
}

// Info is a session description for external consumption.
type Info struct {
	Name      string    `json:"name"`
	Connector string    `json:"connector"`
	Address   string    `json:"address"`
	SerialNr  string    `json:"serial_nr,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Manager holds the sessions of all configured inverters in configuration order.
type Manager struct {
	connectors *connector.Manager
	sessions   map[string]*Session
	created    map[string]time.Time
	order      []string
	mutex      sync.RWMutex
}

// NewManager creates a session manager over a connector arena.
func NewManager(connectors *connector.Manager) *Manager {
	return &Manager{
		connectors: connectors,
		sessions:   make(map[string]*Session),
		created:    make(map[string]time.Time),
	}
}

// NewManagerFromConfig creates one session per configured inverter.
func NewManagerFromConfig(cfg *config.Config, connectors *connector.Manager) (*Manager, error) {
	links := make(map[string]config.ConnectorConfig, len(cfg.Connectors))
	for _, cc := range cfg.Connectors {
		links[cc.Name] = cc
	}

	m := NewManager(connectors)
	for _, inv := range cfg.Inverters {
		addr := domain.Address{UnitID: uint8(inv.ModbusID), DongleSerial: inv.DongleSerialNumber}
		if addr.DongleSerial == 0 {
			addr.DongleSerial = links[inv.Connector].DongleSerial
		}
		if _, err := m.Create(inv.Name(), inv.Connector, addr, inv.SerialNr); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Create binds a new session to a named connector.
func (m *Manager) Create(name, connectorName string, addr domain.Address, serialNr string) (*Session, error) {
	handle, err := m.connectors.Get(connectorName)
	if err != nil {
		return nil, fmt.Errorf("inverter %s: %w", name, err)
	}
	s, err := New(name, addr, handle, serialNr)
	if err != nil {
		return nil, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.sessions[name]; exists {
		return nil, &domain.ConfigurationError{Subject: "inverter " + name, Reason: "name should be unique"}
	}
	m.sessions[name] = s
	m.created[name] = time.Now()
	m.order = append(m.order, name)

	s.logger.Info().
		Str("connector", connectorName).
		Str("address", addr.String()).
		Msg("Using connector for inverter")
	return s, nil
}

// Get retrieves a session by name.
func (m *Manager) Get(name string) (*Session, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	s, exists := m.sessions[name]
	return s, exists
}

// All returns the sessions in creation order.
func (m *Manager) All() []*Session {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	out := make([]*Session, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.sessions[name])
	}
	return out
}

// Infos describes all sessions in creation order.
func (m *Manager) Infos() []Info {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	out := make([]Info, 0, len(m.order))
	for _, name := range m.order {
		s := m.sessions[name]
		out = append(out, Info{
			Name:      s.Name,
			Connector: s.Connector(),
			Address:   s.Address.String(),
			SerialNr:  s.SerialNr,
			CreatedAt: m.created[name],
		})
	}
	return out
}

// Count returns the number of sessions.
func (m *Manager) Count() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.sessions)
}

// Remove drops a session. Its connector stays open for the other sessions;
// connectors are closed only by the connector arena.
func (m *Manager) Remove(name string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.sessions[name]; !exists {
		return
	}
	delete(m.sessions, name)
	delete(m.created, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
}

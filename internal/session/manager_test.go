package session

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/goburrow/modbus"
	"github.com/resident-x/go-sunsynk/internal/config"
	"github.com/resident-x/go-sunsynk/internal/connector"
	"github.com/resident-x/go-sunsynk/internal/domain"
	"github.com/resident-x/go-sunsynk/internal/protocol"
	"github.com/resident-x/go-sunsynk/internal/transport/transporttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// serialSlave answers holding reads from a register table that carries an
// ASCII serial at address 3.
func serialSlave(serial string) transporttest.Responder {
	codec := protocol.NewRTUCodec()
	table := make([]uint16, 32)
	for i := 0; i < len(serial) && i < 10; i += 2 {
		hi := serial[i]
		var lo byte
		if i+1 < len(serial) {
			lo = serial[i+1]
		}
		table[3+i/2] = uint16(hi)<<8 | uint16(lo)
	}

	return func(request []byte) ([]byte, error) {
		start := binary.BigEndian.Uint16(request[2:])
		count := binary.BigEndian.Uint16(request[4:])
		data := []byte{byte(2 * count)}
		for i := start; i < start+count; i++ {
			data = binary.BigEndian.AppendUint16(data, table[i])
		}
		return codec.Encode(request[0], &modbus.ProtocolDataUnit{FunctionCode: request[1], Data: data}), nil
	}
}

func newArena(t *testing.T, links map[string]*connector.Connector) *connector.Manager {
	t.Helper()
	arena := connector.NewManager()
	for _, c := range links {
		require.NoError(t, arena.Add(c))
	}
	t.Cleanup(func() { _ = arena.CloseAll() })
	return arena
}

func rtuConnector(name string, responder transporttest.Responder) *connector.Connector {
	return connector.New(name, &transporttest.Fake{Responder: responder}, protocol.NewRTUCodec(), connector.Config{Timeout: time.Second, MaxBatchSize: 10, ReadAllowedGap: 3})
}

func TestDecodeSerial(t *testing.T) {
	assert.Equal(t, "2105012345", DecodeSerial([]uint16{0x3231, 0x3035, 0x3031, 0x3233, 0x3435}))
	assert.Equal(t, "AB1", DecodeSerial([]uint16{0x4142, 0x3100, 0x0000}))
	assert.Equal(t, "", DecodeSerial(nil))
}

func TestSessionReadAndLimits(t *testing.T) {
	arena := newArena(t, map[string]*connector.Connector{
		"gateway": rtuConnector("gateway", serialSlave("2105012345")),
	})
	handle, err := arena.Get("gateway")
	require.NoError(t, err)

	s, err := New("ss1", domain.Address{UnitID: 1}, handle, "")
	require.NoError(t, err)
	assert.Equal(t, "gateway", s.Connector())

	maxBatch, gap := s.Limits()
	assert.Equal(t, 10, maxBatch)
	assert.Equal(t, 3, gap)

	outcome := s.Read(context.Background(), domain.ReadRequest{Start: 3, Count: 1})
	require.NoError(t, outcome.Err)
	assert.Equal(t, []uint16{0x3231}, outcome.Values)
}

func TestCheckIdentity(t *testing.T) {
	arena := newArena(t, map[string]*connector.Connector{
		"gateway": rtuConnector("gateway", serialSlave("2105012345")),
	})
	handle, err := arena.Get("gateway")
	require.NoError(t, err)

	t.Run("match", func(t *testing.T) {
		s, err := New("ss1", domain.Address{UnitID: 1}, handle, "2105012345")
		require.NoError(t, err)
		serial, err := s.CheckIdentity(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "2105012345", serial)
	})

	t.Run("not configured", func(t *testing.T) {
		s, err := New("ss2", domain.Address{UnitID: 2}, handle, "")
		require.NoError(t, err)
		serial, err := s.CheckIdentity(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "2105012345", serial)
	})

	t.Run("mismatch", func(t *testing.T) {
		s, err := New("ss3", domain.Address{UnitID: 3}, handle, "9999999999")
		require.NoError(t, err)
		_, err = s.CheckIdentity(context.Background())
		require.Error(t, err)
		assert.True(t, domain.IsFatal(err))
		assert.Contains(t, err.Error(), "serial number mismatch")
	})
}

func TestCheckIdentityReadFailureIsNotFatal(t *testing.T) {
	arena := newArena(t, map[string]*connector.Connector{
		"gateway": rtuConnector("gateway", func([]byte) ([]byte, error) { return nil, nil }),
	})
	handle, err := arena.Get("gateway")
	require.NoError(t, err)

	s, err := New("ss1", domain.Address{UnitID: 1}, handle, "2105012345")
	require.NoError(t, err)

	_, err = s.CheckIdentity(context.Background())
	require.Error(t, err)
	assert.False(t, domain.IsFatal(err))
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestCheckIdentityWrongDongleSerial(t *testing.T) {
	// The logger answers as 67305985 whatever serial the request carried.
	responder := func(request []byte) ([]byte, error) {
		frame, err := protocol.DecodeFrame(request)
		if err != nil {
			return nil, err
		}
		return protocol.EncodeFrame(protocol.TunnelFrame{
			Control:  protocol.ControlResponse,
			Sequence: frame.Sequence,
			Serial:   67305985,
			Payload:  make([]byte, 20),
		}), nil
	}
	tunnel := connector.New("dongle", &transporttest.Fake{Responder: responder}, protocol.NewTunnelCodec(), connector.Config{Timeout: time.Second, MaxBatchSize: 10})
	arena := newArena(t, map[string]*connector.Connector{"dongle": tunnel})
	handle, err := arena.Get("dongle")
	require.NoError(t, err)

	s, err := New("ss1", domain.Address{UnitID: 1, DongleSerial: 999}, handle, "")
	require.NoError(t, err)

	_, err = s.CheckIdentity(context.Background())
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
	assert.Contains(t, err.Error(), "wrong dongle serial number 999")
}

func TestTunnelSessionNeedsDongleSerial(t *testing.T) {
	tunnel := connector.New("dongle", &transporttest.Fake{}, protocol.NewTunnelCodec(), connector.Config{})
	arena := newArena(t, map[string]*connector.Connector{"dongle": tunnel})
	handle, err := arena.Get("dongle")
	require.NoError(t, err)

	_, err = New("ss1", domain.Address{UnitID: 1}, handle, "")
	var cfgErr *domain.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))

	_, err = New("ss1", domain.Address{UnitID: 1, DongleSerial: 42}, handle, "")
	assert.NoError(t, err)
}

func TestManagerFromConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Connectors = []config.ConnectorConfig{
		{Name: "gateway", Type: config.TypeTCP},
		{Name: "dongle", Type: config.TypeSolarman, DongleSerial: 2712345678},
	}
	cfg.Inverters = []config.InverterConfig{
		{Connector: "gateway", ModbusID: 1, HAPrefix: "ss1"},
		{Connector: "gateway", ModbusID: 2, HAPrefix: "ss2"},
		{Connector: "dongle", ModbusID: 1, HAPrefix: "ss3"},
		{Connector: "dongle", ModbusID: 1, HAPrefix: "ss4", DongleSerialNumber: 5},
	}

	arena := newArena(t, map[string]*connector.Connector{
		"gateway": rtuConnector("gateway", serialSlave("")),
		"dongle":  connector.New("dongle", &transporttest.Fake{}, protocol.NewTunnelCodec(), connector.Config{}),
	})

	m, err := NewManagerFromConfig(cfg, arena)
	require.NoError(t, err)
	require.Equal(t, 4, m.Count())

	var names []string
	for _, s := range m.All() {
		names = append(names, s.Name)
	}
	assert.Equal(t, []string{"ss1", "ss2", "ss3", "ss4"}, names)

	ss3, found := m.Get("ss3")
	require.True(t, found)
	assert.Equal(t, uint32(2712345678), ss3.Address.DongleSerial)

	ss4, found := m.Get("ss4")
	require.True(t, found)
	assert.Equal(t, uint32(5), ss4.Address.DongleSerial)

	infos := m.Infos()
	require.Len(t, infos, 4)
	assert.Equal(t, "gateway", infos[1].Connector)
	assert.Equal(t, "unit 2", infos[1].Address)
}

func TestManagerRejectsUnknownConnector(t *testing.T) {
	m := NewManager(newArena(t, nil))

	_, err := m.Create("ss1", "missing", domain.Address{UnitID: 1}, "")
	require.Error(t, err)
	assert.True(t, domain.IsFatal(err))
}

func TestRemoveKeepsSharedConnector(t *testing.T) {
	gateway := rtuConnector("gateway", serialSlave("2105012345"))
	m := NewManager(newArena(t, map[string]*connector.Connector{"gateway": gateway}))

	_, err := m.Create("ss1", "gateway", domain.Address{UnitID: 1}, "")
	require.NoError(t, err)
	ss2, err := m.Create("ss2", "gateway", domain.Address{UnitID: 2}, "")
	require.NoError(t, err)

	_, err = m.Create("ss2", "gateway", domain.Address{UnitID: 3}, "")
	assert.True(t, domain.IsFatal(err))

	outcome := ss2.Read(context.Background(), domain.ReadRequest{Start: 3, Count: 1})
	require.NoError(t, outcome.Err)

	m.Remove("ss1")
	m.Remove("unknown")
	assert.Equal(t, 1, m.Count())
	_, found := m.Get("ss1")
	assert.False(t, found)

	assert.Equal(t, connector.StateConnected, gateway.State())
	outcome = ss2.Read(context.Background(), domain.ReadRequest{Start: 4, Count: 1})
	require.NoError(t, outcome.Err)
}

package domain

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRange(t *testing.T) {
	tests := []struct {
		name        string
		start       uint16
		count       uint16
		expectError bool
	}{
		{name: "single register", start: 10, count: 1},
		{name: "last register", start: 0xFFFF, count: 1},
		{name: "zero count", start: 10, count: 0, expectError: true},
		{name: "past address space", start: 0xFFFE, count: 3, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := NewRange(KindHolding, tt.start, tt.count)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, int(tt.start)+int(tt.count)-1, r.End())
		})
	}
}

func TestParseRegisterKind(t *testing.T) {
	kind, err := ParseRegisterKind("input")
	require.NoError(t, err)
	assert.Equal(t, KindInput, kind)

	kind, err = ParseRegisterKind("")
	require.NoError(t, err)
	assert.Equal(t, KindHolding, kind)

	_, err = ParseRegisterKind("coil")
	assert.Error(t, err)
}

func TestReadRequestSlice(t *testing.T) {
	req := ReadRequest{Start: 10, Count: 5, Kind: KindHolding}
	values := []uint16{100, 101, 102, 103, 104}

	got, err := req.Slice(values, RegisterRange{Start: 12, Count: 2, Kind: KindHolding})
	require.NoError(t, err)
	assert.Equal(t, []uint16{102, 103}, got)

	_, err = req.Slice(values, RegisterRange{Start: 12, Count: 2, Kind: KindInput})
	assert.Error(t, err, "kind mismatch must not be covered")

	_, err = req.Slice(values, RegisterRange{Start: 14, Count: 2, Kind: KindHolding})
	assert.Error(t, err, "range past the request end")

	_, err = req.Slice(values[:3], RegisterRange{Start: 10, Count: 1, Kind: KindHolding})
	assert.Error(t, err, "short reply")
}

func TestCycleResultMarking(t *testing.T) {
	result := NewCycleResult("inv1")
	r := RegisterRange{Start: 1, Count: 1}

	assert.False(t, result.Resolved(r))

	result.MarkUnavailable(r, fmt.Errorf("boom"))
	assert.True(t, result.Resolved(r))
	assert.Contains(t, result.Unavailable, r)

	result.MarkAvailable(r, []uint16{7})
	assert.NotContains(t, result.Unavailable, r)
	assert.Equal(t, []uint16{7}, result.Values[r])

	// A later failure does not override a value already read this cycle
	result.MarkUnavailable(r, fmt.Errorf("late"))
	assert.NotContains(t, result.Unavailable, r)
}

func TestErrorClassification(t *testing.T) {
	timeout := fmt.Errorf("read: %w", ErrTimeout)
	framing := fmt.Errorf("decode: %w", NewFramingError("short reply"))
	exception := &ProtocolError{Function: 0x03, ExceptionCode: 2}
	tunnel := &TunnelIntegrityError{Field: TunnelSequence, Reason: "sequence mismatch"}
	cfg := &ConfigurationError{Subject: "inverter inv1", Reason: "serial mismatch"}

	assert.True(t, IsLinkFailure(timeout))
	assert.True(t, IsLinkFailure(framing))
	assert.False(t, IsLinkFailure(exception))
	assert.False(t, IsLinkFailure(tunnel))

	assert.True(t, IsRetryable(timeout))
	assert.True(t, IsRetryable(tunnel))
	assert.False(t, IsRetryable(cfg))
	assert.False(t, IsRetryable(context.DeadlineExceeded))
	assert.False(t, IsRetryable(nil))

	assert.True(t, IsFatal(fmt.Errorf("startup: %w", cfg)))
	assert.Equal(t, "modbus exception 2 (illegal data address) for function 0x03", exception.Error())
	assert.Equal(t, "tunnel integrity error (sequence): sequence mismatch", tunnel.Error())
}

func TestAddressString(t *testing.T) {
	assert.Equal(t, "unit 1", Address{UnitID: 1}.String())
	assert.Equal(t, "unit 1 via dongle 2712345678", Address{UnitID: 1, DongleSerial: 2712345678}.String())
}

func TestInverterRegistry(t *testing.T) {
	registry := NewInverterRegistry()

	require.NoError(t, registry.RegisterInverter("inv1", "gateway", Address{UnitID: 1}))
	require.NoError(t, registry.RegisterInverter("inv2", "gateway", Address{UnitID: 2}))
	assert.Error(t, registry.RegisterInverter("", "gateway", Address{UnitID: 3}))

	info, found := registry.GetInverter("inv1")
	require.True(t, found)
	assert.Equal(t, "gateway", info.Connector)
	assert.True(t, info.LastContact.IsZero())

	result := NewCycleResult("inv1")
	result.MarkAvailable(RegisterRange{Start: 1, Count: 1}, []uint16{1})
	result.MarkUnavailable(RegisterRange{Start: 5, Count: 1}, ErrTimeout)
	require.NoError(t, registry.RecordCycle("inv1", result))

	info, found = registry.GetInverter("inv1")
	require.True(t, found)
	assert.Equal(t, int64(1), info.Cycles)
	assert.Equal(t, int64(1), info.UnavailableTotal)
	assert.WithinDuration(t, time.Now(), info.LastContact, time.Second)

	err := registry.RecordCycle("missing", result)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "inverter missing not found")

	state := &InverterState{Inverter: "inv1", Values: map[string][]uint16{"battery_soc": {80}}}
	require.NoError(t, registry.RecordState("inv1", state))
	assert.Error(t, registry.RecordState("missing", state))
	info, _ = registry.GetInverter("inv1")
	require.NotNil(t, info.LastState)
	assert.True(t, info.LastState.Online())
	assert.False(t, (&InverterState{}).Online())

	_, found = registry.GetInverter("missing")
	assert.False(t, found)

	names := make([]string, 0)
	for _, inv := range registry.GetAllInverters() {
		names = append(names, inv.Name)
	}
	assert.ElementsMatch(t, []string{"inv1", "inv2"}, names)
}

func TestInverterRegistryConcurrentAccess(t *testing.T) {
	registry := NewInverterRegistry()
	require.NoError(t, registry.RegisterInverter("inv1", "gateway", Address{UnitID: 1}))

	done := make(chan bool, 3)

	go func() {
		for i := 0; i < 10; i++ {
			_ = registry.RecordCycle("inv1", NewCycleResult("inv1"))
		}
		done <- true
	}()

	go func() {
		for i := 0; i < 10; i++ {
			registry.GetInverter("inv1")
			registry.GetAllInverters()
		}
		done <- true
	}()

	go func() {
		for i := 0; i < 10; i++ {
			_ = registry.RegisterInverter("inv1", "gateway", Address{UnitID: 1})
		}
		done <- true
	}()

	for i := 0; i < 3; i++ {
		<-done
	}

	info, found := registry.GetInverter("inv1")
	require.True(t, found)
	assert.Equal(t, int64(10), info.Cycles)
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 10, cfg.Timeout)
	assert.Equal(t, 2, cfg.ReadAllowGap)
	assert.Equal(t, 20, cfg.ReadSensorsBatchSize)
	assert.Equal(t, DriverPymodbus, cfg.Driver)

	// Polling defaults
	assert.Equal(t, 30*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 1, cfg.Poll.Retries)
	assert.Equal(t, time.Duration(0), cfg.Poll.RetryDelay)

	// API defaults
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, 8080, cfg.API.Port)

	// MQTT defaults
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "localhost", cfg.MQTT.Host)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, "sunsynk", cfg.MQTT.Topic)
}

func TestLoadConfigWithNonExistentFile(t *testing.T) {
	_, err := Load("nonexistent_config.yaml")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config")
}

func TestLoadConfigWithInvalidYAML(t *testing.T) {
	path := writeConfig(t, "connectors: [\n  - name: x\n")

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadSharedConnector(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
read_sensors_batch_size: 8
connectors:
  - name: gateway
    type: tcp
    host: 192.168.1.50
    framing: rtu
  - name: dongle
    type: solarman
    host: 192.168.1.60
    port: 8899
    dongle_serial: 2712345678
    read_allow_gap: 0
inverters:
  - connector: gateway
    modbus_id: 1
    ha_prefix: " SS1 "
    serial_nr: "2105012345"
  - connector: gateway
    modbus_id: 2
    ha_prefix: ss2
  - connector: dongle
    ha_prefix: ss3
poll:
  interval: 15s
  retries: 2
  retry_delay: 250ms
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 15*time.Second, cfg.Poll.Interval)
	assert.Equal(t, 2, cfg.Poll.Retries)
	assert.Equal(t, 250*time.Millisecond, cfg.Poll.RetryDelay)

	require.Len(t, cfg.Connectors, 2)
	gateway := cfg.Connectors[0]
	assert.Equal(t, 502, gateway.Port)
	assert.Equal(t, FramingRTU, gateway.Framing)
	assert.Equal(t, 8, gateway.MaxBatchSize)
	assert.Equal(t, 2, gateway.Gap())
	assert.Equal(t, 10*time.Second, gateway.TimeoutDuration())
	assert.Equal(t, "192.168.1.50:502", gateway.Address())

	assert.Equal(t, DriverPymodbus, gateway.Driver)
	assert.False(t, gateway.Tunnel())

	dongle := cfg.Connectors[1]
	assert.Equal(t, DriverSolarman, dongle.Driver)
	assert.True(t, dongle.Tunnel())
	assert.Equal(t, uint32(2712345678), dongle.DongleSerial)
	assert.Equal(t, 0, dongle.Gap())
	assert.Equal(t, SequenceEchoFull, dongle.SequenceEcho)

	require.Len(t, cfg.Inverters, 3)
	assert.Equal(t, "ss1", cfg.Inverters[0].Name())
	assert.Equal(t, 1, cfg.Inverters[2].ModbusID)
}

func TestLoadEnvironmentOverride(t *testing.T) {
	path := writeConfig(t, `
mqtt:
  host: broker.local
`)
	t.Setenv("SUNSYNK_MQTT_HOST", "env-broker")
	t.Setenv("SUNSYNK_POLL_INTERVAL", "5s")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "env-broker", cfg.MQTT.Host)
	assert.Equal(t, 5*time.Second, cfg.Poll.Interval)
}

func TestNormalizeLegacyPort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Inverters = []InverterConfig{
		{HAPrefix: "ss1", Port: "tcp://10.0.0.5:8502", ModbusID: 3},
		{HAPrefix: "ss2", Port: "serial-tcp://10.0.0.6"},
		{HAPrefix: "ss3", Port: "/dev/ttyUSB0"},
	}

	require.NoError(t, cfg.Normalize())
	require.NoError(t, cfg.Validate())

	require.Len(t, cfg.Connectors, 3)
	assert.Equal(t, "ss1-direct", cfg.Inverters[0].Connector)

	assert.Equal(t, ConnectorConfig{
		Name:         "ss1-direct",
		Type:         TypeTCP,
		Driver:       DriverPymodbus,
		Host:         "10.0.0.5",
		Port:         8502,
		BaudRate:     9600,
		Framing:      FramingTCP,
		Timeout:      10,
		SequenceEcho: SequenceEchoFull,
		MaxBatchSize: 20,
		ReadAllowGap: cfg.Connectors[0].ReadAllowGap,
	}, cfg.Connectors[0])

	assert.Equal(t, FramingRTU, cfg.Connectors[1].Framing)
	assert.Equal(t, 502, cfg.Connectors[1].Port)

	assert.Equal(t, TypeSerial, cfg.Connectors[2].Type)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Connectors[2].Device)
	assert.Equal(t, FramingRTU, cfg.Connectors[2].Framing)
}

func TestLoadSolarmanDriverOnTCPConnector(t *testing.T) {
	path := writeConfig(t, `
connectors:
  - name: logger
    type: tcp
    driver: Solarman
    host: 192.168.1.60
    port: 8899
    dongle_serial: 2712345678
inverters:
  - connector: logger
    ha_prefix: ss1
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Connectors, 1)
	assert.Equal(t, DriverSolarman, cfg.Connectors[0].Driver)
	assert.True(t, cfg.Connectors[0].Tunnel())
}

func TestNormalizeLegacyPortWithSolarmanDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Driver = "solarman"
	cfg.Inverters = []InverterConfig{
		{HAPrefix: "ss1", Port: "tcp://10.0.0.5:8899", DongleSerialNumber: 2712345678},
	}

	require.NoError(t, cfg.Normalize())
	require.NoError(t, cfg.Validate())

	direct := cfg.Connectors[0]
	assert.Equal(t, DriverSolarman, direct.Driver)
	assert.True(t, direct.Tunnel())
	assert.Equal(t, uint32(2712345678), direct.DongleSerial)
}

func TestParsePortRejectsUnknownScheme(t *testing.T) {
	_, err := ParsePort("x", "udp://1.2.3.4:502")
	assert.Error(t, err)

	_, err = ParsePort("x", "tcp://1.2.3.4:abc")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		mutate   func(cfg *Config)
		contains string
	}{
		{
			name: "duplicate connector name",
			mutate: func(cfg *Config) {
				cfg.Connectors = append(cfg.Connectors, cfg.Connectors[0])
			},
			contains: "should be unique",
		},
		{
			name: "unknown connector reference",
			mutate: func(cfg *Config) {
				cfg.Inverters[0].Connector = "missing"
			},
			contains: "references unknown connector 'missing'",
		},
		{
			name: "solarman without dongle serial",
			mutate: func(cfg *Config) {
				cfg.Connectors[0].Type = TypeSolarman
			},
			contains: "requires dongle_serial",
		},
		{
			name: "solarman driver without dongle serial",
			mutate: func(cfg *Config) {
				cfg.Connectors[0].Driver = DriverSolarman
			},
			contains: "requires dongle_serial",
		},
		{
			name: "solarman driver on serial connector",
			mutate: func(cfg *Config) {
				cfg.Connectors[0].Type = TypeSerial
				cfg.Connectors[0].Device = "/dev/ttyUSB0"
				cfg.Connectors[0].Driver = DriverSolarman
				cfg.Connectors[0].DongleSerial = 1
			},
			contains: "solarman driver needs a network connector",
		},
		{
			name: "invalid driver",
			mutate: func(cfg *Config) {
				cfg.Connectors[0].Driver = "minimalmodbus"
			},
			contains: "invalid driver: minimalmodbus",
		},
		{
			name: "invalid global driver",
			mutate: func(cfg *Config) {
				cfg.Driver = "minimalmodbus"
			},
			contains: "invalid driver: minimalmodbus, expected",
		},
		{
			name: "invalid type",
			mutate: func(cfg *Config) {
				cfg.Connectors[0].Type = "udp"
			},
			contains: "invalid connector type",
		},
		{
			name: "duplicate ha_prefix",
			mutate: func(cfg *Config) {
				cfg.Inverters = append(cfg.Inverters, cfg.Inverters[0])
			},
			contains: "ha_prefix 'ss1' should be unique",
		},
		{
			name: "batch size above protocol limit",
			mutate: func(cfg *Config) {
				cfg.Connectors[0].MaxBatchSize = 126
			},
			contains: "max_batch_size 126 out of range",
		},
		{
			name: "negative gap",
			mutate: func(cfg *Config) {
				gap := -1
				cfg.Connectors[0].ReadAllowGap = &gap
			},
			contains: "read_allow_gap must not be negative",
		},
		{
			name: "serial without device",
			mutate: func(cfg *Config) {
				cfg.Connectors[0].Type = TypeSerial
				cfg.Connectors[0].Device = ""
			},
			contains: "device is required",
		},
		{
			name: "zero poll interval",
			mutate: func(cfg *Config) {
				cfg.Poll.Interval = 0
			},
			contains: "poll.interval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Connectors = []ConnectorConfig{{Name: "gateway", Type: TypeTCP, Host: "10.0.0.1"}}
			cfg.Inverters = []InverterConfig{{Connector: "gateway", HAPrefix: "ss1"}}
			require.NoError(t, cfg.Normalize())
			require.NoError(t, cfg.Validate())

			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.contains)
		})
	}
}

// Package config provides configuration management for the go-sunsynk application.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Connector types.
const (
	TypeTCP      = "tcp"
	TypeSerial   = "serial"
	TypeSolarman = "solarman"
)

// Drivers. solarman selects the dongle tunnel whatever the connector type;
// pymodbus and umodbus both speak plain Modbus.
const (
	DriverPymodbus = "pymodbus"
	DriverUmodbus  = "umodbus"
	DriverSolarman = "solarman"
)

// Framings for tcp connectors.
const (
	FramingTCP = "tcp"
	FramingRTU = "rtu"
)

// Sequence echo modes for solarman connectors.
const (
	SequenceEchoFull    = "full"
	SequenceEchoLowByte = "low_byte"
)

// MaxBatchSize is the largest register count a single Modbus read may carry.
const MaxBatchSize = 125

// Config holds all application configuration.
type Config struct {
	// General settings
	LogLevel             string `mapstructure:"log_level"`
	Manufacturer         string `mapstructure:"manufacturer"`
	Timeout              int    `mapstructure:"timeout"`
	ReadAllowGap         int    `mapstructure:"read_allow_gap"`
	ReadSensorsBatchSize int    `mapstructure:"read_sensors_batch_size"`
	// Driver applies to inverters configured with a legacy port.
	Driver string `mapstructure:"driver"`

	Connectors []ConnectorConfig `mapstructure:"connectors"`
	Inverters  []InverterConfig  `mapstructure:"inverters"`

	// Polling settings
	Poll struct {
		Interval   time.Duration `mapstructure:"interval"`
		Retries    int           `mapstructure:"retries"`
		RetryDelay time.Duration `mapstructure:"retry_delay"`
	} `mapstructure:"poll"`

	// Register selection
	Registers struct {
		Definitions          string   `mapstructure:"definitions"`
		Sensors              []string `mapstructure:"sensors"`
		SensorsFirstInverter []string `mapstructure:"sensors_first_inverter"`
	} `mapstructure:"registers"`

	// HTTP API settings
	API struct {
		Enabled bool   `mapstructure:"enabled"`
		Host    string `mapstructure:"host"`
		Port    int    `mapstructure:"port"`
	} `mapstructure:"api"`

	// MQTT settings
	MQTT struct {
		Enabled  bool   `mapstructure:"enabled"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		ClientID string `mapstructure:"client_id"`
		Topic    string `mapstructure:"topic"`
		Retain   bool   `mapstructure:"retain"`

		HomeAssistantDiscovery struct {
			Enabled         bool   `mapstructure:"enabled"`
			DiscoveryPrefix string `mapstructure:"discovery_prefix"`
			Retain          bool   `mapstructure:"retain"`
		} `mapstructure:"ha_discovery"`
	} `mapstructure:"mqtt"`
}

// ConnectorConfig describes one physical link.
type ConnectorConfig struct {
	Name         string `mapstructure:"name"`
	Type         string `mapstructure:"type"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Device       string `mapstructure:"device"`
	BaudRate     int    `mapstructure:"baudrate"`
	Driver       string `mapstructure:"driver"`
	Framing      string `mapstructure:"framing"`
	Timeout      int    `mapstructure:"timeout"`
	DongleSerial uint32 `mapstructure:"dongle_serial"`
	SequenceEcho string `mapstructure:"sequence_echo"`
	MaxBatchSize int    `mapstructure:"max_batch_size"`
	ReadAllowGap *int   `mapstructure:"read_allow_gap"`
}

// Tunnel reports whether the connector reaches its devices through a dongle tunnel.
func (c ConnectorConfig) Tunnel() bool {
	return c.Type == TypeSolarman || c.Driver == DriverSolarman
}

// Address returns the host:port dial address of a network connector.
func (c ConnectorConfig) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// TimeoutDuration returns the exchange timeout.
func (c ConnectorConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// Gap returns the configured gap allowance, 0 when unset.
func (c ConnectorConfig) Gap() int {
	if c.ReadAllowGap == nil {
		return 0
	}
	return *c.ReadAllowGap
}

// InverterConfig describes one inverter reached through a connector.
type InverterConfig struct {
	Connector          string `mapstructure:"connector"`
	Port               string `mapstructure:"port"`
	ModbusID           int    `mapstructure:"modbus_id"`
	HAPrefix           string `mapstructure:"ha_prefix"`
	SerialNr           string `mapstructure:"serial_nr"`
	DongleSerialNumber uint32 `mapstructure:"dongle_serial_number"`
}

// Name identifies the inverter in logs, topics and the API.
func (i InverterConfig) Name() string {
	if i.HAPrefix != "" {
		return i.HAPrefix
	}
	return i.SerialNr
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{
		LogLevel:             "info",
		Manufacturer:         "Sunsynk",
		Timeout:              10,
		ReadAllowGap:         2,
		ReadSensorsBatchSize: 20,
		Driver:               DriverPymodbus,
	}

	cfg.Poll.Interval = 30 * time.Second
	cfg.Poll.Retries = 1
	cfg.Poll.RetryDelay = 0

	cfg.Registers.Definitions = "single_phase"

	cfg.API.Enabled = true
	cfg.API.Host = "0.0.0.0"
	cfg.API.Port = 8080

	cfg.MQTT.Enabled = true
	cfg.MQTT.Host = "localhost"
	cfg.MQTT.Port = 1883
	cfg.MQTT.ClientID = "go-sunsynk"
	cfg.MQTT.Topic = "sunsynk"
	cfg.MQTT.HomeAssistantDiscovery.Enabled = true
	cfg.MQTT.HomeAssistantDiscovery.DiscoveryPrefix = "homeassistant"
	cfg.MQTT.HomeAssistantDiscovery.Retain = true

	return cfg
}

// Load reads the configuration from a file and environment variables, then
// normalises and validates it.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			log.Warn().Str("component", "config").Msg("No configuration file found, using defaults")
		} else {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	// Scalar keys need a default for AutomaticEnv to see them
	v.SetEnvPrefix("SUNSYNK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("manufacturer", cfg.Manufacturer)
	v.SetDefault("timeout", cfg.Timeout)
	v.SetDefault("read_allow_gap", cfg.ReadAllowGap)
	v.SetDefault("read_sensors_batch_size", cfg.ReadSensorsBatchSize)
	v.SetDefault("driver", cfg.Driver)
	v.SetDefault("poll.interval", cfg.Poll.Interval)
	v.SetDefault("poll.retries", cfg.Poll.Retries)
	v.SetDefault("poll.retry_delay", cfg.Poll.RetryDelay)
	v.SetDefault("registers.definitions", cfg.Registers.Definitions)
	v.SetDefault("api.enabled", cfg.API.Enabled)
	v.SetDefault("api.host", cfg.API.Host)
	v.SetDefault("api.port", cfg.API.Port)
	v.SetDefault("mqtt.enabled", cfg.MQTT.Enabled)
	v.SetDefault("mqtt.host", cfg.MQTT.Host)
	v.SetDefault("mqtt.port", cfg.MQTT.Port)
	v.SetDefault("mqtt.username", cfg.MQTT.Username)
	v.SetDefault("mqtt.password", cfg.MQTT.Password)
	v.SetDefault("mqtt.client_id", cfg.MQTT.ClientID)
	v.SetDefault("mqtt.topic", cfg.MQTT.Topic)
	v.SetDefault("mqtt.retain", cfg.MQTT.Retain)
	v.SetDefault("mqtt.ha_discovery.enabled", cfg.MQTT.HomeAssistantDiscovery.Enabled)
	v.SetDefault("mqtt.ha_discovery.discovery_prefix", cfg.MQTT.HomeAssistantDiscovery.DiscoveryPrefix)
	v.SetDefault("mqtt.ha_discovery.retain", cfg.MQTT.HomeAssistantDiscovery.Retain)
}

// Normalize fills connector defaults from the global settings and turns every
// legacy inverter port into a private connector named "<inverter>-direct".
func (c *Config) Normalize() error {
	c.Driver = strings.ToLower(strings.TrimSpace(c.Driver))
	if c.Driver == "" {
		c.Driver = DriverPymodbus
	}

	for i := range c.Inverters {
		inv := &c.Inverters[i]
		inv.HAPrefix = strings.ToLower(strings.TrimSpace(inv.HAPrefix))
		if inv.ModbusID == 0 {
			inv.ModbusID = 1
		}

		if inv.Connector != "" {
			if inv.Port != "" {
				log.Warn().Str("component", "config").
					Str("inverter", inv.Name()).
					Str("connector", inv.Connector).
					Msg("Both connector and port specified, using connector")
			}
			continue
		}
		if inv.Port == "" {
			continue
		}

		direct, err := ParsePort(inv.Name()+"-direct", inv.Port)
		if err != nil {
			return fmt.Errorf("inverter %s: %w", inv.Name(), err)
		}
		direct.Driver = c.Driver
		if c.Driver == DriverSolarman {
			direct.DongleSerial = inv.DongleSerialNumber
		}
		c.Connectors = append(c.Connectors, direct)
		inv.Connector = direct.Name
	}

	for i := range c.Connectors {
		conn := &c.Connectors[i]
		conn.Type = strings.ToLower(conn.Type)
		conn.Driver = strings.ToLower(strings.TrimSpace(conn.Driver))
		if conn.Driver == "" {
			conn.Driver = DriverPymodbus
			if conn.Type == TypeSolarman {
				conn.Driver = DriverSolarman
			}
		}
		if conn.Port == 0 && conn.Type != TypeSerial {
			conn.Port = 502
		}
		if conn.Type == TypeSerial && conn.Device == "" {
			conn.Device = conn.Host
		}
		if conn.BaudRate == 0 {
			conn.BaudRate = 9600
		}
		if conn.Framing == "" {
			conn.Framing = FramingTCP
			if conn.Type == TypeSerial {
				conn.Framing = FramingRTU
			}
		}
		if conn.SequenceEcho == "" {
			conn.SequenceEcho = SequenceEchoFull
		}
		if conn.Timeout == 0 {
			conn.Timeout = c.Timeout
		}
		if conn.MaxBatchSize == 0 {
			conn.MaxBatchSize = c.ReadSensorsBatchSize
		}
		if conn.ReadAllowGap == nil {
			gap := c.ReadAllowGap
			conn.ReadAllowGap = &gap
		}
	}
	return nil
}

// ParsePort builds a connector from a legacy port string:
// tcp://host:port, serial-tcp://host:port (RTU over TCP), serial:///dev/ttyUSB0 or /dev/ttyUSB0.
func ParsePort(name, port string) (ConnectorConfig, error) {
	conn := ConnectorConfig{Name: name}

	switch {
	case strings.HasPrefix(port, "tcp://"), strings.HasPrefix(port, "serial-tcp://"):
		conn.Type = TypeTCP
		conn.Framing = FramingTCP
		if strings.HasPrefix(port, "serial-tcp://") {
			conn.Framing = FramingRTU
		}
		hostPort := port[strings.Index(port, "://")+3:]
		host, portStr, err := net.SplitHostPort(hostPort)
		if err != nil {
			host, portStr = hostPort, "502"
		}
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return conn, fmt.Errorf("invalid port in %q: %w", port, err)
		}
		conn.Host = host
		conn.Port = p
	case strings.HasPrefix(port, "serial://"):
		conn.Type = TypeSerial
		conn.Device = strings.TrimPrefix(port, "serial://")
	case strings.HasPrefix(port, "/dev"):
		conn.Type = TypeSerial
		conn.Device = port
	default:
		return conn, fmt.Errorf("unsupported port %q", port)
	}

	if conn.Type == TypeSerial {
		log.Warn().Str("component", "config").Str("device", conn.Device).
			Msg("Use mbusd instead of connecting directly to a serial port")
	}
	return conn, nil
}

// Validate checks cross references and limits. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error

	if c.Poll.Interval <= 0 {
		errs = append(errs, fmt.Errorf("poll.interval must be positive"))
	}
	if c.Poll.Retries < 0 {
		errs = append(errs, fmt.Errorf("poll.retries must not be negative"))
	}
	switch c.Driver {
	case DriverPymodbus, DriverUmodbus, DriverSolarman:
	default:
		errs = append(errs, fmt.Errorf("invalid driver: %s, expected pymodbus, umodbus or solarman", c.Driver))
	}

	names := make(map[string]bool, len(c.Connectors))
	for _, conn := range c.Connectors {
		if conn.Name == "" {
			errs = append(errs, fmt.Errorf("connector without name"))
			continue
		}
		if names[conn.Name] {
			errs = append(errs, fmt.Errorf("connector name '%s' should be unique", conn.Name))
		}
		names[conn.Name] = true
		errs = append(errs, conn.validate()...)
	}

	prefixes := make(map[string]bool, len(c.Inverters))
	for i, inv := range c.Inverters {
		label := inv.Name()
		if label == "" {
			errs = append(errs, fmt.Errorf("inverter %d needs ha_prefix or serial_nr", i))
			continue
		}
		if prefixes[inv.HAPrefix] {
			errs = append(errs, fmt.Errorf("ha_prefix '%s' should be unique", inv.HAPrefix))
		}
		prefixes[inv.HAPrefix] = true

		if inv.Connector == "" {
			errs = append(errs, fmt.Errorf("inverter '%s' needs a connector or port", label))
		} else if !names[inv.Connector] {
			errs = append(errs, fmt.Errorf("inverter '%s' references unknown connector '%s'", label, inv.Connector))
		}
		if inv.ModbusID < 1 || inv.ModbusID > 247 {
			errs = append(errs, fmt.Errorf("inverter '%s' modbus_id %d out of range 1..247", label, inv.ModbusID))
		}
	}

	return errors.Join(errs...)
}

func (c ConnectorConfig) validate() []error {
	var errs []error
	fail := func(format string, args ...interface{}) {
		errs = append(errs, fmt.Errorf("connector '%s': "+format, append([]interface{}{c.Name}, args...)...))
	}

	switch c.Type {
	case TypeTCP, TypeSolarman:
		if c.Host == "" {
			fail("host is required")
		}
		if c.Port <= 0 || c.Port > 65535 {
			fail("port %d out of range", c.Port)
		}
	case TypeSerial:
		if c.Device == "" {
			fail("device is required")
		}
	default:
		fail("invalid connector type: %s", c.Type)
	}

	switch c.Driver {
	case DriverPymodbus, DriverUmodbus, DriverSolarman:
	default:
		fail("invalid driver: %s", c.Driver)
	}
	if c.Tunnel() && c.Type == TypeSerial {
		fail("solarman driver needs a network connector")
	}
	if c.Tunnel() && c.DongleSerial == 0 {
		fail("solarman connector requires dongle_serial")
	}
	if c.Framing != FramingTCP && c.Framing != FramingRTU {
		fail("invalid framing: %s", c.Framing)
	}
	if c.SequenceEcho != SequenceEchoFull && c.SequenceEcho != SequenceEchoLowByte {
		fail("invalid sequence_echo: %s", c.SequenceEcho)
	}
	if c.MaxBatchSize < 1 || c.MaxBatchSize > MaxBatchSize {
		fail("max_batch_size %d out of range 1..%d", c.MaxBatchSize, MaxBatchSize)
	}
	if c.Gap() < 0 {
		fail("read_allow_gap must not be negative")
	}
	if c.Timeout <= 0 {
		fail("timeout must be positive")
	}
	return errs
}

// Print displays the current configuration.
func (c *Config) Print() {
	logger := log.With().Str("component", "config").Logger()
	logger.Info().Msg("go-sunsynk Configuration:")
	logger.Info().Msg("-----------------------------")
	logger.Info().Str("log_level", c.LogLevel).Msg("Log Level")
	logger.Info().
		Dur("interval", c.Poll.Interval).
		Int("retries", c.Poll.Retries).
		Dur("retry_delay", c.Poll.RetryDelay).
		Msg("Polling")

	for _, conn := range c.Connectors {
		logger.Info().
			Str("name", conn.Name).
			Str("type", conn.Type).
			Str("driver", conn.Driver).
			Str("host", conn.Host).
			Int("port", conn.Port).
			Str("device", conn.Device).
			Int("max_batch_size", conn.MaxBatchSize).
			Int("read_allow_gap", conn.Gap()).
			Msg("Connector")
	}
	for _, inv := range c.Inverters {
		logger.Info().
			Str("name", inv.Name()).
			Str("connector", inv.Connector).
			Int("modbus_id", inv.ModbusID).
			Str("serial_nr", inv.SerialNr).
			Msg("Inverter")
	}

	logger.Info().Bool("enabled", c.API.Enabled).Msg("API Enabled")
	if c.API.Enabled {
		logger.Info().
			Str("host", c.API.Host).
			Int("port", c.API.Port).
			Msg("API Server")
	}

	logger.Info().Bool("enabled", c.MQTT.Enabled).Msg("MQTT Enabled")
	if c.MQTT.Enabled {
		logger.Info().
			Str("host", c.MQTT.Host).
			Int("port", c.MQTT.Port).
			Str("topic", c.MQTT.Topic).
			Msg("MQTT Configuration")
	}

	logger.Info().Msg("-----------------------------")
}

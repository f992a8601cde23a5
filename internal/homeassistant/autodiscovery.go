// Package homeassistant provides MQTT auto-discovery support for Home Assistant integration.
package homeassistant

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

//go:embed layouts/sunsynk_sensors.yaml
var sunsynkSensorsYAML []byte

// Config holds the Home Assistant auto-discovery configuration.
type Config struct {
	Enabled         bool
	DiscoveryPrefix string
	Manufacturer    string
	Model           string
	RetainDiscovery bool
}

// SensorConfig represents a sensor configuration from the layouts YAML.
type SensorConfig struct {
	Name              string `yaml:"name"`
	DeviceClass       string `yaml:"device_class,omitempty"`
	UnitOfMeasurement string `yaml:"unit_of_measurement,omitempty"`
	StateClass        string `yaml:"state_class,omitempty"`
	Category          string `yaml:"category"`
	Icon              string `yaml:"icon,omitempty"`
	StatusMapping     string `yaml:"status_mapping,omitempty"`
}

// LayoutConfig represents the full layout configuration for Home Assistant sensors.
type LayoutConfig struct {
	Version        string                            `yaml:"version"`
	Description    string                            `yaml:"description"`
	StatusMappings map[string]map[interface{}]string `yaml:"status_mappings"`
	Sensors        map[string]SensorConfig           `yaml:"sensors"`
}

// DiscoveryMessage represents a Home Assistant MQTT discovery message.
type DiscoveryMessage struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	DeviceClass         string     `json:"device_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
	Device              DeviceInfo `json:"device"`
	AvailabilityTopic   string     `json:"availability_topic"`
	PayloadAvailable    string     `json:"payload_available"`
	PayloadNotAvailable string     `json:"payload_not_available"`
}

// DeviceInfo represents device information for Home Assistant.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SerialNumber string   `json:"serial_number,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
}

// AutoDiscovery builds discovery and availability messages for one inverter.
type AutoDiscovery struct {
	config       Config
	layoutConfig *LayoutConfig
	baseTopic    string
	inverter     string
	serial       string
}

// New creates a discovery helper for the inverter whose states are published
// under baseTopic/inverter.
func New(config Config, baseTopic, inverter, serial string) (*AutoDiscovery, error) {
	if inverter == "" {
		return nil, fmt.Errorf("inverter name is required")
	}
	ad := &AutoDiscovery{
		config:    config,
		baseTopic: strings.TrimSuffix(baseTopic, "/"),
		inverter:  inverter,
		serial:    serial,
	}

	if err := ad.loadLayoutConfig(); err != nil {
		return nil, fmt.Errorf("failed to load layout config: %w", err)
	}

	return ad, nil
}

func (ad *AutoDiscovery) loadLayoutConfig() error {
	var config LayoutConfig
	if err := yaml.Unmarshal(sunsynkSensorsYAML, &config); err != nil {
		return fmt.Errorf("failed to unmarshal Home Assistant sensors config: %w", err)
	}

	ad.layoutConfig = &config
	log.Debug().
		Str("component", "homeassistant").
		Str("version", config.Version).
		Int("sensor_count", len(config.Sensors)).
		Msg("Home Assistant layout configuration loaded")

	return nil
}

// StateTopic returns the topic carrying the value of one register.
func (ad *AutoDiscovery) StateTopic(register string) string {
	return fmt.Sprintf("%s/%s/%s", ad.baseTopic, ad.inverter, register)
}

// GetAvailabilityTopic returns the availability topic for the inverter.
func (ad *AutoDiscovery) GetAvailabilityTopic() string {
	return fmt.Sprintf("%s/%s/availability", ad.baseTopic, ad.inverter)
}

// CreateAvailabilityMessage returns the availability payload.
func (ad *AutoDiscovery) CreateAvailabilityMessage(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}

// StateValue renders register words as a state payload. Single words are
// passed through the register's status mapping when it has one.
func (ad *AutoDiscovery) StateValue(register string, words []uint16) string {
	if len(words) == 1 {
		if mapped, ok := ad.applyStatusMapping(register, words[0]); ok {
			return mapped
		}
		return fmt.Sprintf("%d", words[0])
	}

	parts := make([]string, len(words))
	for i, w := range words {
		parts[i] = fmt.Sprintf("%d", w)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func (ad *AutoDiscovery) applyStatusMapping(register string, value uint16) (string, bool) {
	sensor, exists := ad.layoutConfig.Sensors[register]
	if !exists || sensor.StatusMapping == "" {
		return "", false
	}
	mapping, exists := ad.layoutConfig.StatusMappings[sensor.StatusMapping]
	if !exists {
		log.Warn().Str("mapping_key", sensor.StatusMapping).Msg("Status mapping not found")
		return "", false
	}

	if result, found := mapping[int(value)]; found {
		return result, true
	}
	if defaultVal, found := mapping["default"]; found {
		return defaultVal, true
	}
	return "", false
}

// GenerateDiscoveryMessages returns one discovery message per register, keyed by topic.
func (ad *AutoDiscovery) GenerateDiscoveryMessages(registers []string) map[string]DiscoveryMessage {
	messages := make(map[string]DiscoveryMessage, len(registers))
	for _, register := range registers {
		messages[ad.getDiscoveryTopic(register)] = ad.createDiscoveryMessage(register)
	}
	return messages
}

func (ad *AutoDiscovery) createDiscoveryMessage(register string) DiscoveryMessage {
	sensor, exists := ad.layoutConfig.Sensors[register]
	if !exists {
		sensor = SensorConfig{Name: displayName(register)}
	}

	var entityCategory string
	if sensor.Category == "diagnostic" {
		entityCategory = "diagnostic"
	}

	return DiscoveryMessage{
		Name:              sensor.Name,
		UniqueID:          fmt.Sprintf("%s_%s", ad.nodeID(), register),
		StateTopic:        ad.StateTopic(register),
		DeviceClass:       sensor.DeviceClass,
		UnitOfMeasurement: sensor.UnitOfMeasurement,
		StateClass:        sensor.StateClass,
		Icon:              sensor.Icon,
		EntityCategory:    entityCategory,
		Device: DeviceInfo{
			Identifiers:  []string{ad.deviceIdentifier()},
			Name:         fmt.Sprintf("%s %s", ad.config.Manufacturer, ad.inverter),
			Manufacturer: ad.config.Manufacturer,
			Model:        ad.config.Model,
			SerialNumber: ad.serial,
			SwVersion:    "go-sunsynk",
		},
		AvailabilityTopic:   ad.GetAvailabilityTopic(),
		PayloadAvailable:    ad.CreateAvailabilityMessage(true),
		PayloadNotAvailable: ad.CreateAvailabilityMessage(false),
	}
}

// <discovery_prefix>/sensor/<node_id>/<object_id>/config
func (ad *AutoDiscovery) getDiscoveryTopic(register string) string {
	nodeID := ad.nodeID()
	return fmt.Sprintf("%s/sensor/%s/%s_%s/config", ad.config.DiscoveryPrefix, nodeID, nodeID, register)
}

func (ad *AutoDiscovery) nodeID() string {
	return strings.ToLower(strings.ReplaceAll("sunsynk_"+ad.inverter, " ", "_"))
}

func (ad *AutoDiscovery) deviceIdentifier() string {
	if ad.serial != "" {
		return "sunsynk_" + ad.serial
	}
	return ad.nodeID()
}

// CleanupDiscoveryMessages generates empty messages that remove entities from Home Assistant.
func (ad *AutoDiscovery) CleanupDiscoveryMessages(registers []string) map[string]string {
	messages := make(map[string]string, len(registers))
	for _, register := range registers {
		messages[ad.getDiscoveryTopic(register)] = ""
	}
	return messages
}

// KnownSensors lists the registers the layout describes.
func (ad *AutoDiscovery) KnownSensors() []string {
	names := make([]string, 0, len(ad.layoutConfig.Sensors))
	for name := range ad.layoutConfig.Sensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func displayName(register string) string {
	words := strings.Split(register, "_")
	for i, word := range words {
		if len(word) > 0 {
			words[i] = strings.ToUpper(word[:1]) + word[1:]
		}
	}
	return strings.Join(words, " ")
}

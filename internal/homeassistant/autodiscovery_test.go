package homeassistant

import (
	"encoding/json"
	"testing"
)

func testConfig() Config {
	return Config{
		Enabled:         true,
		DiscoveryPrefix: "homeassistant",
		Manufacturer:    "Sunsynk",
		Model:           "SUN-5K-SG03LP1",
		RetainDiscovery: true,
	}
}

func TestNew(t *testing.T) {
	ad, err := New(testConfig(), "sunsynk/", "ss1", "2105012345")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}

	if ad.baseTopic != "sunsynk" {
		t.Errorf("Expected base topic sunsynk, got %s", ad.baseTopic)
	}

	if len(ad.KnownSensors()) == 0 {
		t.Error("Expected layout sensors to be loaded")
	}

	if _, err := New(testConfig(), "sunsynk", "", ""); err == nil {
		t.Error("Expected error for empty inverter name")
	}
}

func TestTopics(t *testing.T) {
	ad, err := New(testConfig(), "sunsynk", "ss1", "")
	if err != nil {
		t.Fatalf("Failed to create AutoDiscovery: %v", err)
	}

	if got := ad.StateTopic("battery_soc"); got != "sunsynk/ss1/battery_soc" {
		t.Errorf("Unexpected state topic %s", got)
	}
	if got := ad.GetAvailabilityTopic(); got != "sunsynk/ss1/availability" {
		t.Errorf("Unexpected availability topic %s", got)
	}
	if ad.CreateAvailabilityMessage(true) != "online" || ad.CreateAvailabilityMessage(false) != "offline" {
		t.Error("Unexpected availability payloads")
	}
}

func TestGenerateDiscoveryMessages(t *testing.T) {
	ad, err := New(testConfig(), "sunsynk", "ss1", "2105012345")
	if err != nil {
		t.Fatalf("Failed to create AutoDiscovery: %v", err)
	}

	messages := ad.GenerateDiscoveryMessages([]string{"battery_soc", "day_pv_energy", "overall_state"})
	if len(messages) != 3 {
		t.Fatalf("Expected 3 discovery messages, got %d", len(messages))
	}

	soc, ok := messages["homeassistant/sensor/sunsynk_ss1/sunsynk_ss1_battery_soc/config"]
	if !ok {
		t.Fatalf("Missing battery_soc discovery topic, got %v", messages)
	}
	if soc.Name != "Battery SOC" || soc.DeviceClass != "battery" || soc.UnitOfMeasurement != "%" {
		t.Errorf("Unexpected battery_soc message %+v", soc)
	}
	if soc.StateTopic != "sunsynk/ss1/battery_soc" {
		t.Errorf("Unexpected state topic %s", soc.StateTopic)
	}
	if soc.AvailabilityTopic != "sunsynk/ss1/availability" {
		t.Errorf("Unexpected availability topic %s", soc.AvailabilityTopic)
	}
	if soc.Device.Identifiers[0] != "sunsynk_2105012345" || soc.Device.SerialNumber != "2105012345" {
		t.Errorf("Unexpected device info %+v", soc.Device)
	}

	// Registers missing from the layout still get an entity
	energy := messages["homeassistant/sensor/sunsynk_ss1/sunsynk_ss1_day_pv_energy/config"]
	if energy.Name != "Day Pv Energy" {
		t.Errorf("Expected generated name, got %q", energy.Name)
	}

	state := messages["homeassistant/sensor/sunsynk_ss1/sunsynk_ss1_overall_state/config"]
	if state.EntityCategory != "diagnostic" {
		t.Errorf("Expected diagnostic category, got %q", state.EntityCategory)
	}

	raw, err := json.Marshal(soc)
	if err != nil {
		t.Fatalf("Failed to marshal: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("Failed to unmarshal: %v", err)
	}
	if decoded["unique_id"] != "sunsynk_ss1_battery_soc" {
		t.Errorf("Unexpected unique_id %v", decoded["unique_id"])
	}
}

func TestStateValue(t *testing.T) {
	ad, err := New(testConfig(), "sunsynk", "ss1", "")
	if err != nil {
		t.Fatalf("Failed to create AutoDiscovery: %v", err)
	}

	tests := []struct {
		register string
		words    []uint16
		expected string
	}{
		{"battery_soc", []uint16{87}, "87"},
		{"total_pv_energy", []uint16{1, 2}, "[1,2]"},
		{"overall_state", []uint16{2}, "normal"},
		{"overall_state", []uint16{9}, "unknown"},
		{"grid_connected_status", []uint16{1}, "on-grid"},
	}

	for _, tt := range tests {
		if got := ad.StateValue(tt.register, tt.words); got != tt.expected {
			t.Errorf("StateValue(%s, %v) = %s, expected %s", tt.register, tt.words, got, tt.expected)
		}
	}
}

func TestCleanupDiscoveryMessages(t *testing.T) {
	ad, err := New(testConfig(), "sunsynk", "ss1", "")
	if err != nil {
		t.Fatalf("Failed to create AutoDiscovery: %v", err)
	}

	messages := ad.CleanupDiscoveryMessages([]string{"battery_soc", "load_power"})
	if len(messages) != 2 {
		t.Fatalf("Expected 2 cleanup messages, got %d", len(messages))
	}
	for topic, payload := range messages {
		if payload != "" {
			t.Errorf("Expected empty payload for %s", topic)
		}
	}
}

// Package pubsub provides implementations of message publishers.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/resident-x/go-sunsynk/internal/config"
	"github.com/resident-x/go-sunsynk/internal/domain"
	"github.com/resident-x/go-sunsynk/internal/homeassistant"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
)

// NoopPublisher is a no-operation implementation of the MessagePublisher interface.
type NoopPublisher struct{}

// NewNoopPublisher creates a new no-operation publisher.
func NewNoopPublisher() *NoopPublisher {
	return &NoopPublisher{}
}

// Connect is a no-op for the NoopPublisher.
func (p *NoopPublisher) Connect(_ context.Context) error {
	return nil
}

// Publish is a no-op for the NoopPublisher.
func (p *NoopPublisher) Publish(_ context.Context, _ string, _ interface{}) error {
	return nil
}

// Close is a no-op for the NoopPublisher.
func (p *NoopPublisher) Close() error {
	return nil
}

// MQTTPublisher implements the MessagePublisher interface for MQTT.
//
// Inverter states are published one topic per register under
// <topic>/<inverter>/<register>, with <topic>/<inverter>/availability set to
// online or offline after every cycle. The bridge itself announces
// <topic>/status and leaves an offline will there.
type MQTTPublisher struct {
	config        *config.Config
	client        mqtt.Client
	clientFactory func(*config.Config, mqtt.OnConnectHandler, mqtt.ConnectionLostHandler) mqtt.Client
	logger        zerolog.Logger

	connected       bool
	birthSubscribed bool
	discovery       map[string]*homeassistant.AutoDiscovery
	discovered      map[string]bool
	mu              sync.RWMutex
}

// NewMQTTPublisher creates a new MQTT publisher.
func NewMQTTPublisher(cfg *config.Config) *MQTTPublisher {
	return &MQTTPublisher{
		config:        cfg,
		clientFactory: createMQTTClient,
		logger:        log.With().Str("component", "mqtt").Logger(),
		discovery:     make(map[string]*homeassistant.AutoDiscovery),
		discovered:    make(map[string]bool),
	}
}

// StatusTopic is where the bridge announces itself.
func (p *MQTTPublisher) StatusTopic() string {
	return p.config.MQTT.Topic + "/status"
}

func createMQTTClient(cfg *config.Config, onConnect mqtt.OnConnectHandler, onLost mqtt.ConnectionLostHandler) mqtt.Client {
	clientID := cfg.MQTT.ClientID
	if clientID == "" {
		clientID = fmt.Sprintf("go-sunsynk-%d", time.Now().Unix())
	}

	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", cfg.MQTT.Host, cfg.MQTT.Port)).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetWriteTimeout(publishTimeout).
		SetKeepAlive(30*time.Second).
		SetCleanSession(true).
		SetWill(cfg.MQTT.Topic+"/status", "offline", 0, true).
		SetOnConnectHandler(onConnect).
		SetConnectionLostHandler(onLost)

	if cfg.MQTT.Username != "" {
		opts.SetUsername(cfg.MQTT.Username)
		opts.SetPassword(cfg.MQTT.Password)
	}

	return mqtt.NewClient(opts)
}

// Connect establishes a connection to the MQTT broker.
func (p *MQTTPublisher) Connect(ctx context.Context) error {
	if !p.config.MQTT.Enabled {
		return nil
	}

	p.mu.Lock()
	if p.client == nil {
		p.client = p.clientFactory(p.config, p.onConnect, p.onConnectionLost)
	}
	client := p.client
	p.mu.Unlock()

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	token := client.Connect()
	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: %w", connectCtx.Err())
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
		}
	}

	p.mu.Lock()
	p.connected = true
	p.mu.Unlock()

	if err := p.publishRaw(ctx, p.StatusTopic(), "online", true); err != nil {
		p.logger.Warn().Err(err).Msg("Failed to announce bridge status")
	}
	if p.config.MQTT.HomeAssistantDiscovery.Enabled {
		p.subscribeToBirthMessage()
	}

	p.logger.Info().
		Str("host", p.config.MQTT.Host).
		Int("port", p.config.MQTT.Port).
		Msg("Connected to MQTT broker")
	return nil
}

// onConnect runs on every (re)connection. Discovery is resent afterwards.
func (p *MQTTPublisher) onConnect(_ mqtt.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	p.discovered = make(map[string]bool)
	p.logger.Debug().Msg("Cleared discovery cache on connection")
}

func (p *MQTTPublisher) onConnectionLost(_ mqtt.Client, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	p.birthSubscribed = false
	p.logger.Warn().Err(err).Msg("MQTT connection lost")
}

// subscribeToBirthMessage subscribes to Home Assistant birth messages.
func (p *MQTTPublisher) subscribeToBirthMessage() {
	p.mu.Lock()
	if p.birthSubscribed || !p.connected {
		p.mu.Unlock()
		return
	}
	client := p.client
	p.mu.Unlock()

	birthTopic := fmt.Sprintf("%s/status", p.config.MQTT.HomeAssistantDiscovery.DiscoveryPrefix)
	token := client.Subscribe(birthTopic, 0, p.handleBirthMessage)
	if !token.WaitTimeout(publishTimeout) {
		p.logger.Warn().Str("topic", birthTopic).Msg("Timed out subscribing to birth message")
		return
	}
	if err := token.Error(); err != nil {
		p.logger.Warn().Err(err).Str("topic", birthTopic).Msg("Failed to subscribe to birth message")
		return
	}

	p.mu.Lock()
	p.birthSubscribed = true
	p.mu.Unlock()
	p.logger.Info().Str("topic", birthTopic).Msg("Subscribed to Home Assistant birth messages")
}

// handleBirthMessage clears the discovery cache when Home Assistant comes online.
func (p *MQTTPublisher) handleBirthMessage(_ mqtt.Client, msg mqtt.Message) {
	payload := string(msg.Payload())
	p.logger.Debug().Str("topic", msg.Topic()).Str("payload", payload).Msg("Received Home Assistant birth message")

	if payload == "online" {
		p.mu.Lock()
		p.discovered = make(map[string]bool)
		p.mu.Unlock()
		p.logger.Info().Msg("Home Assistant came online, discovery will be resent")
	}
}

func (p *MQTTPublisher) isConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// Publish sends data to the specified topic. An *domain.InverterState is
// spread over its register topics and topic is ignored.
func (p *MQTTPublisher) Publish(ctx context.Context, topic string, data interface{}) error {
	if !p.config.MQTT.Enabled || !p.isConnected() {
		return nil
	}

	if state, ok := data.(*domain.InverterState); ok {
		return p.publishInverterState(ctx, state)
	}
	return p.publishGeneric(ctx, topic, data)
}

func (p *MQTTPublisher) publishGeneric(ctx context.Context, topic string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data to JSON: %w", err)
	}
	return p.publishRaw(ctx, topic, jsonData, p.config.MQTT.Retain)
}

func (p *MQTTPublisher) publishRaw(ctx context.Context, topic string, payload interface{}, retain bool) error {
	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	p.mu.RLock()
	client := p.client
	p.mu.RUnlock()

	token := client.Publish(topic, 0, retain, payload)
	select {
	case <-publishCtx.Done():
		return fmt.Errorf("publish to %s: %w", topic, publishCtx.Err())
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to publish message to %s: %w", topic, token.Error())
		}
	}
	return nil
}

func (p *MQTTPublisher) publishInverterState(ctx context.Context, state *domain.InverterState) error {
	ad, err := p.discoveryFor(state)
	if err != nil {
		return err
	}

	names := make([]string, 0, len(state.Values))
	for name := range state.Values {
		names = append(names, name)
	}
	sort.Strings(names)

	if p.config.MQTT.HomeAssistantDiscovery.Enabled {
		if err := p.publishDiscovery(ctx, ad, append(names, state.Unavailable...)); err != nil {
			return err
		}
	}

	for _, name := range names {
		value := ad.StateValue(name, state.Values[name])
		if err := p.publishRaw(ctx, ad.StateTopic(name), value, p.config.MQTT.Retain); err != nil {
			return err
		}
	}

	availability := ad.CreateAvailabilityMessage(state.Online())
	if err := p.publishRaw(ctx, ad.GetAvailabilityTopic(), availability, true); err != nil {
		return err
	}

	p.logger.Debug().
		Str("inverter", state.Inverter).
		Int("registers", len(names)).
		Int("unavailable", len(state.Unavailable)).
		Str("availability", availability).
		Msg("Published inverter state")
	return nil
}

func (p *MQTTPublisher) discoveryFor(state *domain.InverterState) (*homeassistant.AutoDiscovery, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ad, ok := p.discovery[state.Inverter]; ok {
		return ad, nil
	}

	ha := p.config.MQTT.HomeAssistantDiscovery
	ad, err := homeassistant.New(homeassistant.Config{
		Enabled:         ha.Enabled,
		DiscoveryPrefix: ha.DiscoveryPrefix,
		Manufacturer:    p.config.Manufacturer,
		RetainDiscovery: ha.Retain,
	}, p.config.MQTT.Topic, state.Inverter, state.SerialNr)
	if err != nil {
		return nil, fmt.Errorf("failed to setup Home Assistant discovery: %w", err)
	}
	p.discovery[state.Inverter] = ad
	return ad, nil
}

// publishDiscovery sends discovery for registers not announced since the last (re)connection.
func (p *MQTTPublisher) publishDiscovery(ctx context.Context, ad *homeassistant.AutoDiscovery, registers []string) error {
	for topic, message := range ad.GenerateDiscoveryMessages(registers) {
		p.mu.RLock()
		done := p.discovered[topic]
		p.mu.RUnlock()
		if done {
			continue
		}

		messageJSON, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal discovery message: %w", err)
		}
		if err := p.publishRaw(ctx, topic, messageJSON, p.config.MQTT.HomeAssistantDiscovery.Retain); err != nil {
			return err
		}

		p.mu.Lock()
		p.discovered[topic] = true
		p.mu.Unlock()
	}
	return nil
}

// Close marks every known inverter and the bridge offline, then disconnects.
func (p *MQTTPublisher) Close() error {
	if !p.isConnected() {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()

	p.mu.RLock()
	topics := make([]string, 0, len(p.discovery))
	for _, ad := range p.discovery {
		topics = append(topics, ad.GetAvailabilityTopic())
	}
	p.mu.RUnlock()

	for _, topic := range append(topics, p.StatusTopic()) {
		if err := p.publishRaw(ctx, topic, "offline", true); err != nil {
			p.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to publish offline status")
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.client.Disconnect(250)
	p.connected = false
	p.logger.Info().Msg("Disconnected from MQTT broker")
	return nil
}

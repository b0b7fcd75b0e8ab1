// Package pubsub provides the MQTT bus backend and an optional embedded broker.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"

	"github.com/resident-x/go-fronius-meter/internal/bus"
	"github.com/resident-x/go-fronius-meter/internal/config"
	"github.com/resident-x/go-fronius-meter/internal/homeassistant"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	writeTimeout   = 5 * time.Second
)

// Options configures an MQTTService.
type Options struct {
	Host           string
	Port           int
	Username       string
	Password       string
	ClientID       string
	PortalID       string
	DeviceInstance int

	// HomeAssistant describes the device for discovery. With Discovery set its sensors
	// are announced, otherwise retained sensors of an earlier run are removed.
	HomeAssistant *homeassistant.AutoDiscovery
	Discovery     bool
}

// OptionsFromSettings builds MQTT options from the loaded configuration.
func OptionsFromSettings(cfg *config.Settings, ha *homeassistant.AutoDiscovery) Options {
	return Options{
		Host:           cfg.MQTT.Host,
		Port:           cfg.MQTT.Port,
		Username:       cfg.MQTT.Username,
		Password:       cfg.MQTT.Password,
		ClientID:       cfg.MQTT.ClientID,
		PortalID:       cfg.MQTT.PortalID,
		DeviceInstance: cfg.DeviceInstance,
		HomeAssistant:  ha,
		Discovery:      ha != nil && cfg.MQTT.HomeAssistant.Enabled,
	}
}

type valueMessage struct {
	Value interface{} `json:"value"`
}

// MQTTService publishes a bus.Store as retained N/ topics and accepts writes on W/ topics.
type MQTTService struct {
	*bus.Store

	name          string
	opts          Options
	client        mqtt.Client
	clientFactory func(opts *mqtt.ClientOptions) mqtt.Client
	logger        zerolog.Logger

	mutex        sync.RWMutex
	connected    bool
	publishMutex sync.Mutex
}

// NewMQTTService creates an unregistered MQTT bus service.
func NewMQTTService(name string, opts Options) *MQTTService {
	s := &MQTTService{
		Store:         bus.NewStore(),
		name:          name,
		opts:          opts,
		clientFactory: mqtt.NewClient,
		logger:        log.With().Str("component", "mqtt").Str("service", name).Logger(),
	}
	s.Subscribe(s.publishValue)
	return s
}

// Name returns the service name.
func (s *MQTTService) Name() string {
	return s.name
}

func (s *MQTTService) topicBase() string {
	return fmt.Sprintf("%s/grid/%d", s.opts.PortalID, s.opts.DeviceInstance)
}

// ValueTopic returns the N/ topic a path is published on.
func (s *MQTTService) ValueTopic(path string) string {
	return "N/" + s.topicBase() + path
}

// WriteTopic returns the W/ topic other clients write a path on.
func (s *MQTTService) WriteTopic(path string) string {
	return "W/" + s.topicBase() + path
}

func (s *MQTTService) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", s.opts.Host, s.opts.Port)).
		SetClientID(s.opts.ClientID).
		SetAutoReconnect(true).
		SetConnectTimeout(connectTimeout).
		SetWriteTimeout(publishTimeout).
		SetKeepAlive(30 * time.Second).
		SetCleanSession(true).
		SetOrderMatters(false).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(s.onConnectionLost)

	// Set credentials if provided
	if s.opts.Username != "" {
		opts.SetUsername(s.opts.Username)
		opts.SetPassword(s.opts.Password)
	}

	if s.announces() {
		opts.SetWill(s.opts.HomeAssistant.GetAvailabilityTopic(), homeassistant.PayloadNotAvailable, 0, true)
	}

	return opts
}

// Register connects to the broker. Values, discovery messages and the write
// subscription are (re)published on every connect.
func (s *MQTTService) Register(ctx context.Context) error {
	if err := s.MarkRegistered(); err != nil {
		return err
	}

	s.client = s.clientFactory(s.clientOptions())

	connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	token := s.client.Connect()
	select {
	case <-connectCtx.Done():
		return fmt.Errorf("failed to connect to MQTT broker: timeout after %s", connectTimeout)
	case <-token.Done():
		if token.Error() != nil {
			return fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
		}
	}

	s.logger.Info().
		Str("broker", fmt.Sprintf("%s:%d", s.opts.Host, s.opts.Port)).
		Str("topic", "N/"+s.topicBase()).
		Msg("Registered on MQTT")
	return nil
}

func (s *MQTTService) onConnect(client mqtt.Client) {
	s.logger.Info().Msg("MQTT connection established")

	writeFilter := "W/" + s.topicBase() + "/#"
	if token := client.Subscribe(writeFilter, 0, s.handleWrite); token.Wait() && token.Error() != nil {
		s.logger.Warn().Err(token.Error()).Str("topic", writeFilter).Msg("Failed to subscribe to writes")
	}

	if ha := s.opts.HomeAssistant; ha != nil {
		if s.opts.Discovery {
			if token := client.Subscribe(ha.BirthTopic(), 0, s.handleBirthMessage); token.Wait() && token.Error() != nil {
				s.logger.Warn().Err(token.Error()).Msg("Failed to subscribe to birth message")
			}
			s.publishDiscovery()
		} else {
			s.removeDiscovery()
		}
	}

	// Changes made while the snapshot is published wait and go out after it
	s.publishMutex.Lock()
	defer s.publishMutex.Unlock()

	s.mutex.Lock()
	s.connected = true
	s.mutex.Unlock()

	for _, item := range s.Items() {
		s.publishLocked(item.Path, item.Value)
	}
}

func (s *MQTTService) onConnectionLost(_ mqtt.Client, err error) {
	s.mutex.Lock()
	s.connected = false
	s.mutex.Unlock()
	s.logger.Warn().Err(err).Msg("MQTT connection lost")
}

// Connected reports whether the client is currently connected.
func (s *MQTTService) Connected() bool {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return s.connected
}

func (s *MQTTService) publishValue(path string, value interface{}) {
	s.publishMutex.Lock()
	defer s.publishMutex.Unlock()
	s.publishLocked(path, value)
}

func (s *MQTTService) publishLocked(path string, value interface{}) {
	if !s.Connected() {
		return
	}

	payload, err := json.Marshal(valueMessage{Value: value})
	if err != nil {
		s.logger.Error().Err(err).Str("path", path).Msg("Failed to marshal value")
		return
	}

	if err := s.publish(s.ValueTopic(path), payload); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("Failed to publish value")
	}
}

func (s *MQTTService) publish(topic string, payload interface{}) error {
	token := s.client.Publish(topic, 0, true, payload)
	if !token.WaitTimeout(publishTimeout) {
		return fmt.Errorf("publish timeout after %s", publishTimeout)
	}
	if token.Error() != nil {
		return fmt.Errorf("failed to publish message: %w", token.Error())
	}
	return nil
}

func (s *MQTTService) publishDiscovery() {
	ha := s.opts.HomeAssistant

	for topic, message := range ha.GenerateDiscoveryMessages(s.Paths(), s.ValueTopic) {
		payload, err := json.Marshal(message)
		if err != nil {
			s.logger.Error().Err(err).Str("topic", topic).Msg("Failed to marshal discovery message")
			continue
		}
		if err := s.publish(topic, payload); err != nil {
			s.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to publish discovery message")
		}
	}

	if err := s.publish(ha.GetAvailabilityTopic(), homeassistant.PayloadAvailable); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to publish availability")
	}
}

// removeDiscovery clears the retained discovery and availability messages.
func (s *MQTTService) removeDiscovery() {
	ha := s.opts.HomeAssistant

	messages := ha.CleanupDiscoveryMessages(ha.Paths())
	messages[ha.GetAvailabilityTopic()] = ""
	for topic, payload := range messages {
		if err := s.publish(topic, payload); err != nil {
			s.logger.Warn().Err(err).Str("topic", topic).Msg("Failed to remove discovery message")
		}
	}
	s.logger.Debug().Int("topics", len(messages)).Msg("Removed Home Assistant discovery messages")
}

func (s *MQTTService) announces() bool {
	return s.opts.HomeAssistant != nil && s.opts.Discovery
}

func (s *MQTTService) handleBirthMessage(_ mqtt.Client, msg mqtt.Message) {
	if string(msg.Payload()) == homeassistant.PayloadAvailable {
		s.logger.Info().Msg("Home Assistant came online, republishing discovery")
		s.publishDiscovery()
	}
}

func (s *MQTTService) handleWrite(_ mqtt.Client, msg mqtt.Message) {
	path := strings.TrimPrefix(msg.Topic(), "W/"+s.topicBase())

	value, err := decodeWrite(msg.Payload())
	if err != nil {
		s.logger.Warn().Err(err).Str("topic", msg.Topic()).Msg("Ignoring write")
		return
	}

	if current, ok := s.Get(path); ok {
		value = bus.CoerceLike(current, value)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	if err := s.RemoteSet(ctx, path, value); err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("Write refused")
		// Restore the published value for the writer
		if current, ok := s.Get(path); ok {
			s.publishValue(path, current)
		}
	}
}

func decodeWrite(payload []byte) (interface{}, error) {
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("invalid JSON payload %q", payload)
	}
	result := gjson.GetBytes(payload, "value")
	if !result.Exists() {
		return nil, fmt.Errorf("payload has no value: %q", payload)
	}
	return result.Value(), nil
}

// Close marks the device unavailable and disconnects. Disconnect also stops a
// reconnect that is still in progress.
func (s *MQTTService) Close() error {
	if s.client == nil {
		return nil
	}

	if s.announces() && s.Connected() {
		if err := s.publish(s.opts.HomeAssistant.GetAvailabilityTopic(), homeassistant.PayloadNotAvailable); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to publish availability")
		}
	}

	s.client.Disconnect(250)

	s.mutex.Lock()
	s.connected = false
	s.mutex.Unlock()
	return nil
}

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

//go:embed layouts/grid_meter.yaml
var gridMeterSensorsYAML []byte

// Config holds the Home Assistant auto-discovery configuration.
type Config struct {
	DiscoveryPrefix string
	NodeID          string
	DeviceName      string
	DeviceModel     string
	Manufacturer    string
	SwVersion       string
}

// SensorConfig represents a sensor configuration from the layouts YAML.
type SensorConfig struct {
	Name              string `yaml:"name"`
	DeviceClass       string `yaml:"device_class,omitempty"`
	UnitOfMeasurement string `yaml:"unit_of_measurement,omitempty"`
	StateClass        string `yaml:"state_class,omitempty"`
	Category          string `yaml:"category"`
	Icon              string `yaml:"icon,omitempty"`
}

// LayoutConfig represents the sensor layout, keyed by bus path.
type LayoutConfig struct {
	Version     string                  `yaml:"version"`
	Description string                  `yaml:"description"`
	Sensors     map[string]SensorConfig `yaml:"sensors"`
}

// DiscoveryMessage represents a Home Assistant MQTT discovery message.
type DiscoveryMessage struct {
	Name                string     `json:"name"`
	UniqueID            string     `json:"unique_id"`
	StateTopic          string     `json:"state_topic"`
	ValueTemplate       string     `json:"value_template"`
	DeviceClass         string     `json:"device_class,omitempty"`
	UnitOfMeasurement   string     `json:"unit_of_measurement,omitempty"`
	StateClass          string     `json:"state_class,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	EntityCategory      string     `json:"entity_category,omitempty"`
	Device              DeviceInfo `json:"device"`
	AvailabilityTopic   string     `json:"availability_topic,omitempty"`
	PayloadAvailable    string     `json:"payload_available,omitempty"`
	PayloadNotAvailable string     `json:"payload_not_available,omitempty"`
}

// DeviceInfo represents device information for Home Assistant.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model,omitempty"`
	SwVersion    string   `json:"sw_version,omitempty"`
}

// StateTopicFunc maps a bus path to the topic its value is published on.
type StateTopicFunc func(path string) string

// AutoDiscovery handles Home Assistant MQTT auto-discovery.
type AutoDiscovery struct {
	config       Config
	layoutConfig *LayoutConfig
}

// New creates a new Home Assistant auto-discovery instance.
func New(config Config) (*AutoDiscovery, error) {
	if config.DiscoveryPrefix == "" {
		config.DiscoveryPrefix = "homeassistant"
	}
	if config.Manufacturer == "" {
		config.Manufacturer = "Fronius"
	}
	config.NodeID = sanitize(config.NodeID)
	if config.NodeID == "" {
		return nil, fmt.Errorf("node id is required")
	}

	ad := &AutoDiscovery{config: config}
	if err := ad.loadLayoutConfig(); err != nil {
		return nil, fmt.Errorf("failed to load layout config: %w", err)
	}
	return ad, nil
}

func (ad *AutoDiscovery) loadLayoutConfig() error {
	var config LayoutConfig
	if err := yaml.Unmarshal(gridMeterSensorsYAML, &config); err != nil {
		return fmt.Errorf("failed to unmarshal Home Assistant sensors config: %w", err)
	}

	ad.layoutConfig = &config
	log.Debug().
		Str("version", config.Version).
		Int("sensor_count", len(config.Sensors)).
		Msg("Home Assistant layout configuration loaded from YAML")
	return nil
}

// Sensor returns the layout entry for a bus path.
func (ad *AutoDiscovery) Sensor(path string) (SensorConfig, bool) {
	sensor, ok := ad.layoutConfig.Sensors[path]
	return sensor, ok
}

// GenerateDiscoveryMessages builds one discovery message per path that has a layout
// entry, keyed by discovery topic.
func (ad *AutoDiscovery) GenerateDiscoveryMessages(paths []string, stateTopic StateTopicFunc) map[string]DiscoveryMessage {
	messages := make(map[string]DiscoveryMessage)

	for _, path := range paths {
		sensor, ok := ad.Sensor(path)
		if !ok {
			continue
		}
		messages[ad.GetDiscoveryTopic(path)] = ad.createDiscoveryMessage(path, sensor, stateTopic(path))
	}

	return messages
}

func (ad *AutoDiscovery) createDiscoveryMessage(path string, sensor SensorConfig, stateTopic string) DiscoveryMessage {
	var entityCategory string
	if sensor.Category == "diagnostic" {
		entityCategory = "diagnostic"
	}

	return DiscoveryMessage{
		Name:              sensor.Name,
		UniqueID:          fmt.Sprintf("%s_%s", ad.config.NodeID, ObjectID(path)),
		StateTopic:        stateTopic,
		ValueTemplate:     "{{ value_json.value }}",
		DeviceClass:       sensor.DeviceClass,
		UnitOfMeasurement: sensor.UnitOfMeasurement,
		StateClass:        sensor.StateClass,
		Icon:              sensor.Icon,
		EntityCategory:    entityCategory,
		Device: DeviceInfo{
			Identifiers:  []string{ad.config.NodeID},
			Name:         ad.config.DeviceName,
			Manufacturer: ad.config.Manufacturer,
			Model:        ad.config.DeviceModel,
			SwVersion:    ad.config.SwVersion,
		},
		AvailabilityTopic:   ad.GetAvailabilityTopic(),
		PayloadAvailable:    PayloadAvailable,
		PayloadNotAvailable: PayloadNotAvailable,
	}
}

// Availability payloads.
const (
	PayloadAvailable    = "online"
	PayloadNotAvailable = "offline"
)

// GetDiscoveryTopic returns <prefix>/sensor/<node_id>/<object_id>/config for a path.
func (ad *AutoDiscovery) GetDiscoveryTopic(path string) string {
	objectID := fmt.Sprintf("%s_%s", ad.config.NodeID, ObjectID(path))
	return fmt.Sprintf("%s/sensor/%s/%s/config", ad.config.DiscoveryPrefix, ad.config.NodeID, objectID)
}

// GetAvailabilityTopic returns the availability topic for the device.
func (ad *AutoDiscovery) GetAvailabilityTopic() string {
	return fmt.Sprintf("%s/sensor/%s/availability", ad.config.DiscoveryPrefix, ad.config.NodeID)
}

// BirthTopic is where Home Assistant announces that it came online.
func (ad *AutoDiscovery) BirthTopic() string {
	return ad.config.DiscoveryPrefix + "/status"
}

// CleanupDiscoveryMessages generates empty messages that remove the sensors from Home Assistant.
func (ad *AutoDiscovery) CleanupDiscoveryMessages(paths []string) map[string]string {
	messages := make(map[string]string)
	for _, path := range paths {
		if _, ok := ad.Sensor(path); ok {
			messages[ad.GetDiscoveryTopic(path)] = ""
		}
	}
	return messages
}

// Paths returns the bus paths that have a layout entry, sorted.
func (ad *AutoDiscovery) Paths() []string {
	paths := make([]string, 0, len(ad.layoutConfig.Sensors))
	for path := range ad.layoutConfig.Sensors {
		paths = append(paths, path)
	}
	sort.Strings(paths)
	return paths
}

// ObjectID turns a bus path like /Ac/L1/Voltage into ac_l1_voltage.
func ObjectID(path string) string {
	return sanitize(strings.ReplaceAll(strings.Trim(path, "/"), "/", "_"))
}

func sanitize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.ReplaceAll(s, " ", "_")
}

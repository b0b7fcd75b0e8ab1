// Package config provides configuration management for the go-fronius-meter application.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Defaults for the meter keys.
const (
	DefaultDeviceType       = "Fronius TS65A-3"
	DefaultDeviceName       = "Fronius Smart Meter"
	DefaultPollingFrequency = 200
	DefaultDeviceInstance   = 33
	DefaultLogging          = "WARNING"
)

// Bus backends.
const (
	BackendDBus  = "dbus"
	BackendMQTT  = "mqtt"
	BackendLocal = "local"
)

// Settings holds all application configuration. It is built once by Load and not
// mutated afterwards.
type Settings struct {
	// Meter settings, resolved key by key with typed fallback
	InverterIP       string        `mapstructure:"-" yaml:"inverter_ip"`
	DeviceType       string        `mapstructure:"-" yaml:"device_type"`
	DeviceName       string        `mapstructure:"-" yaml:"device_name"`
	PollingFrequency int           `mapstructure:"-" yaml:"polling_frequency"`
	DeviceInstance   int           `mapstructure:"-" yaml:"device_instance"`
	Logging          string        `mapstructure:"-" yaml:"logging"`
	LogLevel         zerolog.Level `mapstructure:"-" yaml:"-"`

	// Keys that were absent or invalid and fell back to their default
	Defaulted []string `mapstructure:"-" yaml:"-"`

	ServiceName       string   `mapstructure:"service_name" yaml:"service_name"`
	MeterDeviceID     int      `mapstructure:"meter_device_id" yaml:"meter_device_id"`
	RequestTimeoutMs  int      `mapstructure:"request_timeout_ms" yaml:"request_timeout_ms"`
	SinglePhaseModels []string `mapstructure:"single_phase_models" yaml:"single_phase_models"`

	// Bus settings
	Bus struct {
		Backend     string `mapstructure:"backend" yaml:"backend"`
		DBusAddress string `mapstructure:"dbus_address" yaml:"dbus_address"`
	} `mapstructure:"bus" yaml:"bus"`

	// MQTT settings
	MQTT struct {
		Host     string `mapstructure:"host" yaml:"host"`
		Port     int    `mapstructure:"port" yaml:"port"`
		Username string `mapstructure:"username" yaml:"username"`
		Password string `mapstructure:"password" yaml:"password"`
		ClientID string `mapstructure:"client_id" yaml:"client_id"`
		PortalID string `mapstructure:"portal_id" yaml:"portal_id"`

		EmbeddedBroker struct {
			Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
			Address string `mapstructure:"address" yaml:"address"`
		} `mapstructure:"embedded_broker" yaml:"embedded_broker"`

		// Home Assistant Auto-Discovery settings
		HomeAssistant struct {
			Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`
			DiscoveryPrefix string `mapstructure:"discovery_prefix" yaml:"discovery_prefix"`
			NodeID          string `mapstructure:"node_id" yaml:"node_id"`
		} `mapstructure:"homeassistant" yaml:"homeassistant"`
	} `mapstructure:"mqtt" yaml:"mqtt"`

	// HTTP API settings
	API struct {
		Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
		Host    string `mapstructure:"host" yaml:"host"`
		Port    int    `mapstructure:"port" yaml:"port"`
	} `mapstructure:"api" yaml:"api"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "com.victronenergy.grid.fronius_smart_meter")
	v.SetDefault("meter_device_id", 0)
	v.SetDefault("request_timeout_ms", 0)
	v.SetDefault("single_phase_models", []string{"Smart Meter 63A-1"})

	v.SetDefault("bus.backend", BackendDBus)
	v.SetDefault("bus.dbus_address", "system")

	v.SetDefault("mqtt.host", "localhost")
	v.SetDefault("mqtt.port", 1883)
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.client_id", "fronius-meter")
	v.SetDefault("mqtt.portal_id", "fronius")
	v.SetDefault("mqtt.embedded_broker.enabled", false)
	v.SetDefault("mqtt.embedded_broker.address", ":1883")
	v.SetDefault("mqtt.homeassistant.enabled", false)
	v.SetDefault("mqtt.homeassistant.discovery_prefix", "homeassistant")
	v.SetDefault("mqtt.homeassistant.node_id", "fronius_smart_meter")

	v.SetDefault("api.enabled", false)
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
}

// Load reads the configuration from a file and environment variables. Every error it
// returns is a *FatalError.
func Load(configPath string) (*Settings, error) {
	if _, err := os.Stat(configPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &FatalError{
				Err: ErrConfigNotFound,
				Message: fmt.Sprintf(`The "%s" is not found. Did you copy or rename the "config.sample.yaml" to "config.yaml"?`,
					configPath),
			}
		}
		return nil, exceptionError(err, configPath)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Bind environment variables
	v.SetEnvPrefix("FRONIUS_METER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, exceptionError(fmt.Errorf("error reading config: %w", err), configPath)
	}

	// Unmarshal would read "0100" as octal
	for _, key := range []string{"meter_device_id", "request_timeout_ms", "mqtt.port", "api.port"} {
		if str, ok := v.Get(key).(string); ok {
			value, err := toInt(str)
			if err != nil {
				return nil, exceptionError(fmt.Errorf("invalid %s: %w", key, err), configPath)
			}
			v.Set(key, value)
		}
	}

	s := &Settings{}
	if err := v.Unmarshal(s); err != nil {
		return nil, exceptionError(fmt.Errorf("unable to decode config: %w", err), configPath)
	}

	ip, err := cast.ToStringE(v.Get("inverter_ip"))
	if err != nil || strings.TrimSpace(ip) == "" {
		return nil, &FatalError{
			Err:     ErrMissingInverterIP,
			Message: fmt.Sprintf(`The "%s" is missing an inverter IP.`, configPath),
		}
	}
	s.InverterIP = strings.TrimSpace(ip)

	s.DeviceType = s.stringKey(v, "device_type", DefaultDeviceType)
	s.DeviceName = s.stringKey(v, "device_name", DefaultDeviceName)
	s.PollingFrequency = s.positiveIntKey(v, "polling_frequency", DefaultPollingFrequency)
	s.DeviceInstance = s.intKey(v, "device_instance", DefaultDeviceInstance)
	s.Logging = s.stringKey(v, "logging", DefaultLogging)
	s.LogLevel = ParseLogLevel(s.Logging)

	return s, nil
}

func (s *Settings) stringKey(v *viper.Viper, key, def string) string {
	if raw := v.Get(key); raw != nil {
		if value, err := cast.ToStringE(raw); err == nil {
			return value
		}
	}
	s.Defaulted = append(s.Defaulted, key)
	return def
}

func (s *Settings) intKey(v *viper.Viper, key string, def int) int {
	if raw := v.Get(key); raw != nil {
		if value, err := toInt(raw); err == nil {
			return value
		}
	}
	s.Defaulted = append(s.Defaulted, key)
	return def
}

// toInt reads strings as plain decimal, so "033" from a file or the environment is 33
// and not octal.
func toInt(raw interface{}) (int, error) {
	if str, ok := raw.(string); ok {
		return strconv.Atoi(strings.TrimSpace(str))
	}
	return cast.ToIntE(raw)
}

func (s *Settings) positiveIntKey(v *viper.Viper, key string, def int) int {
	value := s.intKey(v, key, def)
	if value <= 0 {
		s.Defaulted = append(s.Defaulted, key)
		return def
	}
	return value
}

// ParseLogLevel maps the configured level name to a zerolog level. Matching is case
// sensitive; anything but DEBUG, INFO or ERROR means WARNING.
func ParseLogLevel(level string) zerolog.Level {
	switch level {
	case "DEBUG":
		return zerolog.DebugLevel
	case "INFO":
		return zerolog.InfoLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.WarnLevel
	}
}

// YAML renders the effective settings with secrets redacted.
func (s *Settings) YAML() ([]byte, error) {
	redacted := *s
	if redacted.MQTT.Password != "" {
		redacted.MQTT.Password = "*redacted*"
	}
	return yaml.Marshal(&redacted)
}

// Print logs the effective configuration at debug level.
func (s *Settings) Print() {
	logger := log.With().Str("component", "config").Logger()

	for _, key := range s.Defaulted {
		logger.Debug().Str("key", key).Msg("Using default value")
	}

	logger.Debug().
		Str("inverter_ip", s.InverterIP).
		Str("device_type", s.DeviceType).
		Str("device_name", s.DeviceName).
		Int("polling_frequency", s.PollingFrequency).
		Int("device_instance", s.DeviceInstance).
		Str("logging", s.Logging).
		Msg("Meter settings")

	logger.Debug().
		Str("service_name", s.ServiceName).
		Int("meter_device_id", s.MeterDeviceID).
		Int("request_timeout_ms", s.RequestTimeoutMs).
		Strs("single_phase_models", s.SinglePhaseModels).
		Msg("Service settings")

	logger.Debug().
		Str("backend", s.Bus.Backend).
		Str("dbus_address", s.Bus.DBusAddress).
		Msg("Bus configuration")

	if s.Bus.Backend == BackendMQTT {
		logger.Debug().
			Str("host", s.MQTT.Host).
			Int("port", s.MQTT.Port).
			Str("username", s.MQTT.Username).
			Str("portal_id", s.MQTT.PortalID).
			Bool("embedded_broker", s.MQTT.EmbeddedBroker.Enabled).
			Bool("homeassistant", s.MQTT.HomeAssistant.Enabled).
			Msg("MQTT configuration")
	}

	logger.Debug().
		Bool("enabled", s.API.Enabled).
		Str("host", s.API.Host).
		Int("port", s.API.Port).
		Msg("HTTP API configuration")
}

package pubsub

import (
	"fmt"

	mqttserver "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Broker is an embedded MQTT broker for setups without one.
type Broker struct {
	server  *mqttserver.Server
	address string
	logger  zerolog.Logger
}

// NewBroker creates a broker listening on address. All clients are allowed.
func NewBroker(address string) (*Broker, error) {
	server := mqttserver.New(&mqttserver.Options{
		InlineClient: true,
	})

	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		return nil, fmt.Errorf("failed to add auth hook: %w", err)
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "embedded",
		Address: address,
	})
	if err := server.AddListener(tcp); err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	return &Broker{
		server:  server,
		address: address,
		logger:  log.With().Str("component", "broker").Logger(),
	}, nil
}

// Start begins accepting clients in the background.
func (b *Broker) Start() error {
	if err := b.server.Serve(); err != nil {
		return fmt.Errorf("failed to start MQTT broker: %w", err)
	}
	b.logger.Info().Str("address", b.address).Msg("Embedded MQTT broker started")
	return nil
}

// Close disconnects all clients and stops the listener.
func (b *Broker) Close() error {
	b.logger.Info().Int("clients", b.Clients()).Msg("Stopping embedded MQTT broker")
	return b.server.Close()
}

// Clients returns the number of connected clients.
func (b *Broker) Clients() int {
	return b.server.Clients.Len()
}

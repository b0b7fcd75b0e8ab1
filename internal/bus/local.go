package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LocalService is a bus service that lives only inside this process.
type LocalService struct {
	*Store

	name   string
	logger zerolog.Logger
	mutex  sync.Mutex
	closed bool
}

// NewLocalService creates an unregistered local service with the given name.
func NewLocalService(name string) *LocalService {
	return &LocalService{
		Store:  NewStore(),
		name:   name,
		logger: log.With().Str("component", "bus").Str("service", name).Logger(),
	}
}

// Name returns the service name.
func (l *LocalService) Name() string {
	return l.name
}

// Register freezes the path set and starts notifying listeners.
func (l *LocalService) Register(_ context.Context) error {
	if err := l.MarkRegistered(); err != nil {
		return err
	}
	l.logger.Info().Int("paths", len(l.Paths())).Msg("Registered local bus service")
	return nil
}

// Close marks the service closed. It is safe to call more than once.
func (l *LocalService) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()

	if !l.closed {
		l.closed = true
		l.logger.Info().Msg("Closed local bus service")
	}
	return nil
}

// Package service implements the grid meter publisher: it declares the meter on a bus
// service and keeps its values current from the inverter's meter endpoint.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cast"

	"github.com/resident-x/go-fronius-meter/internal/config"
	"github.com/resident-x/go-fronius-meter/internal/domain"
	"github.com/resident-x/go-fronius-meter/internal/fronius"
	"github.com/resident-x/go-fronius-meter/internal/scheduler"
)

// ProductID identifies the device as a grid meter to bus clients.
const ProductID = 16

// Options configures a GridMeterService.
type Options struct {
	ServiceName       string
	DeviceInstance    int
	ProductName       string
	CustomName        string
	PollingFrequency  time.Duration
	SinglePhaseModels []string

	// Overrides for the management paths; empty means derived from the process
	ProcessName    string
	ProcessVersion string
}

// OptionsFromSettings builds publisher options from the loaded configuration.
func OptionsFromSettings(cfg *config.Settings) Options {
	return Options{
		ServiceName:       cfg.ServiceName,
		DeviceInstance:    cfg.DeviceInstance,
		ProductName:       cfg.DeviceType,
		CustomName:        cfg.DeviceName,
		PollingFrequency:  time.Duration(cfg.PollingFrequency) * time.Millisecond,
		SinglePhaseModels: cfg.SinglePhaseModels,
	}
}

// Stats summarises the polling history.
type Stats struct {
	Polls         uint64    `json:"polls"`
	Failures      uint64    `json:"failures"`
	LastError     string    `json:"last_error,omitempty"`
	LastErrorKind string    `json:"last_error_kind,omitempty"`
	LastSuccess   time.Time `json:"last_success"`
	LastModel     string    `json:"last_model,omitempty"`
}

// GridMeterService publishes meter readings as a grid meter on a bus service.
type GridMeterService struct {
	opts        Options
	bus         domain.BusService
	source      domain.MeterSource
	loop        *scheduler.Loop
	singlePhase map[string]bool
	logger      zerolog.Logger

	ctx     context.Context
	ticker  *scheduler.Source
	started time.Time

	statsMutex sync.RWMutex
	stats      Stats
}

// NewGridMeterService creates a publisher for an unregistered bus service.
func NewGridMeterService(opts Options, bus domain.BusService, source domain.MeterSource, loop *scheduler.Loop) *GridMeterService {
	if opts.ServiceName == "" {
		opts.ServiceName = domain.DefaultServiceName
	}
	if opts.PollingFrequency <= 0 {
		opts.PollingFrequency = config.DefaultPollingFrequency * time.Millisecond
	}
	if opts.ProcessName == "" {
		opts.ProcessName = processName()
	}
	if opts.ProcessVersion == "" {
		opts.ProcessVersion = ProcessVersion()
	}

	singlePhase := make(map[string]bool, len(opts.SinglePhaseModels))
	for _, model := range opts.SinglePhaseModels {
		singlePhase[model] = true
	}

	return &GridMeterService{
		opts:        opts,
		bus:         bus,
		source:      source,
		loop:        loop,
		singlePhase: singlePhase,
		logger:      log.With().Str("component", "meter").Str("service", opts.ServiceName).Logger(),
		ctx:         context.Background(),
	}
}

// ProcessVersion describes the running build.
func ProcessVersion() string {
	return fmt.Sprintf("%s, and running on Go %s", versioninfo.Short(), strings.TrimPrefix(runtime.Version(), "go"))
}

func processName() string {
	if exe, err := os.Executable(); err == nil {
		return exe
	}
	return os.Args[0]
}

// Start declares all paths, registers the service and schedules polling. The context
// bounds the meter requests.
func (s *GridMeterService) Start(ctx context.Context) error {
	s.ctx = ctx

	if err := s.declare(); err != nil {
		return fmt.Errorf("failed to declare paths: %w", err)
	}

	if err := s.bus.Register(ctx); err != nil {
		return fmt.Errorf("failed to register %s: %w", s.opts.ServiceName, err)
	}

	s.started = time.Now()
	s.ticker = s.loop.TimeoutAdd(s.opts.PollingFrequency, s.Update)

	s.logger.Info().
		Int("device_instance", s.opts.DeviceInstance).
		Dur("polling_frequency", s.opts.PollingFrequency).
		Msg("Grid meter service started")
	return nil
}

// Stop cancels the polling timer.
func (s *GridMeterService) Stop() {
	if s.ticker != nil {
		s.ticker.Remove()
	}
}

func (s *GridMeterService) declare() error {
	specs := []domain.PathSpec{
		// Management objects
		{Path: "/Mgmt/ProcessName", Value: s.opts.ProcessName},
		{Path: "/Mgmt/ProcessVersion", Value: s.opts.ProcessVersion},
		{Path: "/Mgmt/Connection", Value: s.opts.CustomName + " service"},

		// Mandatory objects
		{Path: "/DeviceInstance", Value: s.opts.DeviceInstance},
		{Path: "/ProductId", Value: ProductID},
		{Path: "/ProductName", Value: s.opts.ProductName},
		{Path: "/CustomName", Value: s.opts.CustomName},
		{Path: "/FirmwareVersion", Value: 0.1},
		{Path: "/HardwareVersion", Value: 0},
		{Path: "/Connected", Value: 1},
	}

	for _, spec := range domain.MeterPaths() {
		spec.OnChange = s.handleChangedValue
		specs = append(specs, spec)
	}

	for _, spec := range specs {
		if err := s.bus.AddPath(spec); err != nil {
			return err
		}
	}
	return nil
}

// Update polls the meter once and publishes the result. It always returns true so
// the poll stays scheduled.
func (s *GridMeterService) Update() bool {
	reading, err := s.source.FetchMeter(s.ctx)
	if err != nil {
		// Shutting down; leave the published state alone
		if errors.Is(err, context.Canceled) && s.ctx.Err() != nil {
			s.logger.Debug().Msg("Meter request cancelled")
			return true
		}
		s.fail(err)
		return true
	}

	if s.singlePhase[reading.Model] {
		reading.ZeroUpperPhases()
	}

	values := []struct {
		path  string
		value float64
	}{
		{domain.PathAcPower, reading.Power},
		{domain.PathL1Voltage, reading.Phases[0].Voltage},
		{domain.PathL2Voltage, reading.Phases[1].Voltage},
		{domain.PathL3Voltage, reading.Phases[2].Voltage},
		{domain.PathL1Current, reading.Phases[0].Current},
		{domain.PathL2Current, reading.Phases[1].Current},
		{domain.PathL3Current, reading.Phases[2].Current},
		{domain.PathL1Power, reading.Phases[0].Power},
		{domain.PathL2Power, reading.Phases[1].Power},
		{domain.PathL3Power, reading.Phases[2].Power},
		{domain.PathEnergyForward, reading.EnergyConsumed / 1000},
		{domain.PathEnergyReverse, reading.EnergyProduced / 1000},
	}
	for _, v := range values {
		if err := s.bus.Set(v.path, v.value); err != nil {
			s.logger.Error().Err(err).Str("path", v.path).Msg("Failed to set value")
		}
	}

	s.logger.Info().Msgf("House Consumption: %.0f", reading.Power)

	s.statsMutex.Lock()
	s.stats.Polls++
	s.stats.LastSuccess = time.Now()
	s.stats.LastModel = reading.Model
	s.statsMutex.Unlock()

	return true
}

func (s *GridMeterService) fail(err error) {
	kind := "unknown"
	var fetchErr *fronius.FetchError
	if errors.As(err, &fetchErr) {
		kind = fetchErr.Kind.String()
	}

	s.logger.Warn().Err(err).Str("kind", kind).Msg("Could not read from Fronius PV inverter")

	if setErr := s.bus.Set(domain.PathAcPower, 0.0); setErr != nil {
		s.logger.Error().Err(setErr).Msg("Failed to reset power")
	}

	current, _ := s.bus.Get(domain.PathUpdateIndex)
	if setErr := s.bus.Set(domain.PathUpdateIndex, domain.NextUpdateIndex(cast.ToInt(current))); setErr != nil {
		s.logger.Error().Err(setErr).Msg("Failed to increment update index")
	}

	s.statsMutex.Lock()
	s.stats.Polls++
	s.stats.Failures++
	s.stats.LastError = err.Error()
	s.stats.LastErrorKind = kind
	s.statsMutex.Unlock()
}

func (s *GridMeterService) handleChangedValue(path string, value interface{}) bool {
	s.logger.Debug().Str("path", path).Interface("value", value).Msg("Someone else updated a value")
	return true
}

// Stats returns a copy of the polling statistics.
func (s *GridMeterService) Stats() Stats {
	s.statsMutex.RLock()
	defer s.statsMutex.RUnlock()
	return s.stats
}

// Uptime returns the time since Start.
func (s *GridMeterService) Uptime() time.Duration {
	if s.started.IsZero() {
		return 0
	}
	return time.Since(s.started)
}

// ServiceName returns the bus service name.
func (s *GridMeterService) ServiceName() string {
	return s.opts.ServiceName
}

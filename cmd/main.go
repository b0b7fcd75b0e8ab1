// Package main provides the entry point for the Fronius grid meter service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/resident-x/go-fronius-meter/internal/api"
	"github.com/resident-x/go-fronius-meter/internal/bus"
	"github.com/resident-x/go-fronius-meter/internal/bus/vedbus"
	"github.com/resident-x/go-fronius-meter/internal/config"
	"github.com/resident-x/go-fronius-meter/internal/domain"
	"github.com/resident-x/go-fronius-meter/internal/fronius"
	"github.com/resident-x/go-fronius-meter/internal/homeassistant"
	"github.com/resident-x/go-fronius-meter/internal/pubsub"
	"github.com/resident-x/go-fronius-meter/internal/scheduler"
	"github.com/resident-x/go-fronius-meter/internal/service"
)

var (
	Version = "" // Can be overridden by build flags

	exiter = config.NewExiter()
)

// backend is what the process needs from any bus implementation.
type backend interface {
	domain.BusService
	api.PathStore
	SetDispatcher(d bus.Dispatcher)
}

func main() {
	code := run(os.Args[1:]) // run() returns an int
	os.Exit(code)            // os.Exit is called after deferred functions in run() execute
}

func version() string {
	if Version != "" {
		return Version
	}
	return versioninfo.Short()
}

func run(args []string) int {
	flags := flag.NewFlagSet("fronius-meter", flag.ContinueOnError)
	configFile := flags.String("config", "config.yaml", "Path to configuration file")
	showVersion := flags.Bool("version", false, "Show version information")
	printConfig := flags.Bool("print-config", false, "Print the effective configuration and exit")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	if *showVersion {
		fmt.Printf("fronius-meter %s\n", version())
		return 0
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return exiter.Fatal(err)
	}

	if *printConfig {
		out, err := cfg.YAML()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render configuration: %v\n", err)
			return 1
		}
		_, _ = os.Stdout.Write(out)
		return 0
	}

	initLogger(cfg.LogLevel)

	log.Info().Str("version", version()).Msg("Starting fronius-meter")
	cfg.Print()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg); err != nil {
		log.Error().Err(err).Msg("Service failed")
		return 1
	}

	log.Info().Msg("Service stopped")
	return 0
}

// serve runs the service until ctx is cancelled or a component fails.
func serve(parent context.Context, cfg *config.Settings) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	loop := scheduler.NewLoop(log.Logger)
	g.Go(func() error { return loop.Run(gctx) })

	fail := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}

	if cfg.Bus.Backend == config.BackendMQTT && cfg.MQTT.EmbeddedBroker.Enabled {
		broker, err := pubsub.NewBroker(cfg.MQTT.EmbeddedBroker.Address)
		if err != nil {
			return fail(err)
		}
		if err := broker.Start(); err != nil {
			return fail(err)
		}
		defer func() { _ = broker.Close() }()
	}

	busService, err := newBackend(cfg)
	if err != nil {
		return fail(err)
	}
	busService.SetDispatcher(loop.Invoke)

	meter := service.NewGridMeterService(service.OptionsFromSettings(cfg), busService, newMeterClient(cfg), loop)
	if err := meter.Start(gctx); err != nil {
		_ = busService.Close()
		return fail(err)
	}

	g.Go(func() error {
		<-gctx.Done()
		meter.Stop()
		return busService.Close()
	})

	if cfg.API.Enabled {
		apiServer := api.NewServer(cfg, busService, meter, loop)
		if err := apiServer.Start(gctx); err != nil {
			return fail(err)
		}
		g.Go(func() error {
			<-gctx.Done()
			return apiServer.Stop(context.Background())
		})
	}

	log.Info().
		Str("inverter", cfg.InverterIP).
		Str("backend", cfg.Bus.Backend).
		Msg("Connected to bus, polling the meter")

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func newBackend(cfg *config.Settings) (backend, error) {
	switch cfg.Bus.Backend {
	case config.BackendDBus:
		conn, err := vedbus.Dial(cfg.Bus.DBusAddress)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to D-Bus %q: %w", cfg.Bus.DBusAddress, err)
		}
		return vedbus.New(cfg.ServiceName, conn), nil

	case config.BackendMQTT:
		// Built even when discovery is off, so sensors of an earlier run get removed
		ha, err := homeassistant.New(homeassistant.Config{
			DiscoveryPrefix: cfg.MQTT.HomeAssistant.DiscoveryPrefix,
			NodeID:          cfg.MQTT.HomeAssistant.NodeID,
			DeviceName:      cfg.DeviceName,
			DeviceModel:     cfg.DeviceType,
			SwVersion:       version(),
		})
		if err != nil && cfg.MQTT.HomeAssistant.Enabled {
			return nil, fmt.Errorf("failed to set up Home Assistant discovery: %w", err)
		}
		return pubsub.NewMQTTService(cfg.ServiceName, pubsub.OptionsFromSettings(cfg, ha)), nil

	case config.BackendLocal:
		return bus.NewLocalService(cfg.ServiceName), nil

	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Bus.Backend)
	}
}

func newMeterClient(cfg *config.Settings) *fronius.Client {
	opts := []fronius.Option{
		fronius.WithDeviceID(cfg.MeterDeviceID),
		fronius.WithSinglePhaseModels(cfg.SinglePhaseModels...),
	}
	if cfg.RequestTimeoutMs > 0 {
		opts = append(opts, fronius.WithHTTPClient(&http.Client{
			Timeout: time.Duration(cfg.RequestTimeoutMs) * time.Millisecond,
		}))
	}
	return fronius.NewClient(cfg.InverterIP, opts...)
}

// initLogger configures the global zerolog logger.
func initLogger(level zerolog.Level) {
	output := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Logger()
}

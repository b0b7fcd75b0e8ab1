// Package main provides a development simulator for the Fronius Solar API meter endpoint.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const meterEndpoint = "/solar_api/v1/GetMeterRealtimeData.cgi"

// MeterSimulator answers meter realtime requests with generated readings
type MeterSimulator struct {
	model       string
	singlePhase bool
	failRate    float64
	logger      zerolog.Logger

	mutex    sync.Mutex
	rng      *rand.Rand
	consumed float64 // Wh
	produced float64 // Wh
	requests int
}

// NewMeterSimulator creates a new simulator
func NewMeterSimulator(model string, singlePhase bool, failRate float64, seed int64) *MeterSimulator {
	return &MeterSimulator{
		model:       model,
		singlePhase: singlePhase,
		failRate:    failRate,
		logger:      log.With().Str("component", "fake_inverter").Logger(),
		rng:         rand.New(rand.NewSource(seed)),
		consumed:    1_000_000,
		produced:    500_000,
	}
}

// Handler returns the HTTP routes of the simulator
func (sim *MeterSimulator) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc(meterEndpoint, sim.handleMeter).Methods("GET")
	return router
}

// phase generates one phase around 230 V, importing or exporting up to 2.5 kW
func (sim *MeterSimulator) phase() (voltage, current, power float64) {
	voltage = 225 + sim.rng.Float64()*10
	power = (sim.rng.Float64() - 0.4) * 5000
	current = power / voltage
	if current < 0 {
		current = -current
	}
	return voltage, current, power
}

func (sim *MeterSimulator) reading() map[string]interface{} {
	data := map[string]interface{}{
		"Details": map[string]interface{}{
			"Manufacturer": "Fronius",
			"Model":        sim.model,
			"Serial":       "12345678",
		},
	}

	phases := 3
	if sim.singlePhase {
		phases = 1
	}

	total := 0.0
	for i := 1; i <= phases; i++ {
		voltage, current, power := sim.phase()
		data[fmt.Sprintf("Voltage_AC_Phase_%d", i)] = round(voltage, 1)
		data[fmt.Sprintf("Current_AC_Phase_%d", i)] = round(current, 3)
		data[fmt.Sprintf("PowerReal_P_Phase_%d", i)] = round(power, 2)
		total += round(power, 2)
	}
	data["PowerReal_P_Sum"] = round(total, 2)

	// Energy counters only ever grow
	if total > 0 {
		sim.consumed += total / 3600
	} else {
		sim.produced += -total / 3600
	}
	data["EnergyReal_WAC_Sum_Consumed"] = int64(sim.consumed)
	data["EnergyReal_WAC_Sum_Produced"] = int64(sim.produced)

	return map[string]interface{}{
		"Body": map[string]interface{}{"Data": data},
		"Head": map[string]interface{}{
			"RequestArguments": map[string]interface{}{
				"DataCollection": "MeterRealtimeData",
				"DeviceId":       "0",
				"Scope":          "Device",
			},
			"Status":    map[string]interface{}{"Code": 0, "Reason": "", "UserMessage": ""},
			"Timestamp": time.Now().Format(time.RFC3339),
		},
	}
}

func round(value float64, digits int) float64 {
	factor := 1.0
	for i := 0; i < digits; i++ {
		factor *= 10
	}
	return float64(int64(value*factor)) / factor
}

func (sim *MeterSimulator) handleMeter(w http.ResponseWriter, r *http.Request) {
	sim.mutex.Lock()
	defer sim.mutex.Unlock()

	sim.requests++

	if r.URL.Query().Get("Scope") != "Device" {
		http.Error(w, "unsupported scope", http.StatusBadRequest)
		return
	}

	if sim.failRate > 0 && sim.rng.Float64() < sim.failRate {
		// Alternate between the failures a real inverter produces
		if sim.requests%2 == 0 {
			sim.logger.Debug().Int("request", sim.requests).Msg("Injecting server error")
			http.Error(w, "busy", http.StatusServiceUnavailable)
		} else {
			sim.logger.Debug().Int("request", sim.requests).Msg("Injecting malformed body")
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"Body": {"Data": `))
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(sim.reading()); err != nil {
		sim.logger.Error().Err(err).Msg("Failed to encode reading")
	}
}

// Requests returns the number of meter requests served
func (sim *MeterSimulator) Requests() int {
	sim.mutex.Lock()
	defer sim.mutex.Unlock()
	return sim.requests
}

func main() {
	var (
		listen      = flag.String("listen", ":8081", "Address to serve the Solar API on")
		model       = flag.String("model", "Smart Meter TS 65A-3", "Meter model reported in Details.Model")
		singlePhase = flag.Bool("single-phase", false, "Report only phase 1, as a Smart Meter 63A-1 does")
		failRate    = flag.Float64("fail-rate", 0, "Fraction of requests answered with an error (0..1)")
		seed        = flag.Int64("seed", time.Now().UnixNano(), "Random seed")
		verbose     = flag.Bool("verbose", false, "Enable verbose logging")
	)
	flag.Parse()

	level := zerolog.InfoLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	if *failRate < 0 || *failRate > 1 {
		log.Fatal().Float64("fail_rate", *failRate).Msg("fail-rate must be between 0 and 1")
	}

	sim := NewMeterSimulator(*model, *singlePhase, *failRate, *seed)
	server := &http.Server{
		Addr:              *listen,
		Handler:           sim.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.Info().
		Str("address", *listen).
		Str("model", *model).
		Float64("fail_rate", *failRate).
		Msg("Serving " + meterEndpoint)

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Simulator error")
	}
	log.Info().Int("requests", sim.Requests()).Msg("Simulator stopped")
}

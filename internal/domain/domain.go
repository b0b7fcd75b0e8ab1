// Package domain provides core domain models and interfaces for the go-fronius-meter application.
package domain

import (
	"context"
)

// Published paths of the grid meter service.
const (
	PathAcPower        = "/Ac/Power"
	PathL1Voltage      = "/Ac/L1/Voltage"
	PathL2Voltage      = "/Ac/L2/Voltage"
	PathL3Voltage      = "/Ac/L3/Voltage"
	PathL1Current      = "/Ac/L1/Current"
	PathL2Current      = "/Ac/L2/Current"
	PathL3Current      = "/Ac/L3/Current"
	PathL1Power        = "/Ac/L1/Power"
	PathL2Power        = "/Ac/L2/Power"
	PathL3Power        = "/Ac/L3/Power"
	PathEnergyForward  = "/Ac/Energy/Forward"
	PathEnergyReverse  = "/Ac/Energy/Reverse"
	PathUpdateIndex    = "/UpdateIndex"
	MaxUpdateIndex     = 255
	DefaultServiceName = "com.victronenergy.grid.fronius_smart_meter"
)

// ChangeCallback is invoked when another bus client writes a writeable path.
// Returning false rejects the new value.
type ChangeCallback func(path string, value interface{}) bool

// PathSpec describes one property exposed on the bus.
type PathSpec struct {
	Path      string
	Value     interface{}
	Writeable bool
	Unit      string
	OnChange  ChangeCallback
}

// PhaseReading holds the per-phase values of a meter reading.
type PhaseReading struct {
	Voltage float64 `json:"voltage"`
	Current float64 `json:"current"`
	Power   float64 `json:"power"`
}

// MeterReading represents one decoded response of the inverter's meter endpoint.
type MeterReading struct {
	Model          string          `json:"model"`
	Power          float64         `json:"power"`
	Phases         [3]PhaseReading `json:"phases"`
	EnergyConsumed float64         `json:"energy_consumed"` // Wh
	EnergyProduced float64         `json:"energy_produced"` // Wh
}

// ZeroUpperPhases forces phases 2 and 3 to zero so a single-phase meter fits the
// three-phase schema.
func (r *MeterReading) ZeroUpperPhases() {
	r.Phases[1] = PhaseReading{}
	r.Phases[2] = PhaseReading{}
}

// MeterSource defines the interface for fetching meter readings.
type MeterSource interface {
	// FetchMeter performs one request and decodes the reading
	FetchMeter(ctx context.Context) (*MeterReading, error)
}

// BusService defines the narrow interface the publisher needs from a device bus.
type BusService interface {
	// AddPath declares a property; only valid before Register
	AddPath(spec PathSpec) error

	// Get returns the current value of a path
	Get(path string) (interface{}, bool)

	// Set updates the value of a path
	Set(path string, value interface{}) error

	// Register makes the service and all declared paths visible to other clients
	Register(ctx context.Context) error

	// Paths returns the declared paths in declaration order
	Paths() []string

	// Close releases the bus connection
	Close() error
}

// MeterPaths returns the published property set with its initial values.
func MeterPaths() []PathSpec {
	return []PathSpec{
		{Path: PathAcPower, Value: 0.0, Writeable: true, Unit: "W"},
		{Path: PathL1Voltage, Value: 0.0, Writeable: true, Unit: "V"},
		{Path: PathL2Voltage, Value: 0.0, Writeable: true, Unit: "V"},
		{Path: PathL3Voltage, Value: 0.0, Writeable: true, Unit: "V"},
		{Path: PathL1Current, Value: 0.0, Writeable: true, Unit: "A"},
		{Path: PathL2Current, Value: 0.0, Writeable: true, Unit: "A"},
		{Path: PathL3Current, Value: 0.0, Writeable: true, Unit: "A"},
		{Path: PathL1Power, Value: 0.0, Writeable: true, Unit: "W"},
		{Path: PathL2Power, Value: 0.0, Writeable: true, Unit: "W"},
		{Path: PathL3Power, Value: 0.0, Writeable: true, Unit: "W"},
		{Path: PathEnergyForward, Value: 0.0, Writeable: true, Unit: "kWh"},
		{Path: PathEnergyReverse, Value: 0.0, Writeable: true, Unit: "kWh"},
		{Path: PathUpdateIndex, Value: 0, Writeable: true},
	}
}

// NextUpdateIndex increments an update index, wrapping from MaxUpdateIndex to 0.
func NextUpdateIndex(current int) int {
	next := current + 1
	if next > MaxUpdateIndex {
		return 0
	}
	return next
}

package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"
)

// RestartDelay is how long the process waits before exiting on a fatal configuration
// error, so a supervisor does not restart it in a tight loop.
const RestartDelay = 60 * time.Second

var (
	// ErrConfigNotFound is returned when the configuration file does not exist.
	ErrConfigNotFound = errors.New("configuration file not found")
	// ErrMissingInverterIP is returned when the file has no inverter_ip.
	ErrMissingInverterIP = errors.New("inverter_ip missing")
)

// FatalError is a configuration error the process cannot run with.
type FatalError struct {
	Err     error
	Message string
}

func (e *FatalError) Error() string {
	return e.Message
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

func exceptionError(err error, configPath string) *FatalError {
	cause := err
	for errors.Unwrap(cause) != nil {
		cause = errors.Unwrap(cause)
	}
	return &FatalError{
		Err:     err,
		Message: fmt.Sprintf("Exception occurred: %v of type %T in %s", err, cause, configPath),
	}
}

// Exiter reports fatal configuration errors and waits before the process exits.
type Exiter struct {
	Out   io.Writer
	Delay time.Duration
	Sleep func(time.Duration)
}

// NewExiter creates an Exiter writing to stdout and sleeping RestartDelay.
func NewExiter() *Exiter {
	return &Exiter{
		Out:   os.Stdout,
		Delay: RestartDelay,
		Sleep: time.Sleep,
	}
}

// Fatal prints the error, sleeps the restart delay and returns the exit status.
func (e *Exiter) Fatal(err error) int {
	fmt.Fprintf(e.Out, "ERROR:%v\n", err)
	fmt.Fprintf(e.Out, "ERROR:The driver restarts in %d seconds.\n", int(e.Delay.Seconds()))
	e.Sleep(e.Delay)
	return 1
}

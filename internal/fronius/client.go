// Package fronius provides a client for the meter endpoint of the Fronius Solar API.
package fronius

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/resident-x/go-fronius-meter/internal/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

const meterEndpoint = "/solar_api/v1/GetMeterRealtimeData.cgi"

// ErrUnexpectedStatus is wrapped when the inverter answers with a non-200 status.
var ErrUnexpectedStatus = errors.New("unexpected HTTP status")

// ErrorKind classifies a failed fetch.
type ErrorKind int

const (
	KindNetwork ErrorKind = iota
	KindDecode
	KindMissingField
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindDecode:
		return "decode"
	case KindMissingField:
		return "missing_field"
	default:
		return "unknown"
	}
}

// FetchError is returned by FetchMeter for every failure.
type FetchError struct {
	Kind  ErrorKind
	Field string
	Err   error
}

func (e *FetchError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s failure: field %s: %v", e.Kind, e.Field, e.Err)
	}
	return fmt.Sprintf("%s failure: %v", e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Option configures a Client.
type Option func(*Client)

// WithDeviceID selects the logical meter device (default 0).
func WithDeviceID(id int) Option {
	return func(c *Client) { c.deviceID = id }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSinglePhaseModels lists meter models that report only phase 1.
func WithSinglePhaseModels(models ...string) Option {
	return func(c *Client) {
		for _, m := range models {
			c.singlePhase[m] = true
		}
	}
}

// Client reads the smart meter through the inverter's local REST API.
type Client struct {
	host        string
	deviceID    int
	httpClient  *http.Client
	singlePhase map[string]bool
	logger      zerolog.Logger
}

// NewClient creates a new meter client for the inverter at host. The default HTTP
// client has no timeout; use WithHTTPClient to set one.
func NewClient(host string, opts ...Option) *Client {
	c := &Client{
		host:        host,
		httpClient:  &http.Client{},
		singlePhase: make(map[string]bool),
		logger:      log.With().Str("component", "fronius").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// URL returns the meter request URL.
func (c *Client) URL() string {
	params := url.Values{}
	params.Set("Scope", "Device")
	params.Set("DeviceId", strconv.Itoa(c.deviceID))
	params.Set("DataCollection", "MeterRealtimeData")

	u := url.URL{
		Scheme:   "http",
		Host:     c.host,
		Path:     meterEndpoint,
		RawQuery: params.Encode(),
	}
	return u.String()
}

// FetchMeter requests the realtime meter data and decodes it.
func (c *Client) FetchMeter(ctx context.Context) (*domain.MeterReading, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL(), nil)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &FetchError{
			Kind: KindNetwork,
			Err:  fmt.Errorf("%w: %d", ErrUnexpectedStatus, resp.StatusCode),
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &FetchError{Kind: KindNetwork, Err: fmt.Errorf("failed to read response: %w", err)}
	}

	c.logger.Debug().Int("bytes", len(body)).Msg("Meter data received")

	return c.decode(body)
}

// decode parses a GetMeterRealtimeData response body.
func (c *Client) decode(body []byte) (*domain.MeterReading, error) {
	if !gjson.ValidBytes(body) {
		return nil, &FetchError{Kind: KindDecode, Err: errors.New("invalid JSON document")}
	}

	data := gjson.GetBytes(body, "Body.Data")
	if !data.IsObject() {
		return nil, &FetchError{Kind: KindMissingField, Field: "Body.Data", Err: errors.New("not an object")}
	}

	d := &decoder{data: data}
	reading := &domain.MeterReading{
		Power: d.number("PowerReal_P_Sum"),
		Model: d.text("Details.Model"),
	}

	phases := 3
	if c.singlePhase[reading.Model] {
		phases = 1
	}
	for i := 0; i < phases; i++ {
		n := i + 1
		reading.Phases[i] = domain.PhaseReading{
			Voltage: d.number(fmt.Sprintf("Voltage_AC_Phase_%d", n)),
			Current: d.number(fmt.Sprintf("Current_AC_Phase_%d", n)),
			Power:   d.number(fmt.Sprintf("PowerReal_P_Phase_%d", n)),
		}
	}

	reading.EnergyConsumed = d.number("EnergyReal_WAC_Sum_Consumed")
	reading.EnergyProduced = d.number("EnergyReal_WAC_Sum_Produced")

	if d.err != nil {
		return nil, d.err
	}
	return reading, nil
}

// decoder extracts fields from Body.Data and keeps the first failure.
type decoder struct {
	data gjson.Result
	err  error
}

func (d *decoder) field(path string) (gjson.Result, bool) {
	if d.err != nil {
		return gjson.Result{}, false
	}
	r := d.data.Get(path)
	if !r.Exists() {
		d.err = &FetchError{Kind: KindMissingField, Field: "Body.Data." + path, Err: errors.New("not present")}
		return r, false
	}
	return r, true
}

func (d *decoder) number(path string) float64 {
	r, ok := d.field(path)
	if !ok {
		return 0
	}
	if r.Type != gjson.Number {
		d.err = &FetchError{Kind: KindMissingField, Field: "Body.Data." + path, Err: fmt.Errorf("expected number, got %s", r.Type)}
		return 0
	}
	return r.Float()
}

func (d *decoder) text(path string) string {
	r, ok := d.field(path)
	if !ok {
		return ""
	}
	if r.Type != gjson.String {
		d.err = &FetchError{Kind: KindMissingField, Field: "Body.Data." + path, Err: fmt.Errorf("expected string, got %s", r.Type)}
		return ""
	}
	return r.String()
}

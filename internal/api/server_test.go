package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-fronius-meter/internal/bus"
	"github.com/resident-x/go-fronius-meter/internal/config"
	"github.com/resident-x/go-fronius-meter/internal/domain"
	"github.com/resident-x/go-fronius-meter/internal/service"
)

type fakeStatus struct {
	stats service.Stats
}

func (f *fakeStatus) ServiceName() string {
	return domain.DefaultServiceName
}

func (f *fakeStatus) Uptime() time.Duration {
	return 90 * time.Second
}

func (f *fakeStatus) Stats() service.Stats {
	return f.stats
}

type fakeMetrics struct{}

func (fakeMetrics) GetMetrics() map[string]interface{} {
	return map[string]interface{}{"is_running": true, "dispatched": int64(12)}
}

func newTestStore(t *testing.T) *bus.LocalService {
	t.Helper()
	local := bus.NewLocalService(domain.DefaultServiceName)
	for _, spec := range domain.MeterPaths() {
		require.NoError(t, local.AddPath(spec))
	}
	require.NoError(t, local.AddPath(domain.PathSpec{Path: "/ProductId", Value: 16}))
	require.NoError(t, local.AddPath(domain.PathSpec{
		Path:      "/CustomName",
		Value:     "Fronius Smart Meter",
		Writeable: true,
		OnChange:  func(_ string, value interface{}) bool { return value != "" },
	}))
	require.NoError(t, local.Register(context.Background()))
	return local
}

func newTestServer(t *testing.T) (*Server, *bus.LocalService) {
	t.Helper()
	local := newTestStore(t)
	status := &fakeStatus{stats: service.Stats{Polls: 10, Failures: 2, LastModel: "Smart Meter 63A-1"}}
	return NewServer(&config.Settings{}, local, status, fakeMetrics{}), local
}

func do(t *testing.T, server *Server, method, target, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)

	var response map[string]interface{}
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	}
	return w, response
}

func TestHandleStatus(t *testing.T) {
	server, _ := newTestServer(t)

	w, response := do(t, server, http.MethodGet, "/api/v1/status", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	assert.Equal(t, "ok", response["status"])
	assert.Equal(t, domain.DefaultServiceName, response["service"])
	assert.Equal(t, "1m30s", response["uptime"])
	assert.NotEmpty(t, response["version"])

	polling := response["polling"].(map[string]interface{})
	assert.Equal(t, float64(10), polling["polls"])
	assert.Equal(t, float64(2), polling["failures"])
	assert.Equal(t, "Smart Meter 63A-1", polling["last_model"])

	loop := response["event_loop"].(map[string]interface{})
	assert.Equal(t, true, loop["is_running"])
}

func TestHandleStatusWithoutMetrics(t *testing.T) {
	server := NewServer(&config.Settings{}, newTestStore(t), &fakeStatus{}, nil)

	_, response := do(t, server, http.MethodGet, "/api/v1/status", "")
	assert.NotContains(t, response, "event_loop")
}

func TestHandleListPaths(t *testing.T) {
	server, local := newTestServer(t)
	require.NoError(t, local.Set(domain.PathAcPower, 450.0))

	w, response := do(t, server, http.MethodGet, "/api/v1/paths", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(15), response["count"])

	paths := response["paths"].([]interface{})
	first := paths[0].(map[string]interface{})
	assert.Equal(t, domain.PathAcPower, first["path"])
	assert.Equal(t, 450.0, first["value"])
	assert.Equal(t, "450W", first["text"])
	assert.Equal(t, true, first["writeable"])
}

func TestHandleGetPath(t *testing.T) {
	server, local := newTestServer(t)
	require.NoError(t, local.Set(domain.PathL1Voltage, 230.0))

	w, response := do(t, server, http.MethodGet, "/api/v1/paths/Ac/L1/Voltage", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, domain.PathL1Voltage, response["path"])
	assert.Equal(t, 230.0, response["value"])
	assert.Equal(t, "230V", response["text"])
	assert.Equal(t, "V", response["unit"])

	w, response = do(t, server, http.MethodGet, "/api/v1/paths/Ac/L9/Voltage", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Path not found", response["error"])
}

func TestHandleSetPath(t *testing.T) {
	server, local := newTestServer(t)

	tests := []struct {
		name       string
		target     string
		body       string
		statusCode int
		path       string
		expected   interface{}
	}{
		{
			name:       "float value",
			target:     "/api/v1/paths/Ac/Power",
			body:       `{"value": 12.5}`,
			statusCode: http.StatusOK,
			path:       domain.PathAcPower,
			expected:   12.5,
		},
		{
			name:       "integer path stays integer",
			target:     "/api/v1/paths/UpdateIndex",
			body:       `{"value": 42}`,
			statusCode: http.StatusOK,
			path:       domain.PathUpdateIndex,
			expected:   42,
		},
		{
			name:       "string value",
			target:     "/api/v1/paths/CustomName",
			body:       `{"value": "Garage"}`,
			statusCode: http.StatusOK,
			path:       "/CustomName",
			expected:   "Garage",
		},
		{
			name:       "rejected by callback",
			target:     "/api/v1/paths/CustomName",
			body:       `{"value": ""}`,
			statusCode: http.StatusForbidden,
			path:       "/CustomName",
			expected:   "Garage",
		},
		{
			name:       "read only path",
			target:     "/api/v1/paths/ProductId",
			body:       `{"value": 17}`,
			statusCode: http.StatusForbidden,
			path:       "/ProductId",
			expected:   16,
		},
		{
			name:       "unknown path",
			target:     "/api/v1/paths/Nope",
			body:       `{"value": 1}`,
			statusCode: http.StatusNotFound,
		},
		{
			name:       "invalid json",
			target:     "/api/v1/paths/Ac/Power",
			body:       `{"value": `,
			statusCode: http.StatusBadRequest,
			path:       domain.PathAcPower,
			expected:   12.5,
		},
		{
			name:       "missing value",
			target:     "/api/v1/paths/Ac/Power",
			body:       `{"val": 3}`,
			statusCode: http.StatusBadRequest,
			path:       domain.PathAcPower,
			expected:   12.5,
		},
	}

	// Cases run in order; later cases depend on earlier writes
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, response := do(t, server, http.MethodPut, tt.target, tt.body)
			assert.Equal(t, tt.statusCode, w.Code, fmt.Sprint(response))

			if tt.path != "" {
				value, _ := local.Get(tt.path)
				assert.Equal(t, tt.expected, value)
			}
			if tt.statusCode != http.StatusOK {
				assert.NotEmpty(t, response["error"])
			}
		})
	}
}

type failingStore struct {
	*bus.LocalService
}

func (f failingStore) RemoteSet(context.Context, string, interface{}) error {
	return errors.New("event loop stopped")
}

func TestHandleSetPathDispatchFailure(t *testing.T) {
	server := NewServer(&config.Settings{}, failingStore{newTestStore(t)}, &fakeStatus{}, nil)

	w, _ := do(t, server, http.MethodPut, "/api/v1/paths/Ac/Power", `{"value": 1}`)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	server, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/status", http.NoBody)
	w := httptest.NewRecorder()
	server.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestStartStop(t *testing.T) {
	cfg := &config.Settings{}
	cfg.API.Host = "127.0.0.1"
	cfg.API.Port = 0

	server := NewServer(cfg, newTestStore(t), &fakeStatus{}, nil)
	require.NoError(t, server.Start(context.Background()))

	resp, err := http.Get("http://" + server.Addr() + "/api/v1/status")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, server.Stop(context.Background()))
}

func TestStartAddressInUse(t *testing.T) {
	cfg := &config.Settings{}
	cfg.API.Host = "127.0.0.1"

	first := NewServer(cfg, newTestStore(t), &fakeStatus{}, nil)
	require.NoError(t, first.Start(context.Background()))
	defer func() { _ = first.Stop(context.Background()) }()

	_, port, _ := strings.Cut(first.Addr(), ":")
	var err error
	cfg.API.Port, err = strconv.Atoi(port)
	require.NoError(t, err)

	second := NewServer(cfg, newTestStore(t), &fakeStatus{}, nil)
	assert.Error(t, second.Start(context.Background()))
}

// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/soothill/froggy/config"
	"github.com/soothill/froggy/discovery"
	"github.com/soothill/froggy/monitoring"
	apperrors "github.com/soothill/froggy/pkg/errors"
	"github.com/soothill/froggy/pkg/interfaces"
	"github.com/soothill/froggy/settings"
	"github.com/soothill/froggy/storage"
)

const testDeviceID = "AA:BB:CC:DD:EE:FF"

type fakeSource struct {
	mu      sync.Mutex
	devices []discovery.Device
}

func (f *fakeSource) ConnectedDevices(context.Context) ([]discovery.Device, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]discovery.Device(nil), f.devices...), nil
}

type fixedBattery struct{}

func (fixedBattery) Read(context.Context) (interfaces.SystemBatteryStatus, error) {
	return interfaces.SystemBatteryStatus{Percent: 64, Present: true}, nil
}

func intPtr(v int) *int { return &v }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.History.DataDir = t.TempDir()
	disabled := false
	cfg.Network.Enabled = &disabled
	return cfg
}

func newTestApp(t *testing.T, devices ...discovery.Device) *App {
	t.Helper()
	if devices == nil {
		devices = []discovery.Device{{
			ID: testDeviceID, Name: "WH-1000XM4", Connected: true,
			Battery: intPtr(80), BatterySource: "device property",
		}}
	}
	a, err := New(testConfig(t), "0", "",
		WithDeviceSource(&fakeSource{devices: devices}),
		WithSystemBattery(fixedBattery{}),
	)
	require.NoError(t, err)
	t.Cleanup(a.performCleanup)
	return a
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthCheckHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()

	healthCheckHandler(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := rate.NewLimiter(rate.Every(time.Hour), 2)
	handler := rateLimitMiddleware(limiter, healthCheckHandler)

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		w := httptest.NewRecorder()
		handler(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		codes = append(codes, w.Code)
	}

	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestNew_BuildsComponents(t *testing.T) {
	a := newTestApp(t)

	assert.NotNil(t, a.history)
	assert.NotNil(t, a.deviceNames)
	assert.NotNil(t, a.themes)
	assert.NotNil(t, a.monitor)
	assert.Nil(t, a.network, "network monitor disabled in config")
	assert.Nil(t, a.exporter, "export disabled by default")
	require.NotNil(t, a.server)
	assert.Equal(t, "localhost:0", a.server.Addr)
}

func TestNew_DefaultsPortFromConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = 9191

	a, err := New(cfg, "", "", WithDeviceSource(&fakeSource{}), WithSystemBattery(fixedBattery{}))
	require.NoError(t, err)
	defer a.performCleanup()

	assert.Equal(t, "localhost:9191", a.server.Addr)
}

func TestNew_ServerDisabled(t *testing.T) {
	cfg := testConfig(t)
	disabled := false
	cfg.Server.Enabled = &disabled

	a, err := New(cfg, "", "", WithDeviceSource(&fakeSource{}), WithSystemBattery(fixedBattery{}))
	require.NoError(t, err)
	defer a.performCleanup()

	assert.Nil(t, a.server)
}

func TestRunOnce(t *testing.T) {
	a := newTestApp(t)

	snap := a.RunOnce(context.Background())

	require.Len(t, snap.Devices, 1)
	d := snap.Devices[0]
	assert.Equal(t, testDeviceID, d.ID)
	require.NotNil(t, d.Battery)
	assert.Equal(t, 80, *d.Battery)
	require.NotNil(t, snap.SystemBattery)
	assert.Equal(t, 64, snap.SystemBattery.Percent)

	// Cleanup persisted the reading.
	_, err := os.Stat(filepath.Join(a.config().History.DataDir, storage.HistoryFileName))
	assert.NoError(t, err)
}

func TestRunOnce_NoDevices(t *testing.T) {
	a := newTestApp(t, []discovery.Device{}...)

	snap := a.RunOnce(context.Background())

	assert.Empty(t, snap.Devices)
	assert.NotEmpty(t, snap.Guidance)
}

func TestReadiness(t *testing.T) {
	a := newTestApp(t)
	h := a.routes()

	w := doRequest(t, h, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	a.monitor.RunCycle(context.Background())

	w = doRequest(t, h, http.MethodGet, "/ready", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "READY", w.Body.String())
}

func TestStatusEndpoint(t *testing.T) {
	a := newTestApp(t)
	h := a.routes()

	w := doRequest(t, h, http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	a.monitor.RunCycle(context.Background())

	w = doRequest(t, h, http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body struct {
		Devices []struct {
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
			Battery     *int   `json:"battery"`
		} `json:"devices"`
		Theme    string  `json:"theme"`
		TextSize string  `json:"text_size"`
		UIScale  float64 `json:"ui_scale"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Devices, 1)
	assert.Equal(t, "WH-1000XM4", body.Devices[0].DisplayName)
	assert.Equal(t, string(a.themes.Current()), body.Theme)
	assert.Equal(t, string(settings.TextSizeMedium), body.TextSize)
	assert.InDelta(t, 1.0, body.UIScale, 1e-9)
}

func TestRenameEndpoint(t *testing.T) {
	a := newTestApp(t)
	h := a.routes()

	w := doRequest(t, h, http.MethodPut, "/api/devices/"+testDeviceID+"/name", `{"name":"Work headphones"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp renameResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, testDeviceID, resp.ID)
	assert.Equal(t, "Work headphones", resp.DisplayName)
	assert.True(t, resp.Custom)

	snap := a.monitor.RunCycle(context.Background())
	require.Len(t, snap.Devices, 1)
	assert.Equal(t, "Work headphones", snap.Devices[0].DisplayName)
}

func TestRenameEndpoint_BadRequests(t *testing.T) {
	a := newTestApp(t)
	h := a.routes()

	tests := []struct {
		name string
		body string
	}{
		{name: "malformed json", body: `{"name":`},
		{name: "unknown field", body: `{"nickname":"x"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := doRequest(t, h, http.MethodPut, "/api/devices/"+testDeviceID+"/name", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
}

func TestRenameEndpoint_EmptyNameClears(t *testing.T) {
	a := newTestApp(t)
	h := a.routes()

	doRequest(t, h, http.MethodPut, "/api/devices/"+testDeviceID+"/name", `{"name":"Desk"}`)
	w := doRequest(t, h, http.MethodPut, "/api/devices/"+testDeviceID+"/name", `{"name":""}`)
	require.Equal(t, http.StatusOK, w.Code)

	assert.False(t, a.deviceNames.HasCustomName(testDeviceID))
}

func TestThemeEndpoints(t *testing.T) {
	a := newTestApp(t)
	h := a.routes()

	w := doRequest(t, h, http.MethodGet, "/api/theme", "")
	require.Equal(t, http.StatusOK, w.Code)
	var got themeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, settings.Themes(), got.Themes)

	w = doRequest(t, h, http.MethodPut, "/api/theme", `{"theme":"Moss"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, settings.Theme("Moss"), a.themes.Current())

	w = doRequest(t, h, http.MethodPut, "/api/theme", `{"theme":"Vaporwave"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, settings.Theme("Moss"), a.themes.Current())

	w = doRequest(t, h, http.MethodPost, "/api/theme/next", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, settings.Theme("Retro"), a.themes.Current())
}

func TestTextSizeEndpoint(t *testing.T) {
	a := newTestApp(t)
	h := a.routes()

	w := doRequest(t, h, http.MethodPost, "/api/text-size/next", "")
	require.Equal(t, http.StatusOK, w.Code)

	var resp textSizeResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, settings.TextSizeLarge, resp.TextSize)
	assert.InDelta(t, 1.2, resp.UIScale, 1e-9)
	assert.Equal(t, settings.TextSizeLarge, a.deviceNames.TextSize())
}

func TestRefreshEndpoint(t *testing.T) {
	a := newTestApp(t)

	w := doRequest(t, a.routes(), http.MethodPost, "/api/refresh", "")

	assert.Equal(t, http.StatusAccepted, w.Code)
}

func TestMethodNotAllowed(t *testing.T) {
	a := newTestApp(t)

	w := doRequest(t, a.routes(), http.MethodDelete, "/api/theme", "")

	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	a := newTestApp(t)
	a.monitor.RunCycle(context.Background())

	w := doRequest(t, a.routes(), http.MethodGet, "/metrics", "")

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "froggy_")
}

func TestUpdateConfig(t *testing.T) {
	a := newTestApp(t)

	newCfg := testConfig(t)
	newCfg.Bluetooth.PollInterval = 90 * time.Second
	newCfg.Logging.Level = "debug"

	a.UpdateConfig(newCfg)

	assert.Same(t, newCfg, a.config())
	assert.Equal(t, 90*time.Second, a.monitor.PollInterval())
}

func TestRunAndShutdown(t *testing.T) {
	a := newTestApp(t)

	done := make(chan struct{})
	go func() {
		a.Run()
		close(done)
	}()

	require.Eventually(t, a.monitor.Ready, 5*time.Second, 10*time.Millisecond)
	a.Shutdown()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

type offlineCounters struct{}

func (offlineCounters) ActiveInterface(context.Context) (monitoring.InterfaceCounters, bool, error) {
	return monitoring.InterfaceCounters{}, false, nil
}

func TestOptions_ClockAndNetworkMonitor(t *testing.T) {
	fixed := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	network := monitoring.NewNetworkMonitor(monitoring.NetworkOptions{Counters: offlineCounters{}})

	a, err := New(testConfig(t), "0", "",
		WithDeviceSource(&fakeSource{devices: []discovery.Device{{ID: testDeviceID, Name: "WH-1000XM4", Battery: intPtr(50)}}}),
		WithSystemBattery(fixedBattery{}),
		WithClock(func() time.Time { return fixed }),
		WithNetworkMonitor(network),
	)
	require.NoError(t, err)
	defer a.performCleanup()

	network.Update(context.Background())
	a.monitor.RunCycle(context.Background())

	readings := a.history.Readings(testDeviceID)
	require.Len(t, readings, 1)
	assert.True(t, readings[0].Timestamp.Equal(fixed))

	status, ok := a.Status()
	require.True(t, ok)
	assert.True(t, status.Timestamp.Equal(fixed))
	require.NotNil(t, status.Network)
	assert.False(t, status.Network.Connected)
}

type fakeExported struct {
	points map[string]storage.BatteryPoint
	err    error
}

func (f fakeExported) QueryLatestLevel(_ context.Context, deviceID string) (storage.BatteryPoint, error) {
	if f.err != nil {
		return storage.BatteryPoint{}, f.err
	}
	p, ok := f.points[deviceID]
	if !ok {
		return storage.BatteryPoint{}, apperrors.NewStorageError("query", deviceID, apperrors.ErrDeviceNotFound)
	}
	return p, nil
}

func TestExportedEndpoint(t *testing.T) {
	at := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	points := map[string]storage.BatteryPoint{
		testDeviceID: {DeviceID: testDeviceID, DeviceName: "WH-1000XM4", Level: 41, Timestamp: at},
	}

	tests := []struct {
		name       string
		exported   latestLevelQuerier
		id         string
		wantStatus int
	}{
		{name: "export disabled", exported: nil, id: testDeviceID, wantStatus: http.StatusServiceUnavailable},
		{name: "found", exported: fakeExported{points: points}, id: testDeviceID, wantStatus: http.StatusOK},
		{name: "unknown device", exported: fakeExported{points: points}, id: "11:22:33:44:55:66", wantStatus: http.StatusNotFound},
		{name: "backend down", exported: fakeExported{err: errors.New("connection refused")}, id: testDeviceID, wantStatus: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestApp(t)
			a.exported = tt.exported

			w := doRequest(t, a.routes(), http.MethodGet, "/api/devices/"+tt.id+"/exported", "")
			require.Equal(t, tt.wantStatus, w.Code)

			if tt.wantStatus == http.StatusOK {
				var got storage.BatteryPoint
				require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
				assert.Equal(t, 41, got.Level)
				assert.True(t, got.Timestamp.Equal(at))
			}
		})
	}
}

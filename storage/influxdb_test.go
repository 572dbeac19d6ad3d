// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/soothill/froggy/pkg/errors"
)

// fakeInflux answers the health and write endpoints of the InfluxDB v2 API.
type fakeInflux struct {
	mu         sync.Mutex
	status     int
	healthy    bool
	bodies     []string
	writeCalls int
}

func newFakeInflux(t *testing.T) (*fakeInflux, *httptest.Server) {
	t.Helper()
	f := &fakeInflux{status: http.StatusNoContent, healthy: true}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeInflux) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.URL.Path {
	case "/health":
		w.Header().Set("Content-Type", "application/json")
		if f.healthy {
			_, _ = io.WriteString(w, `{"name":"influxdb","status":"pass","message":"ready for queries and writes","checks":[]}`)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"name":"influxdb","status":"fail","message":"not ready","checks":[]}`)
	case "/api/v2/write":
		f.writeCalls++
		body, _ := io.ReadAll(r.Body)
		if f.status != http.StatusNoContent {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(f.status)
			_, _ = io.WriteString(w, `{"code":"internal error","message":"disk full"}`)
			return
		}
		f.bodies = append(f.bodies, string(body))
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeInflux) set(status int, healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = status
	f.healthy = healthy
}

func (f *fakeInflux) snapshot() (bodies []string, calls int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bodies...), f.writeCalls
}

func TestNewInfluxDBExporter_EmptyURL(t *testing.T) {
	exp, err := NewInfluxDBExporter(InfluxDBOptions{Token: "token", Organization: "org", Bucket: "bucket"})
	assert.Error(t, err)
	assert.Nil(t, exp)
	assert.True(t, apperrors.IsStorageError(err))
}

func TestNewInfluxDBExporter_Unhealthy(t *testing.T) {
	f, srv := newFakeInflux(t)
	f.set(http.StatusNoContent, false)

	exp, err := NewInfluxDBExporter(InfluxDBOptions{URL: srv.URL, Token: "token", Organization: "org", Bucket: "bucket"})
	assert.Error(t, err)
	assert.Nil(t, exp)
}

func TestInfluxDBExporter_WritePoint(t *testing.T) {
	f, srv := newFakeInflux(t)

	exp, err := NewInfluxDBExporter(InfluxDBOptions{URL: srv.URL, Token: "token", Organization: "org", Bucket: "bucket"})
	require.NoError(t, err)
	defer exp.Close()

	ts := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, exp.WritePoint(context.Background(), BatteryPoint{
		DeviceID:   "AA:BB:CC:DD:EE:FF",
		DeviceName: "WH-1000XM4",
		Level:      80,
		Timestamp:  ts,
	}))

	bodies, calls := f.snapshot()
	require.Equal(t, 1, calls)
	require.Len(t, bodies, 1)
	line := strings.TrimSpace(bodies[0])
	assert.True(t, strings.HasPrefix(line, "battery_level,device_id=AA:BB:CC:DD:EE:FF,device_name=WH-1000XM4 level=80i "), line)
	assert.True(t, strings.HasSuffix(line, " 1740819600000000000"), line)

	assert.NoError(t, exp.Health(context.Background()))
}

func TestInfluxDBExporter_WriteBatch(t *testing.T) {
	f, srv := newFakeInflux(t)
	exp := newInfluxDBExporter(influxdb2.NewClient(srv.URL, "token"), InfluxDBOptions{Organization: "org", Bucket: "bucket"})
	defer exp.Close()

	now := time.Now()
	require.NoError(t, exp.WriteBatch(context.Background(), []BatteryPoint{
		{DeviceID: "a", DeviceName: "A", Level: 10, Timestamp: now},
		{DeviceID: "b", DeviceName: "B", Level: 20, Timestamp: now},
	}))
	require.NoError(t, exp.WriteBatch(context.Background(), nil))

	bodies, calls := f.snapshot()
	assert.Equal(t, 1, calls, "one request per batch, none for an empty batch")
	require.Len(t, bodies, 1)
	assert.Equal(t, 2, strings.Count(strings.TrimSpace(bodies[0]), "\n")+1)
}

func TestInfluxDBExporter_Validation(t *testing.T) {
	_, srv := newFakeInflux(t)
	exp := newInfluxDBExporter(influxdb2.NewClient(srv.URL, "token"), InfluxDBOptions{Organization: "org", Bucket: "bucket"})
	defer exp.Close()

	now := time.Now()
	tests := []struct {
		name  string
		point BatteryPoint
		field string
	}{
		{"empty device id", BatteryPoint{Level: 50, Timestamp: now}, "device_id"},
		{"zero timestamp", BatteryPoint{DeviceID: "a", Level: 50}, "timestamp"},
		{"level above 100", BatteryPoint{DeviceID: "a", Level: 101, Timestamp: now}, "level"},
		{"negative level", BatteryPoint{DeviceID: "a", Level: -1, Timestamp: now}, "level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := exp.WritePoint(context.Background(), tt.point)
			require.Error(t, err)
			assert.True(t, apperrors.IsValidationError(err))
			assert.Contains(t, err.Error(), tt.field)
		})
	}
}

func TestInfluxDBExporter_CircuitBreaker(t *testing.T) {
	f, srv := newFakeInflux(t)
	f.set(http.StatusInternalServerError, true)

	exp := newInfluxDBExporter(influxdb2.NewClient(srv.URL, "token"), InfluxDBOptions{
		Organization:    "org",
		Bucket:          "bucket",
		BreakerFailures: 2,
		BreakerTimeout:  time.Minute,
	})
	defer exp.Close()

	p := BatteryPoint{DeviceID: "a", Level: 50, Timestamp: time.Now()}
	for i := 0; i < 2; i++ {
		err := exp.WritePoint(context.Background(), p)
		require.Error(t, err)
		assert.NotErrorIs(t, err, apperrors.ErrCircuitBreakerOpen)
	}

	err := exp.WritePoint(context.Background(), p)
	assert.ErrorIs(t, err, apperrors.ErrCircuitBreakerOpen)

	_, calls := f.snapshot()
	assert.Equal(t, 2, calls, "an open breaker does not reach the server")
}

func TestQueryLatestLevel_DeviceIDValidation(t *testing.T) {
	_, srv := newFakeInflux(t)
	exp := newInfluxDBExporter(influxdb2.NewClient(srv.URL, "token"), InfluxDBOptions{Organization: "org", Bucket: "bucket"})
	defer exp.Close()

	_, err := exp.QueryLatestLevel(context.Background(), "")
	assert.True(t, apperrors.IsValidationError(err))
}

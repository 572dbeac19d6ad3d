// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package storage keeps the per-device battery history and, optionally,
// exports readings to InfluxDB for long-term retention.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sony/gobreaker"

	apperrors "github.com/soothill/froggy/pkg/errors"
	"github.com/soothill/froggy/pkg/logger"
	"github.com/soothill/froggy/pkg/metrics"
)

const (
	measurementBatteryLevel = "battery_level"
	defaultWriteTimeout     = 5 * time.Second
	maxFluxStringLength     = 1000
)

// InfluxDBOptions configures an InfluxDBExporter.
type InfluxDBOptions struct {
	URL          string
	Token        string
	Organization string
	Bucket       string
	WriteTimeout time.Duration
	// BreakerFailures is the number of consecutive failures that open the
	// circuit. Defaults to 3.
	BreakerFailures uint32
	// BreakerTimeout is how long the circuit stays open. Defaults to 30s.
	BreakerTimeout time.Duration
}

// InfluxDBExporter writes battery readings to InfluxDB.
type InfluxDBExporter struct {
	client       influxdb2.Client
	writeAPI     api.WriteAPIBlocking
	breaker      *gobreaker.CircuitBreaker
	org          string
	bucket       string
	writeTimeout time.Duration
}

// NewInfluxDBExporter connects to InfluxDB and verifies it is healthy.
func NewInfluxDBExporter(opts InfluxDBOptions) (*InfluxDBExporter, error) {
	if opts.URL == "" {
		return nil, apperrors.NewStorageError("connect", "", errors.New("InfluxDB URL is empty"))
	}
	client := influxdb2.NewClient(opts.URL, opts.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, apperrors.NewStorageError("connect", "", fmt.Errorf("failed to connect to InfluxDB: %w", err))
	}
	if health.Status != "pass" {
		client.Close()
		message := "unknown error"
		if health.Message != nil {
			message = *health.Message
		}
		return nil, apperrors.NewStorageError("connect", "", fmt.Errorf("InfluxDB health check failed: %s", message))
	}

	logger.Info().Str("url", opts.URL).Str("status", string(health.Status)).Msg("Connected to InfluxDB")
	return newInfluxDBExporter(client, opts), nil
}

func newInfluxDBExporter(client influxdb2.Client, opts InfluxDBOptions) *InfluxDBExporter {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	if opts.BreakerFailures == 0 {
		opts.BreakerFailures = 3
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "influxdb",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).
				Msg("InfluxDB circuit breaker changed state")
		},
	})

	return &InfluxDBExporter{
		client:       client,
		writeAPI:     client.WriteAPIBlocking(opts.Organization, opts.Bucket),
		breaker:      breaker,
		org:          opts.Organization,
		bucket:       opts.Bucket,
		writeTimeout: opts.WriteTimeout,
	}
}

// WritePoint writes one reading. It fails fast with ErrCircuitBreakerOpen
// while InfluxDB is considered down.
func (e *InfluxDBExporter) WritePoint(ctx context.Context, point BatteryPoint) error {
	return e.WriteBatch(ctx, []BatteryPoint{point})
}

// WriteBatch writes several readings in one request.
func (e *InfluxDBExporter) WriteBatch(ctx context.Context, points []BatteryPoint) error {
	if len(points) == 0 {
		return nil
	}
	pts := make([]*write.Point, 0, len(points))
	for i, p := range points {
		if err := validatePoint(p); err != nil {
			return fmt.Errorf("point %d: %w", i, err)
		}
		pts = append(pts, newBatteryPoint(p))
	}

	_, err := e.breaker.Execute(func() (interface{}, error) {
		writeCtx, cancel := context.WithTimeout(ctx, e.writeTimeout)
		defer cancel()
		return nil, e.writeAPI.WritePoint(writeCtx, pts...)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.InfluxDBWriteErrors.Inc()
		return apperrors.NewStorageError("write", points[0].DeviceID, apperrors.ErrCircuitBreakerOpen)
	}
	if err != nil {
		metrics.InfluxDBWriteErrors.Inc()
		return apperrors.NewStorageError("write", points[0].DeviceID, err)
	}
	metrics.InfluxDBWritesTotal.Add(float64(len(pts)))
	return nil
}

// Health reports whether InfluxDB answers its health endpoint with "pass".
func (e *InfluxDBExporter) Health(ctx context.Context) error {
	health, err := e.client.Health(ctx)
	if err != nil {
		return apperrors.NewStorageError("health", "", err)
	}
	if health.Status != "pass" {
		return apperrors.NewStorageError("health", "", fmt.Errorf("status %s", health.Status))
	}
	return nil
}

// QueryLatestLevel returns the most recent exported reading for a device
// within the last day.
func (e *InfluxDBExporter) QueryLatestLevel(ctx context.Context, deviceID string) (BatteryPoint, error) {
	if deviceID == "" {
		return BatteryPoint{}, apperrors.NewValidationError("device_id", deviceID, "cannot be empty")
	}

	query := fmt.Sprintf(`
		from(bucket: "%s")
			|> range(start: -30d)
			|> filter(fn: (r) => r._measurement == "%s")
			|> filter(fn: (r) => r.device_id == "%s")
			|> filter(fn: (r) => r._field == "level")
			|> last()
	`, sanitizeFluxString(e.bucket), measurementBatteryLevel, sanitizeFluxString(deviceID))

	result, err := e.client.QueryAPI(e.org).Query(ctx, query)
	if err != nil {
		return BatteryPoint{}, apperrors.NewStorageError("query", deviceID, err)
	}
	defer func() {
		_ = result.Close()
	}()

	point := BatteryPoint{DeviceID: deviceID}
	found := false
	for result.Next() {
		record := result.Record()
		if name, ok := record.ValueByKey("device_name").(string); ok {
			point.DeviceName = name
		}
		point.Timestamp = record.Time()
		switch v := record.Value().(type) {
		case int64:
			point.Level = int(v)
			found = true
		case float64:
			point.Level = int(v)
			found = true
		}
	}
	if result.Err() != nil {
		return BatteryPoint{}, apperrors.NewStorageError("query", deviceID, fmt.Errorf("query parsing failed: %w", result.Err()))
	}
	if !found {
		return BatteryPoint{}, apperrors.NewStorageError("query", deviceID, apperrors.ErrDeviceNotFound)
	}
	return point, nil
}

// Close releases the client.
func (e *InfluxDBExporter) Close() {
	logger.Info().Msg("Closing InfluxDB connection")
	e.client.Close()
}

func validatePoint(p BatteryPoint) error {
	if p.DeviceID == "" {
		return apperrors.NewValidationError("device_id", p.DeviceID, "cannot be empty")
	}
	if p.Timestamp.IsZero() {
		return apperrors.NewValidationError("timestamp", p.Timestamp, "cannot be zero")
	}
	if p.Level < 0 || p.Level > 100 {
		return apperrors.NewValidationError("level", p.Level, "must be within 0..100")
	}
	return nil
}

func newBatteryPoint(p BatteryPoint) *write.Point {
	return influxdb2.NewPoint(
		measurementBatteryLevel,
		map[string]string{
			"device_id":   p.DeviceID,
			"device_name": p.DeviceName,
		},
		map[string]interface{}{
			"level": p.Level,
		},
		p.Timestamp,
	)
}

// sanitizeFluxString escapes a value for use inside a Flux string literal.
// Control characters are dropped and the result is truncated.
func sanitizeFluxString(s string) string {
	if len(s) > maxFluxStringLength {
		s = s[:maxFluxStringLength]
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' || c == '"' || c == '$':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c < 0x20 || c == 0x7f:
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

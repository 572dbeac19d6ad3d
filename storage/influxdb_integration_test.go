// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build integration
// +build integration

package storage

import (
	"context"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go/modules/influxdb"
)

// startInfluxDB runs an InfluxDB 2 container and returns a connected exporter.
func startInfluxDB(t *testing.T) *InfluxDBExporter {
	t.Helper()
	ctx := context.Background()

	influxContainer, err := influxdb.Run(ctx,
		"influxdb:2.7-alpine",
		influxdb.WithV2Auth("test-org", "test-bucket", "test-user", "test-password"),
		influxdb.WithV2AdminToken("test-token"),
	)
	if err != nil {
		t.Fatalf("Failed to start InfluxDB container: %v", err)
	}
	t.Cleanup(func() {
		if err := influxContainer.Terminate(ctx); err != nil {
			t.Logf("Failed to terminate container: %v", err)
		}
	})

	url, err := influxContainer.ConnectionUrl(ctx)
	if err != nil {
		t.Fatalf("Failed to get InfluxDB URL: %v", err)
	}

	exp, err := NewInfluxDBExporter(InfluxDBOptions{
		URL:          url,
		Token:        "test-token",
		Organization: "test-org",
		Bucket:       "test-bucket",
	})
	if err != nil {
		t.Fatalf("Failed to create exporter: %v", err)
	}
	t.Cleanup(exp.Close)
	return exp
}

func TestIntegration_WriteAndQueryLatest(t *testing.T) {
	exp := startInfluxDB(t)
	ctx := context.Background()

	base := time.Now().Add(-10 * time.Minute).Truncate(time.Second)
	points := []BatteryPoint{
		{DeviceID: "AA:BB:CC:DD:EE:FF", DeviceName: "WH-1000XM4", Level: 80, Timestamp: base},
		{DeviceID: "AA:BB:CC:DD:EE:FF", DeviceName: "WH-1000XM4", Level: 75, Timestamp: base.Add(5 * time.Minute)},
	}
	if err := exp.WriteBatch(ctx, points); err != nil {
		t.Fatalf("WriteBatch() error = %v", err)
	}

	latest, err := exp.QueryLatestLevel(ctx, "AA:BB:CC:DD:EE:FF")
	if err != nil {
		t.Fatalf("QueryLatestLevel() error = %v", err)
	}
	if latest.Level != 75 {
		t.Errorf("Level = %d, want 75", latest.Level)
	}
	if latest.DeviceName != "WH-1000XM4" {
		t.Errorf("DeviceName = %q, want WH-1000XM4", latest.DeviceName)
	}
	if !latest.Timestamp.Equal(base.Add(5 * time.Minute)) {
		t.Errorf("Timestamp = %v, want %v", latest.Timestamp, base.Add(5*time.Minute))
	}
}

func TestIntegration_QueryUnknownDevice(t *testing.T) {
	exp := startInfluxDB(t)

	if _, err := exp.QueryLatestLevel(context.Background(), "no-such-device"); err == nil {
		t.Error("QueryLatestLevel() should fail for a device with no readings")
	}
}

func TestIntegration_BufferedExporterReplays(t *testing.T) {
	exp := startInfluxDB(t)

	spool, err := NewSpool(t.TempDir(), 1024*1024, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if err := spool.Write(BatteryPoint{DeviceID: "spooled", DeviceName: "Earbuds", Level: 42, Timestamp: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatal(err)
	}

	be := NewBufferedExporter(exp, spool, nil, BufferedOptions{HealthCheckInterval: 100 * time.Millisecond})
	defer be.Close()

	deadline := time.Now().Add(10 * time.Second)
	for spool.Size() > 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if spool.Size() != 0 {
		t.Fatalf("spool not drained, size = %d", spool.Size())
	}

	latest, err := exp.QueryLatestLevel(context.Background(), "spooled")
	if err != nil {
		t.Fatalf("QueryLatestLevel() error = %v", err)
	}
	if latest.Level != 42 {
		t.Errorf("Level = %d, want 42", latest.Level)
	}
}

func TestIntegration_Health(t *testing.T) {
	exp := startInfluxDB(t)
	if err := exp.Health(context.Background()); err != nil {
		t.Errorf("Health() error = %v", err)
	}
}

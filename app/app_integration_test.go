// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build integration
// +build integration

package app

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go/modules/influxdb"

	"github.com/soothill/froggy/discovery"
	"github.com/soothill/froggy/storage"
)

type AppIntegrationTestSuite struct {
	suite.Suite
	terminate   func() error
	influxDBURL string
}

func TestAppIntegrationTestSuite(t *testing.T) {
	suite.Run(t, new(AppIntegrationTestSuite))
}

func (s *AppIntegrationTestSuite) SetupSuite() {
	ctx := context.Background()
	container, err := influxdb.Run(ctx,
		"influxdb:2.7-alpine",
		influxdb.WithV2Auth("testorg", "testbucket", "testuser", "testpassword"),
		influxdb.WithV2AdminToken("testtoken"),
	)
	s.Require().NoError(err)
	s.terminate = func() error { return container.Terminate(context.Background()) }

	s.influxDBURL, err = container.ConnectionUrl(ctx)
	s.Require().NoError(err)
}

func (s *AppIntegrationTestSuite) TearDownSuite() {
	if s.terminate != nil {
		s.Require().NoError(s.terminate())
	}
}

func (s *AppIntegrationTestSuite) TestAppExportsReadings() {
	cfg := testConfig(s.T())
	cfg.Bluetooth.PollInterval = 5 * time.Second
	cfg.InfluxDB.Enabled = true
	cfg.InfluxDB.URL = s.influxDBURL
	cfg.InfluxDB.Token = "testtoken"
	cfg.InfluxDB.Organization = "testorg"
	cfg.InfluxDB.Bucket = "testbucket"
	cfg.InfluxDB.SpoolDir = s.T().TempDir()
	s.Require().NoError(cfg.Validate())

	source := &fakeSource{devices: []discovery.Device{{
		ID: testDeviceID, Name: "WH-1000XM4", Connected: true, Battery: intPtr(72),
	}}}
	application, err := New(cfg, "0", "", WithDeviceSource(source), WithSystemBattery(fixedBattery{}))
	s.Require().NoError(err)
	s.Require().NotNil(application.exporter, "export should be enabled")

	done := make(chan struct{})
	go func() {
		application.Run()
		close(done)
	}()

	reader, err := storage.NewInfluxDBExporter(storage.InfluxDBOptions{
		URL:          s.influxDBURL,
		Token:        "testtoken",
		Organization: "testorg",
		Bucket:       "testbucket",
	})
	s.Require().NoError(err)
	defer reader.Close()

	s.Eventually(func() bool {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p, err := reader.QueryLatestLevel(ctx, testDeviceID)
		return err == nil && p.Level == 72
	}, 20*time.Second, 250*time.Millisecond)

	s.False(application.exporter.Degraded())

	w := doRequest(s.T(), application.routes(), http.MethodGet, "/api/devices/"+testDeviceID+"/exported", "")
	s.Equal(http.StatusOK, w.Code, w.Body.String())

	application.Shutdown()
	select {
	case <-done:
	case <-time.After(15 * time.Second):
		s.T().Fatal("App did not shut down gracefully")
	}
}

func (s *AppIntegrationTestSuite) TestAppStartsWithUnreachableInfluxDB() {
	cfg := testConfig(s.T())
	cfg.InfluxDB.Enabled = true
	cfg.InfluxDB.URL = "http://127.0.0.1:1"
	cfg.InfluxDB.Token = "testtoken"
	cfg.InfluxDB.Organization = "testorg"
	cfg.InfluxDB.Bucket = "testbucket"

	application, err := New(cfg, "0", "", WithDeviceSource(&fakeSource{}), WithSystemBattery(fixedBattery{}))
	s.Require().NoError(err)
	defer application.performCleanup()

	s.Nil(application.exporter)
	snap := application.monitor.RunCycle(context.Background())
	s.Empty(snap.Devices)
}

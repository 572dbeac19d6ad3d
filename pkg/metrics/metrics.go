// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package metrics provides Prometheus metrics for the battery tracker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DevicesConnected tracks the number of connected devices after the last reconciliation
	DevicesConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "froggy_devices_connected",
		Help: "Number of connected Bluetooth devices found by the last reconciliation",
	})

	// DevicesWithBattery tracks how many connected devices reported a battery level
	DevicesWithBattery = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "froggy_devices_with_battery",
		Help: "Number of connected Bluetooth devices with a known battery level",
	})

	// ReconcileDuration tracks how long one reconciliation cycle takes
	ReconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "froggy_reconcile_duration_seconds",
		Help:    "Duration of a device reconciliation cycle in seconds",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 3, 5, 10},
	})

	// ReconcileCycles counts reconciliation cycles by outcome
	ReconcileCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "froggy_reconcile_cycles_total",
		Help: "Total number of reconciliation cycles by outcome",
	}, []string{"outcome"})

	// SourceFailures counts failed OS source calls per source
	SourceFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "froggy_source_failures_total",
		Help: "Total number of failed Bluetooth source calls",
	}, []string{"source"})

	// SourceTimeouts counts OS source calls abandoned at the cycle deadline
	SourceTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "froggy_source_timeouts_total",
		Help: "Total number of Bluetooth source calls that missed the cycle deadline",
	}, []string{"source"})

	// ProbeAttempts counts AT-command battery probes by result
	ProbeAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "froggy_at_probe_attempts_total",
		Help: "Total number of AT-command battery probes by result",
	}, []string{"result"})

	// BatteryLevel tracks the last reported battery level per device
	BatteryLevel = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "froggy_battery_level_percent",
		Help: "Last reported battery level in percent",
	}, []string{"device_id", "device_name"})

	// DrainRate tracks the estimated drain rate per device
	DrainRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "froggy_drain_rate_percent_per_hour",
		Help: "Estimated battery drain rate in percent per hour",
	}, []string{"device_id", "device_name"})

	// HistoryReadingsRecorded counts readings appended to the history
	HistoryReadingsRecorded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "froggy_history_readings_recorded_total",
		Help: "Total number of battery readings appended to the history",
	})

	// HistoryWrites counts successful history file writes
	HistoryWrites = promauto.NewCounter(prometheus.CounterOpts{
		Name: "froggy_history_writes_total",
		Help: "Total number of successful battery history file writes",
	})

	// HistoryWriteErrors counts failed history file writes
	HistoryWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "froggy_history_write_errors_total",
		Help: "Total number of failed battery history file writes",
	})

	// NetworkDownload tracks the current download rate of the active interface
	NetworkDownload = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "froggy_network_download_bytes_per_second",
		Help: "Current download rate of the active network interface",
	})

	// NetworkUpload tracks the current upload rate of the active interface
	NetworkUpload = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "froggy_network_upload_bytes_per_second",
		Help: "Current upload rate of the active network interface",
	})

	// NetworkPing tracks the last ping round trip, -1 when unreachable
	NetworkPing = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "froggy_network_ping_milliseconds",
		Help: "Last ping round trip time in milliseconds, -1 when unreachable",
	})

	// SystemBatteryLevel tracks the laptop battery level
	SystemBatteryLevel = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "froggy_system_battery_level_percent",
		Help: "System (laptop) battery level in percent",
	})

	// InfluxDBWritesTotal tracks the total number of writes to InfluxDB
	InfluxDBWritesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "froggy_influxdb_writes_total",
		Help: "Total number of battery readings written to InfluxDB",
	})

	// InfluxDBWriteErrors tracks the number of failed writes to InfluxDB
	InfluxDBWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "froggy_influxdb_write_errors_total",
		Help: "Total number of failed writes to InfluxDB",
	})

	// SpoolSize tracks the size of the on-disk export spool
	SpoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "froggy_export_spool_bytes",
		Help: "Size in bytes of readings spooled while InfluxDB is unavailable",
	})
)

// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package interfaces defines the narrow contracts components are injected
// through, so the orchestrator and HTTP layer can be tested with fakes.
package interfaces

import (
	"github.com/soothill/froggy/battery"
)

// BatteryHistory records readings and derives statistics from them.
// storage.HistoryStore is the production implementation.
type BatteryHistory interface {
	// RecordBattery appends a reading when the level changed or the
	// throttle interval elapsed. Persistence errors are logged, not returned.
	RecordBattery(deviceID, deviceName string, level int)

	// Stats computes drain statistics from the device's current window.
	Stats(deviceID string) battery.Stats

	// SummaryText renders Stats for display.
	SummaryText(deviceID string) string
}

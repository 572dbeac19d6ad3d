// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import (
	"context"
)

// Notifier defines the interface for sending notifications.
type Notifier interface {
	// SendAlert sends a notification with the given level, title, and message.
	SendAlert(ctx context.Context, level, title, message string) error
	// IsEnabled returns true if the notifier is configured and enabled.
	IsEnabled() bool
}

// BatteryNotifier receives the alerts raised by the polling cycle.
type BatteryNotifier interface {
	Notifier
	SendLowBattery(ctx context.Context, deviceName string, level, threshold int, summary string) error
	SendBluetoothFailure(ctx context.Context, err error) error
}

// ExportNotifier receives alerts about the long-term export.
type ExportNotifier interface {
	SendInfluxDBFailure(ctx context.Context, err error) error
	SendInfluxDBRecovery(ctx context.Context) error
	SendSpoolWarning(ctx context.Context, size, maxSize int64) error
}

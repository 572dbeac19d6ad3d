// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import (
	"context"

	"github.com/soothill/froggy/discovery"
)

// DeviceSource yields the connected Bluetooth devices of one reconciliation
// cycle. discovery.Reconciler is the production implementation.
type DeviceSource interface {
	// ConnectedDevices runs a cycle bounded by ctx and the source's own
	// cycle timeout. It fails only when the Bluetooth stack is unreachable.
	ConnectedDevices(ctx context.Context) ([]discovery.Device, error)
}

// NameResolver maps a device id to the name the user chose for it.
type NameResolver interface {
	DisplayName(deviceID, fallback string) string
}

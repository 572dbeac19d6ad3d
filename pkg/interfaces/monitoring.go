// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package interfaces

import (
	"context"
	"time"
)

// SystemBatteryStatus is the host's own battery state.
type SystemBatteryStatus struct {
	Percent  int  `json:"percent"`
	Charging bool `json:"charging"`
	Present  bool `json:"present"`
	// Remaining is nil when the OS does not provide an estimate.
	Remaining *time.Duration `json:"remaining,omitempty"`
}

// SystemBatteryReader queries the host battery.
type SystemBatteryReader interface {
	Read(ctx context.Context) (SystemBatteryStatus, error)
}

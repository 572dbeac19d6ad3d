// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build windows

package monitoring

import (
	"context"
	"fmt"
	"time"

	"github.com/yusufpapurcu/wmi"

	apperrors "github.com/soothill/froggy/pkg/errors"
	"github.com/soothill/froggy/pkg/interfaces"
)

// runTimeUnknown is what Win32_Battery reports while the estimate is settling.
const runTimeUnknown = 71582788

// Minimal WMI model for Win32_Battery.
type win32Battery struct {
	EstimatedChargeRemaining uint16
	BatteryStatus            uint16
	EstimatedRunTime         uint32
}

// WMISystemBattery reads the laptop battery from Win32_Battery.
type WMISystemBattery struct{}

// NewSystemBattery returns the host battery reader.
func NewSystemBattery() interfaces.SystemBatteryReader {
	return WMISystemBattery{}
}

// Read implements interfaces.SystemBatteryReader.
func (WMISystemBattery) Read(ctx context.Context) (interfaces.SystemBatteryStatus, error) {
	if err := ctx.Err(); err != nil {
		return interfaces.SystemBatteryStatus{}, err
	}

	var dst []win32Battery
	if err := wmi.Query("SELECT EstimatedChargeRemaining, BatteryStatus, EstimatedRunTime FROM Win32_Battery", &dst); err != nil {
		return interfaces.SystemBatteryStatus{}, fmt.Errorf("wmi Win32_Battery query failed: %w", err)
	}
	if len(dst) == 0 {
		return interfaces.SystemBatteryStatus{}, apperrors.ErrNoSystemBattery
	}

	b := dst[0]
	status := interfaces.SystemBatteryStatus{
		Percent:  int(b.EstimatedChargeRemaining),
		Charging: onExternalPower(b.BatteryStatus),
		Present:  true,
	}
	if !status.Charging && b.EstimatedRunTime > 0 && b.EstimatedRunTime != runTimeUnknown {
		remaining := time.Duration(b.EstimatedRunTime) * time.Minute
		status.Remaining = &remaining
	}
	return status, nil
}

// onExternalPower maps Win32_Battery.BatteryStatus: 1 is discharging, 4 and 5
// are low and critical on battery, every other defined state means AC power.
func onExternalPower(code uint16) bool {
	switch code {
	case 2, 3, 6, 7, 8, 9, 11:
		return true
	default:
		return false
	}
}

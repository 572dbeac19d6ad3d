// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build !windows

package monitoring

import (
	"context"

	apperrors "github.com/soothill/froggy/pkg/errors"
	"github.com/soothill/froggy/pkg/interfaces"
)

type unsupportedSystemBattery struct{}

// NewSystemBattery returns the host battery reader. Only Windows is supported.
func NewSystemBattery() interfaces.SystemBatteryReader {
	return unsupportedSystemBattery{}
}

func (unsupportedSystemBattery) Read(context.Context) (interfaces.SystemBatteryStatus, error) {
	return interfaces.SystemBatteryStatus{}, apperrors.ErrUnsupportedPlatform
}

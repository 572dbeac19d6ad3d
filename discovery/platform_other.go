// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

//go:build !windows

package discovery

import (
	apperrors "github.com/soothill/froggy/pkg/errors"
)

// NewPlatformSources reports ErrUnsupportedPlatform: the Bluetooth stack
// queries are only implemented for Windows.
func NewPlatformSources() (PlatformSources, error) {
	return PlatformSources{}, apperrors.ErrUnsupportedPlatform
}

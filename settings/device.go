// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package settings persists the user's display preferences: custom device
// names, text size and the widget theme. Each store owns one small JSON
// document in the data directory and rewrites it after every change.
package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	apperrors "github.com/soothill/froggy/pkg/errors"
	"github.com/soothill/froggy/pkg/logger"
	"github.com/soothill/froggy/pkg/util"
)

// DeviceSettingsFileName is the name of the device settings document.
const DeviceSettingsFileName = "device_settings.json"

const settingsFileMode = 0o644

// TextSize is the widget text size preference.
type TextSize string

// Text sizes, in cycling order.
const (
	TextSizeSmall  TextSize = "Small"
	TextSizeMedium TextSize = "Medium"
	TextSizeLarge  TextSize = "Large"
)

var textSizeOrder = []TextSize{TextSizeSmall, TextSizeMedium, TextSizeLarge}

// ParseTextSize returns the TextSize named s (case-insensitive).
func ParseTextSize(s string) (TextSize, error) {
	for _, ts := range textSizeOrder {
		if strings.EqualFold(string(ts), strings.TrimSpace(s)) {
			return ts, nil
		}
	}
	return "", apperrors.NewValidationError("TextSize", s, "must be Small, Medium or Large")
}

// Scale returns the UI scale factor of the text size.
func (ts TextSize) Scale() float64 {
	switch ts {
	case TextSizeSmall:
		return 0.85
	case TextSizeLarge:
		return 1.2
	default:
		return 1.0
	}
}

// Next returns the following text size, wrapping from Large to Small.
func (ts TextSize) Next() TextSize {
	for i, candidate := range textSizeOrder {
		if candidate == ts {
			return textSizeOrder[(i+1)%len(textSizeOrder)]
		}
	}
	return TextSizeMedium
}

type deviceSettingsDocument struct {
	CustomNames map[string]string `json:"CustomNames"`
	TextSize    TextSize          `json:"TextSize"`
}

// DeviceSettings stores per-device custom names and the text size.
type DeviceSettings struct {
	mu          sync.RWMutex
	path        string
	customNames map[string]string
	textSize    TextSize
}

// LoadDeviceSettings reads the settings at path. A missing, unreadable or
// corrupt file yields defaults: no custom names and Medium text.
func LoadDeviceSettings(path string) *DeviceSettings {
	ds := &DeviceSettings{
		path:        path,
		customNames: make(map[string]string),
		textSize:    TextSizeMedium,
	}

	data, err := util.ReadFileSafely(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(apperrors.NewStorageError("load", "", err)).Str("path", path).
				Msg("Failed to read device settings, using defaults")
		}
		return ds
	}

	var doc deviceSettingsDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.Warn().Err(apperrors.NewStorageError("load", "", err)).Str("path", path).
			Msg("Device settings are corrupt, using defaults")
		return ds
	}

	for id, name := range doc.CustomNames {
		if strings.TrimSpace(name) != "" {
			ds.customNames[id] = name
		}
	}
	if ts, err := ParseTextSize(string(doc.TextSize)); err == nil {
		ds.textSize = ts
	}
	return ds
}

// DisplayName returns the custom name of deviceID if one is set, else fallback.
func (ds *DeviceSettings) DisplayName(deviceID, fallback string) string {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	if name, ok := ds.customNames[deviceID]; ok && strings.TrimSpace(name) != "" {
		return name
	}
	return fallback
}

// HasCustomName reports whether deviceID has a custom name.
func (ds *DeviceSettings) HasCustomName(deviceID string) bool {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	_, ok := ds.customNames[deviceID]
	return ok
}

// SetCustomName sets the custom name of deviceID. A blank name removes it.
func (ds *DeviceSettings) SetCustomName(deviceID, name string) error {
	if deviceID == "" {
		return apperrors.NewValidationError("deviceID", deviceID, "must not be empty")
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()

	name = strings.TrimSpace(name)
	if name == "" {
		delete(ds.customNames, deviceID)
	} else {
		ds.customNames[deviceID] = name
	}
	return ds.saveLocked()
}

// ClearCustomName removes the custom name of deviceID.
func (ds *DeviceSettings) ClearCustomName(deviceID string) error {
	return ds.SetCustomName(deviceID, "")
}

// TextSize returns the current text size.
func (ds *DeviceSettings) TextSize() TextSize {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	return ds.textSize
}

// UIScale returns the scale factor of the current text size.
func (ds *DeviceSettings) UIScale() float64 {
	return ds.TextSize().Scale()
}

// SetTextSize changes the text size.
func (ds *DeviceSettings) SetTextSize(ts TextSize) error {
	if _, err := ParseTextSize(string(ts)); err != nil {
		return err
	}

	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.textSize = ts
	return ds.saveLocked()
}

// CycleTextSize advances Small, Medium, Large, Small... and returns the new size.
func (ds *DeviceSettings) CycleTextSize() (TextSize, error) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ds.textSize = ds.textSize.Next()
	return ds.textSize, ds.saveLocked()
}

// CustomNames returns a copy of every custom name.
func (ds *DeviceSettings) CustomNames() map[string]string {
	ds.mu.RLock()
	defer ds.mu.RUnlock()
	out := make(map[string]string, len(ds.customNames))
	for k, v := range ds.customNames {
		out[k] = v
	}
	return out
}

func (ds *DeviceSettings) saveLocked() error {
	doc := deviceSettingsDocument{CustomNames: ds.customNames, TextSize: ds.textSize}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return apperrors.NewStorageError("save", "", fmt.Errorf("encode device settings: %w", err))
	}
	if err := util.WriteFileAtomic(ds.path, data, settingsFileMode); err != nil {
		serr := apperrors.NewStorageError("save", "", err)
		logger.Error().Err(serr).Str("path", ds.path).Msg("Failed to save device settings")
		return serr
	}
	return nil
}

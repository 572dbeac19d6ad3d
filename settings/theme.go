// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package settings

import (
	"encoding/json"
	"os"
	"strings"
	"sync"

	apperrors "github.com/soothill/froggy/pkg/errors"
	"github.com/soothill/froggy/pkg/logger"
	"github.com/soothill/froggy/pkg/util"
)

// ThemeFileName is the name of the theme document.
const ThemeFileName = "theme.json"

// Theme is a named widget colour scheme.
type Theme string

// Themes, in toggle order.
const (
	ThemeRetro     Theme = "Retro"
	ThemePixel     Theme = "Pixel"
	ThemeNeonDrift Theme = "NeonDrift"
	ThemeMoss      Theme = "Moss"
)

var themeOrder = []Theme{ThemeRetro, ThemePixel, ThemeNeonDrift, ThemeMoss}

// Themes returns every theme in toggle order.
func Themes() []Theme {
	return append([]Theme(nil), themeOrder...)
}

// ParseTheme returns the theme named s (case-insensitive).
func ParseTheme(s string) (Theme, error) {
	for _, th := range themeOrder {
		if strings.EqualFold(string(th), strings.TrimSpace(s)) {
			return th, nil
		}
	}
	return "", apperrors.NewValidationError("Theme", s, "unknown theme")
}

type themeDocument struct {
	Theme Theme `json:"Theme"`
}

// ThemeStore holds the current theme and notifies listeners when it changes.
type ThemeStore struct {
	mu        sync.RWMutex
	path      string
	current   Theme
	listeners []func(Theme)
}

// LoadThemeStore reads the theme at path. Missing, corrupt or unknown values
// load as Retro.
func LoadThemeStore(path string) *ThemeStore {
	ts := &ThemeStore{path: path, current: ThemeRetro}

	data, err := util.ReadFileSafely(path)
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn().Err(err).Str("path", path).Msg("Failed to read theme, using Retro")
		}
		return ts
	}

	var doc themeDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		logger.Warn().Err(err).Str("path", path).Msg("Theme file is corrupt, using Retro")
		return ts
	}
	if th, err := ParseTheme(string(doc.Theme)); err == nil {
		ts.current = th
	}
	return ts
}

// Current returns the active theme.
func (ts *ThemeStore) Current() Theme {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return ts.current
}

// OnChange registers fn to be called with the new theme after every change.
func (ts *ThemeStore) OnChange(fn func(Theme)) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.listeners = append(ts.listeners, fn)
}

// Set makes th the active theme and saves it.
func (ts *ThemeStore) Set(th Theme) error {
	if _, err := ParseTheme(string(th)); err != nil {
		return err
	}
	ts.mu.Lock()
	return ts.applyAndUnlock(th)
}

// Toggle advances Retro, Pixel, NeonDrift, Moss, Retro... and returns the new theme.
func (ts *ThemeStore) Toggle() (Theme, error) {
	ts.mu.Lock()
	next := themeOrder[0]
	for i, th := range themeOrder {
		if th == ts.current {
			next = themeOrder[(i+1)%len(themeOrder)]
			break
		}
	}
	return next, ts.applyAndUnlock(next)
}

// applyAndUnlock must be called with mu held. Listeners run after unlocking.
func (ts *ThemeStore) applyAndUnlock(th Theme) error {
	ts.current = th
	err := ts.saveLocked()
	listeners := append(([]func(Theme))(nil), ts.listeners...)
	ts.mu.Unlock()

	for _, fn := range listeners {
		fn(th)
	}
	return err
}

func (ts *ThemeStore) saveLocked() error {
	data, err := json.MarshalIndent(themeDocument{Theme: ts.current}, "", "  ")
	if err != nil {
		return apperrors.NewStorageError("save", "", err)
	}
	if err := util.WriteFileAtomic(ts.path, data, settingsFileMode); err != nil {
		serr := apperrors.NewStorageError("save", "", err)
		logger.Error().Err(serr).Str("path", ts.path).Msg("Failed to save theme")
		return serr
	}
	return nil
}

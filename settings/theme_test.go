// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThemeStore_DefaultsToRetro(t *testing.T) {
	ts := LoadThemeStore(filepath.Join(t.TempDir(), ThemeFileName))
	assert.Equal(t, ThemeRetro, ts.Current())
}

func TestThemeStore_ToggleOrder(t *testing.T) {
	path := filepath.Join(t.TempDir(), ThemeFileName)
	ts := LoadThemeStore(path)

	for _, want := range []Theme{ThemePixel, ThemeNeonDrift, ThemeMoss, ThemeRetro} {
		got, err := ts.Toggle()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestThemeStore_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), ThemeFileName)
	ts := LoadThemeStore(path)

	require.NoError(t, ts.Set(ThemeMoss))
	assert.Equal(t, ThemeMoss, LoadThemeStore(path).Current())
}

func TestThemeStore_UnknownThemeLoadsRetro(t *testing.T) {
	path := filepath.Join(t.TempDir(), ThemeFileName)
	require.NoError(t, os.WriteFile(path, []byte(`{"Theme":"Vaporwave"}`), 0o644))

	assert.Equal(t, ThemeRetro, LoadThemeStore(path).Current())
}

func TestThemeStore_OnChange(t *testing.T) {
	ts := LoadThemeStore(filepath.Join(t.TempDir(), ThemeFileName))

	var seen []Theme
	ts.OnChange(func(th Theme) { seen = append(seen, th) })

	_, err := ts.Toggle()
	require.NoError(t, err)
	require.NoError(t, ts.Set(ThemeMoss))

	assert.Equal(t, []Theme{ThemePixel, ThemeMoss}, seen)
}

func TestThemeStore_SetRejectsUnknown(t *testing.T) {
	ts := LoadThemeStore(filepath.Join(t.TempDir(), ThemeFileName))
	assert.Error(t, ts.Set("Vaporwave"))
	assert.Equal(t, ThemeRetro, ts.Current())
}

func TestParseTheme(t *testing.T) {
	th, err := ParseTheme("neondrift")
	require.NoError(t, err)
	assert.Equal(t, ThemeNeonDrift, th)
	assert.Len(t, Themes(), 4)
}

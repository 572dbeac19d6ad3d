// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package battery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 1, 9, 10, 0, 0, 0, time.UTC)

func at(offset time.Duration, level int) Reading {
	return Reading{Timestamp: t0.Add(offset), Level: level}
}

func TestComputeStats_SimpleDischarge(t *testing.T) {
	readings := []Reading{at(0, 80), at(65*time.Minute, 60)}
	now := t0.Add(65 * time.Minute)

	stats := ComputeStats(readings, now, DefaultThresholds())

	require.NotNil(t, stats.DrainRatePerHour)
	assert.InDelta(t, 18.46, *stats.DrainRatePerHour, 0.01)
	require.NotNil(t, stats.EstimatedTimeRemaining)
	assert.Equal(t, 3*time.Hour+15*time.Minute, *stats.EstimatedTimeRemaining)
	require.NotNil(t, stats.LastFullChargeLevel)
	assert.Equal(t, 80, *stats.LastFullChargeLevel)
	require.NotNil(t, stats.TimeSinceLastCharge)
	assert.Equal(t, 65*time.Minute, *stats.TimeSinceLastCharge)

	assert.Equal(t, "-3.1%/10min | ~3h 15m left", Summary(readings, stats, now, DefaultThresholds()))
}

func TestComputeStats_ChargeBoundaryResetsWindow(t *testing.T) {
	readings := []Reading{
		at(0, 100),
		at(time.Hour, 90),
		at(2*time.Hour, 100),
		at(3*time.Hour, 90),
	}

	stats := ComputeStats(readings, t0.Add(3*time.Hour), DefaultThresholds())

	require.NotNil(t, stats.DrainRatePerHour)
	assert.InDelta(t, 10.0, *stats.DrainRatePerHour, 1e-9)
	require.NotNil(t, stats.EstimatedTimeRemaining)
	assert.Equal(t, 9*time.Hour, *stats.EstimatedTimeRemaining)
	assert.Equal(t, time.Hour, *stats.TimeSinceLastCharge)
}

func TestComputeStats_ChargeReferenceLevelIsBoundary(t *testing.T) {
	// 96 does not rise above 97, but it is at or above the reference level
	readings := []Reading{
		at(0, 98),
		at(time.Hour, 97),
		at(2*time.Hour, 96),
		at(3*time.Hour, 86),
	}

	stats := ComputeStats(readings, t0.Add(3*time.Hour), DefaultThresholds())

	require.NotNil(t, stats.LastFullChargeLevel)
	assert.Equal(t, 96, *stats.LastFullChargeLevel)
	assert.InDelta(t, 10.0, *stats.DrainRatePerHour, 1e-9)
}

func TestComputeStats_UnsortedInput(t *testing.T) {
	readings := []Reading{at(65*time.Minute, 60), at(0, 80)}

	stats := ComputeStats(readings, t0.Add(65*time.Minute), DefaultThresholds())

	require.NotNil(t, stats.DrainRatePerHour)
	assert.InDelta(t, 18.46, *stats.DrainRatePerHour, 0.01)
	assert.Equal(t, 60, readings[0].Level, "input must not be reordered")
}

func TestComputeStats_SingleReading(t *testing.T) {
	readings := []Reading{at(0, 50)}
	now := t0.Add(30 * time.Second)

	stats := ComputeStats(readings, now, DefaultThresholds())

	assert.Equal(t, Stats{}, stats)
	assert.Equal(t, "Tracking...", Summary(readings, stats, now, DefaultThresholds()))
}

func TestComputeStats_NoReadings(t *testing.T) {
	stats := ComputeStats(nil, t0, DefaultThresholds())
	assert.Equal(t, Stats{}, stats)
	assert.Equal(t, "", Summary(nil, stats, t0, DefaultThresholds()))
}

func TestComputeStats_FlatLevel(t *testing.T) {
	readings := []Reading{at(0, 70), at(90*time.Minute, 70), at(3*time.Hour, 70)}
	now := t0.Add(3 * time.Hour)

	stats := ComputeStats(readings, now, DefaultThresholds())

	assert.Nil(t, stats.DrainRatePerHour)
	assert.Nil(t, stats.EstimatedTimeRemaining)
	require.NotNil(t, stats.LastFullChargeLevel)
	assert.Equal(t, 70, *stats.LastFullChargeLevel)
	assert.Equal(t, "Stable (3 readings)", Summary(readings, stats, now, DefaultThresholds()))
}

func TestComputeStats_FullyCharged(t *testing.T) {
	readings := []Reading{at(0, 100), at(30*time.Minute, 100), at(time.Hour, 100)}
	now := t0.Add(time.Hour)

	stats := ComputeStats(readings, now, DefaultThresholds())

	assert.Equal(t, "Fully charged", Summary(readings, stats, now, DefaultThresholds()))
}

func TestComputeStats_WindowShorterThanMinimum(t *testing.T) {
	readings := []Reading{at(0, 80), at(30*time.Second, 79)}
	now := t0.Add(30 * time.Second)

	stats := ComputeStats(readings, now, DefaultThresholds())

	assert.Nil(t, stats.DrainRatePerHour)
	require.NotNil(t, stats.TimeSinceLastCharge)
	assert.Equal(t, 30*time.Second, *stats.TimeSinceLastCharge)
	require.NotNil(t, stats.LastFullChargeLevel)
	assert.Equal(t, 80, *stats.LastFullChargeLevel)
}

func TestComputeStats_RateBelowMeaningfulFloor(t *testing.T) {
	// 1% over 20 hours is 0.05 %/h: shown, but no time-to-empty
	readings := []Reading{at(0, 60), at(20*time.Hour, 59)}
	now := t0.Add(20 * time.Hour)

	stats := ComputeStats(readings, now, DefaultThresholds())

	require.NotNil(t, stats.DrainRatePerHour)
	assert.Nil(t, stats.EstimatedTimeRemaining)
	assert.Equal(t, "-0.0%/10min", Summary(readings, stats, now, DefaultThresholds()))
}

func TestComputeStats_LastReadingIsBoundary(t *testing.T) {
	// a fresh charge leaves a one-reading window
	readings := []Reading{at(0, 40), at(time.Hour, 30), at(2*time.Hour, 80)}

	stats := ComputeStats(readings, t0.Add(2*time.Hour), DefaultThresholds())

	assert.Equal(t, Stats{}, stats)
}

func TestComputeStats_CustomThresholds(t *testing.T) {
	th := DefaultThresholds()
	th.MinWindow = 2 * time.Hour

	readings := []Reading{at(0, 80), at(65*time.Minute, 60)}
	stats := ComputeStats(readings, t0.Add(65*time.Minute), th)

	assert.Nil(t, stats.DrainRatePerHour)
}

func TestSummary_TrackingWindow(t *testing.T) {
	readings := []Reading{at(0, 50), at(90*time.Second, 50)}
	th := DefaultThresholds()

	assert.Equal(t, "Tracking...", Summary(readings, Stats{}, t0.Add(90*time.Second), th))
	assert.Equal(t, "Stable (2 readings)", Summary(readings, Stats{}, t0.Add(2*time.Minute), th))
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name string
		d    time.Duration
		want string
	}{
		{"minutes only", 42*time.Minute + 59*time.Second, "42m"},
		{"zero", 0, "0m"},
		{"negative clamps", -time.Minute, "0m"},
		{"exactly one hour", time.Hour, "1h 0m"},
		{"hours and minutes", 3*time.Hour + 15*time.Minute, "3h 15m"},
		{"days and hours", 2*24*time.Hour + 5*time.Hour + 59*time.Minute, "2d 5h"},
		{"exactly one day", 24 * time.Hour, "1d 0h"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatDuration(tt.d))
		})
	}
}

func TestThresholds_WithDefaults(t *testing.T) {
	assert.Equal(t, DefaultThresholds(), Thresholds{}.WithDefaults())

	partial := Thresholds{MinWindow: 5 * time.Minute, ChargeReferenceLevel: 90}.WithDefaults()
	assert.Equal(t, 5*time.Minute, partial.MinWindow)
	assert.Equal(t, 90, partial.ChargeReferenceLevel)
	assert.Equal(t, DefaultThresholds().MeaningfulRate, partial.MeaningfulRate)
	assert.Equal(t, DefaultThresholds().DisplayRate, partial.DisplayRate)
	assert.Equal(t, DefaultThresholds().TrackingWindow, partial.TrackingWindow)
}

func TestComputeStats_Deterministic(t *testing.T) {
	readings := []Reading{at(0, 80), at(65*time.Minute, 60)}
	now := t0.Add(65 * time.Minute)

	first := ComputeStats(readings, now, DefaultThresholds())
	for i := 0; i < 3; i++ {
		again := ComputeStats(readings, now, DefaultThresholds())
		assert.Equal(t, first, again)
		assert.Equal(t, Summary(readings, first, now, DefaultThresholds()), Summary(readings, again, now, DefaultThresholds()))
	}
}

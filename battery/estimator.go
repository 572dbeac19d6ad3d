// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package battery derives drain statistics from a device's battery readings.
//
// Everything here is a pure function of the readings, the current time and
// the thresholds, so the history store can call it under its lock and tests
// can drive it with fixed clocks.
package battery

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// Reading is one observed battery level at a point in time.
type Reading struct {
	Timestamp time.Time
	Level     int
}

// Thresholds control when a drain rate is trusted and shown.
type Thresholds struct {
	// MinWindow is the shortest discharge window a rate is computed over.
	MinWindow time.Duration
	// MeaningfulRate is the %/h floor below which no time-to-empty is estimated.
	MeaningfulRate float64
	// DisplayRate is the %/h floor below which the summary shows no rate.
	DisplayRate float64
	// TrackingWindow is how long after the first reading the summary says "Tracking...".
	TrackingWindow time.Duration
	// ChargeReferenceLevel marks a reading at or above it as a charge boundary.
	ChargeReferenceLevel int
}

// DefaultThresholds returns the thresholds used when none are configured.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MinWindow:            time.Minute,
		MeaningfulRate:       0.1,
		DisplayRate:          0.01,
		TrackingWindow:       2 * time.Minute,
		ChargeReferenceLevel: 95,
	}
}

// WithDefaults returns t with every zero field replaced by its default.
func (t Thresholds) WithDefaults() Thresholds {
	def := DefaultThresholds()
	if t.MinWindow == 0 {
		t.MinWindow = def.MinWindow
	}
	if t.MeaningfulRate == 0 {
		t.MeaningfulRate = def.MeaningfulRate
	}
	if t.DisplayRate == 0 {
		t.DisplayRate = def.DisplayRate
	}
	if t.TrackingWindow == 0 {
		t.TrackingWindow = def.TrackingWindow
	}
	if t.ChargeReferenceLevel == 0 {
		t.ChargeReferenceLevel = def.ChargeReferenceLevel
	}
	return t
}

// Stats summarizes the current discharge window of one device.
// A nil field means "unknown".
type Stats struct {
	DrainRatePerHour       *float64       `json:"drain_rate_per_hour,omitempty"`
	EstimatedTimeRemaining *time.Duration `json:"estimated_time_remaining,omitempty"`
	TimeSinceLastCharge    *time.Duration `json:"time_since_last_charge,omitempty"`
	LastFullChargeLevel    *int           `json:"last_full_charge_level,omitempty"`
}

// HasRate reports whether a drain rate was established.
func (s Stats) HasRate() bool {
	return s.DrainRatePerHour != nil
}

// ComputeStats returns the discharge statistics for readings as of now.
//
// The discharge window starts at the most recent charge boundary: a reading
// whose level rose relative to its predecessor, or that is at or above the
// charge reference level. With no boundary the whole history is the window.
// Fewer than two readings yield empty Stats.
func ComputeStats(readings []Reading, now time.Time, th Thresholds) Stats {
	var stats Stats
	if len(readings) < 2 {
		return stats
	}

	sorted := sortedCopy(readings)

	start := 0
	for i := len(sorted) - 1; i > 0; i-- {
		if sorted[i].Level > sorted[i-1].Level || sorted[i].Level >= th.ChargeReferenceLevel {
			start = i
			break
		}
	}

	window := sorted[start:]
	if len(window) < 2 {
		return stats
	}

	first := window[0]
	last := window[len(window)-1]

	fullLevel := first.Level
	sinceCharge := now.Sub(first.Timestamp)
	stats.LastFullChargeLevel = &fullLevel
	stats.TimeSinceLastCharge = &sinceCharge

	drained := first.Level - last.Level
	elapsed := last.Timestamp.Sub(first.Timestamp)
	if drained <= 0 || elapsed <= 0 || elapsed < th.MinWindow {
		return stats
	}

	rate := float64(drained) / elapsed.Hours()
	stats.DrainRatePerHour = &rate

	if rate > th.MeaningfulRate {
		hours := float64(last.Level) / rate
		remaining := time.Duration(math.Round(hours*3600)) * time.Second
		stats.EstimatedTimeRemaining = &remaining
	}

	return stats
}

// Summary renders the one-line status shown under a device, e.g.
// "-3.1%/10min | ~3h 15m left". It returns "" when there is nothing to say.
func Summary(readings []Reading, stats Stats, now time.Time, th Thresholds) string {
	var parts []string

	switch {
	case stats.DrainRatePerHour != nil && *stats.DrainRatePerHour > th.DisplayRate:
		perTenMinutes := *stats.DrainRatePerHour / 6
		parts = append(parts, fmt.Sprintf("-%.1f%%/10min", perTenMinutes))
		if stats.EstimatedTimeRemaining != nil {
			parts = append(parts, fmt.Sprintf("~%s left", FormatDuration(*stats.EstimatedTimeRemaining)))
		}
	case len(readings) > 0:
		sorted := sortedCopy(readings)
		switch {
		case now.Sub(sorted[0].Timestamp) < th.TrackingWindow:
			parts = append(parts, "Tracking...")
		case sorted[len(sorted)-1].Level == 100:
			parts = append(parts, "Fully charged")
		default:
			parts = append(parts, fmt.Sprintf("Stable (%d readings)", len(sorted)))
		}
	}

	return strings.Join(parts, " | ")
}

// FormatDuration renders d as "2d 5h", "3h 15m" or "42m", truncating each unit.
func FormatDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	days := int(d / (24 * time.Hour))
	hours := int(d/time.Hour) % 24
	minutes := int(d/time.Minute) % 60

	switch {
	case days >= 1:
		return fmt.Sprintf("%dd %dh", days, hours)
	case d >= time.Hour:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	default:
		return fmt.Sprintf("%dm", minutes)
	}
}

func sortedCopy(readings []Reading) []Reading {
	sorted := make([]Reading, len(readings))
	copy(sorted, readings)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})
	return sorted
}

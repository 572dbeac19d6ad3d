// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/soothill/froggy/battery"
	apperrors "github.com/soothill/froggy/pkg/errors"
	"github.com/soothill/froggy/pkg/logger"
	"github.com/soothill/froggy/pkg/metrics"
	"github.com/soothill/froggy/pkg/util"
)

// HistoryFileName is the name of the history document inside the data directory.
const HistoryFileName = "battery_history.json"

const (
	defaultRetention         = 7 * 24 * time.Hour
	defaultMinRecordInterval = time.Minute
	historyFileMode          = 0o644
)

// localTimestampLayout matches timestamps written without a zone offset.
const localTimestampLayout = "2006-01-02T15:04:05.9999999"

// BatteryReading is one persisted reading. Field names are part of the file format.
type BatteryReading struct {
	Timestamp    time.Time `json:"Timestamp"`
	BatteryLevel int       `json:"BatteryLevel"`
}

// UnmarshalJSON accepts RFC 3339 timestamps as well as local timestamps
// without an offset.
func (r *BatteryReading) UnmarshalJSON(data []byte) error {
	var raw struct {
		Timestamp    string `json:"Timestamp"`
		BatteryLevel int    `json:"BatteryLevel"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	ts, err := time.Parse(time.RFC3339Nano, raw.Timestamp)
	if err != nil {
		ts, err = time.ParseInLocation(localTimestampLayout, raw.Timestamp, time.Local)
		if err != nil {
			return fmt.Errorf("parse timestamp %q: %w", raw.Timestamp, err)
		}
	}

	r.Timestamp = ts
	r.BatteryLevel = raw.BatteryLevel
	return nil
}

// DeviceHistory is the persisted history of one device.
type DeviceHistory struct {
	DeviceID   string           `json:"DeviceId"`
	DeviceName string           `json:"DeviceName"`
	Readings   []BatteryReading `json:"Readings"`
}

// HistoryOptions configures a HistoryStore.
type HistoryOptions struct {
	// Path of the history document. Required.
	Path string
	// Retention is how long readings are kept. Defaults to 7 days.
	Retention time.Duration
	// MinRecordInterval throttles unchanged readings. Defaults to 1 minute.
	MinRecordInterval time.Duration
	// Thresholds for the drain-rate estimator.
	Thresholds battery.Thresholds
	// Clock overrides time.Now.
	Clock func() time.Time
	// Exporter, when set, receives every reading that is appended.
	Exporter ReadingExporter
}

// ReadingExporter receives appended readings, e.g. for long-term storage.
type ReadingExporter interface {
	Export(point BatteryPoint)
}

// BatteryPoint is an appended reading together with its device identity.
type BatteryPoint struct {
	DeviceID   string    `json:"device_id"`
	DeviceName string    `json:"device_name"`
	Level      int       `json:"level"`
	Timestamp  time.Time `json:"timestamp"`
}

// HistoryStore keeps a bounded, persisted history of battery readings per
// device and answers drain-rate queries over it.
//
// All operations are serialized on one mutex; every mutation rewrites the
// whole document. Persistence failures are logged and never surface to the
// caller, the in-memory state stays authoritative.
type HistoryStore struct {
	mu         sync.Mutex
	path       string
	devices    map[string]*DeviceHistory
	retention  time.Duration
	minRecord  time.Duration
	thresholds battery.Thresholds
	now        func() time.Time
	exporter   ReadingExporter
	lastErr    error
}

// NewHistoryStore creates a store backed by opts.Path and loads any existing
// history from it. A missing file yields an empty store; an unreadable or
// corrupt file is logged and also yields an empty store.
func NewHistoryStore(opts HistoryOptions) *HistoryStore {
	hs := newHistoryStore(opts)

	loaded, err := loadHistory(hs.path)
	switch {
	case err == nil:
		for i := range loaded {
			h := loaded[i]
			if h.DeviceID == "" {
				continue
			}
			hs.devices[h.DeviceID] = &h
		}
		logger.Debug().Str("path", hs.path).Int("devices", len(hs.devices)).Msg("Loaded battery history")
	case os.IsNotExist(err):
		logger.Debug().Str("path", hs.path).Msg("No battery history yet, starting empty")
	default:
		logger.Error().Err(apperrors.NewStorageError("load", "", err)).Str("path", hs.path).
			Msg("Failed to load battery history, starting empty")
	}

	return hs
}

// NewSeededHistoryStore creates a store that starts from the given histories
// instead of the file at opts.Path. Later mutations still persist to opts.Path.
func NewSeededHistoryStore(opts HistoryOptions, seed []DeviceHistory) *HistoryStore {
	hs := newHistoryStore(opts)
	for _, h := range seed {
		h := h
		h.Readings = append([]BatteryReading(nil), h.Readings...)
		hs.devices[h.DeviceID] = &h
	}
	return hs
}

func newHistoryStore(opts HistoryOptions) *HistoryStore {
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.MinRecordInterval <= 0 {
		opts.MinRecordInterval = defaultMinRecordInterval
	}
	opts.Thresholds = opts.Thresholds.WithDefaults()
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return &HistoryStore{
		path:       opts.Path,
		devices:    make(map[string]*DeviceHistory),
		retention:  opts.Retention,
		minRecord:  opts.MinRecordInterval,
		thresholds: opts.Thresholds,
		now:        opts.Clock,
		exporter:   opts.Exporter,
	}
}

func loadHistory(path string) ([]DeviceHistory, error) {
	data, err := util.ReadFileSafely(path)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, nil
	}

	var histories []DeviceHistory
	if err := json.Unmarshal(data, &histories); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return histories, nil
}

// Path returns the location of the history document.
func (hs *HistoryStore) Path() string {
	return hs.path
}

// SetThresholds replaces the estimator thresholds used by Stats and SummaryText.
// Zero fields take their defaults.
func (hs *HistoryStore) SetThresholds(th battery.Thresholds) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.thresholds = th.WithDefaults()
}

// SetRecordPolicy replaces the throttle interval and retention period.
func (hs *HistoryStore) SetRecordPolicy(minRecordInterval, retention time.Duration) {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if minRecordInterval > 0 {
		hs.minRecord = minRecordInterval
	}
	if retention > 0 {
		hs.retention = retention
	}
}

// RecordBattery notes that deviceID reported level percent now.
//
// The device name is always updated. A reading is appended when the device
// has none yet, when the level changed, or when the last reading is at least
// the record interval old. Readings older than the retention period are
// dropped from every device, and the store is saved if anything changed.
func (hs *HistoryStore) RecordBattery(deviceID, deviceName string, level int) {
	if deviceID == "" {
		logger.Warn().Str("device_name", deviceName).Msg("Ignoring battery reading without device id")
		return
	}
	if level < 0 || level > 100 {
		logger.Warn().Err(apperrors.NewValidationError("level", level, "must be between 0 and 100")).
			Str("device_id", deviceID).Msg("Ignoring out-of-range battery reading")
		return
	}

	hs.mu.Lock()
	defer hs.mu.Unlock()

	now := hs.now()
	changed := false

	h, ok := hs.devices[deviceID]
	if !ok {
		h = &DeviceHistory{DeviceID: deviceID}
		hs.devices[deviceID] = h
	}
	if h.DeviceName != deviceName {
		h.DeviceName = deviceName
		changed = true
	}

	var last *BatteryReading
	if n := len(h.Readings); n > 0 {
		last = &h.Readings[n-1]
	}

	appended := false
	if last == nil || last.BatteryLevel != level || now.Sub(last.Timestamp) >= hs.minRecord {
		var previous *BatteryReading
		if last != nil {
			prev := *last
			previous = &prev
		}
		h.Readings = append(h.Readings, BatteryReading{Timestamp: now, BatteryLevel: level})
		appended = true
		changed = true
		hs.logChange(h, previous, level, now)
	}

	if hs.pruneLocked(now) {
		changed = true
	}

	if changed {
		hs.saveLocked()
	}

	if appended {
		metrics.HistoryReadingsRecorded.Inc()
		if hs.exporter != nil {
			hs.exporter.Export(BatteryPoint{DeviceID: deviceID, DeviceName: deviceName, Level: level, Timestamp: now})
		}
	}
}

// pruneLocked drops readings at or beyond the retention cutoff and devices
// left with no readings. It reports whether anything was removed.
func (hs *HistoryStore) pruneLocked(now time.Time) bool {
	cutoff := now.Add(-hs.retention)
	removed := false

	for id, h := range hs.devices {
		kept := h.Readings[:0]
		for _, r := range h.Readings {
			if r.Timestamp.After(cutoff) {
				kept = append(kept, r)
			}
		}
		if len(kept) != len(h.Readings) {
			removed = true
		}
		h.Readings = kept
		if len(h.Readings) == 0 {
			delete(hs.devices, id)
			removed = true
		}
	}

	return removed
}

// saveLocked writes the whole store. Errors are logged and remembered.
func (hs *HistoryStore) saveLocked() {
	if hs.path == "" {
		return
	}

	data, err := json.MarshalIndent(hs.snapshotLocked(), "", "  ")
	if err == nil {
		err = util.WriteFileAtomic(hs.path, data, historyFileMode)
	}

	if err != nil {
		hs.lastErr = apperrors.NewStorageError("save", "", err)
		metrics.HistoryWriteErrors.Inc()
		logger.Error().Err(hs.lastErr).Str("path", hs.path).Msg("Failed to save battery history")
		return
	}

	hs.lastErr = nil
	metrics.HistoryWrites.Inc()
}

// Save writes the store to disk and returns any error.
func (hs *HistoryStore) Save() error {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	hs.saveLocked()
	return hs.lastErr
}

// LastError returns the error of the most recent save, or nil.
func (hs *HistoryStore) LastError() error {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.lastErr
}

func (hs *HistoryStore) snapshotLocked() []DeviceHistory {
	out := make([]DeviceHistory, 0, len(hs.devices))
	for _, h := range hs.devices {
		out = append(out, DeviceHistory{
			DeviceID:   h.DeviceID,
			DeviceName: h.DeviceName,
			Readings:   append([]BatteryReading(nil), h.Readings...),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeviceID < out[j].DeviceID })
	return out
}

// Snapshot returns a copy of every device history, ordered by device id.
func (hs *HistoryStore) Snapshot() []DeviceHistory {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return hs.snapshotLocked()
}

// Readings returns a copy of the readings of one device.
func (hs *HistoryStore) Readings(deviceID string) []BatteryReading {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	h, ok := hs.devices[deviceID]
	if !ok {
		return nil
	}
	return append([]BatteryReading(nil), h.Readings...)
}

// DeviceCount returns the number of devices with history.
func (hs *HistoryStore) DeviceCount() int {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	return len(hs.devices)
}

// Stats returns the drain statistics of deviceID. Unknown devices yield empty Stats.
func (hs *HistoryStore) Stats(deviceID string) battery.Stats {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	h, ok := hs.devices[deviceID]
	if !ok {
		return battery.Stats{}
	}
	return battery.ComputeStats(toEstimatorReadings(h.Readings), hs.now(), hs.thresholds)
}

// SummaryText returns the one-line status of deviceID, or "" when unknown.
func (hs *HistoryStore) SummaryText(deviceID string) string {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	h, ok := hs.devices[deviceID]
	if !ok {
		return ""
	}
	readings := toEstimatorReadings(h.Readings)
	now := hs.now()
	stats := battery.ComputeStats(readings, now, hs.thresholds)
	return battery.Summary(readings, stats, now, hs.thresholds)
}

func toEstimatorReadings(in []BatteryReading) []battery.Reading {
	out := make([]battery.Reading, len(in))
	for i, r := range in {
		out[i] = battery.Reading{Timestamp: r.Timestamp, Level: r.BatteryLevel}
	}
	return out
}

// logChange records a battery change event with the instantaneous drain since
// the previous reading.
func (hs *HistoryStore) logChange(h *DeviceHistory, previous *BatteryReading, level int, now time.Time) {
	if previous == nil {
		logger.Info().
			Str("device_id", h.DeviceID).
			Str("device_name", h.DeviceName).
			Int("level", level).
			Msg("First battery reading")
		return
	}

	elapsed := now.Sub(previous.Timestamp)
	delta := previous.BatteryLevel - level

	if delta == 0 {
		logger.Debug().
			Str("device_id", h.DeviceID).
			Int("level", level).
			Dur("elapsed", elapsed).
			Msg("Battery level unchanged")
		return
	}

	event := logger.Info().
		Str("device_id", h.DeviceID).
		Str("device_name", h.DeviceName).
		Int("previous_level", previous.BatteryLevel).
		Int("level", level).
		Dur("elapsed", elapsed)

	if delta < 0 {
		event.Int("charged", -delta).Msg("Battery charged")
		return
	}

	if elapsed > 0 {
		rate := float64(delta) / elapsed.Hours()
		event = event.Float64("drain_rate_per_hour", rate).
			Str("estimate", battery.FormatDuration(time.Duration(float64(level)/rate*float64(time.Hour))))
	}
	event.Int("drained", delta).Msg("Battery drained")
}

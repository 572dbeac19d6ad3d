// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package monitoring runs the polling cycle that ties the reconciler, the
// battery history and the estimator together, and samples the host's own
// battery and network link.
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/soothill/froggy/battery"
	"github.com/soothill/froggy/discovery"
	apperrors "github.com/soothill/froggy/pkg/errors"
	"github.com/soothill/froggy/pkg/interfaces"
	"github.com/soothill/froggy/pkg/logger"
	"github.com/soothill/froggy/pkg/metrics"
)

const (
	defaultPollInterval = 60 * time.Second
	alertContextTimeout = 5 * time.Second

	// GuidanceNoDevices is shown when a cycle succeeds but finds nothing connected.
	GuidanceNoDevices = "No Bluetooth devices found yet.\n\nTry:\n• Turn Bluetooth ON in Windows\n• Make sure your device is powered on\n• Pair/connect it in Settings"
	guidanceErrorFmt  = "Error accessing Bluetooth:\n%s\n\nTry:\n• Enable Bluetooth in Settings\n• Run as Administrator"
)

// DeviceStatus is one connected device as shown to the user.
type DeviceStatus struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	DisplayName     string        `json:"display_name"`
	Address         string        `json:"address,omitempty"`
	Connected       bool          `json:"connected"`
	Battery         *int          `json:"battery,omitempty"`
	BatteryFallback bool          `json:"battery_fallback"`
	BatterySource   string        `json:"battery_source,omitempty"`
	Summary         string        `json:"summary,omitempty"`
	Stats           battery.Stats `json:"stats"`
}

// Snapshot is the result of one polling cycle.
type Snapshot struct {
	Timestamp     time.Time                       `json:"timestamp"`
	Devices       []DeviceStatus                  `json:"devices"`
	SystemBattery *interfaces.SystemBatteryStatus `json:"system_battery,omitempty"`
	// Guidance is set when there is nothing to show, explaining what to try.
	Guidance string `json:"guidance,omitempty"`
	Error    string `json:"error,omitempty"`
}

// MonitorOptions wires a BatteryMonitor. Devices and History are required.
type MonitorOptions struct {
	Devices  interfaces.DeviceSource
	History  interfaces.BatteryHistory
	Names    interfaces.NameResolver
	System   interfaces.SystemBatteryReader
	Notifier interfaces.BatteryNotifier

	PollInterval        time.Duration
	LowBatteryThreshold int
	Clock               func() time.Time
}

// BatteryMonitor polls the device source on a ticker and on demand, records
// every battery level into the history and keeps the latest Snapshot.
type BatteryMonitor struct {
	opts MonitorOptions

	mu           sync.RWMutex
	pollInterval time.Duration
	lowThreshold int
	latest       Snapshot
	ready        bool
	lowAlerted   map[string]bool
	btDown       bool

	// cycleMu keeps cycles from overlapping.
	cycleMu sync.Mutex

	refresh  chan struct{}
	interval chan time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	started  bool
	stopped  bool
}

// NewBatteryMonitor creates a monitor. It does not poll until Start or RunCycle.
func NewBatteryMonitor(opts MonitorOptions) *BatteryMonitor {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &BatteryMonitor{
		opts:         opts,
		pollInterval: opts.PollInterval,
		lowThreshold: opts.LowBatteryThreshold,
		lowAlerted:   make(map[string]bool),
		refresh:      make(chan struct{}, 1),
		interval:     make(chan time.Duration, 1),
	}
}

// Start runs a first cycle immediately and then one per poll interval until
// ctx is cancelled or Stop is called.
func (m *BatteryMonitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.started = true
	ctx, m.cancel = context.WithCancel(ctx)
	interval := m.pollInterval
	m.mu.Unlock()

	logger.Info().Dur("poll_interval", interval).Msg("Starting battery monitor")

	m.wg.Add(1)
	go m.loop(ctx, interval)
}

func (m *BatteryMonitor) loop(ctx context.Context, interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.RunCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-m.interval:
			ticker.Reset(d)
		case <-m.refresh:
			logger.Debug().Msg("Manual refresh requested")
			m.RunCycle(ctx)
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			m.RunCycle(ctx)
		}
	}
}

// Refresh asks for an extra cycle. Requests made while one is pending are coalesced.
func (m *BatteryMonitor) Refresh() {
	select {
	case m.refresh <- struct{}{}:
	default:
	}
}

// UpdatePollInterval changes the polling interval of a running monitor.
func (m *BatteryMonitor) UpdatePollInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	m.pollInterval = d
	m.mu.Unlock()

	// Keep only the newest pending value.
	for {
		select {
		case m.interval <- d:
			return
		default:
		}
		select {
		case <-m.interval:
		default:
		}
	}
}

// SetLowBatteryThreshold changes the low-battery alert level. Devices
// already alerted stay alerted until they rise above the new level.
func (m *BatteryMonitor) SetLowBatteryThreshold(level int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lowThreshold = level
}

// PollInterval returns the current polling interval.
func (m *BatteryMonitor) PollInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pollInterval
}

// Latest returns the most recent snapshot and whether any cycle has completed.
func (m *BatteryMonitor) Latest() (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latest, m.ready
}

// Ready reports whether the first cycle has completed.
func (m *BatteryMonitor) Ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// Stop cancels polling and waits for an in-flight cycle to finish.
func (m *BatteryMonitor) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	cancel := m.cancel
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	logger.Info().Msg("Battery monitor stopped")
}

// RunCycle performs one polling cycle synchronously and returns its snapshot.
func (m *BatteryMonitor) RunCycle(ctx context.Context) Snapshot {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	snap := Snapshot{Timestamp: m.opts.Clock(), Devices: []DeviceStatus{}}

	devices, err := m.opts.Devices.ConnectedDevices(ctx)
	switch {
	case err != nil:
		logger.Error().Err(err).Msg("Bluetooth reconciliation failed")
		snap.Error = err.Error()
		snap.Guidance = fmt.Sprintf(guidanceErrorFmt, err.Error())
		m.bluetoothFailed(ctx, err)
	default:
		m.bluetoothRecovered()
		for _, d := range devices {
			snap.Devices = append(snap.Devices, m.recordDevice(ctx, d))
		}
		if len(snap.Devices) == 0 {
			snap.Guidance = GuidanceNoDevices
		}
	}

	withBattery := 0
	for _, d := range snap.Devices {
		if d.Battery != nil {
			withBattery++
		}
	}
	metrics.DevicesConnected.Set(float64(len(snap.Devices)))
	metrics.DevicesWithBattery.Set(float64(withBattery))

	if m.opts.System != nil {
		status, sysErr := m.opts.System.Read(ctx)
		switch {
		case sysErr == nil:
			snap.SystemBattery = &status
			metrics.SystemBatteryLevel.Set(float64(status.Percent))
		case errors.Is(sysErr, apperrors.ErrNoSystemBattery), errors.Is(sysErr, apperrors.ErrUnsupportedPlatform):
			logger.Debug().Err(sysErr).Msg("No system battery")
		default:
			logger.Warn().Err(sysErr).Msg("Failed to read system battery")
		}
	}

	m.mu.Lock()
	m.latest = snap
	m.ready = true
	m.mu.Unlock()

	logger.Debug().Int("devices", len(snap.Devices)).Int("with_battery", withBattery).Msg("Polling cycle complete")
	return snap
}

// recordDevice feeds one device's battery into the history and builds its status.
func (m *BatteryMonitor) recordDevice(ctx context.Context, d discovery.Device) DeviceStatus {
	id := deviceKey(d)
	status := DeviceStatus{
		ID:              id,
		Name:            d.Name,
		DisplayName:     d.Name,
		Address:         d.Address.String(),
		Connected:       d.Connected,
		Battery:         d.Battery,
		BatteryFallback: d.BatteryFallback,
		BatterySource:   d.BatterySource,
	}
	if m.opts.Names != nil {
		status.DisplayName = m.opts.Names.DisplayName(id, d.Name)
	}

	if d.Battery == nil {
		return status
	}

	level := *d.Battery
	m.opts.History.RecordBattery(id, d.Name, level)
	status.Stats = m.opts.History.Stats(id)
	status.Summary = m.opts.History.SummaryText(id)

	metrics.BatteryLevel.WithLabelValues(id, d.Name).Set(float64(level))
	if status.Stats.DrainRatePerHour != nil {
		metrics.DrainRate.WithLabelValues(id, d.Name).Set(*status.Stats.DrainRatePerHour)
	}

	m.checkLowBattery(ctx, id, status.DisplayName, level, status.Summary)
	return status
}

// checkLowBattery alerts once when a level falls to the threshold and re-arms
// after it rises above again.
func (m *BatteryMonitor) checkLowBattery(ctx context.Context, id, name string, level int, summary string) {
	if m.opts.Notifier == nil {
		return
	}

	m.mu.Lock()
	threshold := m.lowThreshold
	if threshold <= 0 {
		m.mu.Unlock()
		return
	}
	alerted := m.lowAlerted[id]
	fire := level <= threshold && !alerted
	switch {
	case fire:
		m.lowAlerted[id] = true
	case level > threshold && alerted:
		delete(m.lowAlerted, id)
	}
	m.mu.Unlock()

	if !fire {
		return
	}

	logger.Warn().Str("device_id", id).Str("device_name", name).Int("level", level).Int("threshold", threshold).
		Msg("Device battery low")
	if !m.opts.Notifier.IsEnabled() {
		return
	}
	alertCtx, cancel := context.WithTimeout(ctx, alertContextTimeout)
	defer cancel()
	if err := m.opts.Notifier.SendLowBattery(alertCtx, name, level, threshold, summary); err != nil {
		logger.Error().Err(err).Str("device_id", id).Msg("Failed to send low battery alert")
	}
}

func (m *BatteryMonitor) bluetoothFailed(ctx context.Context, err error) {
	m.mu.Lock()
	first := !m.btDown
	m.btDown = true
	m.mu.Unlock()

	if !first || m.opts.Notifier == nil || !m.opts.Notifier.IsEnabled() {
		return
	}
	alertCtx, cancel := context.WithTimeout(ctx, alertContextTimeout)
	defer cancel()
	if notifyErr := m.opts.Notifier.SendBluetoothFailure(alertCtx, err); notifyErr != nil {
		logger.Error().Err(notifyErr).Msg("Failed to send Bluetooth failure alert")
	}
}

func (m *BatteryMonitor) bluetoothRecovered() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.btDown {
		logger.Info().Msg("Bluetooth sources available again")
	}
	m.btDown = false
}

// deviceKey is the history key of a device. Devices no source gave an id to
// are keyed by their lower-cased name.
func deviceKey(d discovery.Device) string {
	if id := strings.TrimSpace(d.ID); id != "" {
		return id
	}
	return "name:" + strings.ToLower(strings.TrimSpace(d.Name))
}

// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package discovery

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"

	apperrors "github.com/soothill/froggy/pkg/errors"
	"github.com/soothill/froggy/pkg/logger"
	"github.com/soothill/froggy/pkg/metrics"
)

// Source names used in logs, metrics and Device.BatterySource.
const (
	SourceClassic   = "classic"
	SourceLE        = "ble"
	SourcePnP       = "pnp"
	SourceATCommand = "at-command"
)

// DefaultCycleTimeout bounds one reconciliation cycle.
const DefaultCycleTimeout = 5 * time.Second

// Enumerator lists paired devices of one kind.
type Enumerator interface {
	Name() string
	Enumerate(ctx context.Context) ([]RawDevice, error)
}

// BatteryReporter reports battery levels keyed by Bluetooth address.
type BatteryReporter interface {
	Name() string
	Report(ctx context.Context) ([]BatteryReport, error)
}

// Prober reads a battery level directly from one device.
type Prober interface {
	Probe(ctx context.Context, addr Address) (int, error)
}

// Options configures a Reconciler.
type Options struct {
	// Enumerators are merged in order; earlier sources own the record.
	Enumerators []Enumerator
	Batteries   []BatteryReporter
	// Prober is optional. It is tried only for disconnected classic devices
	// the ProbePolicy selects that no other source has a battery for.
	Prober       Prober
	ProbePolicy  ProbePolicy
	Filter       NameFilter
	CycleTimeout time.Duration
}

// Reconciler merges all sources into one device list per cycle.
type Reconciler struct {
	opts Options
}

// NewReconciler creates a reconciler. A zero CycleTimeout selects DefaultCycleTimeout.
func NewReconciler(opts Options) *Reconciler {
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = DefaultCycleTimeout
	}
	if opts.Filter.excluded == nil {
		opts.Filter = NewNameFilter(nil)
	}
	return &Reconciler{opts: opts}
}

type sourceResult struct {
	devices  []RawDevice
	reports  []BatteryReport
	err      error
	finished bool
}

type sourceJob struct {
	name string
	run  func(ctx context.Context) (sourceResult, error)
}

// Reconcile runs one cycle and returns every device, connected first and
// then by name. It fails only with ErrBluetoothUnavailable, when every
// enumerator failed; sources cut off by the deadline count as empty.
func (r *Reconciler) Reconcile(ctx context.Context) ([]Device, error) {
	start := time.Now()
	defer func() {
		metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}()

	cycleCtx, cancel := context.WithTimeout(ctx, r.opts.CycleTimeout)
	defer cancel()

	jobs := make([]sourceJob, 0, len(r.opts.Enumerators)+len(r.opts.Batteries))
	for _, e := range r.opts.Enumerators {
		jobs = append(jobs, sourceJob{name: e.Name(), run: func(ctx context.Context) (sourceResult, error) {
			devs, err := e.Enumerate(ctx)
			return sourceResult{devices: devs}, err
		}})
	}
	for _, b := range r.opts.Batteries {
		jobs = append(jobs, sourceJob{name: b.Name(), run: func(ctx context.Context) (sourceResult, error) {
			reports, err := b.Report(ctx)
			return sourceResult{reports: reports}, err
		}})
	}

	results := runSources(cycleCtx, jobs)

	lists := make([][]RawDevice, 0, len(r.opts.Enumerators))
	failed := 0
	var reports []BatteryReport
	for i, res := range results {
		name := jobs[i].name
		switch {
		case timedOut(res):
			// A timed-out source contributes an empty result, never a failure.
			res = sourceResult{}
			metrics.SourceTimeouts.WithLabelValues(name).Inc()
			logger.Warn().Str("source", name).Dur("timeout", r.opts.CycleTimeout).
				Msg("Bluetooth source did not finish before the cycle deadline")
		case res.err != nil:
			metrics.SourceFailures.WithLabelValues(name).Inc()
			logger.Warn().Err(res.err).Str("source", name).Msg("Bluetooth source failed")
			if i < len(r.opts.Enumerators) {
				failed++
			}
		}

		if i < len(r.opts.Enumerators) {
			lists = append(lists, res.devices)
		} else {
			reports = append(reports, res.reports...)
		}
	}

	if len(r.opts.Enumerators) > 0 && failed == len(r.opts.Enumerators) {
		metrics.ReconcileCycles.WithLabelValues("unavailable").Inc()
		return nil, fmt.Errorf("%w: all %d device sources failed", apperrors.ErrBluetoothUnavailable, len(r.opts.Enumerators))
	}

	for i := range lists {
		lists[i] = r.filter(lists[i])
	}

	batteries := ResolveBatteries(reports)
	if r.opts.Prober != nil {
		r.probe(cycleCtx, lists, batteries)
	}

	devices := Merge(lists, batteries)
	metrics.ReconcileCycles.WithLabelValues("ok").Inc()
	logger.Debug().Int("devices", len(devices)).Int("battery_reports", len(reports)).
		Dur("elapsed", time.Since(start)).Msg("Reconciliation cycle complete")
	return devices, nil
}

// ConnectedDevices runs one cycle and returns only connected devices.
func (r *Reconciler) ConnectedDevices(ctx context.Context) ([]Device, error) {
	all, err := r.Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	connected := all[:0]
	for _, d := range all {
		if d.Connected {
			connected = append(connected, d)
		}
	}
	return connected, nil
}

// timedOut reports whether a source was cut off by the cycle deadline or
// the caller's cancellation rather than failing on its own.
func timedOut(res sourceResult) bool {
	return !res.finished ||
		errors.Is(res.err, context.DeadlineExceeded) ||
		errors.Is(res.err, context.Canceled)
}

// runSources starts every job and collects results until all have finished
// or ctx ends. Jobs still running at that point are abandoned and reported
// as unfinished.
func runSources(ctx context.Context, jobs []sourceJob) []sourceResult {
	type indexed struct {
		i   int
		res sourceResult
	}

	results := make([]sourceResult, len(jobs))
	done := make(chan indexed, len(jobs))

	for i, job := range jobs {
		go func() {
			var (
				pc  panics.Catcher
				res sourceResult
				err error
			)
			pc.Try(func() { res, err = job.run(ctx) })
			if rec := pc.Recovered(); rec != nil {
				err = rec.AsError()
			}
			if err != nil {
				res = sourceResult{err: apperrors.NewSourceError(job.name, "enumerate", err)}
			}
			res.finished = true
			done <- indexed{i: i, res: res}
		}()
	}

	for pending := len(jobs); pending > 0; pending-- {
		select {
		case r := <-done:
			results[r.i] = r.res
		case <-ctx.Done():
			return results
		}
	}
	return results
}

func (r *Reconciler) filter(devs []RawDevice) []RawDevice {
	kept := make([]RawDevice, 0, len(devs))
	for _, d := range devs {
		if d.Name = strings.TrimSpace(d.Name); r.opts.Filter.Allow(d.Name) {
			kept = append(kept, d)
		}
	}
	return kept
}

// probe fills batteries with AT-command readings for eligible classic devices.
func (r *Reconciler) probe(ctx context.Context, lists [][]RawDevice, batteries map[Address]ResolvedBattery) {
	var targets []Address
	seen := make(map[Address]bool)
	for _, list := range lists {
		for _, d := range list {
			if d.Kind != KindClassic || d.Address == 0 || d.Connected || d.Battery != nil || seen[d.Address] {
				continue
			}
			if _, ok := batteries[d.Address]; ok || !r.opts.ProbePolicy.ShouldProbe(d.Name) {
				continue
			}
			seen[d.Address] = true
			targets = append(targets, d.Address)
		}
	}
	if len(targets) == 0 {
		return
	}

	levels := make([]int, len(targets))
	found := make([]bool, len(targets))

	var wg conc.WaitGroup
	for i, addr := range targets {
		wg.Go(func() {
			level, err := r.opts.Prober.Probe(ctx, addr)
			if err != nil {
				logger.Debug().Err(err).Str("address", addr.String()).Msg("No AT-command battery report")
				return
			}
			levels[i], found[i] = level, true
		})
	}
	if rec := wg.WaitAndRecover(); rec != nil {
		logger.Error().Err(rec.AsError()).Msg("AT-command probe panicked")
	}

	for i, addr := range targets {
		if found[i] {
			batteries[addr] = ResolvedBattery{Level: levels[i], Fallback: true, Source: SourceATCommand}
		}
	}
}

// Merge joins raw device lists by case-insensitive name. Lists are applied
// in order: the first list to name a device creates the record, later ones
// OR in the connected flag and fill a missing id or address. A battery
// replaces the current one when none is set, when it comes from a more
// trusted tier, or when it is higher within the same tier.
//
// Name is the only key every enumeration API supplies, so two unrelated
// devices sharing a name collapse into one record.
func Merge(lists [][]RawDevice, batteries map[Address]ResolvedBattery) []Device {
	merged := make(map[string]*Device)
	order := make([]string, 0)

	for _, list := range lists {
		for _, raw := range list {
			name := strings.TrimSpace(raw.Name)
			if name == "" {
				continue
			}
			key := strings.ToLower(name)

			dev, ok := merged[key]
			if !ok {
				dev = &Device{Name: name}
				merged[key] = dev
				order = append(order, key)
			}

			dev.Connected = dev.Connected || raw.Connected
			if strings.TrimSpace(dev.ID) == "" {
				dev.ID = raw.ID
			}
			if dev.Address == 0 {
				dev.Address = raw.Address
			}

			if level, fallback, source, ok := batteryFor(raw, batteries); ok {
				adoptBattery(dev, level, fallback, source)
			}
		}
	}

	out := make([]Device, 0, len(order))
	for _, key := range order {
		out = append(out, *merged[key])
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Connected != out[j].Connected {
			return out[i].Connected
		}
		return strings.ToLower(out[i].Name) < strings.ToLower(out[j].Name)
	})
	return out
}

// batteryFor picks the battery for one raw device: the resolved level for
// its address first, then a level carried by the enumeration itself.
func batteryFor(raw RawDevice, batteries map[Address]ResolvedBattery) (int, bool, string, bool) {
	if raw.Address != 0 {
		if b, ok := batteries[raw.Address]; ok {
			return b.Level, b.Fallback, b.Source, true
		}
	}
	if raw.Battery != nil && *raw.Battery >= 0 && *raw.Battery <= 100 {
		return *raw.Battery, false, raw.Source, true
	}
	return 0, false, "", false
}

func adoptBattery(dev *Device, level int, fallback bool, source string) {
	if dev.Battery != nil {
		curTier, newTier := tierOf(dev.BatteryFallback), tierOf(fallback)
		if newTier < curTier || (newTier == curTier && level <= *dev.Battery) {
			return
		}
	}
	l := level
	dev.Battery = &l
	dev.BatteryFallback = fallback
	dev.BatterySource = source
}

func tierOf(fallback bool) Tier {
	if fallback {
		return TierFallback
	}
	return TierPrimary
}

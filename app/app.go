// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package app wires every Froggy component into one long-lived service:
// the battery history, the Bluetooth reconciler, the monitors, the settings
// stores and the local status server.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/soothill/froggy/config"
	"github.com/soothill/froggy/discovery"
	"github.com/soothill/froggy/monitoring"
	apperrors "github.com/soothill/froggy/pkg/errors"
	"github.com/soothill/froggy/pkg/interfaces"
	"github.com/soothill/froggy/pkg/logger"
	"github.com/soothill/froggy/pkg/notifications"
	"github.com/soothill/froggy/settings"
	"github.com/soothill/froggy/storage"
)

const (
	signalChannelSize = 1
	shutdownTimeout   = 5 * time.Second
	cleanupTimeout    = 10 * time.Second
	alertTimeout      = 5 * time.Second
)

// App represents the main application
type App struct {
	cfgMu       sync.RWMutex
	cfg         *config.Config
	metricsPort string
	configPath  string

	server        *http.Server
	history       *storage.HistoryStore
	deviceNames   *settings.DeviceSettings
	themes        *settings.ThemeStore
	monitor       *monitoring.BatteryMonitor
	network       *monitoring.NetworkMonitor
	notifier      *notifications.SlackNotifier
	influxDB      *storage.InfluxDBExporter
	exporter      *storage.BufferedExporter
	exported      latestLevelQuerier
	configWatcher *config.Watcher

	deps dependencies

	wg           sync.WaitGroup
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	cleanupOnce  sync.Once
}

// latestLevelQuerier looks up the newest reading mirrored to long-term storage.
type latestLevelQuerier interface {
	QueryLatestLevel(ctx context.Context, deviceID string) (storage.BatteryPoint, error)
}

type dependencies struct {
	devices interfaces.DeviceSource
	system  interfaces.SystemBatteryReader
	network *monitoring.NetworkMonitor
	clock   func() time.Time
}

// Option overrides a component App would otherwise build from the host.
type Option func(*dependencies)

// WithDeviceSource replaces the operating system Bluetooth reconciler.
func WithDeviceSource(src interfaces.DeviceSource) Option {
	return func(d *dependencies) { d.devices = src }
}

// WithSystemBattery replaces the host battery reader.
func WithSystemBattery(r interfaces.SystemBatteryReader) Option {
	return func(d *dependencies) { d.system = r }
}

// WithNetworkMonitor replaces the network monitor built from configuration.
func WithNetworkMonitor(n *monitoring.NetworkMonitor) Option {
	return func(d *dependencies) { d.network = n }
}

// WithClock overrides time.Now for the history and the monitor.
func WithClock(clock func() time.Time) Option {
	return func(d *dependencies) { d.clock = clock }
}

// New creates a new application instance. configPath may be empty, in
// which case the configuration is not watched for changes.
func New(cfg *config.Config, metricsPort string, configPath string, opts ...Option) (*App, error) {
	app := &App{
		cfg:         cfg,
		metricsPort: metricsPort,
		configPath:  configPath,
	}
	for _, opt := range opts {
		opt(&app.deps)
	}
	if app.deps.clock == nil {
		app.deps.clock = time.Now
	}
	if app.metricsPort == "" {
		app.metricsPort = fmt.Sprintf("%d", cfg.Server.Port)
	}

	if err := app.initializeComponents(); err != nil {
		app.closeExport()
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	if configPath != "" {
		watcher, err := config.NewWatcher(configPath)
		if err != nil {
			logger.Warn().Err(err).Str("path", configPath).Msg("Config hot reload disabled")
		} else {
			app.configWatcher = watcher
		}
	}
	return app, nil
}

// initializeComponents initializes all application components
func (a *App) initializeComponents() error {
	cfg := a.config()

	if err := os.MkdirAll(cfg.History.DataDir, 0o755); err != nil {
		return apperrors.NewStorageError("create data directory", "", err)
	}

	a.notifier = notifications.NewSlackNotifier(cfg.Notifications.SlackWebhookURL)
	if a.notifier.IsEnabled() {
		logger.Info().Msg("Slack notifications enabled")
	} else {
		logger.Info().Msg("Slack notifications disabled (no webhook URL configured)")
	}

	historyOpts := storage.HistoryOptions{
		Path:              cfg.HistoryPath(storage.HistoryFileName),
		Retention:         cfg.History.Retention,
		MinRecordInterval: cfg.History.MinRecordInterval,
		Thresholds:        cfg.Thresholds(),
		Clock:             a.deps.clock,
	}
	if cfg.InfluxDB.Enabled {
		if err := a.initializeExport(cfg); err != nil {
			logger.Error().Err(err).Msg("Long-term export disabled")
		} else {
			historyOpts.Exporter = a.exporter
		}
	}
	a.history = storage.NewHistoryStore(historyOpts)

	a.deviceNames = settings.LoadDeviceSettings(cfg.HistoryPath(settings.DeviceSettingsFileName))
	a.themes = settings.LoadThemeStore(cfg.HistoryPath(settings.ThemeFileName))
	a.themes.OnChange(func(th settings.Theme) {
		logger.Info().Str("theme", string(th)).Msg("Theme changed")
	})

	devices := a.deps.devices
	if devices == nil {
		devices = newReconciler(cfg)
	}
	system := a.deps.system
	if system == nil {
		system = monitoring.NewSystemBattery()
	}

	a.monitor = monitoring.NewBatteryMonitor(monitoring.MonitorOptions{
		Devices:             devices,
		History:             a.history,
		Names:               a.deviceNames,
		System:              system,
		Notifier:            a.notifier,
		PollInterval:        cfg.Bluetooth.PollInterval,
		LowBatteryThreshold: cfg.Notifications.LowBatteryThreshold,
		Clock:               a.deps.clock,
	})

	switch {
	case a.deps.network != nil:
		a.network = a.deps.network
	case cfg.NetworkEnabled():
		a.network = monitoring.NewNetworkMonitor(monitoring.NetworkOptions{
			Interval:    cfg.Network.Interval,
			PingTarget:  cfg.Network.PingTarget,
			PingTimeout: cfg.Network.PingTimeout,
		})
	}

	if cfg.ServerEnabled() {
		a.server = &http.Server{
			Addr:              "localhost:" + a.metricsPort,
			Handler:           a.routes(),
			ReadHeaderTimeout: 5 * time.Second,
		}
	}
	return nil
}

// initializeExport connects the InfluxDB mirror and its spool.
func (a *App) initializeExport(cfg *config.Config) error {
	influxDB, err := storage.NewInfluxDBExporter(storage.InfluxDBOptions{
		URL:          cfg.InfluxDB.URL,
		Token:        cfg.InfluxDB.Token,
		Organization: cfg.InfluxDB.Organization,
		Bucket:       cfg.InfluxDB.Bucket,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize InfluxDB: %w", err)
	}

	spool, err := storage.NewSpool(cfg.InfluxDB.SpoolDir, cfg.InfluxDB.SpoolMaxSize, cfg.InfluxDB.SpoolMaxAge)
	if err != nil {
		influxDB.Close()
		return fmt.Errorf("failed to initialize spool: %w", err)
	}
	logger.Info().Str("directory", cfg.InfluxDB.SpoolDir).
		Int64("max_size_mb", cfg.InfluxDB.SpoolMaxSize/(1024*1024)).
		Dur("max_age", cfg.InfluxDB.SpoolMaxAge).
		Msg("Export spool initialized")

	a.influxDB = influxDB
	a.exported = influxDB
	a.exporter = storage.NewBufferedExporter(influxDB, spool, a.notifier, storage.BufferedOptions{})
	return nil
}

// newReconciler builds the Bluetooth reconciler over the host's sources.
// Hosts without a Bluetooth stack get a reconciler with no sources, which
// reports no devices.
func newReconciler(cfg *config.Config) *discovery.Reconciler {
	sources, err := discovery.NewPlatformSources()
	if err != nil {
		logger.Warn().Err(err).Str("os", runtime.GOOS).Msg("Bluetooth sources unavailable on this platform")
	}

	opts := sources.Options(cfg.ATProbeEnabled(), discovery.ATProberOptions{
		ConnectTimeout: cfg.Bluetooth.ProbeConnectTimeout,
		ReadTimeout:    cfg.Bluetooth.ProbeReadTimeout,
	})
	opts.ProbePolicy = discovery.NewProbePolicy(cfg.Bluetooth.ProbeNameContains, cfg.Bluetooth.ProbeNamePrefixes)
	opts.Filter = discovery.NewNameFilter(cfg.Bluetooth.ExcludedNames)
	opts.CycleTimeout = cfg.Bluetooth.CycleTimeout
	return discovery.NewReconciler(opts)
}

func (a *App) config() *config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// Run starts the application and blocks until shutdown
func (a *App) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	a.ctx = ctx
	a.cancel = cancel
	defer a.cancel()

	logger.Info().Str("data_dir", a.config().History.DataDir).Msg("Starting Froggy")

	a.startServer()
	a.announceStartup(ctx)
	a.setupSignalHandler()
	a.startConfigWatcher(ctx)
	a.monitor.Start(ctx)
	if a.network != nil {
		a.network.Start(ctx)
	}
	a.runMainLoop(ctx)
}

// RunOnce performs a single polling cycle and releases every resource.
func (a *App) RunOnce(ctx context.Context) monitoring.Snapshot {
	snap := a.monitor.RunCycle(ctx)
	a.performCleanup()
	return snap
}

// Refresh asks for an extra polling cycle.
func (a *App) Refresh() {
	a.monitor.Refresh()
}

// Shutdown stops the application; Run returns once cleanup has finished.
func (a *App) Shutdown() {
	a.performGracefulShutdown()
}

// startServer starts the HTTP server for metrics, health checks and status
func (a *App) startServer() {
	if a.server == nil {
		logger.Info().Msg("Status server disabled")
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		logger.Info().Str("addr", a.server.Addr).Msg("Starting status server (localhost only)")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Status server failed")
		}
	}()
}

// announceStartup posts a short message to Slack when notifications are enabled.
func (a *App) announceStartup(ctx context.Context) {
	if !a.notifier.IsEnabled() {
		return
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown host"
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		msgCtx, cancel := context.WithTimeout(ctx, alertTimeout)
		defer cancel()
		if err := a.notifier.SendMessage(msgCtx, fmt.Sprintf("🐸 Froggy started on %s", host)); err != nil {
			logger.Warn().Err(err).Msg("Failed to send startup notification")
		}
	}()
}

// setupSignalHandler sets up graceful shutdown on interrupt signals
func (a *App) setupSignalHandler() {
	sigChan := make(chan os.Signal, signalChannelSize)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
			a.performGracefulShutdown()
		case <-a.ctx.Done():
		}
		signal.Stop(sigChan)
	}()
}

// runMainLoop blocks until the application is shut down
func (a *App) runMainLoop(ctx context.Context) {
	<-ctx.Done()
	logger.Info().Msg("Shutting down")
	a.performCleanup()
}

// performGracefulShutdown stops accepting requests and cancels the run context
func (a *App) performGracefulShutdown() {
	a.shutdownOnce.Do(func() {
		logger.Info().Msg("Initiating graceful shutdown...")

		if a.server != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer shutdownCancel()
			if err := a.server.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("HTTP server shutdown error")
			} else {
				logger.Info().Msg("HTTP server stopped")
			}
		}

		a.monitor.Stop()
		if a.cancel != nil {
			a.cancel()
		}
	})
}

// performCleanup stops the background workers, persists state and waits for
// goroutines to finish
func (a *App) performCleanup() {
	a.cleanupOnce.Do(func() {
		a.monitor.Stop()
		if a.network != nil {
			a.network.Stop()
		}
		if a.configWatcher != nil {
			if err := a.configWatcher.Close(); err != nil {
				logger.Warn().Err(err).Msg("Failed to close config watcher")
			}
		}

		if err := a.history.Save(); err != nil {
			logger.Error().Err(err).Msg("Failed to save battery history on shutdown")
		}

		done := make(chan struct{})
		go func() {
			a.closeExport()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(cleanupTimeout):
			logger.Warn().Msg("Export shutdown timeout - queued readings may be lost")
		}

		logger.Info().Msg("Waiting for goroutines to finish...")
		a.wg.Wait()
		logger.Info().Msg("All goroutines finished, exiting")
	})
}

func (a *App) closeExport() {
	if a.exporter != nil {
		a.exporter.Close()
	}
	if a.influxDB != nil {
		a.influxDB.Close()
	}
}

// startConfigWatcher starts a goroutine to listen for config file changes and reloads
func (a *App) startConfigWatcher(ctx context.Context) {
	if a.configWatcher == nil {
		return
	}
	a.configWatcher.Start(ctx)

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for {
			select {
			case <-ctx.Done():
				logger.Info().Msg("Config watcher goroutine shutting down")
				return
			case reloaded, ok := <-a.configWatcher.Reloaded:
				if !ok {
					return
				}
				if reloaded.Error != nil {
					logger.Error().Err(reloaded.Error).Msg("Error reloading configuration, keeping the current one")
					continue
				}
				a.UpdateConfig(reloaded.Config)
			}
		}
	}()
}

// UpdateConfig applies the settings that can change without a restart: poll
// interval, estimator thresholds, history policy, low-battery level and log
// level. Everything else takes effect on the next start.
func (a *App) UpdateConfig(newCfg *config.Config) {
	a.cfgMu.Lock()
	a.cfg = newCfg
	a.cfgMu.Unlock()
	logger.Info().Msg("Application configuration updated")

	logger.SetLevel(newCfg.Logging.Level)
	a.history.SetThresholds(newCfg.Thresholds())
	a.history.SetRecordPolicy(newCfg.History.MinRecordInterval, newCfg.History.Retention)
	a.monitor.SetLowBatteryThreshold(newCfg.Notifications.LowBatteryThreshold)
	a.monitor.UpdatePollInterval(newCfg.Bluetooth.PollInterval)
	logger.Info().Dur("new_poll_interval", newCfg.Bluetooth.PollInterval).Msg("Monitor poll interval updated")
}

// DumpApplicationState dumps current application state to logs
func (a *App) DumpApplicationState() {
	logger.Info().Msg("=== APPLICATION STATE DUMP (SIGUSR1) ===")

	snap, ok := a.monitor.Latest()
	logger.Info().
		Bool("first_cycle_done", ok).
		Time("last_cycle", snap.Timestamp).
		Int("devices", len(snap.Devices)).
		Dur("poll_interval", a.monitor.PollInterval()).
		Str("error", snap.Error).
		Msg("Monitoring state")

	for _, d := range snap.Devices {
		ev := logger.Info().
			Str("device_id", d.ID).
			Str("device_name", d.DisplayName).
			Bool("connected", d.Connected).
			Bool("fallback", d.BatteryFallback).
			Str("source", d.BatterySource).
			Int("history_readings", len(a.history.Readings(d.ID)))
		if d.Battery != nil {
			ev = ev.Int("battery", *d.Battery)
		}
		ev.Str("summary", d.Summary).Msg("Device")
	}

	logger.Info().Int("tracked_devices", a.history.DeviceCount()).Str("theme", string(a.themes.Current())).
		Str("text_size", string(a.deviceNames.TextSize())).Msg("Stores")

	if a.network != nil {
		logger.Info().Str("network", a.network.Latest().Summary()).Msg("Network state")
	}
	if a.exporter != nil {
		logger.Info().Bool("degraded", a.exporter.Degraded()).Msg("Export state")
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	logger.Info().
		Uint64("alloc_mb", m.Alloc/1024/1024).
		Uint64("total_alloc_mb", m.TotalAlloc/1024/1024).
		Uint32("num_gc", m.NumGC).
		Int("num_goroutines", runtime.NumGoroutine()).
		Msg("Runtime statistics")

	logger.Info().Msg("=== END STATE DUMP ===")
}

// DumpGoroutineStackTraces dumps all goroutine stack traces to logs
func DumpGoroutineStackTraces() {
	logger.Info().Msg("=== GOROUTINE STACK TRACES (SIGUSR2) ===")
	logger.Info().Int("num_goroutines", runtime.NumGoroutine()).Msg("Current goroutine count")

	buf := make([]byte, 1024*1024) // 1MB buffer
	stackLen := runtime.Stack(buf, true)
	logger.Info().Str("stack_traces", string(buf[:stackLen])).Msg("Full stack trace")

	logger.Info().Msg("=== END STACK TRACES ===")
}

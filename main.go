// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/soothill/froggy/app"
	"github.com/soothill/froggy/config"
	"github.com/soothill/froggy/pkg/logger"
)

const (
	healthCheckTimeout = 5 * time.Second
	onceTimeout        = 2 * time.Minute
	logFileName        = "log.txt"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	metricsPort := flag.String("metrics-port", "", "Port for the local status server (defaults to server.port)")
	healthCheck := flag.Bool("health-check", false, "Perform health check and exit")
	validateConfig := flag.Bool("validate-config", false, "Validate configuration file and exit")
	once := flag.Bool("once", false, "Run a single polling cycle, print it as JSON and exit")
	flag.Parse()

	if *healthCheck {
		os.Exit(performHealthCheck(*configPath, *metricsPort))
	}

	if *validateConfig {
		os.Exit(performConfigValidation(*configPath))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Initialize("error")
		logger.Fatal().Err(err).Msg("Failed to load configuration")
	}

	if *once {
		// stdout carries the JSON snapshot.
		logger.Initialize(cfg.Logging.Level)
		logger.SetOutput(os.Stderr)
	} else if err := logger.InitializeWithFile(cfg.Logging.Level, logFilePath(cfg)); err != nil {
		logger.Warn().Err(err).Msg("Logging to stdout only")
	}
	defer logger.Close()

	logger.Info().Msg("Starting Froggy")
	logger.Info().Dur("poll_interval", cfg.Bluetooth.PollInterval).
		Bool("at_probe", cfg.ATProbeEnabled()).
		Str("data_dir", cfg.History.DataDir).
		Msg("Configuration loaded")

	watchPath := *configPath
	if _, statErr := os.Stat(watchPath); statErr != nil {
		watchPath = ""
	}

	if *once {
		watchPath = ""
	}
	application, err := app.New(cfg, *metricsPort, watchPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create application")
	}

	if *once {
		code := runOnce(application, os.Stdout)
		logger.Close()
		os.Exit(code)
	}

	setupDebugSignalHandlers(application)
	application.Run()
}

// logFilePath returns logging.file, or log.txt in the data directory.
func logFilePath(cfg *config.Config) string {
	if cfg.Logging.File != "" {
		return cfg.Logging.File
	}
	return filepath.Join(cfg.History.DataDir, logFileName)
}

// runOnce prints one polling cycle as indented JSON and returns the exit code
func runOnce(application *app.App, w io.Writer) int {
	ctx, cancel := context.WithTimeout(context.Background(), onceTimeout)
	defer cancel()

	snap := application.RunOnce(ctx)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snap); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode snapshot: %v\n", err)
		return 1
	}
	if snap.Error != "" {
		return 1
	}
	return 0
}

// performHealthCheck queries the local status server and returns exit code
func performHealthCheck(configPath, portOverride string) int {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: could not load config: %v\n", err)
		return 1
	}

	port := portOverride
	if port == "" {
		port = strconv.Itoa(cfg.Server.Port)
	}
	return checkHealth("http://localhost:" + port + "/health")
}

func checkHealth(url string) int {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: %v\n", err)
		return 1
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Health check failed: status server unreachable: %v\n", err)
		return 1
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Health check failed: status server returned %d\n", resp.StatusCode)
		return 1
	}

	fmt.Println("Health check passed: Froggy is running")
	return 0
}

// performConfigValidation validates the configuration file and returns exit code
func performConfigValidation(configPath string) int {
	logger.Initialize("info")
	logger.Info().Str("path", configPath).Msg("Validating configuration file")

	if err := config.ValidateWithSchema(configPath); err != nil {
		logger.Error().Err(err).Msg("Configuration schema validation failed")
		fmt.Fprintf(os.Stderr, "\n❌ Configuration validation FAILED\n")
		return 1
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("Configuration validation failed")
		fmt.Fprintf(os.Stderr, "\n❌ Configuration validation FAILED\n")
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		return 1
	}

	printConfigSummary(os.Stdout, cfg)
	return 0
}

func printConfigSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintln(w, "\n✅ Configuration validation PASSED")
	fmt.Fprintln(w, "\nConfiguration summary:")
	fmt.Fprintf(w, "  Data Directory: %s\n", cfg.History.DataDir)
	fmt.Fprintf(w, "  History Retention: %s\n", cfg.History.Retention)
	fmt.Fprintf(w, "  Poll Interval: %s\n", cfg.Bluetooth.PollInterval)
	fmt.Fprintf(w, "  Cycle Timeout: %s\n", cfg.Bluetooth.CycleTimeout)
	fmt.Fprintf(w, "  AT Probe: %t\n", cfg.ATProbeEnabled())
	fmt.Fprintf(w, "  Network Monitor: %t\n", cfg.NetworkEnabled())
	fmt.Fprintf(w, "  Log Level: %s\n", cfg.Logging.Level)
	if cfg.ServerEnabled() {
		fmt.Fprintf(w, "  Status Server: localhost:%d\n", cfg.Server.Port)
	} else {
		fmt.Fprintln(w, "  Status Server: Disabled")
	}

	if cfg.Notifications.SlackWebhookURL != "" {
		fmt.Fprintln(w, "  Slack Notifications: Enabled")
	} else {
		fmt.Fprintln(w, "  Slack Notifications: Disabled")
	}

	if cfg.InfluxDB.Enabled {
		fmt.Fprintf(w, "  InfluxDB URL: %s\n", cfg.InfluxDB.URL)
		fmt.Fprintf(w, "  InfluxDB Organization: %s\n", cfg.InfluxDB.Organization)
		fmt.Fprintf(w, "  InfluxDB Bucket: %s\n", cfg.InfluxDB.Bucket)
		fmt.Fprintf(w, "  Spool Directory: %s\n", cfg.InfluxDB.SpoolDir)
		fmt.Fprintf(w, "  Spool Max Size: %d MB\n", cfg.InfluxDB.SpoolMaxSize/(1024*1024))
	} else {
		fmt.Fprintln(w, "  InfluxDB Export: Disabled")
	}

	fmt.Fprintln(w, "\nAll validation checks passed. Configuration is ready for use.")
}

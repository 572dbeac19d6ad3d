// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package config provides configuration management for Froggy.
//
// Configuration is read from a YAML file, overridden from the environment,
// completed with defaults and validated. A missing file is not an error:
// the widget runs on defaults out of the box.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/soothill/froggy/battery"
	apperrors "github.com/soothill/froggy/pkg/errors"
)

// AppDirName is the per-user directory Froggy keeps its files in.
const AppDirName = "BluetoothWidget"

// Config represents the application configuration
type Config struct {
	History       HistoryConfig       `yaml:"history"`
	Estimator     EstimatorConfig     `yaml:"estimator"`
	Bluetooth     BluetoothConfig     `yaml:"bluetooth"`
	Network       NetworkConfig       `yaml:"network"`
	Logging       LoggingConfig       `yaml:"logging"`
	Server        ServerConfig        `yaml:"server"`
	Notifications NotificationsConfig `yaml:"notifications"`
	InfluxDB      InfluxDBConfig      `yaml:"influxdb"`
}

// HistoryConfig controls the persisted battery history.
type HistoryConfig struct {
	DataDir           string        `yaml:"data_dir" validate:"required"`
	Retention         time.Duration `yaml:"retention" validate:"min=1h"`
	MinRecordInterval time.Duration `yaml:"min_record_interval" validate:"min=0,max=1h"`
}

// EstimatorConfig holds the drain-rate thresholds.
type EstimatorConfig struct {
	MinWindow            time.Duration `yaml:"min_window" validate:"min=0"`
	MeaningfulRate       float64       `yaml:"meaningful_rate" validate:"gte=0"`
	DisplayRate          float64       `yaml:"display_rate" validate:"gte=0"`
	TrackingWindow       time.Duration `yaml:"tracking_window" validate:"min=0"`
	ChargeReferenceLevel int           `yaml:"charge_reference_level" validate:"min=1,max=100"`
}

// BluetoothConfig holds polling and probing settings
type BluetoothConfig struct {
	PollInterval        time.Duration `yaml:"poll_interval" validate:"min=5s,max=1h"`
	CycleTimeout        time.Duration `yaml:"cycle_timeout" validate:"min=1s,max=5m"`
	ProbeConnectTimeout time.Duration `yaml:"probe_connect_timeout" validate:"min=100ms,max=1m"`
	ProbeReadTimeout    time.Duration `yaml:"probe_read_timeout" validate:"min=100ms,max=1m"`
	EnableATProbe       *bool         `yaml:"enable_at_probe"`
	ExcludedNames       []string      `yaml:"excluded_names"`
	ProbeNameContains   []string      `yaml:"probe_name_contains"`
	ProbeNamePrefixes   []string      `yaml:"probe_name_prefixes"`
}

// NetworkConfig holds network throughput sampling settings
type NetworkConfig struct {
	Enabled     *bool         `yaml:"enabled"`
	Interval    time.Duration `yaml:"interval" validate:"min=1s,max=1h"`
	PingTarget  string        `yaml:"ping_target" validate:"required,hostname|ip"`
	PingTimeout time.Duration `yaml:"ping_timeout" validate:"min=100ms,max=30s"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn warning error fatal panic"`
	File  string `yaml:"file"`
}

// ServerConfig holds the local status server settings
type ServerConfig struct {
	Enabled *bool `yaml:"enabled"`
	Port    int   `yaml:"port" validate:"min=1,max=65535"`
}

// NotificationsConfig holds alerting settings
type NotificationsConfig struct {
	SlackWebhookURL     string `yaml:"slack_webhook_url" validate:"omitempty,url"`
	LowBatteryThreshold int    `yaml:"low_battery_threshold" validate:"min=0,max=100"`
}

// InfluxDBConfig holds the optional long-term export settings
type InfluxDBConfig struct {
	Enabled      bool          `yaml:"enabled"`
	URL          string        `yaml:"url"`
	Token        string        `yaml:"token"`
	Organization string        `yaml:"organization"`
	Bucket       string        `yaml:"bucket"`
	SpoolDir     string        `yaml:"spool_dir"`
	SpoolMaxSize int64         `yaml:"spool_max_size" validate:"min=0"`
	SpoolMaxAge  time.Duration `yaml:"spool_max_age" validate:"min=0"`
}

// Load reads configuration from a YAML file and applies environment variable
// overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, apperrors.NewConfigError("file", path, fmt.Errorf("failed to read config file: %w", err))
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, apperrors.NewConfigError("file", path, fmt.Errorf("failed to parse config file: %w", err))
		}
	}

	cfg.applyEnvironmentOverrides()
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w: %w", apperrors.ErrInvalidConfig, err)
	}
	return &cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.setDefaults()
	return &cfg
}

// DefaultDataDir is the per-user local application data directory.
func DefaultDataDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, AppDirName)
	}
	return AppDirName
}

// applyEnvironmentOverrides applies environment variable overrides to the configuration
func (c *Config) applyEnvironmentOverrides() {
	if dir := os.Getenv("FROGGY_DATA_DIR"); dir != "" {
		c.History.DataDir = dir
	}
	if interval := os.Getenv("FROGGY_POLL_INTERVAL"); interval != "" {
		duration, parseErr := time.ParseDuration(interval)
		if parseErr == nil {
			c.Bluetooth.PollInterval = duration
		} else {
			fmt.Fprintf(os.Stderr, "Warning: Failed to parse FROGGY_POLL_INTERVAL '%s': %v\n", interval, parseErr)
		}
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if webhook := os.Getenv("SLACK_WEBHOOK_URL"); webhook != "" {
		c.Notifications.SlackWebhookURL = webhook
	}
	if u := os.Getenv("INFLUXDB_URL"); u != "" {
		c.InfluxDB.URL = u
		c.InfluxDB.Enabled = true
	}
	if token := os.Getenv("INFLUXDB_TOKEN"); token != "" {
		c.InfluxDB.Token = token
	}
	if org := os.Getenv("INFLUXDB_ORG"); org != "" {
		c.InfluxDB.Organization = org
	}
	if bucket := os.Getenv("INFLUXDB_BUCKET"); bucket != "" {
		c.InfluxDB.Bucket = bucket
	}
}

// setDefaults sets default values for configuration fields if not provided
func (c *Config) setDefaults() {
	if c.History.DataDir == "" {
		c.History.DataDir = DefaultDataDir()
	}
	if c.History.Retention == 0 {
		c.History.Retention = 7 * 24 * time.Hour
	}
	if c.History.MinRecordInterval == 0 {
		c.History.MinRecordInterval = time.Minute
	}

	th := battery.DefaultThresholds()
	if c.Estimator.MinWindow == 0 {
		c.Estimator.MinWindow = th.MinWindow
	}
	if c.Estimator.MeaningfulRate == 0 {
		c.Estimator.MeaningfulRate = th.MeaningfulRate
	}
	if c.Estimator.DisplayRate == 0 {
		c.Estimator.DisplayRate = th.DisplayRate
	}
	if c.Estimator.TrackingWindow == 0 {
		c.Estimator.TrackingWindow = th.TrackingWindow
	}
	if c.Estimator.ChargeReferenceLevel == 0 {
		c.Estimator.ChargeReferenceLevel = th.ChargeReferenceLevel
	}

	if c.Bluetooth.PollInterval == 0 {
		c.Bluetooth.PollInterval = 60 * time.Second
	}
	if c.Bluetooth.CycleTimeout == 0 {
		c.Bluetooth.CycleTimeout = 5 * time.Second
	}
	if c.Bluetooth.ProbeConnectTimeout == 0 {
		c.Bluetooth.ProbeConnectTimeout = 3 * time.Second
	}
	if c.Bluetooth.ProbeReadTimeout == 0 {
		c.Bluetooth.ProbeReadTimeout = 5 * time.Second
	}
	if c.Bluetooth.EnableATProbe == nil {
		c.Bluetooth.EnableATProbe = boolPtr(true)
	}
	if c.Bluetooth.ProbeNameContains == nil && c.Bluetooth.ProbeNamePrefixes == nil {
		c.Bluetooth.ProbeNameContains = []string{"sony", "xm"}
		c.Bluetooth.ProbeNamePrefixes = []string{"wf-", "wh-"}
	}

	if c.Network.Enabled == nil {
		c.Network.Enabled = boolPtr(true)
	}
	if c.Network.Interval == 0 {
		c.Network.Interval = 5 * time.Second
	}
	if c.Network.PingTarget == "" {
		c.Network.PingTarget = "8.8.8.8"
	}
	if c.Network.PingTimeout == 0 {
		c.Network.PingTimeout = time.Second
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	if c.Server.Enabled == nil {
		c.Server.Enabled = boolPtr(true)
	}
	if c.Server.Port == 0 {
		c.Server.Port = 9090
	}

	if c.Notifications.LowBatteryThreshold == 0 {
		c.Notifications.LowBatteryThreshold = 20
	}

	if c.InfluxDB.SpoolDir == "" {
		c.InfluxDB.SpoolDir = filepath.Join(c.History.DataDir, "spool")
	}
	if c.InfluxDB.SpoolMaxSize == 0 {
		c.InfluxDB.SpoolMaxSize = 10 * 1024 * 1024
	}
	if c.InfluxDB.SpoolMaxAge == 0 {
		c.InfluxDB.SpoolMaxAge = 7 * 24 * time.Hour
	}
}

func boolPtr(b bool) *bool { return &b }

// ATProbeEnabled reports whether AT-command battery probing is on.
func (c *Config) ATProbeEnabled() bool {
	return c.Bluetooth.EnableATProbe == nil || *c.Bluetooth.EnableATProbe
}

// NetworkEnabled reports whether network sampling is on.
func (c *Config) NetworkEnabled() bool {
	return c.Network.Enabled == nil || *c.Network.Enabled
}

// ServerEnabled reports whether the local status server is on.
func (c *Config) ServerEnabled() bool {
	return c.Server.Enabled == nil || *c.Server.Enabled
}

// Thresholds returns the estimator thresholds.
func (c *Config) Thresholds() battery.Thresholds {
	return battery.Thresholds{
		MinWindow:            c.Estimator.MinWindow,
		MeaningfulRate:       c.Estimator.MeaningfulRate,
		DisplayRate:          c.Estimator.DisplayRate,
		TrackingWindow:       c.Estimator.TrackingWindow,
		ChargeReferenceLevel: c.Estimator.ChargeReferenceLevel,
	}
}

// HistoryPath is the battery history file.
func (c *Config) HistoryPath(fileName string) string {
	return filepath.Join(c.History.DataDir, fileName)
}

var (
	validateOnce    sync.Once
	structValidator *validator.Validate
)

func getValidator() *validator.Validate {
	validateOnce.Do(func() {
		structValidator = validator.New(validator.WithRequiredStructEnabled())
		structValidator.RegisterTagNameFunc(func(f reflect.StructField) string {
			name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
			if name == "-" {
				return ""
			}
			return name
		})
	})
	return structValidator
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateStruct(); err != nil {
		return err
	}
	if err := c.validateBluetooth(); err != nil {
		return err
	}
	if err := c.validateEstimator(); err != nil {
		return err
	}
	return c.validateInfluxDB()
}

// validateStruct runs the field tag rules.
func (c *Config) validateStruct() error {
	err := getValidator().Struct(c)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err
	}
	fe := fieldErrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	reason := fmt.Sprintf("failed '%s' rule", fe.Tag())
	if fe.Param() != "" {
		reason = fmt.Sprintf("failed '%s=%s' rule", fe.Tag(), fe.Param())
	}
	return apperrors.NewValidationError(field, fe.Value(), reason)
}

// validateBluetooth checks the timing relationships between cycle and poll
func (c *Config) validateBluetooth() error {
	if c.Bluetooth.CycleTimeout >= c.Bluetooth.PollInterval {
		return apperrors.NewValidationError("bluetooth.cycle_timeout", c.Bluetooth.CycleTimeout,
			"must be shorter than bluetooth.poll_interval")
	}
	return nil
}

// validateEstimator checks the rate floors are consistent
func (c *Config) validateEstimator() error {
	if c.Estimator.DisplayRate > c.Estimator.MeaningfulRate {
		return apperrors.NewValidationError("estimator.display_rate", c.Estimator.DisplayRate,
			"must not exceed estimator.meaningful_rate")
	}
	return nil
}

// validateInfluxDB validates the InfluxDB configuration when export is enabled
func (c *Config) validateInfluxDB() error {
	if !c.InfluxDB.Enabled {
		return nil
	}
	if c.InfluxDB.URL == "" {
		return apperrors.NewValidationError("influxdb.url", "", "is required when influxdb.enabled is true")
	}

	parsedURL, parseErr := url.Parse(c.InfluxDB.URL)
	if parseErr != nil || parsedURL.Host == "" {
		return apperrors.NewValidationError("influxdb.url", c.InfluxDB.URL, "is not a valid URL")
	}
	if securityErr := validateURLSecurity(parsedURL); securityErr != nil {
		return securityErr
	}

	if len(c.InfluxDB.Token) < 8 {
		return apperrors.NewValidationError("influxdb.token", "<redacted>", "must be at least 8 characters long")
	}
	if c.InfluxDB.Organization == "" {
		return apperrors.NewValidationError("influxdb.organization", "", "is required when influxdb.enabled is true")
	}
	if c.InfluxDB.Bucket == "" {
		return apperrors.NewValidationError("influxdb.bucket", "", "is required when influxdb.enabled is true")
	}
	return nil
}

// validateURLSecurity checks if the URL uses HTTPS for non-local connections
func validateURLSecurity(parsedURL *url.URL) error {
	if parsedURL.Scheme != "http" {
		return nil
	}

	hostname := strings.ToLower(parsedURL.Hostname())
	isLocal := hostname == "localhost" ||
		hostname == "127.0.0.1" ||
		hostname == "::1" ||
		strings.HasPrefix(hostname, "192.168.") ||
		strings.HasPrefix(hostname, "10.") ||
		strings.HasPrefix(hostname, "172.")

	if !isLocal {
		return apperrors.NewValidationError("influxdb.url", parsedURL.String(),
			"must use HTTPS for non-local connections")
	}
	return nil
}

// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidateWithSchema_ValidConfig(t *testing.T) {
	validConfig := `history:
  data_dir: "/var/lib/froggy"
  retention: 168h
  min_record_interval: 1m
estimator:
  min_window: 1m
  meaningful_rate: 0.1
  display_rate: 0.01
  charge_reference_level: 95
bluetooth:
  poll_interval: 60s
  cycle_timeout: 5s
  enable_at_probe: true
  excluded_names: ["Keyboard", "Mouse"]
network:
  enabled: true
  interval: 5s
  ping_target: 1.1.1.1
logging:
  level: info
server:
  port: 9090
notifications:
  slack_webhook_url: "https://hooks.slack.com/services/TEST/WEBHOOK/URL"
  low_battery_threshold: 20
influxdb:
  enabled: true
  url: "http://localhost:8086"
  token: "test-token-12345"
  organization: "home"
  bucket: "batteries"
  spool_max_age: 24h
`
	tmpFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(tmpFile, []byte(validConfig), 0o600); err != nil {
		t.Fatalf("Failed to write temp config: %v", err)
	}

	if err := ValidateWithSchema(tmpFile); err != nil {
		t.Errorf("ValidateWithSchema() with valid config failed: %v", err)
	}
}

func TestValidateBytesWithSchema(t *testing.T) {
	tests := []struct {
		name      string
		content   string
		wantErr   bool
		wantInMsg string
	}{
		{name: "empty document", content: ""},
		{name: "only comments", content: "# nothing configured\n"},
		{
			name:      "unknown top-level key",
			content:   "widget:\n  poll_interval: 30s\n",
			wantErr:   true,
			wantInMsg: "widget",
		},
		{
			name:    "unknown nested key",
			content: "bluetooth:\n  scan_everything: true\n",
			wantErr: true,
		},
		{
			name:    "malformed duration",
			content: "bluetooth:\n  poll_interval: soon\n",
			wantErr: true,
		},
		{
			name:    "duration given as number",
			content: "bluetooth:\n  poll_interval: 60\n",
			wantErr: true,
		},
		{
			name:    "invalid log level",
			content: "logging:\n  level: chatty\n",
			wantErr: true,
		},
		{
			name:    "threshold above 100",
			content: "notifications:\n  low_battery_threshold: 101\n",
			wantErr: true,
		},
		{
			name:      "influxdb enabled without url",
			content:   "influxdb:\n  enabled: true\n  organization: home\n  bucket: b\n",
			wantErr:   true,
			wantInMsg: "url",
		},
		{
			name:    "influxdb disabled without url",
			content: "influxdb:\n  enabled: false\n",
		},
		{
			name:    "not yaml",
			content: "bluetooth: [unterminated\n",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateBytesWithSchema([]byte(tt.content))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateBytesWithSchema() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantInMsg != "" && !strings.Contains(err.Error(), tt.wantInMsg) {
				t.Errorf("error %q does not mention %q", err, tt.wantInMsg)
			}
		})
	}
}

func TestValidateWithSchema_FileNotFound(t *testing.T) {
	if err := ValidateWithSchema(filepath.Join(t.TempDir(), "nonexistent.yaml")); err == nil {
		t.Error("ValidateWithSchema() should fail with nonexistent file")
	}
}

func TestValidateWithSchema_ExampleConfig(t *testing.T) {
	if _, err := os.Stat("../config.yaml.example"); err != nil {
		t.Skip("example config not present")
	}
	if err := ValidateWithSchema("../config.yaml.example"); err != nil {
		t.Errorf("example config does not match schema: %v", err)
	}
}

func TestGetSchemaJSON(t *testing.T) {
	var schema map[string]any
	if err := json.Unmarshal([]byte(GetSchemaJSON()), &schema); err != nil {
		t.Fatalf("embedded schema is not valid JSON: %v", err)
	}
	props, ok := schema["properties"].(map[string]any)
	if !ok {
		t.Fatal("schema has no properties")
	}
	for _, section := range []string{"history", "estimator", "bluetooth", "network", "logging", "server", "notifications", "influxdb"} {
		if _, ok := props[section]; !ok {
			t.Errorf("schema is missing section %q", section)
		}
	}
}

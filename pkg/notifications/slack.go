// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package notifications delivers alerts for events a user may want to hear
// about while the widget runs unattended.
//
// Alerts go to a Slack Incoming Webhook configured through SLACK_WEBHOOK_URL
// or notifications.slack_webhook_url. An empty URL disables the notifier and
// every send becomes a no-op.
//
// Automatic alerts:
//   - a device battery dropping below the low-battery threshold
//   - the Bluetooth stack becoming unavailable (every source failing)
//   - InfluxDB export failure and recovery
//   - the export spool filling up
//
// Delivery failures are returned to the caller, which logs them; they never
// interrupt polling. The notifier is safe for concurrent use.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	apperrors "github.com/soothill/froggy/pkg/errors"
	"github.com/soothill/froggy/pkg/logger"
)

const footer = "Froggy"

// SlackNotifier sends notifications to Slack via webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
	enabled    bool
}

// SlackMessage represents a Slack webhook message payload
type SlackMessage struct {
	Text        string       `json:"text,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment represents a Slack attachment
type Attachment struct {
	Color  string `json:"color,omitempty"`
	Title  string `json:"title,omitempty"`
	Text   string `json:"text,omitempty"`
	Footer string `json:"footer,omitempty"`
	Ts     int64  `json:"ts,omitempty"`
}

// NewSlackNotifier creates a new Slack notifier
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		enabled: webhookURL != "",
	}
}

// IsEnabled returns whether Slack notifications are enabled
func (s *SlackNotifier) IsEnabled() bool {
	return s.enabled
}

// SendMessage sends a simple text message to Slack
func (s *SlackNotifier) SendMessage(ctx context.Context, message string) error {
	if !s.enabled {
		logger.Debug().Msg("Slack notifications disabled, skipping message")
		return nil
	}
	return s.sendPayload(ctx, SlackMessage{Text: message})
}

// SendAlert sends a formatted alert to Slack
func (s *SlackNotifier) SendAlert(ctx context.Context, severity, title, message string) error {
	if !s.enabled {
		logger.Debug().Str("title", title).Msg("Slack notifications disabled, skipping alert")
		return nil
	}

	payload := SlackMessage{
		Attachments: []Attachment{
			{
				Color:  severityToColor(severity),
				Title:  title,
				Text:   message,
				Footer: footer,
				Ts:     time.Now().Unix(),
			},
		},
	}
	return s.sendPayload(ctx, payload)
}

// SendLowBattery sends an alert when a device battery crosses the threshold
func (s *SlackNotifier) SendLowBattery(ctx context.Context, deviceName string, level, threshold int, summary string) error {
	msg := fmt.Sprintf("%s is at %d%% (threshold %d%%).", deviceName, level, threshold)
	if summary != "" {
		msg += "\n" + summary
	}
	return s.SendAlert(ctx, "warning", "🔋 Low Battery: "+deviceName, msg)
}

// SendBluetoothFailure sends an alert when no Bluetooth source could be read
func (s *SlackNotifier) SendBluetoothFailure(ctx context.Context, err error) error {
	return s.SendAlert(ctx, "danger", "⚠️ Bluetooth Unavailable",
		fmt.Sprintf("Could not read any Bluetooth device source: %v\nCheck that Bluetooth is turned on.", err))
}

// SendInfluxDBFailure sends an alert when InfluxDB connection fails
func (s *SlackNotifier) SendInfluxDBFailure(ctx context.Context, err error) error {
	return s.SendAlert(ctx, "danger", "⚠️ InfluxDB Export Failure",
		fmt.Sprintf("Failed to write battery readings to InfluxDB: %v\nReadings will be spooled locally until the connection is restored.", err))
}

// SendInfluxDBRecovery sends an alert when InfluxDB connection recovers
func (s *SlackNotifier) SendInfluxDBRecovery(ctx context.Context) error {
	return s.SendAlert(ctx, "good", "✅ InfluxDB Export Restored",
		"Connection to InfluxDB has been restored. Spooled readings will be replayed.")
}

// SendSpoolWarning sends an alert when the export spool is nearly full
func (s *SlackNotifier) SendSpoolWarning(ctx context.Context, size, maxSize int64) error {
	percentage := float64(size) / float64(maxSize) * 100
	return s.SendAlert(ctx, "warning", "⚠️ Export Spool Usage High",
		fmt.Sprintf("Spool size: %d bytes (%.1f%% of max %d bytes)\nInfluxDB may be unavailable for an extended period.",
			size, percentage, maxSize))
}

func (s *SlackNotifier) sendPayload(ctx context.Context, payload SlackMessage) error {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return apperrors.NewNotificationError("slack", fmt.Errorf("failed to marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return apperrors.NewNotificationError("slack", fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return apperrors.NewNotificationError("slack", fmt.Errorf("failed to send request: %w", err))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return apperrors.NewNotificationError("slack", fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}

	if len(payload.Attachments) > 0 {
		logger.Debug().Str("title", payload.Attachments[0].Title).Msg("Slack notification sent successfully")
	} else {
		logger.Debug().Str("text", payload.Text).Msg("Slack notification sent successfully")
	}
	return nil
}

// severityToColor maps severity levels to Slack colors
func severityToColor(severity string) string {
	switch severity {
	case "danger", "error":
		return "danger"
	case "warning", "warn":
		return "warning"
	case "good", "success":
		return "good"
	default:
		return "#808080"
	}
}

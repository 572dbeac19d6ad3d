// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/soothill/froggy/pkg/errors"
	"github.com/soothill/froggy/pkg/logger"
	"github.com/soothill/froggy/pkg/metrics"
)

// Hands-free and headset RFCOMM service classes a headset may answer on.
var DefaultProbeServices = []string{
	"0000111E-0000-1000-8000-00805F9B34FB", // Hands-Free
	"0000111F-0000-1000-8000-00805F9B34FB", // Hands-Free Audio Gateway
	"00001108-0000-1000-8000-00805F9B34FB", // Headset
	"00001112-0000-1000-8000-00805F9B34FB", // Headset Audio Gateway
}

const (
	atOKReply           = "\r\nOK\r\n"
	atReadBufferSize    = 2048
	defaultListenWindow = 4 * time.Second
)

var errNoBatteryReport = errors.New("no battery report received")

// ParseATBattery looks for a battery report in accumulated AT-command traffic.
// It understands the Apple accessory extension (AT+IPHONEACCEV, key 1 carries
// 0-9 meaning 10-100%) and the HFP battery indicator (+BIEV: 2,<0-100>).
func ParseATBattery(data string) (int, bool) {
	if strings.Contains(data, "IPHONEACCEV") {
		if level, ok := parseIPhoneAccev(data); ok {
			return level, true
		}
	}
	if strings.Contains(data, "+BIEV") {
		if level, ok := parseBIEV(data); ok {
			return level, true
		}
	}
	return 0, false
}

// parseIPhoneAccev parses "AT+IPHONEACCEV=<pairs>,<key>,<value>,...".
func parseIPhoneAccev(data string) (int, bool) {
	idx := strings.Index(data, "IPHONEACCEV")
	cmd := data[idx:]
	eq := strings.IndexByte(cmd, '=')
	if eq < 0 {
		return 0, false
	}

	values := splitATValues(cmd[eq+1:])
	if len(values) < 3 {
		return 0, false
	}

	pairs, err := strconv.Atoi(strings.TrimSpace(values[0]))
	if err != nil || pairs < 1 {
		return 0, false
	}

	for i := 0; i < pairs && i*2+2 < len(values); i++ {
		key, err := strconv.Atoi(strings.TrimSpace(values[i*2+1]))
		if err != nil || key != 1 {
			continue
		}
		level, err := strconv.Atoi(strings.TrimSpace(values[i*2+2]))
		if err != nil || level < 0 || level > 9 {
			return 0, false
		}
		return (level + 1) * 10, true
	}
	return 0, false
}

// parseBIEV parses "+BIEV: 2,<level>" and the "AT+BIEV=2,<level>" form.
func parseBIEV(data string) (int, bool) {
	idx := strings.Index(data, "+BIEV")
	rest := data[idx+len("+BIEV"):]
	if rest == "" || (rest[0] != ':' && rest[0] != '=') {
		return 0, false
	}

	parts := splitATValues(strings.TrimSpace(rest[1:]))
	if len(parts) < 2 {
		return 0, false
	}
	indicator, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || indicator != 2 {
		return 0, false
	}
	level, err := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err != nil || level < 0 || level > 100 {
		return 0, false
	}
	return level, true
}

func splitATValues(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\r' || r == '\n' })
}

// RFCOMMDialer opens an RFCOMM stream to a service class of a device.
type RFCOMMDialer interface {
	DialRFCOMM(ctx context.Context, addr Address, serviceUUID string) (io.ReadWriteCloser, error)
}

// ATProberOptions configures an ATProber.
type ATProberOptions struct {
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	// ListenWindow bounds how long one service is listened to.
	ListenWindow time.Duration
	Services     []string
}

// ATProber reads a headset's battery by impersonating a hands-free gateway:
// it connects to the headset's RFCOMM service, acknowledges every AT command
// the headset sends, and waits for a battery report.
type ATProber struct {
	dialer RFCOMMDialer
	opts   ATProberOptions
}

// NewATProber creates a prober. Zero options select 3s connect, 5s read,
// a 4s listen window and DefaultProbeServices.
func NewATProber(dialer RFCOMMDialer, opts ATProberOptions) *ATProber {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 3 * time.Second
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 5 * time.Second
	}
	if opts.ListenWindow <= 0 {
		opts.ListenWindow = defaultListenWindow
	}
	if len(opts.Services) == 0 {
		opts.Services = DefaultProbeServices
	}
	return &ATProber{dialer: dialer, opts: opts}
}

// Probe tries each service in turn and returns the first battery level read.
func (p *ATProber) Probe(ctx context.Context, addr Address) (int, error) {
	var lastErr error = errNoBatteryReport

	for _, service := range p.opts.Services {
		if err := ctx.Err(); err != nil {
			return 0, apperrors.NewSourceError(SourceATCommand, "probe "+addr.String(), err)
		}

		level, err := p.probeService(ctx, addr, service)
		if err == nil {
			metrics.ProbeAttempts.WithLabelValues("ok").Inc()
			logger.Debug().Str("address", addr.String()).Str("service", service).Int("level", level).
				Msg("AT-command battery probe succeeded")
			return level, nil
		}
		lastErr = err
		logger.Debug().Err(err).Str("address", addr.String()).Str("service", service).
			Msg("AT-command battery probe failed for service")
	}

	metrics.ProbeAttempts.WithLabelValues("failed").Inc()
	return 0, apperrors.NewSourceError(SourceATCommand, "probe "+addr.String(), lastErr)
}

func (p *ATProber) probeService(ctx context.Context, addr Address, service string) (int, error) {
	dialCtx, cancelDial := context.WithTimeout(ctx, p.opts.ConnectTimeout)
	conn, err := p.dialer.DialRFCOMM(dialCtx, addr, service)
	cancelDial()
	if err != nil {
		return 0, fmt.Errorf("connect: %w", err)
	}
	defer func() { _ = conn.Close() }()

	readCtx, cancelRead := context.WithTimeout(ctx, p.opts.ReadTimeout)
	defer cancelRead()

	// Closing the stream is the only portable way to unblock a pending read or write.
	stop := context.AfterFunc(readCtx, func() { _ = conn.Close() })
	defer stop()

	return ListenForBattery(readCtx, conn, p.opts.ListenWindow)
}

// ListenForBattery reads AT traffic from conn, answers each chunk with OK,
// and returns as soon as a battery report has been seen. It gives up after
// window, when ctx ends, or when the stream fails.
func ListenForBattery(ctx context.Context, conn io.ReadWriter, window time.Duration) (int, error) {
	chunks := make(chan []byte)
	readErr := make(chan error, 1)

	go func() {
		buf := make([]byte, atReadBufferSize)
		for {
			n, err := conn.Read(buf)
			if n > 0 {
				chunk := append([]byte(nil), buf[:n]...)
				select {
				case chunks <- chunk:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				readErr <- err
				return
			}
		}
	}()

	timer := time.NewTimer(window)
	defer timer.Stop()

	var accumulated strings.Builder
	for {
		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("%w: %w", apperrors.ErrTimeout, ctx.Err())
		case <-timer.C:
			return 0, errNoBatteryReport
		case err := <-readErr:
			return 0, fmt.Errorf("read: %w", err)
		case chunk := <-chunks:
			accumulated.Write(chunk)
			if _, err := io.WriteString(conn, atOKReply); err != nil {
				return 0, fmt.Errorf("reply: %w", err)
			}
			if level, ok := ParseATBattery(accumulated.String()); ok {
				return level, nil
			}
		}
	}
}

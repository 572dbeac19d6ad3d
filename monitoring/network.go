// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package monitoring

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"

	"github.com/soothill/froggy/pkg/logger"
	"github.com/soothill/froggy/pkg/metrics"
)

const (
	minSampleInterval    = 100 * time.Millisecond
	defaultNetworkPeriod = 5 * time.Second
	defaultPingTarget    = "8.8.8.8"
	defaultPingTimeout   = time.Second
	noConnectionAdapter  = "No Connection"
)

// pingUnavailable is the PingMs value when no echo reply arrived.
const pingUnavailable int64 = -1

// InterfaceCounters are the cumulative byte counters of one network interface.
type InterfaceCounters struct {
	Name      string
	Wireless  bool
	BytesRecv uint64
	BytesSent uint64
}

// CounterSource finds the active interface and reads its counters.
type CounterSource interface {
	// ActiveInterface returns false when no suitable interface is up.
	ActiveInterface(ctx context.Context) (InterfaceCounters, bool, error)
}

// Pinger measures a round trip to target.
type Pinger interface {
	Ping(ctx context.Context, target string, timeout time.Duration) (time.Duration, error)
}

// NetworkStats is the latest throughput sample.
type NetworkStats struct {
	Connected   bool      `json:"connected"`
	Adapter     string    `json:"adapter"`
	DownloadBps float64   `json:"download_bps"`
	UploadBps   float64   `json:"upload_bps"`
	PingMs      int64     `json:"ping_ms"`
	Timestamp   time.Time `json:"timestamp"`
}

// Summary renders the stats as "↓12.0 Mbps ↑1.5 Mbps | 23ms".
func (s NetworkStats) Summary() string {
	if !s.Connected {
		return noConnectionAdapter
	}
	ping := "N/A"
	if s.PingMs >= 0 {
		ping = fmt.Sprintf("%dms", s.PingMs)
	}
	return fmt.Sprintf("↓%s ↑%s | %s", FormatSpeed(s.DownloadBps), FormatSpeed(s.UploadBps), ping)
}

// FormatSpeed formats a byte rate as bits per second with a decimal unit.
func FormatSpeed(bytesPerSecond float64) string {
	bits := bytesPerSecond * 8
	switch {
	case bits >= 1e9:
		return fmt.Sprintf("%.1f Gbps", bits/1e9)
	case bits >= 1e6:
		return fmt.Sprintf("%.1f Mbps", bits/1e6)
	case bits >= 1e3:
		return fmt.Sprintf("%.1f Kbps", bits/1e3)
	default:
		return fmt.Sprintf("%.0f bps", bits)
	}
}

// NetworkOptions configures a NetworkMonitor.
type NetworkOptions struct {
	Counters    CounterSource
	Pinger      Pinger
	Interval    time.Duration
	PingTarget  string
	PingTimeout time.Duration
	Clock       func() time.Time
}

// NetworkMonitor samples interface counters and turns deltas into rates.
type NetworkMonitor struct {
	opts NetworkOptions

	mu       sync.RWMutex
	stats    NetworkStats
	lastRecv uint64
	lastSent uint64
	lastAt   time.Time
	primed   bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNetworkMonitor creates a monitor. Nil Counters and Pinger select the
// gopsutil and ICMP implementations.
func NewNetworkMonitor(opts NetworkOptions) *NetworkMonitor {
	if opts.Counters == nil {
		opts.Counters = GopsutilCounters{}
	}
	if opts.Pinger == nil {
		opts.Pinger = ICMPPinger{}
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultNetworkPeriod
	}
	if opts.PingTarget == "" {
		opts.PingTarget = defaultPingTarget
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = defaultPingTimeout
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	return &NetworkMonitor{opts: opts, stats: NetworkStats{Adapter: "Unknown", PingMs: pingUnavailable}}
}

// Start samples once per interval until ctx is cancelled or Stop is called.
func (n *NetworkMonitor) Start(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ticker := time.NewTicker(n.opts.Interval)
		defer ticker.Stop()

		n.Update(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n.Update(ctx)
			}
		}
	}()
}

// Stop ends sampling.
func (n *NetworkMonitor) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
}

// Latest returns the most recent sample.
func (n *NetworkMonitor) Latest() NetworkStats {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.stats
}

// Update takes one sample. Samples closer than 100ms to the previous one
// keep the previous rates; counter resets count as zero traffic.
func (n *NetworkMonitor) Update(ctx context.Context) NetworkStats {
	counters, ok, err := n.opts.Counters.ActiveInterface(ctx)
	now := n.opts.Clock()

	n.mu.Lock()
	switch {
	case err != nil:
		logger.Debug().Err(err).Msg("Failed to read network counters")
		n.stats.Connected = false
	case !ok:
		n.stats = NetworkStats{Adapter: noConnectionAdapter, PingMs: n.stats.PingMs, Timestamp: now}
		n.primed = false
	default:
		n.stats.Connected = true
		n.stats.Adapter = counters.Name
		n.stats.Timestamp = now
		if !n.primed {
			n.lastRecv, n.lastSent, n.lastAt, n.primed = counters.BytesRecv, counters.BytesSent, now, true
		} else if elapsed := now.Sub(n.lastAt); elapsed > minSampleInterval {
			secs := elapsed.Seconds()
			n.stats.DownloadBps = float64(counterDelta(counters.BytesRecv, n.lastRecv)) / secs
			n.stats.UploadBps = float64(counterDelta(counters.BytesSent, n.lastSent)) / secs
			n.lastRecv, n.lastSent, n.lastAt = counters.BytesRecv, counters.BytesSent, now
		}
	}
	connected := n.stats.Connected
	n.mu.Unlock()

	ping := pingUnavailable
	if connected {
		if rtt, pingErr := n.opts.Pinger.Ping(ctx, n.opts.PingTarget, n.opts.PingTimeout); pingErr == nil {
			ping = rtt.Milliseconds()
		} else {
			logger.Debug().Err(pingErr).Str("target", n.opts.PingTarget).Msg("Ping failed")
		}
	}

	n.mu.Lock()
	n.stats.PingMs = ping
	stats := n.stats
	n.mu.Unlock()

	metrics.NetworkDownload.Set(stats.DownloadBps)
	metrics.NetworkUpload.Set(stats.UploadBps)
	metrics.NetworkPing.Set(float64(stats.PingMs))
	return stats
}

func counterDelta(cur, prev uint64) uint64 {
	if cur < prev {
		return 0
	}
	return cur - prev
}

// GopsutilCounters reads interface state and counters through gopsutil.
// Wireless interfaces are preferred over wired ones.
type GopsutilCounters struct{}

// ActiveInterface implements CounterSource.
func (GopsutilCounters) ActiveInterface(ctx context.Context) (InterfaceCounters, bool, error) {
	ifaces, err := psnet.InterfacesWithContext(ctx)
	if err != nil {
		return InterfaceCounters{}, false, fmt.Errorf("list interfaces: %w", err)
	}
	name, wireless, ok := pickInterface(ifaces)
	if !ok {
		return InterfaceCounters{}, false, nil
	}

	counters, err := psnet.IOCountersWithContext(ctx, true)
	if err != nil {
		return InterfaceCounters{}, false, fmt.Errorf("read counters: %w", err)
	}
	for _, c := range counters {
		if c.Name == name {
			return InterfaceCounters{Name: name, Wireless: wireless, BytesRecv: c.BytesRecv, BytesSent: c.BytesSent}, true, nil
		}
	}
	return InterfaceCounters{}, false, nil
}

func pickInterface(ifaces psnet.InterfaceStatList) (string, bool, bool) {
	var wired string
	for _, iface := range ifaces {
		if !hasFlag(iface.Flags, "up") || hasFlag(iface.Flags, "loopback") || len(iface.Addrs) == 0 {
			continue
		}
		if isWirelessName(iface.Name) {
			return iface.Name, true, true
		}
		if wired == "" && !isVirtualName(iface.Name) {
			wired = iface.Name
		}
	}
	return wired, false, wired != ""
}

func hasFlag(flags []string, want string) bool {
	for _, f := range flags {
		if strings.EqualFold(f, want) {
			return true
		}
	}
	return false
}

func isWirelessName(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasPrefix(lower, "wl") || strings.Contains(lower, "wi-fi") ||
		strings.Contains(lower, "wireless") || strings.Contains(lower, "wlan")
}

func isVirtualName(name string) bool {
	lower := strings.ToLower(name)
	for _, v := range []string{"docker", "veth", "vethernet", "virtualbox", "vmware", "tun", "tap", "br-"} {
		if strings.HasPrefix(lower, v) {
			return true
		}
	}
	return false
}

// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	psnet "github.com/shirou/gopsutil/v4/net"
	"github.com/stretchr/testify/assert"

	apperrors "github.com/soothill/froggy/pkg/errors"
)

type scriptedCounters struct {
	samples []InterfaceCounters
	up      bool
	err     error
	i       int
}

func (s *scriptedCounters) ActiveInterface(context.Context) (InterfaceCounters, bool, error) {
	if s.err != nil || !s.up {
		return InterfaceCounters{}, false, s.err
	}
	c := s.samples[s.i]
	if s.i < len(s.samples)-1 {
		s.i++
	}
	return c, true, nil
}

type fakePinger struct {
	rtt time.Duration
	err error
}

func (p fakePinger) Ping(context.Context, string, time.Duration) (time.Duration, error) {
	return p.rtt, p.err
}

func TestFormatSpeed(t *testing.T) {
	tests := []struct {
		bytesPerSec float64
		want        string
	}{
		{0, "0 bps"},
		{100, "800 bps"},
		{125, "1.0 Kbps"},
		{1_500_000 / 8, "1.5 Mbps"},
		{125_000_000, "1.0 Gbps"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatSpeed(tt.bytesPerSec))
	}
}

func TestNetworkStats_Summary(t *testing.T) {
	assert.Equal(t, "No Connection", NetworkStats{}.Summary())
	assert.Equal(t, "↓1.0 Mbps ↑800 bps | 23ms",
		NetworkStats{Connected: true, DownloadBps: 125_000, UploadBps: 100, PingMs: 23}.Summary())
	assert.Equal(t, "↓0 bps ↑0 bps | N/A", NetworkStats{Connected: true, PingMs: -1}.Summary())
}

func TestNetworkMonitor_Rates(t *testing.T) {
	c := &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	counters := &scriptedCounters{up: true, samples: []InterfaceCounters{
		{Name: "Wi-Fi", Wireless: true, BytesRecv: 1_000, BytesSent: 500},
		{Name: "Wi-Fi", Wireless: true, BytesRecv: 11_000, BytesSent: 2_500},
		{Name: "Wi-Fi", Wireless: true, BytesRecv: 12_000, BytesSent: 2_600},
		{Name: "Wi-Fi", Wireless: true, BytesRecv: 100, BytesSent: 50},
	}}
	n := NewNetworkMonitor(NetworkOptions{Counters: counters, Pinger: fakePinger{rtt: 23 * time.Millisecond}, Clock: c.Now})

	s := n.Update(context.Background())
	assert.True(t, s.Connected)
	assert.Equal(t, "Wi-Fi", s.Adapter)
	assert.Zero(t, s.DownloadBps)
	assert.Equal(t, int64(23), s.PingMs)

	c.Advance(2 * time.Second)
	s = n.Update(context.Background())
	assert.InDelta(t, 5_000, s.DownloadBps, 0.001)
	assert.InDelta(t, 1_000, s.UploadBps, 0.001)

	// Too soon after the previous sample: rates are kept.
	c.Advance(50 * time.Millisecond)
	s = n.Update(context.Background())
	assert.InDelta(t, 5_000, s.DownloadBps, 0.001)

	// Counter reset.
	c.Advance(time.Second)
	s = n.Update(context.Background())
	assert.Zero(t, s.DownloadBps)
	assert.Zero(t, s.UploadBps)
	assert.Equal(t, s, n.Latest())
}

func TestNetworkMonitor_NoInterface(t *testing.T) {
	n := NewNetworkMonitor(NetworkOptions{Counters: &scriptedCounters{}, Pinger: fakePinger{rtt: time.Millisecond}})

	s := n.Update(context.Background())
	assert.False(t, s.Connected)
	assert.Equal(t, "No Connection", s.Adapter)
	assert.Equal(t, int64(-1), s.PingMs)
	assert.Equal(t, "No Connection", s.Summary())
}

func TestNetworkMonitor_PingFailure(t *testing.T) {
	counters := &scriptedCounters{up: true, samples: []InterfaceCounters{{Name: "eth0"}}}
	n := NewNetworkMonitor(NetworkOptions{Counters: counters, Pinger: fakePinger{err: errors.New("unreachable")}})

	s := n.Update(context.Background())
	assert.True(t, s.Connected)
	assert.Equal(t, int64(-1), s.PingMs)
}

func TestNetworkMonitor_CounterError(t *testing.T) {
	n := NewNetworkMonitor(NetworkOptions{Counters: &scriptedCounters{err: errors.New("boom")}, Pinger: fakePinger{}})
	s := n.Update(context.Background())
	assert.False(t, s.Connected)
}

func TestPickInterface(t *testing.T) {
	addr := psnet.InterfaceAddrList{{Addr: "192.168.1.10/24"}}
	ifaces := psnet.InterfaceStatList{
		{Name: "lo", Flags: []string{"up", "loopback"}, Addrs: addr},
		{Name: "docker0", Flags: []string{"up"}, Addrs: addr},
		{Name: "eth0", Flags: []string{"up"}, Addrs: addr},
		{Name: "wlan0", Flags: []string{"up"}, Addrs: addr},
		{Name: "eth1", Flags: []string{}, Addrs: addr},
	}

	name, wireless, ok := pickInterface(ifaces)
	assert.True(t, ok)
	assert.True(t, wireless)
	assert.Equal(t, "wlan0", name)

	name, wireless, ok = pickInterface(ifaces[:3])
	assert.True(t, ok)
	assert.False(t, wireless)
	assert.Equal(t, "eth0", name)

	_, _, ok = pickInterface(ifaces[:2])
	assert.False(t, ok)
}

func TestNetworkMonitor_Defaults(t *testing.T) {
	n := NewNetworkMonitor(NetworkOptions{})
	assert.IsType(t, GopsutilCounters{}, n.opts.Counters)
	assert.IsType(t, ICMPPinger{}, n.opts.Pinger)
	assert.Equal(t, "8.8.8.8", n.opts.PingTarget)
	assert.Equal(t, time.Second, n.opts.PingTimeout)
	assert.Equal(t, 5*time.Second, n.opts.Interval)
}

func TestICMPPinger_UnresolvableTarget(t *testing.T) {
	_, err := ICMPPinger{}.Ping(context.Background(), "froggy.invalid", 100*time.Millisecond)

	assert.True(t, apperrors.IsNetworkError(err), "got %v", err)
}

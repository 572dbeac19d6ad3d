// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	apperrors "github.com/soothill/froggy/pkg/errors"
)

const protocolICMP = 1

var pingSeq atomic.Uint32

// ICMPPinger sends one ICMP echo request per Ping. It uses an unprivileged
// datagram socket where the OS allows it and falls back to a raw socket.
type ICMPPinger struct{}

// Ping implements Pinger.
func (ICMPPinger) Ping(ctx context.Context, target string, timeout time.Duration) (time.Duration, error) {
	ip, err := net.ResolveIPAddr("ip4", target)
	if err != nil {
		return 0, apperrors.NewNetworkError("resolve", target, err)
	}

	conn, dst, err := listenICMP(ip)
	if err != nil {
		return 0, apperrors.NewNetworkError("listen", target, err)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, apperrors.NewNetworkError("deadline", target, err)
	}

	seq := int(pingSeq.Add(1) & 0xffff)
	msg := icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: os.Getpid() & 0xffff, Seq: seq, Data: []byte("froggy")},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		return 0, apperrors.NewNetworkError("marshal", target, err)
	}

	start := time.Now()
	if _, err := conn.WriteTo(wire, dst); err != nil {
		return 0, apperrors.NewNetworkError("send", target, err)
	}

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return 0, apperrors.NewNetworkError("receive", target, apperrors.ErrTimeout)
			}
			return 0, apperrors.NewNetworkError("receive", target, err)
		}
		reply, err := icmp.ParseMessage(protocolICMP, buf[:n])
		if err != nil || reply.Type != ipv4.ICMPTypeEchoReply {
			continue
		}
		if echo, ok := reply.Body.(*icmp.Echo); ok && echo.Seq == seq {
			return time.Since(start), nil
		}
	}
}

func listenICMP(ip *net.IPAddr) (*icmp.PacketConn, net.Addr, error) {
	conn, err := icmp.ListenPacket("udp4", "0.0.0.0")
	if err == nil {
		return conn, &net.UDPAddr{IP: ip.IP}, nil
	}
	raw, rawErr := icmp.ListenPacket("ip4:icmp", "0.0.0.0")
	if rawErr != nil {
		return nil, nil, fmt.Errorf("udp4: %v; ip4:icmp: %w", err, rawErr)
	}
	return raw, ip, nil
}

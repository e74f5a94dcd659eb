package sparkio

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"syscall"
	"time"

	"github.com/cabelitos/openr/perf"
	"github.com/cabelitos/openr/state"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"
)

// UDPProvider is the production Provider: one v6-only UDP socket bound to
// [::]:<port>, draining the spark multicast group on every joined
// interface.
//
// Receive timestamps are taken when the read returns; the Go net stack
// does not surface SCM_TIMESTAMPNS, and RTT is rounded to millisecond
// granularity upstream anyway.
type UDPProvider struct {
	conn *net.UDPConn
	pc   *ipv6.PacketConn
	log  *slog.Logger

	group netip.Addr
	port  uint16
}

// NewUDPProvider opens and configures the shared discovery socket.
func NewUDPProvider(port uint16, ipTos *int, log *slog.Logger) (*UDPProvider, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var soErr error
			err := c.Control(func(fd uintptr) {
				// allow co-resident listeners on the spark port
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					soErr = fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
					return
				}
				if err := unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 1); err != nil {
					soErr = fmt.Errorf("setsockopt IPV6_V6ONLY: %w", err)
					return
				}
			})
			if err != nil {
				return err
			}
			return soErr
		},
	}

	conn, err := lc.ListenPacket(context.Background(), "udp6", fmt.Sprintf("[::]:%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind discovery socket: %w", err)
	}
	udpConn := conn.(*net.UDPConn)

	pc := ipv6.NewPacketConn(udpConn)
	if err := pc.SetControlMessage(ipv6.FlagHopLimit|ipv6.FlagInterface|ipv6.FlagSrc, true); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("enable control messages: %w", err)
	}
	// send with maximum TTL so receivers can reject off-link spoofing
	if err := pc.SetMulticastHopLimit(state.SparkHopLimit); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("set multicast hop limit: %w", err)
	}
	// we never want to hear our own multicasts
	if err := pc.SetMulticastLoopback(false); err != nil {
		udpConn.Close()
		return nil, fmt.Errorf("disable multicast loopback: %w", err)
	}
	if ipTos != nil {
		if err := pc.SetTrafficClass(*ipTos); err != nil {
			udpConn.Close()
			return nil, fmt.Errorf("set traffic class: %w", err)
		}
	}

	return &UDPProvider{
		conn:  udpConn,
		pc:    pc,
		log:   log,
		group: state.SparkMcastAddr,
		port:  port,
	}, nil
}

func (p *UDPProvider) groupAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: p.group.AsSlice()}
}

func (p *UDPProvider) Join(ifIndex int) error {
	if err := p.pc.JoinGroup(&net.Interface{Index: ifIndex}, p.groupAddr()); err != nil {
		return err
	}
	p.log.Info("joined multicast group", "group", p.group, "ifIndex", ifIndex)
	return nil
}

func (p *UDPProvider) Leave(ifIndex int) error {
	if err := p.pc.LeaveGroup(&net.Interface{Index: ifIndex}, p.groupAddr()); err != nil {
		return err
	}
	p.log.Info("left multicast group", "group", p.group, "ifIndex", ifIndex)
	return nil
}

func (p *UDPProvider) Recv() (Datagram, error) {
	// one byte of headroom turns an oversize datagram into a detectable
	// truncation instead of a silent one
	buf := make([]byte, state.MaxPacketSize+1)
	n, cm, src, err := p.pc.ReadFrom(buf)
	if err != nil {
		return Datagram{}, err
	}
	recvTime := time.Now()
	perf.RecvPacketPerSecond.Add(1)
	perf.RecvBytesPerSecond.Add(float64(n))

	if n > state.MaxPacketSize {
		return Datagram{}, ErrTruncated
	}

	dgram := Datagram{
		Data:     buf[:n],
		RecvTime: recvTime,
	}
	if udpSrc, ok := src.(*net.UDPAddr); ok {
		if addr, ok := netip.AddrFromSlice(udpSrc.IP); ok {
			dgram.Src = addr.Unmap()
		}
	}
	if cm != nil {
		dgram.IfIndex = cm.IfIndex
		dgram.HopLimit = cm.HopLimit
	}

	if dgram.HopLimit < state.SparkHopLimit {
		return dgram, fmt.Errorf("%w: got %d from %s", ErrLowHopLimit, dgram.HopLimit, dgram.Src)
	}
	return dgram, nil
}

func (p *UDPProvider) Send(ifIndex int, src netip.Addr, dst netip.AddrPort, payload []byte) (int, error) {
	if len(payload) > state.MaxPacketSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrOversizePayload, len(payload))
	}
	cm := &ipv6.ControlMessage{
		IfIndex: ifIndex,
		Src:     src.AsSlice(),
	}
	dstAddr := &net.UDPAddr{IP: dst.Addr().AsSlice(), Port: int(dst.Port())}
	n, err := p.pc.WriteTo(payload, cm, dstAddr)
	if err != nil {
		return n, err
	}
	perf.SentPacketPerSecond.Add(1)
	perf.SentBytesPerSecond.Add(float64(n))
	return n, nil
}

func (p *UDPProvider) Close() error {
	return p.conn.Close()
}

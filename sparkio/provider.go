// Package sparkio owns the shared IPv6 UDP multicast socket used for
// neighbor discovery. The Provider interface is the narrow capability
// surface the engine talks to; tests substitute an in-memory fake.
package sparkio

import (
	"errors"
	"net/netip"
	"time"
)

var (
	// ErrOversizePayload rejects outbound payloads above the minimum
	// IPv6 MTU.
	ErrOversizePayload = errors.New("payload exceeds the minimum IPv6 MTU")

	// ErrLowHopLimit flags inbound datagrams whose hop limit shows they
	// crossed a router; link-local spark traffic always carries 255.
	ErrLowHopLimit = errors.New("hop limit below 255")

	// ErrTruncated flags inbound datagrams larger than MaxPacketSize.
	ErrTruncated = errors.New("datagram truncated")
)

// Datagram is one received packet plus its receive metadata.
type Datagram struct {
	Data     []byte
	IfIndex  int
	Src      netip.Addr
	HopLimit int
	RecvTime time.Time
}

// Provider sends and receives spark datagrams on one shared socket.
type Provider interface {
	// Join adds membership of the spark multicast group on an interface.
	Join(ifIndex int) error
	// Leave removes membership of the spark multicast group.
	Leave(ifIndex int) error
	// Recv blocks for the next datagram. Datagrams carrying a hop limit
	// below 255 come back with ErrLowHopLimit so the caller can count
	// the drop. After Close, Recv fails with net.ErrClosed.
	Recv() (Datagram, error)
	// Send transmits payload out of the given interface from the given
	// link-local source address.
	Send(ifIndex int, src netip.Addr, dst netip.AddrPort, payload []byte) (int, error)
	Close() error
}

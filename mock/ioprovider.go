// Package mock provides an in-memory sparkio.Provider so engine tests can
// run whole multi-node topologies in one process. A Hub plays the role of
// the links: every datagram sent by one provider is delivered to every
// other provider joined to the same interface index.
package mock

import (
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/cabelitos/openr/sparkio"
	"github.com/cabelitos/openr/state"
)

type Hub struct {
	mu        sync.Mutex
	providers []*Provider
}

func NewHub() *Hub {
	return &Hub{}
}

// NewProvider registers a fake endpoint on the hub. addr is the
// link-local source address receivers will observe.
func (h *Hub) NewProvider(addr netip.Addr) *Provider {
	p := &Provider{
		hub:      h,
		addr:     addr,
		hopLimit: state.SparkHopLimit,
		inbox:    make(chan sparkio.Datagram, 1024),
		joined:   make(map[int]bool),
	}
	h.mu.Lock()
	h.providers = append(h.providers, p)
	h.mu.Unlock()
	return p
}

func (h *Hub) deliver(from *Provider, ifIndex int, payload []byte) {
	dgram := sparkio.Datagram{
		Data:     append([]byte(nil), payload...),
		IfIndex:  ifIndex,
		Src:      from.addr,
		HopLimit: from.hopLimit,
		RecvTime: time.Now(),
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, p := range h.providers {
		if p == from {
			continue
		}
		p.mu.Lock()
		if !p.closed && p.joined[ifIndex] {
			select {
			case p.inbox <- dgram:
			default:
				// a full inbox behaves like any congested link: drop
			}
		}
		p.mu.Unlock()
	}
}

type Provider struct {
	hub      *Hub
	addr     netip.Addr
	hopLimit int

	mu     sync.Mutex
	closed bool
	joined map[int]bool
	inbox  chan sparkio.Datagram
}

// SetHopLimit overrides the hop limit stamped on every datagram this
// provider sends, for spoofing-guard tests.
func (p *Provider) SetHopLimit(hopLimit int) {
	p.hopLimit = hopLimit
}

// Addr is the link-local source address peers observe.
func (p *Provider) Addr() netip.Addr {
	return p.addr
}

func (p *Provider) Join(ifIndex int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return net.ErrClosed
	}
	p.joined[ifIndex] = true
	return nil
}

func (p *Provider) Leave(ifIndex int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.joined, ifIndex)
	return nil
}

// Joined reports group membership, for reconciliation tests.
func (p *Provider) Joined(ifIndex int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.joined[ifIndex]
}

func (p *Provider) Recv() (sparkio.Datagram, error) {
	dgram, ok := <-p.inbox
	if !ok {
		return sparkio.Datagram{}, net.ErrClosed
	}
	if dgram.HopLimit < state.SparkHopLimit {
		return dgram, sparkio.ErrLowHopLimit
	}
	return dgram, nil
}

func (p *Provider) Send(ifIndex int, src netip.Addr, dst netip.AddrPort, payload []byte) (int, error) {
	if len(payload) > state.MaxPacketSize {
		return 0, sparkio.ErrOversizePayload
	}
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return 0, net.ErrClosed
	}
	p.hub.deliver(p, ifIndex, payload)
	return len(payload), nil
}

func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	close(p.inbox)
	return nil
}

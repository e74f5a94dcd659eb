// Package linkmon is a minimal interface-snapshot producer for the CLI.
// It polls the kernel's interface list and emits a full InterfaceDatabase
// whenever something changed. The real producer in a deployment is the
// platform link monitor; the engine only depends on the snapshot
// contract.
package linkmon

import (
	"context"
	"log/slog"
	"net"
	"net/netip"
	"reflect"
	"time"

	"github.com/cabelitos/openr/state"
)

type Poller struct {
	NodeName string
	Interval time.Duration
	Out      chan<- state.InterfaceDatabase
	Log      *slog.Logger

	last map[string]state.InterfaceInfo
}

func (p *Poller) snapshot() (state.InterfaceDatabase, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return state.InterfaceDatabase{}, err
	}

	db := state.InterfaceDatabase{
		ThisNodeName: p.NodeName,
		Interfaces:   make(map[string]state.InterfaceInfo, len(ifaces)),
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		info := state.InterfaceInfo{
			IsUp:    iface.Flags&net.FlagUp != 0,
			IfIndex: iface.Index,
		}
		addrs, err := iface.Addrs()
		if err != nil {
			p.Log.Warn("failed listing addresses", "interface", iface.Name, "error", err)
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			ip, ok := netip.AddrFromSlice(ipNet.IP)
			if !ok {
				continue
			}
			ones, _ := ipNet.Mask.Size()
			info.Networks = append(info.Networks, netip.PrefixFrom(ip.Unmap(), ones))
		}
		db.Interfaces[iface.Name] = info
	}
	return db, nil
}

// Run polls until the context dies, pushing a snapshot on every change.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		db, err := p.snapshot()
		if err != nil {
			p.Log.Error("failed snapshotting interfaces", "error", err)
		} else if !reflect.DeepEqual(db.Interfaces, p.last) {
			p.last = db.Interfaces
			select {
			case p.Out <- db:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return
		}
	}
}

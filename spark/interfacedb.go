package spark

import (
	"fmt"
	"math/rand/v2"
	"net/netip"
	"sort"
	"time"

	"github.com/cabelitos/openr/state"
)

// jitter spreads a period by ±20% so neighboring nodes do not
// synchronize their hellos.
func jitter(d time.Duration) time.Duration {
	return d + time.Duration((rand.Float64()*0.4-0.2)*float64(d))
}

// lowestPrefix picks the deterministic representative among qualifying
// networks; both ends of a link converge on the same choice.
func lowestPrefix(prefixes []netip.Prefix) netip.Prefix {
	best := prefixes[0]
	for _, p := range prefixes[1:] {
		if c := p.Addr().Compare(best.Addr()); c < 0 || (c == 0 && p.Bits() < best.Bits()) {
			best = p
		}
	}
	return best
}

// buildInterfaceEntry filters one snapshot entry down to a trackable
// interface, or nil when it does not qualify.
func (sp *Spark) buildInterfaceEntry(ifName string, info state.InterfaceInfo) *Interface {
	if !info.IsUp {
		return nil
	}

	var v4Networks, v6LinkLocalNetworks []netip.Prefix
	for _, network := range info.Networks {
		addr := network.Addr()
		switch {
		case addr.Is4():
			v4Networks = append(v4Networks, network)
		case addr.Is6() && addr.IsLinkLocalUnicast():
			v6LinkLocalNetworks = append(v6LinkLocalNetworks, network)
		}
	}

	if len(v6LinkLocalNetworks) == 0 {
		sp.env.Log.Debug("IPv6 link local address not found", "interface", ifName)
		return nil
	}
	if sp.env.Cfg.EnableV4 && len(v4Networks) == 0 {
		sp.env.Log.Debug("IPv4 enabled but no IPv4 addresses are configured", "interface", ifName)
		return nil
	}

	v4Network := state.DefaultV4Network
	if sp.env.Cfg.EnableV4 {
		v4Network = lowestPrefix(v4Networks)
	}

	return &Interface{
		Name:               ifName,
		IfIndex:            info.IfIndex,
		V4Network:          v4Network,
		V6LinkLocalNetwork: lowestPrefix(v6LinkLocalNetworks),
	}
}

// processInterfaceUpdates reconciles a snapshot from the link monitor
// against the tracked set: remove, then add, then update.
func (sp *Spark) processInterfaceUpdates(s *state.State, ifDb state.InterfaceDatabase) error {
	if ifDb.ThisNodeName != s.Cfg.NodeName {
		return fmt.Errorf("node name in interface db %q does not match my node name %q",
			ifDb.ThisNodeName, s.Cfg.NodeName)
	}

	newInterfaceDb := make(map[string]*Interface)
	for ifName, info := range ifDb.Interfaces {
		if entry := sp.buildInterfaceEntry(ifName, info); entry != nil {
			newInterfaceDb[ifName] = entry
		}
	}

	var toAdd, toDel, toUpdate []string
	for ifName := range newInterfaceDb {
		if _, tracked := sp.interfaceDb[ifName]; tracked {
			toUpdate = append(toUpdate, ifName)
		} else {
			toAdd = append(toAdd, ifName)
		}
	}
	for ifName := range sp.interfaceDb {
		if _, wanted := newInterfaceDb[ifName]; !wanted {
			toDel = append(toDel, ifName)
		}
	}
	sort.Strings(toAdd)
	sort.Strings(toDel)
	sort.Strings(toUpdate)

	sp.deleteInterfaces(s, toDel)
	if err := sp.addInterfaces(s, toAdd, newInterfaceDb); err != nil {
		return err
	}
	return sp.updateInterfaces(s, toUpdate, newInterfaceDb)
}

func (sp *Spark) deleteInterfaces(s *state.State, toDel []string) {
	for _, ifName := range toDel {
		s.Log.Info("removing interface, declaring all its neighbors down", "interface", ifName)

		for neighborName, neighbor := range sp.neighbors[ifName] {
			sp.releaseLabel(neighbor.Label)
			neighbor.cancelTimers()
			s.Log.Info("neighbor removed due to interface down",
				"neighbor", neighborName, "interface", ifName)

			// a neighbor that never completed the handshake has no
			// transport addresses worth reporting downstream
			if !neighbor.hasTransportAddrs(s.Cfg.EnableV4) {
				continue
			}
			sp.neighborDownWrapper(neighbor, ifName, neighborName)
		}
		delete(sp.neighbors, ifName)

		iface := sp.interfaceDb[ifName]
		cancelTimer(&iface.helloTimer)
		cancelTimer(&iface.heartbeatTimer)

		// on leave errors there is nothing else to do but log
		if err := sp.IO.Leave(iface.IfIndex); err != nil {
			s.Log.Error("failed leaving multicast group",
				"interface", ifName, "ifIndex", iface.IfIndex, "error", err)
		}
		delete(sp.interfaceDb, ifName)
	}
}

func (sp *Spark) addInterfaces(s *state.State, toAdd []string, newInterfaceDb map[string]*Interface) error {
	for _, ifName := range toAdd {
		iface := newInterfaceDb[ifName]
		if iface.IfIndex == 0 {
			return fmt.Errorf("could not get ifIndex for interface %s", ifName)
		}
		s.Log.Info("adding interface for tracking",
			"interface", ifName, "ifIndex", iface.IfIndex)

		// a failed join here is an invariant violation: the engine would
		// be deaf on a tracked interface
		if err := sp.IO.Join(iface.IfIndex); err != nil {
			return fmt.Errorf("failed joining multicast group on %s: %w", ifName, err)
		}

		iface.trackedAt = time.Now()
		sp.interfaceDb[ifName] = iface
		sp.neighbors[ifName] = make(map[string]*Neighbor)

		sp.armHeartbeatTimer(s.Env, ifName)

		// The first hello is delayed by one fast period: the kernel may
		// not have finished link-local autoconfiguration yet, and a
		// small delay gives the packet good chances of making it out.
		sp.armHelloTimer(s.Env, ifName, jitter(s.Cfg.HelloFastInitTime.D()))
	}
	return nil
}

func (sp *Spark) updateInterfaces(s *state.State, toUpdate []string, newInterfaceDb map[string]*Interface) error {
	for _, ifName := range toUpdate {
		iface := sp.interfaceDb[ifName]
		newIface := newInterfaceDb[ifName]

		if iface.IfIndex == newIface.IfIndex &&
			iface.V4Network == newIface.V4Network &&
			iface.V6LinkLocalNetwork == newIface.V6LinkLocalNetwork {
			continue
		}

		// the ifIndex can change without a down/up pair when the
		// platform agent restarts; move the group membership over
		if iface.IfIndex != newIface.IfIndex {
			if err := sp.IO.Leave(iface.IfIndex); err != nil {
				s.Log.Warn("failed leaving multicast group",
					"interface", ifName, "ifIndex", iface.IfIndex, "error", err)
			}
			if err := sp.IO.Join(newIface.IfIndex); err != nil {
				return fmt.Errorf("failed joining multicast group on %s: %w", ifName, err)
			}
		}

		s.Log.Info("updating tracked interface",
			"interface", ifName,
			"oldIfIndex", iface.IfIndex, "newIfIndex", newIface.IfIndex,
			"oldV6", iface.V6LinkLocalNetwork, "newV6", newIface.V6LinkLocalNetwork,
			"oldV4", iface.V4Network, "newV4", newIface.V4Network)

		iface.IfIndex = newIface.IfIndex
		iface.V4Network = newIface.V4Network
		iface.V6LinkLocalNetwork = newIface.V6LinkLocalNetwork
	}
	return nil
}

// armHelloTimer schedules the next hello on an interface. Timers re-arm
// themselves: the fast-init window uses the fast period so a booting
// node promotes to NEGOTIATE quickly, the steady state uses the normal
// period, both with ±20% jitter.
func (sp *Spark) armHelloTimer(e *state.Env, ifName string, delay time.Duration) {
	var t *time.Timer
	t = e.ScheduleTask(func(s *state.State) error {
		iface, ok := sp.interfaceDb[ifName]
		if !ok || iface.helloTimer != t {
			return nil
		}
		iface.helloTimer = nil

		// forming an adjacency takes at least two hellos; sending
		// several fast ones gives enough margin
		inFastInitState := time.Since(iface.trackedAt) <= 6*s.Cfg.HelloFastInitTime.D()
		sp.sendHelloMsg(s, ifName, inFastInitState, false)

		period := s.Cfg.HelloTime.D()
		if inFastInitState {
			period = s.Cfg.HelloFastInitTime.D()
		}
		sp.armHelloTimer(e, ifName, jitter(period))
		return nil
	}, delay)
	sp.interfaceDb[ifName].helloTimer = t
}

// armHeartbeatTimer schedules the fixed-period keepalives on an
// interface.
func (sp *Spark) armHeartbeatTimer(e *state.Env, ifName string) {
	var t *time.Timer
	t = e.ScheduleTask(func(s *state.State) error {
		iface, ok := sp.interfaceDb[ifName]
		if !ok || iface.heartbeatTimer != t {
			return nil
		}
		iface.heartbeatTimer = nil
		sp.sendHeartbeatMsg(s, ifName)
		sp.armHeartbeatTimer(e, ifName)
		return nil
	}, e.Cfg.HeartbeatTime.D())
	sp.interfaceDb[ifName].heartbeatTimer = t
}

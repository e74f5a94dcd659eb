package spark

import (
	"net/netip"
	"testing"
	"time"

	"github.com/cabelitos/openr/mock"
	"github.com/cabelitos/openr/state"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/require"
)

func snapshotFor(nodeName string, ifaces map[string]state.InterfaceInfo) state.InterfaceDatabase {
	return state.InterfaceDatabase{ThisNodeName: nodeName, Interfaces: ifaces}
}

func newReconcilerFixture(t *testing.T) (*Spark, *state.State, *mock.Provider) {
	hub := mock.NewHub()
	provider := hub.NewProvider(netip.MustParseAddr("fe80::1"))
	sp, s := newBareSpark(t, testConfig("nodeA"), provider)
	return sp, s, provider
}

func TestReconcileFiltersUnusableInterfaces(t *testing.T) {
	sp, s, provider := newReconcilerFixture(t)

	err := sp.processInterfaceUpdates(s, snapshotFor("nodeA", map[string]state.InterfaceInfo{
		// down interfaces are not tracked
		"eth0": {IsUp: false, IfIndex: 1, Networks: []netip.Prefix{
			netip.MustParsePrefix("10.0.0.1/30"), netip.MustParsePrefix("fe80::1/64")}},
		// no v6 link-local address
		"eth1": {IsUp: true, IfIndex: 2, Networks: []netip.Prefix{
			netip.MustParsePrefix("10.0.1.1/30")}},
		// v4 enabled but no v4 address
		"eth2": {IsUp: true, IfIndex: 3, Networks: []netip.Prefix{
			netip.MustParsePrefix("fe80::3/64")}},
		// fully qualified
		"eth3": {IsUp: true, IfIndex: 4, Networks: []netip.Prefix{
			netip.MustParsePrefix("10.0.3.1/30"), netip.MustParsePrefix("fe80::4/64")}},
	}))
	require.NoError(t, err)

	require.Len(t, sp.interfaceDb, 1)
	require.Contains(t, sp.interfaceDb, "eth3")
	require.True(t, provider.Joined(4))
	require.False(t, provider.Joined(1))
	require.NotNil(t, sp.interfaceDb["eth3"].helloTimer)
	require.NotNil(t, sp.interfaceDb["eth3"].heartbeatTimer)
	require.NotNil(t, sp.neighbors["eth3"])
}

func TestReconcilePicksLowestAddresses(t *testing.T) {
	sp, s, _ := newReconcilerFixture(t)

	err := sp.processInterfaceUpdates(s, snapshotFor("nodeA", map[string]state.InterfaceInfo{
		"eth0": {IsUp: true, IfIndex: 1, Networks: []netip.Prefix{
			netip.MustParsePrefix("10.0.0.9/30"),
			netip.MustParsePrefix("10.0.0.1/30"),
			netip.MustParsePrefix("fe80::9/64"),
			netip.MustParsePrefix("fe80::1/64"),
		}},
	}))
	require.NoError(t, err)

	iface := sp.interfaceDb["eth0"]
	require.Equal(t, netip.MustParsePrefix("10.0.0.1/30"), iface.V4Network)
	require.Equal(t, netip.MustParsePrefix("fe80::1/64"), iface.V6LinkLocalNetwork)
}

func TestReconcileNodeNameMismatchFails(t *testing.T) {
	sp, s, _ := newReconcilerFixture(t)

	err := sp.processInterfaceUpdates(s, snapshotFor("somebodyElse", nil))
	require.Error(t, err)
}

func TestReconcileIsIdempotent(t *testing.T) {
	sp, s, _ := newReconcilerFixture(t)

	snapshot := snapshotFor("nodeA", map[string]state.InterfaceInfo{
		"eth0": {IsUp: true, IfIndex: 1, Networks: []netip.Prefix{
			netip.MustParsePrefix("10.0.0.1/30"), netip.MustParsePrefix("fe80::1/64")}},
	})
	require.NoError(t, sp.processInterfaceUpdates(s, snapshot))

	type ifaceView struct {
		IfIndex        int
		V4, V6         netip.Prefix
		Hello, Beat    *time.Timer
		NeighborSubmap map[string]*Neighbor
	}
	capture := func() map[string]ifaceView {
		out := make(map[string]ifaceView)
		for name, iface := range sp.interfaceDb {
			out[name] = ifaceView{
				IfIndex:        iface.IfIndex,
				V4:             iface.V4Network,
				V6:             iface.V6LinkLocalNetwork,
				Hello:          iface.helloTimer,
				Beat:           iface.heartbeatTimer,
				NeighborSubmap: sp.neighbors[name],
			}
		}
		return out
	}

	before := capture()
	require.NoError(t, sp.processInterfaceUpdates(s, snapshot))
	after := capture()

	// the second application must not rebuild or re-arm anything
	require.Empty(t, cmp.Diff(before, after, cmp.Comparer(func(a, b *time.Timer) bool {
		return a == b
	}), cmpopts.EquateComparable(netip.Prefix{})))
}

func TestReconcileRemoveTearsDownNeighbors(t *testing.T) {
	sp, s, provider := newReconcilerFixture(t)

	events := make(chan state.SparkNeighborEvent, 16)
	s.Env.NeighborEvents = events

	snapshot := snapshotFor("nodeA", map[string]state.InterfaceInfo{
		"eth0": {IsUp: true, IfIndex: 1, Networks: []netip.Prefix{
			netip.MustParsePrefix("10.0.0.1/30"), netip.MustParsePrefix("fe80::1/64")}},
	})
	require.NoError(t, sp.processInterfaceUpdates(s, snapshot))

	// plant one fully established neighbor and one that never finished
	// its handshake
	established := newNeighbor("domainD", "nodeB", "eth9", 50001, 1,
		100*time.Millisecond, nil, DefaultArea)
	established.State = Established
	established.TransportAddressV6 = netip.MustParseAddr("fe80::2")
	established.TransportAddressV4 = netip.MustParseAddr("10.0.0.2")
	sp.allocatedLabels[established.Label] = struct{}{}

	warm := newNeighbor("domainD", "nodeC", "eth9", 50002, 1,
		100*time.Millisecond, nil, DefaultArea)
	warm.State = Warm
	sp.allocatedLabels[warm.Label] = struct{}{}

	sp.neighbors["eth0"]["nodeB"] = established
	sp.neighbors["eth0"]["nodeC"] = warm
	sp.activeNeighbors["eth0"] = map[string]struct{}{"nodeB": {}}

	require.NoError(t, sp.processInterfaceUpdates(s, snapshotFor("nodeA", nil)))

	require.Empty(t, sp.interfaceDb)
	require.Empty(t, sp.neighbors)
	require.Empty(t, sp.allocatedLabels)
	require.False(t, provider.Joined(1))

	// only the neighbor with populated transport addresses reports DOWN
	require.Len(t, events, 1)
	ev := <-events
	require.Equal(t, state.NeighborDown, ev.EventType)
	require.Equal(t, "nodeB", ev.Neighbor.NodeName)
}

func TestReconcileIfIndexChangeMovesMembership(t *testing.T) {
	sp, s, provider := newReconcilerFixture(t)

	require.NoError(t, sp.processInterfaceUpdates(s, snapshotFor("nodeA", map[string]state.InterfaceInfo{
		"eth0": {IsUp: true, IfIndex: 1, Networks: []netip.Prefix{
			netip.MustParsePrefix("10.0.0.1/30"), netip.MustParsePrefix("fe80::1/64")}},
	})))
	require.True(t, provider.Joined(1))

	require.NoError(t, sp.processInterfaceUpdates(s, snapshotFor("nodeA", map[string]state.InterfaceInfo{
		"eth0": {IsUp: true, IfIndex: 5, Networks: []netip.Prefix{
			netip.MustParsePrefix("10.0.0.1/30"), netip.MustParsePrefix("fe80::1/64")}},
	})))
	require.False(t, provider.Joined(1))
	require.True(t, provider.Joined(5))
	require.Equal(t, 5, sp.interfaceDb["eth0"].IfIndex)
}

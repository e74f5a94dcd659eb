package spark

import (
	"net/netip"
	"testing"
	"time"

	"github.com/cabelitos/openr/mock"
	"github.com/cabelitos/openr/state"
	"github.com/cabelitos/openr/wire"
	"github.com/stretchr/testify/require"
)

const convergeTimeout = 5 * time.Second

func startPair(t *testing.T) (*node, *node) {
	hub := mock.NewHub()
	a := startNode(t, hub, "fe80::1", testConfig("nodeA"))
	b := startNode(t, hub, "fe80::2", testConfig("nodeB"))
	a.pushInterfaceDb(ethSnapshot(1, "10.0.0.1/30", "fe80::1/64"))
	b.pushInterfaceDb(ethSnapshot(1, "10.0.0.2/30", "fe80::2/64"))
	return a, b
}

func TestBringUp(t *testing.T) {
	a, b := startPair(t)

	a.waitForState("eth0", "nodeB", Established, convergeTimeout)
	b.waitForState("eth0", "nodeA", Established, convergeTimeout)

	upA := a.waitEvent(state.NeighborUp, convergeTimeout)
	require.Equal(t, "nodeB", upA.Neighbor.NodeName)
	require.Equal(t, "eth0", upA.IfName)
	require.Equal(t, DefaultArea, upA.Area)
	require.NotZero(t, upA.Label)

	b.waitEvent(state.NeighborUp, convergeTimeout)

	require.Contains(t, a.activeOn("eth0"), "nodeB")
	require.Contains(t, b.activeOn("eth0"), "nodeA")

	require.Positive(t, a.counter("spark.hello.packets_sent"))
	require.Positive(t, b.counter("spark.hello.packets_sent"))

	require.True(t, a.labelInvariant())
	require.True(t, b.labelInvariant())

	// the adjacency must be stable: no further UP events queue up
	time.Sleep(500 * time.Millisecond)
	require.Zero(t, a.countBufferedEvents(state.NeighborUp))
	require.Zero(t, b.countBufferedEvents(state.NeighborUp))
}

func TestDomainMismatch(t *testing.T) {
	hub := mock.NewHub()
	a := startNode(t, hub, "fe80::1", testConfig("nodeA"))

	cfgB := testConfig("nodeB")
	cfgB.DomainName = "other"
	b := startNode(t, hub, "fe80::2", cfgB)

	a.pushInterfaceDb(ethSnapshot(1, "10.0.0.1/30", "fe80::1/64"))
	b.pushInterfaceDb(ethSnapshot(1, "10.0.0.2/30", "fe80::2/64"))

	require.Eventually(t, func() bool {
		return a.counter("spark.invalid_keepalive.different_domain") > 0
	}, convergeTimeout, 10*time.Millisecond)

	// no neighbor entry may ever be created for the foreign node
	_, tracked := a.neighborState("eth0", "nodeB")
	require.False(t, tracked)
}

func TestHeartbeatTimeout(t *testing.T) {
	a, b := startPair(t)
	a.waitForState("eth0", "nodeB", Established, convergeTimeout)
	b.waitForState("eth0", "nodeA", Established, convergeTimeout)
	a.waitEvent(state.NeighborUp, convergeTimeout)

	// silence B by taking its interface away: it stops sending without
	// any goodbye
	b.pushInterfaceDb(map[string]state.InterfaceInfo{})

	down := a.waitEvent(state.NeighborDown, convergeTimeout)
	require.Equal(t, "nodeB", down.Neighbor.NodeName)

	a.waitForGone("eth0", "nodeB", convergeTimeout)
	require.NotContains(t, a.activeOn("eth0"), "nodeB")
	require.True(t, a.labelInvariant())
}

func TestGracefulRestartAndReturn(t *testing.T) {
	a, b := startPair(t)
	a.waitForState("eth0", "nodeB", Established, convergeTimeout)
	b.waitForState("eth0", "nodeA", Established, convergeTimeout)
	a.waitEvent(state.NeighborUp, convergeTimeout)

	// B announces a restart, then goes quiet
	b.env.DispatchWait(func(s *state.State) (any, error) {
		for i := 0; i < state.NumRestartingPktSent; i++ {
			b.sp.sendHelloMsg(s, "eth0", false, true)
		}
		return nil, nil
	})
	b.pushInterfaceDb(map[string]state.InterfaceInfo{})

	restarting := a.waitEvent(state.NeighborRestarting, convergeTimeout)
	require.Equal(t, "nodeB", restarting.Neighbor.NodeName)
	a.waitForState("eth0", "nodeB", Restart, convergeTimeout)

	// B comes back within the graceful-restart hold window
	b.pushInterfaceDb(ethSnapshot(1, "10.0.0.2/30", "fe80::2/64"))

	restarted := a.waitEvent(state.NeighborRestarted, convergeTimeout)
	require.Equal(t, "nodeB", restarted.Neighbor.NodeName)
	a.waitForState("eth0", "nodeB", Established, convergeTimeout)
}

func TestGracefulRestartExpiry(t *testing.T) {
	a, b := startPair(t)
	a.waitForState("eth0", "nodeB", Established, convergeTimeout)
	b.waitForState("eth0", "nodeA", Established, convergeTimeout)

	b.env.DispatchWait(func(s *state.State) (any, error) {
		for i := 0; i < state.NumRestartingPktSent; i++ {
			b.sp.sendHelloMsg(s, "eth0", false, true)
		}
		return nil, nil
	})
	b.pushInterfaceDb(map[string]state.InterfaceInfo{})

	a.waitEvent(state.NeighborRestarting, convergeTimeout)

	// B never returns: the GR hold timer must declare it down
	down := a.waitEvent(state.NeighborDown, convergeTimeout)
	require.Equal(t, "nodeB", down.Neighbor.NodeName)
	a.waitForGone("eth0", "nodeB", convergeTimeout)
	require.True(t, a.labelInvariant())
}

func TestV4SubnetViolation(t *testing.T) {
	hub := mock.NewHub()
	a := startNode(t, hub, "fe80::1", testConfig("nodeA"))
	b := startNode(t, hub, "fe80::2", testConfig("nodeB"))

	a.pushInterfaceDb(ethSnapshot(1, "10.0.0.1/30", "fe80::1/64"))
	// B lives in a different V4 subnet
	b.pushInterfaceDb(ethSnapshot(1, "10.1.0.2/24", "fe80::2/64"))

	require.Eventually(t, func() bool {
		return a.counter("spark.invalid_keepalive.different_subnet") > 0
	}, convergeTimeout, 10*time.Millisecond)

	// negotiation failed: no adjacency, no NEIGHBOR_UP
	require.Zero(t, a.countBufferedEvents(state.NeighborUp))
	require.NotContains(t, a.activeOn("eth0"), "nodeB")
}

func TestSelfLoopedPacket(t *testing.T) {
	hub := mock.NewHub()
	a := startNode(t, hub, "fe80::1", testConfig("nodeA"))
	a.pushInterfaceDb(ethSnapshot(1, "10.0.0.1/30", "fe80::1/64"))

	// wait until the interface is joined, then forge our own hello
	require.Eventually(t, func() bool {
		return a.provider.Joined(1)
	}, convergeTimeout, 10*time.Millisecond)

	attacker := hub.NewProvider(netip.MustParseAddr("fe80::99"))
	payload, err := (&wire.SparkPacket{Hello: &wire.HelloMsg{
		DomainName: "domainD",
		NodeName:   "nodeA",
		IfName:     "eth0",
		Version:    state.OpenrVersion,
		SentTsInUs: time.Now().UnixMicro(),
	}}).Marshal()
	require.NoError(t, err)
	_, err = attacker.Send(1, attacker.Addr(), mcastAddrPort(a), payload)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return a.counter("spark.invalid_keepalive.looped_packet") > 0
	}, convergeTimeout, 10*time.Millisecond)

	_, tracked := a.neighborState("eth0", "nodeA")
	require.False(t, tracked)
}

func TestHopLimitBoundary(t *testing.T) {
	hub := mock.NewHub()
	a := startNode(t, hub, "fe80::1", testConfig("nodeA"))
	a.pushInterfaceDb(ethSnapshot(1, "10.0.0.1/30", "fe80::1/64"))
	require.Eventually(t, func() bool {
		return a.provider.Joined(1)
	}, convergeTimeout, 10*time.Millisecond)

	hello := func(nodeName string) []byte {
		payload, err := (&wire.SparkPacket{Hello: &wire.HelloMsg{
			DomainName: "domainD",
			NodeName:   nodeName,
			IfName:     "eth9",
			Version:    state.OpenrVersion,
			SentTsInUs: time.Now().UnixMicro(),
		}}).Marshal()
		require.NoError(t, err)
		return payload
	}

	// hop limit 254: the packet must never reach the FSM
	spoofer := hub.NewProvider(netip.MustParseAddr("fe80::54"))
	spoofer.SetHopLimit(254)
	_, err := spoofer.Send(1, spoofer.Addr(), mcastAddrPort(a), hello("nodeSpoof"))
	require.NoError(t, err)

	// hop limit 255 from another sender: accepted, neighbor discovered
	honest := hub.NewProvider(netip.MustParseAddr("fe80::55"))
	_, err = honest.Send(1, honest.Addr(), mcastAddrPort(a), hello("nodeHonest"))
	require.NoError(t, err)

	a.waitForState("eth0", "nodeHonest", Warm, convergeTimeout)
	_, tracked := a.neighborState("eth0", "nodeSpoof")
	require.False(t, tracked)
}

func TestSeqNumMonotonicOnSends(t *testing.T) {
	hub := mock.NewHub()
	a := startNode(t, hub, "fe80::1", testConfig("nodeA"))
	a.pushInterfaceDb(ethSnapshot(1, "10.0.0.1/30", "fe80::1/64"))
	require.Eventually(t, func() bool {
		return a.provider.Joined(1)
	}, convergeTimeout, 10*time.Millisecond)

	// the periodic hello timer increments the counter on its own, so the
	// whole observation happens in one dispatch
	res, err := a.env.DispatchWait(func(s *state.State) (any, error) {
		before := a.sp.mySeqNum
		a.sp.sendHelloMsg(s, "eth0", false, false)
		// skipped heartbeat (no active neighbor) still burns a seq#
		a.sp.sendHeartbeatMsg(s, "eth0")
		return a.sp.mySeqNum - before, nil
	})
	require.NoError(t, err)
	require.Equal(t, uint64(2), res)
}

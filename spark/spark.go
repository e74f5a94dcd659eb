// Package spark implements neighbor discovery and adjacency negotiation
// for the routing daemon. One engine instance tracks every enrolled
// interface, runs a per-(interface, neighbor) state machine over the
// hello/handshake/heartbeat flows, measures RTT, and reports neighbor
// lifecycle events upstream.
package spark

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/cabelitos/openr/sparkio"
	"github.com/cabelitos/openr/state"
	"github.com/cabelitos/openr/stats"
	"github.com/jellydator/ttlcache/v3"
)

// Spark is the discovery engine. All maps below are owned by the main
// loop goroutine; nothing here is safe for direct concurrent access.
type Spark struct {
	// IO is the shared discovery socket. Must be set before Init.
	IO sparkio.Provider
	// Stats receives the engine counters; defaults to stats.Default.
	Stats *stats.Registry

	env   *state.Env
	stats *stats.Registry

	mySeqNum uint64

	interfaceDb     map[string]*Interface
	neighbors       map[string]map[string]*Neighbor
	activeNeighbors map[string]map[string]struct{}
	allocatedLabels map[int32]struct{}

	areaRules    []areaRule
	rateWindows  []*timeSeries
	dropLogCache *ttlcache.Cache[string, struct{}]
}

// Interface is one tracked interface and the timers it owns.
type Interface struct {
	Name               string
	IfIndex            int
	V4Network          netip.Prefix
	V6LinkLocalNetwork netip.Prefix

	// when tracking started; drives the fast-init hello window
	trackedAt time.Time

	helloTimer     *time.Timer
	heartbeatTimer *time.Timer
}

func New(io sparkio.Provider) *Spark {
	return &Spark{IO: io}
}

func (sp *Spark) Init(s *state.State) error {
	if sp.IO == nil {
		return fmt.Errorf("got nil io provider")
	}
	sp.env = s.Env
	sp.stats = sp.Stats
	if sp.stats == nil {
		sp.stats = stats.Default
	}

	rules, err := compileAreaRules(s.Cfg.Areas)
	if err != nil {
		return err
	}
	sp.areaRules = rules

	sp.interfaceDb = make(map[string]*Interface)
	sp.neighbors = make(map[string]map[string]*Neighbor)
	sp.activeNeighbors = make(map[string]map[string]struct{})
	sp.allocatedLabels = make(map[int32]struct{})
	sp.rateWindows = newRateWindows()

	sp.dropLogCache = ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](time.Second),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	go sp.dropLogCache.Start()

	// pre-create the protocol violation counters so they export as zero
	for _, name := range []string{
		"spark.invalid_keepalive.different_domain",
		"spark.invalid_keepalive.invalid_version",
		"spark.invalid_keepalive.missing_v4_addr",
		"spark.invalid_keepalive.different_subnet",
		"spark.invalid_keepalive.looped_packet",
	} {
		sp.stats.AddValue(name, 0)
	}

	go sp.recvLoop(s.Env)
	go sp.interfaceUpdateLoop(s.Env)

	s.Env.RepeatTask(sp.updateGlobalCounters, s.Cfg.CounterSubmitInterval.D())

	return nil
}

// Cleanup implements graceful shutdown: peers are told we are restarting
// before the socket goes away, so they hold the adjacency through our
// downtime instead of tearing it down.
func (sp *Spark) Cleanup(s *state.State) error {
	// duplicate restarting packets per interface, in case some get lost
	for i := 0; i < state.NumRestartingPktSent; i++ {
		for ifName := range sp.interfaceDb {
			sp.sendHelloMsg(s, ifName, false /* inFastInitState */, true /* restarting */)
		}
	}
	s.Log.Info("sent all restarting packets to my neighbors, ready to go down")

	for ifName, ifNeighbors := range sp.neighbors {
		for _, neighbor := range ifNeighbors {
			neighbor.cancelTimers()
		}
		delete(sp.neighbors, ifName)
	}
	for ifName, iface := range sp.interfaceDb {
		cancelTimer(&iface.helloTimer)
		cancelTimer(&iface.heartbeatTimer)
		if err := sp.IO.Leave(iface.IfIndex); err != nil {
			s.Log.Warn("failed leaving multicast group", "interface", ifName, "error", err)
		}
		delete(sp.interfaceDb, ifName)
	}

	sp.dropLogCache.Stop()
	return sp.IO.Close()
}

// recvLoop drains the socket and hands every datagram to the main loop.
func (sp *Spark) recvLoop(e *state.Env) {
	for {
		dgram, err := sp.IO.Recv()
		if errors.Is(err, net.ErrClosed) || e.Context.Err() != nil {
			return
		}
		if err != nil {
			if errors.Is(err, sparkio.ErrLowHopLimit) {
				sp.stats.AddValue("spark.hello_packet_dropped", 1)
			}
			e.Log.Warn("error receiving packet", "error", err)
			continue
		}
		e.Dispatch(func(s *state.State) error {
			sp.processPacket(s, dgram)
			return nil
		})
	}
}

// interfaceUpdateLoop consumes snapshots from the link monitor.
func (sp *Spark) interfaceUpdateLoop(e *state.Env) {
	for {
		select {
		case ifDb, ok := <-e.InterfaceUpdates:
			if !ok {
				return
			}
			e.Dispatch(func(s *state.State) error {
				return sp.processInterfaceUpdates(s, ifDb)
			})
		case <-e.Context.Done():
			return
		}
	}
}

func (sp *Spark) findInterfaceFromIfIndex(ifIndex int) (string, bool) {
	for ifName, iface := range sp.interfaceDb {
		if iface.IfIndex == ifIndex {
			return ifName, true
		}
	}
	return "", false
}

func (sp *Spark) getNeighbor(ifName, neighborName string) *Neighbor {
	ifNeighbors, ok := sp.neighbors[ifName]
	if !ok {
		return nil
	}
	return ifNeighbors[neighborName]
}

// NeighborState answers a cross-thread state query, marshalled onto the
// main loop.
func (sp *Spark) NeighborState(ifName, neighborName string) (NeighState, error) {
	res, err := sp.env.DispatchWait(func(s *state.State) (any, error) {
		// a miss is an answer, not a dispatch failure
		neighbor := sp.getNeighbor(ifName, neighborName)
		if neighbor == nil {
			return nil, nil
		}
		return neighbor.State, nil
	})
	if err != nil {
		return Idle, err
	}
	if res == nil {
		return Idle, fmt.Errorf("no neighbor %s tracked on interface %s", neighborName, ifName)
	}
	return res.(NeighState), nil
}

func (sp *Spark) logStateTransition(neighborName, ifName string, oldState, newState NeighState) {
	sp.env.Log.Info("neighbor state change",
		"from", oldState.String(), "to", newState.String(),
		"neighbor", neighborName, "interface", ifName)
}

// notifyNeighborEvent publishes one record on the upstream queue.
func (sp *Spark) notifyNeighborEvent(
	eventType state.SparkNeighborEventType,
	ifName string,
	neighbor *Neighbor,
	supportFloodOptimization bool,
) {
	sp.env.PublishNeighborEvent(state.SparkNeighborEvent{
		EventType:                eventType,
		IfName:                   ifName,
		Neighbor:                 neighbor.toSparkNeighbor(),
		RttUs:                    neighbor.RTT.Microseconds(),
		Label:                    neighbor.Label,
		SupportFloodOptimization: supportFloodOptimization,
		Area:                     neighbor.Area,
	})
}

// neighborUpWrapper promotes a neighbor into ESTABLISHED bookkeeping.
func (sp *Spark) neighborUpWrapper(e *state.Env, neighbor *Neighbor, ifName, neighborName string) {
	// no longer in NEGOTIATE stage, stop sending handshakes
	cancelTimer(&neighbor.negotiateTimer)
	cancelTimer(&neighbor.negotiateHoldTimer)

	sp.armHeartbeatHoldTimer(e, ifName, neighborName, neighbor)

	if sp.activeNeighbors[ifName] == nil {
		sp.activeNeighbors[ifName] = make(map[string]struct{})
	}
	sp.activeNeighbors[ifName][neighborName] = struct{}{}

	sp.notifyNeighborEvent(state.NeighborUp, ifName, neighbor, true)
}

// neighborDownWrapper reports the loss and drops ESTABLISHED bookkeeping.
func (sp *Spark) neighborDownWrapper(neighbor *Neighbor, ifName, neighborName string) {
	sp.notifyNeighborEvent(state.NeighborDown, ifName, neighbor, true)

	active, ok := sp.activeNeighbors[ifName]
	if !ok {
		return
	}
	delete(active, neighborName)
	if len(active) == 0 {
		delete(sp.activeNeighbors, ifName)
	}
}

// removeNeighbor is the single exit point for a tracked neighbor: timers
// die, the label is freed, the map entry goes away.
func (sp *Spark) removeNeighbor(ifName, neighborName string, neighbor *Neighbor) {
	neighbor.cancelTimers()
	sp.releaseLabel(neighbor.Label)
	if ifNeighbors, ok := sp.neighbors[ifName]; ok {
		delete(ifNeighbors, neighborName)
	}
}

// armHeartbeatHoldTimer (re)arms the liveness timer for an ESTABLISHED
// neighbor.
func (sp *Spark) armHeartbeatHoldTimer(e *state.Env, ifName, neighborName string, neighbor *Neighbor) {
	cancelTimer(&neighbor.heartbeatHoldTimer)
	var t *time.Timer
	t = e.ScheduleTask(func(s *state.State) error {
		n := sp.getNeighbor(ifName, neighborName)
		if n == nil || n.heartbeatHoldTimer != t {
			return nil
		}
		n.heartbeatHoldTimer = nil
		return sp.processHeartbeatTimeout(s, ifName, neighborName, n)
	}, neighbor.HeartbeatHoldTime)
	neighbor.heartbeatHoldTimer = t
}

func (sp *Spark) armGracefulRestartHoldTimer(e *state.Env, ifName, neighborName string, neighbor *Neighbor) {
	cancelTimer(&neighbor.gracefulRestartHoldTimer)
	var t *time.Timer
	t = e.ScheduleTask(func(s *state.State) error {
		n := sp.getNeighbor(ifName, neighborName)
		if n == nil || n.gracefulRestartHoldTimer != t {
			return nil
		}
		n.gracefulRestartHoldTimer = nil
		return sp.processGRTimeout(s, ifName, neighborName, n)
	}, neighbor.GracefulRestartHoldTime)
	neighbor.gracefulRestartHoldTimer = t
}

// armNegotiateTimer starts the periodic handshake transmission for a
// neighbor entering NEGOTIATE.
func (sp *Spark) armNegotiateTimer(e *state.Env, ifName, neighborName string, neighbor *Neighbor) {
	neighborAreaId := neighbor.Area
	var t *time.Timer
	t = e.ScheduleTask(func(s *state.State) error {
		n := sp.getNeighbor(ifName, neighborName)
		if n == nil || n.negotiateTimer != t {
			return nil
		}
		n.negotiateTimer = nil
		sp.sendHandshakeMsg(s, ifName, neighborName, neighborAreaId, false)
		sp.armNegotiateTimer(e, ifName, neighborName, n)
		return nil
	}, sp.env.Cfg.HandshakeTime.D())
	neighbor.negotiateTimer = t
}

func (sp *Spark) armNegotiateHoldTimer(e *state.Env, ifName, neighborName string, neighbor *Neighbor) {
	var t *time.Timer
	t = e.ScheduleTask(func(s *state.State) error {
		n := sp.getNeighbor(ifName, neighborName)
		if n == nil || n.negotiateHoldTimer != t {
			return nil
		}
		n.negotiateHoldTimer = nil
		return sp.processNegotiateTimeout(s, ifName, neighborName, n)
	}, sp.env.Cfg.NegotiateHoldTime.D())
	neighbor.negotiateHoldTimer = t
}

// processHeartbeatTimeout drops a silent ESTABLISHED neighbor.
func (sp *Spark) processHeartbeatTimeout(s *state.State, ifName, neighborName string, neighbor *Neighbor) error {
	s.Log.Info("heartbeat timer expired", "neighbor", neighborName, "interface", ifName)

	if neighbor.State != Established {
		return nil
	}
	oldState := neighbor.State
	neighbor.State = getNextState(oldState, HeartbeatTimerExpire)
	sp.logStateTransition(neighborName, ifName, oldState, neighbor.State)

	sp.neighborDownWrapper(neighbor, ifName, neighborName)
	sp.removeNeighbor(ifName, neighborName, neighbor)
	return nil
}

// processNegotiateTimeout falls a stuck NEGOTIATE neighbor back to WARM.
func (sp *Spark) processNegotiateTimeout(s *state.State, ifName, neighborName string, neighbor *Neighbor) error {
	s.Log.Info("negotiate timer expired", "neighbor", neighborName, "interface", ifName)

	if neighbor.State != Negotiate {
		return nil
	}
	oldState := neighbor.State
	neighbor.State = getNextState(oldState, NegotiateTimerExpire)
	sp.logStateTransition(neighborName, ifName, oldState, neighbor.State)

	// stop sending out handshakes, no longer in NEGOTIATE stage
	cancelTimer(&neighbor.negotiateTimer)
	return nil
}

// processGRTimeout gives up on a restarting neighbor that never came back.
func (sp *Spark) processGRTimeout(s *state.State, ifName, neighborName string, neighbor *Neighbor) error {
	s.Log.Info("graceful restart timer expired", "neighbor", neighborName, "interface", ifName)

	if neighbor.State != Restart {
		return nil
	}
	oldState := neighbor.State
	neighbor.State = getNextState(oldState, GRTimerExpire)
	sp.logStateTransition(neighborName, ifName, oldState, neighbor.State)

	sp.neighborDownWrapper(neighbor, ifName, neighborName)
	sp.removeNeighbor(ifName, neighborName, neighbor)
	return nil
}

// updateGlobalCounters refreshes the gauges exported for monitoring.
func (sp *Spark) updateGlobalCounters(s *state.State) error {
	var adjacentNeighborCount, trackedNeighborCount int64
	for ifName, ifNeighbors := range sp.neighbors {
		trackedNeighborCount += int64(len(ifNeighbors))
		for _, neighbor := range ifNeighbors {
			if neighbor.State == Established {
				adjacentNeighborCount++
			}
			sp.stats.SetCounter("spark.rtt_us."+neighbor.NodeName+"."+ifName, neighbor.RTT.Microseconds())
			sp.stats.SetCounter("spark.rtt_latest_us."+neighbor.NodeName, neighbor.RTTLatest.Microseconds())
			sp.stats.SetCounter("spark.seq_num."+neighbor.NodeName, int64(neighbor.SeqNum))
		}
	}
	sp.stats.SetCounter("spark.num_tracked_interfaces", int64(len(sp.interfaceDb)))
	sp.stats.SetCounter("spark.num_tracked_neighbors", trackedNeighborCount)
	sp.stats.SetCounter("spark.num_adjacent_neighbors", adjacentNeighborCount)
	sp.stats.SetCounter("spark.tracked_adjacent_neighbors_diff", trackedNeighborCount-adjacentNeighborCount)
	sp.stats.SetCounter("spark.my_seq_num", int64(sp.mySeqNum))
	sp.stats.SetCounter("spark.pending_timers", sp.pendingTimerCount())
	return nil
}

func (sp *Spark) pendingTimerCount() int64 {
	var count int64
	for _, iface := range sp.interfaceDb {
		if iface.helloTimer != nil {
			count++
		}
		if iface.heartbeatTimer != nil {
			count++
		}
	}
	for _, ifNeighbors := range sp.neighbors {
		for _, neighbor := range ifNeighbors {
			for _, t := range []*time.Timer{
				neighbor.negotiateTimer,
				neighbor.negotiateHoldTimer,
				neighbor.heartbeatHoldTimer,
				neighbor.gracefulRestartHoldTimer,
			} {
				if t != nil {
					count++
				}
			}
		}
	}
	return count
}

package spark

import (
	"net/netip"
	"time"

	"github.com/cabelitos/openr/sparkio"
	"github.com/cabelitos/openr/state"
	"github.com/cabelitos/openr/wire"
)

type packetValidationResult uint8

const (
	validationSuccess packetValidationResult = iota
	validationFailure
	validationSkipLoopedSelf
)

// sanityCheckHelloPkt applies the cheap rejections every hello must pass
// before the FSM is consulted.
func (sp *Spark) sanityCheckHelloPkt(domainName, neighborName, remoteIfName string, remoteVersion uint32) packetValidationResult {
	// check if our own packet has looped
	if neighborName == sp.env.Cfg.NodeName {
		sp.stats.AddValue("spark.invalid_keepalive.looped_packet", 1)
		return validationSkipLoopedSelf
	}
	if domainName != sp.env.Cfg.DomainName {
		sp.env.Log.Error("ignoring hello packet from different domain",
			"neighbor", neighborName, "remoteInterface", remoteIfName,
			"domain", domainName, "myDomain", sp.env.Cfg.DomainName)
		sp.stats.AddValue("spark.invalid_keepalive.different_domain", 1)
		return validationFailure
	}
	if remoteVersion < state.LowestSupportedVersion {
		sp.env.Log.Error("unsupported version",
			"neighbor", neighborName, "version", remoteVersion,
			"lowestSupported", state.LowestSupportedVersion)
		sp.stats.AddValue("spark.invalid_keepalive.invalid_version", 1)
		return validationFailure
	}
	return validationSuccess
}

// validateV4AddressSubnet confirms the peer's V4 address parses and lies
// in our local interface's V4 subnet.
func (sp *Spark) validateV4AddressSubnet(ifName string, neighV4Addr netip.Addr) packetValidationResult {
	if !neighV4Addr.IsValid() || !neighV4Addr.Is4() {
		sp.env.Log.Error("neighbor V4 address is not known", "interface", ifName)
		sp.stats.AddValue("spark.invalid_keepalive.missing_v4_addr", 1)
		return validationFailure
	}

	myV4Network := sp.interfaceDb[ifName].V4Network
	if !myV4Network.Masked().Contains(neighV4Addr) {
		sp.env.Log.Error("neighbor V4 address is not in the local subnet",
			"neighborAddr", neighV4Addr, "localNetwork", myV4Network)
		sp.stats.AddValue("spark.invalid_keepalive.different_subnet", 1)
		return validationFailure
	}
	return validationSuccess
}

// processPacket runs on the main loop for every datagram the socket
// produced.
func (sp *Spark) processPacket(s *state.State, dgram sparkio.Datagram) {
	// spoofing guard: link-local traffic always arrives with hop limit
	// 255; a Provider may hand over datagrams without applying that
	// check, so re-check here
	if dgram.HopLimit < state.SparkHopLimit {
		s.Log.Error("rejecting packet due to hop limit",
			"from", dgram.Src, "hopLimit", dgram.HopLimit)
		sp.stats.AddValue("spark.hello_packet_dropped", 1)
		return
	}

	ifName, ok := sp.findInterfaceFromIfIndex(dgram.IfIndex)
	if !ok {
		s.Log.Error("received packet on unknown interface, ignoring",
			"ifIndex", dgram.IfIndex, "from", dgram.Src)
		return
	}

	sp.stats.AddValue("spark.hello_packet_recv", 1)
	sp.stats.AddValue("spark.hello_packet_recv_size", int64(len(dgram.Data)))

	if !sp.shouldProcessPacket(ifName, dgram.Src, dgram.RecvTime) {
		sp.logRateLimitDrop(ifName, dgram.Src)
		sp.stats.AddValue("spark.hello_packet_dropped", 1)
		return
	}
	sp.stats.AddValue("spark.hello_packet_processed", 1)

	pkt, err := wire.Unmarshal(dgram.Data)
	if err != nil {
		s.Log.Error("failed parsing packet", "from", dgram.Src, "error", err)
		sp.stats.AddValue("spark.hello_packet_dropped", 1)
		return
	}

	switch {
	case pkt.Hello != nil:
		sp.processHelloMsg(s, pkt.Hello, ifName, dgram.RecvTime.UnixMicro())
	case pkt.Heartbeat != nil:
		sp.processHeartbeatMsg(s, pkt.Heartbeat, ifName)
	case pkt.Handshake != nil:
		sp.processHandshakeMsg(s, pkt.Handshake, ifName)
	}
}

// processGRMsg moves an ESTABLISHED neighbor into graceful restart.
func (sp *Spark) processGRMsg(s *state.State, neighborName, ifName string, neighbor *Neighbor) {
	sp.notifyNeighborEvent(state.NeighborRestarting, ifName, neighbor, false)

	sp.armGracefulRestartHoldTimer(s.Env, ifName, neighborName, neighbor)

	oldState := neighbor.State
	neighbor.State = getNextState(oldState, HelloRcvdRestart)
	sp.logStateTransition(neighborName, ifName, oldState, neighbor.State)

	// neighbor is restarting; liveness is now the GR timer's problem
	cancelTimer(&neighbor.heartbeatHoldTimer)

	// not adjacent while it restarts
	if active, ok := sp.activeNeighbors[ifName]; ok {
		delete(active, neighborName)
		if len(active) == 0 {
			delete(sp.activeNeighbors, ifName)
		}
	}
}

func (sp *Spark) processHelloMsg(s *state.State, helloMsg *wire.HelloMsg, ifName string, myRecvTimeInUs int64) {
	neighborName := helloMsg.NodeName
	domainName := helloMsg.DomainName
	remoteIfName := helloMsg.IfName
	remoteSeqNum := helloMsg.SeqNum
	nbrSentTimeInUs := helloMsg.SentTsInUs

	ifNeighbors, ok := sp.neighbors[ifName]
	if !ok {
		s.Log.Error("ignoring packet received on unknown interface",
			"neighbor", neighborName, "interface", ifName)
		return
	}

	switch sp.sanityCheckHelloPkt(domainName, neighborName, remoteIfName, helloMsg.Version) {
	case validationSkipLoopedSelf, validationFailure:
		return
	}

	neighbor, tracked := ifNeighbors[neighborName]
	if !tracked {
		// area deduction runs only for unknown neighbors; spark does not
		// support area changes through reconfiguration
		area, ok := sp.getNeighborArea(neighborName, ifName)
		if !ok {
			return
		}

		label, err := sp.newLabelForIface(ifName)
		if err != nil {
			// label exhaustion means the system is misconfigured
			s.Cancel(err)
			return
		}

		rttChangeCb := func(newRtt int64) {
			sp.processRttChange(ifName, neighborName, newRtt)
		}
		neighbor = newNeighbor(
			domainName,
			neighborName,
			remoteIfName,
			label,
			remoteSeqNum,
			sp.env.Cfg.KeepAliveTime.D(),
			rttChangeCb,
			area,
		)
		ifNeighbors[neighborName] = neighbor
		s.Log.Info("new neighbor discovered", "neighbor", neighborName,
			"interface", ifName, "area", area, "label", label)
	}

	// update timestamps for the received hello
	neighbor.NeighborTimestamp = nbrSentTimeInUs
	neighbor.LocalTimestamp = myRecvTimeInUs

	// deduce RTT when the peer reflects our own hello back at us
	reflected, seesUs := helloMsg.NeighborInfos[sp.env.Cfg.NodeName]
	if seesUs {
		sp.updateNeighborRtt(
			myRecvTimeInUs,
			reflected.LastNbrMsgSentTsInUs,
			reflected.LastMyMsgRcvdTsInUs,
			nbrSentTimeInUs,
			neighborName,
			remoteIfName,
			ifName,
		)
	}

	// a peer in fast-init wants an immediate answer for quick convergence
	if helloMsg.SolicitResponse {
		sp.sendHelloMsg(s, ifName, false, false)
	}

	switch neighbor.State {
	case Idle:
		oldState := neighbor.State
		neighbor.State = getNextState(oldState, HelloRcvdNoInfo)
		sp.logStateTransition(neighborName, ifName, oldState, neighbor.State)

	case Warm:
		neighbor.SeqNum = remoteSeqNum

		if !seesUs {
			// neighbor is not aware of us yet
			return
		}

		// Our own seq# seen by the peer must be below our current one; a
		// higher or equal value is an echo of our previous incarnation.
		// Wait for the peer to catch up with the latest seq#.
		if reflected.SeqNum >= sp.mySeqNum {
			s.Log.Info("seeing my previous incarnation from neighbor",
				"neighbor", neighborName, "seenSeqNum", reflected.SeqNum, "mySeqNum", sp.mySeqNum)
			return
		}

		sp.armNegotiateTimer(s.Env, ifName, neighborName, neighbor)
		sp.armNegotiateHoldTimer(s.Env, ifName, neighborName, neighbor)

		oldState := neighbor.State
		neighbor.State = getNextState(oldState, HelloRcvdInfo)
		sp.logStateTransition(neighborName, ifName, oldState, neighbor.State)

	case Established:
		neighbor.SeqNum = remoteSeqNum

		if helloMsg.Restarting {
			s.Log.Info("adjacent neighbor is restarting",
				"neighbor", neighborName, "remoteInterface", remoteIfName, "interface", ifName)
			sp.processGRMsg(s, neighborName, ifName, neighbor)
			return
		}

		if !seesUs {
			// peer no longer reflects us; it does not want the adjacency
			oldState := neighbor.State
			neighbor.State = getNextState(oldState, HelloRcvdNoInfo)
			sp.logStateTransition(neighborName, ifName, oldState, neighbor.State)

			sp.neighborDownWrapper(neighbor, ifName, neighborName)
			sp.removeNeighbor(ifName, neighborName, neighbor)
		}

	case Restart:
		if !seesUs {
			// neighbor is not aware of us yet, ignore
			return
		}

		if remoteSeqNum < neighbor.SeqNum {
			// we missed every hello sent after the peer restarted; the
			// GR timer owns the cleanup
			s.Log.Warn("unexpected seq# received from restarting neighbor",
				"neighbor", neighborName, "receivedSeqNum", remoteSeqNum, "localSeqNum", neighbor.SeqNum)
			return
		}

		s.Log.Info("neighbor is back from restart",
			"neighbor", neighborName, "receivedSeqNum", remoteSeqNum, "localSeqNum", neighbor.SeqNum)

		neighbor.SeqNum = remoteSeqNum

		sp.notifyNeighborEvent(state.NeighborRestarted, ifName, neighbor, true)

		// make sure the returned neighbor stays alive, and resume
		// treating it as adjacent
		sp.armHeartbeatHoldTimer(s.Env, ifName, neighborName, neighbor)
		cancelTimer(&neighbor.gracefulRestartHoldTimer)
		if sp.activeNeighbors[ifName] == nil {
			sp.activeNeighbors[ifName] = make(map[string]struct{})
		}
		sp.activeNeighbors[ifName][neighborName] = struct{}{}

		oldState := neighbor.State
		neighbor.State = getNextState(oldState, HelloRcvdInfo)
		sp.logStateTransition(neighborName, ifName, oldState, neighbor.State)
	}
}

func (sp *Spark) processHandshakeMsg(s *state.State, handshakeMsg *wire.HandshakeMsg, ifName string) {
	// area negotiation is point-to-point; ignore handshakes targeted at
	// somebody else
	if handshakeMsg.NeighborNodeName != "" && handshakeMsg.NeighborNodeName != sp.env.Cfg.NodeName {
		return
	}

	neighborName := handshakeMsg.NodeName
	neighbor := sp.getNeighbor(ifName, neighborName)
	if neighbor == nil {
		return
	}

	// reply immediately while the peer has not formed the adjacency yet.
	// When V4 validation bounced us back to WARM we report the adjacency
	// as established to stop the reply ping-pong between the two nodes.
	if !handshakeMsg.IsAdjEstablished {
		sp.sendHandshakeMsg(s, ifName, neighborName, neighbor.Area, neighbor.State != Negotiate)
		s.Log.Info("replying to handshake immediately",
			"neighbor", neighborName, "interface", ifName)
	}

	// a stray handshake after GR must not cost us the adjacency; extend
	// the liveness window while the peer renegotiates
	if neighbor.heartbeatHoldTimer != nil {
		sp.armHeartbeatHoldTimer(s.Env, ifName, neighborName, neighbor)
	}

	// handshakes drive only the NEGOTIATE stage; the hold timer may have
	// expired or V4 validation already failed
	if neighbor.State != Negotiate {
		return
	}

	neighbor.KvStoreCmdPort = handshakeMsg.KvStoreCmdPort
	neighbor.OpenrCtrlThriftPort = handshakeMsg.OpenrCtrlThriftPort
	neighbor.TransportAddressV4 = handshakeMsg.TransportAddressV4
	neighbor.TransportAddressV6 = handshakeMsg.TransportAddressV6

	neighbor.HeartbeatHoldTime = max(
		time.Duration(handshakeMsg.HoldTime)*time.Millisecond,
		sp.env.Cfg.HeartbeatHoldTime.D())
	neighbor.GracefulRestartHoldTime = max(
		time.Duration(handshakeMsg.GracefulRestartTime)*time.Millisecond,
		sp.env.Cfg.HoldTime.D())

	if sp.env.Cfg.EnableV4 {
		if sp.validateV4AddressSubnet(ifName, handshakeMsg.TransportAddressV4) == validationFailure {
			oldState := neighbor.State
			neighbor.State = getNextState(oldState, NegotiationFailure)
			sp.logStateTransition(neighborName, ifName, oldState, neighbor.State)

			cancelTimer(&neighbor.negotiateTimer)
			cancelTimer(&neighbor.negotiateHoldTimer)
			return
		}
	}

	// area agreement: handshakeMsg.Area is where the peer thinks we
	// belong, neighbor.Area is where we think the peer belongs. Either
	// side advertising the default area means it predates area support.
	if neighbor.Area != DefaultArea && handshakeMsg.Area != DefaultArea {
		if neighbor.Area != handshakeMsg.Area {
			s.Log.Error("inconsistent area deduced between local and remote",
				"neighborArea", neighbor.Area, "remoteArea", handshakeMsg.Area)

			oldState := neighbor.State
			neighbor.State = getNextState(oldState, NegotiationFailure)
			sp.logStateTransition(neighborName, ifName, oldState, neighbor.State)

			cancelTimer(&neighbor.negotiateTimer)
			cancelTimer(&neighbor.negotiateHoldTimer)
			return
		}
	} else {
		neighbor.Area = DefaultArea
	}

	oldState := neighbor.State
	neighbor.State = getNextState(oldState, HandshakeRcvd)
	sp.logStateTransition(neighborName, ifName, oldState, neighbor.State)

	sp.neighborUpWrapper(s.Env, neighbor, ifName, neighborName)
}

func (sp *Spark) processHeartbeatMsg(s *state.State, heartbeatMsg *wire.HeartbeatMsg, ifName string) {
	neighborName := heartbeatMsg.NodeName
	neighbor := sp.getNeighbor(ifName, neighborName)
	if neighbor == nil {
		// after a restart it takes several hellos to re-establish the
		// neighborship; heartbeats in that window have nothing to renew
		return
	}
	if neighbor.State != Established {
		return
	}
	sp.armHeartbeatHoldTimer(s.Env, ifName, neighborName, neighbor)
}

func (sp *Spark) mcastDst() netip.AddrPort {
	return netip.AddrPortFrom(state.SparkMcastAddr, sp.env.Cfg.UDPMcastPort)
}

func (sp *Spark) sendHelloMsg(s *state.State, ifName string, inFastInitState, restarting bool) {
	iface, ok := sp.interfaceDb[ifName]
	if !ok {
		s.Log.Error("interface is no longer tracked, skipping hello", "interface", ifName)
		return
	}

	// increment seq# after the packet went out, even if it did not
	defer func() { sp.mySeqNum++ }()

	helloMsg := &wire.HelloMsg{
		DomainName:      sp.env.Cfg.DomainName,
		NodeName:        sp.env.Cfg.NodeName,
		IfName:          ifName,
		SeqNum:          sp.mySeqNum,
		Version:         state.OpenrVersion,
		SolicitResponse: inFastInitState,
		Restarting:      restarting,
		SentTsInUs:      time.Now().UnixMicro(),
		NeighborInfos:   make(map[string]wire.ReflectedNeighborInfo),
	}

	// reflect everything we observed from each tracked neighbor
	for neighborName, neighbor := range sp.neighbors[ifName] {
		helloMsg.NeighborInfos[neighborName] = wire.ReflectedNeighborInfo{
			SeqNum:               neighbor.SeqNum,
			LastNbrMsgSentTsInUs: neighbor.NeighborTimestamp,
			LastMyMsgRcvdTsInUs:  neighbor.LocalTimestamp,
		}
	}

	payload, err := (&wire.SparkPacket{Hello: helloMsg}).Marshal()
	if err != nil {
		s.Log.Error("failed building hello packet", "interface", ifName, "error", err)
		return
	}

	n, err := sp.IO.Send(iface.IfIndex, iface.V6LinkLocalNetwork.Addr(), sp.mcastDst(), payload)
	if err != nil || n != len(payload) {
		s.Log.Warn("failed sending hello packet", "interface", ifName, "error", err)
		return
	}

	sp.stats.AddValue("spark.hello.bytes_sent", int64(len(payload)))
	sp.stats.AddValue("spark.hello.packets_sent", 1)
}

func (sp *Spark) sendHandshakeMsg(s *state.State, ifName, neighborName, neighborAreaId string, isAdjEstablished bool) {
	iface, ok := sp.interfaceDb[ifName]
	if !ok {
		s.Log.Error("interface is no longer tracked, skipping handshake", "interface", ifName)
		return
	}

	handshakeMsg := &wire.HandshakeMsg{
		NodeName:            sp.env.Cfg.NodeName,
		IsAdjEstablished:    isAdjEstablished,
		HoldTime:            sp.env.Cfg.HeartbeatHoldTime.D().Milliseconds(),
		GracefulRestartTime: sp.env.Cfg.HoldTime.D().Milliseconds(),
		TransportAddressV6:  iface.V6LinkLocalNetwork.Addr(),
		TransportAddressV4:  iface.V4Network.Addr(),
		OpenrCtrlThriftPort: sp.env.Cfg.OpenrCtrlThriftPort,
		KvStoreCmdPort:      sp.env.Cfg.KvStoreCmdPort,
		// the areaId we deduced locally for this neighbor
		Area:             neighborAreaId,
		NeighborNodeName: neighborName,
	}

	payload, err := (&wire.SparkPacket{Handshake: handshakeMsg}).Marshal()
	if err != nil {
		s.Log.Error("failed building handshake packet", "interface", ifName, "error", err)
		return
	}

	n, err := sp.IO.Send(iface.IfIndex, iface.V6LinkLocalNetwork.Addr(), sp.mcastDst(), payload)
	if err != nil || n != len(payload) {
		s.Log.Warn("failed sending handshake packet", "interface", ifName, "error", err)
		return
	}

	sp.stats.AddValue("spark.handshake.bytes_sent", int64(len(payload)))
	sp.stats.AddValue("spark.handshake.packets_sent", 1)
}

func (sp *Spark) sendHeartbeatMsg(s *state.State, ifName string) {
	// increment seq# after the packet went out, even if it did not
	defer func() { sp.mySeqNum++ }()

	if len(sp.activeNeighbors[ifName]) == 0 {
		// nobody adjacent on this interface yet, nothing to keep alive
		return
	}

	iface, ok := sp.interfaceDb[ifName]
	if !ok {
		s.Log.Error("interface is no longer tracked, skipping heartbeat", "interface", ifName)
		return
	}

	heartbeatMsg := &wire.HeartbeatMsg{
		NodeName: sp.env.Cfg.NodeName,
		SeqNum:   sp.mySeqNum,
	}

	payload, err := (&wire.SparkPacket{Heartbeat: heartbeatMsg}).Marshal()
	if err != nil {
		s.Log.Error("failed building heartbeat packet", "interface", ifName, "error", err)
		return
	}

	n, err := sp.IO.Send(iface.IfIndex, iface.V6LinkLocalNetwork.Addr(), sp.mcastDst(), payload)
	if err != nil || n != len(payload) {
		s.Log.Warn("failed sending heartbeat packet", "interface", ifName, "error", err)
		return
	}

	sp.stats.AddValue("spark.heartbeat.bytes_sent", int64(len(payload)))
	sp.stats.AddValue("spark.heartbeat.packets_sent", 1)
}

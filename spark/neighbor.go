package spark

import (
	"net/netip"
	"time"

	"github.com/cabelitos/openr/state"
	"github.com/cabelitos/openr/stepdetect"
)

// NeighState is the per-neighbor FSM state.
type NeighState uint8

const (
	Idle NeighState = iota
	Warm
	Negotiate
	Established
	Restart
)

func (st NeighState) String() string {
	switch st {
	case Idle:
		return "IDLE"
	case Warm:
		return "WARM"
	case Negotiate:
		return "NEGOTIATE"
	case Established:
		return "ESTABLISHED"
	case Restart:
		return "RESTART"
	}
	return "UNKNOWN"
}

// NeighEvent drives the FSM. The order is load-bearing: it indexes the
// columns of stateMap.
type NeighEvent uint8

const (
	HelloRcvdInfo NeighEvent = iota
	HelloRcvdNoInfo
	HelloRcvdRestart
	HeartbeatRcvd
	HandshakeRcvd
	HeartbeatTimerExpire
	NegotiateTimerExpire
	GRTimerExpire
	NegotiationFailure
)

func (ev NeighEvent) String() string {
	switch ev {
	case HelloRcvdInfo:
		return "HELLO_RCVD_INFO"
	case HelloRcvdNoInfo:
		return "HELLO_RCVD_NO_INFO"
	case HelloRcvdRestart:
		return "HELLO_RCVD_RESTART"
	case HeartbeatRcvd:
		return "HEARTBEAT_RCVD"
	case HandshakeRcvd:
		return "HANDSHAKE_RCVD"
	case HeartbeatTimerExpire:
		return "HEARTBEAT_TIMER_EXPIRE"
	case NegotiateTimerExpire:
		return "NEGOTIATE_TIMER_EXPIRE"
	case GRTimerExpire:
		return "GR_TIMER_EXPIRE"
	case NegotiationFailure:
		return "NEGOTIATION_FAILURE"
	}
	return "UNKNOWN"
}

func st(s NeighState) *NeighState { return &s }

// stateMap is the dense transition table indexed by [state][event]. A nil
// entry means the event is not accepted in that state and is dropped
// before ever reaching getNextState.
var stateMap = [5][9]*NeighState{
	Idle: {
		HelloRcvdInfo:   st(Warm),
		HelloRcvdNoInfo: st(Warm),
	},
	Warm: {
		HelloRcvdInfo: st(Negotiate),
	},
	Negotiate: {
		HandshakeRcvd:        st(Established),
		NegotiateTimerExpire: st(Warm),
		NegotiationFailure:   st(Warm),
	},
	Established: {
		HelloRcvdNoInfo:      st(Idle),
		HelloRcvdRestart:     st(Restart),
		HeartbeatRcvd:        st(Established),
		HeartbeatTimerExpire: st(Idle),
	},
	Restart: {
		HelloRcvdInfo: st(Established),
		GRTimerExpire: st(Idle),
	},
}

// getNextState resolves a transition. Callers only fire events the table
// defines for the current state; anything else is a programming error.
func getNextState(curState NeighState, event NeighEvent) NeighState {
	next := stateMap[curState][event]
	if next == nil {
		panic("undefined state transition: " + curState.String() + " + " + event.String())
	}
	return *next
}

// Neighbor tracks one peer on one local interface.
type Neighbor struct {
	DomainName   string
	NodeName     string
	RemoteIfName string
	Area         string

	// segment-routing local label allocated for this adjacency
	Label int32

	// last sequence number seen from the peer
	SeqNum uint64

	State NeighState

	StepDetector *stepdetect.Detector

	// learned during handshake
	TransportAddressV4  netip.Addr
	TransportAddressV6  netip.Addr
	KvStoreCmdPort      int32
	OpenrCtrlThriftPort int32

	// smoothed and raw RTT
	RTT       time.Duration
	RTTLatest time.Duration

	// microsecond timestamps of the last hello exchange
	NeighborTimestamp int64
	LocalTimestamp    int64

	// negotiated hold windows
	HeartbeatHoldTime       time.Duration
	GracefulRestartHoldTime time.Duration

	// owned timers; nil when disarmed. Callbacks look the neighbor up by
	// key and compare against the stored handle, so a stale fire after
	// cancellation is a no-op.
	negotiateTimer           *time.Timer
	negotiateHoldTimer       *time.Timer
	heartbeatHoldTimer       *time.Timer
	gracefulRestartHoldTimer *time.Timer
}

func newNeighbor(
	domainName, nodeName, remoteIfName string,
	label int32,
	seqNum uint64,
	samplingPeriod time.Duration,
	rttChangeCb func(int64),
	area string,
) *Neighbor {
	return &Neighbor{
		DomainName:   domainName,
		NodeName:     nodeName,
		RemoteIfName: remoteIfName,
		Area:         area,
		Label:        label,
		SeqNum:       seqNum,
		State:        Idle,
		StepDetector: stepdetect.New(
			samplingPeriod,
			state.FastWindowSize,
			state.SlowWindowSize,
			state.LoThreshold,
			state.HiThreshold,
			state.AbsThreshold,
			rttChangeCb,
		),
	}
}

// cancelTimers disarms everything the neighbor owns. Must run before the
// neighbor is dropped from the tracking maps.
func (n *Neighbor) cancelTimers() {
	cancelTimer(&n.negotiateTimer)
	cancelTimer(&n.negotiateHoldTimer)
	cancelTimer(&n.heartbeatHoldTimer)
	cancelTimer(&n.gracefulRestartHoldTimer)
}

func cancelTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

// hasTransportAddrs reports whether the handshake populated the
// addresses a DOWN event needs to be meaningful to LinkMonitor.
func (n *Neighbor) hasTransportAddrs(enableV4 bool) bool {
	if !n.TransportAddressV6.IsValid() {
		return false
	}
	if enableV4 && !n.TransportAddressV4.IsValid() {
		return false
	}
	return true
}

func (n *Neighbor) toSparkNeighbor() state.SparkNeighbor {
	return state.SparkNeighbor{
		DomainName:          n.DomainName,
		NodeName:            n.NodeName,
		HoldTime:            n.HeartbeatHoldTime.Milliseconds(),
		TransportAddressV6:  n.TransportAddressV6,
		TransportAddressV4:  n.TransportAddressV4,
		KvStoreCmdPort:      n.KvStoreCmdPort,
		OpenrCtrlThriftPort: n.OpenrCtrlThriftPort,
		IfName:              n.RemoteIfName,
	}
}

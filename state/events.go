package state

import "net/netip"

// SparkNeighborEventType enumerates the events published to LinkMonitor.
type SparkNeighborEventType int

const (
	NeighborUp SparkNeighborEventType = iota
	NeighborDown
	NeighborRestarting
	NeighborRestarted
	NeighborRttChange
)

func (t SparkNeighborEventType) String() string {
	switch t {
	case NeighborUp:
		return "NEIGHBOR_UP"
	case NeighborDown:
		return "NEIGHBOR_DOWN"
	case NeighborRestarting:
		return "NEIGHBOR_RESTARTING"
	case NeighborRestarted:
		return "NEIGHBOR_RESTARTED"
	case NeighborRttChange:
		return "NEIGHBOR_RTT_CHANGE"
	}
	return "UNKNOWN"
}

// SparkNeighbor describes the event originator as learned over the wire.
type SparkNeighbor struct {
	DomainName          string
	NodeName            string
	HoldTime            int64 // milliseconds
	TransportAddressV6  netip.Addr
	TransportAddressV4  netip.Addr
	KvStoreCmdPort      int32
	OpenrCtrlThriftPort int32
	IfName              string // remote interface name
}

// SparkNeighborEvent is the record published on the neighbor event queue.
type SparkNeighborEvent struct {
	EventType                SparkNeighborEventType
	IfName                   string
	Neighbor                 SparkNeighbor
	RttUs                    int64
	Label                    int32
	SupportFloodOptimization bool
	Area                     string
}

// InterfaceInfo is one entry of an interface database snapshot.
type InterfaceInfo struct {
	IsUp     bool
	IfIndex  int
	Networks []netip.Prefix
}

// InterfaceDatabase is a full snapshot of the node's interfaces as seen by
// the link monitor. The engine reconciles each snapshot against its
// tracked set.
type InterfaceDatabase struct {
	ThisNodeName string
	Interfaces   map[string]InterfaceInfo
}

package state

import (
	"net/netip"
	"time"
)

const (
	// The min size of an IPv6 packet is 1280 bytes. Payloads are capped to
	// it so MTU size/discovery never matters.
	MaxPacketSize = 1280

	// The acceptable hop limit; we send packets with this TTL and reject
	// anything below it as off-link.
	SparkHopLimit = 255

	// number of samples in the fast sliding window
	FastWindowSize = 10

	// number of samples in the slow sliding window
	SlowWindowSize = 60

	// lower step threshold, in percentage
	LoThreshold = 2

	// upper step threshold, in percentage
	HiThreshold = 5

	// absolute step threshold, in microseconds
	AbsThreshold = int64(500)

	// number of restarting packets sent per interface before going down
	NumRestartingPktSent = 3

	// protocol version advertised in hellos, and the floor we accept
	OpenrVersion           = uint32(20200825)
	LowestSupportedVersion = uint32(20200604)

	// per (iface, sender) packets-per-second cap
	MaxAllowedPps = 50

	// size of the shared rate-limit window vector
	NumTimeSeries = 1024

	// default UDP port for spark multicast traffic
	DefaultUDPMcastPort = 6666
)

// Segment-routing local label range, inclusive.
const (
	SrLocalRangeFirst = int32(50000)
	SrLocalRangeLast  = int32(59999)
)

var (
	// SparkMcastAddr is the well-known link-local group all spark
	// messages are addressed to.
	SparkMcastAddr = netip.MustParseAddr("ff02::1")

	// DefaultV4Network is the placeholder carried when V4 is disabled.
	// It is never validated against a peer subnet.
	DefaultV4Network = netip.MustParsePrefix("0.0.0.0/32")
)

// Default protocol timings. Config may override all of them.
var (
	DefaultHoldTime              = 30 * time.Second
	DefaultKeepAliveTime         = 2 * time.Second
	DefaultFastInitKeepAliveTime = 500 * time.Millisecond
	DefaultHelloTime             = 20 * time.Second
	DefaultHelloFastInitTime     = 500 * time.Millisecond
	DefaultHandshakeTime         = 500 * time.Millisecond
	DefaultHeartbeatTime         = 3 * time.Second
	DefaultNegotiateHoldTime     = 10 * time.Second
	DefaultHeartbeatHoldTime     = 9 * time.Second
	DefaultCounterSubmitInterval = 5 * time.Second
)

var (
	NodeConfigPath = "/etc/openr/spark.yaml"
)

package perf

import (
	"expvar"
	"net/http"

	"github.com/encodeous/metric"
)

var (
	DispatchLatency     = metric.NewHistogram("1m1s")
	SentPacketPerSecond = metric.NewCounter("10s1s")
	RecvPacketPerSecond = metric.NewCounter("10s1s")
	SentBytesPerSecond  = metric.NewCounter("10s1s")
	RecvBytesPerSecond  = metric.NewCounter("10s1s")
)

func init() {
	http.Handle("/debug/metrics", metric.Handler(metric.Exposed))

	expvar.Publish("openr:SentPacket/s", SentPacketPerSecond)
	expvar.Publish("openr:RecvPacket/s", RecvPacketPerSecond)
	expvar.Publish("openr:SentBytes/s", SentBytesPerSecond)
	expvar.Publish("openr:RecvBytes/s", RecvBytesPerSecond)
	expvar.Publish("openr:DispatchLatency (µs)", DispatchLatency)
}

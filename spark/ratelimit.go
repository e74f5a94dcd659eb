package spark

import (
	"net/netip"
	"time"

	"github.com/cabelitos/openr/state"
	"github.com/cespare/xxhash/v2"
	"github.com/jellydator/ttlcache/v3"
)

// timeSeries is a ring of per-bucket arrival counts over a fixed horizon.
type timeSeries struct {
	buckets   []int64
	bucketDur time.Duration
	// start of the bucket currently being filled
	tick time.Time
	idx  int
}

func newTimeSeries(numBuckets int, horizon time.Duration) *timeSeries {
	return &timeSeries{
		buckets:   make([]int64, numBuckets),
		bucketDur: horizon / time.Duration(numBuckets),
	}
}

// advance rolls the ring forward to now, zeroing buckets that fell out of
// the horizon.
func (ts *timeSeries) advance(now time.Time) {
	if ts.tick.IsZero() {
		ts.tick = now
		return
	}
	steps := int(now.Sub(ts.tick) / ts.bucketDur)
	if steps <= 0 {
		return
	}
	if steps > len(ts.buckets) {
		steps = len(ts.buckets)
	}
	for i := 0; i < steps; i++ {
		ts.idx = (ts.idx + 1) % len(ts.buckets)
		ts.buckets[ts.idx] = 0
	}
	ts.tick = now
}

func (ts *timeSeries) count() int64 {
	var sum int64
	for _, v := range ts.buckets {
		sum += v
	}
	return sum
}

func (ts *timeSeries) add(v int64) {
	ts.buckets[ts.idx] += v
}

func newRateWindows() []*timeSeries {
	numBuckets := state.MaxAllowedPps / 3
	windows := make([]*timeSeries, state.NumTimeSeries)
	for i := range windows {
		windows[i] = newTimeSeries(numBuckets, time.Second)
	}
	return windows
}

func rateKey(ifName string, addr netip.Addr) string {
	return ifName + "|" + addr.String()
}

// shouldProcessPacket consults the shared rate window for (ifName, sender)
// and records the arrival when it is within the per-second cap.
func (sp *Spark) shouldProcessPacket(ifName string, addr netip.Addr, now time.Time) bool {
	idx := xxhash.Sum64String(rateKey(ifName, addr)) % uint64(len(sp.rateWindows))
	ts := sp.rateWindows[idx]
	ts.advance(now)
	if ts.count() > state.MaxAllowedPps {
		return false
	}
	ts.add(1)
	return true
}

// logRateLimitDrop logs one line per (ifName, sender) per second; the
// cache keeps a flood from turning into log spam.
func (sp *Spark) logRateLimitDrop(ifName string, addr netip.Addr) {
	key := rateKey(ifName, addr)
	if sp.dropLogCache.Has(key) {
		return
	}
	sp.dropLogCache.Set(key, struct{}{}, ttlcache.DefaultTTL)
	sp.env.Log.Warn("dropping packets due to rate limiting",
		"interface", ifName, "from", addr)
}

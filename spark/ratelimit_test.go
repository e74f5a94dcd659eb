package spark

import (
	"net/netip"
	"testing"
	"time"

	"github.com/cabelitos/openr/state"
	"github.com/stretchr/testify/require"
)

func TestRateLimitCapsPerSenderPps(t *testing.T) {
	sp, _ := newBareSpark(t, testConfig("nodeA"), nil)

	now := time.Now()
	src := netip.MustParseAddr("fe80::2")

	allowed := 0
	for i := 0; i < 3*state.MaxAllowedPps; i++ {
		if sp.shouldProcessPacket("eth0", src, now) {
			allowed++
		}
	}
	require.LessOrEqual(t, allowed, state.MaxAllowedPps+1)
	require.Positive(t, allowed)
}

func TestRateLimitWindowSlides(t *testing.T) {
	sp, _ := newBareSpark(t, testConfig("nodeA"), nil)

	now := time.Now()
	src := netip.MustParseAddr("fe80::2")

	for i := 0; i < 3*state.MaxAllowedPps; i++ {
		sp.shouldProcessPacket("eth0", src, now)
	}
	require.False(t, sp.shouldProcessPacket("eth0", src, now))

	// after the horizon passes the sender is welcome again
	require.True(t, sp.shouldProcessPacket("eth0", src, now.Add(2*time.Second)))
}

func TestTimeSeriesAdvanceClearsExpiredBuckets(t *testing.T) {
	ts := newTimeSeries(16, time.Second)
	base := time.Now()

	ts.advance(base)
	ts.add(10)
	require.EqualValues(t, 10, ts.count())

	ts.advance(base.Add(500 * time.Millisecond))
	ts.add(5)
	require.EqualValues(t, 15, ts.count())

	// everything older than the horizon is gone
	ts.advance(base.Add(3 * time.Second))
	require.EqualValues(t, 0, ts.count())
}

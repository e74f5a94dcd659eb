package stepdetect

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDetector(fired *[]int64) *Detector {
	return New(time.Second, 10, 60, 2, 5, 500, func(v int64) {
		*fired = append(*fired, v)
	})
}

func TestNoStepOnStableStream(t *testing.T) {
	var fired []int64
	d := newTestDetector(&fired)

	for i := 0; i < 200; i++ {
		d.AddValue(int64(i), 20000)
	}
	require.Empty(t, fired)
}

func TestSingleStepReportsOnce(t *testing.T) {
	var fired []int64
	d := newTestDetector(&fired)

	for i := 0; i < 60; i++ {
		d.AddValue(int64(i), 20000)
	}
	// RTT doubles and stays there
	for i := 60; i < 120; i++ {
		d.AddValue(int64(i), 40000)
	}
	require.Len(t, fired, 1)
	require.InDelta(t, 40000, fired[0], 2500)
}

func TestSmallFluctuationWithinBandIsSuppressed(t *testing.T) {
	var fired []int64
	d := newTestDetector(&fired)

	// 1% wiggle: below the upper percentage threshold
	for i := 0; i < 300; i++ {
		v := int64(100000)
		if i%2 == 0 {
			v = 101000
		}
		d.AddValue(int64(i), v)
	}
	require.Empty(t, fired)
}

func TestLargeRelativeButTinyAbsoluteChangeIsSuppressed(t *testing.T) {
	var fired []int64
	d := newTestDetector(&fired)

	// +30% relative, but only 300µs absolute: below the absolute floor
	for i := 0; i < 60; i++ {
		d.AddValue(int64(i), 1000)
	}
	for i := 60; i < 120; i++ {
		d.AddValue(int64(i), 1300)
	}
	require.Empty(t, fired)
}

func TestStepDownIsDetected(t *testing.T) {
	var fired []int64
	d := newTestDetector(&fired)

	for i := 0; i < 60; i++ {
		d.AddValue(int64(i), 50000)
	}
	for i := 60; i < 120; i++ {
		d.AddValue(int64(i), 20000)
	}
	require.NotEmpty(t, fired)
	require.InDelta(t, 20000, fired[len(fired)-1], 5000)
}

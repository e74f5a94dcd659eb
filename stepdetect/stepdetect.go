// Package stepdetect implements a dual sliding-window outlier filter. Two
// moving means are kept over the same sample stream, one fast and one
// slow; a step is declared when the fast mean diverges from the slow mean
// beyond both a percentage band and an absolute threshold. Requiring both
// conditions suppresses flapping on noisy but bounded streams.
package stepdetect

import "time"

type Detector struct {
	samplingPeriod time.Duration
	fastWndSize    int
	slowWndSize    int
	loThreshold    float64 // percent
	hiThreshold    float64 // percent
	absThreshold   int64
	onChange       func(int64)

	fast        []int64
	slow        []int64
	sampleCount int
}

// New builds a detector. onChange receives the new fast-window mean
// whenever a step is declared.
func New(
	samplingPeriod time.Duration,
	fastWndSize, slowWndSize int,
	loThreshold, hiThreshold uint8,
	absThreshold int64,
	onChange func(int64),
) *Detector {
	return &Detector{
		samplingPeriod: samplingPeriod,
		fastWndSize:    fastWndSize,
		slowWndSize:    slowWndSize,
		loThreshold:    float64(loThreshold),
		hiThreshold:    float64(hiThreshold),
		absThreshold:   absThreshold,
		onChange:       onChange,
		fast:           make([]int64, 0, fastWndSize),
		slow:           make([]int64, 0, slowWndSize),
	}
}

func mean(win []int64) float64 {
	if len(win) == 0 {
		return 0
	}
	var sum int64
	for _, v := range win {
		sum += v
	}
	return float64(sum) / float64(len(win))
}

func slide(win []int64, size int, value int64) []int64 {
	win = append(win, value)
	if len(win) > size {
		win = win[1:]
	}
	return win
}

// AddValue feeds one sample. ts is the sample timestamp in milliseconds,
// value the measurement in microseconds.
func (d *Detector) AddValue(ts int64, value int64) {
	_ = ts // timestamps are carried for symmetry with the sampling period; windows are count-based

	d.fast = slide(d.fast, d.fastWndSize, value)
	d.slow = slide(d.slow, d.slowWndSize, value)
	d.sampleCount++

	// compare only at fast-window boundaries; sample-by-sample
	// comparison would report one step as a staircase of many
	if d.sampleCount%d.fastWndSize != 0 || len(d.fast) < d.fastWndSize {
		return
	}

	fastMean := mean(d.fast)
	slowMean := mean(d.slow)
	diff := fastMean - slowMean
	if diff < 0 {
		diff = -diff
	}

	var pct float64
	if slowMean != 0 {
		pct = diff / slowMean * 100
	}

	// step iff BOTH the relative and the absolute condition hold
	if pct < d.hiThreshold || diff < float64(d.absThreshold) {
		return
	}

	// re-seed the slow window so a single step is reported exactly once
	d.slow = d.slow[:0]
	d.slow = append(d.slow, d.fast...)

	if d.onChange != nil {
		d.onChange(int64(fastMean))
	}
}

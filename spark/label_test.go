package spark

import (
	"testing"

	"github.com/cabelitos/openr/state"
	"github.com/stretchr/testify/require"
)

func TestLabelAllocationPrefersIfIndexOffset(t *testing.T) {
	sp, _ := newBareSpark(t, testConfig("nodeA"), nil)
	sp.interfaceDb["eth0"] = trackedInterface("eth0", 7, "10.0.0.1/30", "fe80::1/64")

	label, err := sp.newLabelForIface("eth0")
	require.NoError(t, err)
	require.Equal(t, state.SrLocalRangeFirst+7, label)
}

func TestLabelCollisionProbesDownwardFromTop(t *testing.T) {
	sp, _ := newBareSpark(t, testConfig("nodeA"), nil)
	sp.interfaceDb["eth0"] = trackedInterface("eth0", 7, "10.0.0.1/30", "fe80::1/64")

	first, err := sp.newLabelForIface("eth0")
	require.NoError(t, err)

	second, err := sp.newLabelForIface("eth0")
	require.NoError(t, err)
	require.Equal(t, state.SrLocalRangeLast, second)

	third, err := sp.newLabelForIface("eth0")
	require.NoError(t, err)
	require.Equal(t, state.SrLocalRangeLast-1, third)

	require.NotEqual(t, first, second)
	require.Len(t, sp.allocatedLabels, 3)
}

func TestLabelExhaustion(t *testing.T) {
	sp, _ := newBareSpark(t, testConfig("nodeA"), nil)
	sp.interfaceDb["eth0"] = trackedInterface("eth0", 1, "10.0.0.1/30", "fe80::1/64")

	for label := state.SrLocalRangeFirst; label <= state.SrLocalRangeLast; label++ {
		sp.allocatedLabels[label] = struct{}{}
	}
	_, err := sp.newLabelForIface("eth0")
	require.Error(t, err)
}

func TestLabelReleaseMakesItReusable(t *testing.T) {
	sp, _ := newBareSpark(t, testConfig("nodeA"), nil)
	sp.interfaceDb["eth0"] = trackedInterface("eth0", 3, "10.0.0.1/30", "fe80::1/64")

	label, err := sp.newLabelForIface("eth0")
	require.NoError(t, err)
	sp.releaseLabel(label)

	again, err := sp.newLabelForIface("eth0")
	require.NoError(t, err)
	require.Equal(t, label, again)
	require.Len(t, sp.allocatedLabels, 1)
}

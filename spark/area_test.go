package spark

import (
	"testing"

	"github.com/cabelitos/openr/state"
	"github.com/stretchr/testify/require"
)

func TestAreaDefaultSynthesized(t *testing.T) {
	sp, _ := newBareSpark(t, testConfig("nodeA"), nil)

	area, ok := sp.getNeighborArea("anything", "eth0")
	require.True(t, ok)
	require.Equal(t, DefaultArea, area)
}

func TestAreaBothRegexSetsMustMatch(t *testing.T) {
	cfg := testConfig("nodeA")
	cfg.Areas = []state.AreaCfg{{
		AreaId:           "pod-1",
		NeighborRegexes:  []string{"rsw.*"},
		InterfaceRegexes: []string{"eth.*"},
	}}
	sp, _ := newBareSpark(t, cfg, nil)

	area, ok := sp.getNeighborArea("rsw001", "eth0")
	require.True(t, ok)
	require.Equal(t, "pod-1", area)

	// neighbor matches, interface does not
	_, ok = sp.getNeighborArea("rsw001", "po1")
	require.False(t, ok)
	v, _ := sp.stats.Counter("spark.neighbor_no_area")
	require.EqualValues(t, 1, v)
}

func TestAreaSingleRegexSetSuffices(t *testing.T) {
	cfg := testConfig("nodeA")
	cfg.Areas = []state.AreaCfg{{
		AreaId:          "spine",
		NeighborRegexes: []string{"ssw.*"},
	}}
	sp, _ := newBareSpark(t, cfg, nil)

	area, ok := sp.getNeighborArea("SSW042", "whatever") // case-insensitive
	require.True(t, ok)
	require.Equal(t, "spine", area)
}

func TestAreaMultipleMatchesRefused(t *testing.T) {
	cfg := testConfig("nodeA")
	cfg.Areas = []state.AreaCfg{
		{AreaId: "a", NeighborRegexes: []string{"node.*"}},
		{AreaId: "b", InterfaceRegexes: []string{"eth.*"}},
	}
	sp, _ := newBareSpark(t, cfg, nil)

	_, ok := sp.getNeighborArea("nodeB", "eth0")
	require.False(t, ok)
	v, _ := sp.stats.Counter("spark.neighbor_multiple_area")
	require.EqualValues(t, 1, v)
}

func TestAreaRegexAnchored(t *testing.T) {
	cfg := testConfig("nodeA")
	cfg.Areas = []state.AreaCfg{{
		AreaId:          "edge",
		NeighborRegexes: []string{"node"},
	}}
	sp, _ := newBareSpark(t, cfg, nil)

	// "node" must not match "nodeB" as a substring
	_, ok := sp.getNeighborArea("nodeB", "eth0")
	require.False(t, ok)
}

func TestCompileAreaRulesRejectsBadRegex(t *testing.T) {
	_, err := compileAreaRules([]state.AreaCfg{{
		AreaId:          "broken",
		NeighborRegexes: []string{"("},
	}})
	require.Error(t, err)
}

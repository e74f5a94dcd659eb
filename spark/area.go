package spark

import (
	"fmt"
	"regexp"

	"github.com/cabelitos/openr/state"
)

// DefaultArea is the area id assumed when no area configuration exists,
// and the value both sides coerce to when either peer predates area
// support.
const DefaultArea = "0"

// areaRule binds an area id to the compiled regex sets deciding
// membership. Compiled once at startup; lookups are read-only.
type areaRule struct {
	areaID           string
	neighborRegexes  []*regexp.Regexp
	interfaceRegexes []*regexp.Regexp
}

func compileRegexSet(exprs []string) ([]*regexp.Regexp, error) {
	res := make([]*regexp.Regexp, 0, len(exprs))
	for _, expr := range exprs {
		// case-insensitive, anchored on both ends
		re, err := regexp.Compile(fmt.Sprintf(`(?i)\A(?:%s)\z`, expr))
		if err != nil {
			return nil, fmt.Errorf("invalid regex %q: %w", expr, err)
		}
		res = append(res, re)
	}
	return res, nil
}

// compileAreaRules builds the area table. Without any configuration a
// single catch-all default-area entry is synthesized for backward
// compatibility.
func compileAreaRules(cfgs []state.AreaCfg) ([]areaRule, error) {
	if len(cfgs) == 0 {
		cfgs = []state.AreaCfg{{
			AreaId:           DefaultArea,
			NeighborRegexes:  []string{".*"},
			InterfaceRegexes: []string{".*"},
		}}
	}

	rules := make([]areaRule, 0, len(cfgs))
	for _, cfg := range cfgs {
		if len(cfg.NeighborRegexes) == 0 && len(cfg.InterfaceRegexes) == 0 {
			return nil, fmt.Errorf("area %s: at least one non-empty regex set is required", cfg.AreaId)
		}
		neighborRes, err := compileRegexSet(cfg.NeighborRegexes)
		if err != nil {
			return nil, fmt.Errorf("area %s: neighbor regexes: %w", cfg.AreaId, err)
		}
		interfaceRes, err := compileRegexSet(cfg.InterfaceRegexes)
		if err != nil {
			return nil, fmt.Errorf("area %s: interface regexes: %w", cfg.AreaId, err)
		}
		rules = append(rules, areaRule{
			areaID:           cfg.AreaId,
			neighborRegexes:  neighborRes,
			interfaceRegexes: interfaceRes,
		})
	}
	return rules, nil
}

func matchRegexSet(s string, res []*regexp.Regexp) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}

// getNeighborArea deduces the unique area a new neighbor belongs to. Zero
// or multiple candidates refuse the neighbor.
func (sp *Spark) getNeighborArea(peerNodeName, localIfName string) (string, bool) {
	var candidateAreas []string
	for _, rule := range sp.areaRules {
		hasNeighborRes := len(rule.neighborRegexes) > 0
		hasInterfaceRes := len(rule.interfaceRegexes) > 0
		switch {
		case hasNeighborRes && hasInterfaceRes:
			if matchRegexSet(peerNodeName, rule.neighborRegexes) &&
				matchRegexSet(localIfName, rule.interfaceRegexes) {
				candidateAreas = append(candidateAreas, rule.areaID)
			}
		case hasNeighborRes:
			if matchRegexSet(peerNodeName, rule.neighborRegexes) {
				candidateAreas = append(candidateAreas, rule.areaID)
			}
		case hasInterfaceRes:
			if matchRegexSet(localIfName, rule.interfaceRegexes) {
				candidateAreas = append(candidateAreas, rule.areaID)
			}
		}
	}

	switch {
	case len(candidateAreas) == 0:
		sp.env.Log.Error("no matching area found for neighbor",
			"neighbor", peerNodeName, "interface", localIfName)
		sp.stats.AddValue("spark.neighbor_no_area", 1)
		return "", false
	case len(candidateAreas) > 1:
		sp.env.Log.Error("multiple areas found for neighbor",
			"neighbor", peerNodeName, "interface", localIfName, "areas", candidateAreas)
		sp.stats.AddValue("spark.neighbor_multiple_area", 1)
		return "", false
	}
	return candidateAreas[0], true
}

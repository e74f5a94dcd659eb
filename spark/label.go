package spark

import (
	"fmt"

	"github.com/cabelitos/openr/state"
)

// newLabelForIface allocates a segment-routing local label for a new
// neighbor. The first choice is base + ifIndex; on collision the free
// slots are probed downward from the top of the range. Exhaustion means
// the deployment outgrew the local range and is fatal.
func (sp *Spark) newLabelForIface(ifName string) (int32, error) {
	label := state.SrLocalRangeFirst + int32(sp.interfaceDb[ifName].IfIndex)
	if _, taken := sp.allocatedLabels[label]; !taken {
		sp.allocatedLabels[label] = struct{}{}
		return label, nil
	}

	for label = state.SrLocalRangeLast; label >= state.SrLocalRangeFirst; label-- {
		if _, taken := sp.allocatedLabels[label]; !taken {
			sp.allocatedLabels[label] = struct{}{}
			return label, nil
		}
	}
	return 0, fmt.Errorf("ran out of local label allocation space")
}

// releaseLabel frees a neighbor's label. Called exactly once, when the
// neighbor is removed.
func (sp *Spark) releaseLabel(label int32) {
	delete(sp.allocatedLabels, label)
}

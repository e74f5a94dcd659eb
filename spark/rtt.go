package spark

import (
	"time"

	"github.com/cabelitos/openr/state"
)

// processRttChange is the step-detector callback. Only adjacent neighbors
// report RTT changes upstream.
func (sp *Spark) processRttChange(ifName, neighborName string, newRtt int64) {
	neighbor := sp.getNeighbor(ifName, neighborName)
	if neighbor == nil {
		return
	}
	if neighbor.State != Established {
		return
	}

	sp.env.Log.Info("neighbor RTT changed",
		"neighbor", neighborName, "interface", ifName,
		"oldRttUs", neighbor.RTT.Microseconds(), "newRttUs", newRtt)

	neighbor.RTT = time.Duration(newRtt) * time.Microsecond
	sp.notifyNeighborEvent(state.NeighborRttChange, ifName, neighbor, false)
}

// updateNeighborRtt folds one hello exchange into the neighbor's RTT
// estimate. All four timestamps are microseconds:
//
//	mySentTime   sent time of our hello, as echoed by the peer
//	nbrRecvTime  when the peer received it, as echoed by the peer
//	nbrSentTime  sent time of the peer's hello
//	myRecvTime   when we received the peer's hello
func (sp *Spark) updateNeighborRtt(
	myRecvTime, mySentTime, nbrRecvTime, nbrSentTime int64,
	neighborName, remoteIfName, ifName string,
) {
	if mySentTime == 0 || nbrRecvTime == 0 {
		sp.env.Log.Error("missing timestamp to deduce RTT", "neighbor", neighborName)
		return
	}
	if nbrSentTime < nbrRecvTime {
		sp.env.Log.Error("time anomaly, peer sent before it received",
			"neighbor", neighborName, "nbrSentTime", nbrSentTime, "nbrRecvTime", nbrRecvTime)
		return
	}
	if myRecvTime < mySentTime {
		sp.env.Log.Error("time anomaly, received before we sent",
			"neighbor", neighborName, "myRecvTime", myRecvTime, "mySentTime", mySentTime)
		return
	}

	rttUs := (myRecvTime - mySentTime) - (nbrSentTime - nbrRecvTime)

	// clock adjustments can push the measurement negative; the next
	// samples will correct it
	if rttUs < 0 {
		sp.env.Log.Error("time anomaly, measured negative RTT",
			"neighbor", neighborName, "rttUs", rttUs)
		return
	}

	// Mask off to millisecond accuracy. Microsecond readings taken in
	// user space are dominated by scheduling noise, and millisecond
	// accuracy is plenty for WAN-scale paths.
	rttUs = max(rttUs/1000*1000, 1000)

	neighbor := sp.getNeighbor(ifName, neighborName)
	if neighbor == nil {
		return
	}

	neighbor.StepDetector.AddValue(myRecvTime/1000, rttUs)
	if neighbor.RTT == 0 {
		neighbor.RTT = time.Duration(rttUs) * time.Microsecond
	}
	neighbor.RTTLatest = time.Duration(rttUs) * time.Microsecond
}

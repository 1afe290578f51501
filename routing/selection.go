/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package routing

// Candidate is the load information selection operates on for a node which
// has already passed the exclusion, repair, role, zone and consistency filters.
type Candidate struct {
	NodeID           NodeID
	ActiveRequests   int64
	AvgReadLatencyMs int64
}

func lessBusy(a, b Candidate) int {
	if a.ActiveRequests != b.ActiveRequests {
		if a.ActiveRequests < b.ActiveRequests {
			return -1
		}
		return +1
	}
	if a.AvgReadLatencyMs != b.AvgReadLatencyMs {
		if a.AvgReadLatencyMs < b.AvgReadLatencyMs {
			return -1
		}
		return +1
	}
	return 0
}

// SelectLeastBusy picks the candidate with the fewest outstanding requests,
// falling back to the lowest average read latency.  Candidates which are equal
// on both are chosen between with a single index drawn from intn over the
// tied candidates only, so that equally idle nodes share load evenly rather
// than the first one in iteration order taking everything.
func SelectLeastBusy(cands []Candidate, intn func(n int) int) (NodeID, bool) {
	if len(cands) == 0 {
		return "", false
	}

	best := cands[0]
	numTied := 1
	for _, cand := range cands[1:] {
		switch lessBusy(cand, best) {
		case -1:
			best = cand
			numTied = 1
		case 0:
			numTied++
		}
	}

	if numTied == 1 {
		return best.NodeID, true
	}

	pick := intn(numTied) % numTied
	if pick < 0 {
		pick += numTied
	}

	for _, cand := range cands {
		if lessBusy(cand, best) != 0 {
			continue
		}
		if pick == 0 {
			return cand.NodeID, true
		}
		pick--
	}

	return best.NodeID, true
}

// SelectByResponseTime picks a candidate with probability inversely
// proportional to its average read latency, using r drawn from [0, 1).
//
// This is not used for routing.  Trailing response times lag behind the
// actual load on a node, so under saturation it performs noticeably worse
// than SelectLeastBusy, which reacts to outstanding requests immediately.
// It is kept so the two can be compared.
func SelectByResponseTime(cands []Candidate, r float64) (NodeID, bool) {
	if len(cands) == 0 {
		return "", false
	}

	weights := make([]float64, len(cands))
	total := 0.0
	for i, cand := range cands {
		weights[i] = 1.0 / float64(cand.AvgReadLatencyMs+1)
		total += weights[i]
	}

	target := r * total
	for i, cand := range cands {
		target -= weights[i]
		if target < 0 {
			return cand.NodeID, true
		}
	}

	return cands[len(cands)-1].NodeID, true
}

/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package routing

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSelectLeastBusyEmpty(t *testing.T) {
	_, ok := SelectLeastBusy(nil, firstIdx)
	assert.False(t, ok)
}

func TestSelectLeastBusyPrefersFewestActive(t *testing.T) {
	cands := []Candidate{
		{NodeID: "a", ActiveRequests: 3, AvgReadLatencyMs: 1},
		{NodeID: "b", ActiveRequests: 1, AvgReadLatencyMs: 50},
		{NodeID: "c", ActiveRequests: 2, AvgReadLatencyMs: 1},
	}

	for i := 0; i < 5; i++ {
		nodeID, ok := SelectLeastBusy(cands, fixedIdx(i))
		assert.True(t, ok)
		assert.Equal(t, NodeID("b"), nodeID)
	}
}

func TestSelectLeastBusyBreaksTiesOnLatency(t *testing.T) {
	cands := []Candidate{
		{NodeID: "a", ActiveRequests: 1, AvgReadLatencyMs: 15},
		{NodeID: "b", ActiveRequests: 1, AvgReadLatencyMs: 5},
	}

	nodeID, ok := SelectLeastBusy(cands, fixedIdx(0))
	assert.True(t, ok)
	assert.Equal(t, NodeID("b"), nodeID)
}

func TestSelectLeastBusyRandomTieBreak(t *testing.T) {
	cands := []Candidate{
		{NodeID: "a", ActiveRequests: 0, AvgReadLatencyMs: 0},
		{NodeID: "busy", ActiveRequests: 4, AvgReadLatencyMs: 0},
		{NodeID: "b", ActiveRequests: 0, AvgReadLatencyMs: 0},
		{NodeID: "c", ActiveRequests: 0, AvgReadLatencyMs: 0},
	}

	nodeID, _ := SelectLeastBusy(cands, fixedIdx(0))
	assert.Equal(t, NodeID("a"), nodeID)
	nodeID, _ = SelectLeastBusy(cands, fixedIdx(1))
	assert.Equal(t, NodeID("b"), nodeID)
	nodeID, _ = SelectLeastBusy(cands, fixedIdx(2))
	assert.Equal(t, NodeID("c"), nodeID)
	nodeID, _ = SelectLeastBusy(cands, fixedIdx(3))
	assert.Equal(t, NodeID("a"), nodeID)
	nodeID, _ = SelectLeastBusy(cands, fixedIdx(-1))
	assert.Equal(t, NodeID("c"), nodeID)
}

func TestSelectLeastBusySpreadsLoad(t *testing.T) {
	cands := []Candidate{
		{NodeID: "a"},
		{NodeID: "b"},
		{NodeID: "c"},
	}

	rng := rand.New(rand.NewSource(1))
	counts := make(map[NodeID]int)
	const numPicks = 3000
	for i := 0; i < numPicks; i++ {
		nodeID, ok := SelectLeastBusy(cands, rng.Intn)
		assert.True(t, ok)
		counts[nodeID]++
	}

	for _, cand := range cands {
		assert.InDelta(t, numPicks/3, counts[cand.NodeID], numPicks/10,
			"node %s picked %d times", cand.NodeID, counts[cand.NodeID])
	}
}

func TestSelectLeastBusySpreadsLoadPastBusyNodes(t *testing.T) {
	cands := []Candidate{
		{NodeID: "a"},
		{NodeID: "b"},
		{NodeID: "busy", ActiveRequests: 5},
	}

	rng := rand.New(rand.NewSource(1))
	counts := make(map[NodeID]int)
	const numPicks = 30000
	for i := 0; i < numPicks; i++ {
		nodeID, ok := SelectLeastBusy(cands, rng.Intn)
		assert.True(t, ok)
		counts[nodeID]++
	}

	assert.Zero(t, counts["busy"])
	assert.InDelta(t, numPicks/2, counts["a"], numPicks/20, "a picked %d times", counts["a"])
	assert.InDelta(t, numPicks/2, counts["b"], numPicks/20, "b picked %d times", counts["b"])
}

func TestSelectLeastBusyDrawsOverTiedOnly(t *testing.T) {
	cands := []Candidate{
		{NodeID: "a"},
		{NodeID: "busy", ActiveRequests: 5},
		{NodeID: "b"},
	}

	var draws []int
	nodeID, _ := SelectLeastBusy(cands, func(n int) int {
		draws = append(draws, n)
		return n - 1
	})
	assert.Equal(t, NodeID("b"), nodeID)
	assert.Equal(t, []int{2}, draws)

	// no draw is made without a tie
	draws = nil
	nodeID, _ = SelectLeastBusy(cands[:2], func(n int) int {
		draws = append(draws, n)
		return 0
	})
	assert.Equal(t, NodeID("a"), nodeID)
	assert.Empty(t, draws)
}

func TestSelectByResponseTime(t *testing.T) {
	_, ok := SelectByResponseTime(nil, 0.5)
	assert.False(t, ok)

	cands := []Candidate{
		{NodeID: "fast", AvgReadLatencyMs: 0},
		{NodeID: "slow", AvgReadLatencyMs: 99},
	}

	// weights are 1 and 0.01
	nodeID, _ := SelectByResponseTime(cands, 0)
	assert.Equal(t, NodeID("fast"), nodeID)
	nodeID, _ = SelectByResponseTime(cands, 0.5)
	assert.Equal(t, NodeID("fast"), nodeID)
	nodeID, _ = SelectByResponseTime(cands, 0.999)
	assert.Equal(t, NodeID("slow"), nodeID)
}

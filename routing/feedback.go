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
	"time"

	"go.uber.org/zap"
)

// RoleReport is a node's view of its own role, piggybacked on a response.
type RoleReport struct {
	Role      Role
	MasterID  NodeID
	EventTime time.Time
}

// NodeStatus carries the state a node reports alongside a response.  Zero
// fields are ignored.
type NodeStatus struct {
	Progress        int64
	TopoSeqNum      int64
	MetadataSeqNums map[MetadataKind]int64
	Role            *RoleReport
}

// ApplyNodeStatus folds the status reported by a node into its group.
func (t *GroupTable) ApplyNodeStatus(state *NodeState, status *NodeStatus) {
	if status == nil {
		return
	}

	state.UpdateProgress(status.Progress, t.now())

	if status.TopoSeqNum > 0 && state.UpdateTopoSeqNum(status.TopoSeqNum) {
		t.logger.Debug("node reported newer topology",
			zap.String("node", string(state.nodeID)),
			zap.Int64("topoSeqNum", status.TopoSeqNum))
	}

	for kind, seqNum := range status.MetadataSeqNums {
		t.UpdateMetadataSeqNum(kind, seqNum)
	}

	if status.Role != nil {
		t.ApplyRoleChange(state.nodeID, status.Role.MasterID, status.Role.Role, status.Role.EventTime)
	}
}

// ApplyNodeStatus routes a node's reported status to its group.
func (r *Router) ApplyNodeStatus(state *NodeState, status *NodeStatus) {
	table := r.Group(state.groupID)
	if table == nil {
		return
	}
	table.ApplyNodeStatus(state, status)
}

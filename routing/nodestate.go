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
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// ConnHandle is the connection handle owned by a NodeState.  It is satisfied by
// both of the lazyhandle realisations.
type ConnHandle interface {
	NeedsRepair() bool
	NoteFailure(err error)
	Reset()
	Repair(ctx context.Context) error
}

// RequestObserver receives every completed request, reads and writes alike,
// for external metrics reporting.
type RequestObserver interface {
	ObserveRequest(group GroupID, node NodeID, d time.Duration, isWrite bool, failed bool)
}

// RepairObserver receives the outcome of every background repair attempt.
type RepairObserver interface {
	ObserveRepair(group GroupID, node NodeID, failed bool)
}

// FallbackObserver is notified when a selection has to fall back to a random
// active node.  A RequestObserver may implement it.
type FallbackObserver interface {
	ObserveFallback(group GroupID)
}

type nopHandle struct{}

type handleRef struct {
	ConnHandle
}

func (nopHandle) NeedsRepair() bool                { return false }
func (nopHandle) NoteFailure(err error)            {}
func (nopHandle) Reset()                           {}
func (nopHandle) Repair(ctx context.Context) error { return nil }

// NodeState holds the dynamic facts about a single node of a replication
// group.  All accessors are safe for concurrent use and never block on
// group-wide state.
type NodeState struct {
	groupID  GroupID
	nodeID   NodeID
	handle   atomic.Pointer[handleRef]
	observer RequestObserver

	zoneLock sync.RWMutex
	zoneID   ZoneID

	role           atomic.Int32
	activeRequests atomic.Int64
	requestCount   atomic.Uint64
	errorCount     atomic.Uint64
	topoSeqNum     atomic.Int64

	readLatency latencyWindow
	progress    *ProgressTracker
}

type nodeStateOptions struct {
	GroupID      GroupID
	NodeID       NodeID
	Handle       ConnHandle
	Observer     RequestObserver
	RateInterval time.Duration
}

func newNodeState(opts nodeStateOptions) *NodeState {
	n := &NodeState{
		groupID:  opts.GroupID,
		nodeID:   opts.NodeID,
		observer: opts.Observer,
		progress: NewProgressTracker(opts.RateInterval),
	}
	n.role.Store(int32(RoleReplica))
	n.swapHandle(opts.Handle)

	return n
}

func (n *NodeState) GroupID() GroupID {
	return n.groupID
}

func (n *NodeState) NodeID() NodeID {
	return n.nodeID
}

func (n *NodeState) Zone() ZoneID {
	n.zoneLock.RLock()
	defer n.zoneLock.RUnlock()

	return n.zoneID
}

func (n *NodeState) setZone(zoneID ZoneID) {
	n.zoneLock.Lock()
	n.zoneID = zoneID
	n.zoneLock.Unlock()
}

func (n *NodeState) Role() Role {
	return Role(n.role.Load())
}

// UpdateRole unconditionally overwrites the role.  Ordering of role changes
// is the responsibility of the owning GroupTable.
func (n *NodeState) UpdateRole(role Role) {
	n.role.Store(int32(role))
}

func (n *NodeState) Handle() ConnHandle {
	return n.handle.Load().ConnHandle
}

// swapHandle installs a new handle and returns the one it replaced.
func (n *NodeState) swapHandle(handle ConnHandle) ConnHandle {
	if handle == nil {
		handle = nopHandle{}
	}

	old := n.handle.Swap(&handleRef{handle})
	if old == nil {
		return nil
	}
	return old.ConnHandle
}

func (n *NodeState) NeedsRepair() bool {
	return n.Handle().NeedsRepair()
}

// NoteFailure records a failed remote invocation against the node's handle so
// that subsequent requests route around it until it has been repaired.
func (n *NodeState) NoteFailure(err error) {
	n.Handle().NoteFailure(err)
}

// BeginRequest must be paired with EndRequest around every dispatch attempt,
// whatever its outcome.  It returns the active count after the increment.
func (n *NodeState) BeginRequest() int64 {
	return n.activeRequests.Add(1)
}

func (n *NodeState) EndRequest() {
	if n.activeRequests.Add(-1) < 0 {
		panic(ErrNegativeActiveRequests)
	}
}

func (n *NodeState) ActiveRequests() int64 {
	return n.activeRequests.Load()
}

// RecordReadLatency folds the duration of a successful read into the trailing
// read latency average used for selection.
func (n *NodeState) RecordReadLatency(d time.Duration) {
	n.readLatency.Record(d)
}

func (n *NodeState) AvgReadLatencyMs() int64 {
	return n.readLatency.AverageMs()
}

// RecordRequest accounts for a completed request of any kind.
func (n *NodeState) RecordRequest(d time.Duration, isWrite bool, err error) {
	n.requestCount.Add(1)
	if err != nil {
		n.errorCount.Add(1)
	}

	if n.observer != nil {
		n.observer.ObserveRequest(n.groupID, n.nodeID, d, isWrite, err != nil)
	}
}

func (n *NodeState) RequestCount() uint64 {
	return n.requestCount.Load()
}

func (n *NodeState) ErrorCount() uint64 {
	return n.errorCount.Load()
}

func (n *NodeState) UpdateProgress(value int64, now time.Time) {
	n.progress.Update(value, now)
}

func (n *NodeState) ProgressAt(t time.Time) int64 {
	return n.progress.ValueAt(t)
}

func (n *NodeState) Progress() *ProgressTracker {
	return n.progress
}

// IsConsistentForVersion reports whether the node is estimated to have applied
// at least the required progress value at the given time.
func (n *NodeState) IsConsistentForVersion(now time.Time, required int64) bool {
	value := n.progress.ValueAt(now)
	if value == ProgressUnknown {
		return false
	}

	return required <= value
}

// IsConsistentForTime reports whether the node is estimated to be no more than
// lag behind the master.  Without any knowledge of the master, the check is
// optimistically satisfied; a request that reaches the real master corrects it.
func (n *NodeState) IsConsistentForTime(now time.Time, lag time.Duration, master *NodeState) bool {
	if master == nil {
		return true
	}

	masterValue := master.progress.ValueAt(now.Add(-lag))
	if masterValue == ProgressUnknown {
		return true
	}

	value := n.progress.ValueAt(now)
	if value == ProgressUnknown {
		return false
	}

	return value >= masterValue
}

func (n *NodeState) TopoSeqNum() int64 {
	return n.topoSeqNum.Load()
}

// UpdateTopoSeqNum raises the known topology sequence number.  It returns
// false and leaves the value untouched if seqNum is not newer.
func (n *NodeState) UpdateTopoSeqNum(seqNum int64) bool {
	for {
		current := n.topoSeqNum.Load()
		if seqNum <= current {
			return false
		}

		if n.topoSeqNum.CompareAndSwap(current, seqNum) {
			return true
		}
	}
}

type NodeSnapshot struct {
	NodeID           NodeID `json:"nodeId"`
	ZoneID           ZoneID `json:"zoneId,omitempty"`
	Role             Role   `json:"role"`
	ActiveRequests   int64  `json:"activeRequests"`
	AvgReadLatencyMs int64  `json:"avgReadLatencyMs"`
	RequestCount     uint64 `json:"requestCount"`
	ErrorCount       uint64 `json:"errorCount"`
	Progress         int64  `json:"progress"`
	ProgressRate     int64  `json:"progressRate"`
	TopoSeqNum       int64  `json:"topoSeqNum"`
	NeedsRepair      bool   `json:"needsRepair"`
}

func (n *NodeState) Snapshot() NodeSnapshot {
	return NodeSnapshot{
		NodeID:           n.nodeID,
		ZoneID:           n.Zone(),
		Role:             n.Role(),
		ActiveRequests:   n.ActiveRequests(),
		AvgReadLatencyMs: n.AvgReadLatencyMs(),
		RequestCount:     n.RequestCount(),
		ErrorCount:       n.ErrorCount(),
		Progress:         n.progress.LastValue(),
		ProgressRate:     n.progress.RatePerSecond(),
		TopoSeqNum:       n.TopoSeqNum(),
		NeedsRepair:      n.NeedsRepair(),
	}
}

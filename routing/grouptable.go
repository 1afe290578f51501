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
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// NodeSet is a set of node ids, used to exclude nodes from selection.  A nil
// NodeSet is empty.
type NodeSet map[NodeID]struct{}

func (s NodeSet) Contains(nodeID NodeID) bool {
	_, ok := s[nodeID]
	return ok
}

func (s NodeSet) Add(nodeID NodeID) {
	s[nodeID] = struct{}{}
}

// ZoneFilter reports whether nodes in a zone may serve a request.  A nil
// ZoneFilter permits every zone.
type ZoneFilter func(zoneID ZoneID) bool

func (f ZoneFilter) allows(zoneID ZoneID) bool {
	return f == nil || f(zoneID)
}

// ZonesFilter builds a ZoneFilter permitting only the listed zones, or every
// zone if none are listed.
func ZonesFilter(zones ...ZoneID) ZoneFilter {
	if len(zones) == 0 {
		return nil
	}

	zones = slices.Clone(zones)
	return func(zoneID ZoneID) bool {
		return slices.Contains(zones, zoneID)
	}
}

type Member struct {
	NodeID  NodeID
	ZoneID  ZoneID
	Address string
}

type HandleFactory func(groupID GroupID, nodeID NodeID, address string) ConnHandle

type GroupTableOptions struct {
	GroupID       GroupID
	Logger        *zap.Logger
	HandleFactory HandleFactory
	Observer      RequestObserver
	RateInterval  time.Duration
	ZoneFilter    ZoneFilter

	// Intn and Now are overridable for tests.
	Intn func(n int) int
	Now  func() time.Time
}

type groupNode struct {
	state   *NodeState
	address string
}

// GroupTable tracks the nodes of a single replication group and selects which
// of them should serve a request.
type GroupTable struct {
	groupID       GroupID
	logger        *zap.Logger
	handleFactory HandleFactory
	observer      RequestObserver
	rateInterval  time.Duration
	zoneFilter    ZoneFilter
	intn          func(n int) int
	now           func() time.Time

	lock           sync.RWMutex
	nodes          []*groupNode
	masterID       NodeID
	lastChangeTime time.Time

	seqLock         sync.Mutex
	metadataSeqNums map[MetadataKind]int64
}

func NewGroupTable(opts GroupTableOptions) *GroupTable {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	intn := opts.Intn
	if intn == nil {
		intn = rand.Intn
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}

	return &GroupTable{
		groupID:         opts.GroupID,
		logger:          logger.With(zap.String("group", string(opts.GroupID))),
		handleFactory:   opts.HandleFactory,
		observer:        opts.Observer,
		rateInterval:    opts.RateInterval,
		zoneFilter:      opts.ZoneFilter,
		intn:            intn,
		now:             now,
		metadataSeqNums: make(map[MetadataKind]int64),
	}
}

func (t *GroupTable) GroupID() GroupID {
	return t.groupID
}

func (t *GroupTable) findLocked(nodeID NodeID) *groupNode {
	for _, node := range t.nodes {
		if node.state.nodeID == nodeID {
			return node
		}
	}
	return nil
}

func (t *GroupTable) newHandle(nodeID NodeID, address string) ConnHandle {
	if t.handleFactory == nil || address == "" {
		return nil
	}
	return t.handleFactory(t.groupID, nodeID, address)
}

func (t *GroupTable) newNodeLocked(nodeID NodeID, address string) *groupNode {
	node := &groupNode{
		state: newNodeState(nodeStateOptions{
			GroupID:      t.groupID,
			NodeID:       nodeID,
			Handle:       t.newHandle(nodeID, address),
			Observer:     t.observer,
			RateInterval: t.rateInterval,
		}),
		address: address,
	}
	t.nodes = append(t.nodes, node)

	t.logger.Debug("tracking new node", zap.String("node", string(nodeID)))

	return node
}

// connectableLocked reports whether requests can reach node.  Nodes only
// known from role events have no address and so nothing to connect to.
func (t *GroupTable) connectableLocked(node *groupNode) bool {
	return t.handleFactory == nil || node.address != ""
}

// NodeState returns the state for a node, or nil if it is not tracked.
func (t *GroupTable) NodeState(nodeID NodeID) *NodeState {
	t.lock.RLock()
	defer t.lock.RUnlock()

	node := t.findLocked(nodeID)
	if node == nil {
		return nil
	}
	return node.state
}

func (t *GroupTable) GetOrCreateNodeState(nodeID NodeID) *NodeState {
	if state := t.NodeState(nodeID); state != nil {
		return state
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	node := t.findLocked(nodeID)
	if node == nil {
		node = t.newNodeLocked(nodeID, "")
	}
	return node.state
}

func (t *GroupTable) NodeStates() []*NodeState {
	t.lock.RLock()
	defer t.lock.RUnlock()

	states := make([]*NodeState, len(t.nodes))
	for i, node := range t.nodes {
		states[i] = node.state
	}
	return states
}

// ApplyTopology reconciles the tracked nodes with the group membership.  New
// members are tracked as replicas, departed members are dropped, and members
// whose address changed get a fresh connection handle.  Roles and load
// metrics are left untouched.
func (t *GroupTable) ApplyTopology(members []Member) {
	t.lock.Lock()
	defer t.lock.Unlock()

	for _, member := range members {
		node := t.findLocked(member.NodeID)
		if node == nil {
			node = t.newNodeLocked(member.NodeID, member.Address)
		} else if node.address != member.Address {
			t.logger.Info("node address changed, replacing connection",
				zap.String("node", string(member.NodeID)),
				zap.String("oldAddress", node.address),
				zap.String("newAddress", member.Address))

			node.address = member.Address
			old := node.state.swapHandle(t.newHandle(member.NodeID, member.Address))
			old.Reset()
		}

		node.state.setZone(member.ZoneID)
	}

	t.nodes = slices.DeleteFunc(t.nodes, func(node *groupNode) bool {
		isMember := slices.ContainsFunc(members, func(m Member) bool {
			return m.NodeID == node.state.nodeID
		})
		if !isMember {
			t.logger.Info("node left group", zap.String("node", string(node.state.nodeID)))
			node.state.Handle().Reset()
		}
		return !isMember
	})
}

// ApplyRoleChange applies a role change reported for nodeID.  Changes are
// ordered by eventTime: anything not strictly newer than the last accepted
// change is discarded, which lets a master elected after a partition heals
// win over a stale master on the other side of it.  Returns whether the
// change was applied.
func (t *GroupTable) ApplyRoleChange(nodeID, reportedMasterID NodeID, role Role, eventTime time.Time) bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	if !eventTime.After(t.lastChangeTime) {
		t.logger.Debug("discarding stale role change",
			zap.String("node", string(nodeID)),
			zap.Stringer("role", role),
			zap.Time("eventTime", eventTime),
			zap.Time("lastChangeTime", t.lastChangeTime))
		return false
	}

	node := t.findLocked(nodeID)
	if node == nil {
		node = t.newNodeLocked(nodeID, "")
	}

	// inactive roles carry no authoritative master information
	if !role.IsActive() {
		node.state.UpdateRole(role)
		return true
	}

	masterID := reportedMasterID
	if role == RoleMaster {
		masterID = nodeID
	} else if masterID == nodeID {
		masterID = ""
	}

	t.lastChangeTime = eventTime
	if t.masterID != masterID {
		t.logger.Info("group master changed",
			zap.String("oldMaster", string(t.masterID)),
			zap.String("newMaster", string(masterID)),
			zap.Time("eventTime", eventTime))
	}
	t.masterID = masterID

	if masterID != "" && t.findLocked(masterID) == nil {
		t.newNodeLocked(masterID, "")
	}

	for _, other := range t.nodes {
		switch {
		case other.state.nodeID == nodeID:
			other.state.UpdateRole(role)
		case other.state.nodeID == masterID:
			other.state.UpdateRole(RoleMaster)
		case other.state.Role() == RoleMaster:
			other.state.UpdateRole(RoleReplica)
		}
	}

	return true
}

// Master returns the last known master, or "" if it is unknown.
func (t *GroupTable) Master() NodeID {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.masterID
}

func (t *GroupTable) LastChangeTime() time.Time {
	t.lock.RLock()
	defer t.lock.RUnlock()

	return t.lastChangeTime
}

// UpdateMetadataSeqNum raises the known sequence number for a kind of
// metadata.  Returns false if seqNum is not newer than the known one.
func (t *GroupTable) UpdateMetadataSeqNum(kind MetadataKind, seqNum int64) bool {
	t.seqLock.Lock()
	defer t.seqLock.Unlock()

	if seqNum <= t.metadataSeqNums[kind] {
		return false
	}

	t.metadataSeqNums[kind] = seqNum
	return true
}

func (t *GroupTable) MetadataSeqNum(kind MetadataKind) int64 {
	t.seqLock.Lock()
	defer t.seqLock.Unlock()

	return t.metadataSeqNums[kind]
}

func (t *GroupTable) isConsistentLocked(state *NodeState, c Consistency, master *NodeState, now time.Time) bool {
	role := state.Role()
	switch c.Kind {
	case ConsistencyAbsolute:
		return role == RoleMaster
	case ConsistencyNoneRequiredNoMaster:
		return role == RoleReplica
	case ConsistencyVersion:
		return role == RoleMaster || state.IsConsistentForVersion(now, c.Progress)
	case ConsistencyTime:
		return role == RoleMaster || state.IsConsistentForTime(now, c.PermissibleLag, master)
	}
	return true
}

// SelectForRequest selects a node using the table's configured zone filter.
func (t *GroupTable) SelectForRequest(c Consistency, exclude NodeSet) (NodeID, bool) {
	return t.SelectLeastBusy(t.zoneFilter, c, exclude)
}

// SelectLeastBusy selects the least busy node which is not excluded, has an
// address and does not need its connection repaired, is in an active role
// within a permitted zone, and satisfies the consistency requirement.  It
// never blocks.
func (t *GroupTable) SelectLeastBusy(zoneFilter ZoneFilter, c Consistency, exclude NodeSet) (NodeID, bool) {
	now := t.now()

	t.lock.RLock()
	var master *NodeState
	if t.masterID != "" {
		if node := t.findLocked(t.masterID); node != nil {
			master = node.state
		}
	}

	cands := make([]Candidate, 0, len(t.nodes))
	for _, node := range t.nodes {
		state := node.state
		if exclude.Contains(state.nodeID) ||
			!t.connectableLocked(node) ||
			state.NeedsRepair() ||
			!state.Role().IsActive() ||
			!zoneFilter.allows(state.Zone()) ||
			!t.isConsistentLocked(state, c, master, now) {
			continue
		}

		cands = append(cands, Candidate{
			NodeID:           state.nodeID,
			ActiveRequests:   state.ActiveRequests(),
			AvgReadLatencyMs: state.AvgReadLatencyMs(),
		})
	}
	t.lock.RUnlock()

	if len(cands) == 0 {
		return "", false
	}

	return SelectLeastBusy(cands, t.intn)
}

// RandomFallback picks a random active node which is not excluded, has an
// address and is in a permitted zone, ignoring consistency and connection
// health.  It is the last
// resort when SelectForRequest finds nothing.
func (t *GroupTable) RandomFallback(exclude NodeSet) (NodeID, bool) {
	t.lock.RLock()
	var eligible []NodeID
	for _, node := range t.nodes {
		state := node.state
		if exclude.Contains(state.nodeID) ||
			!t.connectableLocked(node) ||
			!state.Role().IsActive() ||
			!t.zoneFilter.allows(state.Zone()) {
			continue
		}
		eligible = append(eligible, state.nodeID)
	}
	t.lock.RUnlock()

	if len(eligible) == 0 {
		return "", false
	}

	return eligible[t.intn(len(eligible))], true
}

// NodesNeedingRepair lists the nodes whose connection handle needs repair.
func (t *GroupTable) NodesNeedingRepair() []*NodeState {
	t.lock.RLock()
	defer t.lock.RUnlock()

	var states []*NodeState
	for _, node := range t.nodes {
		if node.state.NeedsRepair() {
			states = append(states, node.state)
		}
	}
	return states
}

type GroupSnapshot struct {
	GroupID         GroupID                `json:"groupId"`
	MasterID        NodeID                 `json:"masterId,omitempty"`
	LastChangeTime  time.Time              `json:"lastChangeTime"`
	MetadataSeqNums map[MetadataKind]int64 `json:"metadataSeqNums,omitempty"`
	Nodes           []NodeSnapshot         `json:"nodes"`
}

func (t *GroupTable) Snapshot() GroupSnapshot {
	t.lock.RLock()
	snap := GroupSnapshot{
		GroupID:        t.groupID,
		MasterID:       t.masterID,
		LastChangeTime: t.lastChangeTime,
		Nodes:          make([]NodeSnapshot, len(t.nodes)),
	}
	for i, node := range t.nodes {
		snap.Nodes[i] = node.state.Snapshot()
	}
	t.lock.RUnlock()

	t.seqLock.Lock()
	snap.MetadataSeqNums = make(map[MetadataKind]int64, len(t.metadataSeqNums))
	for kind, seqNum := range t.metadataSeqNums {
		snap.MetadataSeqNums[kind] = seqNum
	}
	t.seqLock.Unlock()

	return snap
}

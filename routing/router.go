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
	"strings"
	"sync"
	"time"

	"github.com/couchbase/replica-router/topology"
	"github.com/couchbase/replica-router/utils/latestonlychannel"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

type RouterOptions struct {
	Logger        *zap.Logger
	HandleFactory HandleFactory
	Observer      RequestObserver
	RateInterval  time.Duration
	ZoneFilter    ZoneFilter

	Intn func(n int) int
	Now  func() time.Time
}

// Router holds the routing table of every known replication group.
type Router struct {
	opts   RouterOptions
	logger *zap.Logger

	lock         sync.RWMutex
	groups       map[GroupID]*GroupTable
	topoRevision int64
}

func NewRouter(opts RouterOptions) *Router {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Router{
		opts:   opts,
		logger: opts.Logger,
		groups: make(map[GroupID]*GroupTable),
	}
}

func (r *Router) newGroupTable(groupID GroupID) *GroupTable {
	return NewGroupTable(GroupTableOptions{
		GroupID:       groupID,
		Logger:        r.opts.Logger,
		HandleFactory: r.opts.HandleFactory,
		Observer:      r.opts.Observer,
		RateInterval:  r.opts.RateInterval,
		ZoneFilter:    r.opts.ZoneFilter,
		Intn:          r.opts.Intn,
		Now:           r.opts.Now,
	})
}

// Group returns the table for groupID, or nil if the group is unknown.
func (r *Router) Group(groupID GroupID) *GroupTable {
	r.lock.RLock()
	defer r.lock.RUnlock()

	return r.groups[groupID]
}

func (r *Router) GetOrCreateGroup(groupID GroupID) *GroupTable {
	r.lock.RLock()
	table := r.groups[groupID]
	r.lock.RUnlock()
	if table != nil {
		return table
	}

	r.lock.Lock()
	defer r.lock.Unlock()

	table = r.groups[groupID]
	if table == nil {
		table = r.newGroupTable(groupID)
		r.groups[groupID] = table
		r.logger.Info("tracking new group", zap.String("group", string(groupID)))
	}
	return table
}

// Groups returns every known group table ordered by group id.
func (r *Router) Groups() []*GroupTable {
	r.lock.RLock()
	tables := make([]*GroupTable, 0, len(r.groups))
	for _, table := range r.groups {
		tables = append(tables, table)
	}
	r.lock.RUnlock()

	slices.SortFunc(tables, func(a, b *GroupTable) int {
		return strings.Compare(string(a.groupID), string(b.groupID))
	})
	return tables
}

// ApplySnapshot reconciles every group with a topology snapshot.  Groups
// absent from the snapshot are dropped.  Snapshots older than the last one
// applied are ignored; returns whether the snapshot was applied.
func (r *Router) ApplySnapshot(snap *topology.Snapshot) bool {
	r.lock.Lock()
	if snap.Revision > 0 && snap.Revision < r.topoRevision {
		r.lock.Unlock()
		r.logger.Debug("ignoring stale topology snapshot",
			zap.Int64("revision", snap.Revision),
			zap.Int64("currentRevision", r.topoRevision))
		return false
	}
	r.topoRevision = snap.Revision

	groupIDs := snap.GroupIDs()
	for groupID, table := range r.groups {
		if !slices.Contains(groupIDs, string(groupID)) {
			r.logger.Info("group left topology", zap.String("group", string(groupID)))
			table.ApplyTopology(nil)
			delete(r.groups, groupID)
		}
	}
	r.lock.Unlock()

	for _, groupID := range groupIDs {
		var members []Member
		for _, member := range snap.GroupMembers(groupID) {
			members = append(members, Member{
				NodeID:  NodeID(member.NodeID),
				ZoneID:  ZoneID(member.ZoneID),
				Address: member.Address,
			})
		}

		r.GetOrCreateGroup(GroupID(groupID)).ApplyTopology(members)
	}

	return true
}

// ApplyRoleEvent applies a role change to its group, creating the group if
// it is not yet known.
func (r *Router) ApplyRoleEvent(evt topology.RoleEvent) (bool, error) {
	role, err := ParseRole(evt.Role)
	if err != nil {
		return false, err
	}

	table := r.GetOrCreateGroup(GroupID(evt.GroupID))
	return table.ApplyRoleChange(NodeID(evt.NodeID), NodeID(evt.MasterID), role, evt.EventTime), nil
}

// WatchTopology applies every snapshot from the provider until ctx is
// cancelled or the provider stops the watch.  Bursts of updates are
// coalesced so only the latest snapshot is applied.
func (r *Router) WatchTopology(ctx context.Context, provider topology.Provider) error {
	watchCh, err := provider.Watch(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to watch topology")
	}

	for snap := range latestonlychannel.Wrap(watchCh) {
		r.ApplySnapshot(snap)
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("topology watch closed unexpectedly")
}

// WatchRoles applies role events until the channel is closed.
func (r *Router) WatchRoles(roleCh <-chan topology.RoleEvent) {
	for evt := range roleCh {
		applied, err := r.ApplyRoleEvent(evt)
		if err != nil {
			r.logger.Warn("ignoring invalid role event",
				zap.String("group", evt.GroupID),
				zap.String("node", evt.NodeID),
				zap.Error(err))
			continue
		}

		r.logger.Debug("processed role event",
			zap.String("group", evt.GroupID),
			zap.String("node", evt.NodeID),
			zap.String("role", evt.Role),
			zap.Bool("applied", applied))
	}
}

// SelectForRequest selects a node of groupID for a request, falling back to
// a random active node when no node satisfies the requirement.  The bool
// result reports whether the fallback was used.
func (r *Router) SelectForRequest(groupID GroupID, c Consistency, exclude NodeSet) (*NodeState, bool, error) {
	table := r.Group(groupID)
	if table == nil {
		return nil, false, errors.Wrapf(ErrUnknownGroup, "group %q", groupID)
	}

	fallback := false
	nodeID, ok := table.SelectForRequest(c, exclude)
	if !ok {
		nodeID, ok = table.RandomFallback(exclude)
		fallback = true
	}
	if !ok {
		return nil, false, errors.Wrapf(ErrNoEligibleNode, "group %q", groupID)
	}

	state := table.NodeState(nodeID)
	if state == nil {
		// removed by a concurrent topology update
		return nil, false, errors.Wrapf(ErrUnknownNode, "node %q", nodeID)
	}

	if fallback {
		if observer, ok := r.opts.Observer.(FallbackObserver); ok {
			observer.ObserveFallback(groupID)
		}
	}

	return state, fallback, nil
}

func (r *Router) NodesNeedingRepair() []*NodeState {
	var states []*NodeState
	for _, table := range r.Groups() {
		states = append(states, table.NodesNeedingRepair()...)
	}
	return states
}

func (r *Router) Snapshot() []GroupSnapshot {
	tables := r.Groups()
	snaps := make([]GroupSnapshot, len(tables))
	for i, table := range tables {
		snaps[i] = table.Snapshot()
	}
	return snaps
}

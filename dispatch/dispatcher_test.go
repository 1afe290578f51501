/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/couchbase/replica-router/contrib/lazyhandle"
	"github.com/couchbase/replica-router/routing"
	"github.com/stretchr/testify/require"
)

var errRetryable = errors.New("node went away")

type fakeHandle struct {
	needsRepair atomic.Bool
	failures    atomic.Int32
}

func (h *fakeHandle) NeedsRepair() bool                { return h.needsRepair.Load() }
func (h *fakeHandle) NoteFailure(err error)            { h.failures.Add(1); h.needsRepair.Store(true) }
func (h *fakeHandle) Reset()                           { h.needsRepair.Store(false) }
func (h *fakeHandle) Repair(ctx context.Context) error { h.needsRepair.Store(false); return nil }

type testCluster struct {
	router  *routing.Router
	lock    sync.Mutex
	handles map[routing.NodeID]*fakeHandle
	down    map[routing.NodeID]bool
	authErr map[routing.NodeID]bool
}

func newTestCluster(t *testing.T, nodes ...routing.NodeID) *testCluster {
	c := &testCluster{
		handles: make(map[routing.NodeID]*fakeHandle),
		down:    make(map[routing.NodeID]bool),
		authErr: make(map[routing.NodeID]bool),
	}

	c.router = routing.NewRouter(routing.RouterOptions{
		HandleFactory: func(groupID routing.GroupID, nodeID routing.NodeID, address string) routing.ConnHandle {
			c.lock.Lock()
			defer c.lock.Unlock()

			h := &fakeHandle{}
			c.handles[nodeID] = h
			return h
		},
		Intn: func(n int) int { return 0 },
	})

	var members []routing.Member
	for _, nodeID := range nodes {
		members = append(members, routing.Member{NodeID: nodeID, Address: string(nodeID) + ":1"})
	}
	c.router.GetOrCreateGroup("g1").ApplyTopology(members)

	return c
}

func (c *testCluster) handle(nodeID routing.NodeID) *fakeHandle {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.handles[nodeID]
}

func (c *testCluster) conn(ctx context.Context, state *routing.NodeState) (routing.NodeID, bool, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	if c.authErr[state.NodeID()] {
		return "", false, &lazyhandle.PersistentError{Cause: lazyhandle.ErrAuthenticationFailed}
	}
	if c.down[state.NodeID()] {
		return "", false, nil
	}
	return state.NodeID(), true, nil
}

func (c *testCluster) dispatcher(t *testing.T) *Dispatcher[routing.NodeID] {
	d, err := NewDispatcher(Options[routing.NodeID]{
		Router: c.router,
		Conn:   c.conn,
		IsRetryable: func(err error) bool {
			return errors.Is(err, errRetryable)
		},
	})
	require.NoError(t, err)
	return d
}

func okOp(ctx context.Context, conn routing.NodeID, state *routing.NodeState) (*routing.NodeStatus, error) {
	return nil, nil
}

func TestNewDispatcherValidates(t *testing.T) {
	_, err := NewDispatcher(Options[string]{})
	require.Error(t, err)

	_, err = NewDispatcher(Options[string]{Router: routing.NewRouter(routing.RouterOptions{})})
	require.Error(t, err)
}

func TestExecuteRead(t *testing.T) {
	c := newTestCluster(t, "a", "b")
	d := c.dispatcher(t)

	// keep a busy so that b is the least busy node
	c.router.Group("g1").NodeState("a").BeginRequest()

	var seen routing.NodeID
	nodeID, err := d.Execute(context.Background(), Request{
		GroupID:     "g1",
		Consistency: routing.NoneRequired(),
	}, func(ctx context.Context, conn routing.NodeID, state *routing.NodeState) (*routing.NodeStatus, error) {
		seen = conn
		require.Equal(t, int64(1), state.ActiveRequests())
		return nil, nil
	})
	require.NoError(t, err)
	require.Equal(t, routing.NodeID("b"), nodeID)
	require.Equal(t, routing.NodeID("b"), seen)

	b := c.router.Group("g1").NodeState("b")
	require.Equal(t, int64(0), b.ActiveRequests())
	require.Equal(t, uint64(1), b.RequestCount())
	require.Equal(t, uint64(0), b.ErrorCount())
}

func TestExecuteWriteGoesToMaster(t *testing.T) {
	c := newTestCluster(t, "a", "b", "c")
	d := c.dispatcher(t)

	table := c.router.Group("g1")
	require.True(t, table.ApplyRoleChange("c", "", routing.RoleMaster, time.Now()))

	for i := 0; i < 5; i++ {
		nodeID, err := d.Execute(context.Background(), Request{
			GroupID: "g1",
			IsWrite: true,
		}, okOp)
		require.NoError(t, err)
		require.Equal(t, routing.NodeID("c"), nodeID)
	}
}

func TestExecuteSkipsUnavailableConn(t *testing.T) {
	c := newTestCluster(t, "a", "b")
	c.down["a"] = true
	d := c.dispatcher(t)

	nodeID, err := d.Execute(context.Background(), Request{GroupID: "g1"}, okOp)
	require.NoError(t, err)
	require.Equal(t, routing.NodeID("b"), nodeID)

	require.Equal(t, int64(0), c.router.Group("g1").NodeState("a").ActiveRequests())
}

func TestExecuteRetriesOnRetryableError(t *testing.T) {
	c := newTestCluster(t, "a", "b")
	d := c.dispatcher(t)

	var calls []routing.NodeID
	nodeID, err := d.Execute(context.Background(), Request{GroupID: "g1"},
		func(ctx context.Context, conn routing.NodeID, state *routing.NodeState) (*routing.NodeStatus, error) {
			calls = append(calls, conn)
			if conn == "a" {
				return nil, errRetryable
			}
			return nil, nil
		})
	require.NoError(t, err)
	require.Equal(t, routing.NodeID("b"), nodeID)
	require.Equal(t, []routing.NodeID{"a", "b"}, calls)

	require.Equal(t, int32(1), c.handle("a").failures.Load())
	require.True(t, c.router.Group("g1").NodeState("a").NeedsRepair())
	require.Equal(t, uint64(1), c.router.Group("g1").NodeState("a").ErrorCount())
}

func TestExecuteReturnsNonRetryableError(t *testing.T) {
	c := newTestCluster(t, "a", "b")
	d := c.dispatcher(t)

	errBadRequest := errors.New("bad request")
	calls := 0
	_, err := d.Execute(context.Background(), Request{GroupID: "g1"},
		func(ctx context.Context, conn routing.NodeID, state *routing.NodeState) (*routing.NodeStatus, error) {
			calls++
			return nil, errBadRequest
		})
	require.ErrorIs(t, err, errBadRequest)
	require.Equal(t, 1, calls)
	require.Equal(t, int32(0), c.handle("a").failures.Load())
}

func TestExecuteSurfacesPersistentError(t *testing.T) {
	c := newTestCluster(t, "a")
	c.authErr["a"] = true
	d := c.dispatcher(t)

	_, err := d.Execute(context.Background(), Request{GroupID: "g1"}, okOp)
	require.ErrorIs(t, err, lazyhandle.ErrAuthenticationFailed)
}

func TestExecuteExhausted(t *testing.T) {
	c := newTestCluster(t, "a", "b")
	d := c.dispatcher(t)

	_, err := d.Execute(context.Background(), Request{GroupID: "g1"},
		func(ctx context.Context, conn routing.NodeID, state *routing.NodeState) (*routing.NodeStatus, error) {
			return nil, errRetryable
		})
	require.Error(t, err)
	require.ErrorIs(t, err, errRetryable)
	require.ErrorIs(t, err, routing.ErrNoEligibleNode)
}

func TestExecuteMaxAttempts(t *testing.T) {
	c := newTestCluster(t, "a", "b", "c", "d")
	d, err := NewDispatcher(Options[routing.NodeID]{
		Router:      c.router,
		Conn:        c.conn,
		IsRetryable: func(err error) bool { return true },
		MaxAttempts: 2,
	})
	require.NoError(t, err)

	calls := 0
	_, err = d.Execute(context.Background(), Request{GroupID: "g1"},
		func(ctx context.Context, conn routing.NodeID, state *routing.NodeState) (*routing.NodeStatus, error) {
			calls++
			return nil, errRetryable
		})
	require.ErrorIs(t, err, ErrAttemptsExhausted)
	require.ErrorIs(t, err, errRetryable)
	require.Equal(t, 2, calls)
}

func TestExecuteUnknownGroup(t *testing.T) {
	c := newTestCluster(t, "a")
	d := c.dispatcher(t)

	_, err := d.Execute(context.Background(), Request{GroupID: "missing"}, okOp)
	require.ErrorIs(t, err, routing.ErrUnknownGroup)
}

func TestExecuteCancelled(t *testing.T) {
	c := newTestCluster(t, "a")
	d := c.dispatcher(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Execute(ctx, Request{GroupID: "g1"}, okOp)
	require.ErrorIs(t, err, context.Canceled)
}

func TestExecuteAppliesNodeStatus(t *testing.T) {
	c := newTestCluster(t, "a", "b")
	d := c.dispatcher(t)

	eventTime := time.Now()
	_, err := d.Execute(context.Background(), Request{GroupID: "g1"},
		func(ctx context.Context, conn routing.NodeID, state *routing.NodeState) (*routing.NodeStatus, error) {
			return &routing.NodeStatus{
				Progress:   42,
				TopoSeqNum: 7,
				MetadataSeqNums: map[routing.MetadataKind]int64{
					routing.MetadataTable: 3,
				},
				Role: &routing.RoleReport{
					Role:      routing.RoleReplica,
					MasterID:  "b",
					EventTime: eventTime,
				},
			}, nil
		})
	require.NoError(t, err)

	table := c.router.Group("g1")
	a := table.NodeState("a")
	require.Equal(t, int64(42), a.Progress().LastValue())
	require.Equal(t, int64(7), a.TopoSeqNum())
	require.Equal(t, int64(3), table.MetadataSeqNum(routing.MetadataTable))
	require.Equal(t, routing.NodeID("b"), table.Master())
	require.Equal(t, routing.RoleMaster, table.NodeState("b").Role())
}

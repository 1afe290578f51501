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

type fakeHandle struct {
	needsRepair atomic.Bool
	resets      atomic.Int32
	repairs     atomic.Int32
	failures    atomic.Int32

	lock      sync.Mutex
	repairErr error
}

func (h *fakeHandle) NeedsRepair() bool {
	return h.needsRepair.Load()
}

func (h *fakeHandle) NoteFailure(err error) {
	h.failures.Add(1)
	h.needsRepair.Store(true)
}

func (h *fakeHandle) Reset() {
	h.resets.Add(1)
}

func (h *fakeHandle) Repair(ctx context.Context) error {
	h.repairs.Add(1)

	h.lock.Lock()
	err := h.repairErr
	h.lock.Unlock()

	if err != nil {
		return err
	}
	h.needsRepair.Store(false)
	return nil
}

func (h *fakeHandle) setRepairErr(err error) {
	h.lock.Lock()
	h.repairErr = err
	h.lock.Unlock()
}

// handleRecorder is a HandleFactory which remembers every handle it made.
type handleRecorder struct {
	lock    sync.Mutex
	handles map[string][]*fakeHandle
}

func newHandleRecorder() *handleRecorder {
	return &handleRecorder{handles: make(map[string][]*fakeHandle)}
}

func (r *handleRecorder) Factory(groupID GroupID, nodeID NodeID, address string) ConnHandle {
	h := &fakeHandle{}

	r.lock.Lock()
	key := string(groupID) + "/" + string(nodeID)
	r.handles[key] = append(r.handles[key], h)
	r.lock.Unlock()

	return h
}

func (r *handleRecorder) Handles(groupID GroupID, nodeID NodeID) []*fakeHandle {
	r.lock.Lock()
	defer r.lock.Unlock()

	return r.handles[string(groupID)+"/"+string(nodeID)]
}

type fakeClock struct {
	lock sync.Mutex
	now  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.lock.Lock()
	c.now = c.now.Add(d)
	c.lock.Unlock()
}

func firstIdx(n int) int { return 0 }

// fixedIdx returns an intn which always yields idx.
func fixedIdx(idx int) func(int) int {
	return func(int) int { return idx }
}

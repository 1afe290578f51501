/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package lazyhandle

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// SyncHandle resolves its value on the calling goroutine.  At most one caller
// resolves at a time; a caller which had to wait for another one gives up
// rather than repeat a resolution that was just attempted.
type SyncHandle[T any] struct {
	cfg handleConfig[T]

	sem   *semaphore.Weighted
	state atomic.Int32

	valueLock sync.Mutex
	value     T
	lastErr   error
	resetGen  uint64
}

func NewSyncHandle[T any](opts Options[T]) *SyncHandle[T] {
	return &SyncHandle[T]{
		cfg: newHandleConfig(opts),
		sem: semaphore.NewWeighted(1),
	}
}

func (h *SyncHandle[T]) State() State {
	return State(h.state.Load())
}

func (h *SyncHandle[T]) NeedsRepair() bool {
	return h.State() == StateNeedsRepair
}

// LastError returns the failure which put the handle into needs-repair.
func (h *SyncHandle[T]) LastError() error {
	h.valueLock.Lock()
	defer h.valueLock.Unlock()

	return h.lastErr
}

func (h *SyncHandle[T]) cached() (T, bool) {
	h.valueLock.Lock()
	defer h.valueLock.Unlock()

	if h.State() != StateResolved {
		var zero T
		return zero, false
	}
	return h.value, true
}

// Get returns the resolved value, resolving it first if nothing has been
// resolved yet.  It never repairs a handle which needs repair; that is left
// to Repair so that requests fail fast to another node instead.
func (h *SyncHandle[T]) Get(ctx context.Context) (T, bool, error) {
	var zero T

	if value, ok := h.cached(); ok {
		return value, true, nil
	}
	if h.NeedsRepair() {
		return zero, false, nil
	}

	contended := false
	if !h.sem.TryAcquire(1) {
		// semaphores do not report whether an acquire had to wait, so we
		// track it ourselves
		contended = true
		if err := h.sem.Acquire(ctx, 1); err != nil {
			return zero, false, nil
		}
	}
	defer h.sem.Release(1)

	switch h.State() {
	case StateResolved:
		value, ok := h.cached()
		return value, ok, nil
	case StateNeedsRepair:
		return zero, false, nil
	}

	if contended {
		// whoever held the lock just attempted a resolution and it did not
		// leave a usable value
		return zero, false, nil
	}

	return h.resolveLocked(ctx, false)
}

// Repair re-resolves a handle which needs repair, waiting for any other
// resolution in progress.  The handle keeps reporting NeedsRepair until the
// repair succeeds, so requests keep failing fast to other nodes meanwhile.
func (h *SyncHandle[T]) Repair(ctx context.Context) error {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer h.sem.Release(1)

	state := h.State()
	if state == StateResolved {
		return nil
	}

	_, ok, err := h.resolveLocked(ctx, state == StateNeedsRepair)
	if err != nil {
		return err
	}
	if !ok {
		return h.LastError()
	}
	return nil
}

func (h *SyncHandle[T]) resolveLocked(ctx context.Context, repairing bool) (T, bool, error) {
	var zero T

	h.valueLock.Lock()
	startGen := h.resetGen
	if !repairing {
		h.state.Store(int32(StateResolving))
	}
	h.valueLock.Unlock()

	value, err := h.cfg.resolve(ctx)

	h.valueLock.Lock()
	defer h.valueLock.Unlock()

	if h.resetGen != startGen {
		// reset while we were resolving, the result is for a stale target
		if err == nil {
			h.cfg.onInvalidate(value)
		}
		h.state.Store(int32(StateUnresolved))
		return zero, false, nil
	}

	if err != nil {
		if h.cfg.isPersistent(err) {
			h.cfg.logger.Warn("handle resolution failed persistently", zap.Error(err))
			h.lastErr = nil
			h.state.Store(int32(StateUnresolved))
			return zero, false, &PersistentError{Cause: err}
		}

		h.cfg.logger.Debug("handle resolution failed", zap.Error(err))
		h.lastErr = err
		h.state.Store(int32(StateNeedsRepair))
		return zero, false, nil
	}

	h.value = value
	h.lastErr = nil
	h.state.Store(int32(StateResolved))
	return value, true, nil
}

// NoteFailure marks a resolved handle as needing repair after a failed remote
// invocation, discarding the resolved value.
func (h *SyncHandle[T]) NoteFailure(err error) {
	h.valueLock.Lock()
	defer h.valueLock.Unlock()

	if !h.state.CompareAndSwap(int32(StateResolved), int32(StateNeedsRepair)) {
		return
	}

	h.cfg.logger.Debug("handle marked for repair", zap.Error(err))
	h.lastErr = err
	h.discardLocked()
}

// Reset discards any resolved value and returns the handle to unresolved.
func (h *SyncHandle[T]) Reset() {
	h.valueLock.Lock()
	defer h.valueLock.Unlock()

	if h.State() == StateResolved {
		h.discardLocked()
	}
	if h.State() != StateResolving {
		h.state.Store(int32(StateUnresolved))
	}
	h.lastErr = nil
	h.resetGen++
}

func (h *SyncHandle[T]) discardLocked() {
	var zero T
	value := h.value
	h.value = zero
	h.cfg.onInvalidate(value)
}

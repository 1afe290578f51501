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

	"go.uber.org/zap"
)

// Future is the pending result of an AsyncHandle resolution.  It is shared by
// every caller which asked for the value while the resolution was in flight.
type Future[T any] struct {
	done  chan struct{}
	value T
	ok    bool
	err   error
	cause error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func completedFuture[T any](value T, ok bool, err error) *Future[T] {
	f := newFuture[T]()
	f.complete(value, ok, err, nil)
	return f
}

func (f *Future[T]) complete(value T, ok bool, err error, cause error) {
	f.value = value
	f.ok = ok
	f.err = err
	f.cause = cause
	close(f.done)
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result returns the result of a completed future.  It must only be called
// after Done has been closed.
func (f *Future[T]) Result() (T, bool, error) {
	return f.value, f.ok, f.err
}

// Wait blocks until the future completes or ctx is done.  Running out of time
// is reported as unavailable rather than as an error.
func (f *Future[T]) Wait(ctx context.Context) (T, bool, error) {
	select {
	case <-f.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, false, nil
	}
}

// AsyncHandle resolves its value on a background goroutine.  Concurrent
// callers share a single in-flight Future, and callers arriving after a
// successful resolution receive an already completed one.
type AsyncHandle[T any] struct {
	cfg handleConfig[T]

	lock    sync.Mutex
	state   State
	current *Future[T]
	value   T
}

func NewAsyncHandle[T any](opts Options[T]) *AsyncHandle[T] {
	return &AsyncHandle[T]{
		cfg: newHandleConfig(opts),
	}
}

func (h *AsyncHandle[T]) State() State {
	h.lock.Lock()
	defer h.lock.Unlock()

	return h.state
}

func (h *AsyncHandle[T]) NeedsRepair() bool {
	return h.State() == StateNeedsRepair
}

// GetAsync returns a future for the value, starting a resolution if nothing
// has been resolved yet.  A handle which needs repair yields a completed,
// unavailable future; repairs only happen through Repair.
func (h *AsyncHandle[T]) GetAsync() *Future[T] {
	h.lock.Lock()
	defer h.lock.Unlock()

	switch h.state {
	case StateResolved, StateResolving:
		return h.current
	case StateNeedsRepair:
		var zero T
		return completedFuture(zero, false, nil)
	}

	return h.startLocked(StateResolving)
}

func (h *AsyncHandle[T]) Get(ctx context.Context) (T, bool, error) {
	return h.GetAsync().Wait(ctx)
}

// Repair re-resolves a handle which needs repair and waits for the outcome.
// The handle stays in needs-repair until the repair succeeds, so requests
// keep getting unavailable futures instead of waiting on the repair.
func (h *AsyncHandle[T]) Repair(ctx context.Context) error {
	h.lock.Lock()
	var f *Future[T]
	switch h.state {
	case StateResolved:
		h.lock.Unlock()
		return nil
	case StateResolving:
		f = h.current
	case StateNeedsRepair:
		f = h.current
		if f == nil {
			f = h.startLocked(StateNeedsRepair)
		}
	default:
		f = h.startLocked(StateResolving)
	}
	h.lock.Unlock()

	select {
	case <-f.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if f.err != nil {
		return f.err
	}
	return f.cause
}

func (h *AsyncHandle[T]) startLocked(state State) *Future[T] {
	f := newFuture[T]()
	h.state = state
	h.current = f

	go h.resolve(f)

	return f
}

func (h *AsyncHandle[T]) resolve(f *Future[T]) {
	var zero T

	ctx, cancel := context.WithTimeout(context.Background(), h.cfg.resolveTimeout)
	value, err := h.cfg.resolve(ctx)
	cancel()

	h.lock.Lock()
	defer h.lock.Unlock()

	if h.current != f {
		// reset while we were resolving
		if err == nil {
			h.cfg.onInvalidate(value)
		}
		f.complete(zero, false, nil, err)
		return
	}

	if err != nil {
		h.current = nil

		if h.cfg.isPersistent(err) {
			h.cfg.logger.Warn("handle resolution failed persistently", zap.Error(err))
			h.state = StateUnresolved
			f.complete(zero, false, &PersistentError{Cause: err}, err)
			return
		}

		h.cfg.logger.Debug("handle resolution failed", zap.Error(err))
		h.state = StateNeedsRepair
		f.complete(zero, false, nil, err)
		return
	}

	h.state = StateResolved
	h.value = value
	f.complete(value, true, nil, nil)
}

// NoteFailure marks a resolved handle as needing repair after a failed remote
// invocation, discarding the resolved value.
func (h *AsyncHandle[T]) NoteFailure(err error) {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.state != StateResolved {
		return
	}

	h.cfg.logger.Debug("handle marked for repair", zap.Error(err))
	h.state = StateNeedsRepair
	h.current = nil
	h.discardLocked()
}

// Reset discards any resolved value, abandons any in-flight resolution and
// returns the handle to unresolved.
func (h *AsyncHandle[T]) Reset() {
	h.lock.Lock()
	defer h.lock.Unlock()

	if h.state == StateResolved {
		h.discardLocked()
	}
	h.state = StateUnresolved
	h.current = nil
}

func (h *AsyncHandle[T]) discardLocked() {
	var zero T
	value := h.value
	h.value = zero
	h.cfg.onInvalidate(value)
}

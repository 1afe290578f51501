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
	"time"

	"go.uber.org/zap"
)

type State int32

const (
	StateUnresolved State = iota
	StateResolving
	StateResolved
	StateNeedsRepair
)

func (s State) String() string {
	switch s {
	case StateUnresolved:
		return "unresolved"
	case StateResolving:
		return "resolving"
	case StateResolved:
		return "resolved"
	case StateNeedsRepair:
		return "needs-repair"
	}
	return "unknown"
}

const DefaultResolveTimeout = 10 * time.Second

// ResolveFunc looks up or connects to the remote resource.
type ResolveFunc[T any] func(ctx context.Context) (T, error)

type Options[T any] struct {
	Resolve ResolveFunc[T]

	// OnInvalidate is called with every resolved value the handle discards,
	// typically to close a connection.
	OnInvalidate func(value T)

	// IsPersistent classifies resolution errors, defaulting to the package
	// level IsPersistent.
	IsPersistent func(err error) bool

	// ResolveTimeout bounds resolutions started by AsyncHandle, which are not
	// tied to any caller's context.
	ResolveTimeout time.Duration

	Logger *zap.Logger
}

// Handle is the behaviour shared by SyncHandle and AsyncHandle.
//
// Get returns the resolved value.  A false result with a nil error means the
// resource is unavailable right now and the caller should go elsewhere; a
// non-nil error is always a *PersistentError.
type Handle[T any] interface {
	Get(ctx context.Context) (T, bool, error)
	State() State
	NeedsRepair() bool
	NoteFailure(err error)
	Reset()
	Repair(ctx context.Context) error
}

var (
	_ Handle[struct{}] = (*SyncHandle[struct{}])(nil)
	_ Handle[struct{}] = (*AsyncHandle[struct{}])(nil)
)

type handleConfig[T any] struct {
	resolve        ResolveFunc[T]
	onInvalidate   func(T)
	isPersistent   func(error) bool
	resolveTimeout time.Duration
	logger         *zap.Logger
}

func newHandleConfig[T any](opts Options[T]) handleConfig[T] {
	cfg := handleConfig[T]{
		resolve:        opts.Resolve,
		onInvalidate:   opts.OnInvalidate,
		isPersistent:   opts.IsPersistent,
		resolveTimeout: opts.ResolveTimeout,
		logger:         opts.Logger,
	}
	if cfg.onInvalidate == nil {
		cfg.onInvalidate = func(T) {}
	}
	if cfg.isPersistent == nil {
		cfg.isPersistent = IsPersistent
	}
	if cfg.resolveTimeout <= 0 {
		cfg.resolveTimeout = DefaultResolveTimeout
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	return cfg
}

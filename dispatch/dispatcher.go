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
	"fmt"
	"time"

	"github.com/couchbase/replica-router/routing"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const DefaultMaxAttempts = 3

var (
	ErrNodeUnavailable   = errors.New("node connection unavailable")
	ErrAttemptsExhausted = errors.New("all dispatch attempts failed")
)

// ConnFunc returns the connection for a node without repairing it.  A false
// result with a nil error means the node should be skipped.
type ConnFunc[C any] func(ctx context.Context, state *routing.NodeState) (C, bool, error)

// Op performs a request against a single node, optionally returning the
// status the node reported with its response.
type Op[C any] func(ctx context.Context, conn C, state *routing.NodeState) (*routing.NodeStatus, error)

type Request struct {
	GroupID     routing.GroupID
	Consistency routing.Consistency
	IsWrite     bool
}

type Options[C any] struct {
	Router *routing.Router
	Conn   ConnFunc[C]

	// IsRetryable decides whether a failed op may move to another node.  By
	// default no op errors are retried.
	IsRetryable func(err error) bool

	MaxAttempts int
	Logger      *zap.Logger
}

// Dispatcher runs requests against the nodes chosen by a Router, tracking the
// load of each node and moving to another node when one fails.
type Dispatcher[C any] struct {
	router      *routing.Router
	conn        ConnFunc[C]
	isRetryable func(error) bool
	maxAttempts int
	logger      *zap.Logger
}

func NewDispatcher[C any](opts Options[C]) (*Dispatcher[C], error) {
	if opts.Router == nil {
		return nil, errors.New("a router is required")
	}
	if opts.Conn == nil {
		return nil, errors.New("a connection func is required")
	}

	isRetryable := opts.IsRetryable
	if isRetryable == nil {
		isRetryable = func(error) bool { return false }
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Dispatcher[C]{
		router:      opts.Router,
		conn:        opts.Conn,
		isRetryable: isRetryable,
		maxAttempts: maxAttempts,
		logger:      logger,
	}, nil
}

// Execute runs op on a node of the requested group.  Writes always go to the
// master.  Nodes without a usable connection and nodes failing with a
// retryable error are excluded and another node is tried, up to the attempt
// limit.  Persistent connection errors are returned immediately.
func (d *Dispatcher[C]) Execute(ctx context.Context, req Request, op Op[C]) (routing.NodeID, error) {
	consistency := req.Consistency
	if req.IsWrite {
		consistency = routing.Absolute()
	}

	exclude := routing.NodeSet{}
	var lastErr error

	for attempt := 0; attempt < d.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}

		state, fallback, err := d.router.SelectForRequest(req.GroupID, consistency, exclude)
		if err != nil {
			if lastErr != nil {
				return "", fmt.Errorf("%w (last attempt: %w)", err, lastErr)
			}
			return "", err
		}
		if fallback {
			d.logger.Debug("no node satisfied consistency, using fallback",
				zap.String("group", string(req.GroupID)),
				zap.Stringer("consistency", consistency),
				zap.String("node", string(state.NodeID())))
		}

		err = d.attempt(ctx, req, state, op)
		if err == nil {
			return state.NodeID(), nil
		}

		if !errors.Is(err, ErrNodeUnavailable) && !d.isRetryable(err) {
			return state.NodeID(), err
		}

		d.logger.Debug("dispatch attempt failed, trying another node",
			zap.String("group", string(req.GroupID)),
			zap.String("node", string(state.NodeID())),
			zap.Int("attempt", attempt),
			zap.Error(err))

		exclude.Add(state.NodeID())
		lastErr = err
	}

	return "", fmt.Errorf("%w: %w", ErrAttemptsExhausted, lastErr)
}

func (d *Dispatcher[C]) attempt(ctx context.Context, req Request, state *routing.NodeState, op Op[C]) error {
	state.BeginRequest()
	defer state.EndRequest()

	conn, ok, err := d.conn(ctx, state)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNodeUnavailable
	}

	start := time.Now()
	status, err := op(ctx, conn, state)
	elapsed := time.Since(start)

	state.RecordRequest(elapsed, req.IsWrite, err)
	if err == nil && !req.IsWrite {
		state.RecordReadLatency(elapsed)
	}

	d.router.ApplyNodeStatus(state, status)

	if err != nil && d.isRetryable(err) {
		state.NoteFailure(err)
	}

	return err
}

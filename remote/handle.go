/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package remote

import (
	"context"

	"github.com/couchbase/replica-router/contrib/lazyhandle"
	"github.com/couchbase/replica-router/routing"
	"go.uber.org/zap"
)

type HandleFactoryOptions struct {
	Dial DialOptions

	// Async selects AsyncHandle over SyncHandle.
	Async bool

	Logger *zap.Logger
}

// ConnHandle is the lazily dialed connection of a single node.
type ConnHandle = lazyhandle.Handle[*Conn]

// NewConnHandle creates a handle which dials address on first use.
func NewConnHandle(address string, opts *HandleFactoryOptions) ConnHandle {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("address", address))

	dialOpts := opts.Dial
	dialOpts.Logger = logger

	handleOpts := lazyhandle.Options[*Conn]{
		Resolve: func(ctx context.Context) (*Conn, error) {
			return Dial(ctx, address, &dialOpts)
		},
		OnInvalidate: func(conn *Conn) {
			if conn == nil {
				return
			}
			if err := conn.Close(); err != nil {
				logger.Debug("failed to close connection", zap.Error(err))
			}
		},
		ResolveTimeout: dialOpts.RequestTimeout,
		Logger:         logger,
	}

	if opts.Async {
		return lazyhandle.NewAsyncHandle(handleOpts)
	}
	return lazyhandle.NewSyncHandle(handleOpts)
}

// NewHandleFactory returns a routing.HandleFactory producing connection
// handles for every node the router learns about.
func NewHandleFactory(opts HandleFactoryOptions) routing.HandleFactory {
	return func(groupID routing.GroupID, nodeID routing.NodeID, address string) routing.ConnHandle {
		nodeOpts := opts
		if opts.Logger != nil {
			nodeOpts.Logger = opts.Logger.With(
				zap.String("group", string(groupID)),
				zap.String("node", string(nodeID)))
		}
		return NewConnHandle(address, &nodeOpts)
	}
}

// ConnFor returns the connection of a node, if it can be had without
// repairing the handle.
func ConnFor(ctx context.Context, state *routing.NodeState) (*Conn, bool, error) {
	handle, ok := state.Handle().(ConnHandle)
	if !ok {
		return nil, false, nil
	}
	return handle.Get(ctx)
}

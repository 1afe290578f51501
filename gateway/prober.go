/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package gateway

import (
	"context"
	"time"

	"github.com/couchbase/replica-router/dispatch"
	"github.com/couchbase/replica-router/remote"
	"github.com/couchbase/replica-router/routing"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

func isProbeRetryable(err error) bool {
	return remote.IsRetryable(err) || errors.Is(err, remote.ErrNotServing)
}

// prober periodically sends a health check to every group through the
// dispatcher.  Failing nodes are flagged for repair by the dispatcher and
// the check moves on to another node of the group.
type prober struct {
	dispatcher  *dispatch.Dispatcher[*remote.Conn]
	router      *routing.Router
	serviceName string
	logger      *zap.Logger
}

func newProber(
	dispatcher *dispatch.Dispatcher[*remote.Conn],
	router *routing.Router,
	serviceName string,
	logger *zap.Logger,
) *prober {
	return &prober{
		dispatcher:  dispatcher,
		router:      router,
		serviceName: serviceName,
		logger:      logger,
	}
}

func (p *prober) ProbeGroup(ctx context.Context, groupID routing.GroupID) (routing.NodeID, error) {
	return p.dispatcher.Execute(ctx, dispatch.Request{
		GroupID:     groupID,
		Consistency: routing.NoneRequired(),
	}, func(ctx context.Context, conn *remote.Conn, state *routing.NodeState) (*routing.NodeStatus, error) {
		return nil, conn.CheckHealth(ctx, p.serviceName)
	})
}

// ProbeAll probes every group once and returns the number of groups with
// no healthy node.
func (p *prober) ProbeAll(ctx context.Context) int {
	failed := 0
	for _, table := range p.router.Groups() {
		nodeID, err := p.ProbeGroup(ctx, table.GroupID())
		if err != nil {
			failed++
			p.logger.Warn("group health probe failed",
				zap.String("group", string(table.GroupID())),
				zap.Error(err))
			continue
		}

		p.logger.Debug("group health probe succeeded",
			zap.String("group", string(table.GroupID())),
			zap.String("node", string(nodeID)))
	}
	return failed
}

// Run probes all groups every interval until ctx is cancelled.  A new
// interval may be delivered on intervalCh, zero pauses probing.
func (p *prober) Run(ctx context.Context, interval time.Duration, intervalCh <-chan time.Duration) {
	for {
		var tickCh <-chan time.Time
		var ticker *time.Ticker
		if interval > 0 {
			ticker = time.NewTicker(interval)
			tickCh = ticker.C
		}

		select {
		case <-tickCh:
			p.ProbeAll(ctx)
		case newInterval := <-intervalCh:
			p.logger.Info("updated probe interval",
				zap.Duration("interval", newInterval))
			interval = newInterval
		case <-ctx.Done():
		}

		if ticker != nil {
			ticker.Stop()
		}
		if ctx.Err() != nil {
			return
		}
	}
}

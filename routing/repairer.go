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
	"sync/atomic"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultRepairInterval    = 5 * time.Second
	DefaultRepairTimeout     = 10 * time.Second
	DefaultRepairConcurrency = 8
)

type RepairerOptions struct {
	Router      *Router
	Logger      *zap.Logger
	Interval    time.Duration
	Timeout     time.Duration
	Concurrency int
	Observer    RepairObserver
}

// Repairer periodically re-resolves every connection handle which needs
// repair, keeping that cost off the request path.  While repairs keep
// failing the sweeps speed up, backing off towards Interval.
type Repairer struct {
	router      *Router
	logger      *zap.Logger
	interval    time.Duration
	timeout     time.Duration
	concurrency int
	observer    RepairObserver

	ctx       context.Context
	ctxCancel func()
	closeCh   chan struct{}
}

func NewRepairer(opts RepairerOptions) *Repairer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultRepairInterval
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultRepairTimeout
	}

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultRepairConcurrency
	}

	ctx, ctxCancel := context.WithCancel(context.Background())

	r := &Repairer{
		router:      opts.Router,
		logger:      logger,
		interval:    interval,
		timeout:     timeout,
		concurrency: concurrency,
		observer:    opts.Observer,
		ctx:         ctx,
		ctxCancel:   ctxCancel,
		closeCh:     make(chan struct{}),
	}
	go r.procThread()
	return r
}

func (r *Repairer) procThread() {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.interval / 10
	b.MaxInterval = r.interval
	b.MaxElapsedTime = 0
	b.Reset()

MainLoop:
	for {
		wait := r.interval
		if failed := r.Sweep(r.ctx); failed > 0 {
			wait = b.NextBackOff()
		} else {
			b.Reset()
		}

		select {
		case <-time.After(wait):
		case <-r.ctx.Done():
			break MainLoop
		}
	}

	close(r.closeCh)
}

// Sweep attempts to repair every handle currently needing repair and
// returns the number of repairs which failed.
func (r *Repairer) Sweep(ctx context.Context) int {
	states := r.router.NodesNeedingRepair()
	if len(states) == 0 {
		return 0
	}

	var failed atomic.Int64

	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for _, state := range states {
		state := state
		g.Go(func() error {
			repairCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()

			err := state.Handle().Repair(repairCtx)
			if r.observer != nil {
				r.observer.ObserveRepair(state.GroupID(), state.NodeID(), err != nil)
			}
			if err != nil {
				failed.Add(1)
				r.logger.Debug("connection repair failed",
					zap.String("group", string(state.GroupID())),
					zap.String("node", string(state.NodeID())),
					zap.Error(err))
				return nil
			}

			r.logger.Info("repaired connection",
				zap.String("group", string(state.GroupID())),
				zap.String("node", string(state.NodeID())))
			return nil
		})
	}
	_ = g.Wait()

	return int(failed.Load())
}

func (r *Repairer) Close() {
	r.ctxCancel()
	<-r.closeCh
}

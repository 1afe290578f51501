/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package topology

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// RoleEvent reports the role a node held at a given moment, along with the
// master it believed in at that time.
type RoleEvent struct {
	GroupID   string    `json:"-"`
	NodeID    string    `json:"-"`
	Role      string    `json:"role"`
	MasterID  string    `json:"masterId,omitempty"`
	EventTime time.Time `json:"eventTime"`
}

type RoleWatcherOptions struct {
	EtcdClient *etcd.Client
	KeyPrefix  string
	Logger     *zap.Logger
}

// RoleWatcher distributes role changes through etcd.  Each node owns the key
// <prefix>/<group>/<node> holding its most recent RoleEvent.
type RoleWatcher struct {
	etcdClient *etcd.Client
	keyPrefix  string
	logger     *zap.Logger
}

func NewRoleWatcher(opts RoleWatcherOptions) (*RoleWatcher, error) {
	if opts.EtcdClient == nil {
		return nil, errors.New("an etcd client is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RoleWatcher{
		etcdClient: opts.EtcdClient,
		keyPrefix:  strings.TrimSuffix(opts.KeyPrefix, "/") + "/",
		logger:     logger,
	}, nil
}

func (w *RoleWatcher) Publish(ctx context.Context, evt RoleEvent) error {
	err := Member{GroupID: evt.GroupID, NodeID: evt.NodeID}.Validate()
	if err != nil {
		return err
	}

	if evt.EventTime.IsZero() {
		evt.EventTime = time.Now()
	}

	evtBytes, err := json.Marshal(evt)
	if err != nil {
		return err
	}

	_, err = w.etcdClient.KV.Put(ctx, w.keyPrefix+memberKey(evt.GroupID, evt.NodeID), string(evtBytes))
	if err != nil {
		return errors.Wrap(err, "failed to publish role event")
	}

	return nil
}

func (w *RoleWatcher) parseEvent(key, value []byte) (RoleEvent, error) {
	groupID, nodeID, ok := strings.Cut(strings.TrimPrefix(string(key), w.keyPrefix), "/")
	if !ok || groupID == "" || nodeID == "" {
		return RoleEvent{}, errors.Errorf("malformed role key %q", key)
	}

	var evt RoleEvent
	err := json.Unmarshal(value, &evt)
	if err != nil {
		return RoleEvent{}, errors.Wrapf(err, "malformed role event at %q", key)
	}

	evt.GroupID = groupID
	evt.NodeID = nodeID
	return evt, nil
}

// Watch emits every stored role event followed by each new one as it is
// published.  Failed etcd watches are re-established with backoff, replaying
// the stored events; consumers are expected to discard events which are not
// newer than what they have already applied.
func (w *RoleWatcher) Watch(ctx context.Context) <-chan RoleEvent {
	outputCh := make(chan RoleEvent)

	go func() {
		defer close(outputCh)

		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 0
		b.Reset()

	MainLoop:
		for {
			err := w.watchOnce(ctx, outputCh, b)
			if ctx.Err() != nil {
				break MainLoop
			}

			w.logger.Warn("role watch failed, retrying", zap.Error(err))

			select {
			case <-time.After(b.NextBackOff()):
			case <-ctx.Done():
				break MainLoop
			}
		}
	}()

	return outputCh
}

func (w *RoleWatcher) emit(ctx context.Context, outputCh chan<- RoleEvent, evt RoleEvent) error {
	select {
	case outputCh <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *RoleWatcher) watchOnce(ctx context.Context, outputCh chan<- RoleEvent, b backoff.BackOff) error {
	resp, err := w.etcdClient.KV.Get(ctx, w.keyPrefix, etcd.WithPrefix())
	if err != nil {
		return errors.Wrap(err, "failed to list role events")
	}

	var events []RoleEvent
	for _, kv := range resp.Kvs {
		evt, err := w.parseEvent(kv.Key, kv.Value)
		if err != nil {
			w.logger.Warn("ignoring role event", zap.Error(err))
			continue
		}
		events = append(events, evt)
	}

	// replay in event order so that older events are not shadowed by newer
	// ones from other nodes
	slices.SortStableFunc(events, func(x, y RoleEvent) int {
		return x.EventTime.Compare(y.EventTime)
	})

	for _, evt := range events {
		if err := w.emit(ctx, outputCh, evt); err != nil {
			return err
		}
	}

	watchCtx, watchCancel := context.WithCancel(ctx)
	defer watchCancel()

	watchCh := w.etcdClient.Watcher.Watch(watchCtx, w.keyPrefix,
		etcd.WithPrefix(),
		etcd.WithRev(resp.Header.Revision+1))

	b.Reset()

	for watchResp := range watchCh {
		if err := watchResp.Err(); err != nil {
			return err
		}

		for _, kvEvt := range watchResp.Events {
			if kvEvt.Type != mvccpb.PUT {
				continue
			}

			evt, err := w.parseEvent(kvEvt.Kv.Key, kvEvt.Kv.Value)
			if err != nil {
				w.logger.Warn("ignoring role event", zap.Error(err))
				continue
			}

			if err := w.emit(ctx, outputCh, evt); err != nil {
				return err
			}
		}
	}

	return errors.New("role watch channel closed")
}

/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package etcdmemberlist

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/api/v3/mvccpb"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

const minLeasePeriod = 5 * time.Second

type MemberListOptions struct {
	EtcdClient *etcd.Client
	KeyPrefix  string
	Logger     *zap.Logger
}

// MemberList is a list of members stored under a key prefix in etcd.  Every
// member owns a single key which is bound to a lease, so members which stop
// keeping their lease alive disappear from the list on their own.
type MemberList struct {
	etcdClient *etcd.Client
	keyPrefix  string
	logger     *zap.Logger
}

type Member struct {
	MemberID string
	MetaData []byte
}

type MembersSnapshot struct {
	Revision int64
	Members  []*Member
}

func NewMemberList(opts MemberListOptions) (*MemberList, error) {
	if opts.EtcdClient == nil {
		return nil, errors.New("an etcd client is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MemberList{
		etcdClient: opts.EtcdClient,
		keyPrefix:  strings.TrimSuffix(opts.KeyPrefix, "/"),
		logger:     logger,
	}, nil
}

type JoinOptions struct {
	MemberID    string
	MetaData    []byte
	LeasePeriod time.Duration
}

func (ml *MemberList) membersPrefix() string {
	return ml.keyPrefix + "/"
}

func (ml *MemberList) Join(ctx context.Context, opts *JoinOptions) (*Membership, error) {
	if opts == nil {
		opts = &JoinOptions{}
	}

	memberID := opts.MemberID
	if memberID == "" {
		memberID = uuid.NewString()
	}

	leasePeriod := minLeasePeriod
	if opts.LeasePeriod != 0 {
		// etcdv3 imposes the same minimum
		if opts.LeasePeriod < minLeasePeriod {
			return nil, errors.New("lease period must be at least 5 seconds")
		}

		leasePeriod = opts.LeasePeriod
	}

	m := &Membership{
		etcdClient:  ml.etcdClient,
		key:         ml.membersPrefix() + memberID,
		logger:      ml.logger.With(zap.String("memberId", memberID)),
		leasePeriod: leasePeriod,
		id:          memberID,
		metaData:    slices.Clone(opts.MetaData),
		lostCh:      make(chan struct{}),
	}

	err := m.join(ctx)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (ml *MemberList) snapshotFromMap(revision int64, keyMap map[string][]byte) *MembersSnapshot {
	prefixLen := len(ml.membersPrefix())

	members := make([]*Member, 0, len(keyMap))
	for key, value := range keyMap {
		members = append(members, &Member{
			MemberID: key[prefixLen:],
			MetaData: value,
		})
	}

	// map ordering is random, keep snapshots stable for consumers
	slices.SortFunc(members, func(a, b *Member) int {
		return strings.Compare(a.MemberID, b.MemberID)
	})

	return &MembersSnapshot{
		Revision: revision,
		Members:  members,
	}
}

func (ml *MemberList) fetchKeyMap(ctx context.Context) (int64, map[string][]byte, error) {
	resp, err := ml.etcdClient.KV.Get(ctx, ml.membersPrefix(), etcd.WithPrefix())
	if err != nil {
		return 0, nil, err
	}

	keyMap := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		keyMap[string(kv.Key)] = kv.Value
	}

	return resp.Header.Revision, keyMap, nil
}

func (ml *MemberList) Members(ctx context.Context) (*MembersSnapshot, error) {
	revision, keyMap, err := ml.fetchKeyMap(ctx)
	if err != nil {
		return nil, err
	}

	return ml.snapshotFromMap(revision, keyMap), nil
}

// WatchMembers emits the current member list followed by a new snapshot
// every time the list changes.  The output channel is closed when ctx is
// cancelled or the underlying etcd watch fails.
func (ml *MemberList) WatchMembers(ctx context.Context) (<-chan *MembersSnapshot, error) {
	revision, keyMap, err := ml.fetchKeyMap(ctx)
	if err != nil {
		return nil, err
	}

	outputCh := make(chan *MembersSnapshot, 1)
	outputCh <- ml.snapshotFromMap(revision, keyMap)

	watchCh := ml.etcdClient.Watcher.Watch(ctx, ml.membersPrefix(),
		etcd.WithPrefix(),
		etcd.WithRev(revision+1))

	go func() {
		defer close(outputCh)

		for watchResp := range watchCh {
			if err := watchResp.Err(); err != nil {
				ml.logger.Warn("member list watch failed", zap.Error(err))
				return
			}

			for _, evt := range watchResp.Events {
				switch evt.Type {
				case mvccpb.PUT:
					keyMap[string(evt.Kv.Key)] = evt.Kv.Value
				case mvccpb.DELETE:
					delete(keyMap, string(evt.Kv.Key))
				}
			}

			select {
			case outputCh <- ml.snapshotFromMap(watchResp.Header.Revision, keyMap):
			case <-ctx.Done():
				return
			}
		}
	}()

	return outputCh, nil
}

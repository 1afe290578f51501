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
	"sync"
	"time"

	"github.com/couchbase/replica-router/contrib/etcdmemberlist"
	"github.com/pkg/errors"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

type EtcdProviderOptions struct {
	EtcdClient  *etcd.Client
	KeyPrefix   string
	LeasePeriod time.Duration
	Logger      *zap.Logger
}

// EtcdProvider discovers group members through an etcd backed member list.
// Replicas announce themselves with Join and vanish when they Leave or their
// lease expires.
type EtcdProvider struct {
	logger      *zap.Logger
	leasePeriod time.Duration
	memberList  *etcdmemberlist.MemberList

	lock       sync.Mutex
	membership *etcdmemberlist.Membership
}

var _ Provider = (*EtcdProvider)(nil)

func NewEtcdProvider(opts EtcdProviderOptions) (*EtcdProvider, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	ml, err := etcdmemberlist.NewMemberList(etcdmemberlist.MemberListOptions{
		EtcdClient: opts.EtcdClient,
		KeyPrefix:  opts.KeyPrefix,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	return &EtcdProvider{
		logger:      logger,
		leasePeriod: opts.LeasePeriod,
		memberList:  ml,
	}, nil
}

func memberKey(groupID, nodeID string) string {
	return groupID + "/" + nodeID
}

// Join registers the local replica.  The returned channel is closed if the
// membership lease is lost.
func (p *EtcdProvider) Join(ctx context.Context, member Member) (<-chan struct{}, error) {
	if err := member.Validate(); err != nil {
		return nil, err
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	if p.membership != nil {
		return nil, ErrAlreadyJoined
	}

	metaDataBytes, err := json.Marshal(member)
	if err != nil {
		return nil, err
	}

	mb, err := p.memberList.Join(ctx, &etcdmemberlist.JoinOptions{
		MemberID:    memberKey(member.GroupID, member.NodeID),
		MetaData:    metaDataBytes,
		LeasePeriod: p.leasePeriod,
	})
	if err != nil {
		return nil, err
	}

	p.membership = mb

	return mb.Lost(), nil
}

func (p *EtcdProvider) Leave(ctx context.Context) error {
	p.lock.Lock()
	defer p.lock.Unlock()

	if p.membership == nil {
		return ErrNotJoined
	}

	err := p.membership.Leave(ctx)
	if err != nil {
		return err
	}

	p.membership = nil

	return nil
}

func (p *EtcdProvider) procMemberList(snap *etcdmemberlist.MembersSnapshot) *Snapshot {
	members := make([]Member, 0, len(snap.Members))
	for _, entry := range snap.Members {
		var member Member
		err := json.Unmarshal(entry.MetaData, &member)
		if err == nil {
			err = member.Validate()
		}
		if err != nil {
			// a single corrupt entry should not hide the rest of the cluster
			p.logger.Warn("ignoring invalid member entry",
				zap.String("memberId", entry.MemberID),
				zap.Error(err))
			continue
		}

		members = append(members, member)
	}

	return &Snapshot{
		Revision: snap.Revision,
		Members:  members,
	}
}

func (p *EtcdProvider) Get(ctx context.Context) (*Snapshot, error) {
	memberSnap, err := p.memberList.Members(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list members")
	}

	return p.procMemberList(memberSnap), nil
}

func (p *EtcdProvider) Watch(ctx context.Context) (<-chan *Snapshot, error) {
	snapEvts, err := p.memberList.WatchMembers(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to watch members")
	}

	outputCh := make(chan *Snapshot, 1)
	outputCh <- p.procMemberList(<-snapEvts)

	go func() {
		defer close(outputCh)

		for snap := range snapEvts {
			select {
			case outputCh <- p.procMemberList(snap):
			case <-ctx.Done():
				return
			}
		}
	}()

	return outputCh, nil
}

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
	"sync"
	"time"

	"github.com/pkg/errors"
	etcd "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

type Membership struct {
	etcdClient  *etcd.Client
	key         string
	logger      *zap.Logger
	leasePeriod time.Duration
	id          string

	lock     sync.Mutex
	metaData []byte
	leaseID  etcd.LeaseID

	lostOnce sync.Once
	lostCh   chan struct{}
}

func (m *Membership) MemberID() string {
	return m.id
}

// Lost is closed once the lease backing this membership can no longer be
// kept alive, at which point the member has dropped out of the list.
func (m *Membership) Lost() <-chan struct{} {
	return m.lostCh
}

func (m *Membership) join(ctx context.Context) error {
	lease, err := m.etcdClient.Lease.Grant(ctx, int64(m.leasePeriod/time.Second))
	if err != nil {
		return errors.Wrap(err, "failed to grant membership lease")
	}

	leaseKaCh, err := m.etcdClient.Lease.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return errors.Wrap(err, "failed to keep membership lease alive")
	}

	go func() {
		for range leaseKaCh {
		}

		m.logger.Warn("membership lease keep-alive stopped")
		m.lostOnce.Do(func() { close(m.lostCh) })
	}()

	m.lock.Lock()
	m.leaseID = lease.ID
	metaData := m.metaData
	m.lock.Unlock()

	_, err = m.etcdClient.KV.Put(ctx, m.key, string(metaData), etcd.WithLease(lease.ID))
	if err != nil {
		return errors.Wrap(err, "failed to write membership key")
	}

	return nil
}

func (m *Membership) SetMetaData(ctx context.Context, data []byte) error {
	m.lock.Lock()
	m.metaData = data
	leaseID := m.leaseID
	m.lock.Unlock()

	_, err := m.etcdClient.KV.Put(ctx, m.key, string(data), etcd.WithLease(leaseID))
	if err != nil {
		return errors.Wrap(err, "failed to update membership meta-data")
	}

	return nil
}

// Leave removes the member immediately rather than waiting for its lease to
// expire.
func (m *Membership) Leave(ctx context.Context) error {
	m.lock.Lock()
	leaseID := m.leaseID
	m.lock.Unlock()

	_, err := m.etcdClient.Lease.Revoke(ctx, leaseID)
	if err != nil {
		return errors.Wrap(err, "failed to revoke membership lease")
	}

	return nil
}

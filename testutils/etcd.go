/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package testutils

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	etcd "go.etcd.io/etcd/client/v3"
)

var (
	etcdLock         sync.Mutex
	globalEtcdClient *etcd.Client
	globalEtcdFailed bool
)

// MakeTestEtcdClient connects a fresh etcd client, skipping the test when
// no etcd server is reachable.
func MakeTestEtcdClient(t *testing.T) *etcd.Client {
	connectTimeout := 5 * time.Second

	etcdLock.Lock()
	failed := globalEtcdFailed
	etcdLock.Unlock()
	if failed {
		t.Skipf("etcd unavailable: previous connect attempt failed")
	}

	config := GetTestConfig(t)

	etcdClient, err := etcd.New(etcd.Config{
		Endpoints:   config.EtcdEndpoints,
		DialTimeout: connectTimeout,
	})
	if err != nil {
		markEtcdFailed()
		t.Skipf("failed to connect to etcd: %s", err)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), connectTimeout)
	_, err = etcdClient.Get(waitCtx, "invalid-key")
	waitCancel()

	if err != nil {
		_ = etcdClient.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			markEtcdFailed()
		}
		t.Skipf("failed to connect to etcd: %s", err)
	}

	return etcdClient
}

func markEtcdFailed() {
	etcdLock.Lock()
	globalEtcdFailed = true
	etcdLock.Unlock()
}

// GetTestEtcdClient returns a client shared by every test in the binary.
func GetTestEtcdClient(t *testing.T) *etcd.Client {
	etcdLock.Lock()
	client := globalEtcdClient
	etcdLock.Unlock()
	if client != nil {
		return client
	}

	client = MakeTestEtcdClient(t)

	etcdLock.Lock()
	if globalEtcdClient == nil {
		globalEtcdClient = client
	} else {
		_ = client.Close()
		client = globalEtcdClient
	}
	etcdLock.Unlock()

	return client
}

// GenTestPrefix returns a key prefix unique to a single test.
func GenTestPrefix(t *testing.T) string {
	return GetTestConfig(t).EtcdPrefix + "/" + uuid.NewString()
}

/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/couchbase/replica-router/topology"
	"github.com/couchbase/replica-router/utils/netutils"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	etcd "go.etcd.io/etcd/client/v3"
)

type announceFlags struct {
	etcdEndpoints string
	etcdPrefix    string
	groupID       string
	nodeID        string
	zoneID        string
	address       string
	role          string
	masterID      string
	leasePeriod   time.Duration
}

var announceOpts announceFlags

var announceCmd = &cobra.Command{
	Use:   "announce",
	Short: "Registers a replica in etcd until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, logger := getLogger()
		return runAnnounce(cmd.Context(), logger.Named("announce"), &announceOpts)
	},
}

var publishRoleCmd = &cobra.Command{
	Use:   "publish-role",
	Short: "Publishes the current role of a replica to etcd",
	RunE: func(cmd *cobra.Command, args []string) error {
		_, logger := getLogger()
		return runPublishRole(cmd.Context(), logger.Named("publish-role"), &announceOpts)
	},
}

func init() {
	for _, cmd := range []*cobra.Command{announceCmd, publishRoleCmd} {
		cmd.Flags().StringVar(&announceOpts.etcdEndpoints, "etcd-endpoints", "localhost:2379", "comma separated etcd endpoints")
		cmd.Flags().StringVar(&announceOpts.etcdPrefix, "etcd-prefix", "/replica-router", "the etcd key prefix for topology and roles")
		cmd.Flags().StringVar(&announceOpts.groupID, "group", "", "the replication group of the replica")
		cmd.Flags().StringVar(&announceOpts.nodeID, "node", "", "the id of the replica")
		cmd.Flags().StringVar(&announceOpts.role, "role", "", "the role to publish (master, replica, detached, unavailable)")
		cmd.Flags().StringVar(&announceOpts.masterID, "master", "", "the master the replica follows")
		_ = cmd.MarkFlagRequired("group")
		_ = cmd.MarkFlagRequired("node")
	}

	announceCmd.Flags().StringVar(&announceOpts.zoneID, "zone", "", "the zone of the replica")
	announceCmd.Flags().StringVar(&announceOpts.address, "address", "", "the grpc host:port of the replica, a wildcard host is replaced by the outbound ip")
	announceCmd.Flags().DurationVar(&announceOpts.leasePeriod, "lease-period", 10*time.Second, "how long the registration outlives the process")
	_ = announceCmd.MarkFlagRequired("address")
	_ = publishRoleCmd.MarkFlagRequired("role")

	rootCmd.AddCommand(announceCmd, publishRoleCmd)
}

func dialEtcd(logger *zap.Logger, endpoints string) (*etcd.Client, error) {
	client, err := etcd.New(etcd.Config{
		Endpoints:   splitList(endpoints),
		DialTimeout: 5 * time.Second,
		Logger:      logger.Named("etcd-client"),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to etcd")
	}
	return client, nil
}

func publishRole(ctx context.Context, logger *zap.Logger, client *etcd.Client, opts *announceFlags) error {
	roleWatcher, err := topology.NewRoleWatcher(topology.RoleWatcherOptions{
		EtcdClient: client,
		KeyPrefix:  opts.etcdPrefix + "/roles",
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	err = roleWatcher.Publish(ctx, topology.RoleEvent{
		GroupID:  opts.groupID,
		NodeID:   opts.nodeID,
		Role:     opts.role,
		MasterID: opts.masterID,
	})
	if err != nil {
		return err
	}

	logger.Info("published role",
		zap.String("group", opts.groupID),
		zap.String("node", opts.nodeID),
		zap.String("role", opts.role))
	return nil
}

func runPublishRole(ctx context.Context, logger *zap.Logger, opts *announceFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}

	client, err := dialEtcd(logger, opts.etcdEndpoints)
	if err != nil {
		return err
	}
	defer client.Close()

	return publishRole(ctx, logger, client, opts)
}

func runAnnounce(ctx context.Context, logger *zap.Logger, opts *announceFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := dialEtcd(logger, opts.etcdEndpoints)
	if err != nil {
		return err
	}
	defer client.Close()

	provider, err := topology.NewEtcdProvider(topology.EtcdProviderOptions{
		EtcdClient:  client,
		KeyPrefix:   opts.etcdPrefix + "/topology",
		LeasePeriod: opts.leasePeriod,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	address, err := netutils.AdvertiseAddress(opts.address)
	if err != nil {
		return err
	}

	lostCh, err := provider.Join(ctx, topology.Member{
		GroupID: opts.groupID,
		NodeID:  opts.nodeID,
		ZoneID:  opts.zoneID,
		Address: address,
	})
	if err != nil {
		return err
	}

	logger.Info("joined topology",
		zap.String("group", opts.groupID),
		zap.String("node", opts.nodeID),
		zap.String("address", address))

	if opts.role != "" {
		err := publishRole(ctx, logger, client, opts)
		if err != nil {
			logger.Warn("failed to publish role", zap.Error(err))
		}
	}

	select {
	case <-ctx.Done():
	case <-lostCh:
		return errors.New("membership lease lost")
	}

	leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = provider.Leave(leaveCtx)
	if err != nil {
		return err
	}

	logger.Info("left topology")
	return nil
}

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
	"errors"
	"net"
	"testing"
	"time"

	"github.com/couchbase/replica-router/contrib/grpcheaderauth"
	"github.com/couchbase/replica-router/contrib/lazyhandle"
	"github.com/couchbase/replica-router/routing"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const testAddress = "passthrough:///bufnet"

type testServer struct {
	listener *bufconn.Listener
	health   *health.Server
}

func startTestServer(t *testing.T, check grpcheaderauth.CheckFunc) *testServer {
	listener := bufconn.Listen(1024 * 1024)

	interceptors := []grpc.UnaryServerInterceptor{
		recovery.UnaryServerInterceptor(),
	}
	if check != nil {
		interceptors = append(interceptors, grpcheaderauth.UnaryServerInterceptor(check))
	}

	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(interceptors...))

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("replica", grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(srv, healthServer)

	go func() {
		_ = srv.Serve(listener)
	}()
	t.Cleanup(srv.Stop)

	return &testServer{
		listener: listener,
		health:   healthServer,
	}
}

func (s *testServer) dialOptions() DialOptions {
	return DialOptions{
		RequestTimeout: time.Second,
		ExtraDialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return s.listener.DialContext(ctx)
			}),
		},
	}
}

func TestDialHealthy(t *testing.T) {
	srv := startTestServer(t, nil)
	opts := srv.dialOptions()
	opts.ServiceName = "replica"

	conn, err := Dial(context.Background(), testAddress, &opts)
	require.NoError(t, err)
	defer conn.Close()

	require.Equal(t, testAddress, conn.Address())
	require.NotNil(t, conn.ClientConn())
	require.NoError(t, conn.CheckHealth(context.Background(), ""))
}

func TestDialNotServing(t *testing.T) {
	srv := startTestServer(t, nil)
	srv.health.SetServingStatus("replica", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	opts := srv.dialOptions()
	opts.ServiceName = "replica"

	_, err := Dial(context.Background(), testAddress, &opts)
	require.ErrorIs(t, err, ErrNotServing)
	require.False(t, lazyhandle.IsPersistent(err))
}

func TestDialUnknownService(t *testing.T) {
	srv := startTestServer(t, nil)
	opts := srv.dialOptions()
	opts.ServiceName = "missing"

	_, err := Dial(context.Background(), testAddress, &opts)
	require.Error(t, err)
	require.Equal(t, codes.NotFound, status.Code(err))
	require.False(t, lazyhandle.IsPersistent(err))
}

func TestDialAuthentication(t *testing.T) {
	srv := startTestServer(t, func(username, password string) bool {
		return username == "router" && password == "secret"
	})

	t.Run("missing", func(t *testing.T) {
		opts := srv.dialOptions()
		_, err := Dial(context.Background(), testAddress, &opts)
		require.ErrorIs(t, err, lazyhandle.ErrAuthenticationFailed)
	})

	t.Run("wrong", func(t *testing.T) {
		opts := srv.dialOptions()
		opts.Username = "router"
		opts.Password = "nope"
		_, err := Dial(context.Background(), testAddress, &opts)
		require.ErrorIs(t, err, lazyhandle.ErrAuthenticationFailed)
	})

	t.Run("correct", func(t *testing.T) {
		opts := srv.dialOptions()
		opts.Username = "router"
		opts.Password = "secret"
		conn, err := Dial(context.Background(), testAddress, &opts)
		require.NoError(t, err)
		require.NoError(t, conn.Close())
	})
}

func TestClassifyError(t *testing.T) {
	plain := errors.New("boom")
	require.Same(t, plain, ClassifyError(plain))

	err := ClassifyError(status.Error(codes.PermissionDenied, "no"))
	require.ErrorIs(t, err, lazyhandle.ErrAuthenticationFailed)

	require.True(t, IsRetryable(status.Error(codes.Unavailable, "down")))
	require.True(t, IsRetryable(status.Error(codes.DeadlineExceeded, "slow")))
	require.False(t, IsRetryable(status.Error(codes.InvalidArgument, "bad")))
	require.False(t, IsRetryable(plain))
}

func TestConnHandle(t *testing.T) {
	srv := startTestServer(t, nil)

	for _, async := range []bool{false, true} {
		h := NewConnHandle(testAddress, &HandleFactoryOptions{
			Dial:  srv.dialOptions(),
			Async: async,
		})

		conn, ok, err := h.Get(context.Background())
		require.NoError(t, err)
		require.True(t, ok)
		require.NotNil(t, conn)
		require.Equal(t, lazyhandle.StateResolved, h.State())

		h.NoteFailure(errors.New("call failed"))
		require.True(t, h.NeedsRepair())

		require.NoError(t, h.Repair(context.Background()))
		require.False(t, h.NeedsRepair())

		h.Reset()
	}
}

func TestConnHandleAuthFailureSurfaces(t *testing.T) {
	srv := startTestServer(t, func(username, password string) bool { return false })

	h := NewConnHandle(testAddress, &HandleFactoryOptions{
		Dial: srv.dialOptions(),
	})

	_, ok, err := h.Get(context.Background())
	require.False(t, ok)
	require.ErrorIs(t, err, lazyhandle.ErrAuthenticationFailed)
	require.Equal(t, lazyhandle.StateUnresolved, h.State())
}

func TestHandleFactoryWithGroupTable(t *testing.T) {
	srv := startTestServer(t, nil)

	table := routing.NewGroupTable(routing.GroupTableOptions{
		GroupID: "g1",
		HandleFactory: NewHandleFactory(HandleFactoryOptions{
			Dial: srv.dialOptions(),
		}),
	})
	table.ApplyTopology([]routing.Member{
		{NodeID: "a", Address: testAddress},
	})

	conn, ok, err := ConnFor(context.Background(), table.NodeState("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, conn.CheckHealth(context.Background(), "replica"))

	// nodes known only from role events have no address to dial
	orphan := table.GetOrCreateNodeState("b")
	_, ok, err = ConnFor(context.Background(), orphan)
	require.NoError(t, err)
	require.False(t, ok)
}

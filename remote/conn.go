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
	"time"

	"github.com/couchbase/replica-router/contrib/grpcheaderauth"
	"github.com/couchbase/replica-router/contrib/lazyhandle"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/timeout"
	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
)

const DefaultRequestTimeout = 5 * time.Second

var ErrNotServing = errors.New("remote service is not serving")

type DialOptions struct {
	// ServiceName is the service whose health is checked after dialing.  The
	// empty name checks the server as a whole.
	ServiceName string

	Username string
	Password string

	// RequestTimeout bounds every unary call made over the connection.
	RequestTimeout time.Duration

	Logger *zap.Logger

	// ExtraDialOptions are appended after the defaults.
	ExtraDialOptions []grpc.DialOption
}

// Conn is a health-checked gRPC connection to a single replica.
type Conn struct {
	address string
	conn    *grpc.ClientConn
	health  grpc_health_v1.HealthClient
}

func (c *Conn) Address() string {
	return c.address
}

func (c *Conn) ClientConn() *grpc.ClientConn {
	return c.conn
}

func (c *Conn) Health() grpc_health_v1.HealthClient {
	return c.health
}

func (c *Conn) Close() error {
	return c.conn.Close()
}

func dialOptions(opts *DialOptions) ([]grpc.DialOption, error) {
	requestTimeout := opts.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}

	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithChainUnaryInterceptor(timeout.UnaryClientInterceptor(requestTimeout)),
	}

	if opts.Username != "" {
		basicAuthCreds, err := grpcheaderauth.NewGrpcBasicAuth(opts.Username, opts.Password)
		if err != nil {
			return nil, err
		}
		dialOpts = append(dialOpts, grpc.WithPerRPCCredentials(basicAuthCreds))
	}

	dialOpts = append(dialOpts, grpc.WithStatsHandler(otelgrpc.NewClientHandler()))

	return append(dialOpts, opts.ExtraDialOptions...), nil
}

// Dial connects to address and confirms the remote service is serving.
// Authentication failures are reported as lazyhandle.ErrAuthenticationFailed.
func Dial(ctx context.Context, address string, opts *DialOptions) (*Conn, error) {
	if opts == nil {
		opts = &DialOptions{}
	}

	dialOpts, err := dialOptions(opts)
	if err != nil {
		return nil, err
	}

	conn, err := grpc.NewClient(address, dialOpts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to create client for %s", address)
	}

	c := &Conn{
		address: address,
		conn:    conn,
		health:  grpc_health_v1.NewHealthClient(conn),
	}

	err = c.CheckHealth(ctx, opts.ServiceName)
	if err != nil {
		if opts.Logger != nil {
			opts.Logger.Debug("remote health check failed",
				zap.String("address", address),
				zap.Error(err))
		}
		_ = conn.Close()
		return nil, err
	}

	return c, nil
}

// CheckHealth returns nil if the service is serving.
func (c *Conn) CheckHealth(ctx context.Context, serviceName string) error {
	resp, err := c.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{
		Service: serviceName,
	})
	if err != nil {
		return ClassifyError(err)
	}

	if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
		return errors.Wrapf(ErrNotServing, "%s reported %s", c.address, resp.Status)
	}

	return nil
}

// ClassifyError maps credential rejections onto ErrAuthenticationFailed so
// that they are treated as persistent, leaving other errors untouched.
func ClassifyError(err error) error {
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return errors.Wrap(lazyhandle.ErrAuthenticationFailed, status.Convert(err).Message())
	}
	return err
}

// IsRetryable reports whether a failed call may be retried on another node.
func IsRetryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.ResourceExhausted:
		return true
	}
	return false
}

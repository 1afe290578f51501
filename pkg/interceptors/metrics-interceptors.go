/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package interceptors

import (
	"context"

	"github.com/couchbase/replica-router/pkg/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

// MetricsInterceptor counts the RPCs the router makes to replicas.
type MetricsInterceptor struct {
	metrics *metrics.RouterMetrics
}

func NewMetricsInterceptor(metrics *metrics.RouterMetrics) *MetricsInterceptor {
	return &MetricsInterceptor{
		metrics: metrics,
	}
}

func (mi *MetricsInterceptor) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		mi.metrics.ActiveRpcs.Add(ctx, 1)

		err := invoker(ctx, method, req, reply, cc, opts...)

		mi.metrics.ActiveRpcs.Add(ctx, -1)
		mi.metrics.RpcCalls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("target", cc.Target()),
			attribute.String("code", status.Code(err).String())))

		return err
	}
}

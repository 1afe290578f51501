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
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"
)

type LoggingInterceptor struct {
	logger *zap.Logger
}

func NewLoggingInterceptor(logger *zap.Logger) *LoggingInterceptor {
	return &LoggingInterceptor{
		logger: logger,
	}
}

// UnaryClientInterceptor logs every outgoing call at debug level, and failed
// calls at warn.
func (li *LoggingInterceptor) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		start := time.Now()
		err := invoker(ctx, method, req, reply, cc, opts...)

		fields := []zap.Field{
			zap.String("method", method),
			zap.String("target", cc.Target()),
			zap.Duration("elapsed", time.Since(start)),
		}
		if err != nil {
			li.logger.Warn("rpc failed", append(fields,
				zap.Stringer("code", status.Code(err)),
				zap.Error(err))...)
		} else {
			li.logger.Debug("rpc completed", fields...)
		}

		return err
	}
}

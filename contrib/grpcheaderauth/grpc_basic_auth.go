/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package grpcheaderauth

import (
	"context"
	"encoding/base64"

	"github.com/couchbase/replica-router/utils/authhdr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type GrpcBasicAuth struct {
	EncodedData string
}

// NewGrpcBasicAuth creates PerRPCCredentials sending the given username and
// password as an HTTP basic authorization header.
func NewGrpcBasicAuth(username, password string) (credentials.PerRPCCredentials, error) {
	basicAuth := username + ":" + password
	authValue := base64.StdEncoding.EncodeToString([]byte(basicAuth))
	return GrpcBasicAuth{authValue}, nil
}

func (j GrpcBasicAuth) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	return map[string]string{
		"authorization": "Basic " + j.EncodedData,
	}, nil
}

func (j GrpcBasicAuth) RequireTransportSecurity() bool {
	return false
}

// CheckFunc validates a username and password pair.
type CheckFunc func(username, password string) bool

// UnaryServerInterceptor rejects calls whose basic authorization header is
// missing or fails check.
func UnaryServerInterceptor(check CheckFunc) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		md, _ := metadata.FromIncomingContext(ctx)

		authHdrs := md.Get("authorization")
		if len(authHdrs) != 1 {
			return nil, status.Error(codes.Unauthenticated, "missing authorization header")
		}

		username, password, ok := authhdr.DecodeBasicAuth(authHdrs[0])
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "malformed authorization header")
		}

		if !check(username, password) {
			return nil, status.Error(codes.PermissionDenied, "invalid credentials")
		}

		return handler(ctx, req)
	}
}

/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package routing

import "errors"

var (
	ErrNegativeActiveRequests = errors.New("active request count went negative, unpaired EndRequest")
	ErrUnknownGroup           = errors.New("unknown replication group")
	ErrUnknownNode            = errors.New("unknown node")
	ErrNoEligibleNode         = errors.New("no eligible node")
)

/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package lazyhandle

import (
	"errors"
	"fmt"
)

// ErrAuthenticationFailed indicates the remote endpoint rejected our
// credentials.  Resolvers should wrap it so that the failure is surfaced to
// callers rather than retried.
var ErrAuthenticationFailed = errors.New("authentication failed")

// PersistentError is returned when a resolution fails in a way that no
// automatic repair can fix.  The handle is cleared after the error has been
// returned, so a later call will attempt resolution again.
type PersistentError struct {
	Cause error
}

func (e *PersistentError) Error() string {
	return fmt.Sprintf("persistent resolution failure: %s", e.Cause)
}

func (e *PersistentError) Unwrap() error {
	return e.Cause
}

// IsPersistent is the default classification of resolution errors.
func IsPersistent(err error) bool {
	var persistentErr *PersistentError
	return errors.Is(err, ErrAuthenticationFailed) || errors.As(err, &persistentErr)
}

/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package routing

import (
	"fmt"
	"strings"
	"time"
)

type ConsistencyKind int

const (
	ConsistencyNoneRequired ConsistencyKind = iota
	ConsistencyNoneRequiredNoMaster
	ConsistencyAbsolute
	ConsistencyVersion
	ConsistencyTime
)

// Consistency describes how fresh or authoritative the node serving a request
// must be.
type Consistency struct {
	Kind ConsistencyKind

	// Progress is the minimum progress value for ConsistencyVersion.
	Progress int64

	// PermissibleLag bounds how far behind the master a node may be for
	// ConsistencyTime.
	PermissibleLag time.Duration
}

func NoneRequired() Consistency {
	return Consistency{Kind: ConsistencyNoneRequired}
}

func NoneRequiredNoMaster() Consistency {
	return Consistency{Kind: ConsistencyNoneRequiredNoMaster}
}

func Absolute() Consistency {
	return Consistency{Kind: ConsistencyAbsolute}
}

func AtVersion(progress int64) Consistency {
	return Consistency{Kind: ConsistencyVersion, Progress: progress}
}

func WithinLag(lag time.Duration) Consistency {
	return Consistency{Kind: ConsistencyTime, PermissibleLag: lag}
}

func (c Consistency) String() string {
	switch c.Kind {
	case ConsistencyNoneRequired:
		return "none-required"
	case ConsistencyNoneRequiredNoMaster:
		return "none-required-no-master"
	case ConsistencyAbsolute:
		return "absolute"
	case ConsistencyVersion:
		return fmt.Sprintf("version(%d)", c.Progress)
	case ConsistencyTime:
		return fmt.Sprintf("time(%s)", c.PermissibleLag)
	}
	return fmt.Sprintf("Consistency(%d)", c.Kind)
}

// ParseConsistency parses the textual form used by the web api and config,
// eg: "absolute", "version:1234" or "time:2s".
func ParseConsistency(s string) (Consistency, error) {
	kind, arg, hasArg := strings.Cut(s, ":")
	switch kind {
	case "none-required", "":
		return NoneRequired(), nil
	case "none-required-no-master":
		return NoneRequiredNoMaster(), nil
	case "absolute":
		return Absolute(), nil
	case "version":
		if !hasArg {
			return Consistency{}, fmt.Errorf("version consistency requires a progress value")
		}
		var progress int64
		_, err := fmt.Sscan(arg, &progress)
		if err != nil {
			return Consistency{}, fmt.Errorf("invalid progress value %q: %w", arg, err)
		}
		return AtVersion(progress), nil
	case "time":
		if !hasArg {
			return Consistency{}, fmt.Errorf("time consistency requires a lag")
		}
		lag, err := time.ParseDuration(arg)
		if err != nil {
			return Consistency{}, fmt.Errorf("invalid lag %q: %w", arg, err)
		}
		return WithinLag(lag), nil
	}
	return Consistency{}, fmt.Errorf("unknown consistency %q", s)
}

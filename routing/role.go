/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package routing

import "fmt"

type NodeID string
type GroupID string
type ZoneID string

type Role int32

const (
	RoleReplica Role = iota
	RoleMaster
	RoleUnknown
	RoleDetached
	RoleUnavailable
)

// IsActive reports whether a node in this role may serve requests.
func (r Role) IsActive() bool {
	return r == RoleMaster || r == RoleReplica
}

func (r Role) String() string {
	switch r {
	case RoleReplica:
		return "replica"
	case RoleMaster:
		return "master"
	case RoleUnknown:
		return "unknown"
	case RoleDetached:
		return "detached"
	case RoleUnavailable:
		return "unavailable"
	}
	return fmt.Sprintf("Role(%d)", int32(r))
}

func ParseRole(s string) (Role, error) {
	switch s {
	case "replica":
		return RoleReplica, nil
	case "master":
		return RoleMaster, nil
	case "unknown":
		return RoleUnknown, nil
	case "detached":
		return RoleDetached, nil
	case "unavailable":
		return RoleUnavailable, nil
	}
	return RoleUnknown, fmt.Errorf("invalid role %q", s)
}

func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(text []byte) error {
	parsed, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// MetadataKind identifies a kind of metadata whose sequence number is tracked
// per group, eg: the table metadata or the security metadata.
type MetadataKind string

const (
	MetadataTable    MetadataKind = "table"
	MetadataSecurity MetadataKind = "security"
)

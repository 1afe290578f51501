/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package topology

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

// Member describes a single replica of a replication group.
type Member struct {
	GroupID string `json:"groupId"`
	NodeID  string `json:"nodeId"`
	ZoneID  string `json:"zoneId,omitempty"`
	Address string `json:"address"`
}

func (m Member) Validate() error {
	if m.GroupID == "" {
		return errors.Wrap(ErrInvalidMember, "group id must be specified")
	}
	if m.NodeID == "" {
		return errors.Wrap(ErrInvalidMember, "node id must be specified")
	}
	if strings.Contains(m.GroupID, "/") || strings.Contains(m.NodeID, "/") {
		return errors.Wrapf(ErrInvalidMember, "ids may not contain '/' (group %q, node %q)", m.GroupID, m.NodeID)
	}
	return nil
}

type Snapshot struct {
	Revision int64
	Members  []Member
}

// GroupIDs returns the distinct groups in the snapshot, sorted.
func (s *Snapshot) GroupIDs() []string {
	var groupIDs []string
	for _, member := range s.Members {
		if !slices.Contains(groupIDs, member.GroupID) {
			groupIDs = append(groupIDs, member.GroupID)
		}
	}
	slices.Sort(groupIDs)
	return groupIDs
}

// GroupMembers returns the members of a single group in snapshot order.
func (s *Snapshot) GroupMembers(groupID string) []Member {
	var members []Member
	for _, member := range s.Members {
		if member.GroupID == groupID {
			members = append(members, member)
		}
	}
	return members
}

/*
Provider supplies the membership of every replication group.  Watch emits the
current snapshot immediately and a new one whenever membership changes; the
channel is closed once ctx is cancelled or the provider can no longer follow
changes.
*/
type Provider interface {
	Get(ctx context.Context) (*Snapshot, error)
	Watch(ctx context.Context) (<-chan *Snapshot, error)
}

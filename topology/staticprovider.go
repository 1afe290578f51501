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
	"sync"

	"github.com/couchbase/replica-router/utils/latestonlychannel"
	"golang.org/x/exp/slices"
)

type StaticProviderOptions struct {
	Members []Member
}

// StaticProvider serves a fixed member list which can be replaced at runtime,
// typically from a reloaded configuration file.
type StaticProvider struct {
	lock     sync.Mutex
	revision int64
	members  []Member
	watchers []chan *Snapshot
}

var _ Provider = (*StaticProvider)(nil)

func NewStaticProvider(opts StaticProviderOptions) (*StaticProvider, error) {
	for _, member := range opts.Members {
		if err := member.Validate(); err != nil {
			return nil, err
		}
	}

	return &StaticProvider{
		revision: 1,
		members:  slices.Clone(opts.Members),
	}, nil
}

func (p *StaticProvider) getSnapLocked() *Snapshot {
	return &Snapshot{
		Revision: p.revision,
		Members:  slices.Clone(p.members),
	}
}

// SetMembers replaces the member list and notifies every watcher.
func (p *StaticProvider) SetMembers(members []Member) error {
	for _, member := range members {
		if err := member.Validate(); err != nil {
			return err
		}
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	p.members = slices.Clone(members)
	p.revision++

	newSnap := p.getSnapLocked()
	for _, watchCh := range p.watchers {
		watchCh <- newSnap
	}

	return nil
}

func (p *StaticProvider) Get(ctx context.Context) (*Snapshot, error) {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.getSnapLocked(), nil
}

func (p *StaticProvider) Watch(ctx context.Context) (<-chan *Snapshot, error) {
	signalCh := make(chan *Snapshot)
	outputCh := latestonlychannel.Wrap(signalCh)

	p.lock.Lock()
	p.watchers = append(p.watchers, signalCh)
	currentSnap := p.getSnapLocked()
	signalCh <- currentSnap
	p.lock.Unlock()

	go func() {
		<-ctx.Done()

		p.lock.Lock()
		p.watchers = slices.DeleteFunc(p.watchers, func(ch chan *Snapshot) bool {
			return ch == signalCh
		})
		p.lock.Unlock()

		close(signalCh)
	}()

	return outputCh, nil
}

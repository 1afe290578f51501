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
	"sync"
	"time"
)

const (
	// ProgressNull marks a progress sample that carries no information.  Real
	// progress values start at 1.
	ProgressNull int64 = 0

	// ProgressUnknown is returned by ValueAt when no sample has been received.
	ProgressUnknown int64 = -1
)

const DefaultRateInterval = 10 * time.Second

// ProgressTracker estimates the value of a monotonically advancing progress
// counter (eg: the last applied log sequence number on a node) at arbitrary
// points in time.  It keeps a high-water mark of the samples it receives and
// recomputes the rate of advance once per rate interval.
type ProgressTracker struct {
	lock         sync.Mutex
	rateInterval time.Duration

	sampled    bool
	lastValue  int64
	lastUpdate time.Time

	intervalStartValue int64
	intervalStart      time.Time
	ratePerSecond      int64
}

func NewProgressTracker(rateInterval time.Duration) *ProgressTracker {
	if rateInterval <= 0 {
		rateInterval = DefaultRateInterval
	}

	return &ProgressTracker{
		rateInterval: rateInterval,
	}
}

func (p *ProgressTracker) Update(value int64, now time.Time) {
	if value <= ProgressNull {
		return
	}

	p.lock.Lock()
	defer p.lock.Unlock()

	p.sampled = true
	p.lastUpdate = now
	if value > p.lastValue {
		p.lastValue = value
	}

	elapsed := now.Sub(p.intervalStart)
	if !p.intervalStart.IsZero() && elapsed < p.rateInterval {
		return
	}

	if p.intervalStart.IsZero() {
		p.intervalStartValue = p.lastValue
		p.intervalStart = now
		return
	}

	delta := p.lastValue - p.intervalStartValue
	if delta < 0 {
		// the counter went backwards (eg: after a hard recovery), start over
		p.intervalStartValue = p.lastValue
		p.intervalStart = now
		p.ratePerSecond = 0
		return
	}

	elapsedMs := elapsed.Milliseconds()
	if elapsedMs <= 0 {
		elapsedMs = 1
	}

	p.ratePerSecond = delta * 1000 / elapsedMs
	p.intervalStartValue = p.lastValue
	p.intervalStart = now
}

// ValueAt extrapolates the counter to the given time, which may lie before or
// after the most recent sample.
func (p *ProgressTracker) ValueAt(t time.Time) int64 {
	p.lock.Lock()
	defer p.lock.Unlock()

	if !p.sampled {
		return ProgressUnknown
	}

	deltaMs := t.Sub(p.lastUpdate).Milliseconds()
	estimate := p.lastValue + deltaMs*p.ratePerSecond/1000
	if estimate < 0 {
		return 0
	}

	return estimate
}

// IsObsolete indicates that no sample has arrived within the last rate
// interval, so the rate estimate should not be trusted.
func (p *ProgressTracker) IsObsolete(now time.Time) bool {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.lastUpdate.Add(p.rateInterval).Before(now)
}

func (p *ProgressTracker) LastValue() int64 {
	p.lock.Lock()
	defer p.lock.Unlock()

	if !p.sampled {
		return ProgressUnknown
	}
	return p.lastValue
}

func (p *ProgressTracker) RatePerSecond() int64 {
	p.lock.Lock()
	defer p.lock.Unlock()

	return p.ratePerSecond
}

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
	"sync/atomic"
	"time"
)

const latencySampleCount = 8

// latencyWindow keeps a trailing average over the last few latency samples.
// Writers are serialized, readers are lock-free and may observe an average
// which is a sample or two behind.
type latencyWindow struct {
	writeLock sync.Mutex
	samples   [latencySampleCount]int64
	next      int

	sumMs  atomic.Int64
	filled atomic.Int64
}

func (w *latencyWindow) Record(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}

	w.writeLock.Lock()
	oldest := w.samples[w.next]
	w.samples[w.next] = ms
	w.next = (w.next + 1) % latencySampleCount
	w.sumMs.Add(ms - oldest)
	if w.filled.Load() < latencySampleCount {
		w.filled.Add(1)
	}
	w.writeLock.Unlock()
}

// AverageMs returns the trailing average in milliseconds, or 0 if no
// samples have been recorded.
func (w *latencyWindow) AverageMs() int64 {
	filled := w.filled.Load()
	if filled == 0 {
		return 0
	}

	return w.sumMs.Load() / filled
}

/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package latestonlychannel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestWrapEmptyBlocks(t *testing.T) {
	inputCh := make(chan int)
	outputCh := Wrap(inputCh)

	select {
	case <-outputCh:
		t.Fatalf("should have blocked")
	case <-time.After(10 * time.Millisecond):
	}

	close(inputCh)
}

func TestWrapSingle(t *testing.T) {
	inputCh := make(chan int)
	outputCh := Wrap(inputCh)

	inputCh <- 1
	require.Equal(t, 1, <-outputCh)

	inputCh <- 2
	require.Equal(t, 2, <-outputCh)

	close(inputCh)

	_, ok := <-outputCh
	require.False(t, ok, "output channel was not closed")
}

func TestWrapCoalesces(t *testing.T) {
	inputCh := make(chan int)
	outputCh := Wrap(inputCh)

	inputCh <- 1
	inputCh <- 2
	inputCh <- 3
	require.Equal(t, 3, <-outputCh)

	inputCh <- 4
	inputCh <- 5
	inputCh <- 6
	require.Equal(t, 6, <-outputCh)

	close(inputCh)

	_, ok := <-outputCh
	require.False(t, ok, "output channel was not closed")
}

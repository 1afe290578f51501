/*
Copyright 2024-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package latestonlychannel

// Wrap returns a channel which only ever holds the most recent value sent on
// inputCh.  Sends on inputCh are always accepted promptly and any value not
// yet read from the output is replaced by the newer one, so a slow reader
// sees at most as many values as were sent and always ends with the latest.
// Closing inputCh closes the output, dropping any value not yet read.
func Wrap[T any](inputCh <-chan T) <-chan T {
	outputCh := make(chan T)

	go func() {
		defer close(outputCh)

		for {
			pending, ok := <-inputCh
			if !ok {
				return
			}

		SendLoop:
			for {
				select {
				case outputCh <- pending:
					break SendLoop
				case newer, ok := <-inputCh:
					if !ok {
						return
					}
					pending = newer
				}
			}
		}
	}()

	return outputCh
}

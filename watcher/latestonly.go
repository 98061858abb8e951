/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package watcher

import "context"

// latestOnly pipes inputCh into the returned channel without ever blocking
// the sender.  Values that are superseded before the reader gets to them are
// dropped, so count(output) <= count(input).  The last value received before
// inputCh closes is always delivered unless ctx ends first.
func latestOnly[T any](ctx context.Context, inputCh <-chan T) <-chan T {
	outputCh := make(chan T)

	go func() {
		defer close(outputCh)

		for {
			var latestData T
			select {
			case data, ok := <-inputCh:
				if !ok {
					return
				}
				latestData = data
			case <-ctx.Done():
				return
			}

			inputOpen := true
		SendLoop:
			for {
				// once the input is closed only the pending value is left to
				// send, a nil channel keeps the receive case from firing.
				recvCh := inputCh
				if !inputOpen {
					recvCh = nil
				}

				select {
				case outputCh <- latestData:
					break SendLoop
				case updatedData, ok := <-recvCh:
					if !ok {
						inputOpen = false
						continue
					}
					latestData = updatedData
				case <-ctx.Done():
					return
				}
			}

			if !inputOpen {
				return
			}
		}
	}()

	return outputCh
}

/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package transition

import "github.com/couchbase/gocbtopology/topology"

// NodeConn is the per-node connection provided by the transport.  All methods
// must be safe to call while the transport is concurrently completing
// operations.
type NodeConn interface {
	// Enqueue appends op to the connection's queue.
	Enqueue(op *Operation)

	// Requeue inserts a relocated op into the queue by Seq, ahead of any
	// queued operation submitted after it.  Operations already written are
	// not reordered.
	Requeue(op *Operation)

	// Pending returns a snapshot of the operations that have not completed
	// yet, in queue order.
	Pending() []*Operation

	// Remove takes op off the queue.  It returns false if op was no longer
	// queued, in which case the transport owns its completion.
	Remove(op *Operation) bool

	PendingCount() int

	// Flush starts writing any queued operations.
	Flush()

	// CloseWhenDrained closes the connection once its queue is empty.  It
	// must never drop an operation that is still pending.
	CloseWhenDrained()
}

type Dialer interface {
	Open(node *topology.Node) (NodeConn, error)
}

/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package transition

import "sync/atomic"

// routingTable pairs a generation with the connection for each of its node
// indices.  A nil connection is a node whose connection could not be opened.
// Tables are never modified once stored.
type routingTable struct {
	Generation *Generation
	Conns      []NodeConn
}

func (t *routingTable) conn(nodeIdx int) NodeConn {
	if nodeIdx < 0 || nodeIdx >= len(t.Conns) {
		return nil
	}
	return t.Conns[nodeIdx]
}

type atomicRoutingTable struct {
	Value atomic.Pointer[routingTable]
}

func (t *atomicRoutingTable) Load() *routingTable {
	return t.Value.Load()
}

func (t *atomicRoutingTable) Store(new *routingTable) {
	t.Value.Store(new)
}

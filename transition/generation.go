/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package transition

import (
	"fmt"
	"sync/atomic"

	"github.com/couchbase/gocbtopology/topology"
)

// Generation is a published topology together with the references held on
// it.  The coordinator holds one reference while the generation is active and
// every operation routed under it holds another.  The generation is released
// when the last reference is dropped.
type Generation struct {
	id        uint64
	topology  *topology.Topology
	refs      atomic.Int64
	released  atomic.Bool
	onRelease func(gen *Generation)
}

func newGeneration(id uint64, t *topology.Topology, onRelease func(gen *Generation)) *Generation {
	gen := &Generation{
		id:        id,
		topology:  t,
		onRelease: onRelease,
	}
	gen.refs.Store(1)
	return gen
}

func (g *Generation) ID() uint64 {
	return g.id
}

func (g *Generation) Topology() *topology.Topology {
	return g.topology
}

func (g *Generation) Refs() int64 {
	return g.refs.Load()
}

func (g *Generation) Released() bool {
	return g.released.Load()
}

func (g *Generation) acquire() {
	if g.refs.Add(1) <= 1 {
		panic(fmt.Sprintf("acquired released topology generation %d", g.id))
	}
}

func (g *Generation) release() {
	refs := g.refs.Add(-1)
	if refs > 0 {
		return
	}
	if refs < 0 {
		panic(fmt.Sprintf("topology generation %d released too many times", g.id))
	}

	g.released.Store(true)
	if g.onRelease != nil {
		g.onRelease(g)
	}
}

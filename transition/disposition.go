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
	"github.com/couchbase/gocbtopology/routing"
	"github.com/couchbase/gocbtopology/topology"
	"github.com/pkg/errors"
)

type DispositionKind int

const (
	DispositionKeep DispositionKind = iota
	DispositionRelocate
	DispositionFail
)

func (k DispositionKind) String() string {
	switch k {
	case DispositionKeep:
		return "keep"
	case DispositionRelocate:
		return "relocate"
	case DispositionFail:
		return "fail"
	}
	return "unknown"
}

// Disposition is what a topology transition does with one queued operation.
type Disposition struct {
	Kind DispositionKind

	// Target is the node index a relocated operation moves to.
	Target int

	// Shard is the shard a relocated operation is routed to, NoShard for
	// ketama topologies.
	Shard int

	// Err is the error a failed operation completes with.
	Err error
}

func keepOp() Disposition {
	return Disposition{Kind: DispositionKeep, Target: topology.NoNode, Shard: routing.NoShard}
}

func relocateOp(target, shard int) Disposition {
	return Disposition{Kind: DispositionRelocate, Target: target, Shard: shard}
}

func failOp(err error) Disposition {
	return Disposition{Kind: DispositionFail, Target: topology.NoNode, Shard: routing.NoShard, Err: err}
}

// shardOf is the shard op belongs to under topo.  Keyed operations are hashed
// again since the shard count may have changed.
func shardOf(op *Operation, topo *topology.Topology) int {
	if op.Key != nil {
		return routing.ShardOf(topo, op.Key)
	}
	return op.Shard
}

// decideQueued picks the disposition of an operation queued on a connection
// which is part of the new table at connIdx.  Only retryable shard operations
// whose shard is now mastered by another live connection move.
func decideQueued(op *Operation, connIdx int, table *routingTable) Disposition {
	topo := table.Generation.Topology()
	if topo.DistributionMode != topology.DistributionShardMap {
		return keepOp()
	}
	if op.Scope != ScopeShard || !op.Retryable {
		return keepOp()
	}

	shard := shardOf(op, topo)
	master := routing.MasterOf(topo, shard)
	if master == topology.NoNode || master == connIdx {
		return keepOp()
	}
	if table.conn(master) == nil {
		return keepOp()
	}

	return relocateOp(master, shard)
}

// decideRetiring picks the disposition of an operation still queued on a
// connection whose node left the topology.  Such operations can never stay.
func decideRetiring(op *Operation, table *routingTable, router *routing.Router, resubmit bool) Disposition {
	if !resubmit || op.Scope != ScopeShard || !op.Retryable {
		return failOp(ErrTopologyChanged)
	}

	topo := table.Generation.Topology()

	var route *routing.Route
	var err error
	shard := routing.NoShard
	if topo.DistributionMode == topology.DistributionConsistentHash {
		route, err = router.Route(topo, op.Key)
	} else {
		shard = shardOf(op, topo)
		route, err = router.RouteShard(topo, shard)
	}
	if err != nil {
		return failOp(errors.Wrap(ErrTopologyChanged, err.Error()))
	}

	target := route.Master()
	if table.conn(target) == nil {
		return failOp(errors.Wrapf(ErrTopologyChanged, "no connection for node %d", target))
	}

	return relocateOp(target, shard)
}

/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package routing maps keys to shards and shards to the nodes of a topology.
package routing

import (
	"fmt"

	"github.com/couchbase/gocbtopology/topology"
	"github.com/pkg/errors"
)

// NoShard is the shard of a route through the ketama ring.
const NoShard = -1

type Policy struct {
	// DisableAlternateMaster makes routing fail with ErrNoMatchingNode when a
	// shard has no master instead of guessing at one.
	DisableAlternateMaster bool
}

type RouterOptions struct {
	Policy Policy
}

type Router struct {
	policy Policy
}

func NewRouter(opts RouterOptions) *Router {
	return &Router{
		policy: opts.Policy,
	}
}

func (r *Router) Policy() Policy {
	return r.policy
}

type Route struct {
	// Shard is NoShard for ketama topologies.
	Shard int

	// Candidates lists node indices to try, the master (or its stand-in)
	// first and then the online replicas in order.
	Candidates []int

	// UsedAlternate is set when the master was offline and the first
	// candidate is only a guess.
	UsedAlternate bool
}

// Master returns the first candidate.
func (r *Route) Master() int {
	if len(r.Candidates) == 0 {
		return topology.NoNode
	}
	return r.Candidates[0]
}

// ShardOf returns the vbucket of key.  It must only be used with vbucket
// topologies.
func ShardOf(t *topology.Topology, key []byte) int {
	if t.ShardCount <= 0 {
		return NoShard
	}
	return int(topology.ShardHash(key) % uint32(t.ShardCount))
}

// Route resolves key against t.
func (r *Router) Route(t *topology.Topology, key []byte) (*Route, error) {
	switch t.DistributionMode {
	case topology.DistributionShardMap:
		return r.RouteShard(t, ShardOf(t, key))
	case topology.DistributionConsistentHash:
		nodeIdx := t.RingLookup(topology.KetamaHash(key))
		if nodeIdx == topology.NoNode {
			return nil, errors.Wrap(ErrNoMatchingNode, "ketama ring is empty")
		}

		return &Route{
			Shard:      NoShard,
			Candidates: []int{nodeIdx},
		}, nil
	}

	return nil, errors.Errorf("unsupported distribution mode %s", t.DistributionMode)
}

// RouteShard resolves an already hashed shard against t.
func (r *Router) RouteShard(t *topology.Topology, shard int) (*Route, error) {
	if !t.IsValidShard(shard) {
		return nil, errors.Wrapf(ErrInvalidShard, "shard %d of %d", shard, t.ShardCount)
	}

	route := &Route{
		Shard: shard,
	}

	master := MasterOf(t, shard)
	if master == topology.NoNode {
		if r.policy.DisableAlternateMaster {
			return nil, errors.Wrapf(ErrNoMatchingNode, "shard %d has no master", shard)
		}

		master = AlternateMaster(t, shard)
		if master == topology.NoNode {
			return nil, errors.Wrapf(ErrNoMatchingNode, "shard %d has no candidate nodes", shard)
		}
		route.UsedAlternate = true
	}

	route.Candidates = append(route.Candidates, master)
	for replicaIdx := 0; replicaIdx < t.ReplicaCount; replicaIdx++ {
		replica := ReplicaOf(t, shard, replicaIdx)
		if replica == topology.NoNode || replica == master {
			continue
		}
		route.Candidates = append(route.Candidates, replica)
	}

	return route, nil
}

// MasterOf returns the node mastering shard, or NoNode if it is offline or
// the shard does not exist.
func MasterOf(t *topology.Topology, shard int) int {
	if !t.IsValidShard(shard) {
		return topology.NoNode
	}
	return t.ShardOwners[shard][0]
}

// ReplicaOf returns the node holding the given replica of shard, or NoNode if
// that replica is offline.  Asking for a replica outside of the replica count
// is a programming error and panics.
func ReplicaOf(t *topology.Topology, shard int, replicaIdx int) int {
	if replicaIdx < 0 || replicaIdx >= t.ReplicaCount {
		panic(fmt.Sprintf("replica index %d out of range, topology has %d replicas", replicaIdx, t.ReplicaCount))
	}
	if !t.IsValidShard(shard) {
		return topology.NoNode
	}
	return t.ShardOwners[shard][1+replicaIdx]
}

// AlternateMaster guesses which node may be able to serve shard while its
// master is offline: the first online replica, then the first online node of
// the fast-forward map, and finally shard modulo the node count.  The result
// is a best-effort guess and carries no guarantee that the node owns the
// shard.  NoNode is only returned for a topology without nodes.
func AlternateMaster(t *topology.Topology, shard int) int {
	if t.NodeCount() == 0 {
		return topology.NoNode
	}

	if t.IsValidShard(shard) {
		for _, nodeIdx := range t.ShardOwners[shard][1:] {
			if nodeIdx != topology.NoNode {
				return nodeIdx
			}
		}

		if shard < len(t.ShardOwnersPending) {
			for _, nodeIdx := range t.ShardOwnersPending[shard] {
				if nodeIdx != topology.NoNode {
					return nodeIdx
				}
			}
		}
	}

	if shard < 0 {
		shard = -shard
	}
	return shard % t.NodeCount()
}

// MapKey returns the shard of key along with the node it maps to.  The node
// is NoNode when the shard's master is offline, and the shard is NoShard for
// ketama topologies.
func MapKey(t *topology.Topology, key []byte) (int, int) {
	if t.DistributionMode == topology.DistributionConsistentHash {
		return NoShard, t.RingLookup(topology.KetamaHash(key))
	}

	shard := ShardOf(t, key)
	return shard, MasterOf(t, shard)
}

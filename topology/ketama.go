/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package topology

import (
	"crypto/md5"
	"fmt"
	"sort"

	"golang.org/x/exp/slices"
)

const (
	ketamaDigestsPerNode  = 40
	ketamaPointsPerDigest = 4

	// KetamaPointsPerNode is the number of ring points each node contributes.
	KetamaPointsPerNode = ketamaDigestsPerNode * ketamaPointsPerDigest
)

func buildRing(nodes []*Node) []RingPoint {
	ring := make([]RingPoint, 0, len(nodes)*KetamaPointsPerNode)

	for nodeIdx, node := range nodes {
		for digestIdx := 0; digestIdx < ketamaDigestsPerNode; digestIdx++ {
			digest := md5.Sum([]byte(fmt.Sprintf("%s-%d", node.Identity, digestIdx)))
			for pointIdx := 0; pointIdx < ketamaPointsPerDigest; pointIdx++ {
				ring = append(ring, RingPoint{
					NodeIndex: nodeIdx,
					Point:     ketamaPoint(digest, pointIdx),
				})
			}
		}
	}

	slices.SortFunc(ring, func(a, b RingPoint) int {
		if a.Point != b.Point {
			if a.Point < b.Point {
				return -1
			}
			return 1
		}
		return a.NodeIndex - b.NodeIndex
	})

	// the ring must be strictly ascending, so a colliding point belongs to
	// whichever node sorted first.
	return slices.CompactFunc(ring, func(a, b RingPoint) bool {
		return a.Point == b.Point
	})
}

// ToConsistentHash returns a copy of the topology converted to ketama
// distribution.  The ownership tables are dropped from the copy; a vbucket
// topology is never routed through a ring implicitly.
func ToConsistentHash(t *Topology) *Topology {
	out := t.Clone()
	out.DistributionMode = DistributionConsistentHash
	out.ShardCount = 0
	out.ReplicaCount = 0
	out.ShardOwners = nil
	out.ShardOwnersPending = nil
	out.Ring = buildRing(out.Nodes)
	out.updateShardCounts()
	return out
}

// RingLookup returns the node owning hash: the first point at or above it,
// wrapping around to the start of the ring.  NoNode is returned for an empty
// ring.
func (t *Topology) RingLookup(hash uint32) int {
	if len(t.Ring) == 0 {
		return NoNode
	}

	pointIdx := sort.Search(len(t.Ring), func(i int) bool {
		return t.Ring[i].Point >= hash
	})
	if pointIdx == len(t.Ring) {
		pointIdx = 0
	}

	return t.Ring[pointIdx].NodeIndex
}

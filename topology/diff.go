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
	"golang.org/x/exp/slices"
)

// Diff describes how a topology differs from the one before it.
type Diff struct {
	// NodesAdded lists identities only present in the new topology, in the
	// order of the new node list.
	NodesAdded []string

	// NodesRemoved lists identities only present in the old topology, in the
	// order of the old node list.
	NodesRemoved []string

	// ShardChanges counts the shards whose ordered owner list, compared by
	// node identity, is different.  It is always zero unless both topologies
	// use vbucket distribution.
	ShardChanges int

	// ShardCountChanged is set when the ownership tables have a different
	// number of shards.  Every shard counts as changed in that case.
	ShardCountChanged bool

	// SequenceChanged is set when the node identities are not in the same
	// positions, even if the set of nodes is the same.
	SequenceChanged bool

	DistributionChanged bool
	ReplicasChanged     bool
}

// ServersModified reports whether nodes were added, removed or moved.
func (d *Diff) ServersModified() bool {
	return len(d.NodesAdded) > 0 || len(d.NodesRemoved) > 0 || d.SequenceChanged
}

// MapModified reports whether the shard ownership changed.
func (d *Diff) MapModified() bool {
	return d.ShardChanges > 0 || d.ShardCountChanged || d.ReplicasChanged || d.DistributionChanged
}

func (d *Diff) HasChanges() bool {
	return d.ServersModified() || d.MapModified()
}

func nodeIdentities(t *Topology) []string {
	identities := make([]string, len(t.Nodes))
	for nodeIdx, node := range t.Nodes {
		identities[nodeIdx] = node.Identity
	}
	return identities
}

// identitiesNotIn returns the entries of from which are missing from other,
// keeping the order of from.
func identitiesNotIn(from, other []string) []string {
	otherSet := make(map[string]struct{}, len(other))
	for _, identity := range other {
		otherSet[identity] = struct{}{}
	}

	var out []string
	for _, identity := range from {
		if _, ok := otherSet[identity]; !ok {
			out = append(out, identity)
		}
	}
	return out
}

func ownerIdentities(t *Topology, row []int) []string {
	out := make([]string, len(row))
	for slotIdx, nodeIdx := range row {
		if nodeIdx >= 0 && nodeIdx < len(t.Nodes) {
			out[slotIdx] = t.Nodes[nodeIdx].Identity
		}
	}
	return out
}

// Compare computes the difference between two snapshots of the same bucket.
// Neither topology is modified.
func Compare(prev, next *Topology) *Diff {
	prevIdentities := nodeIdentities(prev)
	nextIdentities := nodeIdentities(next)

	diff := &Diff{
		NodesAdded:          identitiesNotIn(nextIdentities, prevIdentities),
		NodesRemoved:        identitiesNotIn(prevIdentities, nextIdentities),
		SequenceChanged:     !slices.Equal(prevIdentities, nextIdentities),
		DistributionChanged: prev.DistributionMode != next.DistributionMode,
		ReplicasChanged:     prev.ReplicaCount != next.ReplicaCount,
	}

	if prev.DistributionMode != DistributionShardMap || next.DistributionMode != DistributionShardMap {
		return diff
	}

	if len(prev.ShardOwners) != len(next.ShardOwners) {
		diff.ShardCountChanged = true
		diff.ShardChanges = len(next.ShardOwners)
		if len(prev.ShardOwners) > diff.ShardChanges {
			diff.ShardChanges = len(prev.ShardOwners)
		}
		return diff
	}

	for shard := range prev.ShardOwners {
		prevOwners := ownerIdentities(prev, prev.ShardOwners[shard])
		nextOwners := ownerIdentities(next, next.ShardOwners[shard])
		if !slices.Equal(prevOwners, nextOwners) {
			diff.ShardChanges++
		}
	}

	return diff
}

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
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	generatedHostname  = "localhost"
	generatedDataBase  = 1000
	generatedViewsBase = 2000
	generatedMgmtBase  = 3000
)

type GenerateOptions struct {
	BucketName string
	BucketUUID string

	// Nodes overrides the generated localhost nodes.  NumNodes is ignored
	// when it is set.
	Nodes []*Node

	NumNodes    int
	NumReplicas int
	NumShards   int
	Revision    int64
}

// Generate builds a synthetic vbucket topology.  Shard s is mastered by node
// s modulo the node count, and its replicas follow on the next nodes in
// order.  Replica slots that would land back on the master are left offline.
func Generate(opts GenerateOptions) (*Topology, error) {
	nodes := opts.Nodes
	if nodes == nil {
		if opts.NumNodes <= 0 {
			return nil, errors.Wrapf(ErrInvalidOptions, "node count must be positive, got %d", opts.NumNodes)
		}

		nodes = make([]*Node, opts.NumNodes)
		for nodeIdx := range nodes {
			node := &Node{
				Hostname: generatedHostname,
			}
			node.Ports[ServiceData][ModePlain] = uint16(generatedDataBase + nodeIdx)
			node.Ports[ServiceViews][ModePlain] = uint16(generatedViewsBase + nodeIdx)
			node.Ports[ServiceMgmt][ModePlain] = uint16(generatedMgmtBase + nodeIdx)
			nodes[nodeIdx] = node
		}
	} else {
		copied := make([]*Node, len(nodes))
		for nodeIdx, node := range nodes {
			nodeCopy := *node
			copied[nodeIdx] = &nodeCopy
		}
		nodes = copied
	}

	if len(nodes) == 0 {
		return nil, errors.Wrap(ErrInvalidOptions, "no nodes")
	}
	if opts.NumShards <= 0 {
		return nil, errors.Wrapf(ErrInvalidOptions, "shard count must be positive, got %d", opts.NumShards)
	}
	if opts.NumReplicas < 0 {
		return nil, errors.Wrapf(ErrInvalidOptions, "replica count must not be negative, got %d", opts.NumReplicas)
	}

	for _, node := range nodes {
		if node.Ports[ServiceData][ModePlain] == 0 {
			return nil, errors.Wrapf(ErrInvalidOptions, "node %s has no data port", node.Hostname)
		}
		node.updateIdentity()
	}

	err := checkUniqueIdentities(nodes)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidOptions, err.Error())
	}

	bucketUUID := opts.BucketUUID
	if bucketUUID == "" {
		bucketUUID = uuid.NewString()
	}

	t := &Topology{
		DistributionMode: DistributionShardMap,
		ShardCount:       opts.NumShards,
		ReplicaCount:     opts.NumReplicas,
		Revision:         opts.Revision,
		RevEpoch:         RevisionAbsent,
		BucketName:       opts.BucketName,
		BucketUUID:       bucketUUID,
		Nodes:            nodes,
		ShardOwners:      make([][]int, opts.NumShards),
	}

	for shard := range t.ShardOwners {
		row := make([]int, 1+opts.NumReplicas)
		master := shard % len(nodes)
		row[0] = master

		for replicaIdx := 0; replicaIdx < opts.NumReplicas; replicaIdx++ {
			if replicaIdx+1 >= len(nodes) {
				row[1+replicaIdx] = NoNode
				continue
			}
			row[1+replicaIdx] = (master + replicaIdx + 1) % len(nodes)
		}

		t.ShardOwners[shard] = row
	}

	t.updateShardCounts()

	return t, nil
}

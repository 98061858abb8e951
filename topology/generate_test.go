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
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	topo, err := Generate(GenerateOptions{
		BucketName:  "default",
		NumNodes:    4,
		NumReplicas: 2,
		NumShards:   8,
	})
	require.NoError(t, err)

	require.Equal(t, DistributionShardMap, topo.DistributionMode)
	require.Equal(t, "default", topo.BucketName)
	require.Equal(t, 8, topo.ShardCount)
	require.Equal(t, 2, topo.ReplicaCount)

	_, err = uuid.Parse(topo.BucketUUID)
	require.NoError(t, err)

	require.Equal(t, "localhost:1002", topo.Nodes[2].Identity)
	require.Equal(t, uint16(2002), topo.Nodes[2].Port(ServiceViews, ModePlain))
	require.Equal(t, uint16(3002), topo.Nodes[2].Port(ServiceMgmt, ModePlain))

	require.Equal(t, []int{0, 1, 2}, topo.ShardOwners[0])
	require.Equal(t, []int{1, 2, 3}, topo.ShardOwners[5])
	require.Equal(t, []int{3, 0, 1}, topo.ShardOwners[7])

	for _, node := range topo.Nodes {
		require.Equal(t, 6, node.ShardCountAssigned)
	}
}

func TestGenerateReplicasWrapOffline(t *testing.T) {
	topo, err := Generate(GenerateOptions{
		NumNodes:    2,
		NumReplicas: 3,
		NumShards:   4,
	})
	require.NoError(t, err)

	require.Equal(t, []int{0, 1, NoNode, NoNode}, topo.ShardOwners[0])
	require.Equal(t, []int{1, 0, NoNode, NoNode}, topo.ShardOwners[1])
}

func TestGenerateKeepsBucketUUID(t *testing.T) {
	topo, err := Generate(GenerateOptions{
		BucketUUID: "fixed",
		NumNodes:   1,
		NumShards:  1,
	})
	require.NoError(t, err)
	require.Equal(t, "fixed", topo.BucketUUID)
}

func TestGenerateCustomNodes(t *testing.T) {
	nodes := []*Node{
		{Hostname: "10.0.0.1", Ports: Ports{ServiceData: {11210, 11207}}},
		{Hostname: "10.0.0.2", Ports: Ports{ServiceData: {11210, 11207}}},
	}

	topo, err := Generate(GenerateOptions{
		Nodes:     nodes,
		NumNodes:  9,
		NumShards: 4,
	})
	require.NoError(t, err)
	require.Len(t, topo.Nodes, 2)
	require.Equal(t, "10.0.0.2:11210", topo.Nodes[1].Identity)

	// the caller's nodes are copied
	require.Empty(t, nodes[1].Identity)
}

func TestGenerateInvalidOptions(t *testing.T) {
	testCases := []struct {
		name string
		opts GenerateOptions
	}{
		{"NoNodes", GenerateOptions{NumShards: 4}},
		{"NoShards", GenerateOptions{NumNodes: 4}},
		{"NegativeReplicas", GenerateOptions{NumNodes: 4, NumShards: 4, NumReplicas: -1}},
		{"EmptyNodeList", GenerateOptions{Nodes: []*Node{}, NumShards: 4}},
		{"NodeWithoutDataPort", GenerateOptions{Nodes: []*Node{{Hostname: "a"}}, NumShards: 4}},
		{"DuplicateNodes", GenerateOptions{
			Nodes: []*Node{
				{Hostname: "a", Ports: Ports{ServiceData: {1, 0}}},
				{Hostname: "a", Ports: Ports{ServiceData: {1, 0}}},
			},
			NumShards: 4,
		}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Generate(tc.opts)
			require.ErrorIs(t, err, ErrInvalidOptions)
		})
	}
}

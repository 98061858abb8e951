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
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestShardHash(t *testing.T) {
	// crc32 of the standard check input is 0xcbf43926
	require.Equal(t, uint32(0x4bf4), ShardHash([]byte("123456789")))
	require.Equal(t, uint32(0), ShardHash(nil))

	for _, key := range []string{"user:42", "a", "some-much-longer-key-with-more-bytes"} {
		require.Less(t, ShardHash([]byte(key)), uint32(0x8000))
	}
}

func TestKetamaPointIsLittleEndian(t *testing.T) {
	var digest [md5.Size]byte
	for i := range digest {
		digest[i] = byte(i + 1)
	}

	require.Equal(t, uint32(0x04030201), ketamaPoint(digest, 0))
	require.Equal(t, uint32(0x08070605), ketamaPoint(digest, 1))
	require.Equal(t, uint32(0x100f0e0d), ketamaPoint(digest, 3))
}

func newKetamaTopology(t *testing.T, numNodes int) *Topology {
	generated, err := Generate(GenerateOptions{
		NumNodes:  numNodes,
		NumShards: 16,
	})
	require.NoError(t, err)

	return ToConsistentHash(generated)
}

func TestToConsistentHash(t *testing.T) {
	generated, err := Generate(GenerateOptions{
		NumNodes:    3,
		NumReplicas: 1,
		NumShards:   16,
	})
	require.NoError(t, err)

	topo := ToConsistentHash(generated)

	require.Equal(t, DistributionConsistentHash, topo.DistributionMode)
	require.Nil(t, topo.ShardOwners)
	require.Equal(t, 0, topo.ShardCount)
	require.Equal(t, 0, topo.ReplicaCount)

	// the input is left alone
	require.Equal(t, DistributionShardMap, generated.DistributionMode)
	require.Len(t, generated.ShardOwners, 16)
	require.Nil(t, generated.Ring)

	require.LessOrEqual(t, len(topo.Ring), 3*KetamaPointsPerNode)
	require.Greater(t, len(topo.Ring), 3*KetamaPointsPerNode-3)

	pointsPerNode := make(map[int]int)
	for pointIdx, point := range topo.Ring {
		if pointIdx > 0 {
			require.Greater(t, point.Point, topo.Ring[pointIdx-1].Point)
		}
		pointsPerNode[point.NodeIndex]++
	}
	require.Len(t, pointsPerNode, 3)
}

func TestRingLookupInclusiveBoundary(t *testing.T) {
	topo := newKetamaTopology(t, 3)

	for pointIdx, point := range topo.Ring {
		require.Equal(t, point.NodeIndex, topo.RingLookup(point.Point))

		if pointIdx > 0 {
			prev := topo.Ring[pointIdx-1]
			if point.Point-prev.Point > 1 {
				require.Equal(t, point.NodeIndex, topo.RingLookup(prev.Point+1))
			}
		}
	}

	// a key hashing exactly onto one of node 0's points lands on node 0
	key := []byte(topo.Nodes[0].Identity + "-0")
	require.Equal(t, 0, topo.RingLookup(KetamaHash(key)))
}

func TestRingLookupWraps(t *testing.T) {
	topo := newKetamaTopology(t, 3)

	first := topo.Ring[0]
	last := topo.Ring[len(topo.Ring)-1]
	require.Less(t, last.Point, uint32(math.MaxUint32))

	require.Equal(t, first.NodeIndex, topo.RingLookup(last.Point+1))
	require.Equal(t, first.NodeIndex, topo.RingLookup(math.MaxUint32))
	require.Equal(t, first.NodeIndex, topo.RingLookup(0))
}

func TestRingLookupEmpty(t *testing.T) {
	topo := &Topology{DistributionMode: DistributionConsistentHash}
	require.Equal(t, NoNode, topo.RingLookup(1234))
}

func TestBuildRingCollisionKeepsLowestNode(t *testing.T) {
	nodes := []*Node{
		{Identity: "10.0.0.1:11210"},
		{Identity: "10.0.0.1:11210"},
	}

	ring := buildRing(nodes)
	require.Len(t, ring, KetamaPointsPerNode)
	for _, point := range ring {
		require.Equal(t, 0, point.NodeIndex)
	}
}

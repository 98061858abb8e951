/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package topology models a snapshot of a bucket's cluster shape: the nodes,
// which node owns each vbucket, and the ketama ring for memcached buckets.
// Snapshots are built by Parse or Generate and must not be modified once they
// have been handed to the transition coordinator.
package topology

import (
	"net"
	"strconv"
	"sync/atomic"
)

type DistributionMode int

const (
	// DistributionShardMap routes keys through the vbucket ownership table.
	DistributionShardMap DistributionMode = iota

	// DistributionConsistentHash routes keys directly to nodes via the ring.
	DistributionConsistentHash
)

func (m DistributionMode) String() string {
	switch m {
	case DistributionShardMap:
		return "vbucket"
	case DistributionConsistentHash:
		return "ketama"
	}
	return "unknown"
}

// NoNode marks an ownership slot that no node currently serves.
const NoNode = -1

// RevisionAbsent is used for Revision and RevEpoch when the source config
// carried no revision.
const RevisionAbsent int64 = -1

type ServiceType int

const (
	ServiceData ServiceType = iota
	ServiceViews
	ServiceMgmt
	ServiceQuery
	numServiceTypes
)

func (s ServiceType) String() string {
	switch s {
	case ServiceData:
		return "data"
	case ServiceViews:
		return "views"
	case ServiceMgmt:
		return "mgmt"
	case ServiceQuery:
		return "query"
	}
	return "unknown"
}

type ServiceMode int

const (
	ModePlain ServiceMode = iota
	ModeTLS
	numServiceModes
)

// Ports is the per-service port table of a node.  A zero port means the
// service is not offered in that mode.
type Ports [numServiceTypes][numServiceModes]uint16

type Node struct {
	// Identity is host:dataport and is what matches a node across snapshots.
	Identity string
	Hostname string
	Ports    Ports

	// ShardCountAssigned is derived from the ownership table and is not part
	// of the serialized form.
	ShardCountAssigned int
}

func (n *Node) Port(svc ServiceType, mode ServiceMode) uint16 {
	if svc < 0 || svc >= numServiceTypes || mode < 0 || mode >= numServiceModes {
		return 0
	}
	return n.Ports[svc][mode]
}

// HostPort returns the host:port address of a service, or "" when the node
// does not offer it.
func (n *Node) HostPort(svc ServiceType, mode ServiceMode) string {
	port := n.Port(svc, mode)
	if port == 0 {
		return ""
	}
	return net.JoinHostPort(n.Hostname, strconv.Itoa(int(port)))
}

func (n *Node) updateIdentity() {
	n.Identity = n.HostPort(ServiceData, ModePlain)
}

// RingPoint is one entry of the ketama continuum.
type RingPoint struct {
	NodeIndex int
	Point     uint32
}

type Topology struct {
	DistributionMode DistributionMode
	ShardCount       int
	ReplicaCount     int
	Revision         int64
	RevEpoch         int64
	BucketName       string
	BucketUUID       string

	Nodes []*Node

	// ShardOwners has ShardCount rows of ReplicaCount+1 node indices, the
	// master first.  NoNode marks an offline slot.
	ShardOwners [][]int

	// ShardOwnersPending is the fast-forward map of an in-progress rebalance.
	// It is only used as a hint when the master is offline.
	ShardOwnersPending [][]int

	// Ring is sorted strictly ascending by Point.
	Ring []RingPoint

	// ParseError keeps the reason the last Load failed.
	ParseError string

	hostReplaced bool
	published    atomic.Bool
}

// MarkPublished freezes the topology.  It is called by the transition
// coordinator when the snapshot becomes routable.
func (t *Topology) MarkPublished() {
	t.published.Store(true)
}

func (t *Topology) IsPublished() bool {
	return t.published.Load()
}

func (t *Topology) NodeCount() int {
	return len(t.Nodes)
}

// NodeIndex returns the index of the node with the given identity, or NoNode.
func (t *Topology) NodeIndex(identity string) int {
	for nodeIdx, node := range t.Nodes {
		if node.Identity == identity {
			return nodeIdx
		}
	}
	return NoNode
}

// IsValidShard reports whether shard is inside the ownership table.
func (t *Topology) IsValidShard(shard int) bool {
	return t.DistributionMode == DistributionShardMap &&
		shard >= 0 && shard < t.ShardCount && shard < len(t.ShardOwners)
}

// Clone returns a deep copy which has not been published.
func (t *Topology) Clone() *Topology {
	out := &Topology{
		DistributionMode:   t.DistributionMode,
		ShardCount:         t.ShardCount,
		ReplicaCount:       t.ReplicaCount,
		Revision:           t.Revision,
		RevEpoch:           t.RevEpoch,
		BucketName:         t.BucketName,
		BucketUUID:         t.BucketUUID,
		ShardOwners:        cloneOwners(t.ShardOwners),
		ShardOwnersPending: cloneOwners(t.ShardOwnersPending),
		ParseError:         t.ParseError,
		hostReplaced:       t.hostReplaced,
	}

	out.Nodes = make([]*Node, len(t.Nodes))
	for nodeIdx, node := range t.Nodes {
		copied := *node
		out.Nodes[nodeIdx] = &copied
	}

	if t.Ring != nil {
		out.Ring = make([]RingPoint, len(t.Ring))
		copy(out.Ring, t.Ring)
	}

	return out
}

func cloneOwners(in [][]int) [][]int {
	if in == nil {
		return nil
	}

	out := make([][]int, len(in))
	for rowIdx, row := range in {
		out[rowIdx] = make([]int, len(row))
		copy(out[rowIdx], row)
	}
	return out
}

// updateShardCounts recomputes the informational per-node shard counts.
func (t *Topology) updateShardCounts() {
	for _, node := range t.Nodes {
		node.ShardCountAssigned = 0
	}

	for _, row := range t.ShardOwners {
		for _, nodeIdx := range row {
			if nodeIdx >= 0 && nodeIdx < len(t.Nodes) {
				t.Nodes[nodeIdx].ShardCountAssigned++
			}
		}
	}
}

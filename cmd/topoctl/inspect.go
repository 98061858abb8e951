/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package main

import (
	"fmt"
	"io"

	"github.com/couchbase/gocbtopology/topology"
	"github.com/spf13/cobra"
)

func newInspectCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect FILE",
		Short: "Prints a summary of a topology config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := a.loadTopology(args[0])
			if err != nil {
				return err
			}

			writeTopology(cmd.OutOrStdout(), topo)
			return nil
		},
	}
}

func formatRevision(t *topology.Topology) string {
	if !t.HasRevision() {
		return "absent"
	}
	if t.RevEpoch == topology.RevisionAbsent {
		return fmt.Sprintf("%d", t.Revision)
	}
	return fmt.Sprintf("%d (epoch %d)", t.Revision, t.RevEpoch)
}

func writeTopology(w io.Writer, t *topology.Topology) {
	fmt.Fprintf(w, "bucket:       %s\n", t.BucketName)
	if t.BucketUUID != "" {
		fmt.Fprintf(w, "uuid:         %s\n", t.BucketUUID)
	}
	fmt.Fprintf(w, "revision:     %s\n", formatRevision(t))
	fmt.Fprintf(w, "distribution: %s\n", t.DistributionMode)

	switch t.DistributionMode {
	case topology.DistributionShardMap:
		fmt.Fprintf(w, "shards:       %d\n", t.ShardCount)
		fmt.Fprintf(w, "replicas:     %d\n", t.ReplicaCount)
		if t.ShardOwnersPending != nil {
			fmt.Fprintf(w, "rebalancing:  yes\n")
		}
	case topology.DistributionConsistentHash:
		fmt.Fprintf(w, "ring points:  %d\n", len(t.Ring))
	}

	fmt.Fprintf(w, "nodes:\n")
	for nodeIdx, node := range t.Nodes {
		fmt.Fprintf(w, "  [%d] %s", nodeIdx, node.Identity)
		if t.DistributionMode == topology.DistributionShardMap {
			fmt.Fprintf(w, " shards=%d", node.ShardCountAssigned)
		}
		if mgmt := node.HostPort(topology.ServiceMgmt, topology.ModePlain); mgmt != "" {
			fmt.Fprintf(w, " mgmt=%s", mgmt)
		}
		fmt.Fprintln(w)
	}
}

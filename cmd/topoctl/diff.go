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
	"strings"

	"github.com/couchbase/gocbtopology/topology"
	"github.com/spf13/cobra"
)

func newDiffCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "diff OLD NEW",
		Short: "Prints what changed between two topology configs",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prev, err := a.loadTopology(args[0])
			if err != nil {
				return err
			}

			next, err := a.loadTopology(args[1])
			if err != nil {
				return err
			}

			writeDiff(cmd.OutOrStdout(), prev, next, topology.Compare(prev, next))
			return nil
		},
	}
}

func joinOrNone(identities []string) string {
	if len(identities) == 0 {
		return "none"
	}
	return strings.Join(identities, ", ")
}

func writeDiff(w io.Writer, prev, next *topology.Topology, diff *topology.Diff) {
	fmt.Fprintf(w, "revision:             %s -> %s\n", formatRevision(prev), formatRevision(next))
	if topology.CompareRevisions(next, prev) < 0 {
		fmt.Fprintf(w, "warning:              new revision is older\n")
	}
	fmt.Fprintf(w, "nodes added:          %s\n", joinOrNone(diff.NodesAdded))
	fmt.Fprintf(w, "nodes removed:        %s\n", joinOrNone(diff.NodesRemoved))
	fmt.Fprintf(w, "sequence changed:     %t\n", diff.SequenceChanged)
	fmt.Fprintf(w, "distribution changed: %t\n", diff.DistributionChanged)
	fmt.Fprintf(w, "replicas changed:     %t\n", diff.ReplicasChanged)
	fmt.Fprintf(w, "shard count changed:  %t\n", diff.ShardCountChanged)
	fmt.Fprintf(w, "shard changes:        %d\n", diff.ShardChanges)
}

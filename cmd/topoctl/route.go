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

	"github.com/couchbase/gocbtopology/routing"
	"github.com/couchbase/gocbtopology/topology"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newRouteCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "route FILE KEY...",
		Short: "Prints the shard and nodes each key is routed to",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			topo, err := a.loadTopology(args[0])
			if err != nil {
				return err
			}

			router := routing.NewRouter(routing.RouterOptions{
				Policy: routing.Policy{
					DisableAlternateMaster: a.viper.GetBool("disable-alternate-master"),
				},
			})

			for _, key := range args[1:] {
				route, err := router.Route(topo, []byte(key))
				if err != nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", key, err)
					continue
				}

				writeRoute(cmd.OutOrStdout(), topo, key, route)
			}

			return nil
		},
	}

	routeFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	routeFlags.Bool("disable-alternate-master", false, "fail keys whose shard has no master instead of guessing")
	cmd.Flags().AddFlagSet(routeFlags)
	a.bindFlags(cmd, routeFlags)

	return cmd
}

func nodeName(t *topology.Topology, nodeIdx int) string {
	if nodeIdx < 0 || nodeIdx >= len(t.Nodes) {
		return "-"
	}
	return t.Nodes[nodeIdx].Identity
}

func writeRoute(w io.Writer, t *topology.Topology, key string, route *routing.Route) {
	shard := "-"
	if route.Shard != routing.NoShard {
		shard = fmt.Sprintf("%d", route.Shard)
	}

	replicas := make([]string, 0, len(route.Candidates))
	for _, nodeIdx := range route.Candidates {
		if nodeIdx == route.Master() {
			continue
		}
		replicas = append(replicas, nodeName(t, nodeIdx))
	}

	fmt.Fprintf(w, "%s: shard=%s master=%s", key, shard, nodeName(t, route.Master()))
	if route.UsedAlternate {
		fmt.Fprintf(w, " (alternate)")
	}
	if len(replicas) > 0 {
		fmt.Fprintf(w, " replicas=%s", strings.Join(replicas, ","))
	}
	fmt.Fprintln(w)
}

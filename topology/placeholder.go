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
	"strings"

	"github.com/couchbase/gocbtopology/contrib/cbconfig"
)

// ReplaceHostPlaceholder substitutes the address the config was fetched from
// for every $HOST in the node hostnames.  Identities change along with the
// hostnames, so this may only happen once and only before the topology is
// published.
func (t *Topology) ReplaceHostPlaceholder(hostname string) error {
	if t.IsPublished() {
		return ErrTopologyPublished
	}
	if t.hostReplaced {
		return ErrPlaceholderApplied
	}

	hostname = normalizeHost(hostname)

	newHostnames := make([]string, len(t.Nodes))
	seen := make(map[string]bool, len(t.Nodes))
	for nodeIdx, node := range t.Nodes {
		newHostnames[nodeIdx] = strings.ReplaceAll(node.Hostname, cbconfig.HostPlaceholder, hostname)

		replaced := *node
		replaced.Hostname = newHostnames[nodeIdx]
		replaced.updateIdentity()
		if seen[replaced.Identity] {
			return malformedf("node %q is listed more than once after replacing %s",
				replaced.Identity, cbconfig.HostPlaceholder)
		}
		seen[replaced.Identity] = true
	}

	for nodeIdx, node := range t.Nodes {
		node.Hostname = newHostnames[nodeIdx]
		node.updateIdentity()
	}
	t.hostReplaced = true

	if t.DistributionMode == DistributionConsistentHash {
		t.Ring = buildRing(t.Nodes)
	}

	return nil
}

// HostReplaced reports whether ReplaceHostPlaceholder has been applied.
func (t *Topology) HostReplaced() bool {
	return t.hostReplaced
}

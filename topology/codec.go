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
	"encoding/json"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/couchbase/gocbtopology/contrib/cbconfig"
	"github.com/pkg/errors"
)

// Parse builds a topology from a terse bucket config.  Any structural problem
// is reported as an error wrapping ErrMalformedPayload and no topology is
// returned.
func Parse(payload []byte) (*Topology, error) {
	t := &Topology{}
	err := Load(t, payload)
	if err != nil {
		return nil, err
	}

	return t, nil
}

// Load parses payload into t.  On failure t is left holding only the failure
// description in ParseError, so callers that keep the object around can still
// inspect why it could not be loaded.
func Load(t *Topology, payload []byte) error {
	if t.IsPublished() {
		return ErrTopologyPublished
	}

	parsed, err := parseConfig(payload)
	if err != nil {
		t.assign(&Topology{
			Revision: RevisionAbsent,
			RevEpoch: RevisionAbsent,
		})
		t.ParseError = err.Error()
		return err
	}

	t.assign(parsed)
	return nil
}

func (t *Topology) assign(from *Topology) {
	t.DistributionMode = from.DistributionMode
	t.ShardCount = from.ShardCount
	t.ReplicaCount = from.ReplicaCount
	t.Revision = from.Revision
	t.RevEpoch = from.RevEpoch
	t.BucketName = from.BucketName
	t.BucketUUID = from.BucketUUID
	t.Nodes = from.Nodes
	t.ShardOwners = from.ShardOwners
	t.ShardOwnersPending = from.ShardOwnersPending
	t.Ring = from.Ring
	t.ParseError = from.ParseError
	t.hostReplaced = from.hostReplaced
}

func parseConfig(payload []byte) (*Topology, error) {
	var config cbconfig.TerseConfigJson
	err := json.Unmarshal(payload, &config)
	if err != nil {
		return nil, malformedf("invalid json: %s", err)
	}

	t := &Topology{
		Revision:   RevisionAbsent,
		RevEpoch:   RevisionAbsent,
		BucketName: config.Name,
		BucketUUID: config.UUID,
	}

	if config.Rev != nil {
		if *config.Rev < 0 {
			return nil, malformedf("negative revision %d", *config.Rev)
		}
		t.Revision = *config.Rev
	}
	if config.RevEpoch != nil {
		if *config.RevEpoch < 0 {
			return nil, malformedf("negative revision epoch %d", *config.RevEpoch)
		}
		t.RevEpoch = *config.RevEpoch
	}

	switch config.NodeLocator {
	case "", cbconfig.NodeLocatorVbucket:
		t.DistributionMode = DistributionShardMap
	case cbconfig.NodeLocatorKetama:
		t.DistributionMode = DistributionConsistentHash
	default:
		return nil, malformedf("unsupported node locator %q", config.NodeLocator)
	}

	var descriptors []*Node
	if len(config.NodesExt) > 0 {
		descriptors, err = parseNodesExt(config.NodesExt)
	} else {
		descriptors, err = parseNodes(config.Nodes)
	}
	if err != nil {
		return nil, err
	}

	if t.DistributionMode == DistributionConsistentHash {
		if len(descriptors) == 0 {
			return nil, malformedf("no data nodes in ketama config")
		}

		err = checkUniqueIdentities(descriptors)
		if err != nil {
			return nil, err
		}

		t.Nodes = descriptors
		t.Ring = buildRing(t.Nodes)
		return t, nil
	}

	vbMap := config.VBucketServerMap
	if vbMap == nil {
		return nil, malformedf("missing vBucketServerMap")
	}
	if vbMap.HashAlgorithm != "" && vbMap.HashAlgorithm != cbconfig.HashAlgorithmCRC {
		return nil, malformedf("unsupported hash algorithm %q", vbMap.HashAlgorithm)
	}
	if vbMap.NumReplicas < 0 {
		return nil, malformedf("negative replica count %d", vbMap.NumReplicas)
	}
	if len(vbMap.ServerList) == 0 {
		return nil, malformedf("empty server list")
	}
	if len(vbMap.VBucketMap) == 0 {
		return nil, malformedf("empty vbucket map")
	}

	t.Nodes, err = orderByServerList(vbMap.ServerList, descriptors)
	if err != nil {
		return nil, err
	}

	t.ShardCount = len(vbMap.VBucketMap)
	t.ReplicaCount = vbMap.NumReplicas

	t.ShardOwners, err = parseOwnerTable("vBucketMap", vbMap.VBucketMap, t.ReplicaCount, len(t.Nodes))
	if err != nil {
		return nil, err
	}

	if vbMap.VBucketMapForward != nil {
		if len(vbMap.VBucketMapForward) != t.ShardCount {
			return nil, malformedf("vBucketMapForward has %d entries, expected %d",
				len(vbMap.VBucketMapForward), t.ShardCount)
		}

		t.ShardOwnersPending, err = parseOwnerTable("vBucketMapForward", vbMap.VBucketMapForward, t.ReplicaCount, len(t.Nodes))
		if err != nil {
			return nil, err
		}
	}

	t.updateShardCounts()

	return t, nil
}

func parseOwnerTable(field string, rows [][]int, numReplicas, numNodes int) ([][]int, error) {
	owners := make([][]int, len(rows))
	for shard, row := range rows {
		if len(row) != numReplicas+1 {
			return nil, malformedf("%s entry %d has %d servers, expected %d",
				field, shard, len(row), numReplicas+1)
		}

		for _, nodeIdx := range row {
			if nodeIdx < NoNode || nodeIdx >= numNodes {
				return nil, malformedf("%s entry %d references server %d of %d",
					field, shard, nodeIdx, numNodes)
			}
		}

		owners[shard] = make([]int, len(row))
		copy(owners[shard], row)
	}

	return owners, nil
}

func parsePort(value int, what string) (uint16, error) {
	if value < 0 || value > 65535 {
		return 0, malformedf("port %d for %s is out of range", value, what)
	}
	return uint16(value), nil
}

func normalizeHost(host string) string {
	if strings.HasPrefix(host, "[") && strings.HasSuffix(host, "]") {
		return host[1 : len(host)-1]
	}
	return host
}

func parseNodesExt(nodesJson []cbconfig.TerseExtNodeJson) ([]*Node, error) {
	serviceSlots := []struct {
		name string
		svc  ServiceType
		mode ServiceMode
	}{
		{cbconfig.ServiceKv, ServiceData, ModePlain},
		{cbconfig.ServiceKvSSL, ServiceData, ModeTLS},
		{cbconfig.ServiceCapi, ServiceViews, ModePlain},
		{cbconfig.ServiceCapiSSL, ServiceViews, ModeTLS},
		{cbconfig.ServiceMgmt, ServiceMgmt, ModePlain},
		{cbconfig.ServiceMgmtSSL, ServiceMgmt, ModeTLS},
		{cbconfig.ServiceN1ql, ServiceQuery, ModePlain},
		{cbconfig.ServiceN1qlSSL, ServiceQuery, ModeTLS},
	}

	var nodes []*Node
	for nodeIdx, nodeJson := range nodesJson {
		hostname := normalizeHost(nodeJson.Hostname)
		if hostname == "" {
			hostname = cbconfig.HostPlaceholder
		}

		node := &Node{
			Hostname: hostname,
		}

		for _, slot := range serviceSlots {
			port, err := parsePort(nodeJson.Services[slot.name],
				"nodesExt["+strconv.Itoa(nodeIdx)+"]."+slot.name)
			if err != nil {
				return nil, err
			}
			node.Ports[slot.svc][slot.mode] = port
		}

		// nodes without the data service can't own vbuckets
		if node.Ports[ServiceData][ModePlain] == 0 {
			continue
		}

		node.updateIdentity()
		nodes = append(nodes, node)
	}

	return nodes, nil
}

func parseNodes(nodesJson []cbconfig.TerseNodeJson) ([]*Node, error) {
	var nodes []*Node
	for nodeIdx, nodeJson := range nodesJson {
		host, mgmtPortStr, err := net.SplitHostPort(nodeJson.Hostname)
		if err != nil {
			return nil, malformedf("nodes[%d] has invalid hostname %q", nodeIdx, nodeJson.Hostname)
		}

		mgmtPort, err := strconv.Atoi(mgmtPortStr)
		if err != nil {
			return nil, malformedf("nodes[%d] has invalid hostname %q", nodeIdx, nodeJson.Hostname)
		}

		node := &Node{
			Hostname: host,
		}

		node.Ports[ServiceMgmt][ModePlain], err = parsePort(mgmtPort, "nodes["+strconv.Itoa(nodeIdx)+"].hostname")
		if err != nil {
			return nil, err
		}

		node.Ports[ServiceData][ModePlain], err = parsePort(nodeJson.Ports["direct"], "nodes["+strconv.Itoa(nodeIdx)+"].direct")
		if err != nil {
			return nil, err
		}

		if nodeJson.CouchApiBase != "" {
			// the placeholder is not a valid url host, so swap it out for parsing
			capiBase := strings.ReplaceAll(nodeJson.CouchApiBase, cbconfig.HostPlaceholder, "placeholder")
			capiUrl, err := url.Parse(capiBase)
			if err != nil {
				return nil, malformedf("nodes[%d] has invalid couchApiBase %q", nodeIdx, nodeJson.CouchApiBase)
			}

			capiPort, err := strconv.Atoi(capiUrl.Port())
			if err == nil {
				node.Ports[ServiceViews][ModePlain], err = parsePort(capiPort, "nodes["+strconv.Itoa(nodeIdx)+"].couchApiBase")
				if err != nil {
					return nil, err
				}
			}
		}

		if node.Ports[ServiceData][ModePlain] == 0 {
			continue
		}

		node.updateIdentity()
		nodes = append(nodes, node)
	}

	return nodes, nil
}

// orderByServerList produces the node index space of a vbucket config, which
// is defined by the order of the server list rather than the node list.
func orderByServerList(serverList []string, descriptors []*Node) ([]*Node, error) {
	descriptorsByIdentity := make(map[string]*Node, len(descriptors))
	for _, node := range descriptors {
		descriptorsByIdentity[node.Identity] = node
	}

	nodes := make([]*Node, 0, len(serverList))
	seen := make(map[string]bool, len(serverList))
	for serverIdx, entry := range serverList {
		host, portStr, err := net.SplitHostPort(entry)
		if err != nil {
			return nil, malformedf("serverList[%d] has invalid address %q", serverIdx, entry)
		}

		port, err := strconv.Atoi(portStr)
		if err != nil || port <= 0 || port > 65535 {
			return nil, malformedf("serverList[%d] has invalid port in %q", serverIdx, entry)
		}

		identity := net.JoinHostPort(host, portStr)
		if seen[identity] {
			return nil, malformedf("serverList contains %q more than once", identity)
		}
		seen[identity] = true

		node := descriptorsByIdentity[identity]
		if node == nil {
			node = &Node{
				Hostname: host,
			}
			node.Ports[ServiceData][ModePlain] = uint16(port)
			node.updateIdentity()
		}

		nodes = append(nodes, node)
	}

	return nodes, nil
}

func checkUniqueIdentities(nodes []*Node) error {
	seen := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		if seen[node.Identity] {
			return malformedf("node %q is listed more than once", node.Identity)
		}
		seen[node.Identity] = true
	}
	return nil
}

// Serialize writes the topology back out as a terse bucket config.  Derived
// data (ring points and per-node shard counts) is not written.
func Serialize(t *Topology) ([]byte, error) {
	config := cbconfig.TerseConfigJson{
		Name: t.BucketName,
		UUID: t.BucketUUID,
	}

	if t.Revision != RevisionAbsent {
		rev := t.Revision
		config.Rev = &rev
	}
	if t.RevEpoch != RevisionAbsent {
		revEpoch := t.RevEpoch
		config.RevEpoch = &revEpoch
	}

	serviceNames := [numServiceTypes][numServiceModes]string{
		ServiceData:  {cbconfig.ServiceKv, cbconfig.ServiceKvSSL},
		ServiceViews: {cbconfig.ServiceCapi, cbconfig.ServiceCapiSSL},
		ServiceMgmt:  {cbconfig.ServiceMgmt, cbconfig.ServiceMgmtSSL},
		ServiceQuery: {cbconfig.ServiceN1ql, cbconfig.ServiceN1qlSSL},
	}

	for _, node := range t.Nodes {
		services := make(map[string]int)
		for svc := ServiceType(0); svc < numServiceTypes; svc++ {
			for mode := ServiceMode(0); mode < numServiceModes; mode++ {
				if port := node.Ports[svc][mode]; port != 0 {
					services[serviceNames[svc][mode]] = int(port)
				}
			}
		}

		config.NodesExt = append(config.NodesExt, cbconfig.TerseExtNodeJson{
			Hostname: node.Hostname,
			Services: services,
		})
	}

	switch t.DistributionMode {
	case DistributionShardMap:
		config.NodeLocator = cbconfig.NodeLocatorVbucket

		serverList := make([]string, len(t.Nodes))
		for nodeIdx, node := range t.Nodes {
			serverList[nodeIdx] = node.Identity
		}

		config.VBucketServerMap = &cbconfig.VBucketServerMapJson{
			HashAlgorithm:     cbconfig.HashAlgorithmCRC,
			NumReplicas:       t.ReplicaCount,
			ServerList:        serverList,
			VBucketMap:        cloneOwners(t.ShardOwners),
			VBucketMapForward: cloneOwners(t.ShardOwnersPending),
		}
	case DistributionConsistentHash:
		config.NodeLocator = cbconfig.NodeLocatorKetama
	default:
		return nil, errors.Errorf("cannot serialize distribution mode %d", t.DistributionMode)
	}

	return json.Marshal(&config)
}

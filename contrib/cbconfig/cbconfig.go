/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package cbconfig holds the JSON shapes of the terse bucket configuration
// that ns_server and the data service hand out to clients.
package cbconfig

// HostPlaceholder is written by servers that don't know which address the
// client used to reach them.  It must be replaced with that address.
const HostPlaceholder = "$HOST"

// Node locators, as found in the nodeLocator field.
const (
	NodeLocatorVbucket = "vbucket"
	NodeLocatorKetama  = "ketama"
)

// HashAlgorithmCRC is the only vbucket hash algorithm in use.
const HashAlgorithmCRC = "CRC"

// Service names used in the nodesExt services map.
const (
	ServiceKv      = "kv"
	ServiceKvSSL   = "kvSSL"
	ServiceCapi    = "capi"
	ServiceCapiSSL = "capiSSL"
	ServiceMgmt    = "mgmt"
	ServiceMgmtSSL = "mgmtSSL"
	ServiceN1ql    = "n1ql"
	ServiceN1qlSSL = "n1qlSSL"
)

type VBucketServerMapJson struct {
	HashAlgorithm     string   `json:"hashAlgorithm"`
	NumReplicas       int      `json:"numReplicas"`
	ServerList        []string `json:"serverList"`
	VBucketMap        [][]int  `json:"vBucketMap,omitempty"`
	VBucketMapForward [][]int  `json:"vBucketMapForward,omitempty"`
}

type TerseNodeJson struct {
	CouchApiBase string         `json:"couchApiBase,omitempty"`
	Hostname     string         `json:"hostname,omitempty"`
	Ports        map[string]int `json:"ports,omitempty"`
}

type TerseExtNodeJson struct {
	Services map[string]int `json:"services,omitempty"`
	ThisNode bool           `json:"thisNode,omitempty"`
	Hostname string         `json:"hostname,omitempty"`
}

// TerseConfigJson is the subset of the terse bucket config that carries
// routing information.  Rev and RevEpoch are pointers so that a config
// without revision information can be told apart from revision 0.
type TerseConfigJson struct {
	Rev              *int64                `json:"rev,omitempty"`
	RevEpoch         *int64                `json:"revEpoch,omitempty"`
	Name             string                `json:"name,omitempty"`
	NodeLocator      string                `json:"nodeLocator,omitempty"`
	UUID             string                `json:"uuid,omitempty"`
	VBucketServerMap *VBucketServerMapJson `json:"vBucketServerMap,omitempty"`
	Nodes            []TerseNodeJson       `json:"nodes,omitempty"`
	NodesExt         []TerseExtNodeJson    `json:"nodesExt,omitempty"`
}

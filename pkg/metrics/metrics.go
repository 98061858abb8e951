/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package metrics

import (
	"runtime/debug"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "com.couchbase.gocbtopology"

type TopologyMetrics struct {
	Transitions        metric.Int64Counter
	ApplyDuration      metric.Float64Histogram
	NodesAdded         metric.Int64Counter
	NodesRemoved       metric.Int64Counter
	ShardChanges       metric.Int64Counter
	OpsRelocated       metric.Int64Counter
	OpsFailed          metric.Int64Counter
	AllocationFailures metric.Int64Counter
	ParseFailures      metric.Int64Counter
	PayloadsSkipped    metric.Int64Counter
	LiveGenerations    metric.Int64UpDownCounter
	RetiringConns      metric.Int64UpDownCounter
}

var (
	topologyMetrics     *TopologyMetrics
	topologyMetricsLock sync.Mutex
)

// GetTopologyMetrics returns the process-wide instruments, registered against
// the global meter provider on first use.
func GetTopologyMetrics() *TopologyMetrics {
	topologyMetricsLock.Lock()

	if topologyMetrics != nil {
		topologyMetricsLock.Unlock()
		return topologyMetrics
	}

	meter := otel.Meter(meterName, metric.WithInstrumentationVersion(buildVersion()))
	topologyMetrics = NewTopologyMetrics(meter)

	topologyMetricsLock.Unlock()
	return topologyMetrics
}

func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "unknown"
	}
	return info.Main.Version
}

// NewTopologyMetrics registers a fresh set of instruments against meter.
func NewTopologyMetrics(meter metric.Meter) *TopologyMetrics {
	transitions, _ := meter.Int64Counter("topology_transitions_total",
		metric.WithDescription("Number of topologies applied"))
	applyDuration, _ := meter.Float64Histogram("topology_apply_duration_seconds",
		metric.WithUnit("s"))
	nodesAdded, _ := meter.Int64Counter("topology_nodes_added_total")
	nodesRemoved, _ := meter.Int64Counter("topology_nodes_removed_total")
	shardChanges, _ := meter.Int64Counter("topology_shard_changes_total")
	opsRelocated, _ := meter.Int64Counter("topology_ops_relocated_total")
	opsFailed, _ := meter.Int64Counter("topology_ops_failed_total")
	allocationFailures, _ := meter.Int64Counter("topology_allocation_failures_total")
	parseFailures, _ := meter.Int64Counter("topology_parse_failures_total")
	payloadsSkipped, _ := meter.Int64Counter("topology_payloads_skipped_total")
	liveGenerations, _ := meter.Int64UpDownCounter("topology_live_generations")
	retiringConns, _ := meter.Int64UpDownCounter("topology_retiring_connections")

	return &TopologyMetrics{
		Transitions:        transitions,
		ApplyDuration:      applyDuration,
		NodesAdded:         nodesAdded,
		NodesRemoved:       nodesRemoved,
		ShardChanges:       shardChanges,
		OpsRelocated:       opsRelocated,
		OpsFailed:          opsFailed,
		AllocationFailures: allocationFailures,
		ParseFailures:      parseFailures,
		PayloadsSkipped:    payloadsSkipped,
		LiveGenerations:    liveGenerations,
		RetiringConns:      retiringConns,
	}
}

// BucketAttr is the attribute every instrument is recorded with.
func BucketAttr(bucketName string) attribute.KeyValue {
	return attribute.String("bucket", bucketName)
}

// KindAttr distinguishes initial from subsequent transitions.
func KindAttr(kind string) attribute.KeyValue {
	return attribute.String("kind", kind)
}

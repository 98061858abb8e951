/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package transition_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/couchbase/gocbtopology/contrib/memconn"
	"github.com/couchbase/gocbtopology/pkg/metrics"
	"github.com/couchbase/gocbtopology/routing"
	"github.com/couchbase/gocbtopology/topology"
	"github.com/couchbase/gocbtopology/transition"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/zap/zaptest"
)

// hookedDialer hands out memconn connections which call OnRemove every time
// an operation is taken off their queue.
type hookedDialer struct {
	*memconn.Dialer
	OnRemove func(op *transition.Operation)
}

func (d *hookedDialer) Open(node *topology.Node) (transition.NodeConn, error) {
	conn, err := d.Dialer.Open(node)
	if err != nil {
		return nil, err
	}
	return &hookedConn{NodeConn: conn, dialer: d}, nil
}

type hookedConn struct {
	transition.NodeConn
	dialer *hookedDialer
}

func (c *hookedConn) Remove(op *transition.Operation) bool {
	if !c.NodeConn.Remove(op) {
		return false
	}
	if c.dialer.OnRemove != nil {
		c.dialer.OnRemove(op)
	}
	return true
}

// An operation which times out between being taken off its old connection and
// being placed on its new one must not be sent.
func TestApplyOperationFinishedWhileMoving(t *testing.T) {
	provider := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	logger := zaptest.NewLogger(t)
	dialer := &hookedDialer{Dialer: memconn.NewDialer(memconn.DialerOptions{Logger: logger})}
	coord, err := transition.NewCoordinator(transition.CoordinatorOptions{
		Logger:     logger,
		BucketName: "default",
		Dialer:     dialer,
		Metrics:    metrics.NewTopologyMetrics(provider.Meter("test")),
	})
	require.NoError(t, err)

	results := newOpResults()

	_, err = coord.Apply(context.Background(),
		newTopology(t, 1, []string{nodeA, nodeB}, [][]int{{0}, {1}}))
	require.NoError(t, err)
	prevGen := coord.Generation()

	op := results.NewOp(0, true)
	require.NoError(t, coord.Schedule(op))

	dialer.OnRemove = func(removed *transition.Operation) {
		require.Same(t, op, removed)
		removed.Finish(context.DeadlineExceeded)
	}

	evt, err := coord.Apply(context.Background(),
		newTopology(t, 2, []string{nodeA, nodeB}, [][]int{{1}, {1}}))
	require.NoError(t, err)
	dialer.OnRemove = nil

	require.Zero(t, evt.Relocated)
	require.True(t, op.Finished())
	require.Zero(t, op.Relocations())
	require.Equal(t, []error{context.DeadlineExceeded}, results.Get(op))

	require.Empty(t, dialer.Conn(nodeA).Pending())
	require.Empty(t, dialer.Conn(nodeB).Pending())
	require.Zero(t, dialer.Conn(nodeB).FlushCount())

	require.Equal(t, int64(1), coord.Generation().Refs())
	require.True(t, prevGen.Released())
}

func TestCompleteAfterRelocation(t *testing.T) {
	h := newHarness(t, transition.Policy{})
	coord := h.Coordinator
	results := newOpResults()

	_, err := coord.Apply(context.Background(),
		newTopology(t, 1, []string{nodeA, nodeB, nodeC}, [][]int{{0}, {1}, {2}}))
	require.NoError(t, err)

	moving := results.NewOp(0, true)
	require.NoError(t, coord.Schedule(moving))
	queued := results.NewOp(2, true)
	require.NoError(t, coord.Schedule(queued))

	// shard 2 stays on C, so only the first operation moves and B is flushed
	_, err = coord.Apply(context.Background(),
		newTopology(t, 2, []string{nodeA, nodeB, nodeC}, [][]int{{1}, {1}, {2}}))
	require.NoError(t, err)

	connB := h.Dialer.Conn(nodeB)
	connC := h.Dialer.Conn(nodeC)
	require.Equal(t, []*transition.Operation{moving}, connB.InFlight())
	require.Equal(t, []*transition.Operation{queued}, connC.Queued())

	// the written operation stays with the transport
	coord.Complete(moving, context.DeadlineExceeded)
	require.Equal(t, []*transition.Operation{moving}, connB.InFlight())
	require.Equal(t, []error{context.DeadlineExceeded}, results.Get(moving))

	// and its later completion is ignored
	require.True(t, connB.Complete(moving, nil))
	require.Len(t, results.Get(moving), 1)

	coord.Complete(queued, context.DeadlineExceeded)
	require.Empty(t, connC.Pending())
	require.Equal(t, []error{context.DeadlineExceeded}, results.Get(queued))

	require.Equal(t, int64(1), coord.Generation().Refs())
}

// Operations moved onto a connection which already has work queued are
// interleaved with it in submission order.
func TestApplyRelocationKeepsSubmissionOrder(t *testing.T) {
	h := newHarness(t, transition.Policy{})
	coord := h.Coordinator
	results := newOpResults()

	_, err := coord.Apply(context.Background(),
		newTopology(t, 1, []string{nodeA, nodeB}, [][]int{{0}, {1}}))
	require.NoError(t, err)

	var ops []*transition.Operation
	for opIdx := 0; opIdx < 4; opIdx++ {
		op := results.NewOp(opIdx%2, true)
		require.NoError(t, coord.Schedule(op))
		require.Equal(t, uint64(opIdx+1), op.Seq())
		ops = append(ops, op)
	}

	connB := h.Dialer.Conn(nodeB)
	require.Equal(t, []*transition.Operation{ops[1], ops[3]}, connB.Pending())

	evt, err := coord.Apply(context.Background(),
		newTopology(t, 2, []string{nodeA, nodeB}, [][]int{{1}, {1}}))
	require.NoError(t, err)
	require.Equal(t, 2, evt.Relocated)

	require.Equal(t, ops, connB.Pending())
	require.Empty(t, h.Dialer.Conn(nodeA).Pending())
}

func TestApplyRelocationBehindFlushed(t *testing.T) {
	h := newHarness(t, transition.Policy{})
	coord := h.Coordinator
	results := newOpResults()

	_, err := coord.Apply(context.Background(),
		newTopology(t, 1, []string{nodeA, nodeB}, [][]int{{0}, {1}}))
	require.NoError(t, err)

	early := results.NewOp(0, true)
	require.NoError(t, coord.Schedule(early))
	written := results.NewOp(1, true)
	require.NoError(t, coord.Schedule(written))

	connB := h.Dialer.Conn(nodeB)
	connB.Flush()

	_, err = coord.Apply(context.Background(),
		newTopology(t, 2, []string{nodeA, nodeB}, [][]int{{1}, {1}}))
	require.NoError(t, err)

	// operations already written are never reordered
	require.Equal(t, []*transition.Operation{written, early}, connB.Pending())
}

// Changing the shard count moves keyed operations to the master of the shard
// their key hashes to under the new topology.
func TestApplyShardCountChange(t *testing.T) {
	h := newHarness(t, transition.Policy{})
	coord := h.Coordinator
	results := newOpResults()

	prevOwners := make([][]int, 64)
	for shard := range prevOwners {
		prevOwners[shard] = []int{0}
	}
	_, err := coord.Apply(context.Background(),
		newTopology(t, 1, []string{nodeA, nodeB}, prevOwners))
	require.NoError(t, err)

	nextOwners := make([][]int, 1024)
	for shard := range nextOwners {
		nextOwners[shard] = []int{0}
	}
	nextOwners[700] = []int{1}
	next := newTopology(t, 2, []string{nodeA, nodeB}, nextOwners)

	var key []byte
	for keyIdx := 0; key == nil; keyIdx++ {
		candidate := []byte(fmt.Sprintf("key-%d", keyIdx))
		if routing.ShardOf(next, candidate) == 700 {
			key = candidate
		}
	}

	op := results.NewOp(0, true)
	op.Key = key
	require.NoError(t, coord.Schedule(op))
	require.Equal(t, 700%64, op.Shard)
	require.Equal(t, 1, h.Dialer.Conn(nodeA).PendingCount())

	evt, err := coord.Apply(context.Background(), next)
	require.NoError(t, err)
	require.Equal(t, 1, evt.Relocated)

	require.Equal(t, 700, op.Shard)
	require.Equal(t, []*transition.Operation{op}, h.Dialer.Conn(nodeB).Pending())
	require.Empty(t, h.Dialer.Conn(nodeA).Pending())
}

// A keyed operation routed by ketama stays routable once the bucket switches
// to vbuckets and its node leaves.
func TestApplyKetamaToShardMap(t *testing.T) {
	h := newHarness(t, transition.Policy{})
	coord := h.Coordinator
	results := newOpResults()

	prev := topology.ToConsistentHash(newTopology(t, 1, []string{nodeA, nodeC}, [][]int{{0}}))
	_, err := coord.Apply(context.Background(), prev)
	require.NoError(t, err)

	var op *transition.Operation
	for keyIdx := 0; op == nil; keyIdx++ {
		key := []byte(fmt.Sprintf("key-%d", keyIdx))
		route, err := coord.Route(key)
		require.NoError(t, err)

		if route.Master() == 1 {
			op = results.NewOp(0, true)
			op.Key = key
		}
	}
	require.NoError(t, coord.Schedule(op))
	require.Equal(t, routing.NoShard, op.Shard)

	next := newTopology(t, 2, []string{nodeA, nodeB}, [][]int{{1}, {1}, {1}, {1}})
	evt, err := coord.Apply(context.Background(), next)
	require.NoError(t, err)
	require.Equal(t, 1, evt.Relocated)
	require.Zero(t, evt.Failed)

	require.Empty(t, results.Get(op))
	require.Equal(t, routing.ShardOf(next, op.Key), op.Shard)
	require.Equal(t, []*transition.Operation{op}, h.Dialer.Conn(nodeB).Pending())
}

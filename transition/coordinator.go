/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package transition swaps the active topology of a bucket and moves the
// operations queued on per-node connections to wherever they belong in the
// new topology.
package transition

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/couchbase/gocbtopology/pkg/metrics"
	"github.com/couchbase/gocbtopology/routing"
	"github.com/couchbase/gocbtopology/topology"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

type State int

const (
	StateUninitialized State = iota
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type Policy struct {
	Routing routing.Policy

	// DisableResubmit fails retryable operations queued on a retiring
	// connection instead of routing them again.
	DisableResubmit bool
}

type CoordinatorOptions struct {
	Logger         *zap.Logger
	BucketName     string
	Dialer         Dialer
	Policy         Policy
	EventHandler   EventHandler
	Metrics        *metrics.TopologyMetrics
	TracerProvider trace.TracerProvider
}

type Coordinator struct {
	logger       *zap.Logger
	bucketName   string
	dialer       Dialer
	router       *routing.Router
	resubmit     bool
	eventHandler EventHandler
	metrics      *metrics.TopologyMetrics
	tracer       trace.Tracer
	attrs        metric.MeasurementOption

	table atomicRoutingTable

	lock      sync.Mutex
	state     State
	retiring  []NodeConn
	nextGenID uint64
	nextSeq   uint64
}

// completion is an operation failed during a transition.  Completions are
// delivered once the coordinator lock is released so that callbacks are free
// to schedule new operations.
type completion struct {
	op  *Operation
	err error
}

type move struct {
	op    *Operation
	shard int
}

func NewCoordinator(opts CoordinatorOptions) (*Coordinator, error) {
	if opts.Dialer == nil {
		return nil, ErrMissingDialer
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	topoMetrics := opts.Metrics
	if topoMetrics == nil {
		topoMetrics = metrics.GetTopologyMetrics()
	}

	tracerProvider := opts.TracerProvider
	if tracerProvider == nil {
		tracerProvider = otel.GetTracerProvider()
	}

	return &Coordinator{
		logger:       logger.With(zap.String("bucket", opts.BucketName)),
		bucketName:   opts.BucketName,
		dialer:       opts.Dialer,
		router:       routing.NewRouter(routing.RouterOptions{Policy: opts.Policy.Routing}),
		resubmit:     !opts.Policy.DisableResubmit,
		eventHandler: opts.EventHandler,
		metrics:      topoMetrics,
		tracer:       tracerProvider.Tracer("github.com/couchbase/gocbtopology/transition"),
		attrs:        metric.WithAttributes(metrics.BucketAttr(opts.BucketName)),
	}, nil
}

func (c *Coordinator) State() State {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.state
}

// Apply makes t the active topology.  t is published by this call and must
// not be modified afterwards.  Failing to open a node connection does not
// fail the transition, it is reported in the returned event instead.
func (c *Coordinator) Apply(ctx context.Context, t *topology.Topology) (*Event, error) {
	if t == nil {
		return nil, ErrNilTopology
	}

	ctx, span := c.tracer.Start(ctx, "Apply", trace.WithAttributes(
		attribute.String("bucket", c.bucketName),
		attribute.Int64("revision", t.Revision),
		attribute.Int("nodes", t.NodeCount())))
	defer span.End()

	stime := time.Now()

	c.lock.Lock()
	evt, completions, err := c.applyLocked(t)
	c.lock.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	c.finishAll(completions)

	c.metrics.ApplyDuration.Record(ctx, time.Since(stime).Seconds(), c.attrs)
	c.metrics.Transitions.Add(ctx, 1, metric.WithAttributes(
		metrics.BucketAttr(c.bucketName), metrics.KindAttr(evt.Kind.String())))
	if evt.Diff != nil {
		c.metrics.NodesAdded.Add(ctx, int64(len(evt.Diff.NodesAdded)), c.attrs)
		c.metrics.NodesRemoved.Add(ctx, int64(len(evt.Diff.NodesRemoved)), c.attrs)
		c.metrics.ShardChanges.Add(ctx, int64(evt.Diff.ShardChanges), c.attrs)
	}
	c.metrics.OpsRelocated.Add(ctx, int64(evt.Relocated), c.attrs)
	c.metrics.OpsFailed.Add(ctx, int64(evt.Failed), c.attrs)
	c.metrics.AllocationFailures.Add(ctx, int64(len(evt.AllocationFailures)), c.attrs)

	span.SetAttributes(
		attribute.Int("relocated", evt.Relocated),
		attribute.Int("failed", evt.Failed),
		attribute.Int("retiring", evt.Retiring))

	if c.eventHandler != nil {
		c.eventHandler(evt)
	}

	return evt, nil
}

func (c *Coordinator) applyLocked(t *topology.Topology) (*Event, []completion, error) {
	if c.state == StateClosed {
		return nil, nil, ErrClosed
	}
	if t.ParseError != "" {
		return nil, nil, errors.Wrap(topology.ErrMalformedPayload, t.ParseError)
	}
	if t.NodeCount() == 0 {
		return nil, nil, errors.Wrap(topology.ErrMalformedPayload, "topology has no nodes")
	}

	prevTable := c.table.Load()

	t.MarkPublished()
	c.nextGenID++
	gen := newGeneration(c.nextGenID, t, c.generationReleased)
	c.metrics.LiveGenerations.Add(context.Background(), 1, c.attrs)

	if prevTable == nil {
		return c.applyInitialLocked(gen), nil, nil
	}

	prevTopo := prevTable.Generation.Topology()
	diff := topology.Compare(prevTopo, t)

	evt := &Event{
		Kind:       EventChanged,
		Generation: gen.ID(),
		Topology:   t,
		Diff:       diff,
	}

	if topology.CompareRevisions(t, prevTopo) < 0 {
		evt.OlderRevision = true
		c.logger.Warn("applying topology with an older revision",
			zap.Int64("revision", t.Revision),
			zap.Int64("revEpoch", t.RevEpoch),
			zap.Int64("activeRevision", prevTopo.Revision),
			zap.Int64("activeRevEpoch", prevTopo.RevEpoch))
	}

	// connections follow their node identity into the new index space
	conns := make([]NodeConn, t.NodeCount())
	var retiring []NodeConn
	for oldIdx, conn := range prevTable.Conns {
		if conn == nil {
			continue
		}

		newIdx := t.NodeIndex(prevTopo.Nodes[oldIdx].Identity)
		if newIdx == topology.NoNode {
			retiring = append(retiring, conn)
			continue
		}

		conns[newIdx] = conn
	}

	opened := make([]bool, t.NodeCount())
	for nodeIdx, node := range t.Nodes {
		if conns[nodeIdx] != nil {
			continue
		}

		conn, err := c.openConn(node)
		if err != nil {
			evt.AllocationFailures = append(evt.AllocationFailures, err)
			continue
		}

		conns[nodeIdx] = conn
		opened[nodeIdx] = true
	}

	table := &routingTable{
		Generation: gen,
		Conns:      conns,
	}
	c.table.Store(table)

	moves := make(map[int][]move)
	var completions []completion

	for connIdx, conn := range conns {
		if conn == nil {
			continue
		}

		for _, op := range conn.Pending() {
			disposition := decideQueued(op, connIdx, table)
			if disposition.Kind != DispositionRelocate {
				continue
			}

			if conn.Remove(op) {
				moves[disposition.Target] = append(moves[disposition.Target], move{op: op, shard: disposition.Shard})
			}
		}
	}

	for _, conn := range retiring {
		for _, op := range conn.Pending() {
			disposition := decideRetiring(op, table, c.router, c.resubmit)
			if !conn.Remove(op) {
				continue
			}

			switch disposition.Kind {
			case DispositionRelocate:
				moves[disposition.Target] = append(moves[disposition.Target], move{op: op, shard: disposition.Shard})
			case DispositionFail:
				completions = append(completions, completion{op: op, err: disposition.Err})
				evt.Failed++
			}
		}

		conn.CloseWhenDrained()
		c.retiring = append(c.retiring, conn)
		c.metrics.RetiringConns.Add(context.Background(), 1, c.attrs)
		evt.Retiring++
	}

	targets := make([]int, 0, len(moves))
	for target := range moves {
		targets = append(targets, target)
	}
	slices.Sort(targets)
	for _, target := range targets {
		ops := moves[target]
		slices.SortFunc(ops, func(a, b move) int {
			aSeq, bSeq := a.op.Seq(), b.op.Seq()
			if aSeq < bSeq {
				return -1
			} else if aSeq > bSeq {
				return +1
			}
			return 0
		})

		conn := conns[target]
		for _, m := range ops {
			// the caller may have completed it since it was removed
			if !m.op.relocate(gen, conn, m.shard) {
				continue
			}
			conn.Requeue(m.op)
			evt.Relocated++
		}
	}

	for connIdx, conn := range conns {
		if conn == nil {
			continue
		}
		if (opened[connIdx] || len(moves[connIdx]) > 0) && conn.PendingCount() > 0 {
			conn.Flush()
		}
	}

	c.logger.Info("applied topology",
		zap.Uint64("generation", gen.ID()),
		zap.Int64("revision", t.Revision),
		zap.Strings("nodesAdded", diff.NodesAdded),
		zap.Strings("nodesRemoved", diff.NodesRemoved),
		zap.Int("shardChanges", diff.ShardChanges),
		zap.Bool("sequenceChanged", diff.SequenceChanged),
		zap.Int("relocated", evt.Relocated),
		zap.Int("failed", evt.Failed),
		zap.Int("retiring", evt.Retiring))

	// the previous generation lives on until its last operation is done
	prevTable.Generation.release()
	c.pruneRetiringLocked()

	return evt, completions, nil
}

func (c *Coordinator) applyInitialLocked(gen *Generation) *Event {
	t := gen.Topology()

	evt := &Event{
		Kind:       EventNew,
		Generation: gen.ID(),
		Topology:   t,
	}

	conns := make([]NodeConn, t.NodeCount())
	for nodeIdx, node := range t.Nodes {
		conn, err := c.openConn(node)
		if err != nil {
			evt.AllocationFailures = append(evt.AllocationFailures, err)
			continue
		}
		conns[nodeIdx] = conn
	}

	c.table.Store(&routingTable{
		Generation: gen,
		Conns:      conns,
	})
	c.state = StateActive

	c.logger.Info("applied initial topology",
		zap.Uint64("generation", gen.ID()),
		zap.Int64("revision", t.Revision),
		zap.Stringer("distribution", t.DistributionMode),
		zap.Int("nodes", t.NodeCount()),
		zap.Int("shards", t.ShardCount))

	return evt
}

func (c *Coordinator) openConn(node *topology.Node) (NodeConn, error) {
	conn, err := c.dialer.Open(node)
	if err == nil && conn == nil {
		err = errors.New("dialer returned no connection")
	}
	if err != nil {
		err = errors.Wrapf(ErrAllocationFailure, "%s: %s", node.Identity, err)
		c.logger.Warn("failed to open node connection, its shards are offline until the next topology",
			zap.String("node", node.Identity),
			zap.Error(err))
		return nil, err
	}

	return conn, nil
}

func (c *Coordinator) generationReleased(gen *Generation) {
	c.logger.Debug("released topology generation",
		zap.Uint64("generation", gen.ID()),
		zap.Int64("revision", gen.Topology().Revision))
	c.metrics.LiveGenerations.Add(context.Background(), -1, c.attrs)
}

func (c *Coordinator) finishAll(completions []completion) {
	for _, done := range completions {
		done.op.Finish(done.err)
	}
}

func (c *Coordinator) pruneRetiringLocked() {
	stillRetiring := c.retiring[:0]
	for _, conn := range c.retiring {
		if conn.PendingCount() > 0 {
			stillRetiring = append(stillRetiring, conn)
			continue
		}
		c.metrics.RetiringConns.Add(context.Background(), -1, c.attrs)
	}

	for idx := len(stillRetiring); idx < len(c.retiring); idx++ {
		c.retiring[idx] = nil
	}
	c.retiring = stillRetiring
}

// Schedule routes op under the active topology and queues it on the
// connection of the node it belongs to.
func (c *Coordinator) Schedule(op *Operation) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	switch c.state {
	case StateUninitialized:
		return ErrNotInitialized
	case StateClosed:
		return ErrClosed
	}

	if op.isScheduled() {
		return ErrAlreadyScheduled
	}

	table := c.table.Load()
	connIdx, err := c.selectConn(op, table)
	if err != nil {
		return err
	}

	conn := table.Conns[connIdx]
	c.nextSeq++
	op.bind(table.Generation, c.nextSeq, conn)
	conn.Enqueue(op)

	return nil
}

func (c *Coordinator) selectConn(op *Operation, table *routingTable) (int, error) {
	topo := table.Generation.Topology()

	if op.Scope == ScopeServer {
		if op.Node == "" {
			return 0, ErrUnknownServerScope
		}

		nodeIdx := topo.NodeIndex(op.Node)
		if nodeIdx == topology.NoNode {
			return 0, errors.Wrapf(routing.ErrNoMatchingNode, "node %s is not part of the topology", op.Node)
		}
		if table.conn(nodeIdx) == nil {
			return 0, errors.Wrapf(routing.ErrNoMatchingNode, "node %s has no connection", op.Node)
		}
		return nodeIdx, nil
	}

	var route *routing.Route
	var err error
	if topo.DistributionMode == topology.DistributionConsistentHash {
		op.Shard = routing.NoShard
		route, err = c.router.Route(topo, op.Key)
	} else {
		if op.Key != nil {
			op.Shard = routing.ShardOf(topo, op.Key)
		}
		route, err = c.router.RouteShard(topo, op.Shard)
	}
	if err != nil {
		return 0, err
	}

	target := route.Master()
	if table.conn(target) != nil {
		return target, nil
	}

	// a node whose connection failed to open is treated like an offline master
	if topo.DistributionMode == topology.DistributionShardMap && !c.router.Policy().DisableAlternateMaster {
		alternate := routing.AlternateMaster(topo, op.Shard)
		if alternate != target && table.conn(alternate) != nil {
			return alternate, nil
		}
	}

	return 0, errors.Wrapf(routing.ErrNoMatchingNode, "node %d has no connection", target)
}

// Complete finishes op with err on behalf of its caller, for example when it
// timed out.  A queued operation is taken off its connection.  One already in
// flight stays with the transport, and its later completion is ignored.
func (c *Coordinator) Complete(op *Operation, err error) {
	c.lock.Lock()
	if conn := op.currentConn(); conn != nil {
		conn.Remove(op)
	}
	c.lock.Unlock()

	op.Finish(err)
}

func (c *Coordinator) loadTable() (*routingTable, error) {
	table := c.table.Load()
	if table == nil {
		if c.State() == StateClosed {
			return nil, ErrClosed
		}
		return nil, ErrNotInitialized
	}
	return table, nil
}

// Topology returns the active topology, or nil if none has been applied.
func (c *Coordinator) Topology() *topology.Topology {
	table := c.table.Load()
	if table == nil {
		return nil
	}
	return table.Generation.Topology()
}

// Generation returns the active generation, or nil if none has been applied.
func (c *Coordinator) Generation() *Generation {
	table := c.table.Load()
	if table == nil {
		return nil
	}
	return table.Generation
}

func (c *Coordinator) Route(key []byte) (*routing.Route, error) {
	table, err := c.loadTable()
	if err != nil {
		return nil, err
	}
	return c.router.Route(table.Generation.Topology(), key)
}

func (c *Coordinator) MasterOf(shard int) int {
	table := c.table.Load()
	if table == nil {
		return topology.NoNode
	}
	return routing.MasterOf(table.Generation.Topology(), shard)
}

// ReplicaOf panics if replicaIdx is outside the active topology's replica
// count, see routing.ReplicaOf.
func (c *Coordinator) ReplicaOf(shard int, replicaIdx int) int {
	table := c.table.Load()
	if table == nil {
		return topology.NoNode
	}
	return routing.ReplicaOf(table.Generation.Topology(), shard, replicaIdx)
}

// Conn returns the connection of a node index in the active topology.
func (c *Coordinator) Conn(nodeIdx int) NodeConn {
	table := c.table.Load()
	if table == nil {
		return nil
	}
	return table.conn(nodeIdx)
}

// RetiringCount is the number of connections that left the topology and
// still have operations outstanding.
func (c *Coordinator) RetiringCount() int {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.pruneRetiringLocked()
	return len(c.retiring)
}

// WaitRetired blocks until every retiring connection has drained.
func (c *Coordinator) WaitRetired(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		if c.RetiringCount() == 0 {
			return nil
		}

		select {
		case <-time.After(b.NextBackOff()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close fails every operation still queued with ErrClosed and waits for the
// connections to drain whatever is already in flight.
func (c *Coordinator) Close(ctx context.Context) error {
	c.lock.Lock()
	if c.state == StateClosed {
		c.lock.Unlock()
		return ErrClosed
	}
	c.state = StateClosed

	var completions []completion
	table := c.table.Load()
	if table != nil {
		for _, conn := range table.Conns {
			if conn == nil {
				continue
			}

			for _, op := range conn.Pending() {
				if conn.Remove(op) {
					completions = append(completions, completion{op: op, err: ErrClosed})
				}
			}

			conn.CloseWhenDrained()
			c.retiring = append(c.retiring, conn)
			c.metrics.RetiringConns.Add(context.Background(), 1, c.attrs)
		}

		c.table.Store(nil)
		table.Generation.release()
	}
	c.lock.Unlock()

	c.finishAll(completions)
	if len(completions) > 0 {
		c.metrics.OpsFailed.Add(ctx, int64(len(completions)), c.attrs)
	}

	c.logger.Info("closed topology coordinator", zap.Int("failed", len(completions)))

	return c.WaitRetired(ctx)
}

/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

// Package watcher turns a stream of raw bucket config payloads into applied
// topologies.
package watcher

import (
	"context"

	"github.com/couchbase/gocbtopology/pkg/metrics"
	"github.com/couchbase/gocbtopology/topology"
	"github.com/couchbase/gocbtopology/transition"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

// Applier is the part of the transition coordinator the watcher drives.
type Applier interface {
	Apply(ctx context.Context, t *topology.Topology) (*transition.Event, error)
	Topology() *topology.Topology
}

// Payload is one config as received from a cluster node.
type Payload struct {
	Data []byte

	// Compressed marks Data as snappy encoded.
	Compressed bool

	// Host replaces the $HOST placeholder in the config.  It is the address
	// the payload was fetched from.  Empty leaves the placeholder in place.
	Host string
}

type WatcherOptions struct {
	Logger      *zap.Logger
	BucketName  string
	Coordinator Applier

	// SkipOlderRevisions drops payloads whose revision is older than the
	// active topology instead of applying them.
	SkipOlderRevisions bool

	Metrics *metrics.TopologyMetrics
}

type Watcher struct {
	logger      *zap.Logger
	coordinator Applier
	skipOlder   bool
	metrics     *metrics.TopologyMetrics
	attrs       metric.MeasurementOption
}

func NewWatcher(opts WatcherOptions) (*Watcher, error) {
	if opts.Coordinator == nil {
		return nil, ErrMissingCoordinator
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	topoMetrics := opts.Metrics
	if topoMetrics == nil {
		topoMetrics = metrics.GetTopologyMetrics()
	}

	return &Watcher{
		logger:      logger.With(zap.String("bucket", opts.BucketName)),
		coordinator: opts.Coordinator,
		skipOlder:   opts.SkipOlderRevisions,
		metrics:     topoMetrics,
		attrs:       metric.WithAttributes(metrics.BucketAttr(opts.BucketName)),
	}, nil
}

// Run applies payloads until payloadCh is closed or ctx ends.  Payloads that
// arrive while a previous one is still being applied are coalesced, only the
// newest is processed.  Bad payloads are logged and skipped.  Run only fails
// when the coordinator has been closed or ctx ends.
func (w *Watcher) Run(ctx context.Context, payloadCh <-chan Payload) error {
	latestCh := latestOnly(ctx, payloadCh)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-latestCh:
			if !ok {
				// the coalescer also closes when ctx ends
				return ctx.Err()
			}

			_, err := w.Process(ctx, payload)
			if errors.Is(err, transition.ErrClosed) {
				return err
			}
		}
	}
}

// Process decodes, parses and applies a single payload.
func (w *Watcher) Process(ctx context.Context, payload Payload) (*transition.Event, error) {
	topo, err := w.decode(payload)
	if err != nil {
		w.metrics.ParseFailures.Add(ctx, 1, w.attrs)
		return nil, err
	}

	if w.skipOlder {
		active := w.coordinator.Topology()
		if active != nil && topology.CompareRevisions(topo, active) < 0 {
			w.logger.Debug("skipping topology with an older revision",
				zap.Int64("revision", topo.Revision),
				zap.Int64("activeRevision", active.Revision))
			w.metrics.PayloadsSkipped.Add(ctx, 1, w.attrs)
			return nil, errors.Wrapf(ErrPayloadSkipped, "revision %d < %d", topo.Revision, active.Revision)
		}
	}

	evt, err := w.coordinator.Apply(ctx, topo)
	if err != nil {
		w.logger.Warn("failed to apply topology",
			zap.Error(err),
			zap.Int64("revision", topo.Revision))
		return nil, err
	}

	return evt, nil
}

func (w *Watcher) decode(payload Payload) (*topology.Topology, error) {
	topo, err := Decode(payload)
	if err != nil {
		w.logger.Warn("failed to decode topology payload",
			zap.Error(err),
			zap.Int("size", len(payload.Data)),
			zap.Bool("compressed", payload.Compressed),
			zap.String("host", payload.Host))
		return nil, err
	}

	return topo, nil
}

// Decode turns a payload into an unpublished topology: the data is
// decompressed if needed, parsed and has its host placeholder replaced.
func Decode(payload Payload) (*topology.Topology, error) {
	data := payload.Data
	if payload.Compressed {
		decoded, err := snappy.Decode(nil, data)
		if err != nil {
			return nil, errors.Wrapf(topology.ErrMalformedPayload, "snappy: %s", err)
		}
		data = decoded
	}

	topo, err := topology.Parse(data)
	if err != nil {
		return nil, err
	}

	if payload.Host != "" {
		err = topo.ReplaceHostPlaceholder(payload.Host)
		if err != nil {
			return nil, err
		}
	}

	return topo, nil
}

/*
Copyright 2025-Present Couchbase, Inc.

Use of this software is governed by the Business Source License included in
the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
file, in accordance with the Business Source License, use of this software will
be governed by the Apache License, Version 2.0, included in the file
licenses/APL2.txt.
*/

package watcher

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/couchbase/gocbtopology/contrib/memconn"
	"github.com/couchbase/gocbtopology/pkg/metrics"
	"github.com/couchbase/gocbtopology/topology"
	"github.com/couchbase/gocbtopology/transition"
	"github.com/golang/snappy"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"
)

func testPayload(rev int) []byte {
	return []byte(fmt.Sprintf(`{
		"rev": %d,
		"name": "default",
		"nodesExt": [
			{"services": {"kv": 12000, "mgmt": 9000}},
			{"services": {"kv": 12002, "mgmt": 9001}}
		],
		"vBucketServerMap": {
			"numReplicas": 1,
			"serverList": ["$HOST:12000", "$HOST:12002"],
			"vBucketMap": [[0, 1], [1, 0], [0, 1], [1, 0]]
		}
	}`, rev))
}

type testHarness struct {
	Coordinator *transition.Coordinator
	Watcher     *Watcher
	Reader      *sdkmetric.ManualReader
}

func newHarness(t *testing.T, skipOlder bool) *testHarness {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	logger := zaptest.NewLogger(t)
	topoMetrics := metrics.NewTopologyMetrics(provider.Meter("test"))

	coord, err := transition.NewCoordinator(transition.CoordinatorOptions{
		Logger:     logger,
		BucketName: "default",
		Dialer:     memconn.NewDialer(memconn.DialerOptions{Logger: logger}),
		Metrics:    topoMetrics,
	})
	require.NoError(t, err)

	w, err := NewWatcher(WatcherOptions{
		Logger:             logger,
		BucketName:         "default",
		Coordinator:        coord,
		SkipOlderRevisions: skipOlder,
		Metrics:            topoMetrics,
	})
	require.NoError(t, err)

	return &testHarness{
		Coordinator: coord,
		Watcher:     w,
		Reader:      reader,
	}
}

func (h *testHarness) Counter(t *testing.T, name string) int64 {
	var rm metricdata.ResourceMetrics
	require.NoError(t, h.Reader.Collect(context.Background(), &rm))

	var total int64
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestNewWatcherRequiresCoordinator(t *testing.T) {
	_, err := NewWatcher(WatcherOptions{})
	require.ErrorIs(t, err, ErrMissingCoordinator)
}

func TestProcessReplacesHost(t *testing.T) {
	h := newHarness(t, false)

	evt, err := h.Watcher.Process(context.Background(), Payload{
		Data: testPayload(1),
		Host: "10.0.0.1",
	})
	require.NoError(t, err)
	require.Equal(t, transition.EventNew, evt.Kind)

	active := h.Coordinator.Topology()
	require.Equal(t, int64(1), active.Revision)
	require.Equal(t, "10.0.0.1:12000", active.Nodes[0].Identity)
	require.Equal(t, "10.0.0.1:12002", active.Nodes[1].Identity)
}

func TestProcessWithoutHostKeepsPlaceholder(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.Watcher.Process(context.Background(), Payload{Data: testPayload(1)})
	require.NoError(t, err)
	require.Equal(t, "$HOST:12000", h.Coordinator.Topology().Nodes[0].Identity)
}

func TestProcessCompressed(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.Watcher.Process(context.Background(), Payload{
		Data:       snappy.Encode(nil, testPayload(3)),
		Compressed: true,
		Host:       "10.0.0.1",
	})
	require.NoError(t, err)
	require.Equal(t, int64(3), h.Coordinator.Topology().Revision)

	_, err = h.Watcher.Process(context.Background(), Payload{
		Data:       []byte("definitely not snappy"),
		Compressed: true,
	})
	require.ErrorIs(t, err, topology.ErrMalformedPayload)
	require.Equal(t, int64(1), h.Counter(t, "topology_parse_failures_total"))
	require.Equal(t, int64(3), h.Coordinator.Topology().Revision)
}

func TestProcessParseFailure(t *testing.T) {
	h := newHarness(t, false)

	_, err := h.Watcher.Process(context.Background(), Payload{Data: []byte(`{"rev": `)})
	require.ErrorIs(t, err, topology.ErrMalformedPayload)
	require.Nil(t, h.Coordinator.Topology())
	require.Equal(t, int64(1), h.Counter(t, "topology_parse_failures_total"))
}

func TestProcessOlderRevision(t *testing.T) {
	t.Run("Skipped", func(t *testing.T) {
		h := newHarness(t, true)

		_, err := h.Watcher.Process(context.Background(), Payload{Data: testPayload(5), Host: "10.0.0.1"})
		require.NoError(t, err)

		evt, err := h.Watcher.Process(context.Background(), Payload{Data: testPayload(4), Host: "10.0.0.1"})
		require.ErrorIs(t, err, ErrPayloadSkipped)
		require.Nil(t, evt)
		require.Equal(t, int64(5), h.Coordinator.Topology().Revision)
		require.Equal(t, int64(1), h.Counter(t, "topology_payloads_skipped_total"))

		// equal revisions are still applied
		_, err = h.Watcher.Process(context.Background(), Payload{Data: testPayload(5), Host: "10.0.0.1"})
		require.NoError(t, err)
	})

	t.Run("Applied", func(t *testing.T) {
		h := newHarness(t, false)

		_, err := h.Watcher.Process(context.Background(), Payload{Data: testPayload(5), Host: "10.0.0.1"})
		require.NoError(t, err)

		evt, err := h.Watcher.Process(context.Background(), Payload{Data: testPayload(4), Host: "10.0.0.1"})
		require.NoError(t, err)
		require.True(t, evt.OlderRevision)
		require.Equal(t, int64(4), h.Coordinator.Topology().Revision)
		require.Equal(t, int64(0), h.Counter(t, "topology_payloads_skipped_total"))
	})
}

func TestRunAppliesLatest(t *testing.T) {
	h := newHarness(t, true)

	payloadCh := make(chan Payload, 5)
	for rev := 1; rev <= 5; rev++ {
		payloadCh <- Payload{Data: testPayload(rev), Host: "10.0.0.1"}
	}
	close(payloadCh)

	err := h.Watcher.Run(context.Background(), payloadCh)
	require.NoError(t, err)
	require.Equal(t, int64(5), h.Coordinator.Topology().Revision)
}

func TestRunRecoversFromBadPayload(t *testing.T) {
	h := newHarness(t, false)

	payloadCh := make(chan Payload)
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Watcher.Run(context.Background(), payloadCh)
	}()

	payloadCh <- Payload{Data: []byte("garbage")}
	payloadCh <- Payload{Data: testPayload(2), Host: "10.0.0.1"}
	close(payloadCh)

	require.NoError(t, <-errCh)
	require.Equal(t, int64(2), h.Coordinator.Topology().Revision)
}

func TestRunStopsOnContext(t *testing.T) {
	h := newHarness(t, false)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- h.Watcher.Run(ctx, make(chan Payload))
	}()

	cancel()

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		require.Fail(t, "watcher did not stop")
	}
}

func TestRunStopsOnClosedCoordinator(t *testing.T) {
	h := newHarness(t, false)
	require.NoError(t, h.Coordinator.Close(context.Background()))

	payloadCh := make(chan Payload, 1)
	payloadCh <- Payload{Data: testPayload(1), Host: "10.0.0.1"}

	err := h.Watcher.Run(context.Background(), payloadCh)
	require.ErrorIs(t, err, transition.ErrClosed)
}

func TestLatestOnly(t *testing.T) {
	t.Run("DeliversLastValue", func(t *testing.T) {
		inputCh := make(chan int, 10)
		for i := 0; i < 10; i++ {
			inputCh <- i
		}
		close(inputCh)

		var received []int
		for v := range latestOnly(context.Background(), inputCh) {
			received = append(received, v)
		}

		require.NotEmpty(t, received)
		require.LessOrEqual(t, len(received), 10)
		require.Equal(t, 9, received[len(received)-1])
		require.IsIncreasing(t, received)
	})

	t.Run("ClosesOnContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		outputCh := latestOnly(ctx, make(chan int))
		cancel()

		select {
		case _, ok := <-outputCh:
			require.False(t, ok)
		case <-time.After(5 * time.Second):
			require.Fail(t, "output was not closed")
		}
	})
}

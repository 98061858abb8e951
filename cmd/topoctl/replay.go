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
	"context"
	"fmt"
	"io"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/couchbase/gocbtopology/contrib/memconn"
	"github.com/couchbase/gocbtopology/pkg/metrics"
	"github.com/couchbase/gocbtopology/pkg/webapi"
	"github.com/couchbase/gocbtopology/routing"
	"github.com/couchbase/gocbtopology/transition"
	"github.com/couchbase/gocbtopology/watcher"
	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

func newReplayCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay FILE...",
		Short: "Applies topology configs in order against in-memory connections",
		Long: "Applies topology configs in order against in-memory connections and " +
			"reports what every transition did.  With --watch the files are applied " +
			"again whenever they change.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			return a.replay(ctx, cmd.OutOrStdout(), args)
		},
	}

	replayFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	replayFlags.Bool("watch", false, "keep running and apply files again when they change")
	replayFlags.String("metrics-addr", "", "serves prometheus metrics on this address when set")
	replayFlags.String("otlp-endpoint", "", "opentelemetry endpoint to send telemetry to")
	replayFlags.Bool("skip-older", false, "skip configs with an older revision than the active one")
	replayFlags.Bool("disable-alternate-master", false, "fail operations whose shard has no master instead of guessing")
	replayFlags.Bool("disable-resubmit", false, "fail operations on removed nodes instead of routing them again")
	replayFlags.Int("ops", 0, "the number of operations kept queued across transitions")
	cmd.Flags().AddFlagSet(replayFlags)
	a.bindFlags(cmd, replayFlags)

	return cmd
}

type replayer struct {
	logger      *zap.Logger
	out         io.Writer
	dialer      *memconn.Dialer
	coordinator *transition.Coordinator
	watcher     *watcher.Watcher
	numOps      int
	scheduled   bool
}

func (a *app) replay(ctx context.Context, out io.Writer, paths []string) error {
	topoMetrics := metrics.GetTopologyMetrics()
	var tracerProvider trace.TracerProvider

	metricsAddr := a.viper.GetString("metrics-addr")
	otlpEndpoint := a.viper.GetString("otlp-endpoint")
	if metricsAddr != "" || otlpEndpoint != "" {
		otlpTracerProvider, meterProvider, err := initTelemetry(ctx, a.logger, otlpEndpoint)
		if err != nil {
			return errors.Wrap(err, "failed to initialize opentelemetry")
		}
		defer func() { _ = meterProvider.Shutdown(context.Background()) }()

		otel.SetMeterProvider(meterProvider)
		topoMetrics = metrics.NewTopologyMetrics(meterProvider.Meter("com.couchbase.gocbtopology"))

		if otlpTracerProvider != nil {
			defer func() { _ = otlpTracerProvider.Shutdown(context.Background()) }()

			otel.SetTracerProvider(otlpTracerProvider)
			otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
			tracerProvider = otlpTracerProvider
		}
	}

	r := &replayer{
		logger: a.logger.Named("replay"),
		out:    out,
		numOps: a.viper.GetInt("ops"),
	}

	r.dialer = memconn.NewDialer(memconn.DialerOptions{Logger: r.logger})

	coord, err := transition.NewCoordinator(transition.CoordinatorOptions{
		Logger:     r.logger,
		BucketName: "replay",
		Dialer:     r.dialer,
		Policy: transition.Policy{
			Routing: routing.Policy{
				DisableAlternateMaster: a.viper.GetBool("disable-alternate-master"),
			},
			DisableResubmit: a.viper.GetBool("disable-resubmit"),
		},
		EventHandler:   r.handleEvent,
		Metrics:        topoMetrics,
		TracerProvider: tracerProvider,
	})
	if err != nil {
		return err
	}
	r.coordinator = coord

	r.watcher, err = watcher.NewWatcher(watcher.WatcherOptions{
		Logger:             r.logger,
		BucketName:         "replay",
		Coordinator:        coord,
		SkipOlderRevisions: a.viper.GetBool("skip-older"),
		Metrics:            topoMetrics,
	})
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		webapi.InitializeWebServer(webapi.WebServerOptions{
			Logger:        a.logger.Named("webapi"),
			LogLevel:      &a.logLevel,
			ListenAddress: metricsAddr,
			Topology:      coord.Topology,
		})
	}

	for _, path := range paths {
		payload, err := a.readPayload(path)
		if err != nil {
			return err
		}

		fmt.Fprintf(out, "== %s\n", path)
		_, err = r.watcher.Process(ctx, payload)
		if err != nil {
			fmt.Fprintf(out, "not applied: %s\n", err)
		}
	}

	if a.viper.GetBool("watch") {
		err = a.watchFiles(ctx, r, paths)
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	}

	return r.close()
}

func (r *replayer) handleEvent(evt *transition.Event) {
	fmt.Fprintf(r.out, "generation %d (%s): revision %s, %d nodes\n",
		evt.Generation, evt.Kind, formatRevision(evt.Topology), evt.Topology.NodeCount())

	if evt.Diff != nil {
		fmt.Fprintf(r.out, "  added=%s removed=%s shardChanges=%d\n",
			joinOrNone(evt.Diff.NodesAdded), joinOrNone(evt.Diff.NodesRemoved), evt.Diff.ShardChanges)
	}
	if evt.OlderRevision {
		fmt.Fprintf(r.out, "  warning: revision is older than the previous topology\n")
	}
	fmt.Fprintf(r.out, "  relocated=%d failed=%d retiring=%d\n", evt.Relocated, evt.Failed, evt.Retiring)
	for _, allocErr := range evt.AllocationFailures {
		fmt.Fprintf(r.out, "  allocation failure: %s\n", allocErr)
	}

	if evt.Kind == transition.EventNew {
		r.scheduleOps()
	}
}

// scheduleOps queues the synthetic operations once the first topology is
// active.  They stay queued so that later transitions have work to move.
func (r *replayer) scheduleOps() {
	if r.scheduled {
		return
	}
	r.scheduled = true

	for opIdx := 0; opIdx < r.numOps; opIdx++ {
		op := &transition.Operation{
			Key:       []byte(fmt.Sprintf("key-%d", opIdx)),
			Retryable: true,
		}

		err := r.coordinator.Schedule(op)
		if err != nil {
			r.logger.Warn("failed to schedule operation", zap.Error(err))
		}
	}
}

func (r *replayer) close() error {
	// nothing ever answers the in-memory operations, so complete them here to
	// let the retired connections drain.
	for _, conn := range r.dialer.Conns() {
		conn.CompleteAll(nil)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := r.coordinator.Close(ctx)
	if err != nil && !errors.Is(err, transition.ErrClosed) {
		return err
	}

	return nil
}

func (a *app) watchFiles(ctx context.Context, r *replayer, paths []string) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "failed to create file watcher")
	}
	defer func() { _ = fsWatcher.Close() }()

	// editors tend to replace files rather than write them in place, so the
	// directories are watched and events are matched against the files.
	watched := make(map[string]bool, len(paths))
	for _, path := range paths {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return errors.Wrapf(err, "failed to resolve %s", path)
		}
		watched[absPath] = true

		err = fsWatcher.Add(filepath.Dir(absPath))
		if err != nil {
			return errors.Wrapf(err, "failed to watch %s", path)
		}
	}

	payloadCh := make(chan watcher.Payload)
	runErrCh := make(chan error, 1)
	go func() {
		runErrCh <- r.watcher.Run(ctx, payloadCh)
	}()

	r.logger.Info("watching topology files", zap.Strings("paths", paths))

	for {
		select {
		case <-ctx.Done():
			close(payloadCh)
			<-runErrCh
			return ctx.Err()
		case err := <-runErrCh:
			return err
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			r.logger.Warn("file watcher error", zap.Error(err))
		case evt, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
				continue
			}
			if !watched[filepath.Clean(evt.Name)] {
				continue
			}

			r.logger.Info("topology file change detected", zap.String("path", evt.Name))

			payload, err := a.readPayload(evt.Name)
			if err != nil {
				r.logger.Warn("failed to read changed topology file", zap.Error(err))
				continue
			}

			select {
			case payloadCh <- payload:
			case <-ctx.Done():
			}
		}
	}
}

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
	"os"
	"runtime/debug"
	"strings"

	"github.com/couchbase/gocbtopology/topology"
	"github.com/couchbase/gocbtopology/watcher"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func getBuildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "unknown"
	}
	return info.Main.Version
}

// app is the state shared by every topoctl command.
type app struct {
	viper    *viper.Viper
	logLevel zap.AtomicLevel
	logger   *zap.Logger
}

func newRootCommand(logLevel zap.AtomicLevel, logger *zap.Logger) *cobra.Command {
	a := &app{
		viper:    viper.New(),
		logLevel: logLevel,
		logger:   logger,
	}

	var cfgFile string

	rootCmd := &cobra.Command{
		Version: getBuildVersion(),

		Use:   "topoctl",
		Short: "Inspects, routes against and replays bucket topologies",

		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig(cfgFile)
		},
	}

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "specifies a config file to load")

	configFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	configFlags.String("log-level", "warn", "the log level to run at")
	configFlags.String("host", "", "the address substituted for $HOST in loaded configs")
	rootCmd.PersistentFlags().AddFlagSet(configFlags)

	a.viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.viper.SetEnvPrefix("topoctl")
	a.viper.AutomaticEnv()

	_ = a.viper.BindPFlags(configFlags)

	rootCmd.AddCommand(
		newInspectCommand(a),
		newRouteCommand(a),
		newDiffCommand(a),
		newGenerateCommand(a),
		newReplayCommand(a),
	)

	return rootCmd
}

// bindFlags exposes the flags of a subcommand through viper so that they can
// also be set from the environment or the config file.  Subcommands share flag
// names, so the binding happens once the subcommand actually runs.
func (a *app) bindFlags(cmd *cobra.Command, flags *pflag.FlagSet) {
	cmd.PreRunE = func(cmd *cobra.Command, args []string) error {
		return a.viper.BindPFlags(flags)
	}
}

func (a *app) loadConfig(cfgFile string) error {
	if cfgFile != "" {
		a.viper.SetConfigFile(cfgFile)
		err := a.viper.ReadInConfig()
		if err != nil {
			return errors.Wrap(err, "failed to load specified config file")
		}
	}

	logLevelStr := a.viper.GetString("log-level")
	parsedLogLevel, err := zapcore.ParseLevel(logLevelStr)
	if err != nil {
		a.logger.Warn("invalid log level specified, using WARN instead",
			zap.String("logLevel", logLevelStr))
		parsedLogLevel = zapcore.WarnLevel
	}
	a.logLevel.SetLevel(parsedLogLevel)

	a.logger.Debug("parsed topoctl configuration",
		zap.String("config", cfgFile),
		zap.String("logLevel", parsedLogLevel.String()),
		zap.String("host", a.viper.GetString("host")))

	return nil
}

// readPayload loads a config file from disk.  Files ending in .snappy are
// treated as snappy compressed.
func (a *app) readPayload(path string) (watcher.Payload, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return watcher.Payload{}, errors.Wrapf(err, "failed to read %s", path)
	}

	return watcher.Payload{
		Data:       data,
		Compressed: strings.HasSuffix(path, ".snappy"),
		Host:       a.viper.GetString("host"),
	}, nil
}

func (a *app) loadTopology(path string) (*topology.Topology, error) {
	payload, err := a.readPayload(path)
	if err != nil {
		return nil, err
	}

	topo, err := watcher.Decode(payload)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s", path)
	}

	return topo, nil
}

func getLogger() (zap.AtomicLevel, *zap.Logger) {
	logLevel := zap.NewAtomicLevelAt(zapcore.WarnLevel)
	logConfig := zap.NewProductionEncoderConfig()
	logConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	jsonEncoder := zapcore.NewJSONEncoder(logConfig)
	core := zapcore.NewTee(
		zapcore.NewCore(jsonEncoder, zapcore.AddSync(os.Stderr), logLevel),
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))

	return logLevel, logger
}

func main() {
	logLevel, logger := getLogger()
	defer func() { _ = logger.Sync() }()

	cobra.CheckErr(newRootCommand(logLevel, logger).Execute())
}

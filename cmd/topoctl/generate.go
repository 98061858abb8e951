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

	"github.com/couchbase/gocbtopology/topology"
	"github.com/golang/snappy"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newGenerateCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Writes a synthetic topology config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := a.generatePayload()
			if err != nil {
				return err
			}

			output := a.viper.GetString("output")
			if output == "" {
				_, err = cmd.OutOrStdout().Write(payload)
				return err
			}

			err = os.WriteFile(output, payload, 0o644)
			if err != nil {
				return errors.Wrapf(err, "failed to write %s", output)
			}

			return nil
		},
	}

	generateFlags := pflag.NewFlagSet("", pflag.ContinueOnError)
	generateFlags.String("bucket", "default", "the bucket name")
	generateFlags.String("uuid", "", "the bucket uuid, generated when empty")
	generateFlags.Int("nodes", 3, "the number of nodes")
	generateFlags.Int("replicas", 1, "the number of replicas per shard")
	generateFlags.Int("shards", 1024, "the number of shards")
	generateFlags.Int64("rev", 1, "the revision of the config")
	generateFlags.Bool("ketama", false, "generate a consistent hash config instead of a vbucket map")
	generateFlags.Bool("compress", false, "snappy compress the output")
	generateFlags.StringP("output", "o", "", "the file to write, stdout when empty")
	cmd.Flags().AddFlagSet(generateFlags)
	a.bindFlags(cmd, generateFlags)

	return cmd
}

func (a *app) generatePayload() ([]byte, error) {
	topo, err := topology.Generate(topology.GenerateOptions{
		BucketName:  a.viper.GetString("bucket"),
		BucketUUID:  a.viper.GetString("uuid"),
		NumNodes:    a.viper.GetInt("nodes"),
		NumReplicas: a.viper.GetInt("replicas"),
		NumShards:   a.viper.GetInt("shards"),
		Revision:    a.viper.GetInt64("rev"),
	})
	if err != nil {
		return nil, err
	}

	if a.viper.GetBool("ketama") {
		topo = topology.ToConsistentHash(topo)
	}

	payload, err := topology.Serialize(topo)
	if err != nil {
		return nil, err
	}

	if a.viper.GetBool("compress") {
		payload = snappy.Encode(nil, payload)
	}

	return payload, nil
}

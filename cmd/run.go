// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"

	"github.com/featurebasedb/rtregion/ctl"
	"github.com/spf13/cobra"
)

// Runner is global so that tests can control and verify it.
var Runner *ctl.RunCommand

func newRunCommand(stdin io.Reader, stdout, stderr io.Writer) *cobra.Command {
	Runner = ctl.NewRunCommand(stdin, stdout, stderr)
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run a sample in a real-time pool.",
		Long: `run starts a pool of participants, runs the configured sample's
periodic jobs until they stop, and prints the final shared values.

An interrupt requests shutdown; the pool drains at its next round.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			return Runner.Run(ctx)
		},
	}
	ctl.BuildRunFlags(runCmd, Runner)
	return runCmd
}

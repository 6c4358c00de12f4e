// Copyright 2021 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aamcrae/stage/dashboard"
	"github.com/spf13/cobra"
)

type runOptions struct {
	*rootOptions
	Port    int
	Refresh int
	Home    bool
}

func newRunCommand(root *rootOptions) *cobra.Command {
	opts := &runOptions{rootOptions: root}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the stage controller and dashboard",
		Long: `Start the stage controller and serve the dashboard until interrupted.

Example:
  stagectl run --config rig1.conf --port 8080 --home
  stagectl run --simulate --port 8080`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStage(cmd, opts)
		},
	}
	cmd.Flags().IntVar(&opts.Port, "port", 8080, "web server port number, 0 to disable")
	cmd.Flags().IntVar(&opts.Refresh, "refresh", 5, "dashboard refresh rate in seconds")
	cmd.Flags().BoolVar(&opts.Home, "home", false, "home the stage on startup")
	return cmd
}

func runStage(cmd *cobra.Command, opts *runOptions) error {
	log := opts.logger()
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	e, err := openEnv(ctx, opts.rootOptions, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := e.Close(); err != nil {
			log.Error().Err(err).Msg("Close failed")
		}
	}()
	if opts.Port > 0 {
		srv := dashboard.New(e.stage, e.rig.travel, opts.Refresh, log)
		go func() {
			if err := srv.Serve(ctx, opts.Port); err != nil {
				log.Error().Err(err).Msg("Dashboard failed")
				stop()
			}
		}()
	}
	if opts.Home {
		if err := e.home(ctx); err != nil {
			return fmt.Errorf("homing: %w", err)
		}
	}
	<-ctx.Done()
	formatStatus(cmd.OutOrStdout(), e.stage.Status())
	return nil
}

func newHomeCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "home",
		Short: "Home and zero the stage, then exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := root.logger()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			e, err := openEnv(ctx, root, log)
			if err != nil {
				return err
			}
			err = e.home(ctx)
			formatStatus(cmd.OutOrStdout(), e.stage.Status())
			if cerr := e.Close(); err == nil {
				err = cerr
			}
			return err
		},
	}
}

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

// Limit switch monitor

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aamcrae/stage/stage"
	"github.com/spf13/cobra"
)

func newLimitsCommand(root *rootOptions) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "limits",
		Short: "Print the limit switch states as they change",
		Long: `Start the stage and print each change of a limit switch until interrupted.
Useful for checking the switch wiring by tripping each switch by hand.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := root.logger()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			e, err := openEnv(ctx, root, log)
			if err != nil {
				return err
			}
			err = watchLimits(ctx, e.rig.hw.Limits, interval, cmd.OutOrStdout())
			if cerr := e.Close(); err == nil {
				err = cerr
			}
			return err
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 50*time.Millisecond, "switch poll interval")
	return cmd
}

// watchLimits polls the switches, writing the initial states and then
// every change, until ctx is done.
func watchLimits(ctx context.Context, limits [stage.NumAxes]stage.LimitSensor, interval time.Duration, w io.Writer) error {
	var last [stage.NumAxes]bool
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for first := true; ; first = false {
		for i, l := range limits {
			if l == nil {
				continue
			}
			v, err := l.Read()
			if err != nil {
				return fmt.Errorf("%s limit: %w", stage.Axis(i), err)
			}
			if first || v != last[i] {
				state := "clear"
				if v {
					state = "tripped"
				}
				fmt.Fprintf(w, "%s limit %s\n", stage.Axis(i), state)
			}
			last[i] = v
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

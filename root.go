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
	"context"
	"fmt"

	"github.com/aamcrae/config"
	"github.com/aamcrae/stage/logging"
	"github.com/aamcrae/stage/positions"
	"github.com/aamcrae/stage/stage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

var version = "dev"

// rootOptions holds the flags shared by all commands.
type rootOptions struct {
	Config   string
	Section  string
	Simulate bool
	Database string
	Verbose  bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "stagectl",
		Short: "Three axis stage controller",
		Long: `Control a three axis motorized stage with limit switch interlocks.

The stage and hardware settings are read from the [stage] and [hardware]
sections of the configuration file. With --simulate, the stage runs on
simulated hardware and the [hardware] section is not needed.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "configuration file")
	cmd.PersistentFlags().StringVar(&opts.Section, "stage", "stage", "configuration section for the stage")
	cmd.PersistentFlags().BoolVar(&opts.Simulate, "simulate", false, "use simulated hardware")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "", "named positions database")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose logging")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newJogCommand(opts))
	cmd.AddCommand(newHomeCommand(opts))
	cmd.AddCommand(newLimitsCommand(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "stagectl %s\n", version)
		},
	})
	return cmd
}

func (o *rootOptions) logger() zerolog.Logger {
	log := logging.Configure(logging.ProfileRuntime)
	if o.Verbose {
		log = log.Level(zerolog.DebugLevel)
	}
	return log
}

// env is a running stage with its hardware and positions registry.
type env struct {
	stage *stage.Stage
	rig   *rig
	store *positions.Store
	log   zerolog.Logger
}

// openEnv reads the configuration, builds the rig and starts the stage.
func openEnv(ctx context.Context, o *rootOptions, log zerolog.Logger) (*env, error) {
	cfg := stage.DefaultConfig()
	hc := defaultHardware()
	if o.Config != "" {
		conf, err := config.ParseFile(o.Config)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", o.Config, err)
		}
		if cfg, err = stage.ReadConfig(conf, o.Section); err != nil {
			return nil, fmt.Errorf("%s: %w", o.Config, err)
		}
		if !o.Simulate {
			s := conf.GetSection("hardware")
			if s == nil {
				return nil, fmt.Errorf("%s: no [hardware] section", o.Config)
			}
			if hc, err = readHardware(s); err != nil {
				return nil, fmt.Errorf("%s: hardware: %w", o.Config, err)
			}
		}
	} else if !o.Simulate {
		return nil, fmt.Errorf("a configuration file is required unless simulating")
	}

	var r *rig
	var err error
	if o.Simulate {
		r = simulatedRig(hc, log)
	} else if r, err = hardwareRig(hc); err != nil {
		return nil, err
	}
	st, err := stage.New(cfg, r.hw, log)
	if err != nil {
		return nil, multierr.Append(err, r.Close())
	}
	e := &env{stage: st, rig: r, log: log}
	if o.Database != "" {
		if e.store, err = positions.Open(o.Database, cfg.Name); err != nil {
			return nil, multierr.Append(err, e.Close())
		}
	}
	if err := st.Start(ctx); err != nil {
		// Axes that fail to initialise are left out; the stage still runs.
		log.Warn().Err(err).Msg("Stage started with unavailable axes")
	}
	return e, nil
}

// Close stops the stage and releases the hardware and database.
func (e *env) Close() error {
	err := e.stage.Close()
	err = multierr.Append(err, e.rig.Close())
	if e.store != nil {
		err = multierr.Append(err, e.store.Close())
	}
	return err
}

// home runs the homing sequence and records the home position.
func (e *env) home(ctx context.Context) error {
	if err := e.stage.Home(ctx); err != nil {
		return err
	}
	if e.store == nil {
		return nil
	}
	p, err := e.stage.Position()
	if err != nil {
		return err
	}
	return e.store.Save(ctx, positions.Home, p)
}

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

// Interactive stage control

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/aamcrae/stage/stage"
	"github.com/spf13/cobra"
)

func newJogCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "jog",
		Short: "Control the stage interactively",
		Long: `Start the stage and read commands from standard input.
Enter 'help' for the list of commands.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log := root.logger()
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			e, err := openEnv(ctx, root, log)
			if err != nil {
				return err
			}
			c := &console{ctx: ctx, env: e, out: cmd.OutOrStdout()}
			err = c.run(cmd.InOrStdin())
			if cerr := e.Close(); err == nil {
				err = cerr
			}
			return err
		},
	}
}

var errQuit = errors.New("quit")

// console runs stage commands read from a terminal.
type console struct {
	ctx context.Context
	env *env
	out io.Writer
}

const help = `  x|y|z [-]NNN      jog the axis by NNN steps
  move X Y Z         queue an absolute move
  now X Y Z          move immediately, bypassing the queue
  stop               discard queued moves and stop
  home               home and zero the stage
  zero               make the current position the origin
  reset x|y|z        clear a faulted axis
  status             print the stage status
  save NAME          save the current position
  goto NAME          queue a move to a saved position
  list               list saved positions
  delete NAME        delete a saved position
  cycle N DELTA      zero, then move N times to DELTA on all axes and back
  extend | retract   drive the lickspout
  q                  quit
`

// run reads and executes commands until end of input or quit.
func (c *console) run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(c.out, "Enter command ('help' for help) ")
		if !scanner.Scan() {
			fmt.Fprintln(c.out)
			return scanner.Err()
		}
		err := c.exec(scanner.Text())
		if errors.Is(err, errQuit) {
			return nil
		}
		if err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
		}
		if c.ctx.Err() != nil {
			return nil
		}
	}
}

// exec runs one command line.
func (c *console) exec(line string) error {
	f := strings.Fields(line)
	if len(f) == 0 {
		return nil
	}
	st := c.env.stage
	args := f[1:]
	switch cmd := strings.ToLower(f[0]); cmd {
	case "help", "?":
		fmt.Fprint(c.out, help)
	case "q", "quit", "exit":
		return errQuit
	case "x", "y", "z":
		a, _ := stage.ParseAxis(cmd)
		v, err := floats(args, 1)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "Moving %s %g steps\n", a, v[0])
		return st.Jog(a, v[0])
	case "move", "now":
		v, err := floats(args, stage.NumAxes)
		if err != nil {
			return err
		}
		if cmd == "now" {
			return st.MoveTo(v)
		}
		return st.AppendMove(v)
	case "stop":
		return st.StopMotion()
	case "home":
		fmt.Fprintln(c.out, "Homing...")
		if err := c.env.home(c.ctx); err != nil {
			return err
		}
		fmt.Fprintln(c.out, "Stage homed")
	case "zero":
		return st.ZeroAxes()
	case "reset":
		if len(args) != 1 {
			return fmt.Errorf("usage: reset x|y|z")
		}
		a, err := stage.ParseAxis(args[0])
		if err != nil {
			return err
		}
		return st.ResetAxis(a)
	case "status":
		formatStatus(c.out, st.Status())
	case "save", "goto", "delete":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s NAME", cmd)
		}
		return c.position(cmd, args[0])
	case "list":
		if c.env.store == nil {
			return errNoStore
		}
		entries, err := c.env.store.List(c.ctx)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintf(c.out, "  %-12s %s\n", e.Name, e.Position)
		}
	case "cycle":
		return c.cycle(args)
	case "extend", "retract":
		if c.env.rig.spout == nil {
			return fmt.Errorf("no lickspout fitted")
		}
		if cmd == "extend" {
			return c.env.rig.spout.Extend()
		}
		return c.env.rig.spout.Retract()
	default:
		return fmt.Errorf("unrecognised command %q", f[0])
	}
	return nil
}

var errNoStore = errors.New("no positions database (use --db)")

func (c *console) position(cmd, name string) error {
	store := c.env.store
	if store == nil {
		return errNoStore
	}
	switch cmd {
	case "save":
		p, err := c.env.stage.Position()
		if err != nil {
			return err
		}
		if err := store.Save(c.ctx, name, p); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "Saved %s at %s\n", strings.ToUpper(name), p)
	case "goto":
		p, err := store.Load(c.ctx, name)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.out, "Moving to %s at %s\n", strings.ToUpper(name), p)
		return c.env.stage.AppendMove(p.Slice())
	case "delete":
		return store.Delete(c.ctx, name)
	}
	return nil
}

// cycle zeroes the stage, then queues n round trips between the
// origin and delta on every axis.
func (c *console) cycle(args []string) error {
	if len(args) != 2 {
		return fmt.Errorf("usage: cycle N DELTA")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return fmt.Errorf("cycle: invalid count %q", args[0])
	}
	d, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("cycle: invalid delta %q", args[1])
	}
	st := c.env.stage
	if err := st.ZeroAxes(); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		if err := st.AppendMove([]float64{d, d, d}); err != nil {
			return err
		}
		if err := st.AppendMove([]float64{0, 0, 0}); err != nil {
			return err
		}
	}
	return nil
}

func floats(args []string, n int) ([]float64, error) {
	if len(args) != n {
		return nil, fmt.Errorf("expected %d values, got %d", n, len(args))
	}
	v := make([]float64, n)
	for i, s := range args {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", s)
		}
		v[i] = f
	}
	return v, nil
}

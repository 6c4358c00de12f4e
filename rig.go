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

// Stage hardware, real or simulated

package main

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aamcrae/stage/dashboard"
	"github.com/aamcrae/stage/io"
	"github.com/aamcrae/stage/simulator"
	"github.com/aamcrae/stage/stage"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// hardwareConfig describes how the rig is wired.
// Sample config:
//
//	[hardware]
//	x-stepper=4,17,27,22     # GPIOs for the X stepper driver
//	y-stepper=5,6,13,19
//	z-stepper=12,16,20,21
//	steps=4096               # Half-steps per revolution
//	rpm=10                   # Stepper speed
//	limits=23,24,25          # GPIO inputs for the X, Y and Z limit switches
//	limit-active-low=true
//	brake=0,1                # PWM units for the two brake lines
//	brake-gpio=7,8           # Or GPIO outputs driven by software PWM
//	brake-fullscale=5        # Brake line voltage at 100% duty cycle
//	brake-period=100us       # Brake PWM period
//	brake-sample=1ms         # Time each brake sample is held
//	lickspout=26,18          # GPIOs to extend and retract the lickspout
//	lickspout-pulse=50ms
//	travel=10000             # Half range of each axis, for the dashboard
type hardwareConfig struct {
	Steppers  [stage.NumAxes][4]int
	Steps     int
	RPM       float64
	Limits    [stage.NumAxes]int
	ActiveLow bool
	Brake     [2]int
	BrakeGpio [2]int // -1 to use the PWM units
	FullScale float64
	Period    time.Duration
	Sample    time.Duration
	Lickspout [2]int // -1 if not fitted
	Pulse     time.Duration
	Travel    float64
}

func defaultHardware() hardwareConfig {
	return hardwareConfig{
		Steps:     4096,
		RPM:       10,
		FullScale: 5,
		Period:    100 * time.Microsecond,
		Sample:    time.Millisecond,
		BrakeGpio: [2]int{-1, -1},
		Lickspout: [2]int{-1, -1},
		Pulse:     50 * time.Millisecond,
		Travel:    10000,
	}
}

// readHardware reads the hardware wiring from a config section.
// The steppers, limits and brake lines are required.
func readHardware(s stage.Section) (hardwareConfig, error) {
	hc := defaultHardware()
	for i := 0; i < stage.NumAxes; i++ {
		g := &hc.Steppers[i]
		key := stage.Axis(i).String() + "-stepper"
		if err := scan(s, key, true, "%d,%d,%d,%d", &g[0], &g[1], &g[2], &g[3]); err != nil {
			return hc, err
		}
	}
	if err := scan(s, "limits", true, "%d,%d,%d", &hc.Limits[0], &hc.Limits[1], &hc.Limits[2]); err != nil {
		return hc, err
	}
	if err := scan(s, "brake-gpio", false, "%d,%d", &hc.BrakeGpio[0], &hc.BrakeGpio[1]); err != nil {
		return hc, err
	}
	if err := scan(s, "brake", hc.BrakeGpio[0] < 0, "%d,%d", &hc.Brake[0], &hc.Brake[1]); err != nil {
		return hc, err
	}
	if err := scan(s, "steps", false, "%d", &hc.Steps); err != nil {
		return hc, err
	}
	if err := scan(s, "rpm", false, "%g", &hc.RPM); err != nil {
		return hc, err
	}
	if err := scan(s, "brake-fullscale", false, "%g", &hc.FullScale); err != nil {
		return hc, err
	}
	if err := scan(s, "lickspout", false, "%d,%d", &hc.Lickspout[0], &hc.Lickspout[1]); err != nil {
		return hc, err
	}
	if err := scan(s, "travel", false, "%g", &hc.Travel); err != nil {
		return hc, err
	}
	if v, ok := arg(s, "limit-active-low"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return hc, fmt.Errorf("limit-active-low: %v", err)
		}
		hc.ActiveLow = b
	}
	durations := []struct {
		key string
		d   *time.Duration
	}{
		{"brake-period", &hc.Period},
		{"brake-sample", &hc.Sample},
		{"lickspout-pulse", &hc.Pulse},
	}
	for _, e := range durations {
		if v, ok := arg(s, e.key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return hc, fmt.Errorf("%s: %v", e.key, err)
			}
			*e.d = d
		}
	}
	if hc.Steps <= 0 || hc.RPM <= 0 || hc.FullScale <= 0 || hc.Travel <= 0 {
		return hc, fmt.Errorf("steps, rpm, brake-fullscale and travel must be positive")
	}
	return hc, nil
}

func arg(s stage.Section, key string) (string, bool) {
	v, err := s.GetArg(key)
	if err != nil {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// scan parses a config value, which must fill every argument.
func scan(s stage.Section, key string, required bool, format string, a ...interface{}) error {
	v, ok := arg(s, key)
	if !ok {
		if required {
			return fmt.Errorf("%s: missing", key)
		}
		return nil
	}
	n, err := fmt.Sscanf(v, format, a...)
	if err != nil || n != len(a) {
		return fmt.Errorf("%s: expected %d values", key, len(a))
	}
	return nil
}

// lickspout is the reward delivery solenoid.
type lickspout interface {
	Extend() error
	Retract() error
}

// rig holds the hardware for a stage. The stage owns and closes the
// handles in hw; the rig closes everything else.
type rig struct {
	hw      stage.Hardware
	spout   lickspout
	travel  dashboard.Travel
	closers []func() error
}

func (r *rig) Close() error {
	var err error
	for i := len(r.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, r.closers[i]())
	}
	r.closers = nil
	return err
}

func travel(t float64) dashboard.Travel {
	var tr dashboard.Travel
	for i := range tr {
		tr[i] = [2]float64{-t, t}
	}
	return tr
}

// simSpeed is the simulated axis speed in steps per second.
const simSpeed = 4000

// simulatedRig builds a rig from the simulator. Each axis has hard
// stops, with limit switches, at the edge of its travel.
func simulatedRig(hc hardwareConfig, log zerolog.Logger) *rig {
	r := &rig{travel: travel(hc.Travel)}
	events := &simulator.EventLog{}
	for i := 0; i < stage.NumAxes; i++ {
		a := simulator.NewAxis(stage.Axis(i).String(), simSpeed).SetBounds(-hc.Travel, hc.Travel)
		r.hw.Axes[i] = a
		r.hw.Limits[i] = simulator.NewLimit(a)
	}
	for i := range r.hw.Brake {
		r.hw.Brake[i] = simulator.NewAnalog(fmt.Sprintf("brake%d", i), events, 0)
	}
	spout := io.NewSolenoid(simulator.NewOutput("extend"), simulator.NewOutput("retract"), hc.Pulse)
	r.spout = spout
	r.closers = append(r.closers, spout.Close)
	log.Info().Msg("Using simulated hardware")
	return r
}

// hardwareRig opens the GPIOs and PWMs of a real rig.
func hardwareRig(hc hardwareConfig) (_ *rig, err error) {
	r := &rig{travel: travel(hc.Travel)}
	var owned []func() error // Closed here on failure, else by the stage
	defer func() {
		if err != nil {
			for _, c := range owned {
				c()
			}
			r.Close()
		}
	}()
	for i := 0; i < stage.NumAxes; i++ {
		var pins [4]*io.Gpio
		for j, g := range hc.Steppers[i] {
			if pins[j], err = io.OutputPin(g); err != nil {
				return nil, fmt.Errorf("%s stepper: %w", stage.Axis(i), err)
			}
			r.closers = append(r.closers, pins[j].Close)
		}
		st := io.NewStepper(hc.Steps, pins[0], pins[1], pins[2], pins[3])
		axis := io.NewAxis(stage.Axis(i).String(), st, hc.RPM)
		axis.SetCheck(io.DriverCheck(pins[:]...))
		owned = append(owned, axis.Close)
		r.hw.Axes[i] = axis

		pin, err := io.Pin(hc.Limits[i])
		if err != nil {
			return nil, fmt.Errorf("%s limit: %w", stage.Axis(i), err)
		}
		l := io.NewLimitSwitch(pin, hc.ActiveLow)
		owned = append(owned, l.Close)
		r.hw.Limits[i] = l
	}
	for i := range hc.Brake {
		pwm, err := r.brakePWM(hc, i)
		if err != nil {
			return nil, fmt.Errorf("brake line %d: %w", i, err)
		}
		line := io.NewAnalogLine(pwm, hc.FullScale, hc.Period, hc.Sample)
		owned = append(owned, line.Close)
		r.hw.Brake[i] = line
	}
	if hc.Lickspout[0] >= 0 {
		var pins [2]*io.Gpio
		for j, g := range hc.Lickspout {
			if pins[j], err = io.OutputPin(g); err != nil {
				for _, p := range pins[:j] {
					p.Close()
				}
				return nil, fmt.Errorf("lickspout: %w", err)
			}
		}
		spout := io.NewSolenoid(pins[0], pins[1], hc.Pulse)
		r.spout = spout
		r.closers = append(r.closers, spout.Close)
	}
	return r, nil
}

// brakePWM opens the PWM driving brake line i, in hardware or
// in software on a GPIO output.
func (r *rig) brakePWM(hc hardwareConfig, i int) (io.PWM, error) {
	if hc.BrakeGpio[i] < 0 {
		pwm, err := io.NewHwPWM(hc.Brake[i])
		if err != nil {
			return nil, err
		}
		return pwm, nil
	}
	pin, err := io.OutputPin(hc.BrakeGpio[i])
	if err != nil {
		return nil, err
	}
	r.closers = append(r.closers, pin.Close)
	return io.NewSwPWM(pin), nil
}

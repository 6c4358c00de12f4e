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

// Limit switches, brake lines and the lickspout solenoid.

package io

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/multierr"
)

// LimitSwitch reads a limit switch on a GPIO input.
type LimitSwitch struct {
	pin       Getter
	activeLow bool
}

// NewLimitSwitch creates a limit switch. If activeLow is set, a low
// input means the switch is tripped.
func NewLimitSwitch(pin Getter, activeLow bool) *LimitSwitch {
	return &LimitSwitch{pin: pin, activeLow: activeLow}
}

// Read returns true if the switch is tripped.
func (l *LimitSwitch) Read() (bool, error) {
	v, err := l.pin.Get()
	if err != nil {
		return false, err
	}
	return (v == 1) != l.activeLow, nil
}

// Close releases the input.
func (l *LimitSwitch) Close() error {
	return closeIt(l.pin)
}

// AnalogLine generates an analog voltage waveform as the duty cycle
// of a filtered PWM output. Each sample is held for one sample period.
type AnalogLine struct {
	pwm       PWM
	fullScale float64       // Voltage at 100% duty cycle
	period    time.Duration // PWM period
	sample    time.Duration // Time each sample is held
}

// NewAnalogLine creates an analog output on the PWM.
func NewAnalogLine(pwm PWM, fullScale float64, period, sample time.Duration) *AnalogLine {
	return &AnalogLine{pwm: pwm, fullScale: fullScale, period: period, sample: sample}
}

// Write outputs the samples, returning once the last one has been held.
func (a *AnalogLine) Write(samples []float64) error {
	for i := 0; i < len(samples); {
		// Runs of the same value are set once.
		n := 1
		for i+n < len(samples) && samples[i+n] == samples[i] {
			n++
		}
		duty, err := a.duty(samples[i])
		if err != nil {
			return err
		}
		if err := a.pwm.Set(a.period, duty); err != nil {
			return err
		}
		time.Sleep(a.sample * time.Duration(n))
		i += n
	}
	return nil
}

func (a *AnalogLine) duty(v float64) (int, error) {
	if v < 0 || v > a.fullScale {
		return 0, fmt.Errorf("%gV out of range (0-%gV)", v, a.fullScale)
	}
	return int(math.Round(v / a.fullScale * 100)), nil
}

// Close turns the output off and releases the PWM.
func (a *AnalogLine) Close() error {
	return multierr.Append(a.pwm.Set(a.period, 0), a.pwm.Close())
}

// Solenoid is a double acting solenoid, such as the lickspout
// actuator, driven by two outputs.
type Solenoid struct {
	extend, retract Setter
	pulse           time.Duration
}

// NewSolenoid creates a solenoid. The active output is held for
// pulse, or left on if pulse is 0.
func NewSolenoid(extend, retract Setter, pulse time.Duration) *Solenoid {
	return &Solenoid{extend: extend, retract: retract, pulse: pulse}
}

// Extend drives the solenoid out.
func (s *Solenoid) Extend() error {
	return s.drive(s.extend, s.retract)
}

// Retract drives the solenoid in.
func (s *Solenoid) Retract() error {
	return s.drive(s.retract, s.extend)
}

func (s *Solenoid) drive(on, off Setter) error {
	if err := off.Set(0); err != nil {
		return err
	}
	if err := on.Set(1); err != nil {
		return err
	}
	if s.pulse > 0 {
		time.Sleep(s.pulse)
		return on.Set(0)
	}
	return nil
}

// Close turns both outputs off and releases them.
func (s *Solenoid) Close() error {
	err := multierr.Append(s.extend.Set(0), s.retract.Set(0))
	return multierr.Append(err, multierr.Append(closeIt(s.extend), closeIt(s.retract)))
}

func closeIt(v interface{}) error {
	if c, ok := v.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

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

// Stage axis actuator on a stepper motor

package io

import (
	"fmt"
	"math"
	"sync"
)

// Axis drives one stage axis with a stepper motor, presenting the
// motor as a position-controlled actuator. Positions are in half-steps
// relative to an offset that is adjusted when the stage is zeroed.
type Axis struct {
	name    string
	stepper *Stepper
	rpm     float64
	check   func() error

	mu     sync.Mutex
	offset float64
}

// NewAxis creates an actuator on the stepper, moving at rpm.
func NewAxis(name string, stepper *Stepper, rpm float64) *Axis {
	return &Axis{name: name, stepper: stepper, rpm: rpm}
}

// SetCheck installs a function called by Init to verify the
// motor driver is attached.
func (a *Axis) SetCheck(f func() error) {
	a.check = f
}

// DriverCheck returns a check that reads back each of the motor
// driver pins, failing if a pin is no longer accessible.
func DriverCheck(pins ...*Gpio) func() error {
	return func() error {
		for _, p := range pins {
			if _, err := p.Get(); err != nil {
				return fmt.Errorf("driver pin gpio%d: %w", p.Number(), err)
			}
		}
		return nil
	}
}

// Init verifies the axis hardware.
func (a *Axis) Init() error {
	if a.rpm <= 0 {
		return fmt.Errorf("%s: invalid speed %g", a.name, a.rpm)
	}
	if a.check != nil {
		if err := a.check(); err != nil {
			return fmt.Errorf("%s: %w", a.name, err)
		}
	}
	return nil
}

// Position returns the current position.
func (a *Axis) Position() (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return float64(a.stepper.GetStep()) + a.offset, a.stepper.Err()
}

// SetTargetPosition replaces any motion in progress with a move to p.
func (a *Axis) SetTargetPosition(p float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.stepper.Powered() {
		return fmt.Errorf("%s: not engaged", a.name)
	}
	if a.stepper.Busy() {
		a.stepper.Stop()
	}
	steps := int64(math.Round(p-a.offset)) - a.stepper.GetStep()
	a.stepper.Step(a.rpm, steps)
	return a.stepper.Err()
}

// SetEngaged powers the motor on or off. Disengaging aborts any motion.
func (a *Axis) SetEngaged(on bool) error {
	if on {
		a.stepper.On()
	} else {
		a.stepper.Stop()
		a.stepper.Off()
	}
	return a.stepper.Err()
}

// Engaged returns true if the motor is powered.
func (a *Axis) Engaged() (bool, error) {
	return a.stepper.Powered(), nil
}

// IsMoving returns true while the motor is stepping.
func (a *Axis) IsMoving() (bool, error) {
	return a.stepper.Busy(), nil
}

// AddPositionOffset shifts the reported position by delta.
func (a *Axis) AddPositionOffset(delta float64) error {
	a.mu.Lock()
	a.offset += delta
	a.mu.Unlock()
	return nil
}

// Close stops and releases the motor.
func (a *Axis) Close() error {
	return a.stepper.Close()
}

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

// Package simulator provides in-memory stage hardware: actuators that
// move at a fixed speed between optional hard stops, limit switches
// that trip at those stops, and analog outputs that record every write.
package simulator

import (
	"errors"
	"math"
	"sync"
	"time"
)

// ErrClosed is returned by operations on a closed simulated device.
var ErrClosed = errors.New("simulator: device closed")

// Axis acts like a position-controlled stepper controller.
// Positions are reported relative to an adjustable offset.
// When engaged, the axis moves towards its target at Speed units
// per second (instantly when Speed is 0), stopping at a bound.
type Axis struct {
	name  string
	speed float64

	mu        sync.Mutex
	bounded   bool
	min, max  float64
	raw       float64 // Position without offset
	target    float64 // Raw target
	offset    float64
	engaged   bool
	last      time.Time
	closed    bool
	initErr   error
	fail      error
	calls     int
	engages   int
	offsets   int
	targets   []float64
}

// NewAxis creates a simulated axis at position 0.
func NewAxis(name string, speed float64) *Axis {
	return &Axis{name: name, speed: speed, last: time.Now()}
}

// Name returns the axis name.
func (a *Axis) Name() string {
	return a.name
}

// SetBounds adds hard stops at min and max (raw position).
func (a *Axis) SetBounds(min, max float64) *Axis {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bounded = true
	a.min, a.max = min, max
	a.raw = a.clamp(a.raw)
	return a
}

// FailInit makes Init return err.
func (a *Axis) FailInit(err error) {
	a.mu.Lock()
	a.initErr = err
	a.mu.Unlock()
}

// Fail makes every subsequent operation return err. A nil err clears the failure.
func (a *Axis) Fail(err error) {
	a.mu.Lock()
	a.fail = err
	a.mu.Unlock()
}

// Init checks the axis is attached.
func (a *Axis) Init() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.closed {
		return ErrClosed
	}
	return a.initErr
}

// Position returns the current position.
func (a *Axis) Position() (float64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter(); err != nil {
		return 0, err
	}
	return a.raw + a.offset, nil
}

// SetTargetPosition sets the target position.
func (a *Axis) SetTargetPosition(p float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter(); err != nil {
		return err
	}
	a.target = p - a.offset
	a.targets = append(a.targets, p)
	a.advance()
	return nil
}

// SetEngaged powers the axis on or off. A disengaged axis stops where it is.
func (a *Axis) SetEngaged(on bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter(); err != nil {
		return err
	}
	if on && !a.engaged {
		a.engages++
	}
	if !on {
		a.target = a.raw
	}
	a.engaged = on
	a.last = time.Now()
	a.advance()
	return nil
}

// Engaged returns whether the axis is powered.
func (a *Axis) Engaged() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter(); err != nil {
		return false, err
	}
	return a.engaged, nil
}

// IsMoving returns true if the axis is engaged and short of its target.
// An axis held against a hard stop is still trying to move.
func (a *Axis) IsMoving() (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter(); err != nil {
		return false, err
	}
	return a.engaged && a.raw != a.target, nil
}

// AddPositionOffset shifts the reported position by delta.
func (a *Axis) AddPositionOffset(delta float64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enter(); err != nil {
		return err
	}
	a.offset += delta
	a.offsets++
	return nil
}

// Close marks the axis closed.
func (a *Axis) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed = true
	a.engaged = false
	return nil
}

// Calls returns the number of operations made on the axis.
func (a *Axis) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Engages returns how many times the axis has been engaged.
func (a *Axis) Engages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engages
}

// Offsets returns how many times the position offset has been changed.
func (a *Axis) Offsets() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offsets
}

// Targets returns the target positions set, in order.
func (a *Axis) Targets() []float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]float64(nil), a.targets...)
}

// Raw returns the position ignoring any offset.
func (a *Axis) Raw() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.advance()
	return a.raw
}

// AtBound returns -1 or 1 if the axis sits on its lower or upper stop, or 0.
func (a *Axis) AtBound() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.advance()
	switch {
	case !a.bounded:
		return 0
	case a.raw <= a.min:
		return -1
	case a.raw >= a.max:
		return 1
	}
	return 0
}

// Closed returns true once Close has been called.
func (a *Axis) Closed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

// enter is called with the lock held at the start of each operation.
func (a *Axis) enter() error {
	a.calls++
	if a.closed {
		return ErrClosed
	}
	if a.fail != nil {
		return a.fail
	}
	a.advance()
	return nil
}

// advance updates the position for the time elapsed since the last call.
func (a *Axis) advance() {
	now := time.Now()
	dt := now.Sub(a.last).Seconds()
	a.last = now
	if !a.engaged || a.raw == a.target {
		return
	}
	next := a.target
	if a.speed > 0 {
		step := a.speed * dt
		if math.Abs(a.target-a.raw) > step {
			if a.target > a.raw {
				next = a.raw + step
			} else {
				next = a.raw - step
			}
		}
	}
	a.raw = a.clamp(next)
}

func (a *Axis) clamp(v float64) float64 {
	if !a.bounded {
		return v
	}
	return math.Max(a.min, math.Min(a.max, v))
}

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

// Half-step stepper motor driver

package io

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
)

const stepperQueueSize = 20 // Size of queue for requests

type msg struct {
	speed float64 // RPM
	steps int64
	sync  chan bool
}

// Stepper represents a stepper motor driven through 4 outputs.
// All actual stepping is done in a background goroutine, so requests can be queued.
// All step values assume half-steps.
// The current step number is maintained as an absolute number, referenced from
// 0 when the stepper is first initialised. This can be a negative or positive number,
// depending on the movement.
type Stepper struct {
	pins     [4]Setter // Pins for controlling outputs
	factor   float64   // Timing factor derived from steps per revolution
	mChan    chan msg  // channel for message requests
	stopChan chan bool // channel for signalling resets.
	index    int       // Index to step sequence
	current  int64     // Current step number as an absolute number
	pending  int32     // Step requests queued or running
	on       atomic.Bool

	errMu sync.Mutex
	err   error // First output error since the last Err call
}

// Half step sequence of outputs.
var sequence = [][4]int{
	{1, 0, 0, 0},
	{1, 1, 0, 0},
	{0, 1, 0, 0},
	{0, 1, 1, 0},
	{0, 0, 1, 0},
	{0, 0, 1, 1},
	{0, 0, 0, 1},
	{1, 0, 0, 1},
}

// NewStepper creates and initialises a Stepper, representing
// a stepper motor controlled by 4 GPIO pins.
// rev is the number of half-steps per revolution, used as a reference
// value for determining the delays between steps.
func NewStepper(rev int, pin1, pin2, pin3, pin4 Setter) *Stepper {
	s := new(Stepper)
	// Precalculate a timing factor so that a RPM value can be used
	// to calculate the per-sequence step delay.
	s.factor = float64(time.Second.Nanoseconds()*60) / float64(rev)
	s.pins = [4]Setter{pin1, pin2, pin3, pin4}
	s.mChan = make(chan msg, stepperQueueSize)
	s.stopChan = make(chan bool)
	go s.handler()
	return s
}

// Close stops the motor, removes power and stops the handler.
func (s *Stepper) Close() error {
	s.Stop()
	s.Off()
	close(s.stopChan)
	return s.Err()
}

// GetStep returns the current step number, which is an accumulative
// signed value representing the steps moved, with 0 as the starting location.
func (s *Stepper) GetStep() int64 {
	return atomic.LoadInt64(&s.current)
}

// Busy returns true if any step requests are queued or running.
func (s *Stepper) Busy() bool {
	return atomic.LoadInt32(&s.pending) > 0
}

// Powered returns true if the motor drivers are on.
func (s *Stepper) Powered() bool {
	return s.on.Load()
}

// On powers the motor drivers, holding the current position.
func (s *Stepper) On() {
	if !s.on.Swap(true) {
		s.output()
	}
}

// Off waits for stepping to complete, then turns off the outputs
// to remove the power from the motor.
func (s *Stepper) Off() {
	if s.on.Load() {
		s.Wait()
		for _, p := range s.pins {
			s.setErr(p.Set(0))
		}
		s.on.Store(false)
	}
}

// Stop aborts any current stepping, and flushes all queued requests.
func (s *Stepper) Stop() {
	s.stopChan <- true
	s.Wait()
}

// Step queues a request to step the motor at the RPM selected for the
// number of half-steps.
// If halfSteps is positive, then the motor is run clockwise, otherwise ccw.
// A number of requests can be queued.
func (s *Stepper) Step(rpm float64, halfSteps int64) {
	if halfSteps != 0 && rpm > 0.0 {
		s.On()
		atomic.AddInt32(&s.pending, 1)
		s.mChan <- msg{speed: rpm, steps: halfSteps}
	}
}

// Wait waits for all requests to complete
func (s *Stepper) Wait() {
	c := make(chan bool)
	s.mChan <- msg{sync: c}
	<-c
}

// Err returns and clears the first output error seen.
func (s *Stepper) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	err := s.err
	s.err = nil
	return err
}

func (s *Stepper) setErr(err error) {
	if err == nil {
		return
	}
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// goroutine handler
// Listens on message channel, and runs the motor.
func (s *Stepper) handler() {
	for {
		select {
		case m := <-s.mChan:
			// Request to step the motor
			if m.steps != 0 {
				done := s.step(m.speed, m.steps)
				atomic.AddInt32(&s.pending, -1)
				if done {
					return
				}
			}
			if m.sync != nil {
				// If sync channel is present, signal it.
				m.sync <- true
				close(m.sync)
			}
		case stop, ok := <-s.stopChan:
			// Request to stop and flush all requests
			s.flush()
			if !stop || !ok {
				return
			}
		}
	}
}

// step controls the motor via the GPIOs, to move the motor the
// requested number of steps. A negative value moves the motor
// counter-clockwise, positive moves the motor clockwise.
// Once started, a stop channel is used to abort the sequence.
// step returns true if the stepper has been closed.
func (s *Stepper) step(rpm float64, steps int64) bool {
	inc := int64(1)
	if steps < 0 {
		// Counter-clockwise
		inc = -1
		steps = -steps
	}
	// Calculate the per-step delay in nanoseconds by using the timing factor
	// and requested RPM, and use a ticker to signal the step sequence.
	delay := time.Duration(s.factor / rpm)
	ticker := time.NewTicker(delay)
	defer ticker.Stop()
	for i := int64(0); i < steps; i++ {
		s.index = (s.index + int(inc)) & 7
		s.output()
		atomic.AddInt64(&s.current, inc)
		select {
		case stop, ok := <-s.stopChan:
			s.flush()
			// A closed channel kills the handler.
			return !stop || !ok
		case <-ticker.C:
		}
	}
	return false
}

// Flush all remaining actions from message channel.
func (s *Stepper) flush() {
	for {
		select {
		case m := <-s.mChan:
			if m.steps != 0 {
				atomic.AddInt32(&s.pending, -1)
			}
			if m.sync != nil {
				m.sync <- true
				close(m.sync)
			}
		default:
			return
		}
	}
}

// Set the GPIO outputs according to the current sequence index.
func (s *Stepper) output() {
	var err error
	seq := sequence[s.index]
	for i, p := range s.pins {
		err = multierr.Append(err, p.Set(seq[i]))
	}
	s.setErr(err)
}

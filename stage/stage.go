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

// Package stage drives a three axis motorized stage with limit switch
// interlocks.
//
// A Stage owns the actuators, limit sensors and brake lines of the rig.
// Once started, a queue goroutine applies queued moves one at a time and
// a monitor goroutine polls the limit switches. When a limit trips, the
// axis is disengaged, the brake is released with an axis specific
// waveform and the axis is stepped back off the switch.
package stage

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

const (
	stateNew = iota
	stateRunning
	stateClosed
)

type recoveryEvent struct {
	axis Axis
	err  error
}

// Stage is the controller for one rig.
type Stage struct {
	cfg   Config
	hw    Hardware
	log   zerolog.Logger
	queue *motionQueue

	mu           sync.Mutex // Guards the fields below
	state        int
	limits       [NumAxes]LimitState
	homing       HomingState
	homingCancel context.CancelFunc
	ctx          context.Context
	cancel       context.CancelFunc

	attached  [NumAxes]atomic.Bool // Axis initialised and usable
	tokens    [NumAxes]atomic.Bool // Recovery in progress
	brakeMu   sync.Mutex           // Serialises use of the shared brake lines
	recovered chan recoveryEvent
	wg        sync.WaitGroup
}

// Snapshot is a point in time view of the stage.
type Snapshot struct {
	Name     string
	Position Position
	Axes     [NumAxes]AxisStatus
	Limits   [NumAxes]bool
	Disabled [NumAxes]int
	Faults   [NumAxes]string
	Homing   HomingState
	Queued   int
}

// New creates a stage controller owning the hardware handles.
// The stage does not touch the hardware until Start is called.
func New(cfg Config, hw Hardware, logger zerolog.Logger) (*Stage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("stage config: %w", err)
	}
	s := &Stage{
		cfg:       cfg,
		hw:        hw,
		log:       logger.With().Str("stage", cfg.Name).Logger(),
		queue:     newMotionQueue(),
		recovered: make(chan recoveryEvent, NumAxes),
	}
	return s, nil
}

// Start initialises the axes and starts the queue and limit monitor goroutines.
// An axis that fails to initialise is left disengaged and is excluded from
// motion; the failures are returned combined, but the stage still runs.
func (s *Stage) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateRunning:
		return fmt.Errorf("stage: already started")
	case stateClosed:
		return ErrNotConnected
	}
	var errs error
	for i := 0; i < NumAxes; i++ {
		if err := s.initAxis(Axis(i)); err != nil {
			s.log.Error().Stringer("axis", Axis(i)).Err(err).Msg("Axis not available")
			errs = multierr.Append(errs, err)
		}
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.state = stateRunning
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.processQueue(s.ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.monitor(s.ctx)
	}()
	s.log.Info().Msg("Stage started")
	return errs
}

func (s *Stage) initAxis(a Axis) error {
	s.attached[a].Store(false)
	act := s.hw.Axes[a]
	if act == nil {
		return axisErr(a, fmt.Errorf("%w: no actuator", ErrInitializationFailed))
	}
	if in, ok := act.(Initializer); ok {
		if err := in.Init(); err != nil {
			return axisErr(a, fmt.Errorf("%w: %v", ErrInitializationFailed, err))
		}
	}
	if err := act.SetEngaged(false); err != nil {
		return axisErr(a, fmt.Errorf("%w: %v", ErrInitializationFailed, err))
	}
	s.attached[a].Store(true)
	return nil
}

// Close stops both loops and any recovery or homing in progress, discards
// queued moves, disengages the axes and releases every hardware handle.
// Close may be called more than once and before Start; the stage cannot
// be used afterwards.
func (s *Stage) Close() error {
	s.mu.Lock()
	if s.state == stateClosed {
		s.mu.Unlock()
		return nil
	}
	started := s.state == stateRunning
	s.state = stateClosed
	if s.homingCancel != nil {
		s.homingCancel()
	}
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
	s.queue.drain()

	var errs error
	for i, act := range s.hw.Axes {
		if act == nil {
			continue
		}
		if started && s.attached[i].Load() {
			if err := act.SetEngaged(false); err != nil {
				errs = multierr.Append(errs, axisErr(Axis(i), err))
			}
		}
		s.attached[i].Store(false)
		errs = multierr.Append(errs, closeHandle(act))
	}
	for _, l := range s.hw.Limits {
		errs = multierr.Append(errs, closeHandle(l))
	}
	for _, b := range s.hw.Brake {
		errs = multierr.Append(errs, closeHandle(b))
	}
	s.log.Info().Msg("Stage closed")
	return errs
}

func closeHandle(h interface{}) error {
	if c, ok := h.(io.Closer); ok && c != nil {
		return c.Close()
	}
	return nil
}

func (s *Stage) checkConnected() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateRunning {
		return ErrNotConnected
	}
	return nil
}

// checkAvailable fails if any axis is faulted or under limit recovery.
func (s *Stage) checkAvailable() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < NumAxes; i++ {
		if s.limits[i].Faulted {
			return axisErr(Axis(i), ErrAxisFaulted)
		}
		if s.tokens[i].Load() {
			return axisErr(Axis(i), ErrAxisBusy)
		}
	}
	return nil
}

// held reports whether recovery or homing currently owns the axis.
func (s *Stage) held(a Axis) bool {
	if s.tokens[a].Load() {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.homing.Phase == HomingDriving && s.homing.Axis == a
}

// Jog moves a single axis relative to its current position.
// Moving towards a limit that has tripped is refused until the
// limit switch clears.
func (s *Stage) Jog(a Axis, step float64) error {
	if !a.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownAxis, int(a))
	}
	if err := s.checkConnected(); err != nil {
		return err
	}
	if s.homingActive() {
		return ErrHomingInProgress
	}
	d := sign(step)
	if d == 0 {
		return nil
	}
	if !s.attached[a].Load() {
		return axisErr(a, ErrInitializationFailed)
	}
	s.mu.Lock()
	st := &s.limits[a]
	switch {
	case st.Faulted:
		s.mu.Unlock()
		return axisErr(a, ErrAxisFaulted)
	case s.tokens[a].Load():
		s.mu.Unlock()
		return axisErr(a, ErrAxisBusy)
	case st.Disabled == d:
		s.mu.Unlock()
		return axisErr(a, ErrDirectionDisabled)
	}
	st.Direction = d
	s.mu.Unlock()
	pos, err := s.hw.Axes[a].Position()
	if err != nil {
		return axisErr(a, err)
	}
	return s.drive(a, pos+step)
}

// ZeroAxes disengages all axes and makes the current position the
// logical origin.
func (s *Stage) ZeroAxes() error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	var errs error
	for i := 0; i < NumAxes; i++ {
		if !s.attached[i].Load() {
			continue
		}
		if err := s.hw.Axes[i].SetEngaged(false); err != nil {
			errs = multierr.Append(errs, axisErr(Axis(i), err))
		}
	}
	for i := 0; i < NumAxes; i++ {
		if !s.attached[i].Load() {
			continue
		}
		act := s.hw.Axes[i]
		p, err := act.Position()
		if err == nil {
			err = act.AddPositionOffset(-p)
		}
		if err != nil {
			errs = multierr.Append(errs, axisErr(Axis(i), err))
		}
	}
	if errs == nil {
		s.clearHomed()
		s.log.Info().Msg("Axes zeroed")
	}
	return errs
}

// ResetAxis re-initialises an axis, clearing a fault left by an
// exhausted limit recovery.
func (s *Stage) ResetAxis(a Axis) error {
	if !a.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownAxis, int(a))
	}
	if err := s.checkConnected(); err != nil {
		return err
	}
	if s.tokens[a].Load() {
		return axisErr(a, ErrAxisBusy)
	}
	s.mu.Lock()
	s.limits[a] = LimitState{}
	s.mu.Unlock()
	if err := s.initAxis(a); err != nil {
		return err
	}
	s.clearHomed()
	s.log.Info().Stringer("axis", a).Msg("Axis reset")
	return nil
}

// Position reads the current position of every axis.
func (s *Stage) Position() (Position, error) {
	var p Position
	if err := s.checkConnected(); err != nil {
		return p, err
	}
	for i := 0; i < NumAxes; i++ {
		if !s.attached[i].Load() {
			continue
		}
		v, err := s.hw.Axes[i].Position()
		if err != nil {
			return p, axisErr(Axis(i), err)
		}
		p[i] = v
	}
	return p, nil
}

// IsMoving reports which axes are moving. An axis that cannot be
// read is reported as not moving.
func (s *Stage) IsMoving() [NumAxes]bool {
	var m [NumAxes]bool
	if s.checkConnected() != nil {
		return m
	}
	for i := 0; i < NumAxes; i++ {
		if !s.attached[i].Load() {
			continue
		}
		v, err := s.hw.Axes[i].IsMoving()
		if err != nil {
			s.log.Warn().Stringer("axis", Axis(i)).Err(err).Msg("Moving check failed")
			continue
		}
		m[i] = v
	}
	return m
}

// IsEngaged reports which axes are engaged.
func (s *Stage) IsEngaged() [NumAxes]bool {
	var e [NumAxes]bool
	if s.checkConnected() != nil {
		return e
	}
	for i := 0; i < NumAxes; i++ {
		if !s.attached[i].Load() {
			continue
		}
		v, err := s.hw.Axes[i].Engaged()
		if err != nil {
			s.log.Warn().Stringer("axis", Axis(i)).Err(err).Msg("Engaged check failed")
			continue
		}
		e[i] = v
	}
	return e
}

// Limits reports which axes have a tripped limit switch.
func (s *Stage) Limits() [NumAxes]bool {
	var l [NumAxes]bool
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.limits {
		l[i] = s.limits[i].Tripped
	}
	return l
}

// DisabledDirections returns, per axis, the direction of travel that
// is disabled because its limit switch tripped (0 when none).
func (s *Stage) DisabledDirections() [NumAxes]int {
	var d [NumAxes]int
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.limits {
		d[i] = s.limits[i].Disabled
	}
	return d
}

// LimitState returns the limit bookkeeping for an axis.
func (s *Stage) LimitState(a Axis) LimitState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.limits[a]
}

// QueueLength returns the number of moves waiting in the queue.
func (s *Stage) QueueLength() int {
	return s.queue.len()
}

// Status returns a snapshot of the stage. Hardware read failures
// leave the affected values zero.
func (s *Stage) Status() Snapshot {
	snap := Snapshot{Name: s.cfg.Name, Queued: s.queue.len()}
	connected := s.checkConnected() == nil
	for i := 0; i < NumAxes; i++ {
		if !connected || !s.attached[i].Load() {
			continue
		}
		act := s.hw.Axes[i]
		if v, err := act.Position(); err == nil {
			snap.Position[i] = v
		}
		engaged, _ := act.Engaged()
		moving, _ := act.IsMoving()
		switch {
		case engaged && moving:
			snap.Axes[i] = EngagedMoving
		case engaged:
			snap.Axes[i] = EngagedIdle
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, st := range s.limits {
		snap.Limits[i] = st.Tripped
		snap.Disabled[i] = st.Disabled
		if st.Faulted {
			snap.Axes[i] = Faulted
			if st.Fault != nil {
				snap.Faults[i] = st.Fault.Error()
			}
		}
	}
	snap.Homing = s.homing
	return snap
}

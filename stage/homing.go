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

// Homing sequence

package stage

import (
	"context"
	"fmt"
	"time"
)

// HomingPhase is the step of the homing sequence.
type HomingPhase int

const (
	HomingIdle HomingPhase = iota
	HomingDriving
	HomingZeroing
	HomingComplete
)

// HomingState is the phase and, while driving, the axis being homed.
type HomingState struct {
	Phase HomingPhase
	Axis  Axis
}

func (h HomingState) String() string {
	switch h.Phase {
	case HomingIdle:
		return "idle"
	case HomingDriving:
		return fmt.Sprintf("driving(%s)", h.Axis)
	case HomingZeroing:
		return "zeroing"
	case HomingComplete:
		return "complete"
	default:
		return "unknown"
	}
}

// Active reports whether a homing run is in progress.
func (h HomingState) Active() bool {
	return h.Phase == HomingDriving || h.Phase == HomingZeroing
}

// HomingState returns the current homing state.
func (s *Stage) HomingState() HomingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.homing
}

func (s *Stage) homingActive() bool {
	return s.HomingState().Active()
}

func (s *Stage) setHoming(h HomingState) {
	s.mu.Lock()
	s.homing = h
	s.mu.Unlock()
}

// clearHomed returns a completed homing run to idle, once the origin
// no longer marks home.
func (s *Stage) clearHomed() {
	s.mu.Lock()
	if s.homing.Phase == HomingComplete {
		s.homing = HomingState{}
	}
	s.mu.Unlock()
}

func (s *Stage) cancelHoming() {
	s.mu.Lock()
	cancel := s.homingCancel
	s.mu.Unlock()
	if cancel != nil {
		s.log.Info().Msg("Homing cancelled")
		cancel()
	}
}

// Home drives each axis in turn towards its home limit, then zeroes
// the stage. An axis is home when it stops moving, or when it trips
// its limit switch and the recovery procedure has moved it back off.
// Home blocks until the sequence completes, fails or is cancelled
// by ctx, StopMotion or Close. It fails with ErrHomingInProgress
// unless homing is idle: a completed run holds until ZeroAxes or
// ResetAxis moves the origin away from home.
func (s *Stage) Home(ctx context.Context) error {
	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		return ErrNotConnected
	}
	switch s.homing.Phase {
	case HomingIdle:
	case HomingComplete:
		s.mu.Unlock()
		return fmt.Errorf("%w: already homed, zero or reset the stage first", ErrHomingInProgress)
	default:
		s.mu.Unlock()
		return ErrHomingInProgress
	}
	hctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	s.homingCancel = cancel
	s.homing = HomingState{Phase: HomingDriving, Axis: X}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()
	defer stop()
	defer cancel()

	s.log.Info().Msg("Homing stage")
	err := s.runHoming(hctx)
	s.mu.Lock()
	s.homingCancel = nil
	if err != nil {
		s.homing = HomingState{}
	} else {
		s.homing = HomingState{Phase: HomingComplete}
	}
	s.mu.Unlock()
	if err != nil {
		s.log.Error().Err(err).Msg("Homing failed")
		return err
	}
	s.log.Info().Msg("Stage homed")
	return nil
}

func (s *Stage) runHoming(ctx context.Context) error {
	if n := s.queue.drain(); n > 0 {
		s.log.Info().Msgf("Homing: discarded %d queued moves", n)
	}
	for i := 0; i < NumAxes; i++ {
		a := Axis(i)
		s.setHoming(HomingState{Phase: HomingDriving, Axis: a})
		if !s.attached[i].Load() {
			s.log.Warn().Stringer("axis", a).Msg("Homing: axis not available, skipping")
			continue
		}
		if err := s.driveHome(ctx, a); err != nil {
			return fmt.Errorf("homing axis %s: %w", a, err)
		}
	}
	s.setHoming(HomingState{Phase: HomingZeroing})
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.ZeroAxes()
}

// driveHome drives one axis towards home and waits until it gets there.
func (s *Stage) driveHome(ctx context.Context, a Axis) error {
	dir := s.cfg.HomeDirections[a]
	s.mu.Lock()
	if s.limits[a].Faulted {
		s.mu.Unlock()
		return ErrAxisFaulted
	}
	s.limits[a].Direction = dir
	s.mu.Unlock()
	// Discard notifications left over from an earlier axis.
	for drained := false; !drained; {
		select {
		case <-s.recovered:
		default:
			drained = true
		}
	}
	s.log.Info().Stringer("axis", a).Msg("Homing: driving axis to home position")
	if !s.tokens[a].Load() {
		pos, err := s.hw.Axes[a].Position()
		if err != nil {
			return err
		}
		if err := s.drive(a, pos+s.cfg.HomingDistance*float64(dir)); err != nil {
			return err
		}
	}
	ticker := time.NewTicker(s.cfg.HomingPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-s.recovered:
			if ev.axis != a {
				continue
			}
			if ev.err != nil {
				return ev.err
			}
			s.log.Info().Stringer("axis", a).Msg("Homing: axis reached limit")
			return nil
		case <-ticker.C:
			if s.tokens[a].Load() {
				continue
			}
			if st := s.LimitState(a); st.Faulted {
				return st.Fault
			}
			moving, err := s.hw.Axes[a].IsMoving()
			if err != nil {
				s.log.Warn().Stringer("axis", a).Err(err).Msg("Homing: moving check failed")
				continue
			}
			if !moving {
				s.log.Info().Stringer("axis", a).Msg("Homing: axis stopped")
				return nil
			}
		}
	}
}

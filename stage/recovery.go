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

// Limit recovery: release the brake and step the axis off the switch.

package stage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// startRecovery runs the recovery procedure for a tripped axis.
// It returns false, doing nothing, if recovery is already running
// for the axis.
func (s *Stage) startRecovery(ctx context.Context, a Axis) bool {
	if !s.tokens[a].CompareAndSwap(false, true) {
		return false
	}
	s.launchRecovery(ctx, a)
	return true
}

// launchRecovery starts the recovery goroutine. The caller must hold
// the axis recovery token.
func (s *Stage) launchRecovery(ctx context.Context, a Axis) {
	s.mu.Lock()
	if s.state != stateRunning {
		s.mu.Unlock()
		s.tokens[a].Store(false)
		return
	}
	s.limits[a].Recovering = true
	s.wg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.wg.Done()
		s.finishRecovery(ctx, a, s.recover(ctx, a))
	}()
}

// recover moves the axis back off its limit switch.
// The brake lines are shared by all axes, so the whole procedure
// runs under the brake lock.
func (s *Stage) recover(ctx context.Context, a Axis) error {
	s.mu.Lock()
	retreat := -s.limits[a].TrippedDir
	s.mu.Unlock()
	if retreat == 0 {
		retreat = -s.cfg.HomeDirections[a]
	}

	s.brakeMu.Lock()
	defer s.brakeMu.Unlock()
	s.log.Info().Stringer("axis", a).Msg("Recovery: moving axis off limit switch")
	if err := s.writeBrake(s.brakeWaveform(a)); err != nil {
		s.log.Error().Stringer("axis", a).Err(err).Msg("Recovery: brake release failed")
	}
	defer func() {
		if err := s.writeBrake(s.resetWaveform()); err != nil {
			s.log.Error().Stringer("axis", a).Err(err).Msg("Recovery: brake reset failed")
		}
	}()

	act := s.hw.Axes[a]
	sensor := s.hw.Limits[a]
	if sensor == nil {
		return fmt.Errorf("%w: no limit switch", ErrRecoveryExhausted)
	}
	if err := act.SetEngaged(false); err != nil {
		s.log.Warn().Stringer("axis", a).Err(err).Msg("Recovery: disengage failed")
	}
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tripped, err := sensor.Read()
		if err != nil {
			s.log.Warn().Stringer("axis", a).Err(err).Msg("Recovery: limit switch read failed")
			tripped = true
		}
		if !tripped {
			s.log.Info().Stringer("axis", a).Int("moves", attempt).Msg("Recovery: limit switch clear")
			return nil
		}
		if attempt >= s.cfg.MaxRecoveryAttempts {
			return fmt.Errorf("%w after %d back-off moves", ErrRecoveryExhausted, attempt)
		}
		pos, err := act.Position()
		if err != nil {
			s.log.Warn().Stringer("axis", a).Err(err).Msg("Recovery: position read failed")
		} else if err := s.drive(a, pos+s.cfg.BackoffStep*float64(retreat)); err != nil {
			s.log.Warn().Stringer("axis", a).Err(err).Msg("Recovery: back-off move failed")
		}
		if err := s.settle(ctx, a); err != nil {
			return err
		}
	}
}

// settle waits for the axis to stop moving. The wait is bounded by
// the recovery attempt limit so a stuck moving flag cannot hang recovery.
func (s *Stage) settle(ctx context.Context, a Axis) error {
	act := s.hw.Axes[a]
	for i := 0; i < s.cfg.MaxRecoveryAttempts; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.cfg.SettleInterval):
		}
		moving, err := act.IsMoving()
		if err != nil {
			s.log.Warn().Stringer("axis", a).Err(err).Msg("Recovery: moving check failed")
			continue
		}
		if !moving {
			return nil
		}
	}
	s.log.Warn().Stringer("axis", a).Msg("Recovery: axis still moving, checking limit anyway")
	return nil
}

// finishRecovery records the outcome of a recovery and releases the axis.
func (s *Stage) finishRecovery(ctx context.Context, a Axis, err error) {
	if err == nil && ctx.Err() == nil {
		if eerr := s.hw.Axes[a].SetEngaged(true); eerr != nil {
			s.log.Warn().Stringer("axis", a).Err(eerr).Msg("Recovery: re-engage failed")
		}
	}
	s.mu.Lock()
	st := &s.limits[a]
	st.Recovering = false
	switch {
	case err == nil:
		st.Tripped = false
		st.Direction = 0
	case errors.Is(err, ErrRecoveryExhausted):
		st.Faulted = true
		st.Fault = axisErr(a, err)
	}
	homing := s.homing.Phase == HomingDriving && s.homing.Axis == a
	s.mu.Unlock()

	switch {
	case err == nil:
		s.log.Info().Stringer("axis", a).Msg("Recovery complete")
	case errors.Is(err, ErrRecoveryExhausted):
		if derr := s.hw.Axes[a].SetEngaged(false); derr != nil {
			s.log.Warn().Stringer("axis", a).Err(derr).Msg("Recovery: disengage failed")
		}
		s.log.Error().Stringer("axis", a).Err(err).Msg("Recovery failed, axis faulted")
	default:
		s.log.Warn().Stringer("axis", a).Err(err).Msg("Recovery abandoned")
	}
	if homing {
		select {
		case s.recovered <- recoveryEvent{axis: a, err: err}:
		default:
		}
	}
	s.tokens[a].Store(false)
}

// brakeWaveform returns the two line waveform that releases the brake of an axis.
func (s *Stage) brakeWaveform(a Axis) [2][]float64 {
	code := s.cfg.BrakeCodes[a]
	return [2][]float64{s.level(code[0]), s.level(code[1])}
}

func (s *Stage) resetWaveform() [2][]float64 {
	return [2][]float64{s.level(false), s.level(false)}
}

func (s *Stage) level(high bool) []float64 {
	v := s.cfg.BrakeLow
	if high {
		v = s.cfg.BrakeHigh
	}
	w := make([]float64, s.cfg.BrakeSamples)
	for i := range w {
		w[i] = v
	}
	return w
}

func (s *Stage) writeBrake(w [2][]float64) error {
	var errs error
	for i, line := range s.hw.Brake {
		if line == nil {
			continue
		}
		if err := line.Write(w[i]); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("brake line %d: %w", i, err))
		}
	}
	return errs
}

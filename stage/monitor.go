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

// Limit switch monitor

package stage

import (
	"context"
	"time"
)

// monitor polls the limit switches until the context is cancelled.
// It only observes and dispatches; any motion off a limit is done
// by the recovery procedure.
func (s *Stage) monitor(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.pollLimits(ctx)
	}
}

func (s *Stage) pollLimits(ctx context.Context) {
	for i := 0; i < NumAxes; i++ {
		a := Axis(i)
		sensor := s.hw.Limits[i]
		if sensor == nil || !s.attached[i].Load() {
			continue
		}
		tripped, err := sensor.Read()
		if err != nil {
			// Try again on the next poll.
			s.log.Warn().Stringer("axis", a).Err(err).Msg("Limit switch read failed")
			continue
		}
		s.observe(ctx, a, tripped)
	}
}

// observe applies one limit switch reading to the axis state.
func (s *Stage) observe(ctx context.Context, a Axis, tripped bool) {
	s.mu.Lock()
	st := &s.limits[a]
	if !tripped {
		// Switch is clear; re-enable both directions unless
		// recovery is still working on the axis.
		if st.Disabled != 0 && !st.Faulted && !s.tokens[a].Load() {
			st.Disabled = 0
			s.mu.Unlock()
			s.log.Info().Stringer("axis", a).Msg("Limit clear, controls enabled")
			return
		}
		s.mu.Unlock()
		return
	}
	// A switch that reads tripped before the axis was ever
	// commanded to move is treated as noise.
	if st.Tripped || st.Faulted || st.Direction == 0 {
		s.mu.Unlock()
		return
	}
	st.Tripped = true
	st.TrippedDir = st.Direction
	st.Disabled = st.Direction
	dir := st.Direction
	s.mu.Unlock()

	s.log.Info().Stringer("axis", a).Int("direction", dir).Msg("Axis is at the limit switch")
	if !s.tokens[a].CompareAndSwap(false, true) {
		return
	}
	if err := s.hw.Axes[a].SetEngaged(false); err != nil {
		s.log.Error().Stringer("axis", a).Err(err).Msg("Limit: disengage failed")
	}
	s.launchRecovery(ctx, a)
}

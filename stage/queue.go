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

// Motion queue processing

package stage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
)

// motionQueue is a FIFO of pending moves, safe for concurrent use.
// Commands are never merged; a newer command for an axis waits
// behind the older ones.
type motionQueue struct {
	mu       sync.Mutex
	commands []MotionCommand
	seq      uint64
	signal   chan struct{} // Buffered, size 1
}

func newMotionQueue() *motionQueue {
	return &motionQueue{
		commands: make([]MotionCommand, 0, 16),
		signal:   make(chan struct{}, 1),
	}
}

func (q *motionQueue) push(p Position) MotionCommand {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	cmd := MotionCommand{ID: uuid.New(), Seq: q.seq, Target: p, Submitted: time.Now()}
	q.commands = append(q.commands, cmd)
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return cmd
}

func (q *motionQueue) pop() (MotionCommand, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.commands) == 0 {
		return MotionCommand{}, false
	}
	cmd := q.commands[0]
	if len(q.commands) == 1 {
		q.commands = q.commands[:0]
	} else {
		q.commands = q.commands[1:]
	}
	return cmd, true
}

// requeue puts a command back at the head of the queue.
func (q *motionQueue) requeue(cmd MotionCommand) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.commands = append(q.commands, MotionCommand{})
	copy(q.commands[1:], q.commands)
	q.commands[0] = cmd
}

// drain empties the queue and returns the number of discarded commands.
func (q *motionQueue) drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.commands)
	q.commands = q.commands[:0]
	return n
}

func (q *motionQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.commands)
}

func (q *motionQueue) wait() <-chan struct{} {
	return q.signal
}

// AppendMove queues an absolute move. It is applied once all axes are idle
// and every earlier queued move has been applied.
func (s *Stage) AppendMove(coords []float64) error {
	p, err := NewPosition(coords)
	if err != nil {
		return err
	}
	if err := s.checkConnected(); err != nil {
		return err
	}
	cmd := s.queue.push(p)
	s.log.Debug().Str("id", cmd.ID.String()).Uint64("seq", cmd.Seq).Msgf("Queued move to %s", p)
	return nil
}

// MoveTo applies an absolute move immediately, bypassing the queue.
func (s *Stage) MoveTo(coords []float64) error {
	p, err := NewPosition(coords)
	if err != nil {
		return err
	}
	if err := s.checkConnected(); err != nil {
		return err
	}
	if s.homingActive() {
		return ErrHomingInProgress
	}
	if err := s.checkAvailable(); err != nil {
		return err
	}
	return s.apply(p)
}

// StopMotion discards all queued moves, aborts any homing run and
// disengages the axes. Motion already handed to the actuator
// decelerates under its own control. Axes held by limit recovery
// are left to the recovery procedure.
func (s *Stage) StopMotion() error {
	if err := s.checkConnected(); err != nil {
		return err
	}
	if n := s.queue.drain(); n > 0 {
		s.log.Info().Msgf("Stop: discarded %d queued moves", n)
	}
	s.cancelHoming()
	var first error
	for i := 0; i < NumAxes; i++ {
		a := Axis(i)
		if s.tokens[i].Load() || !s.attached[i].Load() {
			continue
		}
		if err := s.hw.Axes[i].SetEngaged(false); err != nil {
			s.log.Error().Stringer("axis", a).Err(err).Msg("Stop: disengage failed")
			if first == nil {
				first = axisErr(a, err)
			}
		}
	}
	return first
}

// processQueue is the single consumer of the motion queue.
func (s *Stage) processQueue(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.QueueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-s.queue.wait():
		}
		s.queueStep()
	}
}

// queueStep runs one iteration of the queue processor: idle axes are
// powered down, and the next command is applied if the stage is idle.
func (s *Stage) queueStep() {
	anyMoving := false
	for i := 0; i < NumAxes; i++ {
		a := Axis(i)
		if !s.attached[i].Load() {
			continue
		}
		if s.held(a) {
			// Recovery or homing owns the axis; count it as busy.
			anyMoving = true
			continue
		}
		moving, err := s.hw.Axes[i].IsMoving()
		if err != nil {
			s.log.Warn().Stringer("axis", a).Err(err).Msg("Queue: moving check failed")
			anyMoving = true
			continue
		}
		if moving {
			anyMoving = true
			continue
		}
		engaged, err := s.hw.Axes[i].Engaged()
		if err != nil {
			s.log.Warn().Stringer("axis", a).Err(err).Msg("Queue: engaged check failed")
			continue
		}
		if engaged {
			if err := s.hw.Axes[i].SetEngaged(false); err != nil {
				s.log.Warn().Stringer("axis", a).Err(err).Msg("Queue: idle disengage failed")
			}
		}
	}
	if anyMoving || s.homingActive() {
		return
	}
	cmd, ok := s.queue.pop()
	if !ok {
		return
	}
	if err := s.checkAvailable(); err != nil {
		s.log.Error().Str("id", cmd.ID.String()).Err(err).Msgf("Queue: discarding move to %s", cmd.Target)
		return
	}
	s.log.Debug().Str("id", cmd.ID.String()).Uint64("seq", cmd.Seq).Msgf("Queue: moving to %s", cmd.Target)
	if err := s.apply(cmd.Target); err != nil {
		cmd.Attempts++
		if cmd.Attempts >= s.cfg.MaxRecoveryAttempts {
			s.log.Error().Str("id", cmd.ID.String()).Err(err).Msgf("Queue: discarding move to %s after %d attempts", cmd.Target, cmd.Attempts)
			return
		}
		s.log.Warn().Str("id", cmd.ID.String()).Err(err).Msg("Queue: move failed, will retry")
		s.queue.requeue(cmd)
	}
}

// apply moves every attached axis to its coordinate in p.
// All positions are read before any axis is written. If a write fails,
// the axes already written are returned to where they were and
// disengaged, so a command is applied to all axes or to none.
// The direction of each move is recorded for the limit monitor.
func (s *Stage) apply(p Position) error {
	var cur Position
	for i := 0; i < NumAxes; i++ {
		if !s.attached[i].Load() {
			continue
		}
		v, err := s.hw.Axes[i].Position()
		if err != nil {
			return axisErr(Axis(i), err)
		}
		cur[i] = v
	}
	s.mu.Lock()
	var prev [NumAxes]int
	for i := 0; i < NumAxes; i++ {
		prev[i] = s.limits[i].Direction
		if d := sign(p[i] - cur[i]); d != 0 && s.attached[i].Load() {
			s.limits[i].Direction = d
		}
	}
	s.mu.Unlock()
	var driven []Axis
	for i := 0; i < NumAxes; i++ {
		a := Axis(i)
		if !s.attached[i].Load() {
			continue
		}
		driven = append(driven, a)
		if err := s.drive(a, p[i]); err != nil {
			s.rollback(driven, cur, prev)
			return err
		}
	}
	return nil
}

// rollback undoes a partly applied move.
func (s *Stage) rollback(axes []Axis, cur Position, prev [NumAxes]int) {
	for _, a := range axes {
		act := s.hw.Axes[a]
		err := multierr.Append(act.SetTargetPosition(cur[a]), act.SetEngaged(false))
		if err != nil {
			s.log.Warn().Stringer("axis", a).Err(err).Msg("Rollback failed")
		}
	}
	s.mu.Lock()
	for _, a := range axes {
		s.limits[a].Direction = prev[a]
	}
	s.mu.Unlock()
}

// drive engages a single axis and sets its target.
func (s *Stage) drive(a Axis, target float64) error {
	act := s.hw.Axes[a]
	if err := act.SetEngaged(true); err != nil {
		return axisErr(a, err)
	}
	if err := act.SetTargetPosition(target); err != nil {
		return axisErr(a, err)
	}
	return nil
}

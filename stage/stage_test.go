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

package stage

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aamcrae/stage/simulator"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 3 * time.Second
	tick    = 2 * time.Millisecond
)

type rig struct {
	axes   [NumAxes]*simulator.Axis
	limits [NumAxes]*simulator.Limit
	brake  [2]*simulator.Analog
	events *simulator.EventLog
}

func newRig(speed float64, brakeDelay time.Duration) *rig {
	r := &rig{events: &simulator.EventLog{}}
	for i := 0; i < NumAxes; i++ {
		r.axes[i] = simulator.NewAxis(Axis(i).String(), speed)
		r.limits[i] = simulator.NewLimit(r.axes[i])
	}
	r.brake[0] = simulator.NewAnalog("brake0", r.events, brakeDelay)
	r.brake[1] = simulator.NewAnalog("brake1", r.events, brakeDelay)
	return r
}

func (r *rig) hardware() Hardware {
	var hw Hardware
	for i := 0; i < NumAxes; i++ {
		hw.Axes[i] = r.axes[i]
		hw.Limits[i] = r.limits[i]
	}
	hw.Brake[0] = r.brake[0]
	hw.Brake[1] = r.brake[1]
	return hw
}

func testConfig() Config {
	c := DefaultConfig()
	c.Name = "test"
	c.QueueInterval = 5 * time.Millisecond
	c.MonitorInterval = 5 * time.Millisecond
	c.SettleInterval = 2 * time.Millisecond
	c.BackoffStep = 1
	c.MaxRecoveryAttempts = 10000
	c.BrakeSamples = 4
	c.HomingDistance = 100
	c.HomingPollInterval = 20 * time.Millisecond
	return c
}

func newStage(t *testing.T, cfg Config, r *rig) *Stage {
	t.Helper()
	s, err := New(cfg, r.hardware(), zerolog.New(zerolog.NewTestWriter(t)))
	require.NoError(t, err)
	return s
}

func startStage(t *testing.T, cfg Config, r *rig) *Stage {
	t.Helper()
	s := newStage(t, cfg, r)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		assert.NoError(t, s.Close())
	})
	return s
}

func TestNewRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.BackoffStep = 0
	_, err := New(cfg, newRig(0, 0).hardware(), zerolog.Nop())
	require.Error(t, err)
}

func TestArityErrors(t *testing.T) {
	r := newRig(0, 0)
	s := newStage(t, testConfig(), r)
	defer s.Close()

	assert.ErrorIs(t, s.AppendMove([]float64{1, 2}), ErrInvalidCoordinates)
	assert.ErrorIs(t, s.MoveTo([]float64{1, 2, 3, 4}), ErrInvalidCoordinates)
	assert.ErrorIs(t, s.MoveTo(nil), ErrInvalidCoordinates)
	for _, a := range r.axes {
		assert.Zero(t, a.Calls())
	}
	assert.ErrorIs(t, s.AppendMove([]float64{1, 2, 3}), ErrNotConnected)

	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.AppendMove([]float64{1}), ErrInvalidCoordinates)
	assert.ErrorIs(t, s.MoveTo([]float64{1, 2}), ErrInvalidCoordinates)
	assert.Zero(t, s.QueueLength())
	for _, a := range r.axes {
		assert.Empty(t, a.Targets())
	}
}

func TestQueueOrder(t *testing.T) {
	r := newRig(0, 0)
	s := startStage(t, testConfig(), r)

	for i := 1; i <= 3; i++ {
		v := float64(i)
		require.NoError(t, s.AppendMove([]float64{v, 10 * v, -v}))
	}
	require.Eventually(t, func() bool {
		return len(r.axes[X].Targets()) == 3 && s.QueueLength() == 0
	}, waitFor, tick)
	assert.Equal(t, []float64{1, 2, 3}, r.axes[X].Targets())
	assert.Equal(t, []float64{10, 20, 30}, r.axes[Y].Targets())
	assert.Equal(t, []float64{-1, -2, -3}, r.axes[Z].Targets())
	p, err := s.Position()
	require.NoError(t, err)
	assert.Equal(t, Position{3, 30, -3}, p)
	// Idle axes are powered down.
	require.Eventually(t, func() bool {
		return s.IsEngaged() == [NumAxes]bool{}
	}, waitFor, tick)
}

func TestStopMotion(t *testing.T) {
	r := newRig(10, 0)
	s := startStage(t, testConfig(), r)

	require.NoError(t, s.MoveTo([]float64{50, 0, 0}))
	require.NoError(t, s.AppendMove([]float64{1, 2, 3}))
	require.NoError(t, s.AppendMove([]float64{4, 5, 6}))
	assert.True(t, s.IsMoving()[X])

	require.NoError(t, s.StopMotion())
	assert.Zero(t, s.QueueLength())
	assert.Equal(t, [NumAxes]bool{}, s.IsEngaged())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, []float64{0}, r.axes[Y].Targets())
	assert.Equal(t, []float64{0}, r.axes[Z].Targets())
	p, err := s.Position()
	require.NoError(t, err)
	assert.Less(t, p[X], 50.0)
	assert.Equal(t, 0.0, p[Y])
	assert.Equal(t, 0.0, p[Z])
}

func TestLimitTripAndRecovery(t *testing.T) {
	cfg := testConfig()
	cfg.QueueInterval = time.Hour
	r := newRig(0, 0)
	s := startStage(t, cfg, r)

	require.NoError(t, s.MoveTo([]float64{0, 5, 0}))
	assert.Equal(t, 1, s.LimitState(Y).Direction)
	r.limits[Y].Force(true)
	require.Eventually(t, func() bool {
		return s.Limits()[Y] && s.DisabledDirections()[Y] == 1
	}, waitFor, tick)
	assert.True(t, s.LimitState(Y).Recovering)
	assert.Equal(t, 1, s.LimitState(Y).TrippedDir)
	assert.ErrorIs(t, s.Jog(Y, 1), ErrAxisBusy)
	assert.ErrorIs(t, s.MoveTo([]float64{0, 0, 0}), ErrAxisBusy)

	r.limits[Y].Force(false)
	require.Eventually(t, func() bool {
		return !s.Limits()[Y] && s.IsEngaged()[Y]
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		return s.DisabledDirections()[Y] == 0
	}, waitFor, tick)
	st := s.LimitState(Y)
	assert.False(t, st.Recovering)
	assert.False(t, st.Faulted)
	assert.Zero(t, st.Direction)

	// Back-off moves are away from the tripped direction.
	p, err := s.Position()
	require.NoError(t, err)
	assert.Less(t, p[Y], 5.0)
	assert.Equal(t, 0.0, p[X])

	// Axis 1 releases the brake with line 0 high and line 1 low.
	w0 := r.brake[0].Writes()
	w1 := r.brake[1].Writes()
	require.Len(t, w0, 2)
	require.Len(t, w1, 2)
	assert.Equal(t, []float64{5, 5, 5, 5}, w0[0])
	assert.Equal(t, []float64{0, 0, 0, 0}, w1[0])
	assert.Equal(t, []float64{0, 0, 0, 0}, w0[1])
	assert.Equal(t, []float64{0, 0, 0, 0}, w1[1])
}

func TestTripWithoutMotionIgnored(t *testing.T) {
	r := newRig(0, 0)
	s := startStage(t, testConfig(), r)

	r.limits[X].Force(true)
	require.Eventually(t, func() bool {
		return r.limits[X].Reads() > 5
	}, waitFor, tick)
	assert.False(t, s.Limits()[X])
	assert.Empty(t, r.brake[0].Writes())
}

func TestRecoveryIdempotent(t *testing.T) {
	r := newRig(0, 0)
	s := startStage(t, testConfig(), r)

	r.limits[Y].Force(true)
	require.True(t, s.startRecovery(s.ctx, Y))
	assert.False(t, s.startRecovery(s.ctx, Y))
	r.limits[Y].Force(false)
	require.Eventually(t, func() bool {
		return !s.tokens[Y].Load()
	}, waitFor, tick)
	assert.Len(t, r.brake[0].Writes(), 2)
	assert.Len(t, r.brake[1].Writes(), 2)

	// The token is free again, so a new trip can recover.
	r.limits[Y].Force(true)
	require.True(t, s.startRecovery(s.ctx, Y))
	r.limits[Y].Force(false)
	require.Eventually(t, func() bool {
		return !s.tokens[Y].Load()
	}, waitFor, tick)
	assert.Len(t, r.brake[0].Writes(), 4)
}

func TestBrakeExclusive(t *testing.T) {
	r := newRig(0, 3*time.Millisecond)
	s := startStage(t, testConfig(), r)

	r.limits[X].Force(true)
	r.limits[Z].Force(true)
	require.True(t, s.startRecovery(s.ctx, X))
	require.True(t, s.startRecovery(s.ctx, Z))
	time.Sleep(30 * time.Millisecond)
	r.limits[X].Force(false)
	r.limits[Z].Force(false)
	require.Eventually(t, func() bool {
		return !s.tokens[X].Load() && !s.tokens[Z].Load()
	}, waitFor, tick)

	ev := r.events.Events()
	require.Len(t, ev, 8)
	var released []float64
	for g := 0; g < 2; g++ {
		brake := ev[g*4 : g*4+2]
		reset := ev[g*4+2 : g*4+4]
		assert.NotEqual(t, 0.0, brake[0].Samples[0]+brake[1].Samples[0])
		assert.Equal(t, 0.0, reset[0].Samples[0])
		assert.Equal(t, 0.0, reset[1].Samples[0])
		released = append(released, brake[0].Samples[0], brake[1].Samples[0])
	}
	// One release was for X (high, high) and the other for Z (low, high).
	assert.ElementsMatch(t, []float64{5, 5, 0, 5}, released)
	assert.False(t, ev[4].Start.Before(ev[3].End))
}

func TestRecoveryExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRecoveryAttempts = 3
	r := newRig(0, 0)
	s := startStage(t, cfg, r)

	require.NoError(t, s.MoveTo([]float64{0, 1, 0}))
	r.limits[Y].Force(true)
	require.Eventually(t, func() bool {
		return s.LimitState(Y).Faulted
	}, waitFor, tick)
	st := s.LimitState(Y)
	assert.ErrorIs(t, st.Fault, ErrRecoveryExhausted)
	var ae *AxisError
	require.True(t, errors.As(st.Fault, &ae))
	assert.Equal(t, Y, ae.Axis)
	require.Eventually(t, func() bool {
		return !s.tokens[Y].Load()
	}, waitFor, tick)
	assert.False(t, s.IsEngaged()[Y])
	assert.Equal(t, Faulted, s.Status().Axes[Y])
	assert.ErrorIs(t, s.MoveTo([]float64{0, 0, 0}), ErrAxisFaulted)
	assert.ErrorIs(t, s.Jog(Y, -1), ErrAxisFaulted)

	// Queued moves are discarded while an axis is faulted.
	n := len(r.axes[X].Targets())
	require.NoError(t, s.AppendMove([]float64{7, 7, 7}))
	require.Eventually(t, func() bool {
		return s.QueueLength() == 0
	}, waitFor, tick)
	assert.Len(t, r.axes[X].Targets(), n)

	r.limits[Y].Force(false)
	require.NoError(t, s.ResetAxis(Y))
	assert.Equal(t, LimitState{}, s.LimitState(Y))
	require.NoError(t, s.MoveTo([]float64{0, 0, 0}))
}

func TestJogDisabledDirection(t *testing.T) {
	cfg := testConfig()
	cfg.MonitorInterval = time.Hour
	cfg.QueueInterval = time.Hour
	r := newRig(0, 0)
	s := startStage(t, cfg, r)

	s.mu.Lock()
	s.limits[X].Disabled = 1
	s.mu.Unlock()
	assert.ErrorIs(t, s.Jog(X, 2), ErrDirectionDisabled)
	assert.Empty(t, r.axes[X].Targets())
	require.NoError(t, s.Jog(X, -2))
	assert.Equal(t, []float64{-2}, r.axes[X].Targets())
	assert.Equal(t, -1, s.LimitState(X).Direction)
	require.NoError(t, s.Jog(X, 0))
	assert.Len(t, r.axes[X].Targets(), 1)
	assert.ErrorIs(t, s.Jog(Axis(7), 1), ErrUnknownAxis)
}

func TestHome(t *testing.T) {
	r := newRig(0, 0)
	for _, a := range r.axes {
		a.SetBounds(-20, 20)
	}
	s := startStage(t, testConfig(), r)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, s.Home(ctx))
	assert.Equal(t, HomingState{Phase: HomingComplete}, s.HomingState())
	for i, a := range r.axes {
		assert.Equal(t, 1, a.Offsets(), "axis %d zeroed once", i)
	}
	assert.Equal(t, -19.0, r.axes[X].Raw())
	assert.Equal(t, -19.0, r.axes[Y].Raw())
	assert.Equal(t, 19.0, r.axes[Z].Raw())
	p, err := s.Position()
	require.NoError(t, err)
	assert.Equal(t, Position{}, p)
	assert.Equal(t, [NumAxes]bool{}, s.Limits())
	assert.Zero(t, s.QueueLength())

	// A completed run holds until the origin is moved.
	assert.ErrorIs(t, s.Home(ctx), ErrHomingInProgress)
	assert.Equal(t, HomingComplete, s.HomingState().Phase)
	require.NoError(t, s.ZeroAxes())
	assert.Equal(t, HomingIdle, s.HomingState().Phase)
	require.NoError(t, s.Home(ctx))
	assert.Equal(t, HomingComplete, s.HomingState().Phase)
	require.NoError(t, s.ResetAxis(Y))
	assert.Equal(t, HomingIdle, s.HomingState().Phase)
}

func TestHomeInProgress(t *testing.T) {
	r := newRig(1, 0)
	s := startStage(t, testConfig(), r)

	errc := make(chan error, 1)
	go func() {
		errc <- s.Home(context.Background())
	}()
	require.Eventually(t, func() bool {
		return s.HomingState() == HomingState{Phase: HomingDriving, Axis: X}
	}, waitFor, tick)
	assert.ErrorIs(t, s.Home(context.Background()), ErrHomingInProgress)
	assert.Equal(t, HomingState{Phase: HomingDriving, Axis: X}, s.HomingState())
	assert.Equal(t, "driving(x)", s.HomingState().String())

	// Direct moves would retarget the axis being homed.
	assert.ErrorIs(t, s.MoveTo([]float64{1, 1, 1}), ErrHomingInProgress)
	assert.ErrorIs(t, s.Jog(Y, 1), ErrHomingInProgress)
	assert.Empty(t, r.axes[Y].Targets())

	// The queue is held while homing.
	require.NoError(t, s.AppendMove([]float64{1, 1, 1}))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, s.QueueLength())

	require.NoError(t, s.StopMotion())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("homing not cancelled")
	}
	assert.Equal(t, HomingIdle, s.HomingState().Phase)
	assert.Zero(t, s.QueueLength())
}

func TestInitFailure(t *testing.T) {
	r := newRig(0, 0)
	r.axes[Z].FailInit(errors.New("not attached"))
	s := newStage(t, testConfig(), r)
	defer s.Close()

	err := s.Start(context.Background())
	require.ErrorIs(t, err, ErrInitializationFailed)
	var ae *AxisError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, Z, ae.Axis)

	require.NoError(t, s.MoveTo([]float64{1, 2, 3}))
	assert.Equal(t, []float64{1}, r.axes[X].Targets())
	assert.Empty(t, r.axes[Z].Targets())
	assert.ErrorIs(t, s.Jog(Z, 1), ErrInitializationFailed)
	assert.Equal(t, Disengaged, s.Status().Axes[Z])
}

func TestClose(t *testing.T) {
	r := newRig(0, 0)
	s := newStage(t, testConfig(), r)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Start(context.Background()), ErrNotConnected)
	for _, a := range r.axes {
		assert.True(t, a.Closed())
	}

	r = newRig(0, 0)
	s = newStage(t, testConfig(), r)
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.MoveTo([]float64{1, 1, 1}))
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.AppendMove([]float64{1, 2, 3}), ErrNotConnected)
	assert.ErrorIs(t, s.MoveTo([]float64{1, 2, 3}), ErrNotConnected)
	assert.ErrorIs(t, s.StopMotion(), ErrNotConnected)
	assert.ErrorIs(t, s.Home(context.Background()), ErrNotConnected)
	_, err := s.Position()
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, [NumAxes]bool{}, s.IsMoving())
}

func TestStatus(t *testing.T) {
	cfg := testConfig()
	cfg.QueueInterval = time.Hour
	r := newRig(0, 0)
	s := startStage(t, cfg, r)

	require.NoError(t, s.MoveTo([]float64{1, 2, 3}))
	snap := s.Status()
	assert.Equal(t, "test", snap.Name)
	assert.Equal(t, Position{1, 2, 3}, snap.Position)
	assert.Equal(t, [NumAxes]AxisStatus{EngagedIdle, EngagedIdle, EngagedIdle}, snap.Axes)
	assert.Equal(t, HomingIdle, snap.Homing.Phase)

	require.NoError(t, s.ZeroAxes())
	snap = s.Status()
	assert.Equal(t, Position{}, snap.Position)
	assert.Equal(t, [NumAxes]AxisStatus{}, snap.Axes)
}

var errTransient = errors.New("transient write failure")

// flakyAxis fails SetTargetPosition a set number of times.
type flakyAxis struct {
	*simulator.Axis
	failures atomic.Int32
}

func (f *flakyAxis) SetTargetPosition(p float64) error {
	if f.failures.Add(-1) >= 0 {
		return errTransient
	}
	return f.Axis.SetTargetPosition(p)
}

func startFlaky(t *testing.T, cfg Config, r *rig, failures int32) *Stage {
	t.Helper()
	y := &flakyAxis{Axis: r.axes[Y]}
	y.failures.Store(failures)
	hw := r.hardware()
	hw.Axes[Y] = y
	s, err := New(cfg, hw, zerolog.New(zerolog.NewTestWriter(t)))
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() {
		assert.NoError(t, s.Close())
	})
	return s
}

func TestQueueRetriesFailedMove(t *testing.T) {
	r := newRig(0, 0)
	s := startFlaky(t, testConfig(), r, 1)

	require.NoError(t, s.AppendMove([]float64{10, 20, 30}))
	require.Eventually(t, func() bool {
		p, err := s.Position()
		return err == nil && p == Position{10, 20, 30} && s.QueueLength() == 0
	}, waitFor, tick)
	// X was moved back before the retry, Z never saw the failed attempt.
	assert.Equal(t, []float64{10, 0, 10}, r.axes[X].Targets())
	assert.Equal(t, []float64{0, 20}, r.axes[Y].Targets())
	assert.Equal(t, []float64{30}, r.axes[Z].Targets())
}

func TestQueueDiscardsFailingMove(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRecoveryAttempts = 3
	r := newRig(0, 0)
	s := startFlaky(t, cfg, r, 1000)

	require.NoError(t, s.AppendMove([]float64{10, 20, 30}))
	require.Eventually(t, func() bool {
		return len(r.axes[X].Targets()) == 6
	}, waitFor, tick)
	time.Sleep(30 * time.Millisecond)
	assert.Zero(t, s.QueueLength())
	assert.Equal(t, []float64{10, 0, 10, 0, 10, 0}, r.axes[X].Targets())
	assert.Empty(t, r.axes[Y].Targets())
	assert.Empty(t, r.axes[Z].Targets())
	p, err := s.Position()
	require.NoError(t, err)
	assert.Equal(t, Position{}, p)
	assert.Equal(t, [NumAxes]bool{}, s.IsEngaged())
}

func TestMoveToAllOrNothing(t *testing.T) {
	cfg := testConfig()
	cfg.QueueInterval = time.Hour
	r := newRig(0, 0)
	s := startFlaky(t, cfg, r, 0)

	require.NoError(t, s.MoveTo([]float64{1, 1, 1}))
	s.hw.Axes[Y].(*flakyAxis).failures.Store(1)
	err := s.MoveTo([]float64{-4, -5, -6})
	require.ErrorIs(t, err, errTransient)
	var ae *AxisError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, Y, ae.Axis)
	p, err := s.Position()
	require.NoError(t, err)
	assert.Equal(t, Position{1, 1, 1}, p)
	// The written axes are stopped, Z was never touched.
	assert.Equal(t, [NumAxes]bool{false, false, true}, s.IsEngaged())
	assert.Equal(t, []float64{1}, r.axes[Z].Targets())
	assert.Equal(t, 1, s.LimitState(X).Direction)

	require.NoError(t, s.MoveTo([]float64{-4, -5, -6}))
	p, err = s.Position()
	require.NoError(t, err)
	assert.Equal(t, Position{-4, -5, -6}, p)
	assert.Equal(t, -1, s.LimitState(X).Direction)
}

func TestLoopsSurviveReadErrors(t *testing.T) {
	r := newRig(0, 0)
	s := startStage(t, testConfig(), r)

	// A failing limit switch is retried on the next poll.
	r.limits[Y].Fail(errors.New("bus error"))
	n := r.limits[Y].Reads()
	require.Eventually(t, func() bool {
		return r.limits[Y].Reads() > n+3
	}, waitFor, tick)
	r.limits[Y].Fail(nil)
	require.NoError(t, s.MoveTo([]float64{0, 5, 0}))
	r.limits[Y].Force(true)
	require.Eventually(t, func() bool {
		return s.Limits()[Y] && s.LimitState(Y).Recovering
	}, waitFor, tick)
	r.limits[Y].Force(false)
	require.Eventually(t, func() bool {
		return !s.Limits()[Y] && !s.LimitState(Y).Recovering
	}, waitFor, tick)
	assert.Len(t, r.brake[0].Writes(), 2)

	// A failing moving check holds the queue until the axis answers.
	require.Eventually(t, func() bool {
		return s.IsEngaged() == [NumAxes]bool{}
	}, waitFor, tick)
	r.axes[X].Fail(errors.New("no response"))
	require.NoError(t, s.AppendMove([]float64{1, 1, 1}))
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, s.QueueLength())
	r.axes[X].Fail(nil)
	require.Eventually(t, func() bool {
		p, err := s.Position()
		return err == nil && p == Position{1, 1, 1}
	}, waitFor, tick)
	assert.Zero(t, s.QueueLength())
}

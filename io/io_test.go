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

package io

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePin struct {
	mu     sync.Mutex
	value  int
	sets   []int
	err    error
	closed bool
}

func (p *fakePin) Set(v int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.value = v
	p.sets = append(p.sets, v)
	return nil
}

func (p *fakePin) Get() (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.err
}

func (p *fakePin) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePin) get() int {
	v, _ := p.Get()
	return v
}

func newTestStepper() (*Stepper, [4]*fakePin) {
	var pins [4]*fakePin
	for i := range pins {
		pins[i] = &fakePin{}
	}
	// 60 * 1000 RPM on 1000 steps per revolution is 1ms per step.
	return NewStepper(1000, pins[0], pins[1], pins[2], pins[3]), pins
}

func TestStepperSteps(t *testing.T) {
	s, pins := newTestStepper()
	defer s.Close()

	s.Step(60, 5)
	s.Step(60, -2)
	s.Wait()
	assert.Equal(t, int64(3), s.GetStep())
	assert.False(t, s.Busy())
	assert.True(t, s.Powered())
	want := sequence[3]
	for i, p := range pins {
		assert.Equal(t, want[i], p.get())
	}
	s.Off()
	assert.False(t, s.Powered())
	for _, p := range pins {
		assert.Equal(t, 0, p.get())
	}
	require.NoError(t, s.Err())
}

func TestStepperStop(t *testing.T) {
	s, _ := newTestStepper()
	defer s.Close()

	s.Step(1, 1000)
	require.Eventually(t, func() bool { return s.GetStep() > 0 }, time.Second, time.Millisecond)
	assert.True(t, s.Busy())
	s.Stop()
	assert.False(t, s.Busy())
	assert.Less(t, s.GetStep(), int64(1000))
}

func TestStepperError(t *testing.T) {
	s, pins := newTestStepper()
	defer s.Close()
	pins[2].err = errors.New("gpio fault")
	s.Step(60, 1)
	s.Wait()
	assert.EqualError(t, s.Err(), "gpio fault")
	assert.NoError(t, s.Err())
	pins[2].err = nil
}

func TestAxis(t *testing.T) {
	s, _ := newTestStepper()
	a := NewAxis("x", s, 60)
	require.NoError(t, a.Init())

	assert.Error(t, a.SetTargetPosition(10))
	require.NoError(t, a.SetEngaged(true))
	on, err := a.Engaged()
	require.NoError(t, err)
	assert.True(t, on)
	require.NoError(t, a.SetTargetPosition(10))
	require.Eventually(t, func() bool {
		m, _ := a.IsMoving()
		return !m
	}, time.Second, time.Millisecond)
	p, err := a.Position()
	require.NoError(t, err)
	assert.Equal(t, 10.0, p)

	require.NoError(t, a.AddPositionOffset(-p))
	p, _ = a.Position()
	assert.Equal(t, 0.0, p)
	require.NoError(t, a.SetTargetPosition(-4))
	s.Wait()
	p, _ = a.Position()
	assert.Equal(t, -4.0, p)
	assert.Equal(t, int64(6), s.GetStep())

	require.NoError(t, a.SetEngaged(false))
	on, _ = a.Engaged()
	assert.False(t, on)
	require.NoError(t, a.Close())
}

func TestAxisInit(t *testing.T) {
	s, _ := newTestStepper()
	defer s.Close()
	assert.Error(t, NewAxis("x", s, 0).Init())
	a := NewAxis("y", s, 60)
	a.SetCheck(func() error { return errors.New("driver missing") })
	assert.EqualError(t, a.Init(), "y: driver missing")
}

// filePin is a pin whose value file is a plain file.
func filePin(t *testing.T, n int, value string) *Gpio {
	t.Helper()
	f := filepath.Join(t.TempDir(), "value")
	require.NoError(t, os.WriteFile(f, []byte(value), 0600))
	v, err := os.OpenFile(f, os.O_RDWR, 0600)
	require.NoError(t, err)
	return &Gpio{number: n, value: v, buf: make([]byte, 1), direction: OUT}
}

func TestDriverCheck(t *testing.T) {
	a, b := filePin(t, 4, "1"), filePin(t, 17, "0")
	defer a.value.Close()
	check := DriverCheck(a, b)
	require.NoError(t, check())

	s, _ := newTestStepper()
	defer s.Close()
	ax := NewAxis("x", s, 60)
	ax.SetCheck(check)
	require.NoError(t, ax.Init())

	require.NoError(t, b.Set(1))
	v, err := b.Get()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	b.value.Close()
	err = ax.Init()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "x: driver pin gpio17")
}

func TestLimitSwitch(t *testing.T) {
	pin := &fakePin{}
	l := NewLimitSwitch(pin, false)
	v, err := l.Read()
	require.NoError(t, err)
	assert.False(t, v)
	pin.value = 1
	v, _ = l.Read()
	assert.True(t, v)

	low := NewLimitSwitch(pin, true)
	v, _ = low.Read()
	assert.False(t, v)
	pin.err = errors.New("read failed")
	_, err = low.Read()
	assert.Error(t, err)
	require.NoError(t, l.Close())
	assert.True(t, pin.closed)
}

type fakePWM struct {
	duties []int
	closed bool
}

func (p *fakePWM) Set(period time.Duration, duty int) error {
	p.duties = append(p.duties, duty)
	return nil
}

func (p *fakePWM) Close() error {
	p.closed = true
	return nil
}

func TestAnalogLine(t *testing.T) {
	pwm := &fakePWM{}
	a := NewAnalogLine(pwm, 5, time.Millisecond, time.Microsecond)
	require.NoError(t, a.Write([]float64{5, 5, 5, 0, 0, 2.5}))
	assert.Equal(t, []int{100, 0, 50}, pwm.duties)
	assert.Error(t, a.Write([]float64{6}))
	require.NoError(t, a.Close())
	assert.True(t, pwm.closed)
	assert.Equal(t, 0, pwm.duties[len(pwm.duties)-1])
}

func TestSolenoid(t *testing.T) {
	out, in := &fakePin{}, &fakePin{}
	s := NewSolenoid(out, in, 0)
	require.NoError(t, s.Extend())
	assert.Equal(t, 1, out.get())
	assert.Equal(t, 0, in.get())
	require.NoError(t, s.Retract())
	assert.Equal(t, 0, out.get())
	assert.Equal(t, 1, in.get())

	pulsed := NewSolenoid(out, in, time.Millisecond)
	require.NoError(t, pulsed.Extend())
	assert.Equal(t, 0, out.get())
	assert.Equal(t, []int{1, 0}, out.sets[len(out.sets)-2:])

	require.NoError(t, s.Close())
	assert.True(t, out.closed)
	assert.True(t, in.closed)
}

func TestSwPwm(t *testing.T) {
	pin := &fakePin{}
	p := NewSwPWM(pin)
	assert.Error(t, p.Set(time.Millisecond, 101))
	require.NoError(t, p.Set(time.Millisecond, 50))
	require.Eventually(t, func() bool {
		pin.mu.Lock()
		defer pin.mu.Unlock()
		for _, v := range pin.sets {
			if v == 1 {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)
	require.NoError(t, p.Close())
	assert.Equal(t, 0, pin.get())
}

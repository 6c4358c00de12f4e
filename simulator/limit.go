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

package simulator

import (
	"sync"
)

// Limit is a limit switch that trips when its axis sits on a hard stop,
// or when forced.
type Limit struct {
	axis *Axis

	mu     sync.Mutex
	forced bool
	fail   error
	reads  int
	closed bool
}

// NewLimit creates a limit switch for the axis. The axis may be nil,
// in which case the switch only trips when forced.
func NewLimit(axis *Axis) *Limit {
	return &Limit{axis: axis}
}

// Force trips (or releases) the switch regardless of the axis position.
func (l *Limit) Force(on bool) {
	l.mu.Lock()
	l.forced = on
	l.mu.Unlock()
}

// Fail makes Read return err. A nil err clears the failure.
func (l *Limit) Fail(err error) {
	l.mu.Lock()
	l.fail = err
	l.mu.Unlock()
}

// Read returns true if the switch is tripped.
func (l *Limit) Read() (bool, error) {
	l.mu.Lock()
	l.reads++
	forced, fail, closed := l.forced, l.fail, l.closed
	l.mu.Unlock()
	if closed {
		return false, ErrClosed
	}
	if fail != nil {
		return false, fail
	}
	if forced {
		return true, nil
	}
	return l.axis != nil && l.axis.AtBound() != 0, nil
}

// Reads returns the number of times the switch has been read.
func (l *Limit) Reads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reads
}

// Close marks the switch closed.
func (l *Limit) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	return nil
}

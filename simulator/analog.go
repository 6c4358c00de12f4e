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
	"time"
)

// Event is one waveform write seen by an analog line.
type Event struct {
	Line    string
	Samples []float64
	Start   time.Time
	End     time.Time
}

// EventLog collects writes from several analog lines in the order they completed.
type EventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *EventLog) add(e Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

// Events returns a copy of the logged writes.
func (l *EventLog) Events() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}

// Analog is an analog output line that records the waveforms written to it.
// Each write takes Delay to complete, as a hardware write blocks until
// the samples have been clocked out.
type Analog struct {
	name  string
	log   *EventLog
	delay time.Duration

	mu     sync.Mutex
	writes [][]float64
	fail   error
	closed bool
}

// NewAnalog creates an analog line. log may be nil.
func NewAnalog(name string, log *EventLog, delay time.Duration) *Analog {
	return &Analog{name: name, log: log, delay: delay}
}

// Fail makes Write return err. A nil err clears the failure.
func (a *Analog) Fail(err error) {
	a.mu.Lock()
	a.fail = err
	a.mu.Unlock()
}

// Write outputs the samples.
func (a *Analog) Write(samples []float64) error {
	a.mu.Lock()
	fail, closed := a.fail, a.closed
	a.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if fail != nil {
		return fail
	}
	start := time.Now()
	if a.delay > 0 {
		time.Sleep(a.delay)
	}
	s := append([]float64(nil), samples...)
	a.mu.Lock()
	a.writes = append(a.writes, s)
	a.mu.Unlock()
	if a.log != nil {
		a.log.add(Event{Line: a.name, Samples: s, Start: start, End: time.Now()})
	}
	return nil
}

// Writes returns the waveforms written, in order.
func (a *Analog) Writes() [][]float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([][]float64(nil), a.writes...)
}

// Close marks the line closed.
func (a *Analog) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	return nil
}

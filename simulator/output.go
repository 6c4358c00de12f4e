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
	"fmt"
	"sync"
)

// Output is a digital output that records the values set.
type Output struct {
	name string

	mu     sync.Mutex
	values []int
	closed bool
}

// NewOutput creates a digital output.
func NewOutput(name string) *Output {
	return &Output{name: name}
}

// Set sets the output to 0 or 1.
func (o *Output) Set(v int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return ErrClosed
	}
	if v != 0 && v != 1 {
		return fmt.Errorf("%s: illegal value %d", o.name, v)
	}
	o.values = append(o.values, v)
	return nil
}

// Value returns the current output value.
func (o *Output) Value() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.values) == 0 {
		return 0
	}
	return o.values[len(o.values)-1]
}

// Values returns every value set, in order.
func (o *Output) Values() []int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]int(nil), o.values...)
}

// Close marks the output closed.
func (o *Output) Close() error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	return nil
}

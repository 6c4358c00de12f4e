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
	"errors"
	"fmt"
)

var (
	ErrInvalidCoordinates   = errors.New("stage: invalid coordinates")
	ErrNotConnected         = errors.New("stage: not connected")
	ErrInitializationFailed = errors.New("stage: initialization failed")
	ErrRecoveryExhausted    = errors.New("stage: limit recovery exhausted")
	ErrHomingInProgress     = errors.New("stage: homing in progress")
	ErrAxisFaulted          = errors.New("stage: axis faulted")
	ErrAxisBusy             = errors.New("stage: axis held by limit recovery")
	ErrDirectionDisabled    = errors.New("stage: direction disabled by limit")
	ErrUnknownAxis          = errors.New("stage: unknown axis")
)

// AxisError associates an error with the axis it occurred on.
type AxisError struct {
	Axis Axis
	Err  error
}

func (e *AxisError) Error() string {
	return fmt.Sprintf("axis %s: %v", e.Axis, e.Err)
}

func (e *AxisError) Unwrap() error {
	return e.Err
}

func axisErr(a Axis, err error) error {
	return &AxisError{Axis: a, Err: err}
}

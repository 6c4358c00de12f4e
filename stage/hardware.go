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

// Hardware capabilities consumed by the stage.

package stage

// Actuator is a positioning motor that accepts an absolute target
// and reports whether it is still moving towards it.
type Actuator interface {
	Position() (float64, error)
	SetTargetPosition(float64) error
	SetEngaged(bool) error
	IsMoving() (bool, error)
	Engaged() (bool, error)
	// AddPositionOffset shifts the logical position by the offset,
	// used when zeroing the axes.
	AddPositionOffset(float64) error
}

// Initializer is implemented by actuators that need to attach
// to the hardware before use.
type Initializer interface {
	Init() error
}

// LimitSensor reads a limit switch; true means the switch is tripped.
type LimitSensor interface {
	Read() (bool, error)
}

// AnalogOutput writes a voltage waveform to an output line.
type AnalogOutput interface {
	Write(samples []float64) error
}

// Hardware is the set of handles owned by a Stage.
// Handles implementing io.Closer are closed when the stage is closed.
type Hardware struct {
	Axes   [NumAxes]Actuator
	Limits [NumAxes]LimitSensor
	Brake  [2]AnalogOutput
}

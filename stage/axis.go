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

// Axes, positions and per-axis state.

package stage

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Axis identifies one of the three linear motion channels.
type Axis int

const (
	X Axis = iota
	Y
	Z
)

// NumAxes is the number of axes on the stage.
const NumAxes = 3

var axisNames = [NumAxes]string{"x", "y", "z"}

func (a Axis) String() string {
	if a < 0 || int(a) >= NumAxes {
		return fmt.Sprintf("axis(%d)", int(a))
	}
	return axisNames[a]
}

// Valid reports whether a names a real axis.
func (a Axis) Valid() bool {
	return a >= 0 && int(a) < NumAxes
}

// ParseAxis converts "x", "y" or "z" (any case) to an Axis.
func ParseAxis(s string) (Axis, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range axisNames {
		if n == s {
			return Axis(i), nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownAxis, s)
}

// Position holds one coordinate per axis, in actuator-native steps.
type Position [NumAxes]float64

// NewPosition converts caller supplied coordinates, which must
// have exactly one value per axis.
func NewPosition(coords []float64) (Position, error) {
	var p Position
	if len(coords) != NumAxes {
		return p, fmt.Errorf("%w: expected %d coordinates, got %d", ErrInvalidCoordinates, NumAxes, len(coords))
	}
	copy(p[:], coords)
	return p, nil
}

// Slice returns the coordinates as a slice.
func (p Position) Slice() []float64 {
	return []float64{p[0], p[1], p[2]}
}

func (p Position) String() string {
	return fmt.Sprintf("(%g, %g, %g)", p[0], p[1], p[2])
}

// AxisStatus is the engagement/motion state of an axis.
type AxisStatus int

const (
	Disengaged AxisStatus = iota
	EngagedIdle
	EngagedMoving
	Faulted
)

func (s AxisStatus) String() string {
	switch s {
	case Disengaged:
		return "disengaged"
	case EngagedIdle:
		return "engaged"
	case EngagedMoving:
		return "moving"
	case Faulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// LimitState is the consolidated limit bookkeeping for one axis.
type LimitState struct {
	Tripped    bool // Limit switch seen as tripped and not yet recovered.
	Direction  int  // Sign of the most recently commanded motion.
	TrippedDir int  // Direction of travel when the limit tripped.
	Disabled   int  // Direction the caller must not move in, 0 if none.
	Recovering bool
	Faulted    bool
	Fault      error
}

// MotionCommand is a queued absolute move.
type MotionCommand struct {
	ID        uuid.UUID
	Seq       uint64
	Target    Position
	Submitted time.Time
	Attempts  int // Failed applications so far
}

// sign returns -1, 0 or 1.
func sign(v float64) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	default:
		return 0
	}
}

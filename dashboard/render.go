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

// Stage image rendering

package dashboard

import (
	"fmt"

	"github.com/aamcrae/stage/stage"
	"github.com/fogleman/gg"
)

const (
	Width  = 480
	Height = 360

	margin = 30
	plot   = Height - 2*margin // Side of the XY plot
	barX   = margin*2 + plot   // Left edge of the Z bar
	barW   = 40
)

// Travel is the range of each axis shown in the image.
type Travel [stage.NumAxes][2]float64

// DefaultTravel shows +/-10000 steps on each axis.
var DefaultTravel = Travel{{-10000, 10000}, {-10000, 10000}, {-10000, 10000}}

// scale maps v in the axis travel to 0..1, clamped.
func (t Travel) scale(a stage.Axis, v float64) float64 {
	lo, hi := t[a][0], t[a][1]
	if hi <= lo {
		return 0.5
	}
	f := (v - lo) / (hi - lo)
	switch {
	case f < 0:
		return 0
	case f > 1:
		return 1
	}
	return f
}

// Render draws the stage: the XY travel with the current position,
// a bar for Z, and any tripped limits in red.
func Render(s stage.Snapshot, t Travel) *gg.Context {
	c := gg.NewContext(Width, Height)
	c.SetRGB(1, 1, 1)
	c.Clear()

	// XY travel.
	c.SetLineWidth(2)
	edge(c, s, stage.X)
	c.DrawRectangle(margin, margin, plot, plot)
	c.Stroke()
	x := margin + t.scale(stage.X, s.Position[stage.X])*plot
	y := margin + (1-t.scale(stage.Y, s.Position[stage.Y]))*plot
	axisColour(c, s, stage.X)
	c.DrawCircle(x, y, 6)
	c.Fill()

	// Z bar.
	edge(c, s, stage.Z)
	c.DrawRectangle(barX, margin, barW, plot)
	c.Stroke()
	z := (1 - t.scale(stage.Z, s.Position[stage.Z])) * plot
	axisColour(c, s, stage.Z)
	c.DrawRectangle(barX, margin+z, barW, plot-z)
	c.Fill()

	c.SetRGB(0, 0, 0)
	c.DrawString(fmt.Sprintf("%s %s", s.Name, s.Position), margin, margin-10)
	c.DrawString(fmt.Sprintf("homing: %s  queued: %d", s.Homing, s.Queued), margin, Height-10)
	return c
}

// edge sets the outline colour for the axis: red if its limit has tripped.
func edge(c *gg.Context, s stage.Snapshot, a stage.Axis) {
	tripped := s.Limits[a]
	if a == stage.X {
		tripped = tripped || s.Limits[stage.Y]
	}
	if tripped {
		c.SetRGB(1, 0, 0)
	} else {
		c.SetRGB(0.2, 0.2, 0.2)
	}
}

// axisColour sets the fill colour from the axis status.
func axisColour(c *gg.Context, s stage.Snapshot, a stage.Axis) {
	switch s.Axes[a] {
	case stage.Faulted:
		c.SetRGB(1, 0, 0)
	case stage.EngagedMoving:
		c.SetRGB(0, 0.6, 0)
	case stage.EngagedIdle:
		c.SetRGB(0, 0, 1)
	default:
		c.SetRGB(0.5, 0.5, 0.5)
	}
}

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

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/aamcrae/stage/stage"
)

// formatStatus writes a stage snapshot as a table.
func formatStatus(w io.Writer, s stage.Snapshot) {
	fmt.Fprintf(w, "stage %s  homing %s  queued %d\n", s.Name, s.Homing, s.Queued)
	row(w, "%-4s %12s  %-10s %-7s %-8s %s", "axis", "position", "status", "limit", "disabled", "fault")
	for i := 0; i < stage.NumAxes; i++ {
		limit := "clear"
		if s.Limits[i] {
			limit = "tripped"
		}
		var disabled string
		switch s.Disabled[i] {
		case 1:
			disabled = "+"
		case -1:
			disabled = "-"
		default:
			disabled = "none"
		}
		row(w, "%-4s %12.1f  %-10s %-7s %-8s %s", stage.Axis(i), s.Position[i], s.Axes[i], limit, disabled, s.Faults[i])
	}
}

func row(w io.Writer, format string, a ...interface{}) {
	fmt.Fprintln(w, strings.TrimRight(fmt.Sprintf(format, a...), " "))
}

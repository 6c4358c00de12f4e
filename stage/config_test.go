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
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type section map[string]string

func (s section) GetArg(key string) (string, error) {
	v, ok := s[key]
	if !ok {
		return "", fmt.Errorf("%s: not found", key)
	}
	return v, nil
}

func TestDefaultConfigValid(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())
}

func TestFromSection(t *testing.T) {
	c, err := FromSection(section{
		"queue-interval":    "50ms",
		"monitor-interval":  "20ms",
		"settle-interval":   "10ms",
		"homing-poll":       "2s",
		"backoff-step":      "2.5",
		"homing-distance":   "500",
		"recovery-attempts": "8",
		"brake-samples":     "100",
		"brake-voltage":     "0.5,4.5",
		"brake-codes":       "01, 11, 10",
		"home-directions":   "1,-1,-1",
	})
	require.NoError(t, err)
	assert.Equal(t, 50*time.Millisecond, c.QueueInterval)
	assert.Equal(t, 20*time.Millisecond, c.MonitorInterval)
	assert.Equal(t, 10*time.Millisecond, c.SettleInterval)
	assert.Equal(t, 2*time.Second, c.HomingPollInterval)
	assert.Equal(t, 2.5, c.BackoffStep)
	assert.Equal(t, 500.0, c.HomingDistance)
	assert.Equal(t, 8, c.MaxRecoveryAttempts)
	assert.Equal(t, 100, c.BrakeSamples)
	assert.Equal(t, 0.5, c.BrakeLow)
	assert.Equal(t, 4.5, c.BrakeHigh)
	assert.Equal(t, [NumAxes][2]bool{{false, true}, {true, true}, {true, false}}, c.BrakeCodes)
	assert.Equal(t, [NumAxes]int{1, -1, -1}, c.HomeDirections)
}

func TestFromSectionDefaults(t *testing.T) {
	c, err := FromSection(section{"backoff-step": " "})
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), c)
}

func TestFromSectionErrors(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"queue-interval", "soon"},
		{"monitor-interval", "0s"},
		{"backoff-step", "x"},
		{"backoff-step", "-1"},
		{"recovery-attempts", "0"},
		{"brake-samples", "1.5"},
		{"brake-voltage", "5"},
		{"brake-codes", "11,10"},
		{"brake-codes", "11,12,01"},
		{"home-directions", "1,1"},
		{"home-directions", "1,2,1"},
	}
	for _, tc := range tests {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			_, err := FromSection(section{tc.key: tc.value})
			assert.Error(t, err)
		})
	}
}

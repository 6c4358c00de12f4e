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

// Stage configuration

package stage

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aamcrae/config"
)

// Config holds the tunables of the stage controller.
// The recovery and brake values are empirically tuned for a rig.
type Config struct {
	Name                string
	QueueInterval       time.Duration    // Motion queue poll interval
	MonitorInterval     time.Duration    // Limit switch poll interval
	SettleInterval      time.Duration    // Moving check interval during recovery
	BackoffStep         float64          // Steps per recovery back-off move
	MaxRecoveryAttempts int              // Back-off moves before the axis is faulted
	BrakeSamples        int              // Samples per brake waveform
	BrakeLow            float64          // Brake line low voltage
	BrakeHigh           float64          // Brake line high voltage
	BrakeCodes          [NumAxes][2]bool // Per axis brake line levels (true = high)
	HomingDistance      float64          // Distance driven towards home
	HomeDirections      [NumAxes]int     // Direction of home for each axis
	HomingPollInterval  time.Duration
}

// DefaultConfig returns the reference rig configuration.
func DefaultConfig() Config {
	return Config{
		Name:                "stage",
		QueueInterval:       100 * time.Millisecond,
		MonitorInterval:     100 * time.Millisecond,
		SettleInterval:      100 * time.Millisecond,
		BackoffStep:         5,
		MaxRecoveryAttempts: 50,
		BrakeSamples:        1000,
		BrakeLow:            0,
		BrakeHigh:           5,
		BrakeCodes:          [NumAxes][2]bool{{true, true}, {true, false}, {false, true}},
		HomingDistance:      10000,
		HomeDirections:      [NumAxes]int{-1, -1, 1},
		HomingPollInterval:  time.Second,
	}
}

// Validate checks the configuration for unusable values.
func (c Config) Validate() error {
	switch {
	case c.QueueInterval <= 0:
		return fmt.Errorf("queue-interval must be positive")
	case c.MonitorInterval <= 0:
		return fmt.Errorf("monitor-interval must be positive")
	case c.SettleInterval <= 0:
		return fmt.Errorf("settle-interval must be positive")
	case c.HomingPollInterval <= 0:
		return fmt.Errorf("homing-poll must be positive")
	case c.BackoffStep <= 0:
		return fmt.Errorf("backoff-step must be positive")
	case c.MaxRecoveryAttempts < 1:
		return fmt.Errorf("recovery-attempts must be at least 1")
	case c.BrakeSamples < 1:
		return fmt.Errorf("brake-samples must be at least 1")
	case c.HomingDistance <= 0:
		return fmt.Errorf("homing-distance must be positive")
	}
	for i, d := range c.HomeDirections {
		if d != 1 && d != -1 {
			return fmt.Errorf("home direction for axis %s must be 1 or -1", Axis(i))
		}
	}
	return nil
}

// Section is the part of a config section used to read the stage settings.
type Section interface {
	GetArg(string) (string, error)
}

// ReadConfig reads the named section of a parsed config file.
// Keys that are not present keep their default values.
func ReadConfig(conf *config.Config, name string) (Config, error) {
	s := conf.GetSection(name)
	if s == nil {
		return Config{}, fmt.Errorf("no config for %s", name)
	}
	c, err := FromSection(s)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %v", name, err)
	}
	c.Name = name
	return c, nil
}

// FromSection applies the settings found in s to the default configuration.
func FromSection(s Section) (Config, error) {
	c := DefaultConfig()
	durations := []struct {
		key string
		d   *time.Duration
	}{
		{"queue-interval", &c.QueueInterval},
		{"monitor-interval", &c.MonitorInterval},
		{"settle-interval", &c.SettleInterval},
		{"homing-poll", &c.HomingPollInterval},
	}
	for _, e := range durations {
		if v, ok := arg(s, e.key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return c, fmt.Errorf("%s: %v", e.key, err)
			}
			*e.d = d
		}
	}
	floats := []struct {
		key string
		f   *float64
	}{
		{"backoff-step", &c.BackoffStep},
		{"homing-distance", &c.HomingDistance},
	}
	for _, e := range floats {
		if v, ok := arg(s, e.key); ok {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return c, fmt.Errorf("%s: %v", e.key, err)
			}
			*e.f = f
		}
	}
	ints := []struct {
		key string
		i   *int
	}{
		{"recovery-attempts", &c.MaxRecoveryAttempts},
		{"brake-samples", &c.BrakeSamples},
	}
	for _, e := range ints {
		if v, ok := arg(s, e.key); ok {
			i, err := strconv.Atoi(v)
			if err != nil {
				return c, fmt.Errorf("%s: %v", e.key, err)
			}
			*e.i = i
		}
	}
	if v, ok := arg(s, "brake-voltage"); ok {
		n, err := fmt.Sscanf(v, "%g,%g", &c.BrakeLow, &c.BrakeHigh)
		if err != nil || n != 2 {
			return c, fmt.Errorf("brake-voltage: expected low,high")
		}
	}
	if v, ok := arg(s, "brake-codes"); ok {
		codes := strings.Split(v, ",")
		if len(codes) != NumAxes {
			return c, fmt.Errorf("brake-codes: expected %d codes", NumAxes)
		}
		for i, code := range codes {
			code = strings.TrimSpace(code)
			if len(code) != 2 || strings.Trim(code, "01") != "" {
				return c, fmt.Errorf("brake-codes: %q is not a two line code", code)
			}
			c.BrakeCodes[i] = [2]bool{code[0] == '1', code[1] == '1'}
		}
	}
	if v, ok := arg(s, "home-directions"); ok {
		n, err := fmt.Sscanf(v, "%d,%d,%d", &c.HomeDirections[0], &c.HomeDirections[1], &c.HomeDirections[2])
		if err != nil || n != NumAxes {
			return c, fmt.Errorf("home-directions: expected %d directions", NumAxes)
		}
	}
	return c, c.Validate()
}

func arg(s Section, key string) (string, bool) {
	v, err := s.GetArg(key)
	if err != nil {
		return "", false
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

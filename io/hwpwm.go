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

// sysfs hardware PWM

package io

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/multierr"
)

const (
	pwmBaseDir      = "/sys/class/pwm/pwmchip0/"
	pwmExportFile   = pwmBaseDir + "export"
	pwmUnexportFile = pwmBaseDir + "unexport"
)

// HwPwm is a PWM output on a sysfs pwmchip unit.
type HwPwm struct {
	unit   int
	base   string
	pFile  *os.File
	dFile  *os.File
	period int64
	duty   int64
}

// NewHwPWM creates a new hardware PWM controller.
func NewHwPWM(unit int) (*HwPwm, error) {
	p := &HwPwm{unit: unit, period: -1, duty: -1}
	p.base = fmt.Sprintf("%spwm%d/", pwmBaseDir, unit)
	err := export(p.base+"period", pwmExportFile, unit)
	if err != nil {
		return nil, fmt.Errorf("pwm%d: %w", unit, err)
	}
	p.pFile, err = os.OpenFile(p.base+"period", os.O_RDWR, 0600)
	if err == nil {
		err = verifyFile(p.base + "duty_cycle")
	}
	if err == nil {
		p.dFile, err = os.OpenFile(p.base+"duty_cycle", os.O_RDWR, 0600)
	}
	if err == nil {
		// Default settings
		err = p.Set(time.Millisecond*100, 0)
	}
	if err == nil {
		err = writeFile(p.base+"enable", "1")
	}
	if err != nil {
		p.release()
		return nil, fmt.Errorf("pwm%d: %w", unit, err)
	}
	return p, nil
}

func (p *HwPwm) release() error {
	var err error
	if p.pFile != nil {
		err = multierr.Append(err, p.pFile.Close())
	}
	if p.dFile != nil {
		err = multierr.Append(err, p.dFile.Close())
	}
	return multierr.Append(err, unexport(pwmUnexportFile, p.unit))
}

// Close disables and releases the PWM controller
func (p *HwPwm) Close() error {
	err := writeFile(p.base+"enable", "0")
	return multierr.Append(err, p.release())
}

// Set sets the PWM period and the duty cycle as a percentage.
func (p *HwPwm) Set(period time.Duration, duty int) error {
	if duty < 0 || duty > 100 {
		return fmt.Errorf("%d: invalid duty cycle percentage", duty)
	}
	pNano := period.Nanoseconds()
	if pNano < 15 {
		return fmt.Errorf("invalid period")
	}
	dNano := pNano * int64(duty) / 100
	// The duty cycle must never exceed the current period,
	// so the order of writes depends on the change.
	if dNano > p.period {
		if err := p.write(p.pFile, pNano); err != nil {
			return err
		}
		if err := p.write(p.dFile, dNano); err != nil {
			return err
		}
	} else {
		if dNano != p.duty {
			if err := p.write(p.dFile, dNano); err != nil {
				return err
			}
		}
		if pNano != p.period {
			if err := p.write(p.pFile, pNano); err != nil {
				return err
			}
		}
	}
	p.period = pNano
	p.duty = dNano
	return nil
}

func (p *HwPwm) write(f *os.File, v int64) error {
	_, err := f.WriteAt([]byte(fmt.Sprintf("%d", v)), 0)
	return err
}

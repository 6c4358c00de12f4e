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

// sysfs GPIO pins

package io

import (
	"fmt"
	"os"

	"go.uber.org/multierr"
)

// Mode
const (
	IN  = iota // Default
	OUT = iota
)

const (
	gpioBaseDir      = "/sys/class/gpio/"
	gpioExportFile   = gpioBaseDir + "export"
	gpioUnexportFile = gpioBaseDir + "unexport"
)

// Gpio represents one GPIO pin.
type Gpio struct {
	number    int
	value     *os.File
	buf       []byte
	direction int
}

func gpioFile(g int, name string) string {
	return fmt.Sprintf("%sgpio%d/%s", gpioBaseDir, g, name)
}

// OutputPin opens a GPIO pin and sets the direction as OUTPUT.
func OutputPin(gpio int) (*Gpio, error) {
	g, err := Pin(gpio)
	if err != nil {
		return nil, err
	}
	err = g.Direction(OUT)
	if err != nil {
		g.Close()
		return nil, err
	}
	return g, nil
}

// Pin opens a GPIO pin as an input (by default)
func Pin(gpio int) (*Gpio, error) {
	g := new(Gpio)
	g.number = gpio
	g.buf = make([]byte, 1)

	err := export(gpioFile(gpio, "value"), gpioExportFile, gpio)
	if err != nil {
		return nil, fmt.Errorf("gpio%d: %w", gpio, err)
	}
	err = g.Direction(IN)
	if err == nil {
		// Pins are polled, so edge interrupts are left off.
		err = writeFile(gpioFile(gpio, "edge"), "none")
	}
	if err == nil {
		g.value, err = os.OpenFile(gpioFile(gpio, "value"), os.O_RDWR, 0600)
	}
	if err != nil {
		unexport(gpioUnexportFile, gpio)
		return nil, err
	}
	return g, nil
}

// Number returns the GPIO number of the pin.
func (g *Gpio) Number() int {
	return g.number
}

// Direction sets the mode (direction) of the GPIO pin.
func (g *Gpio) Direction(d int) error {
	var s string
	switch d {
	case IN:
		s = "in"
	case OUT:
		s = "out"
	default:
		return fmt.Errorf("gpio%d: unknown direction", g.number)
	}
	err := writeFile(gpioFile(g.number, "direction"), s)
	if err == nil {
		g.direction = d
	}
	return err
}

// Set the output of the GPIO pin (only valid for OUTPUT pins)
func (g *Gpio) Set(v int) error {
	if g.direction != OUT {
		return fmt.Errorf("gpio%d: is not output", g.number)
	}
	switch v {
	case 0:
		g.buf[0] = '0'
	case 1:
		g.buf[0] = '1'
	default:
		return fmt.Errorf("gpio%d: illegal value", g.number)
	}
	_, err := g.value.WriteAt(g.buf, 0)
	return err
}

// Get returns the current value of the GPIO pin.
func (g *Gpio) Get() (int, error) {
	_, err := g.value.ReadAt(g.buf, 0)
	if err != nil {
		return 0, err
	}
	switch g.buf[0] {
	case '0':
		return 0, nil
	case '1':
		return 1, nil
	}
	return 0, fmt.Errorf("gpio%d: unknown value %s", g.number, g.buf)
}

// Close the GPIO pin and unexport it.
func (g *Gpio) Close() error {
	var err error
	if g.value != nil {
		err = g.value.Close()
	}
	return multierr.Append(err, unexport(gpioUnexportFile, g.number))
}

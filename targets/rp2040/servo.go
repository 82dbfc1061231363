//go:build rp2040 || rp2350

package main

import (
	"errors"
	"machine"

	"tinygo.org/x/drivers/servo"
)

// Pulse widths for the ends of the 0..255 coordinate range
const (
	servoMinPulseUS = 1000
	servoMaxPulseUS = 2000
)

var errNoServo = errors.New("servo channel not configured")

// servoPins lists the outputs in coordinate order. GPIO N sits on PWM
// slice (N>>1)&7, channel N&1, so these sixteen pins use every channel.
var servoPins = []machine.Pin{
	machine.GPIO0, machine.GPIO1, machine.GPIO2, machine.GPIO3,
	machine.GPIO4, machine.GPIO5, machine.GPIO6, machine.GPIO7,
	machine.GPIO8, machine.GPIO9, machine.GPIO10, machine.GPIO11,
	machine.GPIO12, machine.GPIO13, machine.GPIO14, machine.GPIO15,
}

// ServoDriver implements core.ActuatorDriver with hobby servos on the
// RP2040 hardware PWM slices
type ServoDriver struct {
	servos []servo.Servo
	ok     []bool
}

// NewServoDriver configures one servo per pin. Pins whose slice cannot be
// configured stay unusable and report errors when written.
func NewServoDriver(pins []machine.Pin) *ServoDriver {
	d := &ServoDriver{
		servos: make([]servo.Servo, len(pins)),
		ok:     make([]bool, len(pins)),
	}
	for i, pin := range pins {
		s, err := servo.New(pwmSlice(pin), pin)
		if err != nil {
			continue
		}
		d.servos[i] = s
		d.ok[i] = true
	}
	return d
}

// Channels returns the number of servo outputs
func (d *ServoDriver) Channels() int {
	return len(d.servos)
}

// SetPosition maps 0..255 linearly onto the servo pulse range
func (d *ServoDriver) SetPosition(channel int, value uint8) error {
	if channel < 0 || channel >= len(d.servos) || !d.ok[channel] {
		return errNoServo
	}
	pulse := servoMinPulseUS + int32(value)*(servoMaxPulseUS-servoMinPulseUS)/255
	d.servos[channel].SetMicroseconds(int16(pulse))
	return nil
}

// pwmSlice returns the PWM peripheral driving pin
func pwmSlice(pin machine.Pin) servo.PWM {
	// TinyGo defines PWM0-PWM7 as globals of an unexported type; servo.PWM
	// is the interface they satisfy
	switch (uint8(pin) >> 1) & 0x7 {
	case 0:
		return machine.PWM0
	case 1:
		return machine.PWM1
	case 2:
		return machine.PWM2
	case 3:
		return machine.PWM3
	case 4:
		return machine.PWM4
	case 5:
		return machine.PWM5
	case 6:
		return machine.PWM6
	default:
		return machine.PWM7
	}
}

//go:build rp2040 || rp2350

package main

import (
	"machine"

	"github.com/FabLabAQ/Marvin/core"
)

// Battery voltage window as seen through the divider on ADC0, in the
// 16-bit scale machine.ADC.Get returns
const (
	batteryEmptyRaw = 39700 // 3.3V cell behind a 1:2 divider
	batteryFullRaw  = 50600 // 4.2V
)

// ADCBattery implements core.BatterySensor with an ADC channel
type ADCBattery struct {
	adc        machine.ADC
	empty      uint16
	full       uint16
	configured bool
}

// NewADCBattery prepares the sensor on pin without touching the hardware
func NewADCBattery(pin machine.Pin) *ADCBattery {
	return &ADCBattery{
		adc:   machine.ADC{Pin: pin},
		empty: batteryEmptyRaw,
		full:  batteryFullRaw,
	}
}

// ReadLevel samples the battery and scales it to 0..255
func (b *ADCBattery) ReadLevel() (uint8, error) {
	if !b.configured {
		machine.InitADC()
		if err := b.adc.Configure(machine.ADCConfig{}); err != nil {
			return 0, err
		}
		b.configured = true
	}
	return core.BatteryFromRaw(b.adc.Get(), b.empty, b.full), nil
}

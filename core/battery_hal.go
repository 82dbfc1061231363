package core

// BatterySensor reads the supply level as seen by the rest of the firmware:
// 0 is depleted, 255 is full charge.
type BatterySensor interface {
	ReadLevel() (uint8, error)
}

// BatteryFromRaw scales a 16-bit ADC reading between empty and full to a
// battery level. Readings outside the window are clamped.
func BatteryFromRaw(raw, empty, full uint16) uint8 {
	if full <= empty || raw <= empty {
		return 0
	}
	if raw >= full {
		return 255
	}
	return uint8(uint32(raw-empty) * 255 / uint32(full-empty))
}

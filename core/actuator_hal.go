package core

// ActuatorDriver is the abstract output interface the player drives.
// Platform-specific implementations handle actual hardware control; channel
// i receives coordinate i of the current point.
type ActuatorDriver interface {
	// Channels returns how many outputs the hardware has
	Channels() int

	// SetPosition moves one output. value spans the full 0..255 range.
	SetPosition(channel int, value uint8) error
}

// Global singleton used when no driver is passed to NewFirmware.
var actuatorDriver ActuatorDriver

// SetActuatorDriver is called by target-specific code to register its driver.
func SetActuatorDriver(d ActuatorDriver) {
	actuatorDriver = d
}

// MustActuator returns the configured driver or panics if missing.
func MustActuator() ActuatorDriver {
	if actuatorDriver == nil {
		panic("actuator driver not configured")
	}
	return actuatorDriver
}

//go:build rp2040 || rp2350

package main

import (
	"machine"
	"time"

	"github.com/FabLabAQ/Marvin/core"
	"github.com/FabLabAQ/Marvin/protocol"
)

var (
	// Buffers for communication
	inputBuffer  *protocol.FifoBuffer
	outputBuffer *protocol.ScratchOutput
	firmware     *core.Firmware

	// Debug counters
	bytesReceived uint32
	bytesSent     uint32
	usbErrors     uint32

	// USB connection state tracking
	usbWasDisconnected       bool
	consecutiveWriteFailures uint32
)

func main() {
	// Disable the watchdog left armed by a previous reset
	if err := machine.Watchdog.Configure(machine.WatchdogConfig{TimeoutMillis: 0}); err != nil {
		return
	}

	if err := InitUSB(); err != nil {
		usbErrors++
	}

	inputBuffer = protocol.NewFifoBuffer(256)
	outputBuffer = protocol.NewScratchOutput()

	syncClock()
	firmware = core.NewFirmware(outputBuffer, core.FirmwareConfig{
		Actuator: NewServoDriver(servoPins),
		Battery:  NewADCBattery(machine.ADC0),
		Debug:    true,
	})
	// Acks go out as soon as they are encoded so the host can refill
	firmware.Transport().SetFlushCallback(writeUSB)

	go usbReaderLoop()

	for {
		func() {
			defer func() {
				if r := recover(); r != nil {
					usbErrors++
					inputBuffer.Reset()
					outputBuffer.Reset()
					firmware.Transport().Reset()
				}
			}()

			syncClock()

			if inputBuffer.Available() > 0 {
				firmware.Receive(inputBuffer)
			}

			if len(outputBuffer.Result()) > 0 {
				writeUSB()
			}

			firmware.Tick()
		}()

		// Yield to the reader goroutine
		time.Sleep(10 * time.Microsecond)
	}
}

// usbReaderLoop moves bytes from USB into inputBuffer
func usbReaderLoop() {
	defer func() {
		if r := recover(); r != nil {
			usbErrors++
			time.Sleep(100 * time.Millisecond)
			go usbReaderLoop()
		}
	}()

	var chunk [64]byte
	for {
		if USBAvailable() > 0 {
			space := inputBuffer.Free()
			if space > len(chunk) {
				space = len(chunk)
			}
			n, err := USBRead(chunk[:space])
			if err != nil {
				usbErrors++
				time.Sleep(1 * time.Millisecond)
				continue
			}

			// First data after a disconnect starts a fresh session
			if usbWasDisconnected {
				usbWasDisconnected = false
				inputBuffer.Reset()
				outputBuffer.Reset()
				firmware.Transport().Reset()
				bytesReceived = 0
				bytesSent = 0
				consecutiveWriteFailures = 0
			}

			bytesReceived += uint32(inputBuffer.Write(chunk[:n]))
		}
		time.Sleep(100 * time.Microsecond)
	}
}

// writeUSB writes the pending output buffer to USB
func writeUSB() {
	result := outputBuffer.Result()
	written := 0
	for written < len(result) {
		n, err := USBWriteBytes(result[written:])
		if err != nil || n == 0 {
			writeFailed()
			return
		}
		written += n
	}
	consecutiveWriteFailures = 0
	bytesSent += uint32(written)
	outputBuffer.Reset()
}

// writeFailed counts a failed write. After repeated failures the host is
// assumed gone and stale data is dropped.
func writeFailed() {
	consecutiveWriteFailures++
	if consecutiveWriteFailures > 10 {
		usbWasDisconnected = true
		consecutiveWriteFailures = 0
		outputBuffer.Reset()
		inputBuffer.Reset()
	}
}

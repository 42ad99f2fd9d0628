// Package mock provides an in-memory [device.Device] implementation for use
// in unit tests.
//
// The mock is safe for concurrent use. It records every method call so that
// tests can assert on call counts and arguments, and exposes exported fields
// the test can set to control return values.
//
// Typical usage:
//
//	dev := &mock.Device{
//	    InterruptOffset: device.Offset{TrackID: "t1", Samples: 240},
//	    InterruptOK:     true,
//	}
//	off, ok := dev.Interrupt()
package mock

import (
	"sync"

	"github.com/parlancehq/parlance/pkg/device"
)

// Compile-time interface assertion.
var _ device.Device = (*Device)(nil)

// PlayedFrame records one Play call.
type PlayedFrame struct {
	TrackID string
	PCM     []byte
}

// Device is a mock implementation of [device.Device].
// Set the exported result fields before use; inspect the Call* and recorded
// fields after.
type Device struct {
	mu sync.Mutex

	// StartCaptureErr is returned by [Device.StartCapture].
	StartCaptureErr error

	// StopCaptureErr is returned by [Device.StopCapture].
	StopCaptureErr error

	// PlayErr is returned by [Device.Play].
	PlayErr error

	// InterruptOffset and InterruptOK are returned by [Device.Interrupt].
	InterruptOffset device.Offset
	InterruptOK     bool

	// Capturing reflects the last StartCapture/StopCapture call.
	Capturing bool

	// CallCountStartCapture records how many times StartCapture was called.
	CallCountStartCapture int

	// CallCountStopCapture records how many times StopCapture was called.
	CallCountStopCapture int

	// CallCountInterrupt records how many times Interrupt was called.
	CallCountInterrupt int

	// Played holds every Play call in order.
	Played []PlayedFrame
}

// StartCapture implements [device.Device].
func (d *Device) StartCapture() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStartCapture++
	if d.StartCaptureErr == nil {
		d.Capturing = true
	}
	return d.StartCaptureErr
}

// StopCapture implements [device.Device].
func (d *Device) StopCapture() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountStopCapture++
	if d.StopCaptureErr == nil {
		d.Capturing = false
	}
	return d.StopCaptureErr
}

// Play implements [device.Device]. The frame is copied before recording.
func (d *Device) Play(trackID string, pcm []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.PlayErr != nil {
		return d.PlayErr
	}
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	d.Played = append(d.Played, PlayedFrame{TrackID: trackID, PCM: buf})
	return nil
}

// Interrupt implements [device.Device]. Returns InterruptOffset and
// InterruptOK as configured by the test.
func (d *Device) Interrupt() (device.Offset, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.CallCountInterrupt++
	return d.InterruptOffset, d.InterruptOK
}

// Interrupts returns how many times Interrupt was called.
func (d *Device) Interrupts() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.CallCountInterrupt
}

// PlayedFrames returns a copy of the recorded Play calls.
func (d *Device) PlayedFrames() []PlayedFrame {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]PlayedFrame, len(d.Played))
	copy(out, d.Played)
	return out
}

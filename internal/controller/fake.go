package controller

import (
	"context"
	"sync"
)

// Fake counts reset requests for test assertions. Safe for concurrent use.
type Fake struct {
	mu          sync.Mutex
	deviceCalls int
	pinCalls    int

	// DeviceErr and PinErr, if set, are returned by the matching call.
	DeviceErr error
	PinErr    error
}

// NewFake creates a Fake with no recorded calls.
func NewFake() *Fake {
	return &Fake{}
}

// ResetDevice records a device reset.
func (f *Fake) ResetDevice(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deviceCalls++
	return f.DeviceErr
}

// ResetInputPin records a pin reset.
func (f *Fake) ResetInputPin(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pinCalls++
	return f.PinErr
}

// DeviceResets returns the number of ResetDevice calls, including failed ones.
func (f *Fake) DeviceResets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deviceCalls
}

// PinResets returns the number of ResetInputPin calls, including failed ones.
func (f *Fake) PinResets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pinCalls
}

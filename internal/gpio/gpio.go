// Package gpio reads a local water-flow switch wired to a GPIO line and
// feeds its state into the engine as ordinary water-flow telemetry.
// The real implementation uses the Linux GPIO character device; the fake
// allows testing without hardware.
package gpio

// Reader reads the flow switch.
type Reader interface {
	// Read returns true while the switch reports water flow.
	Read() (bool, error)

	// Close releases GPIO resources.
	Close() error
}

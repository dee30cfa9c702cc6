//go:build linux

package gpio

import (
	"errors"
	"fmt"

	"github.com/warthog618/go-gpiocdev"
)

// RealReader reads the flow switch from hardware.
type RealReader struct {
	chip      *gpiocdev.Chip
	line      *gpiocdev.Line
	activeLow bool
}

// lineOptions returns the request and reconfigure options for the flow
// switch line. Both sets carry the same settings.
func lineOptions(activeLow bool) ([]gpiocdev.LineReqOption, []gpiocdev.LineConfigOption) {
	req := []gpiocdev.LineReqOption{gpiocdev.AsInput, gpiocdev.WithPullDown}
	cfg := []gpiocdev.LineConfigOption{gpiocdev.AsInput, gpiocdev.WithPullDown}
	if activeLow {
		req = append(req, gpiocdev.AsActiveLow)
		cfg = append(cfg, gpiocdev.AsActiveLow)
	}
	return req, cfg
}

// NewRealReader requests offset on chip as a pulled-down input. With
// activeLow, a low level reads as flow.
func NewRealReader(chip string, offset int, activeLow bool) (*RealReader, error) {
	c, err := gpiocdev.NewChip(chip)
	if err != nil {
		return nil, fmt.Errorf("open gpio chip %s: %w", chip, err)
	}

	opts, _ := lineOptions(activeLow)
	l, err := c.RequestLine(offset, opts...)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("request flow switch line %d: %w", offset, err)
	}
	return &RealReader{chip: c, line: l, activeLow: activeLow}, nil
}

// Read returns the logical line value.
func (r *RealReader) Read() (bool, error) {
	v, err := r.line.Value()
	if err != nil {
		return false, fmt.Errorf("read flow switch: %w", err)
	}
	return v == 1, nil
}

// Close returns the line to the configuration it was requested with and
// releases it.
func (r *RealReader) Close() error {
	var errs []error
	if r.line != nil {
		_, cfg := lineOptions(r.activeLow)
		if err := r.line.Reconfigure(cfg...); err != nil {
			errs = append(errs, fmt.Errorf("reconfigure line: %w", err))
		}
		if err := r.line.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close line: %w", err))
		}
	}
	if r.chip != nil {
		if err := r.chip.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close chip: %w", err))
		}
	}
	return errors.Join(errs...)
}

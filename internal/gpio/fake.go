package gpio

import (
	"errors"
	"sync"
)

// FakeReader returns scripted flow switch values. Once the script is
// exhausted the last value repeats.
type FakeReader struct {
	mu      sync.Mutex
	samples []bool
	index   int
	err     error
	closed  bool
}

// NewFakeReader creates a FakeReader over samples.
func NewFakeReader(samples ...bool) *FakeReader {
	return &FakeReader{samples: samples}
}

// Read returns the next scripted sample.
func (f *FakeReader) Read() (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return false, f.err
	}
	if len(f.samples) == 0 {
		return false, errors.New("no samples configured")
	}
	v := f.samples[f.index]
	if f.index < len(f.samples)-1 {
		f.index++
	}
	return v, nil
}

// SetError makes Read fail with err until cleared with nil.
func (f *FakeReader) SetError(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

// Close marks the reader closed.
func (f *FakeReader) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Closed reports whether Close was called.
func (f *FakeReader) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

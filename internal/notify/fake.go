package notify

import (
	"context"
	"sync"
)

// Fake records alert texts for test assertions. It is safe for concurrent
// use because the engine notifies from dispatch goroutines.
type Fake struct {
	mu    sync.Mutex
	texts []string

	// Err, if set, is returned by Notify and the text is not recorded.
	Err error
}

// NewFake creates an empty Fake.
func NewFake() *Fake {
	return &Fake{}
}

// Notify records text.
func (f *Fake) Notify(_ context.Context, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return f.Err
	}
	f.texts = append(f.texts, text)
	return nil
}

// Texts returns a copy of the recorded alert texts.
func (f *Fake) Texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

// SetErr sets the error returned by subsequent calls.
func (f *Fake) SetErr(err error) {
	f.mu.Lock()
	f.Err = err
	f.mu.Unlock()
}

// Reset clears recorded texts and the error.
func (f *Fake) Reset() {
	f.mu.Lock()
	f.texts = nil
	f.Err = nil
	f.mu.Unlock()
}

// Package source supplies the raw buffer stream the engine consumes.
//
// The engine is polymorphic over anything implementing Source: a live
// device read, a replayed recording, or an in-memory test fixture, selected
// at construction. End-of-stream is io.EOF; cancellation propagates by
// closing the source.
package source

import (
	"io"
	"sync"
)

// Source is a pull-based raw buffer supplier.
type Source interface {
	// Next returns the next raw buffer, or io.EOF at end-of-stream.
	// The returned slice is owned by the caller.
	Next() ([]byte, error)

	// Close releases the underlying transport. A blocked or subsequent
	// Next returns io.EOF.
	Close() error
}

// Fixture is an in-memory Source for tests and simulations.
type Fixture struct {
	mu      sync.Mutex
	buffers [][]byte
	pos     int
	closed  bool
}

// NewFixture creates a Source that replays the given buffers in order.
func NewFixture(buffers [][]byte) *Fixture {
	return &Fixture{buffers: buffers}
}

// Next implements Source.
func (f *Fixture) Next() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.pos >= len(f.buffers) {
		return nil, io.EOF
	}
	buf := f.buffers[f.pos]
	f.pos++
	return buf, nil
}

// Close implements Source.
func (f *Fixture) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// Verify Fixture implements Source.
var _ Source = (*Fixture)(nil)

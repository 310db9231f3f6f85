package source

import (
	"fmt"
	"io"
)

// Tee wraps a Source and mirrors every buffer it yields to a writer, so a
// live capture can keep the raw stream for later replay. Bytes dropped
// during resync never reach the inner source and are not mirrored.
type Tee struct {
	src Source
	w   io.Writer
	c   io.Closer
}

// NewTee creates a Tee over src writing to w. If w also implements
// io.Closer it is closed when the Tee is closed.
func NewTee(src Source, w io.Writer) *Tee {
	t := &Tee{src: src, w: w}
	if c, ok := w.(io.Closer); ok {
		t.c = c
	}
	return t
}

// Next implements Source.
func (t *Tee) Next() ([]byte, error) {
	buf, err := t.src.Next()
	if err != nil {
		return nil, err
	}
	if _, werr := t.w.Write(buf); werr != nil {
		return nil, fmt.Errorf("source: tee write: %w", werr)
	}
	return buf, nil
}

// Close implements Source. It closes the inner source first, then the
// writer when it is closable.
func (t *Tee) Close() error {
	err := t.src.Close()
	if t.c != nil {
		if cerr := t.c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Verify Tee implements Source.
var _ Source = (*Tee)(nil)

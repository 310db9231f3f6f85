package daq

import (
	"fmt"
	"os"

	"github.com/SasataniLab/miniscope-io/types"
)

// FrameSink consumes reconstructed frames popped from the emit queue.
type FrameSink interface {
	// WriteFrame persists one frame.
	WriteFrame(f *types.Frame) error
	// Close flushes and releases the sink.
	Close() error
}

// FileFrameSink writes frame payloads sequentially to a raw stream file.
// The sidecar metadata records carry per-frame boundaries and outcomes; the
// stream file itself is just concatenated pixel data.
type FileFrameSink struct {
	file           *os.File
	includePartial bool
	frames         int64
	bytes          int64
}

// NewFileFrameSink creates a sink writing to path. When includePartial is
// false, abandoned frames are dropped rather than written with gaps.
func NewFileFrameSink(path string, includePartial bool) (*FileFrameSink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("daq: create frame file: %w", err)
	}
	return &FileFrameSink{file: f, includePartial: includePartial}, nil
}

// WriteFrame implements FrameSink.
func (s *FileFrameSink) WriteFrame(f *types.Frame) error {
	if !f.Complete && !s.includePartial {
		return nil
	}
	if _, err := s.file.Write(f.Payload); err != nil {
		return fmt.Errorf("daq: write frame %d: %w", f.ID, err)
	}
	s.frames++
	s.bytes += int64(len(f.Payload))
	return nil
}

// Close implements FrameSink.
func (s *FileFrameSink) Close() error {
	return s.file.Close()
}

// FramesWritten returns the number of frames written so far.
func (s *FileFrameSink) FramesWritten() int64 { return s.frames }

// BytesWritten returns the number of payload bytes written so far.
func (s *FileFrameSink) BytesWritten() int64 { return s.bytes }

// Verify FileFrameSink implements FrameSink.
var _ FrameSink = (*FileFrameSink)(nil)

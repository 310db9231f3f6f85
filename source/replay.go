package source

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/SasataniLab/miniscope-io/header"
	"github.com/SasataniLab/miniscope-io/log"
)

// DefaultChunkSize is the read size used by the scanner when the config
// does not set one. Matches the transfer granularity of the USB bridge.
const DefaultChunkSize = 4096

// ErrPreambleNotByteAligned is returned when a layout's magic width is not a
// whole number of bytes. Stream scanning matches the preamble bytewise, so a
// fractional-byte magic cannot delimit buffers.
var ErrPreambleNotByteAligned = errors.New("source: preamble width must be a multiple of 8 bits")

// Preamble returns the wire bytes of the layout's magic word, used to
// delimit buffers in an undelimited byte stream.
func Preamble(l header.Layout) ([]byte, error) {
	if l.MagicBits%8 != 0 {
		return nil, ErrPreambleNotByteAligned
	}
	packed := header.Encode(l, header.Header{Magic: l.MagicWord})
	return packed[:l.MagicBits/8], nil
}

// ScanConfig configures a Scanner.
type ScanConfig struct {
	// Preamble is the byte sequence that starts every buffer.
	Preamble []byte

	// ChunkSize is the read size per underlying Read call.
	// Zero means DefaultChunkSize.
	ChunkSize int

	// Logger is an optional logger for resync observability.
	Logger *log.Logger
}

// Scanner splits an undelimited byte stream into raw buffers delimited by a
// preamble. Each emitted buffer starts with the preamble and runs up to (not
// including) the next occurrence. Bytes before the first preamble are a
// partial buffer whose header already passed by; they are dropped.
type Scanner struct {
	mu      sync.Mutex
	r       io.ReadCloser
	cfg     ScanConfig
	buf     []byte
	synced  bool
	eof     bool
	closed  bool
	dropped int
}

// NewScanner creates a Scanner over r. The reader is closed by Close.
func NewScanner(r io.ReadCloser, cfg ScanConfig) (*Scanner, error) {
	if len(cfg.Preamble) == 0 {
		return nil, errors.New("source: scanner requires a preamble")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &Scanner{r: r, cfg: cfg}, nil
}

// NewFileReplay creates a Scanner over a recorded capture file.
func NewFileReplay(path string, cfg ScanConfig) (*Scanner, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("source: open replay file: %w", err)
	}
	return NewScanner(f, cfg)
}

// Next implements Source. It returns the bytes of one buffer, preamble
// included, or io.EOF when the stream is exhausted or the scanner closed.
func (s *Scanner) Next() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pre := s.cfg.Preamble
	for {
		if s.closed {
			return nil, io.EOF
		}

		if s.synced {
			// buf starts with a preamble; look for the next one past it.
			if j := bytes.Index(s.buf[len(pre):], pre); j >= 0 {
				end := len(pre) + j
				out := make([]byte, end)
				copy(out, s.buf[:end])
				s.buf = s.buf[end:]
				return out, nil
			}
		} else if i := bytes.Index(s.buf, pre); i >= 0 {
			if i > 0 {
				s.dropped += i
				s.logResync(i)
			}
			s.buf = s.buf[i:]
			s.synced = true
			continue
		} else if len(s.buf) > len(pre)-1 {
			// Keep only a potential preamble prefix at the tail.
			s.dropped += len(s.buf) - (len(pre) - 1)
			s.buf = s.buf[len(s.buf)-(len(pre)-1):]
		}

		if s.eof {
			if s.synced && len(s.buf) > 0 {
				out := s.buf
				s.buf = nil
				s.synced = false
				return out, nil
			}
			return nil, io.EOF
		}

		chunk := make([]byte, s.cfg.ChunkSize)
		n, err := s.r.Read(chunk)
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
		}
		if err != nil {
			if err != io.EOF && !s.closed {
				return nil, fmt.Errorf("source: read stream: %w", err)
			}
			s.eof = true
		}
	}
}

// Close implements Source.
func (s *Scanner) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.r.Close()
}

// Dropped returns the number of bytes discarded during resync, for
// diagnostics after a replay.
func (s *Scanner) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Scanner) logResync(n int) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Debug("dropped bytes before preamble", map[string]any{
		"bytes": n,
	})
}

// Verify Scanner implements Source.
var _ Source = (*Scanner)(nil)

// Package validate checks decoded buffer headers against structural
// invariants before they are allowed into frame assembly.
//
// Checks run in a fixed order and short-circuit on first failure. Rejected
// buffers never enter an accumulator; they are counted and reported, never
// retried — the transport cannot replay.
package validate

import (
	"errors"
	"fmt"
	"time"

	"github.com/SasataniLab/miniscope-io/header"
	"github.com/SasataniLab/miniscope-io/types"
)

// Reason classifies a rejection. Values are string-typed to keep this
// package free of dependencies on the metrics package; the engine maps
// them onto its counters.
type Reason string

const (
	// ReasonBadMagic means the magic word did not match the configured value.
	ReasonBadMagic Reason = "bad_magic"
	// ReasonTruncatedPayload means the header declared more payload bytes
	// than the buffer actually carries after the header.
	ReasonTruncatedPayload Reason = "truncated_payload"
	// ReasonBlockIndexOutOfRange means the header's own block index is not
	// below its own declared block count (or not below the block ceiling
	// when no count is declared). Cross-buffer consistency for a frame is
	// the assembler's job, not this check's.
	ReasonBlockIndexOutOfRange Reason = "block_index_out_of_range"
	// ReasonBlockCountOutOfRange means the declared block count exceeds the
	// configured ceiling. The count field is device-controlled and a single
	// corrupt value would otherwise size the frame accumulator.
	ReasonBlockCountOutOfRange Reason = "block_count_out_of_range"
)

// DefaultMaxBlockCount is the block ceiling when the config does not set
// one. Real devices split a frame into at most a few hundred blocks; the
// default leaves ample headroom while keeping per-frame bookkeeping small.
const DefaultMaxBlockCount uint32 = 4096

// RejectError reports why a buffer was rejected.
type RejectError struct {
	Reason Reason
	Msg    string
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("buffer rejected (%s): %s", e.Reason, e.Msg)
}

// AsReject returns the RejectError inside err, if any.
func AsReject(err error) (*RejectError, bool) {
	var re *RejectError
	ok := errors.As(err, &re)
	return re, ok
}

// Accepted carries a validated buffer forward: the decoded header plus the
// header-stripped payload slice. The payload aliases the raw buffer's bytes;
// ownership of the raw buffer moves with it.
type Accepted struct {
	Header  header.Header
	Payload []byte
	// Seq and ReceivedAt are carried from the raw buffer.
	Seq        uint64
	ReceivedAt time.Time
}

// Validator checks headers against the configured layout.
type Validator struct {
	layout    header.Layout
	maxBlocks uint32
}

// New creates a Validator for the given header layout. maxBlocks bounds the
// blocks-per-frame a header may declare or address; zero means
// DefaultMaxBlockCount.
func New(layout header.Layout, maxBlocks uint32) *Validator {
	if maxBlocks == 0 {
		maxBlocks = DefaultMaxBlockCount
	}
	return &Validator{layout: layout, maxBlocks: maxBlocks}
}

// Check validates a raw buffer against its decoded header.
// Returns the accepted buffer, or a *RejectError naming the first failed
// check. The buffer contents are never modified.
func (v *Validator) Check(raw types.RawBuffer, h header.Header) (Accepted, error) {
	if h.Magic != v.layout.MagicWord {
		return Accepted{}, &RejectError{
			Reason: ReasonBadMagic,
			Msg:    fmt.Sprintf("magic %#x, want %#x", h.Magic, v.layout.MagicWord),
		}
	}

	remaining := len(raw.Data) - v.layout.Size()
	if int(h.PayloadLen) > remaining {
		return Accepted{}, &RejectError{
			Reason: ReasonTruncatedPayload,
			Msg:    fmt.Sprintf("declared %d payload bytes, %d present", h.PayloadLen, remaining),
		}
	}

	if h.BlockCount > v.maxBlocks {
		return Accepted{}, &RejectError{
			Reason: ReasonBlockCountOutOfRange,
			Msg:    fmt.Sprintf("declared block count %d exceeds ceiling %d", h.BlockCount, v.maxBlocks),
		}
	}

	// Block count 0 means the device has not declared a total yet (it is
	// known at least by the final block); judge the index against the
	// declared count, or against the ceiling until one is declared.
	if h.BlockCount > 0 && h.BlockIndex >= h.BlockCount {
		return Accepted{}, &RejectError{
			Reason: ReasonBlockIndexOutOfRange,
			Msg:    fmt.Sprintf("block index %d, declared count %d", h.BlockIndex, h.BlockCount),
		}
	}
	if h.BlockCount == 0 && h.BlockIndex >= v.maxBlocks {
		return Accepted{}, &RejectError{
			Reason: ReasonBlockIndexOutOfRange,
			Msg:    fmt.Sprintf("block index %d exceeds ceiling %d with no declared count", h.BlockIndex, v.maxBlocks),
		}
	}

	start := v.layout.Size()
	return Accepted{
		Header:     h,
		Payload:    raw.Data[start : start+int(h.PayloadLen)],
		Seq:        raw.Seq,
		ReceivedAt: raw.ReceivedAt,
	}, nil
}

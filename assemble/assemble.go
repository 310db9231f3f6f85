// Package assemble groups validated buffers into frames.
//
// The assembler is a single-threaded state machine: per frame identifier it
// accumulates block payloads until the declared block count is reached
// (Complete), the liveness deadline elapses (Abandoned), or the stream ends
// (forced flush). Expired accumulators are swept on every processed buffer —
// there is no timer goroutine, which keeps the engine deterministic and the
// accumulator map free of locking.
//
// Memory is bounded two ways: open accumulators are always eventually
// evicted by the deadline sweep, and the closed-frame memory is a fixed-size
// recency window with FIFO eviction.
package assemble

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/SasataniLab/miniscope-io/header"
	"github.com/SasataniLab/miniscope-io/log"
	"github.com/SasataniLab/miniscope-io/metrics"
	"github.com/SasataniLab/miniscope-io/types"
)

// DefaultRecencyWindow is the number of closed frame identifiers remembered
// for stale-arrival detection when the config does not set one.
const DefaultRecencyWindow = 1024

// StaleFrameError reports a buffer arriving for a frame identifier that was
// already completed or abandoned within the recency window. Logged, not
// fatal; the buffer is discarded.
type StaleFrameError struct {
	FrameID uint32
}

func (e *StaleFrameError) Error() string {
	return fmt.Sprintf("stale buffer for closed frame %d", e.FrameID)
}

// InconsistentBlockCountError reports a buffer whose declared block count
// (or block index) conflicts with the count already established for its
// frame. The conflicting buffer is discarded; the accumulator continues
// unaffected.
type InconsistentBlockCountError struct {
	FrameID uint32
	Got     uint32
	Want    uint32
}

func (e *InconsistentBlockCountError) Error() string {
	return fmt.Sprintf("frame %d: block count %d conflicts with established %d", e.FrameID, e.Got, e.Want)
}

// IsStaleFrame returns true if err is a StaleFrameError.
func IsStaleFrame(err error) bool {
	var se *StaleFrameError
	return errors.As(err, &se)
}

// IsInconsistentBlockCount returns true if err is an InconsistentBlockCountError.
func IsInconsistentBlockCount(err error) bool {
	var ie *InconsistentBlockCountError
	return errors.As(err, &ie)
}

// Config configures an Assembler.
type Config struct {
	// Deadline is the per-frame liveness deadline: the maximum time an
	// accumulator may remain open without new data before abandonment.
	Deadline time.Duration

	// RecencyWindow bounds how many closed frame identifiers are remembered
	// for stale detection. Zero means DefaultRecencyWindow.
	RecencyWindow int

	// Logger is an optional logger for assembly observability.
	Logger *log.Logger

	// Clock overrides the time source. Nil means time.Now. Tests inject a
	// fake clock to drive deadline sweeps deterministically.
	Clock func() time.Time
}

// assembly is the mutable accumulator for one in-progress frame.
type assembly struct {
	id       uint32
	expected uint32 // declared block count, 0 until learned; immutable once set
	blocks   map[uint32][]byte
	firstAt  time.Time
	lastAt   time.Time
}

// Assembler owns all live accumulators, keyed by frame identifier.
// Not safe for concurrent use; the engine drives it from a single goroutine.
type Assembler struct {
	cfg       Config
	clock     func() time.Time
	collector *metrics.Collector

	open      map[uint32]*assembly
	openOrder []uint32 // frame ids in first-opened order, for EOS flush

	closed      map[uint32]struct{}
	closedOrder []uint32 // FIFO for recency-window eviction
}

// New creates an Assembler. The collector may be nil.
func New(cfg Config, collector *metrics.Collector) *Assembler {
	if cfg.RecencyWindow <= 0 {
		cfg.RecencyWindow = DefaultRecencyWindow
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Assembler{
		cfg:       cfg,
		clock:     clock,
		collector: collector,
		open:      make(map[uint32]*assembly),
		closed:    make(map[uint32]struct{}),
	}
}

// Process handles one accepted buffer. Callers feed it validated headers
// only; the validator's block ceiling is what keeps per-frame bookkeeping
// (blocks held, missing-index lists) bounded. It first sweeps expired
// accumulators, then applies the buffer. Ownership of payload transfers
// into the accumulator; the caller must not retain it.
//
// Returns the frames emitted by this step (abandonments from the sweep, in
// first-opened order, then a completion if this buffer finished its frame)
// and a non-fatal per-buffer error (*StaleFrameError or
// *InconsistentBlockCountError) when the buffer itself was discarded.
func (a *Assembler) Process(h header.Header, payload []byte, receivedAt time.Time) ([]*types.Frame, error) {
	defer func() { a.collector.SetOpenFrames(int64(len(a.open))) }()

	now := a.clock()
	frames := a.sweep(now)

	if _, isClosed := a.closed[h.FrameID]; isClosed {
		a.logDiscard("stale buffer for closed frame", h)
		a.collector.IncBufferRejected(metrics.RejectStaleFrame)
		return frames, &StaleFrameError{FrameID: h.FrameID}
	}

	asm, exists := a.open[h.FrameID]
	if !exists {
		asm = &assembly{
			id:      h.FrameID,
			blocks:  make(map[uint32][]byte),
			firstAt: receivedAt,
		}
		a.open[h.FrameID] = asm
		a.openOrder = append(a.openOrder, h.FrameID)
	}

	// The expected block count, once learned, is immutable for the frame.
	// A later buffer claiming a different count is corrupt and discarded;
	// the accumulator continues unaffected.
	if asm.expected == 0 && h.BlockCount > 0 {
		asm.expected = h.BlockCount
	} else if asm.expected > 0 && h.BlockCount > 0 && h.BlockCount != asm.expected {
		a.logDiscard("conflicting block count", h)
		a.collector.IncBufferRejected(metrics.RejectInconsistentBlockCount)
		return frames, &InconsistentBlockCountError{FrameID: h.FrameID, Got: h.BlockCount, Want: asm.expected}
	}

	// A block index at or past the established count cannot belong to this
	// frame either; same taxonomy as a conflicting count.
	if asm.expected > 0 && h.BlockIndex >= asm.expected {
		a.logDiscard("block index past established count", h)
		a.collector.IncBufferRejected(metrics.RejectInconsistentBlockCount)
		return frames, &InconsistentBlockCountError{FrameID: h.FrameID, Got: h.BlockIndex, Want: asm.expected}
	}

	if _, dup := asm.blocks[h.BlockIndex]; dup {
		// Keep the first-received payload; duplicates are diagnostic only.
		a.collector.IncDuplicateBlock()
		return frames, nil
	}

	asm.blocks[h.BlockIndex] = payload
	asm.lastAt = receivedAt

	if asm.expected > 0 && uint32(len(asm.blocks)) == asm.expected {
		frame := a.close(asm, true, now)
		a.collector.IncFrameCompleted(int64(len(frame.Payload)))
		frames = append(frames, frame)
	}

	a.compactOpenOrder()
	return frames, nil
}

// compactOpenOrder drops closed identifiers from the open-order slice once
// they outnumber the live ones, keeping the slice proportional to the number
// of open accumulators.
func (a *Assembler) compactOpenOrder() {
	if len(a.openOrder) <= 2*len(a.open)+8 {
		return
	}
	kept := a.openOrder[:0]
	for _, id := range a.openOrder {
		if _, ok := a.open[id]; ok {
			kept = append(kept, id)
		}
	}
	a.openOrder = kept
}

// sweep abandons every open accumulator whose liveness deadline elapsed,
// in first-opened order. Called on every processed buffer.
func (a *Assembler) sweep(now time.Time) []*types.Frame {
	if a.cfg.Deadline <= 0 || len(a.open) == 0 {
		return nil
	}

	var frames []*types.Frame
	for _, id := range a.openOrder {
		asm, ok := a.open[id]
		if !ok {
			continue
		}
		if now.Sub(asm.lastAt) > a.cfg.Deadline {
			frame := a.close(asm, false, now)
			a.collector.IncFrameAbandoned(int64(len(frame.Payload)), int64(len(frame.Missing)))
			frames = append(frames, frame)
		}
	}
	return frames
}

// Flush abandons all remaining open accumulators immediately, in the order
// their frame identifiers were first opened. Called at end-of-stream; no
// further deadline wait applies.
func (a *Assembler) Flush() []*types.Frame {
	now := a.clock()
	var frames []*types.Frame
	for _, id := range a.openOrder {
		asm, ok := a.open[id]
		if !ok {
			continue
		}
		complete := asm.expected > 0 && uint32(len(asm.blocks)) == asm.expected
		frame := a.close(asm, complete, now)
		if complete {
			a.collector.IncFrameCompleted(int64(len(frame.Payload)))
		} else {
			a.collector.IncFrameAbandoned(int64(len(frame.Payload)), int64(len(frame.Missing)))
		}
		frames = append(frames, frame)
	}
	a.openOrder = a.openOrder[:0]
	a.collector.SetOpenFrames(0)
	return frames
}

// OpenFrames returns the number of accumulators currently open.
func (a *Assembler) OpenFrames() int {
	return len(a.open)
}

// close finalizes an accumulator into a Frame, records the identifier in
// the closed recency window, and removes the accumulator.
func (a *Assembler) close(asm *assembly, complete bool, now time.Time) *types.Frame {
	indices := make([]uint32, 0, len(asm.blocks))
	for idx := range asm.blocks {
		indices = append(indices, idx)
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })

	var size int
	for _, idx := range indices {
		size += len(asm.blocks[idx])
	}
	payload := make([]byte, 0, size)
	for _, idx := range indices {
		payload = append(payload, asm.blocks[idx]...)
	}

	frame := &types.Frame{
		ID:         asm.id,
		Payload:    payload,
		Complete:   complete,
		Missing:    a.missing(asm),
		BlockCount: asm.expected,
		OpenedAt:   asm.firstAt,
		ClosedAt:   now,
	}

	delete(a.open, asm.id)
	a.markClosed(asm.id)

	if !complete {
		a.logAbandon(frame)
	}

	return frame
}

// missing computes the block indices that never arrived. When the expected
// count was never learned, only gaps below the highest received index can
// be known; trailing loss past it is unknowable.
func (a *Assembler) missing(asm *assembly) []uint32 {
	limit := asm.expected
	if limit == 0 {
		for idx := range asm.blocks {
			if idx+1 > limit {
				limit = idx + 1
			}
		}
	}

	var missing []uint32
	for idx := uint32(0); idx < limit; idx++ {
		if _, ok := asm.blocks[idx]; !ok {
			missing = append(missing, idx)
		}
	}
	return missing
}

// markClosed records a closed frame identifier, evicting the oldest entry
// once the recency window is full.
func (a *Assembler) markClosed(id uint32) {
	a.closed[id] = struct{}{}
	a.closedOrder = append(a.closedOrder, id)
	if len(a.closedOrder) > a.cfg.RecencyWindow {
		evict := a.closedOrder[0]
		a.closedOrder = a.closedOrder[1:]
		delete(a.closed, evict)
	}
}

func (a *Assembler) logDiscard(msg string, h header.Header) {
	if a.cfg.Logger == nil {
		return
	}
	a.cfg.Logger.Warn(msg, map[string]any{
		"frame_id":    h.FrameID,
		"block_index": h.BlockIndex,
		"block_count": h.BlockCount,
	})
}

func (a *Assembler) logAbandon(frame *types.Frame) {
	if a.cfg.Logger == nil {
		return
	}
	a.cfg.Logger.Warn("frame abandoned with gaps", map[string]any{
		"frame_id":      frame.ID,
		"missing":       len(frame.Missing),
		"block_count":   frame.BlockCount,
		"payload_bytes": len(frame.Payload),
	})
}

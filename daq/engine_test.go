package daq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/SasataniLab/miniscope-io/emit"
	"github.com/SasataniLab/miniscope-io/header"
	"github.com/SasataniLab/miniscope-io/metrics"
	"github.com/SasataniLab/miniscope-io/source"
	"github.com/SasataniLab/miniscope-io/types"
)

// testLayout is a compact layout with a 16-bit magic word.
var testLayout = header.Layout{
	MagicWord:      0xA5A5,
	MagicBits:      16,
	FrameIDBits:    10,
	BlockIndexBits: 6,
	BlockCountBits: 6,
	PayloadLenBits: 12,
	TimestampBits:  20,
}

// makeBuffer packs a header and payload into a raw buffer.
func makeBuffer(frameID, blockIndex, blockCount uint32, payload []byte) []byte {
	h := header.Header{
		Magic:      testLayout.MagicWord,
		FrameID:    frameID,
		BlockIndex: blockIndex,
		BlockCount: blockCount,
		PayloadLen: uint32(len(payload)),
	}
	return append(header.Encode(testLayout, h), payload...)
}

func newTestEngine(t *testing.T, src source.Source) *Engine {
	t.Helper()
	e, err := NewEngine(EngineConfig{
		Layout:        testLayout,
		Source:        src,
		Deadline:      time.Second,
		QueueCapacity: 16,
		Collector:     metrics.NewCollector("test", "bench"),
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	return e
}

// drain runs the engine to completion and collects every emitted frame.
func drain(t *testing.T, e *Engine) ([]*types.Frame, error) {
	t.Helper()
	ctx := context.Background()
	runErr := e.Run(ctx)

	var frames []*types.Frame
	for {
		f, err := e.Queue().Pop(ctx)
		if errors.Is(err, emit.ErrFinished) {
			return frames, runErr
		}
		if err != nil {
			t.Fatalf("Pop failed: %v", err)
		}
		frames = append(frames, f)
	}
}

func TestEngine_ReconstructsOutOfOrderFrame(t *testing.T) {
	// Frame 7 in three blocks arriving out of order: 2, 0, 1.
	src := source.NewFixture([][]byte{
		makeBuffer(7, 2, 3, []byte("gamma")),
		makeBuffer(7, 0, 3, []byte("alpha")),
		makeBuffer(7, 1, 3, []byte("beta!")),
	})

	e := newTestEngine(t, src)
	frames, err := drain(t, e)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1", len(frames))
	}
	f := frames[0]
	if f.ID != 7 || !f.Complete {
		t.Errorf("frame = id %d complete %v, want id 7 complete", f.ID, f.Complete)
	}
	if string(f.Payload) != "alphabeta!gamma" {
		t.Errorf("payload = %q, want blocks in index order", f.Payload)
	}

	snap := e.cfg.Collector.Snapshot()
	if snap.BuffersReceived != 3 || snap.BuffersAccepted != 3 || snap.BuffersRejected != 0 {
		t.Errorf("counters = received %d accepted %d rejected %d, want 3/3/0",
			snap.BuffersReceived, snap.BuffersAccepted, snap.BuffersRejected)
	}
	if snap.FramesCompleted != 1 {
		t.Errorf("FramesCompleted = %d, want 1", snap.FramesCompleted)
	}
}

func TestEngine_RejectsWrongMagic(t *testing.T) {
	bad := makeBuffer(1, 0, 1, []byte("x"))
	// Corrupt the magic wire bytes.
	bad[0], bad[1] = 0xFF, 0xFF

	e := newTestEngine(t, source.NewFixture([][]byte{bad}))
	frames, err := drain(t, e)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("got %d frames from a rejected buffer, want 0", len(frames))
	}

	snap := e.cfg.Collector.Snapshot()
	if snap.BuffersRejected != 1 || snap.RejectedByReason[metrics.RejectBadMagic] != 1 {
		t.Errorf("rejection counters = %d by reason %v", snap.BuffersRejected, snap.RejectedByReason)
	}
	if snap.BuffersAccepted != 0 {
		t.Errorf("BuffersAccepted = %d, want 0", snap.BuffersAccepted)
	}
}

func TestEngine_CountsMalformedHeader(t *testing.T) {
	e := newTestEngine(t, source.NewFixture([][]byte{{0xA5, 0xA5, 1}}))
	frames, err := drain(t, e)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("got %d frames, want 0", len(frames))
	}
	snap := e.cfg.Collector.Snapshot()
	if snap.RejectedByReason[metrics.RejectMalformedHeader] != 1 {
		t.Errorf("RejectedByReason = %v, want one malformed_header", snap.RejectedByReason)
	}
}

func TestEngine_FlushesPartialAtEndOfStream(t *testing.T) {
	src := source.NewFixture([][]byte{
		makeBuffer(3, 0, 3, []byte("only")),
	})

	e := newTestEngine(t, src)
	frames, err := drain(t, e)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("got %d frames, want 1 flushed partial", len(frames))
	}
	f := frames[0]
	if f.Complete {
		t.Error("flushed frame marked complete")
	}
	if len(f.Missing) != 2 || f.Missing[0] != 1 || f.Missing[1] != 2 {
		t.Errorf("Missing = %v, want [1 2]", f.Missing)
	}
}

func TestEngine_BoundsCorruptBlockCount(t *testing.T) {
	// A layout with 32-bit count fields can carry a corrupt declaration far
	// past any real frame. The buffer must be rejected before assembly, so
	// the flush at end-of-stream has no oversized accumulator to abandon.
	wide := header.Layout{
		MagicWord:      0xA5A5,
		MagicBits:      16,
		FrameIDBits:    16,
		BlockIndexBits: 32,
		BlockCountBits: 32,
		PayloadLenBits: 16,
		TimestampBits:  32,
	}
	h := header.Header{Magic: 0xA5A5, FrameID: 1, BlockIndex: 0, BlockCount: 100_000_000}
	e, err := NewEngine(EngineConfig{
		Layout:        wide,
		Source:        source.NewFixture([][]byte{header.Encode(wide, h)}),
		QueueCapacity: 16,
		Collector:     metrics.NewCollector("test", "bench"),
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	frames, err := drain(t, e)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(frames) != 0 {
		t.Fatalf("got %d frames from a rejected buffer, want 0", len(frames))
	}

	snap := e.cfg.Collector.Snapshot()
	if snap.RejectedByReason[metrics.RejectBlockCountOutOfRange] != 1 {
		t.Errorf("RejectedByReason = %v, want one block_count_out_of_range", snap.RejectedByReason)
	}
	if snap.BuffersAccepted != 0 || snap.FramesAbandoned != 0 {
		t.Errorf("accepted %d / abandoned %d, want 0/0", snap.BuffersAccepted, snap.FramesAbandoned)
	}
}

func TestEngine_OnBufferSeesOnlyAcceptedBuffers(t *testing.T) {
	bad := makeBuffer(2, 0, 1, []byte("y"))
	bad[0] = 0x00

	var seqs []uint64
	src := source.NewFixture([][]byte{
		makeBuffer(1, 0, 1, []byte("x")),
		bad,
		makeBuffer(2, 0, 1, []byte("z")),
	})
	e, err := NewEngine(EngineConfig{
		Layout:        testLayout,
		Source:        src,
		QueueCapacity: 16,
		OnBuffer: func(seq uint64, _ header.Header, _ time.Time) error {
			seqs = append(seqs, seq)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	if _, err := drain(t, e); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(seqs) != 2 || seqs[0] != 1 || seqs[1] != 3 {
		t.Errorf("hook seqs = %v, want [1 3]", seqs)
	}
}

func TestEngine_OnBufferErrorIsFatal(t *testing.T) {
	sinkErr := errors.New("disk full")
	e, err := NewEngine(EngineConfig{
		Layout:        testLayout,
		Source:        source.NewFixture([][]byte{makeBuffer(1, 0, 1, nil)}),
		QueueCapacity: 16,
		OnBuffer: func(uint64, header.Header, time.Time) error {
			return sinkErr
		},
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	runErr := e.Run(context.Background())
	var ee *EngineError
	if !errors.As(runErr, &ee) || ee.Kind != EngineErrorSink {
		t.Errorf("Run error = %v, want sink error", runErr)
	}
	if !errors.Is(runErr, sinkErr) {
		t.Errorf("Run error does not wrap the sink failure: %v", runErr)
	}
}

func TestEngine_CanceledBeforeFirstRead(t *testing.T) {
	e := newTestEngine(t, source.NewFixture(nil))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.Run(ctx)
	if !IsCanceledError(err) {
		t.Errorf("Run error = %v, want canceled", err)
	}
	// The queue must be finished so consumers are released.
	if _, err := e.Queue().Pop(context.Background()); !errors.Is(err, emit.ErrFinished) {
		t.Errorf("Pop after cancel = %v, want ErrFinished", err)
	}
}

// errSource fails on the first read.
type errSource struct{ err error }

func (s errSource) Next() ([]byte, error) { return nil, s.err }
func (s errSource) Close() error          { return nil }

func TestEngine_SourceFailureIsStreamError(t *testing.T) {
	readErr := errors.New("device unplugged")
	e := newTestEngine(t, errSource{err: readErr})

	err := e.Run(context.Background())
	if !IsStreamError(err) {
		t.Errorf("Run error = %v, want stream error", err)
	}
	if !errors.Is(err, readErr) {
		t.Errorf("Run error does not wrap the read failure: %v", err)
	}
}

func TestEngine_InterleavedFramesBothComplete(t *testing.T) {
	src := source.NewFixture([][]byte{
		makeBuffer(1, 0, 2, []byte("a0")),
		makeBuffer(2, 0, 2, []byte("b0")),
		makeBuffer(2, 1, 2, []byte("b1")),
		makeBuffer(1, 1, 2, []byte("a1")),
	})

	e := newTestEngine(t, src)
	frames, err := drain(t, e)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("got %d frames, want 2", len(frames))
	}
	// Frame 2 completes first.
	if frames[0].ID != 2 || string(frames[0].Payload) != "b0b1" {
		t.Errorf("first frame = %d %q", frames[0].ID, frames[0].Payload)
	}
	if frames[1].ID != 1 || string(frames[1].Payload) != "a0a1" {
		t.Errorf("second frame = %d %q", frames[1].ID, frames[1].Payload)
	}
}

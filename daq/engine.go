// Package daq drives frame reconstruction: it pulls raw buffers from a
// transport source, decodes and validates their headers, feeds the frame
// assembler, and pushes closed frames onto the bounded emit queue.
//
// The engine is strictly sequential. One goroutine owns the whole pipeline;
// the emit queue is the only point where other goroutines attach.
package daq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/SasataniLab/miniscope-io/assemble"
	"github.com/SasataniLab/miniscope-io/emit"
	"github.com/SasataniLab/miniscope-io/header"
	"github.com/SasataniLab/miniscope-io/log"
	"github.com/SasataniLab/miniscope-io/metrics"
	"github.com/SasataniLab/miniscope-io/source"
	"github.com/SasataniLab/miniscope-io/types"
	"github.com/SasataniLab/miniscope-io/validate"
)

// EngineErrorKind classifies fatal engine errors.
type EngineErrorKind int

const (
	// EngineErrorStream indicates a transport read failure.
	EngineErrorStream EngineErrorKind = iota
	// EngineErrorCanceled indicates context cancellation.
	EngineErrorCanceled
	// EngineErrorSink indicates a metadata recorder failure.
	EngineErrorSink
)

// EngineError represents a fatal engine error. Per-buffer problems
// (malformed headers, rejections, stale arrivals) are counted and logged,
// never returned.
type EngineError struct {
	Kind EngineErrorKind
	Err  error
}

func (e *EngineError) Error() string {
	return e.Err.Error()
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// IsCanceledError returns true if the error is due to context cancellation.
func IsCanceledError(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee) && ee.Kind == EngineErrorCanceled
}

// IsStreamError returns true if the error is a transport read failure.
func IsStreamError(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee) && ee.Kind == EngineErrorStream
}

// EngineConfig configures an Engine.
type EngineConfig struct {
	// Layout is the header bit layout of the device firmware.
	Layout header.Layout

	// Source supplies raw buffers.
	Source source.Source

	// Deadline is the per-frame liveness deadline.
	Deadline time.Duration

	// RecencyWindow bounds stale-frame memory. Zero means the assembler
	// default.
	RecencyWindow int

	// MaxBlockCount bounds the blocks-per-frame a header may declare.
	// Zero means the validator default.
	MaxBlockCount uint32

	// QueueCapacity is the emit queue capacity.
	QueueCapacity int

	// Logger is an optional structured logger.
	Logger *log.Logger

	// Collector is an optional metrics collector.
	Collector *metrics.Collector

	// Clock overrides the time source. Nil means time.Now.
	Clock func() time.Time

	// OnBuffer, if set, is called for every accepted buffer before it
	// enters assembly. Used by the capture session to append sidecar
	// records. An error is fatal.
	OnBuffer func(seq uint64, h header.Header, receivedAt time.Time) error
}

// Engine is the sequential reconstruction loop.
type Engine struct {
	cfg       EngineConfig
	clock     func() time.Time
	validator *validate.Validator
	assembler *assemble.Assembler
	queue     *emit.Queue
	seq       uint64
}

// NewEngine creates an Engine and its emit queue.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Source == nil {
		return nil, errors.New("daq: engine requires a source")
	}
	if err := cfg.Layout.Validate(); err != nil {
		return nil, err
	}
	queue, err := emit.NewQueue(cfg.QueueCapacity)
	if err != nil {
		return nil, err
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		cfg:       cfg,
		clock:     clock,
		validator: validate.New(cfg.Layout, cfg.MaxBlockCount),
		assembler: assemble.New(assemble.Config{
			Deadline:      cfg.Deadline,
			RecencyWindow: cfg.RecencyWindow,
			Logger:        cfg.Logger,
			Clock:         clock,
		}, cfg.Collector),
		queue: queue,
	}, nil
}

// Queue returns the emit queue consumers pop from.
func (e *Engine) Queue() *emit.Queue {
	return e.queue
}

// Run runs the reconstruction loop until end-of-stream or a fatal error.
// At end-of-stream every open accumulator is flushed as a partial frame,
// then the queue is finished. The queue is finished on every exit path so
// consumers are always released.
//
// Returns:
//   - nil: stream ended cleanly
//   - *EngineError with Kind=EngineErrorStream: transport read failure
//   - *EngineError with Kind=EngineErrorCanceled: context canceled
//   - *EngineError with Kind=EngineErrorSink: metadata recorder failure
func (e *Engine) Run(ctx context.Context) error {
	defer e.queue.Finish()

	for {
		select {
		case <-ctx.Done():
			return &EngineError{Kind: EngineErrorCanceled, Err: ctx.Err()}
		default:
		}

		data, err := e.cfg.Source.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return e.finish(ctx)
			}
			e.logError("transport read error", err)
			return &EngineError{Kind: EngineErrorStream, Err: fmt.Errorf("transport read: %w", err)}
		}

		e.seq++
		raw := types.RawBuffer{Data: data, Seq: e.seq, ReceivedAt: e.clock()}
		if err := e.processBuffer(ctx, raw); err != nil {
			return err
		}
	}
}

// processBuffer handles one raw buffer end to end.
func (e *Engine) processBuffer(ctx context.Context, raw types.RawBuffer) error {
	e.cfg.Collector.IncBufferReceived()

	h, err := header.Decode(e.cfg.Layout, raw.Data)
	if err != nil {
		e.cfg.Collector.IncBufferRejected(metrics.RejectMalformedHeader)
		e.logReject(raw.Seq, err)
		return nil
	}

	acc, err := e.validator.Check(raw, h)
	if err != nil {
		if rej, ok := validate.AsReject(err); ok {
			e.cfg.Collector.IncBufferRejected(rejectReason(rej.Reason))
			e.logReject(raw.Seq, err)
			return nil
		}
		return &EngineError{Kind: EngineErrorStream, Err: err}
	}
	e.cfg.Collector.IncBufferAccepted()
	e.cfg.Collector.SetTelemetry(h.Battery, h.EWL)

	if e.cfg.OnBuffer != nil {
		if err := e.cfg.OnBuffer(acc.Seq, acc.Header, acc.ReceivedAt); err != nil {
			e.logError("metadata record failed", err)
			return &EngineError{Kind: EngineErrorSink, Err: err}
		}
	}

	// Stale and inconsistent-count discards are counted and logged inside
	// the assembler; the buffer is simply dropped here.
	frames, _ := e.assembler.Process(acc.Header, acc.Payload, acc.ReceivedAt)
	return e.pushAll(ctx, frames)
}

// finish flushes open accumulators at end-of-stream.
func (e *Engine) finish(ctx context.Context) error {
	if err := e.pushAll(ctx, e.assembler.Flush()); err != nil {
		return err
	}
	if e.cfg.Logger != nil {
		e.cfg.Logger.Info("stream ended", map[string]any{
			"buffers": e.seq,
		})
	}
	return nil
}

func (e *Engine) pushAll(ctx context.Context, frames []*types.Frame) error {
	for _, f := range frames {
		if err := e.queue.Push(ctx, f); err != nil {
			return &EngineError{Kind: EngineErrorCanceled, Err: err}
		}
	}
	return nil
}

// rejectReason maps a validator reason onto the metrics taxonomy.
// The string values line up by construction; the map keeps the two
// packages decoupled.
func rejectReason(r validate.Reason) metrics.RejectReason {
	switch r {
	case validate.ReasonBadMagic:
		return metrics.RejectBadMagic
	case validate.ReasonTruncatedPayload:
		return metrics.RejectTruncatedPayload
	case validate.ReasonBlockIndexOutOfRange:
		return metrics.RejectBlockIndexOutOfRange
	case validate.ReasonBlockCountOutOfRange:
		return metrics.RejectBlockCountOutOfRange
	default:
		return metrics.RejectReason(r)
	}
}

func (e *Engine) logReject(seq uint64, err error) {
	if e.cfg.Logger == nil {
		return
	}
	e.cfg.Logger.Warn("buffer rejected", map[string]any{
		"seq":   seq,
		"error": err.Error(),
	})
}

func (e *Engine) logError(msg string, err error) {
	if e.cfg.Logger == nil {
		return
	}
	e.cfg.Logger.Error(msg, map[string]any{
		"error": err.Error(),
	})
}

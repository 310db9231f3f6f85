// Package emit hands reconstructed frames to a downstream consumer through
// a bounded blocking queue.
//
// The queue is the single point where two activities meet: the engine
// produces, one or more consumers pop. Push suspends when the queue is full
// — this is the system's only backpressure mechanism, turning consumer
// slowness into upstream pressure instead of unbounded memory growth. Pop
// suspends when the queue is empty until a frame arrives or the producer
// marks the stream finished.
package emit

import (
	"context"
	"errors"

	"github.com/SasataniLab/miniscope-io/types"
)

// ErrCapacityInvalid is returned at construction for capacities below 1.
// A zero-capacity queue would deadlock the unbuffered producer against a
// lagging consumer.
var ErrCapacityInvalid = errors.New("emit: queue capacity must be at least 1")

// ErrFinished is returned by Pop after the producer called Finish and all
// queued frames have been drained. It is the end-of-stream indicator, not
// a failure.
var ErrFinished = errors.New("emit: stream finished")

// Queue is a bounded frame queue with blocking push and pop.
//
// Ownership: exactly one producer (the engine) may call Push and Finish;
// Push after Finish is a programming error. Pop is safe from any number of
// consumer goroutines.
type Queue struct {
	ch chan *types.Frame
}

// NewQueue creates a queue with the given capacity.
// Returns ErrCapacityInvalid if capacity < 1.
func NewQueue(capacity int) (*Queue, error) {
	if capacity < 1 {
		return nil, ErrCapacityInvalid
	}
	return &Queue{ch: make(chan *types.Frame, capacity)}, nil
}

// Push enqueues a frame, blocking while the queue is full.
// Returns ctx.Err() if the context is canceled while blocked.
func (q *Queue) Push(ctx context.Context, frame *types.Frame) error {
	select {
	case q.ch <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pop dequeues a frame, blocking while the queue is empty.
// Returns ErrFinished once the producer finished the stream and the queue
// drained, or ctx.Err() if the context is canceled while blocked.
func (q *Queue) Pop(ctx context.Context) (*types.Frame, error) {
	select {
	case frame, ok := <-q.ch:
		if !ok {
			return nil, ErrFinished
		}
		return frame, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Finish marks the stream complete. Frames already queued remain poppable;
// consumers blocked on Pop are released with ErrFinished once drained.
func (q *Queue) Finish() {
	close(q.ch)
}

// Len returns the number of frames currently queued.
func (q *Queue) Len() int { return len(q.ch) }

// Cap returns the configured capacity.
func (q *Queue) Cap() int { return cap(q.ch) }

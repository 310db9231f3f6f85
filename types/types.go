// Package types defines the shared data model for the stream DAQ:
// raw buffers as received from a transport, and the frames reconstructed
// from them.
package types

import "time"

// RawBuffer is one discrete unit of bytes received from the transport,
// header plus payload. Seq and ReceivedAt are assigned by the engine at
// receipt, not by the device. A RawBuffer is owned by exactly one pipeline
// stage at a time and is never mutated after receipt.
type RawBuffer struct {
	// Data is the buffer bytes as received, immutable after receipt.
	Data []byte
	// Seq is the monotonically increasing receipt sequence number.
	Seq uint64
	// ReceivedAt is the engine-side receipt time.
	ReceivedAt time.Time
}

// Frame is one reconstructed image. Complete frames carry the byte-for-byte
// concatenation of block payloads in ascending block-index order and an
// empty Missing set. Partial frames (abandoned with gaps) carry the blocks
// that did arrive, concatenated in the same order, and list the block
// indices that never arrived.
//
// Partial frames are a first-class, expected outcome of lossy transports —
// downstream decides whether to discard or salvage them.
type Frame struct {
	// ID is the frame identifier shared by all buffers of this frame.
	ID uint32
	// Payload is the concatenation of received block payloads in ascending
	// block-index order. Ownership transfers to the consumer on emission.
	Payload []byte
	// Complete reports whether every expected block was received.
	Complete bool
	// Missing holds the block indices that were never received, sorted
	// ascending. Empty when Complete is true.
	Missing []uint32
	// BlockCount is the expected block count declared by the device,
	// zero if it was never learned before abandonment.
	BlockCount uint32
	// OpenedAt is when the first buffer for this frame was accepted.
	OpenedAt time.Time
	// ClosedAt is when the frame completed or was abandoned.
	ClosedAt time.Time
}

// Package metrics provides per-session diagnostics collection.
//
// The Collector accumulates counters during a single capture session. It is
// a leaf package with no internal dependencies. The core never performs I/O
// for these counters; an external observability surface (logging, the TUI
// dashboard) reads snapshots and decides how to present them.
package metrics

import "sync"

// RejectReason labels why a buffer was rejected before assembly.
type RejectReason string

const (
	// RejectMalformedHeader marks buffers shorter than the fixed header width.
	RejectMalformedHeader RejectReason = "malformed_header"
	// RejectBadMagic marks buffers whose magic word did not match.
	RejectBadMagic RejectReason = "bad_magic"
	// RejectTruncatedPayload marks buffers with fewer payload bytes than declared.
	RejectTruncatedPayload RejectReason = "truncated_payload"
	// RejectBlockIndexOutOfRange marks buffers whose block index is not below
	// their own declared block count.
	RejectBlockIndexOutOfRange RejectReason = "block_index_out_of_range"
	// RejectBlockCountOutOfRange marks buffers declaring a block count past
	// the configured ceiling.
	RejectBlockCountOutOfRange RejectReason = "block_count_out_of_range"
	// RejectStaleFrame marks buffers arriving for an already-closed frame.
	RejectStaleFrame RejectReason = "stale_frame"
	// RejectInconsistentBlockCount marks buffers declaring a block count that
	// conflicts with the one already established for their frame.
	RejectInconsistentBlockCount RejectReason = "inconsistent_block_count"
)

// Snapshot is an immutable point-in-time view of all session counters.
// Returned by Collector.Snapshot(). Safe to read concurrently after creation.
type Snapshot struct {
	// Intake
	BuffersReceived  int64
	BuffersAccepted  int64
	BuffersRejected  int64
	RejectedByReason map[RejectReason]int64

	// Assembly
	DuplicateBlocks int64
	FramesCompleted int64
	FramesAbandoned int64
	MissingBlocks   int64
	BytesAssembled  int64
	// OpenFrames is a gauge: accumulators open right now.
	OpenFrames int64

	// Telemetry from the most recently accepted header. Advisory only.
	Battery uint16
	EWL     uint16

	// Dimensions (informational, set at construction)
	SessionID string
	Device    string
}

// Collector accumulates diagnostics during a single capture session.
// Thread-safe via sync.Mutex. All increment methods are nil-receiver safe,
// so callers may run without a collector wired in.
type Collector struct {
	mu sync.Mutex

	buffersReceived  int64
	buffersAccepted  int64
	buffersRejected  int64
	rejectedByReason map[RejectReason]int64

	duplicateBlocks int64
	framesCompleted int64
	framesAbandoned int64
	missingBlocks   int64
	bytesAssembled  int64
	openFrames      int64

	battery uint16
	ewl     uint16

	sessionID string
	device    string
}

// NewCollector creates a Collector with dimension labels.
func NewCollector(sessionID, device string) *Collector {
	return &Collector{
		rejectedByReason: make(map[RejectReason]int64),
		sessionID:        sessionID,
		device:           device,
	}
}

// IncBufferReceived records a raw buffer arriving from the transport.
func (c *Collector) IncBufferReceived() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.buffersReceived++
	c.mu.Unlock()
}

// IncBufferAccepted records a buffer passing validation.
func (c *Collector) IncBufferAccepted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.buffersAccepted++
	c.mu.Unlock()
}

// IncBufferRejected records a rejected buffer with its reason.
func (c *Collector) IncBufferRejected(reason RejectReason) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.buffersRejected++
	c.rejectedByReason[reason]++
	c.mu.Unlock()
}

// IncDuplicateBlock records a duplicate (frame id, block index) arrival.
// Diagnostic only; the first-received payload is kept.
func (c *Collector) IncDuplicateBlock() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.duplicateBlocks++
	c.mu.Unlock()
}

// IncFrameCompleted records a frame emitted with all blocks present.
func (c *Collector) IncFrameCompleted(payloadBytes int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.framesCompleted++
	c.bytesAssembled += payloadBytes
	c.mu.Unlock()
}

// IncFrameAbandoned records a frame emitted with gaps, with the number of
// block indices that never arrived.
func (c *Collector) IncFrameAbandoned(payloadBytes int64, missing int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.framesAbandoned++
	c.missingBlocks += missing
	c.bytesAssembled += payloadBytes
	c.mu.Unlock()
}

// SetOpenFrames records the number of accumulators currently open.
func (c *Collector) SetOpenFrames(n int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.openFrames = n
	c.mu.Unlock()
}

// SetTelemetry records the aux telemetry of the most recently accepted
// header. Last write wins; values never gate reconstruction.
func (c *Collector) SetTelemetry(battery, ewl uint16) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.battery = battery
	c.ewl = ewl
	c.mu.Unlock()
}

// Snapshot returns an immutable point-in-time view of all counters.
// The returned Snapshot is safe to read concurrently; the Collector can
// continue to be mutated independently.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	rejected := make(map[RejectReason]int64, len(c.rejectedByReason))
	for k, v := range c.rejectedByReason {
		rejected[k] = v
	}

	return Snapshot{
		BuffersReceived:  c.buffersReceived,
		BuffersAccepted:  c.buffersAccepted,
		BuffersRejected:  c.buffersRejected,
		RejectedByReason: rejected,

		DuplicateBlocks: c.duplicateBlocks,
		FramesCompleted: c.framesCompleted,
		FramesAbandoned: c.framesAbandoned,
		MissingBlocks:   c.missingBlocks,
		BytesAssembled:  c.bytesAssembled,
		OpenFrames:      c.openFrames,

		Battery: c.battery,
		EWL:     c.ewl,

		SessionID: c.sessionID,
		Device:    c.device,
	}
}

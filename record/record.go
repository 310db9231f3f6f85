// Package record reads and writes the capture metadata sidecar: a stream of
// length-prefixed msgpack records describing the session, every accepted
// buffer header, and every closed frame. The sidecar is append-only and
// survives a crash mid-capture; every complete record before the cut is
// readable.
package record

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/SasataniLab/miniscope-io/header"
	"github.com/SasataniLab/miniscope-io/types"
)

const (
	// MaxRecordSize is the maximum encoded record size, including the
	// length prefix. Metadata records are small; anything near this limit
	// is corruption.
	MaxRecordSize = 1 * 1024 * 1024
	// MaxPayloadSize is the maximum msgpack payload size.
	MaxPayloadSize = MaxRecordSize - LengthPrefixSize
	// LengthPrefixSize is the size of the big-endian length prefix.
	LengthPrefixSize = 4
)

// Record type discriminants.
const (
	SessionType = "session"
	BufferType  = "buffer"
	FrameType   = "frame"
)

// SessionRecord opens every sidecar and identifies the capture.
type SessionRecord struct {
	Type      string        `msgpack:"type"`
	SessionID string        `msgpack:"session_id"`
	Device    string        `msgpack:"device"`
	Layout    header.Layout `msgpack:"layout"`
	// Frame geometry from the device config, zero when unconfigured.
	// Used to flag complete frames whose payload size disagrees.
	FrameWidth  int `msgpack:"frame_width"`
	FrameHeight int `msgpack:"frame_height"`
	// PixelDepth is bits per pixel.
	PixelDepth int   `msgpack:"pixel_depth"`
	StartedAt  int64 `msgpack:"started_at"` // unix nanos
}

// BufferRecord captures the decoded header of one accepted buffer.
type BufferRecord struct {
	Type       string `msgpack:"type"`
	Seq        uint64 `msgpack:"seq"`
	FrameID    uint32 `msgpack:"frame_id"`
	BlockIndex uint32 `msgpack:"block_index"`
	BlockCount uint32 `msgpack:"block_count"`
	PayloadLen uint32 `msgpack:"payload_len"`
	Timestamp  uint32 `msgpack:"timestamp"`
	Battery    uint16 `msgpack:"battery"`
	EWL        uint16 `msgpack:"ewl"`
	ReceivedAt int64  `msgpack:"received_at"` // unix nanos
}

// FrameRecord captures the outcome of one closed frame.
type FrameRecord struct {
	Type         string   `msgpack:"type"`
	FrameID      uint32   `msgpack:"frame_id"`
	Complete     bool     `msgpack:"complete"`
	BlockCount   uint32   `msgpack:"block_count"`
	Missing      []uint32 `msgpack:"missing"`
	PayloadBytes int      `msgpack:"payload_bytes"`
	OpenedAt     int64    `msgpack:"opened_at"` // unix nanos
	ClosedAt     int64    `msgpack:"closed_at"` // unix nanos
}

// RecordErrorKind classifies record decoding errors.
type RecordErrorKind int

const (
	// RecordErrorPartial indicates a truncated record at the end of the
	// sidecar. Everything before it is valid.
	RecordErrorPartial RecordErrorKind = iota
	// RecordErrorTooLarge indicates a length prefix past MaxPayloadSize.
	RecordErrorTooLarge
	// RecordErrorDecode indicates a msgpack decoding error.
	RecordErrorDecode
)

// RecordError represents a record decoding error.
type RecordError struct {
	Kind RecordErrorKind
	Msg  string
	Err  error
}

func (e *RecordError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *RecordError) Unwrap() error {
	return e.Err
}

// IsPartial returns true if err is a truncation at the tail of a sidecar.
func IsPartial(err error) bool {
	var re *RecordError
	return errors.As(err, &re) && re.Kind == RecordErrorPartial
}

// Writer appends records to a sidecar stream. It is safe for concurrent
// use: a capture session appends buffer records from the engine goroutine
// and frame records from the sink consumer through the same Writer.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

// NewWriter creates a Writer over w. The caller owns w's lifecycle.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteSession writes the opening session record.
func (w *Writer) WriteSession(rec SessionRecord) error {
	rec.Type = SessionType
	return w.write(rec)
}

// WriteBuffer writes a per-buffer header record.
func (w *Writer) WriteBuffer(seq uint64, h header.Header, receivedAt time.Time) error {
	return w.write(BufferRecord{
		Type:       BufferType,
		Seq:        seq,
		FrameID:    h.FrameID,
		BlockIndex: h.BlockIndex,
		BlockCount: h.BlockCount,
		PayloadLen: h.PayloadLen,
		Timestamp:  h.Timestamp,
		Battery:    h.Battery,
		EWL:        h.EWL,
		ReceivedAt: receivedAt.UnixNano(),
	})
}

// WriteFrame writes a frame-outcome record.
func (w *Writer) WriteFrame(f *types.Frame) error {
	return w.write(FrameRecord{
		Type:         FrameType,
		FrameID:      f.ID,
		Complete:     f.Complete,
		BlockCount:   f.BlockCount,
		Missing:      f.Missing,
		PayloadBytes: len(f.Payload),
		OpenedAt:     f.OpenedAt.UnixNano(),
		ClosedAt:     f.ClosedAt.UnixNano(),
	})
}

func (w *Writer) write(rec any) error {
	payload, err := msgpack.Marshal(rec)
	if err != nil {
		return fmt.Errorf("record: encode: %w", err)
	}
	if len(payload) > MaxPayloadSize {
		return fmt.Errorf("record: encoded size %d exceeds maximum %d", len(payload), MaxPayloadSize)
	}
	// Prefix and payload go out in one Write so concurrent appenders
	// cannot interleave inside a record.
	framed := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(framed[:LengthPrefixSize], uint32(len(payload)))
	copy(framed[LengthPrefixSize:], payload)

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.w.Write(framed); err != nil {
		return fmt.Errorf("record: write record: %w", err)
	}
	return nil
}

// Reader decodes records from a sidecar stream.
type Reader struct {
	r io.Reader
}

// NewReader creates a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Next reads and decodes the next record. The concrete type is
// *SessionRecord, *BufferRecord, or *FrameRecord.
//
// Errors:
//   - io.EOF: stream ended cleanly on a record boundary
//   - *RecordError with Kind=RecordErrorPartial: truncated tail record
//   - *RecordError with Kind=RecordErrorTooLarge: corrupt length prefix
//   - *RecordError with Kind=RecordErrorDecode: undecodable payload
func (r *Reader) Next() (any, error) {
	payload, err := r.readPayload()
	if err != nil {
		return nil, err
	}

	var probe struct {
		Type string `msgpack:"type"`
	}
	if err := msgpack.Unmarshal(payload, &probe); err != nil {
		return nil, &RecordError{Kind: RecordErrorDecode, Msg: "failed to decode record type", Err: err}
	}

	switch probe.Type {
	case SessionType:
		return DecodeSession(payload)
	case BufferType:
		return DecodeBuffer(payload)
	case FrameType:
		return DecodeFrame(payload)
	default:
		return nil, &RecordError{Kind: RecordErrorDecode, Msg: fmt.Sprintf("unknown record type %q", probe.Type)}
	}
}

// DecodeSession decodes a payload as a SessionRecord.
func DecodeSession(payload []byte) (*SessionRecord, error) {
	var rec SessionRecord
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return nil, &RecordError{Kind: RecordErrorDecode, Msg: "failed to decode session record", Err: err}
	}
	return &rec, nil
}

// DecodeBuffer decodes a payload as a BufferRecord.
func DecodeBuffer(payload []byte) (*BufferRecord, error) {
	var rec BufferRecord
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return nil, &RecordError{Kind: RecordErrorDecode, Msg: "failed to decode buffer record", Err: err}
	}
	return &rec, nil
}

// DecodeFrame decodes a payload as a FrameRecord.
func DecodeFrame(payload []byte) (*FrameRecord, error) {
	var rec FrameRecord
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return nil, &RecordError{Kind: RecordErrorDecode, Msg: "failed to decode frame record", Err: err}
	}
	return &rec, nil
}

func (r *Reader) readPayload() ([]byte, error) {
	var lengthBuf [LengthPrefixSize]byte
	if _, err := io.ReadFull(r.r, lengthBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &RecordError{Kind: RecordErrorPartial, Msg: "failed to read length prefix", Err: err}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])
	if payloadSize > MaxPayloadSize {
		return nil, &RecordError{
			Kind: RecordErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, MaxPayloadSize),
		}
	}

	payload := make([]byte, payloadSize)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, &RecordError{Kind: RecordErrorPartial, Msg: "failed to read payload", Err: err}
	}
	return payload, nil
}

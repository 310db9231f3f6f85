// Package header implements the fixed-layout, bit-packed buffer header
// emitted by the sensor in front of every payload.
//
// Field widths come from the device config and are not byte-aligned in
// general. Bits are packed LSB-first within each byte, matching the
// little-endian 32-bit word stream the FPGA emits: bit i of the stream is
// bit (i mod 8) of byte (i div 8). Decoding is a pure function: no field is
// clamped or coerced — out-of-range values pass through structurally and
// are judged by the validator.
package header

import (
	"errors"
	"fmt"
)

// Layout describes the bit widths of each header field, in wire order.
// Aux telemetry fields (Battery, EWL) may have zero width when the firmware
// variant omits them.
type Layout struct {
	// MagicWord is the expected magic value; buffers not starting with it
	// are rejected before any other field is trusted.
	MagicWord uint32

	// Field widths in bits, in wire order. Each must be between 1 and 32,
	// except the aux fields which may be 0 (absent).
	MagicBits      int
	FrameIDBits    int
	BlockIndexBits int
	BlockCountBits int
	PayloadLenBits int
	TimestampBits  int
	BatteryBits    int
	EWLBits        int
}

// DefaultLayout matches the shipped firmware: 32-bit core fields and two
// 12-bit aux telemetry fields, 216 bits (27 bytes) total.
var DefaultLayout = Layout{
	MagicWord:      0x12345678,
	MagicBits:      32,
	FrameIDBits:    32,
	BlockIndexBits: 32,
	BlockCountBits: 32,
	PayloadLenBits: 32,
	TimestampBits:  32,
	BatteryBits:    12,
	EWLBits:        12,
}

// Bits returns the total header width in bits.
func (l Layout) Bits() int {
	return l.MagicBits + l.FrameIDBits + l.BlockIndexBits + l.BlockCountBits +
		l.PayloadLenBits + l.TimestampBits + l.BatteryBits + l.EWLBits
}

// Size returns the header width in bytes, rounded up to a whole byte.
// Payload bytes start at this offset.
func (l Layout) Size() int {
	return (l.Bits() + 7) / 8
}

// Validate checks field widths are representable.
func (l Layout) Validate() error {
	required := map[string]int{
		"magic":       l.MagicBits,
		"frame_id":    l.FrameIDBits,
		"block_index": l.BlockIndexBits,
		"block_count": l.BlockCountBits,
		"payload_len": l.PayloadLenBits,
		"timestamp":   l.TimestampBits,
	}
	for name, bits := range required {
		if bits < 1 || bits > 32 {
			return fmt.Errorf("header layout: %s width %d out of range [1,32]", name, bits)
		}
	}
	for name, bits := range map[string]int{"battery": l.BatteryBits, "ewl": l.EWLBits} {
		if bits < 0 || bits > 32 {
			return fmt.Errorf("header layout: %s width %d out of range [0,32]", name, bits)
		}
	}
	if l.MagicBits < 32 && l.MagicWord >= 1<<uint(l.MagicBits) {
		return fmt.Errorf("header layout: magic word %#x does not fit in %d bits", l.MagicWord, l.MagicBits)
	}
	return nil
}

// Header is the structured record decoded from the front of a raw buffer.
// Battery and EWL are advisory telemetry and never gate reconstruction.
type Header struct {
	Magic      uint32
	FrameID    uint32
	BlockIndex uint32
	BlockCount uint32
	PayloadLen uint32
	Timestamp  uint32
	Battery    uint16
	EWL        uint16
}

// MalformedHeaderError reports a buffer shorter than the fixed header width.
type MalformedHeaderError struct {
	// Got is the buffer length in bytes.
	Got int
	// Want is the header width in bytes.
	Want int
}

func (e *MalformedHeaderError) Error() string {
	return fmt.Sprintf("malformed header: buffer %d bytes, header needs %d", e.Got, e.Want)
}

// IsMalformedHeader returns true if err is a MalformedHeaderError.
func IsMalformedHeader(err error) bool {
	var mh *MalformedHeaderError
	return errors.As(err, &mh)
}

// Decode extracts a Header from the front of data.
// Returns *MalformedHeaderError if data is shorter than the header width.
func Decode(l Layout, data []byte) (Header, error) {
	if len(data) < l.Size() {
		return Header{}, &MalformedHeaderError{Got: len(data), Want: l.Size()}
	}

	r := bitReader{data: data}
	h := Header{
		Magic:      uint32(r.read(l.MagicBits)),
		FrameID:    uint32(r.read(l.FrameIDBits)),
		BlockIndex: uint32(r.read(l.BlockIndexBits)),
		BlockCount: uint32(r.read(l.BlockCountBits)),
		PayloadLen: uint32(r.read(l.PayloadLenBits)),
		Timestamp:  uint32(r.read(l.TimestampBits)),
		Battery:    uint16(r.read(l.BatteryBits)),
		EWL:        uint16(r.read(l.EWLBits)),
	}
	return h, nil
}

// Encode packs h into the layout's wire format. Exported for replay
// fixtures and stream simulators; real captures decode only.
func Encode(l Layout, h Header) []byte {
	w := bitWriter{data: make([]byte, l.Size())}
	w.write(uint64(h.Magic), l.MagicBits)
	w.write(uint64(h.FrameID), l.FrameIDBits)
	w.write(uint64(h.BlockIndex), l.BlockIndexBits)
	w.write(uint64(h.BlockCount), l.BlockCountBits)
	w.write(uint64(h.PayloadLen), l.PayloadLenBits)
	w.write(uint64(h.Timestamp), l.TimestampBits)
	w.write(uint64(h.Battery), l.BatteryBits)
	w.write(uint64(h.EWL), l.EWLBits)
	return w.data
}

// bitReader reads LSB-first bit fields from a byte slice.
type bitReader struct {
	data []byte
	pos  int // bit position
}

// read extracts the next n bits as an unsigned integer.
// Caller guarantees the slice holds pos+n bits.
func (r *bitReader) read(n int) uint64 {
	var v uint64
	for i := 0; i < n; i++ {
		bit := (r.data[r.pos>>3] >> uint(r.pos&7)) & 1
		v |= uint64(bit) << uint(i)
		r.pos++
	}
	return v
}

// bitWriter writes LSB-first bit fields into a byte slice.
type bitWriter struct {
	data []byte
	pos  int
}

func (w *bitWriter) write(v uint64, n int) {
	for i := 0; i < n; i++ {
		if (v>>uint(i))&1 == 1 {
			w.data[w.pos>>3] |= 1 << uint(w.pos&7)
		}
		w.pos++
	}
}

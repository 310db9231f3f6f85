package header

import (
	"errors"
	"testing"
)

// testLayout is a small non-byte-aligned layout used across tests:
// 16-bit magic, 10-bit frame id, 6-bit block index/count, 12-bit payload
// length, 20-bit timestamp, no aux fields. 70 bits total, 9 bytes.
var testLayout = Layout{
	MagicWord:      0xA5A5,
	MagicBits:      16,
	FrameIDBits:    10,
	BlockIndexBits: 6,
	BlockCountBits: 6,
	PayloadLenBits: 12,
	TimestampBits:  20,
}

func TestLayout_Size(t *testing.T) {
	tests := []struct {
		name     string
		layout   Layout
		wantBits int
		wantSize int
	}{
		{"default firmware layout", DefaultLayout, 216, 27},
		{"test layout rounds up", testLayout, 70, 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.layout.Bits(); got != tt.wantBits {
				t.Errorf("Bits() = %d, want %d", got, tt.wantBits)
			}
			if got := tt.layout.Size(); got != tt.wantSize {
				t.Errorf("Size() = %d, want %d", got, tt.wantSize)
			}
		})
	}
}

func TestLayout_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Layout)
		wantErr bool
	}{
		{"default is valid", func(*Layout) {}, false},
		{"zero frame id width", func(l *Layout) { l.FrameIDBits = 0 }, true},
		{"over-wide payload len", func(l *Layout) { l.PayloadLenBits = 33 }, true},
		{"negative aux width", func(l *Layout) { l.BatteryBits = -1 }, true},
		{"zero aux width ok", func(l *Layout) { l.BatteryBits = 0; l.EWLBits = 0 }, false},
		{"magic wider than field", func(l *Layout) { l.MagicBits = 8; l.MagicWord = 0x1FF }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := DefaultLayout
			tt.mutate(&l)
			err := l.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestDecode_RoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		layout Layout
		h      Header
	}{
		{
			name:   "default layout all fields",
			layout: DefaultLayout,
			h: Header{
				Magic:      DefaultLayout.MagicWord,
				FrameID:    7,
				BlockIndex: 2,
				BlockCount: 3,
				PayloadLen: 4096,
				Timestamp:  123456789,
				Battery:    0x7FF,
				EWL:        0x123,
			},
		},
		{
			name:   "non-byte-aligned layout",
			layout: testLayout,
			h: Header{
				Magic:      0xA5A5,
				FrameID:    1023, // max for 10 bits
				BlockIndex: 63,
				BlockCount: 63,
				PayloadLen: 4095,
				Timestamp:  0xFFFFF,
			},
		},
		{
			name:   "zero values",
			layout: testLayout,
			h:      Header{Magic: 0xA5A5},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := Encode(tt.layout, tt.h)
			if len(buf) != tt.layout.Size() {
				t.Fatalf("Encode length = %d, want %d", len(buf), tt.layout.Size())
			}

			got, err := Decode(tt.layout, buf)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}
			if got != tt.h {
				t.Errorf("Decode = %+v, want %+v", got, tt.h)
			}
		})
	}
}

func TestDecode_TrailingPayloadIgnored(t *testing.T) {
	h := Header{Magic: 0xA5A5, FrameID: 5, BlockIndex: 1, BlockCount: 2, PayloadLen: 3}
	buf := append(Encode(testLayout, h), 0xDE, 0xAD, 0xBE)

	got, err := Decode(testLayout, buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got != h {
		t.Errorf("Decode = %+v, want %+v", got, h)
	}
}

func TestDecode_MalformedHeader(t *testing.T) {
	short := make([]byte, testLayout.Size()-1)

	_, err := Decode(testLayout, short)
	if err == nil {
		t.Fatal("expected error for short buffer")
	}

	var mh *MalformedHeaderError
	if !errors.As(err, &mh) {
		t.Fatalf("expected *MalformedHeaderError, got %T", err)
	}
	if mh.Got != len(short) || mh.Want != testLayout.Size() {
		t.Errorf("MalformedHeaderError = {Got: %d, Want: %d}, want {Got: %d, Want: %d}",
			mh.Got, mh.Want, len(short), testLayout.Size())
	}
	if !IsMalformedHeader(err) {
		t.Error("IsMalformedHeader should return true")
	}
}

func TestDecode_EmptyBuffer(t *testing.T) {
	_, err := Decode(testLayout, nil)
	if !IsMalformedHeader(err) {
		t.Errorf("expected malformed header error, got %v", err)
	}
}

func TestDecode_MagicBytesLittleEndian(t *testing.T) {
	// 16-bit magic 0xA5A5 packed LSB-first must put 0xA5 in each of the
	// first two bytes on the wire.
	buf := Encode(testLayout, Header{Magic: 0xA5A5})
	if buf[0] != 0xA5 || buf[1] != 0xA5 {
		t.Errorf("magic wire bytes = %#x %#x, want 0xa5 0xa5", buf[0], buf[1])
	}
}

func TestDecode_NoCoercion(t *testing.T) {
	// A block index exceeding the block count decodes structurally; range
	// judgment belongs to the validator.
	h := Header{Magic: 0xA5A5, FrameID: 1, BlockIndex: 40, BlockCount: 3}
	got, err := Decode(testLayout, Encode(testLayout, h))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if got.BlockIndex != 40 {
		t.Errorf("BlockIndex = %d, want 40 (passed through unclamped)", got.BlockIndex)
	}
}

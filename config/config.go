package config

import (
	"fmt"
	"time"

	"github.com/SasataniLab/miniscope-io/assemble"
	"github.com/SasataniLab/miniscope-io/header"
	"github.com/SasataniLab/miniscope-io/source"
	"github.com/SasataniLab/miniscope-io/storage"
	"github.com/SasataniLab/miniscope-io/validate"
)

// Config represents a device YAML configuration file. It describes one
// firmware variant: the header bit layout, frame geometry, and runtime
// tuning. CLI flags always override config values.
type Config struct {
	Device  string        `yaml:"device"`
	Header  HeaderConfig  `yaml:"header"`
	Frame   FrameConfig   `yaml:"frame"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Storage StorageConfig `yaml:"storage"`
}

// HeaderConfig holds the bit widths of the buffer header fields.
// A zero value means the shipped-firmware default for that field.
type HeaderConfig struct {
	MagicWord      uint32 `yaml:"magic_word"`
	MagicBits      int    `yaml:"magic_bits"`
	FrameIDBits    int    `yaml:"frame_id_bits"`
	BlockIndexBits int    `yaml:"block_index_bits"`
	BlockCountBits int    `yaml:"block_count_bits"`
	PayloadLenBits int    `yaml:"payload_len_bits"`
	TimestampBits  int    `yaml:"timestamp_bits"`
	BatteryBits    *int   `yaml:"battery_bits,omitempty"`
	EWLBits        *int   `yaml:"ewl_bits,omitempty"`
}

// FrameConfig holds the sensor frame geometry. PixelDepth is bits per
// pixel; zero means the 8-bit default.
type FrameConfig struct {
	Width      int `yaml:"width"`
	Height     int `yaml:"height"`
	PixelDepth int `yaml:"pixel_depth"`
	FPS        int `yaml:"fps"`
}

// RuntimeConfig holds reconstruction tuning.
type RuntimeConfig struct {
	QueueCapacity    int      `yaml:"queue_capacity"`
	LivenessDeadline Duration `yaml:"liveness_deadline"`
	RecencyWindow    int      `yaml:"recency_window"`
	// MaxBlockCount bounds the blocks-per-frame a buffer header may
	// declare. A corrupt count field otherwise sizes the per-frame
	// bookkeeping.
	MaxBlockCount uint32 `yaml:"max_block_count"`
	ChunkSize     int    `yaml:"chunk_size"`
}

// StorageConfig holds archive defaults from the config file.
type StorageConfig struct {
	Bucket      string `yaml:"bucket"`
	Prefix      string `yaml:"prefix"`
	Region      string `yaml:"region"`
	Endpoint    string `yaml:"endpoint"`
	S3PathStyle bool   `yaml:"s3_path_style"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "50ms", "5s").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "50ms" or "1m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// Defaults applied by ApplyDefaults.
const (
	DefaultQueueCapacity    = 32
	DefaultLivenessDeadline = 50 * time.Millisecond
	DefaultPixelDepth       = 8
)

// ApplyDefaults fills unset fields with the shipped-firmware defaults.
func (c *Config) ApplyDefaults() {
	def := header.DefaultLayout
	h := &c.Header
	if h.MagicWord == 0 {
		h.MagicWord = def.MagicWord
	}
	if h.MagicBits == 0 {
		h.MagicBits = def.MagicBits
	}
	if h.FrameIDBits == 0 {
		h.FrameIDBits = def.FrameIDBits
	}
	if h.BlockIndexBits == 0 {
		h.BlockIndexBits = def.BlockIndexBits
	}
	if h.BlockCountBits == 0 {
		h.BlockCountBits = def.BlockCountBits
	}
	if h.PayloadLenBits == 0 {
		h.PayloadLenBits = def.PayloadLenBits
	}
	if h.TimestampBits == 0 {
		h.TimestampBits = def.TimestampBits
	}
	// Aux widths distinguish "absent" (0) from "unset" (nil), so they use
	// pointers; nil means the default.
	if h.BatteryBits == nil {
		v := def.BatteryBits
		h.BatteryBits = &v
	}
	if h.EWLBits == nil {
		v := def.EWLBits
		h.EWLBits = &v
	}

	if c.Frame.PixelDepth == 0 {
		c.Frame.PixelDepth = DefaultPixelDepth
	}

	if c.Runtime.QueueCapacity == 0 {
		c.Runtime.QueueCapacity = DefaultQueueCapacity
	}
	if c.Runtime.LivenessDeadline.Duration == 0 {
		c.Runtime.LivenessDeadline.Duration = DefaultLivenessDeadline
	}
	if c.Runtime.RecencyWindow == 0 {
		c.Runtime.RecencyWindow = assemble.DefaultRecencyWindow
	}
	if c.Runtime.MaxBlockCount == 0 {
		c.Runtime.MaxBlockCount = validate.DefaultMaxBlockCount
	}
	if c.Runtime.ChunkSize == 0 {
		c.Runtime.ChunkSize = source.DefaultChunkSize
	}
}

// Layout converts the header section to a decode layout.
func (c *Config) Layout() header.Layout {
	l := header.Layout{
		MagicWord:      c.Header.MagicWord,
		MagicBits:      c.Header.MagicBits,
		FrameIDBits:    c.Header.FrameIDBits,
		BlockIndexBits: c.Header.BlockIndexBits,
		BlockCountBits: c.Header.BlockCountBits,
		PayloadLenBits: c.Header.PayloadLenBits,
		TimestampBits:  c.Header.TimestampBits,
	}
	if c.Header.BatteryBits != nil {
		l.BatteryBits = *c.Header.BatteryBits
	}
	if c.Header.EWLBits != nil {
		l.EWLBits = *c.Header.EWLBits
	}
	return l
}

// S3 converts the storage section to an archive backend config.
func (c *Config) S3() storage.S3Config {
	return storage.S3Config{
		Bucket:       c.Storage.Bucket,
		Prefix:       c.Storage.Prefix,
		Region:       c.Storage.Region,
		Endpoint:     c.Storage.Endpoint,
		UsePathStyle: c.Storage.S3PathStyle,
	}
}

// Validate checks the config for internal consistency. Call after
// ApplyDefaults.
func (c *Config) Validate() error {
	if err := c.Layout().Validate(); err != nil {
		return err
	}
	if c.Runtime.QueueCapacity < 1 {
		return fmt.Errorf("config: queue_capacity %d must be at least 1", c.Runtime.QueueCapacity)
	}
	if c.Runtime.LivenessDeadline.Duration <= 0 {
		return fmt.Errorf("config: liveness_deadline must be positive")
	}
	if c.Frame.Width < 0 || c.Frame.Height < 0 {
		return fmt.Errorf("config: frame geometry %dx%d is invalid", c.Frame.Width, c.Frame.Height)
	}
	if c.Frame.PixelDepth < 1 || c.Frame.PixelDepth > 16 {
		return fmt.Errorf("config: pixel depth %d out of range [1,16]", c.Frame.PixelDepth)
	}
	if c.Runtime.MaxBlockCount < 1 {
		return fmt.Errorf("config: max_block_count must be at least 1")
	}
	return nil
}
